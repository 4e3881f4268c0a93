// Package syncbuffer implements the sync buffer (C7): an append-only
// collector for per-project messages, failures, and deferred actions
// raised during a sync pass, flushed once at the end.
package syncbuffer

import (
	"fmt"
	"io"

	"github.com/utilitywarehouse/reposync/internal/lock"
)

type message struct {
	project string
	text    string
}

type failure struct {
	project string
	err     error
}

type later struct {
	project string
	thunk   func() error
}

// Buffer accumulates sync output for later, ordered printing. The zero
// value is not usable; construct with New.
type Buffer struct {
	out io.Writer

	mu            lock.Mutex
	messages      []message
	failures      []failure
	later1        []later
	later2        []later
	clean         bool
	failedProject map[string]bool
}

// New returns an empty, clean Buffer that prints to out.
func New(out io.Writer) *Buffer {
	return &Buffer{out: out, clean: true, failedProject: map[string]bool{}}
}

// FailedProjects returns the names of every project that recorded a Fail,
// including ones raised by a Later1/Later2 thunk during Finish. Unlike the
// printed failure log, this survives Finish's buffer-clearing.
func (b *Buffer) FailedProjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.failedProject))
	for name := range b.failedProject {
		out = append(out, name)
	}
	return out
}

// Info records an informational message for project.
func (b *Buffer) Info(project, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, message{project: project, text: msg})
}

// Fail records a failure for project and marks the buffer unclean.
func (b *Buffer) Fail(project string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, failure{project: project, err: err})
	b.failedProject[project] = true
	b.clean = false
}

// Later1 enqueues a fast-forward action for project, run in Finish before
// any Later2 action.
func (b *Buffer) Later1(project string, thunk func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.later1 = append(b.later1, later{project: project, thunk: thunk})
}

// Later2 enqueues a rebase action for project, run in Finish after every
// Later1 action has succeeded.
func (b *Buffer) Later2(project string, thunk func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.later2 = append(b.later2, later{project: project, thunk: thunk})
}

// Finish prints accumulated messages, runs later1 then later2 (stopping a
// queue at its first failure, and skipping later2 entirely if later1
// failed), prints whatever later1/later2 itself queued via Info/Fail, and
// returns whether the buffer stayed clean throughout.
func (b *Buffer) Finish() bool {
	b.printMessages()
	b.runLater()
	b.printMessages()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clean
}

func (b *Buffer) runLater() {
	if !b.runQueue(&b.later1) {
		return
	}
	b.runQueue(&b.later2)
}

func (b *Buffer) runQueue(queue *[]later) bool {
	b.mu.Lock()
	items := *queue
	b.mu.Unlock()

	for _, m := range items {
		fmt.Fprintf(b.out, "project %s/\n", m.project)
		if err := m.thunk(); err != nil {
			b.Fail(m.project, err)
			return false
		}
	}

	b.mu.Lock()
	*queue = nil
	b.mu.Unlock()
	return true
}

func (b *Buffer) printMessages() {
	b.mu.Lock()
	msgs := b.messages
	fails := b.failures
	b.messages = nil
	b.failures = nil
	b.mu.Unlock()

	for _, m := range msgs {
		fmt.Fprintf(b.out, "%s: %s\n", m.project, m.text)
	}
	for _, f := range fails {
		fmt.Fprintf(b.out, "%s: error: %v\n", f.project, f.err)
	}
}
