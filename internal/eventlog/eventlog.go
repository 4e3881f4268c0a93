// Package eventlog implements the event log (C9): a newline-delimited
// JSON trail of per-task outcomes in git's trace2 event schema, appended
// under an flock-guarded critical section and rotated by size/age.
package eventlog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msolo/go-bis/flock"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/utilitywarehouse/reposync/internal/lock"
)

// NewSID generates a trace2 session id: repo-YYYYMMDDTHHMMSSZ-P<8hex>,
// prefixed with the parent's sid if GIT_TRACE2_PARENT_SID is set, per
// git's own nested-session convention.
func NewSID(now time.Time) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:]) // crypto/rand failing is unrecoverable; an all-zero suffix is an acceptable fallback
	sid := fmt.Sprintf("repo-%s-P%s", now.UTC().Format("20060102T150405Z"), hex.EncodeToString(buf[:]))
	if parent := os.Getenv("GIT_TRACE2_PARENT_SID"); parent != "" {
		sid = parent + "/" + sid
	}
	return sid
}

// Logger appends newline-delimited JSON event records to a rotated log
// file. The zero value is not usable; construct with Open.
type Logger struct {
	sid      string
	lockPath string

	mu   lock.Mutex
	dest *lumberjack.Logger
}

// Open opens (creating if needed) the event log at path, rotating once it
// reaches maxSizeMB, keeping maxBackups old files for up to maxAgeDays.
// Every append below takes path+".lock" for the duration of the write, so
// multiple reposync processes sharing a cache root don't interleave lines.
func Open(path string, sid string, maxSizeMB, maxBackups, maxAgeDays int) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating event log directory: %w", err)
		}
	}

	return &Logger{
		sid:      sid,
		lockPath: path + ".lock",
		dest: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		},
	}, nil
}

// Close flushes rotation state. It does not remove the lock file, which
// is reused across process lifetimes.
func (l *Logger) Close() error {
	return l.dest.Close()
}

func (l *Logger) write(event string, fields map[string]any) error {
	rec := map[string]any{
		"event":  event,
		"sid":    l.sid,
		"thread": "main",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		rec[k] = v
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling event log record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	fl, err := flock.Open(l.lockPath)
	if err != nil {
		return fmt.Errorf("locking event log: %w", err)
	}
	defer fl.Close()

	if _, err := l.dest.Write(line); err != nil {
		return fmt.Errorf("writing event log record: %w", err)
	}
	return nil
}

// Version emits the log's leading "version" record.
func (l *Logger) Version(v string) error {
	return l.write("version", map[string]any{"evt": "3", "exe": v})
}

// Start emits the invoking argv.
func (l *Logger) Start(argv []string) error {
	return l.write("start", map[string]any{"argv": argv})
}

// Command emits the subcommand name being run (sync, start, checkout, ...).
func (l *Logger) Command(name string) error {
	return l.write("cmd_name", map[string]any{"name": name})
}

// DefParam emits one repo.* configuration entry.
func (l *Logger) DefParam(key, value string) error {
	return l.write("def_param", map[string]any{"param": key, "value": value})
}

// ChildStart emits the launch of a subprocess (a git invocation).
func (l *Logger) ChildStart(childID int, argv []string) error {
	return l.write("child_start", map[string]any{"child_id": childID, "argv": argv})
}

// ChildExit emits a subprocess's exit code and wall-clock duration.
func (l *Logger) ChildExit(childID, exitCode int, elapsed time.Duration) error {
	return l.write("child_exit", map[string]any{
		"child_id": childID,
		"code":     exitCode,
		"t_rel":    elapsed.Seconds(),
	})
}

// Error emits a non-fatal error message observed during the run.
func (l *Logger) Error(msg string) error {
	return l.write("error", map[string]any{"msg": msg})
}

// Exit emits the process's final exit code.
func (l *Logger) Exit(code int) error {
	return l.write("exit", map[string]any{"code": code})
}

// Task identifies what kind of per-project work a Data record describes.
type Task string

const (
	TaskFetch    Task = "fetch"
	TaskCheckout Task = "checkout"
)

// Data emits one per-project sync task outcome.
func (l *Logger) Data(name string, task Task, start, finish time.Time, success bool) error {
	return l.write("data", map[string]any{
		"name":    name,
		"task":    string(task),
		"start":   start.UTC().Format(time.RFC3339Nano),
		"finish":  finish.UTC().Format(time.RFC3339Nano),
		"success": success,
	})
}
