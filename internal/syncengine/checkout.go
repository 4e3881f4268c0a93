package syncengine

import (
	"context"
	"io"
	"os"

	"github.com/utilitywarehouse/reposync/internal/eventlog"
	"github.com/utilitywarehouse/reposync/internal/executor"
	"github.com/utilitywarehouse/reposync/internal/metrics"
	"github.com/utilitywarehouse/reposync/internal/syncbuffer"
)

// checkout runs SyncLocalHalf for every project in names that has a
// worktree, jobsCheckout workers wide, unordered (spec §4.6 step 8).
// Deferred fast-forward/rebase actions queued on the shared syncbuffer are
// run by buf.Finish after every project's local half has been evaluated.
func (e *Engine) checkout(ctx context.Context, names []string, opts SyncOptions, buf *syncbuffer.Buffer) error {
	work := func(ctx context.Context, name string) (struct{}, error) {
		p := e.Project(name)
		if p == nil || p.Worktree() == "" {
			return struct{}{}, nil
		}

		start := nowFunc()
		err := p.SyncLocalHalf(ctx, buf, opts.Local)
		finish := nowFunc()

		if e.cfg.EventLog != nil {
			_ = e.cfg.EventLog.Data(name, eventlog.TaskCheckout, start, finish, err == nil)
		}
		metrics.RecordTask(name, "checkout", err == nil, start)
		return struct{}{}, err
	}

	var firstErr error
	callback := func(results <-chan executor.Result[struct{}]) (struct{}, error) {
		for r := range results {
			if r.Err != nil && firstErr == nil {
				firstErr = r.Err
			}
			if r.Err != nil && opts.FailFast {
				break
			}
		}
		return struct{}{}, nil
	}

	if _, err := executor.Run(ctx, executor.Options{Jobs: e.cfg.JobsCheckout}, names, work, callback); err != nil {
		return err
	}
	return firstErr
}

func outputOrDefault(w io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return os.Stdout
}
