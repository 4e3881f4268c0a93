package syncengine

import (
	"context"
	"fmt"
	"io"

	"github.com/utilitywarehouse/reposync/internal/metrics"
	"github.com/utilitywarehouse/reposync/internal/project"
	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
	"github.com/utilitywarehouse/reposync/internal/syncbuffer"
)

// SyncOptions configures one Sync call. Network and Local are passed
// through to every project's SyncNetworkHalf/SyncLocalHalf.
type SyncOptions struct {
	// Projects restricts the sync to these manifest project names;
	// empty means every project the manifest declares.
	Projects []string

	Network project.NetworkOptions
	Local   project.LocalOptions

	// FailFast stops dispatching new fetch/checkout work as soon as one
	// task fails; in-flight work still finishes.
	FailFast bool

	// Output receives the sync buffer's printed messages; defaults to
	// os.Stdout.
	Output io.Writer
}

// Result summarizes one Sync call's outcome.
type Result struct {
	FetchFailures    []string
	CheckoutFailures []string
	// Clean is false if any checkout-phase action failed.
	Clean bool
}

// Sync drives every named project through spec §4.6's phases 3-9: fetch
// partition, fetch pool, missing-submodule reconciliation, gc,
// project-list reconciliation, checkout pool, and finalize.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (*Result, error) {
	names := opts.Projects
	if len(names) == 0 {
		names = e.order
	}
	for _, name := range names {
		if e.Project(name) == nil {
			return nil, reposyncerr.NewNoSuchProjectError(name)
		}
	}

	fetchResults, failFast := e.fetchWithReconciliation(ctx, names, opts)

	result := &Result{}
	var fetchErrs []error
	for _, name := range names {
		r, ok := fetchResults[name]
		if !ok || !r.ok || r.err != nil {
			result.FetchFailures = append(result.FetchFailures, name)
			if r.err != nil {
				fetchErrs = append(fetchErrs, fmt.Errorf("%s: %w", name, r.err))
			}
		}
	}

	if failFast && len(fetchErrs) > 0 {
		e.finalize()
		return result, reposyncerr.NewAggregateError("sync", fetchErrs)
	}

	if err := e.gc(ctx, names); err != nil {
		e.cfg.Log.Warn("gc pass failed", "err", err)
	}

	if err := e.reconcileProjectList(ctx, opts.Local.ForceRemoveDirty); err != nil {
		e.cfg.Log.Warn("project-list reconciliation failed", "err", err)
	}

	buf := syncbuffer.New(outputOrDefault(opts.Output))
	checkoutErr := e.checkout(ctx, names, opts, buf)
	clean := buf.Finish()
	result.Clean = clean

	if !clean {
		result.CheckoutFailures = buf.FailedProjects()
	}
	metrics.SetProjectCounts(len(names)-len(result.CheckoutFailures), len(result.CheckoutFailures))

	e.finalize()

	if checkoutErr != nil && opts.FailFast {
		return result, reposyncerr.NewRepoExitError("sync", checkoutErr).WithExitCode(1)
	}
	if len(fetchErrs) > 0 {
		return result, reposyncerr.NewAggregateError("sync", fetchErrs)
	}
	if !clean {
		return result, reposyncerr.NewRepoExitError("sync", fmt.Errorf("one or more projects failed checkout")).WithExitCode(1)
	}
	return result, nil
}

// finalize persists the fetch-time oracle, per spec §4.6 step 9.
func (e *Engine) finalize() {
	if e.cfg.Oracle == nil {
		return
	}
	if err := e.cfg.Oracle.Save(); err != nil {
		e.cfg.Log.Warn("saving fetch-time oracle failed", "err", err)
	}
}

// Notice returns the manifest's notice text, printed once per sync by the
// CLI layer (spec §4.6 step 9's "print manifest notice if any").
func (e *Engine) Notice() string {
	return e.m.Notice
}
