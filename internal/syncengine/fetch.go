package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/utilitywarehouse/reposync/internal/eventlog"
	"github.com/utilitywarehouse/reposync/internal/executor"
	"github.com/utilitywarehouse/reposync/internal/metrics"
)

// fetchGroup is the fetch pool's unit of work: every project sharing an
// objdir, fetched serially within the group since they race on the same
// object store. Different groups run concurrently.
type fetchGroup struct {
	objdir string
	names  []string
}

// partitionFetchGroups groups names by their project's Objdir, per spec
// §4.6 step 3. Group order is longest-estimated-fetch-first, using the
// fetch-time oracle, so the slowest groups get a head start.
func (e *Engine) partitionFetchGroups(names []string) []fetchGroup {
	byObjdir := map[string]*fetchGroup{}
	var order []string

	for _, name := range names {
		p := e.Project(name)
		if p == nil {
			continue
		}
		g, ok := byObjdir[p.Objdir()]
		if !ok {
			g = &fetchGroup{objdir: p.Objdir()}
			byObjdir[p.Objdir()] = g
			order = append(order, p.Objdir())
		}
		g.names = append(g.names, name)
	}

	groups := make([]fetchGroup, len(order))
	for i, objdir := range order {
		groups[i] = *byObjdir[objdir]
	}

	if e.cfg.Oracle != nil {
		sortGroupsByEstimate(groups, e.cfg.Oracle)
	}
	return groups
}

func sortGroupsByEstimate(groups []fetchGroup, oracle interface{ Get(string) float64 }) {
	estimate := func(g fetchGroup) float64 {
		var total float64
		for _, name := range g.names {
			total += oracle.Get(name)
		}
		return total
	}
	// insertion sort: group counts are small relative to project counts,
	// and this keeps the comparator legible.
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && estimate(groups[j]) > estimate(groups[j-1]); j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
}

// fetchResult is one project's SyncNetworkHalf outcome.
type fetchResult struct {
	name string
	ok   bool
	err  error
}

// fetchGroups runs SyncNetworkHalf for every project in groups, jobs
// groups concurrently, projects within a group strictly in order.
func (e *Engine) fetchGroups(ctx context.Context, groups []fetchGroup, opts SyncOptions, failFast *bool) map[string]fetchResult {
	results := map[string]fetchResult{}

	work := func(ctx context.Context, g fetchGroup) ([]fetchResult, error) {
		var out []fetchResult
		for _, name := range g.names {
			if ctx.Err() != nil {
				out = append(out, fetchResult{name: name, ok: false, err: ctx.Err()})
				continue
			}

			p := e.Project(name)
			start := nowFunc()
			ok, err := p.SyncNetworkHalf(ctx, opts.Network)
			finish := nowFunc()

			if e.cfg.EventLog != nil {
				_ = e.cfg.EventLog.Data(name, eventlog.TaskFetch, start, finish, err == nil && ok)
			}
			metrics.RecordTask(name, "fetch", err == nil && ok, start)
			if e.cfg.Oracle != nil && err == nil {
				e.cfg.Oracle.Set(name, finish.Sub(start).Seconds())
			}

			out = append(out, fetchResult{name: name, ok: ok, err: err})
			if err != nil && opts.FailFast {
				*failFast = true
				break
			}
		}
		return out, nil
	}

	callback := func(resultsCh <-chan executor.Result[[]fetchResult]) (map[string]fetchResult, error) {
		agg := map[string]fetchResult{}
		for r := range resultsCh {
			for _, fr := range r.Value {
				agg[fr.name] = fr
			}
		}
		return agg, nil
	}

	agg, _ := executor.Run(ctx, executor.Options{Jobs: e.cfg.JobsNetwork, Ordered: false}, groups, work, callback)
	for k, v := range agg {
		results[k] = v
	}
	return results
}

// fetchWithReconciliation runs the fetch pool, then spec §4.6 step 5's
// missing-submodule loop: retry whatever didn't come back ok until that set
// stops changing. With this module's statically-declared YAML manifest
// there are no submodule-discovered projects to surface mid-fetch, so in
// practice this loop only re-drives transient per-project failures that
// didn't exhaust their own retry budget inside SyncNetworkHalf.
func (e *Engine) fetchWithReconciliation(ctx context.Context, names []string, opts SyncOptions) (map[string]fetchResult, bool) {
	var failFast bool

	groups := e.partitionFetchGroups(names)
	results := e.fetchGroups(ctx, groups, opts, &failFast)

	const maxIterations = 5
	var prevMissing []string
	for iter := 0; iter < maxIterations && !failFast; iter++ {
		missing := missingNames(results)
		if len(missing) == 0 || sameSet(missing, prevMissing) {
			break
		}
		prevMissing = missing

		retryGroups := e.partitionFetchGroups(missing)
		retried := e.fetchGroups(ctx, retryGroups, opts, &failFast)
		for k, v := range retried {
			results[k] = v
		}
	}

	return results, failFast
}

func missingNames(results map[string]fetchResult) []string {
	var out []string
	for name, r := range results {
		if !r.ok || r.err != nil {
			out = append(out, name)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, x := range a {
		set[x] = true
	}
	for _, x := range b {
		if !set[x] {
			return false
		}
	}
	return true
}

// gc runs `git gc --auto` once per unique objdir among names. When a
// project name appears more than once (detected via its shared objdir
// being used by more than one project), extensions.preciousObjects is set
// on every project sharing that store before gc runs, so this pass can
// never prune an object another project still needs.
func (e *Engine) gc(ctx context.Context, names []string) error {
	objdirProjects := map[string][]string{}
	for _, name := range names {
		p := e.Project(name)
		if p == nil {
			continue
		}
		objdirProjects[p.Objdir()] = append(objdirProjects[p.Objdir()], name)
	}

	jobs := e.cfg.Jobs
	if cpu := runtimeCPUs(); jobs > cpu {
		jobs = cpu
	}
	packThreads := runtimeCPUs() / maxInt(e.cfg.Jobs, 1)
	if packThreads < 1 {
		packThreads = 1
	}

	type gcUnit struct {
		objdir  string
		members []string
	}
	var units []gcUnit
	for objdir, members := range objdirProjects {
		units = append(units, gcUnit{objdir: objdir, members: members})
	}

	work := func(ctx context.Context, u gcUnit) (struct{}, error) {
		shared := len(u.members) > 1
		for _, name := range u.members {
			p := e.Project(name)
			if shared {
				if err := p.SetConfig(ctx, "extensions.preciousObjects", "true"); err != nil {
					return struct{}{}, fmt.Errorf("marking %s preciousObjects: %w", name, err)
				}
			}
		}
		// Any one member's gitdir can run gc against the shared store.
		p := e.Project(u.members[0])
		if err := p.GC(ctx, packThreads); err != nil {
			return struct{}{}, fmt.Errorf("gc for objdir %s: %w", u.objdir, err)
		}
		return struct{}{}, nil
	}

	callback := func(results <-chan executor.Result[struct{}]) (struct{}, error) {
		var firstErr error
		for r := range results {
			if r.Err != nil && firstErr == nil {
				firstErr = r.Err
			}
		}
		return struct{}{}, firstErr
	}

	_, err := executor.Run(ctx, executor.Options{Jobs: jobs}, units, work, callback)
	metrics.RecordGC(err == nil)
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
