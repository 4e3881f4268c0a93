// Package syncengine implements the Sync Engine (C6): the two-pool
// scheduler that turns a resolved manifest into a set of Project instances,
// fetches them (grouped by shared object store), reconciles the checked-out
// project list against the manifest, and checks each one out.
//
// Phases 1-2 of spec §4.6 (manifest-project sync, smart-sync override via
// XML-RPC) belong to the launcher that fetches and selects the manifest
// itself; this package's manifest input is already the resolved
// manifest.Manifest a caller loaded, so Sync starts at phase 3 (fetch
// partition).
package syncengine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/utilitywarehouse/reposync/internal/auth"
	"github.com/utilitywarehouse/reposync/internal/eventlog"
	"github.com/utilitywarehouse/reposync/internal/fetchtime"
	"github.com/utilitywarehouse/reposync/internal/gitdriver"
	"github.com/utilitywarehouse/reposync/internal/lock"
	"github.com/utilitywarehouse/reposync/internal/manifest"
	"github.com/utilitywarehouse/reposync/internal/project"
)

// Config is everything the Sync Engine needs beyond the manifest itself.
type Config struct {
	// WorkspaceRoot is <top> in spec §6's on-disk layout: the directory
	// copyfile/linkfile destinations and project worktrees are relative to.
	WorkspaceRoot string
	// RepoDir is the ".repo" control directory, defaulting to
	// WorkspaceRoot+"/.repo" when empty.
	RepoDir string

	Driver     *gitdriver.Driver
	Auth       auth.Config
	AuthTokens *auth.TokenSource

	// Oracle records and reads back per-project fetch durations so the
	// longest-running projects are dispatched first. Optional.
	Oracle *fetchtime.Oracle
	// EventLog records per-project fetch/checkout task outcomes. Optional.
	EventLog *eventlog.Logger
	Log      *slog.Logger

	// Jobs is the default worker count for both pools; JobsNetwork and
	// JobsCheckout override it independently when non-zero.
	Jobs         int
	JobsNetwork  int
	JobsCheckout int

	// Mirror builds every project as a bare gitdir under RepoDir with no
	// worktree, per spec's mirror workspace variant.
	Mirror bool
}

func (c *Config) applyDefaults() {
	if c.RepoDir == "" {
		c.RepoDir = filepath.Join(c.WorkspaceRoot, ".repo")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Jobs <= 0 {
		c.Jobs = 1
	}
	if c.JobsNetwork <= 0 {
		c.JobsNetwork = c.Jobs
	}
	if c.JobsCheckout <= 0 {
		c.JobsCheckout = c.Jobs
	}
	c.Jobs = clampJobs(c.Jobs)
	c.JobsNetwork = clampJobs(c.JobsNetwork)
	c.JobsCheckout = clampJobs(c.JobsCheckout)
}

// clampJobs enforces spec §4.6's "(rlimit_nofile_soft - 5) / 3" ceiling,
// each git subprocess holding roughly three descriptors (stdout, stderr,
// a pack or loose-object fd) open at once. Falls back to jobs unchanged
// when the limit can't be queried.
func clampJobs(jobs int) int {
	soft, ok := nofileSoftLimit()
	if !ok {
		return jobs
	}
	max := (soft - 5) / 3
	if max < 1 {
		max = 1
	}
	if jobs > max {
		return max
	}
	return jobs
}

// Engine owns every Project built from a manifest and drives them through a
// sync, per spec §4.6.
type Engine struct {
	cfg Config
	m   *manifest.Manifest

	mu       lock.RWMutex
	projects map[string]*project.Project // keyed by Project.Name
	order    []string                    // Name, in manifest declaration order
}

// New builds an Engine and every Project its manifest declares, resolving
// on-disk paths with resolvePaths: <top>/<path> as the worktree with its
// gitdir at <top>/<path>/.git, and project-objects/<name>.git/objects as
// the shared object store for any project name that appears more than
// once. Only mirror mode places gitdirs under projects/<path>.git; a
// project with a worktree gets no gitdir there.
func New(cfg Config, m *manifest.Manifest) (*Engine, error) {
	cfg.applyDefaults()

	flat := flattenProjects(m.Projects, "")

	nameCounts := map[string]int{}
	for _, p := range flat {
		nameCounts[p.Name]++
	}

	e := &Engine{cfg: cfg, m: m, projects: map[string]*project.Project{}}

	for _, decl := range flat {
		remote, ok := m.Remote(decl.Remote)
		if !ok {
			return nil, fmt.Errorf("project %q references undeclared remote %q", decl.Name, decl.Remote)
		}

		paths := e.resolvePaths(decl, nameCounts[decl.Name] > 1)

		pcfg := project.Config{
			Driver:            cfg.Driver,
			Auth:              cfg.Auth,
			AuthTokens:        cfg.AuthTokens,
			WorkspaceRoot:     cfg.WorkspaceRoot,
			ManifestOriginURL: m.ManifestServerURL,
			Log:               cfg.Log,
		}

		e.projects[decl.Name] = project.New(decl, remote, paths, pcfg)
		e.order = append(e.order, decl.Name)
	}

	return e, nil
}

// resolvePaths implements the files-layout on-disk convention: a worktree
// at <top>/<relpath> whose gitdir lives alongside it (internal/project
// requires Gitdir == Worktree+"/.git"), with Objdir pointed at a shared
// project-objects store when shared is true. In mirror mode there is no
// worktree at all: every project is a bare gitdir under RepoDir/projects,
// matching internal/project's Worktree=="" convention.
func (e *Engine) resolvePaths(decl manifest.Project, shared bool) project.Paths {
	if e.cfg.Mirror {
		gitdir := filepath.Join(e.cfg.RepoDir, "projects", decl.RelPath()+".git")
		objdir := filepath.Join(gitdir, "objects")
		if shared {
			objdir = filepath.Join(e.cfg.RepoDir, "project-objects", decl.Name+".git", "objects")
		}
		return project.Paths{Gitdir: gitdir, Objdir: objdir, Worktree: ""}
	}

	worktree := filepath.Join(e.cfg.WorkspaceRoot, decl.RelPath())
	gitdir := filepath.Join(worktree, ".git")

	objdir := filepath.Join(gitdir, "objects")
	if shared {
		objdir = filepath.Join(e.cfg.RepoDir, "project-objects", decl.Name+".git", "objects")
	}

	return project.Paths{Gitdir: gitdir, Objdir: objdir, Worktree: worktree}
}

// flattenProjects walks manifest subprojects into a single flat list,
// joining paths under their parent and inheriting remote/revision/
// dest-branch from the parent when a subproject leaves them unset --
// manifest.Load only applies workspace-wide defaults to top-level projects.
func flattenProjects(projects []manifest.Project, parentPath string) []manifest.Project {
	var flat []manifest.Project
	for _, p := range projects {
		if parentPath != "" {
			if p.Path == "" {
				p.Path = p.Name
			}
			p.Path = filepath.Join(parentPath, p.Path)
		}
		subs := make([]manifest.Project, len(p.Subprojects))
		copy(subs, p.Subprojects)
		for i := range subs {
			if subs[i].Remote == "" {
				subs[i].Remote = p.Remote
			}
			if subs[i].Revision == "" {
				subs[i].Revision = p.Revision
			}
			if subs[i].DestBranch == "" {
				subs[i].DestBranch = p.DestBranch
			}
		}
		p.Subprojects = nil
		flat = append(flat, p)
		flat = append(flat, flattenProjects(subs, p.RelPath())...)
	}
	return flat
}

// Projects returns every project the engine manages, in manifest order.
func (e *Engine) Projects() []*project.Project {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*project.Project, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.projects[name])
	}
	return out
}

// Project returns the named project, or nil if the manifest declares none.
func (e *Engine) Project(name string) *project.Project {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.projects[name]
}

func runtimeCPUs() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}
