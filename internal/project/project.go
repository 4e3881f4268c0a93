// Package project implements the Project component (C3): one upstream
// repository bound to one local checkout path, and the two operations that
// drive it through a sync — SyncNetworkHalf (fetch) and SyncLocalHalf
// (checkout), plus the branch-management wrappers layered on top.
package project

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/utilitywarehouse/reposync/internal/auth"
	"github.com/utilitywarehouse/reposync/internal/gitdriver"
	"github.com/utilitywarehouse/reposync/internal/giturl"
	"github.com/utilitywarehouse/reposync/internal/manifest"
	"github.com/utilitywarehouse/reposync/internal/refcache"
	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
)

// remoteDefaultBranchRgx parses `git ls-remote --symref origin HEAD`'s
// leading "ref: refs/heads/xxx HEAD" line.
var remoteDefaultBranchRgx = regexp.MustCompile(`^ref:\s+(\S+)\s+HEAD`)

// Paths is the physical layout a Project occupies on disk, resolved by the
// sync engine from the workspace root before the Project is constructed.
//
// For a mirror project (Worktree == ""), Gitdir is a standalone bare
// repository. For a worktree project, Gitdir MUST be Worktree+"/.git" (or
// the file a linked git-worktree leaves there) so plain git commands run
// with Dir=Worktree discover it without GIT_DIR; object-store sharing
// across projects is expressed through Objdir instead.
type Paths struct {
	// Gitdir is the project's own git metadata directory.
	Gitdir string
	// Objdir is the object database to fetch into; equals Gitdir+"/objects"
	// unless this project shares object storage with others of the same
	// name (fleet-wide dedup, spec §3's Project invariant).
	Objdir string
	// Worktree is the checked-out working directory, or "" for a mirror
	// with no worktree.
	Worktree string
}

// Config is everything a Project needs besides its manifest declaration:
// the shared subsystems every project in a sync talks through.
type Config struct {
	Driver     *gitdriver.Driver
	Auth       auth.Config
	AuthTokens *auth.TokenSource
	// WorkspaceRoot is used to resolve copyfile/linkfile destinations,
	// which are relative to the workspace top, not the project worktree.
	WorkspaceRoot string
	// ManifestOriginURL is the manifest repository's own URL, against
	// which a Remote's relative Fetch value is resolved.
	ManifestOriginURL string
	Log               *slog.Logger
	// Rand optionally overrides the fetch retry jitter source, for tests.
	Rand *rand.Rand
	// SleepFunc optionally overrides the fetch retry delay, for tests.
	SleepFunc func(context.Context, time.Duration)
}

// Project is the runtime handle the Sync Engine drives. It wraps a
// manifest.Project with the physical paths and subsystems needed to
// actually fetch and check it out.
type Project struct {
	decl   manifest.Project
	remote manifest.Remote
	paths  Paths
	cfg    Config

	refs *refcache.Cache
}

// New builds a Project. remote must be the manifest.Remote decl.Remote
// names; the caller (sync engine, which already holds the manifest) is
// responsible for that lookup.
func New(decl manifest.Project, remote manifest.Remote, paths Paths, cfg Config) *Project {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.SleepFunc == nil {
		cfg.SleepFunc = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Project{
		decl:   decl,
		remote: remote,
		paths:  paths,
		cfg:    cfg,
		refs:   refcache.New(paths.Gitdir, cfg.Driver),
	}
}

// Name returns the project's manifest name.
func (p *Project) Name() string { return p.decl.Name }

// RelPath returns the project's worktree path relative to the workspace top.
func (p *Project) RelPath() string { return p.decl.RelPath() }

// Gitdir returns the project's git metadata directory.
func (p *Project) Gitdir() string { return p.paths.Gitdir }

// Objdir returns the project's object database directory.
func (p *Project) Objdir() string { return p.paths.Objdir }

// Worktree returns the project's checked-out directory, or "" for a mirror.
func (p *Project) Worktree() string { return p.paths.Worktree }

// Manifest returns the underlying manifest declaration.
func (p *Project) Manifest() manifest.Project { return p.decl }

func (p *Project) remoteName() string {
	if p.remote.Name != "" {
		return p.remote.Name
	}
	return "origin"
}

func (p *Project) remoteURL() (string, error) {
	return p.remote.ResolvedFetchURL(p.cfg.ManifestOriginURL)
}

// NetworkOptions configures a single SyncNetworkHalf invocation, mirroring
// spec §4.3.
type NetworkOptions struct {
	Quiet               bool
	CurrentBranchOnly   bool
	ForceSync           bool
	UseCloneBundle      bool
	Tags                bool
	OptimizedFetch      bool
	RetryFetches        int
	Prune               bool
	CloneDepth          int
	CloneFilter         string
	PartialCloneExclude string
}

// SyncNetworkHalf creates/updates the project's gitdir and fetches new
// objects from its remote. It returns ok=false (with err possibly nil) on
// a recoverable network failure the caller should aggregate, rather than
// treat as fatal.
func (p *Project) SyncNetworkHalf(ctx context.Context, opts NetworkOptions) (bool, error) {
	remoteURL, err := p.remoteURL()
	if err != nil {
		return false, reposyncerr.NewRepoError(p.Name(), fmt.Errorf("resolving remote url: %w", err))
	}

	if err := p.ensureGitdir(ctx, remoteURL); err != nil {
		return false, err
	}

	if err := p.configureRemote(ctx, remoteURL); err != nil {
		return false, err
	}

	if opts.OptimizedFetch {
		want := p.decl.RevisionID
		if want == "" {
			// revisionExpr may also name a tag already fetched in a
			// prior sync; resolve it locally before deciding to skip.
			want, _ = p.refs.Get(ctx, "refs/tags/"+p.decl.Revision)
		}
		if want != "" {
			res, err := p.run(ctx, remoteURL, "cat-file", "-e", want)
			if err == nil && res.ExitCode == 0 {
				return true, nil
			}
		}
	}

	if opts.UseCloneBundle && giturl.IsHTTPSURL(remoteURL) {
		if err := p.tryCloneBundle(ctx, remoteURL, opts); err != nil {
			p.cfg.Log.Warn("clone bundle attempt failed, falling back to fetch", "project", p.Name(), "err", err)
		}
	}

	ok, err := p.fetchWithRetry(ctx, remoteURL, opts)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, err := p.run(ctx, "", "pack-refs", "--all", "--prune"); err != nil {
		return false, reposyncerr.NewGitError(p.Name(), "pack-refs", nil, err)
	}

	p.refs.Invalidate()
	return true, nil
}

func (p *Project) run(ctx context.Context, remoteURL string, args ...string) (gitdriver.Result, error) {
	opts := gitdriver.Options{
		Bare:          p.paths.Worktree == "",
		Gitdir:        p.paths.Gitdir,
		Objdir:        p.paths.Objdir,
		Dir:           p.paths.Worktree,
		DisableEditor: true,
		RemoteURL:     remoteURL,
	}
	if remoteURL != "" {
		gURL, _ := giturl.Parse(remoteURL)
		env, err := auth.Env(ctx, p.cfg.Auth, p.cfg.AuthTokens, remoteURL, gURL, p.paths.Gitdir)
		if err != nil {
			return gitdriver.Result{}, fmt.Errorf("building auth env: %w", err)
		}
		opts.Env = env
	}
	res, err := p.cfg.Driver.Run(ctx, opts, args...)
	if err != nil {
		return res, reposyncerr.NewGitError(p.Name(), strings.Join(args, " "), args, err)
	}
	if res.ExitCode != 0 {
		return res, reposyncerr.NewGitCommandError(p.Name(), strings.Join(args, " "), args, res.ExitCode, fmt.Errorf("%s", strings.TrimSpace(string(res.Stderr))))
	}
	return res, nil
}

// ensureGitdir creates and validates the project's gitdir, re-creating it
// if it exists but fails a sanity check — grounded on the teacher's
// init()/sanityCheckRepo() pair, generalized to worktree (non-bare) mode.
func (p *Project) ensureGitdir(ctx context.Context, remoteURL string) error {
	_, err := os.Stat(p.paths.Gitdir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(p.paths.Gitdir, 0o755); err != nil {
			return reposyncerr.NewRepoError(p.Name(), fmt.Errorf("creating gitdir: %w", err))
		}
	case err != nil:
		return reposyncerr.NewRepoError(p.Name(), fmt.Errorf("statting gitdir: %w", err))
	default:
		if p.sanityCheckGitdir(ctx, remoteURL) {
			return nil
		}
	}

	bare := p.paths.Worktree == ""
	initArgs := []string{"init", "-q"}
	if bare {
		initArgs = append(initArgs, "--bare")
	}
	if _, err := p.run(ctx, "", initArgs...); err != nil {
		return fmt.Errorf("initializing gitdir: %w", err)
	}

	if bare {
		headBranch, err := p.remoteDefaultBranch(ctx, remoteURL)
		if err == nil && headBranch != "" {
			_, _ = p.run(ctx, "", "symbolic-ref", "HEAD", headBranch)
		}
	}

	return nil
}

// remoteDefaultBranch resolves the remote's HEAD symref via ls-remote,
// mirroring the teacher's getRemoteDefaultBranch.
func (p *Project) remoteDefaultBranch(ctx context.Context, remoteURL string) (string, error) {
	res, err := p.run(ctx, remoteURL, "ls-remote", "--symref", remoteURL, "HEAD")
	if err != nil {
		return "", err
	}
	m := remoteDefaultBranchRgx.FindStringSubmatch(string(res.Stdout))
	if m == nil {
		return "", fmt.Errorf("unable to parse ls-remote output: %s", res.Stdout)
	}
	return m[1], nil
}

func (p *Project) sanityCheckGitdir(ctx context.Context, remoteURL string) bool {
	res, err := p.run(ctx, "", "rev-parse", "--git-dir")
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return true
}

// configureRemote (re)writes the project's origin remote to match the
// manifest's declared url, pushurl and fetch refspec.
func (p *Project) configureRemote(ctx context.Context, remoteURL string) error {
	name := p.remoteName()

	// absent remote is fine; a genuine failure surfaces again below on add.
	_, _ = p.run(ctx, "", "remote", "remove", name)

	addArgs := []string{"remote", "add", name, remoteURL}
	if _, err := p.run(ctx, remoteURL, addArgs...); err != nil {
		return fmt.Errorf("configuring remote: %w", err)
	}

	if p.remote.PushURL != "" {
		if _, err := p.run(ctx, "", "remote", "set-url", "--push", name, p.remote.PushURL); err != nil {
			return fmt.Errorf("configuring push url: %w", err)
		}
	}

	return nil
}

// fetchWithRetry runs `git fetch`, retrying on non-zero exit up to
// retryFetches+2 times with a random 30-45s backoff, per spec §4.3 step 5.
func (p *Project) fetchWithRetry(ctx context.Context, remoteURL string, opts NetworkOptions) (bool, error) {
	args := p.fetchArgs(opts)

	attempts := opts.RetryFetches + 2
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(30+p.cfg.Rand.Intn(16)) * time.Second
			p.cfg.SleepFunc(ctx, backoff)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		res, err := p.cfg.Driver.Run(ctx, p.fetchOpts(remoteURL), args...)
		if err != nil {
			lastErr = err
			continue
		}
		if res.ExitCode == 0 {
			return true, nil
		}
		lastErr = reposyncerr.NewGitCommandError(p.Name(), "fetch", args, res.ExitCode, fmt.Errorf("%s", strings.TrimSpace(string(res.Stderr))))
	}

	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

func (p *Project) fetchOpts(remoteURL string) gitdriver.Options {
	opts := gitdriver.Options{
		Bare:          p.paths.Worktree == "",
		Gitdir:        p.paths.Gitdir,
		Objdir:        p.paths.Objdir,
		Dir:           p.paths.Worktree,
		DisableEditor: true,
		RemoteURL:     remoteURL,
	}
	gURL, _ := giturl.Parse(remoteURL)
	env, err := auth.Env(context.Background(), p.cfg.Auth, p.cfg.AuthTokens, remoteURL, gURL, p.paths.Gitdir)
	if err == nil {
		opts.Env = env
	}
	return opts
}

func (p *Project) fetchArgs(opts NetworkOptions) []string {
	args := []string{"fetch", p.remoteName(), "--porcelain"}
	if opts.Prune {
		args = append(args, "--prune")
	}
	if opts.Tags {
		args = append(args, "--tags")
	} else {
		args = append(args, "--no-tags")
	}
	if opts.CloneDepth > 0 {
		if empty, _ := dirIsEmpty(p.paths.Gitdir); empty {
			args = append(args, "--depth", fmt.Sprintf("%d", opts.CloneDepth))
		}
	}
	if opts.CurrentBranchOnly && p.decl.DestBranch != "" {
		b := p.decl.DestBranch
		args = append(args, fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", b, p.remoteName(), b))
	} else {
		args = append(args, fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", p.remoteName()))
	}
	return args
}

// tryCloneBundle attempts spec §4.3 step 4's clone.bundle fast path: an
// HTTP(S) range-resumable download of a pre-baked bundle, fetched from
// locally before falling back to the normal protocol fetch.
func (p *Project) tryCloneBundle(ctx context.Context, remoteURL string, opts NetworkOptions) error {
	bundleURL := strings.TrimSuffix(remoteURL, ".git") + "/clone.bundle"
	tmp := filepath.Join(p.paths.Gitdir, "clone.bundle.tmp")

	if err := downloadBundle(ctx, bundleURL, tmp); err != nil {
		if perm, ok := err.(*permanentBundleError); ok {
			return fmt.Errorf("bundle unavailable: %w", perm)
		}
		return err
	}
	defer os.Remove(tmp)

	refspec := fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", p.remoteName())
	if _, err := p.run(ctx, "", "fetch", tmp, refspec, "refs/tags/*:refs/tags/*"); err != nil {
		return fmt.Errorf("fetching from bundle: %w", err)
	}
	return nil
}

type permanentBundleError struct{ status int }

func (e *permanentBundleError) Error() string {
	return fmt.Sprintf("clone bundle fetch returned permanent status %d", e.status)
}

// downloadBundle fetches url into dest with HTTP Range resumption,
// returning a *permanentBundleError for 401/403/404 so the caller never
// retries those.
func downloadBundle(ctx context.Context, url, dest string) error {
	var resumeFrom int64
	if fi, err := os.Stat(dest); err == nil {
		resumeFrom = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &permanentBundleError{status: resp.StatusCode}
	case http.StatusOK, http.StatusPartialContent:
	default:
		return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, url)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}

// SetConfig writes a git config key/value pair into the project's gitdir.
func (p *Project) SetConfig(ctx context.Context, key, value string) error {
	_, err := p.run(ctx, "", "config", key, value)
	return err
}

// GC runs `git gc --auto` against the project's gitdir, using packThreads
// for pack.threads (spec §4.6 step 6's cpu_count/jobs allotment per task).
func (p *Project) GC(ctx context.Context, packThreads int) error {
	if packThreads > 0 {
		if _, err := p.run(ctx, "", "-c", fmt.Sprintf("pack.threads=%d", packThreads), "gc", "--auto"); err != nil {
			return err
		}
		return nil
	}
	_, err := p.run(ctx, "", "gc", "--auto")
	return err
}

func dirIsEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == nil {
		return false, nil
	}
	return true, nil
}
