package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
	"github.com/utilitywarehouse/reposync/internal/syncbuffer"
)

// LocalOptions configures a single SyncLocalHalf invocation.
type LocalOptions struct {
	ForceSync                bool
	ForceRemoveDirty         bool
	DetachFromManifestBranch bool
}

// headState is what SyncLocalHalf needs to know about the worktree's
// current position before deciding what to do with it.
type headState struct {
	detached        bool
	branch          string
	head            string
	rebasing        bool
	dirty           bool
	hasUpstream     bool
	localAheadCount int

	// published, publishedBehind and publishedFastForward report on
	// refs/published/<branch>, the record of commits already sent for
	// review. They're only populated for a tracked, non-detached branch
	// against a resolved revisionID.
	published            bool
	publishedBehind      bool
	publishedFastForward bool
}

// SyncLocalHalf brings the project's worktree to the manifest-declared
// revision, following spec §4.3's decision table. Actions that are safe to
// defer (fast-forward, rebase) are queued on syncbuf rather than run
// inline, so the sync engine can run every project's network half before
// any worktree is touched.
func (p *Project) SyncLocalHalf(ctx context.Context, syncbuf *syncbuffer.Buffer, opts LocalOptions) error {
	if p.paths.Worktree == "" {
		return nil // mirror: nothing to check out
	}

	revisionID, err := p.resolveRevisionID(ctx)
	if err != nil {
		return reposyncerr.NewRepoError(p.Name(), fmt.Errorf("resolving revision: %w", err))
	}

	state, err := p.headState(ctx, revisionID)
	if err != nil {
		return reposyncerr.NewRepoError(p.Name(), fmt.Errorf("inspecting worktree: %w", err))
	}

	switch {
	case state.detached:
		if state.rebasing {
			return p.failf(syncbuf, "rebase in progress on detached HEAD")
		}
		if state.head == revisionID {
			return nil
		}
		return p.checkoutDetached(ctx, syncbuf, revisionID)

	case !state.hasUpstream:
		syncbuf.Info(p.Name(), fmt.Sprintf("no upstream tracking for branch %s, detaching to %s", state.branch, shortSHA(revisionID)))
		return p.checkoutDetached(ctx, syncbuf, revisionID)

	case state.head == revisionID:
		return nil

	case state.publishedBehind:
		return p.failf(syncbuf, "branch %s is published (but not merged) and is now behind upstream", state.branch)

	case state.publishedFastForward:
		syncbuf.Later1(p.Name(), func() error {
			return p.fastForward(ctx, revisionID)
		})
		return nil

	case state.dirty:
		return p.failf(syncbuf, "worktree has uncommitted changes")

	case state.localAheadCount == 0:
		// upstream has only fast-forwarded; no local commits to lose.
		syncbuf.Later1(p.Name(), func() error {
			return p.fastForward(ctx, revisionID)
		})
		return nil

	case p.rebaseEnabled():
		syncbuf.Later2(p.Name(), func() error {
			return p.rebaseOnto(ctx, revisionID)
		})
		return nil

	default:
		syncbuf.Later1(p.Name(), func() error {
			return p.hardReset(ctx, revisionID)
		})
		return nil
	}
}

func (p *Project) failf(syncbuf *syncbuffer.Buffer, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	syncbuf.Fail(p.Name(), err)
	return nil
}

func (p *Project) rebaseEnabled() bool {
	return p.decl.Rebase != nil && *p.decl.Rebase
}

// resolveRevisionID turns the manifest's revisionExpr into a concrete sha,
// preferring the already-resolved RevisionID (set for sha-pinned
// revisions), falling back to the remote-tracking ref, then a raw
// rev-parse against the worktree.
func (p *Project) resolveRevisionID(ctx context.Context) (string, error) {
	if p.decl.RevisionID != "" {
		return p.decl.RevisionID, nil
	}

	candidates := []string{
		"refs/remotes/" + p.remoteName() + "/" + p.decl.Revision,
		"refs/tags/" + p.decl.Revision,
		p.decl.Revision,
	}
	for _, ref := range candidates {
		if sha, err := p.refs.Get(ctx, ref); err == nil && sha != "" {
			return sha, nil
		}
	}

	res, err := p.run(ctx, "", "rev-parse", "--verify", "-q", p.decl.Revision+"^0")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// headState inspects the worktree's current position. revisionID, when
// non-empty, is the resolved target of this sync and enables the
// refs/published/<branch> check; pass "" from callers (like AbandonBranch)
// that don't care about published state.
func (p *Project) headState(ctx context.Context, revisionID string) (headState, error) {
	var st headState

	head, err := p.refs.Get(ctx, "HEAD")
	if err != nil {
		return st, err
	}
	st.head = head

	symref, err := p.refs.Symref(ctx, "HEAD")
	if err != nil {
		return st, err
	}
	if symref == "" {
		st.detached = true
	} else {
		st.branch = strings.TrimPrefix(symref, "refs/heads/")
	}

	if _, err := os.Stat(filepath.Join(p.paths.Gitdir, "rebase-merge")); err == nil {
		st.rebasing = true
	} else if _, err := os.Stat(filepath.Join(p.paths.Gitdir, "rebase-apply")); err == nil {
		st.rebasing = true
	}

	if !st.detached {
		upstream := "refs/remotes/" + p.remoteName() + "/" + st.branch
		if sha, _ := p.refs.Get(ctx, upstream); sha != "" {
			st.hasUpstream = true
			count, err := p.localCommitsAhead(ctx, upstream)
			if err == nil {
				st.localAheadCount = count
			}
		}
		if st.hasUpstream && revisionID != "" && st.head != revisionID {
			p.checkPublished(ctx, &st, revisionID)
		}
	}

	dirty, err := p.isDirty(ctx)
	if err != nil {
		return st, err
	}
	st.dirty = dirty

	return st, nil
}

// checkPublished evaluates refs/published/<branch> (the record of commits
// already sent for review) against revisionID, the target of this sync.
// Published commits that aren't yet merged upstream must never be rebased
// or reset away silently.
func (p *Project) checkPublished(ctx context.Context, st *headState, revisionID string) {
	pub, _ := p.refs.Get(ctx, "refs/published/"+st.branch)
	if pub == "" {
		return
	}
	st.published = true

	if !p.isAncestor(ctx, pub, revisionID) {
		// Some published commits aren't in revisionID yet. That's only
		// safe to leave alone if upstream hasn't moved past what we
		// already have; if it has, syncing further would bury commits
		// already sent for review.
		st.publishedBehind = !p.isAncestor(ctx, revisionID, st.head)
		return
	}
	if pub == st.head {
		st.publishedFastForward = true
	}
}

// isAncestor reports whether ancestor is reachable from descendant,
// i.e. descendant is a fast-forward of (or equal to) ancestor. Errors
// (including "not an ancestor", git's exit 1) are treated as false.
func (p *Project) isAncestor(ctx context.Context, ancestor, descendant string) bool {
	res, err := p.run(ctx, "", "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil && res.ExitCode == 0
}

func (p *Project) localCommitsAhead(ctx context.Context, upstream string) (int, error) {
	return p.revListCount(ctx, upstream+"..HEAD")
}

// revListCount returns the number of commits `git rev-list --count
// rangeExpr` reports, e.g. "upstream..HEAD" for commits reachable from
// HEAD but not upstream.
func (p *Project) revListCount(ctx context.Context, rangeExpr string) (int, error) {
	res, err := p.run(ctx, "", "rev-list", "--count", rangeExpr)
	if err != nil {
		return 0, err
	}
	var n int
	_, scanErr := fmt.Sscanf(strings.TrimSpace(string(res.Stdout)), "%d", &n)
	return n, scanErr
}

func (p *Project) isDirty(ctx context.Context) (bool, error) {
	res, err := p.run(ctx, "", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(res.Stdout)) != "", nil
}

func (p *Project) checkoutDetached(ctx context.Context, syncbuf *syncbuffer.Buffer, revisionID string) error {
	if _, err := p.run(ctx, "", "checkout", "-q", "--detach", revisionID); err != nil {
		syncbuf.Fail(p.Name(), fmt.Errorf("checking out %s: %w", shortSHA(revisionID), err))
		return nil
	}
	return p.materializeFiles()
}

func (p *Project) fastForward(ctx context.Context, revisionID string) error {
	_, err := p.run(ctx, "", "merge", "--ff-only", revisionID)
	if err != nil {
		return err
	}
	return p.materializeFiles()
}

func (p *Project) rebaseOnto(ctx context.Context, revisionID string) error {
	lastMine, err := p.lastCommitByMe(ctx)
	if err != nil || lastMine == "" {
		if _, err := p.run(ctx, "", "rebase", revisionID); err != nil {
			return err
		}
		return p.materializeFiles()
	}

	if _, err := p.run(ctx, "", "rebase", "--onto", revisionID, lastMine+"^1"); err != nil {
		return err
	}
	return p.materializeFiles()
}

// lastCommitByMe finds the oldest local commit ahead of upstream authored
// by the configured git identity, the boundary spec §4.3 rebases "onto" —
// everything from lastMine^1 is replayed, everything before it is assumed
// someone else's and left alone.
func (p *Project) lastCommitByMe(ctx context.Context) (string, error) {
	emailRes, err := p.run(ctx, "", "config", "user.email")
	if err != nil {
		return "", nil
	}
	email := strings.TrimSpace(string(emailRes.Stdout))
	if email == "" {
		return "", nil
	}

	upstream := "refs/remotes/" + p.remoteName() + "/" + p.decl.DestBranch
	res, err := p.run(ctx, "", "log", "--format=%H", "--author="+email, "--reverse", upstream+"..HEAD")
	if err != nil {
		return "", nil
	}
	lines := strings.Fields(string(res.Stdout))
	if len(lines) == 0 {
		return "", nil
	}
	return lines[0], nil
}

func (p *Project) hardReset(ctx context.Context, revisionID string) error {
	_, err := p.run(ctx, "", "reset", "--hard", revisionID)
	if err != nil {
		return err
	}
	return p.materializeFiles()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// StartBranch creates and checks out a new local branch tracking the
// project's current revision.
func (p *Project) StartBranch(ctx context.Context, name string) error {
	revisionID, err := p.resolveRevisionID(ctx)
	if err != nil {
		return err
	}
	_, err = p.run(ctx, "", "checkout", "-q", "-b", name, revisionID)
	return err
}

// CheckoutBranch switches the worktree to an existing local branch.
func (p *Project) CheckoutBranch(ctx context.Context, name string) error {
	_, err := p.run(ctx, "", "checkout", "-q", name)
	return err
}

// AbandonBranch deletes a local branch. It returns a tri-state: deleted,
// currently-checked-out (refused), or the branch never existed.
type AbandonResult int

const (
	AbandonDeleted AbandonResult = iota
	AbandonCheckedOut
	AbandonNotFound
)

// AbandonBranch deletes the named local branch, refusing if it's the
// currently checked-out branch.
func (p *Project) AbandonBranch(ctx context.Context, name string) (AbandonResult, error) {
	state, err := p.headState(ctx, "")
	if err != nil {
		return AbandonNotFound, err
	}
	if !state.detached && state.branch == name {
		return AbandonCheckedOut, nil
	}

	sha, err := p.refs.Get(ctx, "refs/heads/"+name)
	if err != nil {
		return AbandonNotFound, err
	}
	if sha == "" {
		return AbandonNotFound, nil
	}

	if _, err := p.run(ctx, "", "branch", "-D", name); err != nil {
		return AbandonNotFound, err
	}
	p.refs.Invalidate()
	return AbandonDeleted, nil
}

// RebaseOptions configures a standalone `rebase` invocation, distinct from
// the sync-driven rebaseOnto a Later2 action runs.
type RebaseOptions struct {
	Interactive bool
	Force       bool
	NoFF        bool
	Autosquash  bool
	Whitespace  string
	AutoStash   bool
	Merge       bool
}

// Rebase replays the current branch's unmerged commits onto upstream,
// honoring the standalone `rebase` subcommand's flags (spec §1 CLI
// surface) rather than the sync decision table's automatic onto-boundary.
func (p *Project) Rebase(ctx context.Context, upstream string, opts RebaseOptions) error {
	args := []string{"rebase"}
	if opts.Interactive {
		args = append(args, "-i")
	}
	if opts.Force {
		args = append(args, "-f")
	}
	if opts.NoFF {
		args = append(args, "--no-ff")
	}
	if opts.Autosquash {
		args = append(args, "--autosquash")
	}
	if opts.Whitespace != "" {
		args = append(args, "--whitespace="+opts.Whitespace)
	}
	if opts.AutoStash {
		args = append(args, "--autostash")
	}
	if opts.Merge {
		args = append(args, "-m")
	}
	args = append(args, upstream)

	if _, err := p.run(ctx, "", args...); err != nil {
		return err
	}
	return p.materializeFiles()
}

// UpstreamRef returns the project's remote-tracking ref for its manifest
// dest-branch, the boundary PruneHeads and a standalone rebase both measure
// local commits against.
func (p *Project) UpstreamRef() string {
	return "refs/remotes/" + p.remoteName() + "/" + p.decl.DestBranch
}

// PruneHeads deletes every local branch that's fully merged into the
// project's current upstream-tracking ref and has no reviewable commits.
func (p *Project) PruneHeads(ctx context.Context) ([]string, error) {
	upstream := p.UpstreamRef()
	res, err := p.run(ctx, "", "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, name := range strings.Fields(string(res.Stdout)) {
		mergedRes, err := p.run(ctx, "", "merge-base", "--is-ancestor", "refs/heads/"+name, upstream)
		if err != nil || mergedRes.ExitCode != 0 {
			continue
		}
		if _, err := p.run(ctx, "", "branch", "-d", name); err == nil {
			pruned = append(pruned, name)
		}
	}
	p.refs.Invalidate()
	return pruned, nil
}
