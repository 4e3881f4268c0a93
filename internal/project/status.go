package project

import (
	"context"
	"strings"
)

// Status reports a project's worktree position without mutating anything,
// grounded on original_source/subcmds/info.py's per-project summary: the
// checked-out branch (or detached state), its tracking ref and ahead/
// behind counts, whether it's dirty, and whether it has unmerged published
// commits outstanding.
type Status struct {
	Detached bool
	Branch   string
	Tracking string
	Ahead    int
	Behind   int
	Dirty    bool

	// Published is true when refs/published/<branch> exists and still
	// has commits not yet merged into the tracking ref.
	Published bool
}

// Status inspects the current worktree state. It performs no writes.
func (p *Project) Status(ctx context.Context) (Status, error) {
	var out Status
	if p.paths.Worktree == "" {
		return out, nil // mirror: nothing checked out
	}

	state, err := p.headState(ctx, "")
	if err != nil {
		return out, err
	}

	out.Detached = state.detached
	out.Branch = state.branch
	out.Dirty = state.dirty

	if !state.detached && state.hasUpstream {
		out.Tracking = "refs/remotes/" + p.remoteName() + "/" + state.branch
		out.Ahead = state.localAheadCount
		if behind, err := p.revListCount(ctx, "HEAD.."+out.Tracking); err == nil {
			out.Behind = behind
		}

		if pub, _ := p.refs.Get(ctx, "refs/published/"+state.branch); pub != "" {
			if n, err := p.revListCount(ctx, out.Tracking+".."+pub); err == nil && n > 0 {
				out.Published = true
			}
		}
	}

	return out, nil
}

// ReviewableBranch is a local branch with commits ahead of its tracked
// upstream that is addressable via the remote's review URL (spec's
// "Reviewable Branch" data-model entry).
type ReviewableBranch struct {
	Name     string
	Tracking string
	Ahead    int
}

// ReviewableBranches lists every local branch with unpublished commits
// ahead of its tracking ref, grounded on original_source/project.py's
// GetUploadableBranches: a branch already fully reflected by its
// refs/published/<branch> ref (nothing new since the last upload) is
// skipped, matching upload.py's scan-for-reviewable-branches step minus
// the actual upload/review POST, which stays out of scope here.
func (p *Project) ReviewableBranches(ctx context.Context) ([]ReviewableBranch, error) {
	res, err := p.run(ctx, "", "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}

	var out []ReviewableBranch
	for _, name := range strings.Fields(string(res.Stdout)) {
		upstream := "refs/remotes/" + p.remoteName() + "/" + name
		usha, _ := p.refs.Get(ctx, upstream)
		if usha == "" {
			continue
		}

		headSHA, _ := p.refs.Get(ctx, "refs/heads/"+name)
		if pub, _ := p.refs.Get(ctx, "refs/published/"+name); pub != "" && pub == headSHA {
			continue
		}

		ahead, err := p.revListCount(ctx, upstream+".."+name)
		if err != nil || ahead == 0 {
			continue
		}
		out = append(out, ReviewableBranch{Name: name, Tracking: upstream, Ahead: ahead})
	}
	return out, nil
}
