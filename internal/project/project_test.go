package project

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/utilitywarehouse/reposync/internal/gitdriver"
	"github.com/utilitywarehouse/reposync/internal/manifest"
)

func newTestDriver() *gitdriver.Driver {
	return gitdriver.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 8})), nil)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@example.com",
		"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

// newRemote creates a bare repo with one commit on "main" and returns a
// file:// URL for it — giturl.Parse only recognises scp-like, ssh://,
// https:// and file:// remotes, so a bare filesystem path won't resolve.
func newRemote(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	remote := filepath.Join(root, "remote.git")
	runGit(t, root, "init", "--bare", "-b", "main", remote)

	work := filepath.Join(root, "seed")
	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	runGit(t, work, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(work, "f"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, work, "add", "f")
	runGit(t, work, "commit", "-m", "init")
	runGit(t, work, "remote", "add", "origin", remote)
	runGit(t, work, "push", "origin", "main")
	return "file://" + remote
}

// seedDirFor returns the scratch worktree newRemote pushed its initial
// commit from, so tests can push further commits to advance the remote.
func seedDirFor(remoteURL string) string {
	path := strings.TrimPrefix(remoteURL, "file://")
	return filepath.Join(filepath.Dir(path), "seed")
}

func newProject(t *testing.T, remoteURL string) (*Project, Paths) {
	t.Helper()
	root := t.TempDir()
	worktree := filepath.Join(root, "worktree")
	paths := Paths{
		Gitdir:   filepath.Join(worktree, ".git"),
		Objdir:   filepath.Join(worktree, ".git", "objects"),
		Worktree: worktree,
	}
	if err := os.MkdirAll(paths.Worktree, 0o755); err != nil {
		t.Fatal(err)
	}

	decl := manifest.Project{Name: "proj", Path: "proj", Remote: "origin", Revision: "main", DestBranch: "main"}
	remote := manifest.Remote{Name: "origin", Fetch: remoteURL}

	p := New(decl, remote, paths, Config{
		Driver:        newTestDriver(),
		WorkspaceRoot: root,
	})
	return p, paths
}

func TestNameAndRelPath(t *testing.T) {
	p, _ := newProject(t, "https://example.com/r.git")
	if p.Name() != "proj" {
		t.Fatalf("Name() = %q, want proj", p.Name())
	}
	if p.RelPath() != "proj" {
		t.Fatalf("RelPath() = %q, want proj", p.RelPath())
	}
}

func TestFetchArgsFullSync(t *testing.T) {
	p, _ := newProject(t, "https://example.com/r.git")
	args := p.fetchArgs(NetworkOptions{Prune: true, Tags: true})
	joined := argsContainAll(args, "fetch", "origin", "--prune", "--tags", "+refs/heads/*:refs/remotes/origin/*")
	if !joined {
		t.Fatalf("fetchArgs() = %v, missing expected flags", args)
	}
}

func TestFetchArgsCurrentBranchOnly(t *testing.T) {
	p, _ := newProject(t, "https://example.com/r.git")
	args := p.fetchArgs(NetworkOptions{CurrentBranchOnly: true})
	if !argsContainAll(args, "+refs/heads/main:refs/remotes/origin/main") {
		t.Fatalf("fetchArgs() = %v, want narrowed refspec", args)
	}
}

func argsContainAll(args []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, a := range args {
			if a == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestSyncNetworkHalfFetchesFromRemote(t *testing.T) {
	remote := newRemote(t)
	p, paths := newProject(t, remote)

	ok, err := p.SyncNetworkHalf(context.Background(), NetworkOptions{Tags: true, RetryFetches: 0})
	if err != nil {
		t.Fatalf("SyncNetworkHalf() error = %v", err)
	}
	if !ok {
		t.Fatal("SyncNetworkHalf() = false, want true")
	}

	sha, err := p.refs.Get(context.Background(), "refs/remotes/origin/main")
	if err != nil {
		t.Fatalf("refs.Get() error = %v", err)
	}
	if sha == "" {
		t.Fatalf("expected refs/remotes/origin/main to be populated in %s", paths.Gitdir)
	}
}

func TestDownloadBundleErrorsOnUnreachableHost(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "clone.bundle.tmp")
	err := downloadBundle(ctx, "https://127.0.0.1:0/does-not-exist/clone.bundle", dest)
	if err == nil {
		t.Fatal("downloadBundle() error = nil, want a connection error for an unreachable host")
	}
}
