package gitdriver

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func newTestDriver() *Driver {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 8})), nil)
}

func TestRunCapturesOutput(t *testing.T) {
	d := newTestDriver()
	res, err := d.Run(context.Background(), Options{}, "--version")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "git version") {
		t.Fatalf("Stdout = %q, want it to contain 'git version'", res.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	d := newTestDriver()
	res, err := d.Run(context.Background(), Options{}, "this-is-not-a-git-command")
	if err != nil {
		t.Fatalf("Run() error = %v, want nil (non-zero exit isn't an error)", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("ExitCode = 0, want non-zero")
	}
}

func TestBuildEnvStripsDangerousVars(t *testing.T) {
	d := newTestDriver()
	os.Setenv("GIT_DIR", "/should/not/leak")
	defer os.Unsetenv("GIT_DIR")

	env := d.buildEnv(Options{})
	for _, kv := range env {
		if strings.HasPrefix(kv, "GIT_DIR=/should/not/leak") {
			t.Fatalf("buildEnv() leaked parent GIT_DIR: %v", kv)
		}
	}
}

func TestBuildEnvBareSetsGitDir(t *testing.T) {
	d := newTestDriver()
	env := d.buildEnv(Options{Bare: true, Gitdir: "/repo/foo.git"})
	if !containsEnv(env, "GIT_DIR=/repo/foo.git") {
		t.Fatalf("buildEnv() = %v, want GIT_DIR=/repo/foo.git", env)
	}
}

func TestBuildEnvSharedObjdir(t *testing.T) {
	d := newTestDriver()
	env := d.buildEnv(Options{Gitdir: "/repo/foo.git", Objdir: "/repo/project-objects/foo.git"})
	if !containsEnv(env, "GIT_OBJECT_DIRECTORY=/repo/project-objects/foo.git") {
		t.Fatalf("buildEnv() missing GIT_OBJECT_DIRECTORY: %v", env)
	}
	if !containsEnv(env, "GIT_ALTERNATE_OBJECT_DIRECTORIES=/repo/foo.git/objects") {
		t.Fatalf("buildEnv() missing GIT_ALTERNATE_OBJECT_DIRECTORIES: %v", env)
	}
}

func TestBuildEnvMatchingObjdirOnlyExportsOne(t *testing.T) {
	d := newTestDriver()
	env := d.buildEnv(Options{Gitdir: "/repo/foo.git", Objdir: "/repo/foo.git/objects"})
	if !containsEnv(env, "GIT_OBJECT_DIRECTORY=/repo/foo.git/objects") {
		t.Fatalf("buildEnv() missing GIT_OBJECT_DIRECTORY: %v", env)
	}
	if containsEnvPrefix(env, "GIT_ALTERNATE_OBJECT_DIRECTORIES=") {
		t.Fatalf("buildEnv() should not export alternates when objdir matches gitdir/objects: %v", env)
	}
}

func TestBuildEnvDisableEditor(t *testing.T) {
	d := newTestDriver()
	env := d.buildEnv(Options{DisableEditor: true})
	if !containsEnv(env, "GIT_EDITOR=:") {
		t.Fatalf("buildEnv() missing GIT_EDITOR=:, got %v", env)
	}
}

func TestInjectProgressSkipsWhenQuiet(t *testing.T) {
	d := newTestDriver()
	args := []string{"fetch", "origin", "--quiet"}
	if got := d.injectProgress(Options{}, args); len(got) != len(args) {
		t.Fatalf("injectProgress() = %v, want unchanged (quiet already set)", got)
	}
}

func TestInjectProgressSkipsNonFetchClone(t *testing.T) {
	d := newTestDriver()
	args := []string{"status"}
	if got := d.injectProgress(Options{}, args); len(got) != 1 {
		t.Fatalf("injectProgress() = %v, want unchanged for non-fetch/clone command", got)
	}
}

func TestVersionParsing(t *testing.T) {
	m := gitVersionRgx.FindStringSubmatch("git version 2.43.0\n")
	if m == nil {
		t.Fatal("gitVersionRgx failed to match")
	}
	v := parseVersion(m)
	if v != [3]int{2, 43, 0} {
		t.Fatalf("parseVersion() = %v, want [2 43 0]", v)
	}
}

func TestCompareVersion(t *testing.T) {
	if compareVersion([3]int{2, 19, 0}, [3]int{2, 32, 0}) >= 0 {
		t.Fatal("compareVersion(2.19.0, 2.32.0) should be negative")
	}
	if compareVersion([3]int{2, 32, 0}, [3]int{2, 32, 0}) != 0 {
		t.Fatal("compareVersion(2.32.0, 2.32.0) should be 0")
	}
}

func TestParseSSHVersion(t *testing.T) {
	v, ok := ParseSSHVersion("OpenSSH_9.6p1, OpenSSL 3.0.2")
	if !ok {
		t.Fatal("ParseSSHVersion() failed to match")
	}
	if v != [3]int{9, 6, 0} {
		t.Fatalf("ParseSSHVersion() = %v, want [9 6 0]", v)
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func containsEnvPrefix(env []string, prefix string) bool {
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}
