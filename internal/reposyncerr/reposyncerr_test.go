package reposyncerr

import (
	"errors"
	"testing"
)

func TestRepoErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewRepoError("myproject", base)

	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to find wrapped base error")
	}
	if got, want := err.Error(), "myproject: boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestRepoErrorNoProject(t *testing.T) {
	err := NewRepoError("", errors.New("boom"))
	if got, want := err.Error(), "boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d, want 0", got)
	}

	plain := errors.New("generic failure")
	if got := ExitCode(plain); got != 1 {
		t.Fatalf("ExitCode(plain) = %d, want 1", got)
	}

	exitErr := NewRepoExitError("proj", errors.New("sync failed")).WithExitCode(13)
	if got := ExitCode(exitErr); got != 13 {
		t.Fatalf("ExitCode(exitErr) = %d, want 13", got)
	}

	syncErr := NewSyncError(errors.New("2 of 5 projects failed"), nil)
	if got := ExitCode(syncErr); got != 1 {
		t.Fatalf("ExitCode(syncErr) = %d, want 1", got)
	}
}

func TestNewAggregateError(t *testing.T) {
	if got := NewAggregateError("", nil); got != nil {
		t.Fatalf("NewAggregateError(nil) = %v, want nil", got)
	}
	if got := NewAggregateError("", []error{nil, nil}); got != nil {
		t.Fatalf("NewAggregateError(all-nil) = %v, want nil", got)
	}

	errs := []error{errors.New("a"), nil, errors.New("b")}
	agg := NewAggregateError("workspace", errs)
	if agg == nil {
		t.Fatalf("NewAggregateError() = nil, want non-nil")
	}
	if len(agg.Aggregate) != 2 {
		t.Fatalf("len(Aggregate) = %d, want 2", len(agg.Aggregate))
	}
	if agg.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", agg.ExitCode)
	}
}

func TestGitCommandError(t *testing.T) {
	err := NewGitCommandError("myproject", "git fetch", []string{"origin", "--prune"}, 128, nil)
	if err.GitExitCode != 128 {
		t.Fatalf("GitExitCode = %d, want 128", err.GitExitCode)
	}
	if err.Project != "myproject" {
		t.Fatalf("Project = %q, want myproject", err.Project)
	}
}

func TestNoSuchProjectErrorEmptyName(t *testing.T) {
	err := NewNoSuchProjectError("")
	if got, want := err.Error(), "in current directory"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestManifestInvalidRevisionError(t *testing.T) {
	err := NewManifestInvalidRevisionError("myproject", "not-a-ref!!")
	if err.Project != "myproject" {
		t.Fatalf("Project = %q, want myproject", err.Project)
	}
	if err.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", err.ExitCode)
	}
}
