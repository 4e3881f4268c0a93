// Package reposyncerr defines the typed error hierarchy used across the
// module. Workers catch everything they can and hand these types back to
// the caller; only the command entry points (cmd/reposync) translate the
// top-level error into a process exit code.
package reposyncerr

import (
	"errors"
	"fmt"
	"strings"
)

// RepoError is the base of every recoverable error this module returns. It
// carries an optional project name so callers can report which project was
// affected without re-parsing an error string.
type RepoError struct {
	Project string
	Err     error
}

func (e *RepoError) Error() string {
	if e.Project == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Project, e.Err.Error())
}

func (e *RepoError) Unwrap() error { return e.Err }

// NewRepoError wraps err as a RepoError scoped to project. project may be
// empty when the error isn't project-specific.
func NewRepoError(project string, err error) *RepoError {
	return &RepoError{Project: project, Err: err}
}

// RepoExitError is terminal: it should only ever be handled at the command
// entry point, where ExitCode becomes the process exit status. Aggregate
// holds the individual failures that were folded into this one error when
// it was produced by a parallel operation.
type RepoExitError struct {
	Project   string
	Err       error
	ExitCode  int
	Aggregate []error
}

func (e *RepoExitError) Error() string {
	var b strings.Builder
	if e.Project != "" {
		b.WriteString(e.Project)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if len(e.Aggregate) > 0 {
		fmt.Fprintf(&b, " (%d error(s))", len(e.Aggregate))
	}
	return b.String()
}

func (e *RepoExitError) Unwrap() error { return e.Err }

// NewRepoExitError builds a terminal error with the default exit code (1).
func NewRepoExitError(project string, err error) *RepoExitError {
	return &RepoExitError{Project: project, Err: err, ExitCode: 1}
}

// WithExitCode returns a copy of e with ExitCode set.
func (e *RepoExitError) WithExitCode(code int) *RepoExitError {
	c := *e
	c.ExitCode = code
	return &c
}

// NewAggregateError composes a RepoExitError out of the failures collected from a
// parallel operation. It returns nil if errs is empty (or contains only nil
// entries), so callers can call it unconditionally after a fan-out and
// check the result for nil.
func NewAggregateError(project string, errs []error) *RepoExitError {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d of %d operations failed", len(nonNil), len(errs))
	return &RepoExitError{
		Project:   project,
		Err:       errors.New(msg),
		ExitCode:  1,
		Aggregate: nonNil,
	}
}

// GitError is an unspecified internal error surfaced by a git invocation
// that didn't produce a command-level failure (e.g. a malformed ref name
// passed to the driver before any subprocess ran).
type GitError struct {
	RepoError
	Command     string
	CommandArgs []string
}

func NewGitError(project, command string, args []string, err error) *GitError {
	return &GitError{RepoError: RepoError{Project: project, Err: err}, Command: command, CommandArgs: args}
}

func (e *GitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.RepoError.Error())
}

func (e *GitError) Unwrap() error { return &e.RepoError }

// GitCommandError is raised when a git subprocess exits non-zero.
type GitCommandError struct {
	GitError
	GitExitCode int
}

const DefaultGitFailMessage = "git command failure"

func NewGitCommandError(project, command string, args []string, gitExitCode int, err error) *GitCommandError {
	if err == nil {
		err = errors.New(DefaultGitFailMessage)
	}
	return &GitCommandError{
		GitError:    GitError{RepoError: RepoError{Project: project, Err: err}, Command: command, CommandArgs: args},
		GitExitCode: gitExitCode,
	}
}

func (e *GitCommandError) Error() string {
	args := strings.Join(e.CommandArgs, " ")
	return fmt.Sprintf("GitCommandError: %s\n\tProject: %s\n\tArgs: %s\n\tExit: %d",
		e.Command, e.Project, args, e.GitExitCode)
}

func (e *GitCommandError) Unwrap() error { return &e.GitError }

// ManifestParseError means the manifest file failed to parse.
type ManifestParseError struct{ RepoExitError }

func NewManifestParseError(err error) *ManifestParseError {
	return &ManifestParseError{RepoExitError{Err: err, ExitCode: 1}}
}

// ManifestInvalidRevisionError means a project's revision attribute was
// malformed or unresolvable.
type ManifestInvalidRevisionError struct{ ManifestParseError }

func NewManifestInvalidRevisionError(project, revision string) *ManifestInvalidRevisionError {
	return &ManifestInvalidRevisionError{ManifestParseError{RepoExitError{
		Project: project,
		Err:     fmt.Errorf("invalid revision %q", revision),
		ExitCode: 1,
	}}}
}

// ManifestInvalidPathError means a <copyfile> or <linkfile> path escaped
// its project or was otherwise unsafe.
type ManifestInvalidPathError struct{ ManifestParseError }

func NewManifestInvalidPathError(project, path string) *ManifestInvalidPathError {
	return &ManifestInvalidPathError{ManifestParseError{RepoExitError{
		Project: project,
		Err:     fmt.Errorf("invalid path %q", path),
		ExitCode: 1,
	}}}
}

// NoManifestException is raised when the manifest file named by the
// workspace configuration does not exist.
type NoManifestException struct {
	RepoExitError
	Path   string
	Reason string
}

func NewNoManifestException(path, reason string) *NoManifestException {
	return &NoManifestException{
		RepoExitError: RepoExitError{Err: errors.New(reason), ExitCode: 1},
		Path:          path,
		Reason:        reason,
	}
}

func (e *NoManifestException) Error() string { return e.Reason }

// NoSuchProjectError is raised when a project name given on the command
// line doesn't match anything in the manifest.
type NoSuchProjectError struct {
	RepoExitError
	Name string
}

func NewNoSuchProjectError(name string) *NoSuchProjectError {
	msg := "in current directory"
	if name != "" {
		msg = name
	}
	return &NoSuchProjectError{RepoExitError: RepoExitError{Err: errors.New(msg), ExitCode: 1}, Name: name}
}

func (e *NoSuchProjectError) Error() string {
	if e.Name == "" {
		return "in current directory"
	}
	return e.Name
}

// InvalidProjectGroupsError is raised when a project is addressed through
// a group selector it doesn't belong to.
type InvalidProjectGroupsError struct {
	RepoExitError
	Name string
}

func NewInvalidProjectGroupsError(name string) *InvalidProjectGroupsError {
	msg := "in current directory"
	if name != "" {
		msg = name
	}
	return &InvalidProjectGroupsError{RepoExitError: RepoExitError{Err: errors.New(msg), ExitCode: 1}, Name: name}
}

func (e *InvalidProjectGroupsError) Error() string {
	if e.Name == "" {
		return "in current directory"
	}
	return e.Name
}

// DownloadError means a remote object (clone bundle, patch set) could not
// be retrieved.
type DownloadError struct{ RepoExitError }

func NewDownloadError(project, reason string) *DownloadError {
	return &DownloadError{RepoExitError{Project: project, Err: errors.New(reason), ExitCode: 1}}
}

// UploadError means a review upload did not succeed. Recoverable: a failed
// upload for one project shouldn't abort sync for the rest.
type UploadError struct{ RepoError }

func NewUploadError(project, reason string) *UploadError {
	return &UploadError{RepoError{Project: project, Err: errors.New(reason)}}
}

// SyncError is the terminal error wrapping a failed sync invocation.
type SyncError struct{ RepoExitError }

func NewSyncError(err error, aggregate []error) *SyncError {
	return &SyncError{RepoExitError{Err: err, ExitCode: 1, Aggregate: aggregate}}
}

// UpdateManifestError is raised when the manifest project itself fails to
// sync or its .git/config fails to update.
type UpdateManifestError struct{ RepoExitError }

func NewUpdateManifestError(err error) *UpdateManifestError {
	return &UpdateManifestError{RepoExitError{Err: err, ExitCode: 1}}
}

// HookError is raised when a repo-hook script fails or is missing.
type HookError struct{ RepoError }

func NewHookError(project, reason string) *HookError {
	return &HookError{RepoError{Project: project, Err: errors.New(reason)}}
}

// EditorError is an unspecified failure from the user's configured text
// editor (used for interactive rebase and commit-message editing).
type EditorError struct{ RepoError }

func NewEditorError(reason string) *EditorError {
	return &EditorError{RepoError{Err: errors.New(reason)}}
}

// RepoUnhandledExceptionError wraps any panic or unexpected error recovered
// inside a parallel worker before it's handed back to the aggregator, so a
// single project's bug can never take down the whole process.
type RepoUnhandledExceptionError struct{ RepoError }

func NewRepoUnhandledExceptionError(project string, recovered any) *RepoUnhandledExceptionError {
	return &RepoUnhandledExceptionError{RepoError{Project: project, Err: fmt.Errorf("unhandled error: %v", recovered)}}
}

// ExitCode extracts the process exit code that should terminate
// cmd/reposync for err, returning 1 for any error that isn't a
// RepoExitError (or one of its specializations) and 0 for a nil error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *RepoExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return 1
}
