// Package gitdriver is the single point every other component goes
// through to run git. It owns environment sanitization, SSH multiplexer
// consultation, TTY-conditioned progress flags and git/ssh version
// detection, so the rest of the module never shells out to git directly.
package gitdriver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/utilitywarehouse/reposync/internal/giturl"
)

const gitExecutablePath = "git"

// stripped are the environment variables that must never leak from the
// parent process into a git subprocess, since they'd silently redirect
// git at the wrong gitdir/worktree/objects.
var stripped = []string{
	"GIT_DIR",
	"GIT_WORK_TREE",
	"GIT_INDEX_FILE",
	"GIT_OBJECT_DIRECTORY",
	"GIT_ALTERNATE_OBJECT_DIRECTORIES",
	"GIT_GRAFT_FILE",
	"GIT_TRACE2_EVENT",
}

// SSHDialer consults (and, if necessary, establishes) an SSH multiplexer
// connection for a remote URL before a git subprocess that needs one is
// spawned. internal/sshmux implements this.
type SSHDialer interface {
	Preconnect(ctx context.Context, rawURL string) (sshCommand string, err error)
}

// sshClientTracker is satisfied by an SSHDialer that also wants to track
// spawned subprocesses so it can terminate them on shutdown. internal/sshmux
// implements this; it is optional so a test SSHDialer stub need not.
type sshClientTracker interface {
	AddClient(cmd *exec.Cmd)
	RemoveClient(cmd *exec.Cmd)
}

// Options configures a single Run invocation, mirroring spec §4.1's option
// set.
type Options struct {
	// Gitdir is passed as GIT_DIR when Bare is set.
	Gitdir string
	// Objdir is the object database to use; may differ from
	// Gitdir/objects for shared-objdir projects.
	Objdir string
	// Dir is the working directory for the subprocess (worktree mode).
	Dir string
	// Bare runs the command against Gitdir with no working tree.
	Bare bool
	// DisableEditor sets GIT_EDITOR=: so interactive commands never
	// block on a TTY that isn't there.
	DisableEditor bool
	// RemoteURL is consulted to decide whether an SSH proxy command is
	// needed; empty for commands with no remote interaction.
	RemoteURL string
	// Input is piped to the subprocess's stdin.
	Input []byte
	// MergeStderrIntoStdout copies stderr into the returned Stdout
	// buffer in addition to Stderr.
	MergeStderrIntoStdout bool
	// Env is appended after environment sanitization, letting callers
	// inject credentials (GIT_ASKPASS, REPO_USERNAME/PASSWORD) or other
	// per-invocation overrides without widening the stripped list.
	Env []string
}

// Result is what a Run call returns.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Driver runs git subcommands according to Options, consulting an SSH
// multiplexer when the remote needs one and injecting --progress only when
// warranted.
type Driver struct {
	log    *slog.Logger
	ssh    SSHDialer
	stderr *os.File // used for isatty checks; overridable in tests

	versionOnce sync.Once
	version     [3]int
	versionErr  error
}

// New returns a Driver. ssh may be nil if no project in this process uses
// an SSH remote.
func New(log *slog.Logger, ssh SSHDialer) *Driver {
	return &Driver{log: log, ssh: ssh, stderr: os.Stderr}
}

// Run executes `git <args...>` under opts, returning the captured output
// and exit code. It never returns an error for a non-zero git exit code —
// callers inspect Result.ExitCode — but does return one for failures to
// even start the subprocess (missing binary, context cancellation).
func (d *Driver) Run(ctx context.Context, opts Options, args ...string) (Result, error) {
	env := d.buildEnv(opts)

	args = d.injectProgress(opts, args)

	var tracker sshClientTracker
	if opts.RemoteURL != "" && giturl.NeedsSSH(opts.RemoteURL) && d.ssh != nil {
		sshCmd, err := d.ssh.Preconnect(ctx, opts.RemoteURL)
		if err != nil {
			return Result{}, fmt.Errorf("ssh preconnect for %q: %w", opts.RemoteURL, err)
		}
		if sshCmd != "" {
			env = append(env, "GIT_SSH_COMMAND="+sshCmd)
			tracker, _ = d.ssh.(sshClientTracker)
		}
	}

	cmd := exec.CommandContext(ctx, gitExecutablePath, args...)
	cmd.Env = env
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Input) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if opts.MergeStderrIntoStdout {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	cmdStr := gitExecutablePath + " " + strings.Join(args, " ")
	d.log.Log(ctx, slog.LevelDebug-4, "running git command", "dir", opts.Dir, "cmd", cmdStr)

	if tracker != nil {
		tracker.AddClient(cmd)
		defer tracker.RemoveClient(cmd)
	}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !asExitError(runErr, &exitErr) {
			return result, fmt.Errorf("starting %s: %w", cmdStr, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	d.log.Log(ctx, slog.LevelDebug-4, "git command finished", "exit", result.ExitCode, "elapsed", elapsed)

	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// buildEnv produces a sanitized copy of the process environment plus the
// objdir/gitdir/editor exports spec §4.1 requires.
func (d *Driver) buildEnv(opts Options) []string {
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if contains(stripped, key) {
			continue
		}
		env = append(env, kv)
	}

	if opts.Bare && opts.Gitdir != "" {
		env = append(env, "GIT_DIR="+opts.Gitdir)
	}

	if opts.Objdir != "" {
		gitdirObjects := opts.Gitdir
		if gitdirObjects != "" {
			gitdirObjects = gitdirObjects + "/objects"
		}
		if gitdirObjects != "" && opts.Objdir != gitdirObjects {
			env = append(env,
				"GIT_OBJECT_DIRECTORY="+opts.Objdir,
				"GIT_ALTERNATE_OBJECT_DIRECTORIES="+gitdirObjects,
			)
		} else {
			env = append(env, "GIT_OBJECT_DIRECTORY="+opts.Objdir)
		}
	}

	if opts.DisableEditor {
		env = append(env, "GIT_EDITOR=:")
	}

	env = append(env, opts.Env...)

	return env
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// injectProgress adds --progress to fetch/clone invocations when stderr is
// a TTY and the caller didn't already pass --quiet or --progress.
func (d *Driver) injectProgress(opts Options, args []string) []string {
	if len(args) == 0 {
		return args
	}
	if args[0] != "fetch" && args[0] != "clone" {
		return args
	}
	if !isatty.IsTerminal(d.stderr.Fd()) && !isatty.IsCygwinTerminal(d.stderr.Fd()) {
		return args
	}
	for _, a := range args {
		if a == "--quiet" || a == "-q" || a == "--progress" {
			return args
		}
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], "--progress")
	out = append(out, args[1:]...)
	return out
}

var (
	gitVersionRgx = regexp.MustCompile(`git version (\d+)\.(\d+)(?:\.(\d+))?`)
	sshVersionRgx = regexp.MustCompile(`OpenSSH_(\d+)\.(\d+)(?:\.(\d+))?`)
)

// HardMinimum and SoftMinimum are the configured git version floors: below
// HardMinimum the driver refuses to operate; below SoftMinimum it warns
// but proceeds.
var (
	HardMinimum = [3]int{2, 19, 0}
	SoftMinimum = [3]int{2, 32, 0}
)

// Version runs `git --version` once per Driver and caches the parsed
// result, enforcing HardMinimum/SoftMinimum.
func (d *Driver) Version(ctx context.Context) ([3]int, error) {
	d.versionOnce.Do(func() {
		res, err := d.Run(ctx, Options{}, "--version")
		if err != nil {
			d.versionErr = fmt.Errorf("detecting git version: %w", err)
			return
		}
		m := gitVersionRgx.FindStringSubmatch(string(res.Stdout))
		if m == nil {
			d.versionErr = fmt.Errorf("unable to parse git version from %q", string(res.Stdout))
			return
		}
		d.version = parseVersion(m)

		if compareVersion(d.version, HardMinimum) < 0 {
			d.versionErr = fmt.Errorf("git version %d.%d.%d is older than the required minimum %d.%d.%d",
				d.version[0], d.version[1], d.version[2], HardMinimum[0], HardMinimum[1], HardMinimum[2])
			return
		}
		if compareVersion(d.version, SoftMinimum) < 0 {
			d.log.Warn("git version older than recommended minimum",
				"have", fmt.Sprintf("%d.%d.%d", d.version[0], d.version[1], d.version[2]),
				"want", fmt.Sprintf("%d.%d.%d", SoftMinimum[0], SoftMinimum[1], SoftMinimum[2]))
		}
	})
	return d.version, d.versionErr
}

func parseVersion(m []string) [3]int {
	var v [3]int
	v[0], _ = strconv.Atoi(m[1])
	v[1], _ = strconv.Atoi(m[2])
	if len(m) > 3 && m[3] != "" {
		v[2], _ = strconv.Atoi(m[3])
	}
	return v
}

func compareVersion(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return 0
}

// ParseSSHVersion extracts the OpenSSH version from `ssh -V`'s stderr
// output (ssh writes its version banner to stderr, not stdout).
func ParseSSHVersion(bannerOutput string) ([3]int, bool) {
	m := sshVersionRgx.FindStringSubmatch(bannerOutput)
	if m == nil {
		return [3]int{}, false
	}
	return parseVersion(m), true
}
