// Package sshmux implements the SSH multiplexer (C4): a process-wide
// ControlMaster singleton so every fetch/checkout against the same host
// reuses one SSH connection instead of renegotiating per invocation.
//
// It satisfies gitdriver.SSHDialer: Preconnect either confirms an existing
// master is reachable, starts a new one, or gives up and returns "" so the
// caller falls back to a plain ssh invocation.
package sshmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/tebeka/atexit"

	"github.com/utilitywarehouse/reposync/internal/gitdriver"
	"github.com/utilitywarehouse/reposync/internal/giturl"
	"github.com/utilitywarehouse/reposync/internal/lock"
)

// Multiplexer is a process-wide ControlMaster registry. The zero value is
// not usable; construct with New.
type Multiplexer struct {
	mu lock.Mutex

	sockDir  string
	sockPath string
	disabled bool

	masterKeys map[string]bool
	masters    []*exec.Cmd
	clients    []*exec.Cmd
}

// New returns a Multiplexer and registers its Close with atexit, so a
// hard process exit still tears down any masters it started.
func New() *Multiplexer {
	m := &Multiplexer{masterKeys: map[string]bool{}}
	atexit.Register(func() { _ = m.Close() })
	return m
}

// Preconnect ensures a ControlMaster is running for rawURL's host and
// returns the ssh invocation (minus the GIT_SSH_COMMAND= prefix) that
// routes through it. It returns "" (no error) when rawURL doesn't need
// ssh, or when multiplexing could not be established — the caller should
// fall back to a plain, unmultiplexed ssh invocation in that case.
func (m *Multiplexer) Preconnect(ctx context.Context, rawURL string) (string, error) {
	if !giturl.NeedsSSH(rawURL) {
		return "", nil
	}
	u, err := giturl.Parse(rawURL)
	if err != nil {
		return "", nil
	}

	host, port := u.HostPort()
	ok, err := m.ensureMaster(ctx, host, port)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	sock, err := m.sock(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ssh -o ControlPath=%s -o ControlMaster=auto", sock), nil
}

func masterKey(host, port string) string {
	if port != "" {
		return host + ":" + port
	}
	return host
}

// ensureMaster mirrors the original implementation's _open_ssh: check
// whether we already believe a master is running, double-check with
// `ssh -O check`, and only start a new master (`ssh -M -N`) if neither
// holds.
func (m *Multiplexer) ensureMaster(ctx context.Context, host, port string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if os.Getenv("GIT_SSH") != "" {
		return false, nil
	}

	key := masterKey(host, port)
	if m.masterKeys[key] {
		return true, nil
	}
	if m.disabled {
		return false, nil
	}

	sock, err := m.sockLocked(ctx)
	if err != nil {
		return false, err
	}

	base := []string{"-o", "ControlPath=" + sock}
	if port != "" {
		base = append(base, "-p", port)
	}
	base = append(base, host)

	checkArgs := append(append([]string{}, base...), "-O", "check")
	checkCmd := exec.CommandContext(ctx, "ssh", checkArgs...)
	if err := checkCmd.Run(); err == nil {
		m.masterKeys[key] = true
		return true, nil
	}

	masterArgs := append([]string{"-M", "-N"}, base...)
	masterCmd := exec.Command("ssh", masterArgs...)
	if err := masterCmd.Start(); err != nil {
		m.disabled = true
		return false, nil
	}

	exited := make(chan struct{})
	go func() {
		_ = masterCmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return false, nil
	case <-time.After(1 * time.Second):
	}

	m.masters = append(m.masters, masterCmd)
	m.masterKeys[key] = true
	return true, nil
}

// sock returns the ControlPath socket template, creating its containing
// temp directory on first use.
func (m *Multiplexer) sock(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sockLocked(ctx)
}

func (m *Multiplexer) sockLocked(ctx context.Context) (string, error) {
	if m.sockPath != "" {
		return m.sockPath, nil
	}

	dir, err := os.MkdirTemp("", "reposync-ssh-")
	if err != nil {
		return "", fmt.Errorf("creating ssh control socket directory: %w", err)
	}
	m.sockDir = dir

	token := "%r@%h:%p"
	if v, ok := sshVersion(ctx); ok && compareVersion(v, [3]int{6, 7, 0}) >= 0 {
		token = "%C" // hash of %l%h%p%r, shorter and collision-safe
	}
	m.sockPath = dir + "/master-" + token
	return m.sockPath, nil
}

func sshVersion(ctx context.Context) ([3]int, bool) {
	out, err := exec.CommandContext(ctx, "ssh", "-V").CombinedOutput()
	if err != nil {
		return [3]int{}, false
	}
	return gitdriver.ParseSSHVersion(string(out))
}

func compareVersion(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return 0
}

// AddClient registers cmd (a git subprocess dialing through this
// multiplexer) so Close can SIGTERM it on shutdown.
func (m *Multiplexer) AddClient(cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, cmd)
}

// RemoveClient unregisters cmd once it has exited normally.
func (m *Multiplexer) RemoveClient(cmd *exec.Cmd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.clients {
		if c == cmd {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return
		}
	}
}

// Close terminates every tracked client and master process and removes
// the control socket directory.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		terminate(c)
	}
	m.clients = nil

	for _, c := range m.masters {
		terminate(c)
	}
	m.masters = nil
	m.masterKeys = map[string]bool{}

	if m.sockDir != "" {
		_ = os.RemoveAll(m.sockDir)
		m.sockDir = ""
		m.sockPath = ""
	}
	return nil
}

// terminate signals cmd to stop. It does not also Wait: for masters,
// ensureMaster's own goroutine already owns the Wait call; for clients,
// whichever caller Run/Output'd the command owns it.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}
