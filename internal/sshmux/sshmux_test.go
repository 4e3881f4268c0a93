package sshmux

import (
	"context"
	"os/exec"
	"testing"
)

func TestPreconnectSkipsNonSSHURL(t *testing.T) {
	m := &Multiplexer{masterKeys: map[string]bool{}}
	cmd, err := m.Preconnect(context.Background(), "https://example.com/foo/bar.git")
	if err != nil {
		t.Fatalf("Preconnect() error = %v", err)
	}
	if cmd != "" {
		t.Fatalf("Preconnect() = %q, want empty for an https URL", cmd)
	}
}

func TestMasterKeyIncludesPort(t *testing.T) {
	if got := masterKey("example.com", "2222"); got != "example.com:2222" {
		t.Fatalf("masterKey() = %q, want example.com:2222", got)
	}
	if got := masterKey("example.com", ""); got != "example.com" {
		t.Fatalf("masterKey() = %q, want example.com", got)
	}
}

func TestCompareVersion(t *testing.T) {
	if compareVersion([3]int{6, 6, 0}, [3]int{6, 7, 0}) >= 0 {
		t.Fatal("compareVersion(6.6.0, 6.7.0) should be negative")
	}
	if compareVersion([3]int{8, 0, 0}, [3]int{6, 7, 0}) <= 0 {
		t.Fatal("compareVersion(8.0.0, 6.7.0) should be positive")
	}
	if compareVersion([3]int{6, 7, 0}, [3]int{6, 7, 0}) != 0 {
		t.Fatal("compareVersion(6.7.0, 6.7.0) should be 0")
	}
}

func TestEnsureMasterShortCircuitsOnKnownKey(t *testing.T) {
	m := &Multiplexer{masterKeys: map[string]bool{"example.com": true}}
	ok, err := m.ensureMaster(context.Background(), "example.com", "")
	if err != nil {
		t.Fatalf("ensureMaster() error = %v", err)
	}
	if !ok {
		t.Fatal("ensureMaster() = false, want true for an already-tracked key")
	}
}

func TestEnsureMasterRespectsGitSSHEnv(t *testing.T) {
	t.Setenv("GIT_SSH", "/some/custom/ssh")
	m := &Multiplexer{masterKeys: map[string]bool{}}
	ok, err := m.ensureMaster(context.Background(), "example.com", "")
	if err != nil {
		t.Fatalf("ensureMaster() error = %v", err)
	}
	if ok {
		t.Fatal("ensureMaster() = true, want false when GIT_SSH is set (caller has its own ssh command)")
	}
}

func TestCloseIsSafeWithNothingTracked(t *testing.T) {
	m := New()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAddRemoveClient(t *testing.T) {
	m := &Multiplexer{masterKeys: map[string]bool{}}
	c1, c2 := &exec.Cmd{}, &exec.Cmd{}
	m.AddClient(c1)
	m.AddClient(c2)
	if len(m.clients) != 2 {
		t.Fatalf("len(clients) = %d, want 2", len(m.clients))
	}
	m.RemoveClient(c1)
	if len(m.clients) != 1 || m.clients[0] != c2 {
		t.Fatalf("clients after RemoveClient = %v, want only c2", m.clients)
	}
}
