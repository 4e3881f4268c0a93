package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
)

const validYAML = `
defaults:
  remote: origin
  revision: refs/heads/main
remotes:
  - name: origin
    fetch: https://github.com/example
projects:
  - name: foo
    path: libs/foo
    groups: [core]
  - name: bar
`

func TestLoadValid(t *testing.T) {
	m, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(m.Projects) != 2 {
		t.Fatalf("len(Projects) = %d, want 2", len(m.Projects))
	}

	foo, err := m.ProjectByName("foo")
	if err != nil {
		t.Fatalf("ProjectByName(foo) error = %v", err)
	}
	if foo.RelPath() != "libs/foo" {
		t.Errorf("RelPath() = %q, want libs/foo", foo.RelPath())
	}
	if foo.Remote != "origin" {
		t.Errorf("Remote = %q, want origin (from defaults)", foo.Remote)
	}

	bar, err := m.ProjectByName("bar")
	if err != nil {
		t.Fatalf("ProjectByName(bar) error = %v", err)
	}
	if bar.RelPath() != "bar" {
		t.Errorf("RelPath() = %q, want bar (default to name)", bar.RelPath())
	}
}

func TestLoadUnexpectedKey(t *testing.T) {
	_, err := Load([]byte("defaults:\n  bogus_field: x\n"))
	if err == nil {
		t.Fatal("Load() error = nil, want unexpected key error")
	}
	var parseErr *reposyncerr.ManifestParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Load() error type = %T, want *ManifestParseError", err)
	}
	if !strings.Contains(err.Error(), "bogus_field") {
		t.Errorf("Load() error = %v, want mention of bogus_field", err)
	}
}

func TestLoadDuplicateProjectName(t *testing.T) {
	yaml := `
remotes:
  - name: origin
    fetch: https://github.com/example
projects:
  - name: foo
    remote: origin
  - name: foo
    remote: origin
`
	_, err := Load([]byte(yaml))
	if err == nil {
		t.Fatal("Load() error = nil, want duplicate name error")
	}
}

func TestLoadUndeclaredRemote(t *testing.T) {
	yaml := `
projects:
  - name: foo
    remote: nope
`
	_, err := Load([]byte(yaml))
	if err == nil {
		t.Fatal("Load() error = nil, want undeclared remote error")
	}
}

func TestProjectsInGroups(t *testing.T) {
	m, err := Load([]byte(validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	core := m.ProjectsInGroups([]string{"core"})
	if len(core) != 1 || core[0].Name != "foo" {
		t.Fatalf("ProjectsInGroups(core) = %v, want [foo]", core)
	}

	all := m.ProjectsInGroups(nil)
	if len(all) != 2 {
		t.Fatalf("ProjectsInGroups(nil) = %d projects, want 2", len(all))
	}
}

func TestValidateRelPathEscape(t *testing.T) {
	yaml := `
remotes:
  - name: origin
    fetch: https://github.com/example
projects:
  - name: foo
    remote: origin
    copyfiles:
      - src: VERSION
        dest: ../escape.txt
`
	_, err := Load([]byte(yaml))
	if err == nil {
		t.Fatal("Load() error = nil, want path-escape error")
	}
}

func TestIsFullCommitHash(t *testing.T) {
	sha1 := strings.Repeat("a", 40)
	sha256 := strings.Repeat("b", 64)
	if !isFullCommitHash(sha1) {
		t.Errorf("isFullCommitHash(sha1) = false, want true")
	}
	if !isFullCommitHash(sha256) {
		t.Errorf("isFullCommitHash(sha256) = false, want true")
	}
	if isFullCommitHash("refs/heads/main") {
		t.Errorf("isFullCommitHash(branch) = true, want false")
	}
}
