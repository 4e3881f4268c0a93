package giturl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    *URL
		wantErr bool
	}{
		{"1",
			"user@host.xz:path/to/repo.git",
			&URL{Scheme: SchemeSCP, User: "user", Host: "host.xz", Path: "path/to", Repo: "repo.git"},
			false,
		},
		{"2",
			"git@github.com:org/repo",
			&URL{Scheme: SchemeSCP, User: "git", Host: "github.com", Path: "org", Repo: "repo"},
			false},
		{"3",
			"ssh://user@host.xz:123/path/to/repo.git",
			&URL{Scheme: SchemeSSH, User: "user", Host: "host.xz:123", Path: "path/to", Repo: "repo.git"},
			false},
		{"4",
			"ssh://git@github.com/org/repo",
			&URL{Scheme: SchemeSSH, User: "git", Host: "github.com", Path: "org", Repo: "repo"},
			false},
		{"5",
			"https://host.xz:345/path/to/repo.git",
			&URL{Scheme: SchemeHTTPS, Host: "host.xz:345", Path: "path/to", Repo: "repo.git"},
			false},
		{"6",
			"https://github.com/org/repo",
			&URL{Scheme: SchemeHTTPS, Host: "github.com", Path: "org", Repo: "repo"},
			false},
		{"7",
			"https://host.xz:123/path/to/repo.git",
			&URL{Scheme: SchemeHTTPS, Host: "host.xz:123", Path: "path/to", Repo: "repo.git"},
			false},
		{
			"valid-special-char-scp",
			"user.name-with_@host-with_x.xz:123:path-with_.x/to/prr.test_test-repo0.git",
			&URL{Scheme: SchemeSCP, User: "user.name-with_", Host: "host-with_x.xz:123", Path: "path-with_.x/to", Repo: "prr.test_test-repo0.git"},
			false,
		},
		{
			"valid-special-char-ssh",
			"ssh://user.name-with_@host-with_x.xz:123/path-with_.x/to/prr.test_test-repo1.git",
			&URL{Scheme: SchemeSSH, User: "user.name-with_", Host: "host-with_x.xz:123", Path: "path-with_.x/to", Repo: "prr.test_test-repo1.git"},
			false,
		},
		{
			"valid-special-char-https",
			"https://host-with_x.xz:123/path-with_.x/to/prr.test_test-repo2.git",
			&URL{Scheme: SchemeHTTPS, Host: "host-with_x.xz:123", Path: "path-with_.x/to", Repo: "prr.test_test-repo2.git"},
			false,
		},
		{
			"valid-special-char-local",
			"file:///path-with_.x/to/prr.test_test-repo3.git",
			&URL{Scheme: SchemeLocal, Path: "path-with_.x/to", Repo: "prr.test_test-repo3.git"},
			false,
		},
		{
			"valid-git+ssh",
			"git+ssh://user@host.xz:123/path/to/repo.git",
			&URL{Scheme: SchemeSSH, User: "user", Host: "host.xz:123", Path: "path/to", Repo: "repo.git"},
			false,
		},
		{
			"valid-git+ssh-no-port",
			"git+ssh://git@github.com/org/repo",
			&URL{Scheme: SchemeSSH, User: "git", Host: "github.com", Path: "org", Repo: "repo"},
			false,
		},

		{"invalid_ssh_hostname", "ssh://git@github.com:org/repo.git", nil, true},
		{"invalid_scp_url", "git@github.com/org/repo.git", nil, true},
		{"http", "http://host.xz:123/path/to/repo.git", nil, true},
		{"invalid_port1", "https://host.xz:yk/path/to/repo.git", nil, true},
		{"invalid_port2", "git@github.com:yk:org/repo.git", nil, true},
		{"invalid_port3", "ssh://git@github.com:yk/org/repo.git", nil, true},
		{"invalid_git+ssh_hostname", "git+ssh://git@github.com:org/repo.git", nil, true},

		{"invalid_path_1", "git@host.xz:/r.git", nil, true},
		{"invalid_path_2", "git@host.xz:.git", nil, true},
		{"invalid_path_3", "git@host.xz:/.git", nil, true},
		{"invalid_path_4", "git@host.xz:/dd.git", nil, true},
		{"invalid_path_5", "git@host.xz:dd/.git", nil, true},
		{"invalid_path_6", "ssh://git@host.xz//r.git", nil, true},
		{"invalid_path_7", "ssh://git@host.xz/.git", nil, true},
		{"invalid_path_8", "ssh://git@host.xz//.git", nil, true},
		{"invalid_path_9", "ssh://git@host.xz//dd.git", nil, true},
		{"invalid_path_10", "ssh://git@host.xz/dd/.git", nil, true},
		{"invalid_path_11", "https://host.xz//r.git", nil, true},
		{"invalid_path_12", "https://host.xz/.git", nil, true},
		{"invalid_path_13", "https://host.xz//.git", nil, true},
		{"invalid_path_14", "https://host.xz//dd.git", nil, true},
		{"invalid_path_15", "https://host.xz/dd/.git", nil, true},

		{"invalid_hosts", "git@.:d/r.git", nil, true},
		{"invalid_hosts2", "git@.d:d/r.git", nil, true},
		{"invalid_hosts3", "git@d.:d/r.git", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.rawURL)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateComparable(URL{})); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSameRawURL(t *testing.T) {
	type args struct {
		lRepo string
		rRepo string
	}
	tests := []struct {
		name    string
		args    args
		want    bool
		wantErr bool
	}{
		{"1", args{"user@host.xz:path/to/repo.git", "USER@HOST.XZ:PATH/TO/REPO.GIT"}, true, false},
		{"2", args{"git@github.com:org/repo.git", "git@github.com:org/repo.git"}, true, false},
		{"3", args{"git@github.com:org/repo.git", "ssh://git@github.com/org/repo.git"}, true, false},
		{"4", args{"git@github.com:org/repo.git", "https://github.com/org/repo.git"}, true, false},
		{"5", args{"ssh://user@host.xz:123/path/to/repo.git", "ssh://user@host.xz:123/path/to/REPO.GIT"}, true, false},
		{"6", args{"ssh://git@github.com/org/repo.git", "git@github.com:org/repo.git"}, true, false},
		{"7", args{"ssh://git@github.com/org/repo.git", "ssh://git@github.com/org/repo.git"}, true, false},
		{"8", args{"ssh://git@github.com/org/repo.git", "https://github.com/org/repo.git"}, true, false},
		{"9", args{"https://host.xz:345/path/to/repo.git", "HTTPS://HOST.XZ:345/path/to/repo.git"}, true, false},
		{"10", args{"https://github.com/org/repo.git", "git@github.com:org/repo.git"}, true, false},
		{"11", args{"https://github.com/org/repo.git", "ssh://git@github.com/org/repo.git"}, true, false},
		{"12", args{"https://github.com/org/repo.git", "https://github.com/org/repo.git"}, true, false},
		{"13", args{"user@host.xz:123:path/to/repo.git", "ssh://user@host.xz:123/path/to/repo.git"}, true, false},
		{"14", args{"user@host.xz:123:path/to/repo.git", "https://host.xz:123/path/to/repo.git"}, true, false},
		{"15", args{"ssh://user@host.xz:123/path/to/repo.git", "user@host.xz:123:path/to/repo.git"}, true, false},
		{"16", args{"ssh://user@host.xz:123/path/to/repo.git", "https://host.xz:123/path/to/repo.git"}, true, false},
		{"17", args{"https://host.xz:123/path/to/repo.git", "user@host.xz:123:path/to/repo.git"}, true, false},
		{"18", args{"https://host.xz:123/path/to/repo.git", "ssh://user@host.xz:123/path/to/repo.git"}, true, false},
		{"19", args{"git+ssh://user@host.xz:123/path/to/repo.git", "user@host.xz:123:path/to/repo.git"}, true, false},
		{"20", args{"git+ssh://user@host.xz:123/path/to/repo.git", "ssh://user@host.xz:123/path/to/repo.git"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SameRawURL(tt.args.lRepo, tt.args.rRepo)
			if (err != nil) != tt.wantErr {
				t.Errorf("SameRawURL() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SameRawURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNeedsSSH(t *testing.T) {
	tests := []struct {
		rawURL string
		want   bool
	}{
		{"git@github.com:org/repo.git", true},
		{"ssh://git@github.com/org/repo.git", true},
		{"git+ssh://git@github.com/org/repo.git", true},
		{"https://github.com/org/repo.git", false},
		{"file:///path/to/repo.git", false},
	}
	for _, tt := range tests {
		t.Run(tt.rawURL, func(t *testing.T) {
			if got := NeedsSSH(tt.rawURL); got != tt.want {
				t.Errorf("NeedsSSH(%q) = %v, want %v", tt.rawURL, got, tt.want)
			}
		})
	}
}

func TestHostPort(t *testing.T) {
	u, err := Parse("ssh://git@github.com:2222/org/repo.git")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	host, port := u.HostPort()
	if host != "github.com" || port != "2222" {
		t.Errorf("HostPort() = (%q, %q), want (github.com, 2222)", host, port)
	}

	u2, err := Parse("git@github.com:org/repo.git")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	host2, port2 := u2.HostPort()
	if host2 != "github.com" || port2 != "22" {
		t.Errorf("HostPort() = (%q, %q), want (github.com, 22)", host2, port2)
	}
}
