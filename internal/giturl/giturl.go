// Package giturl parses the remote URL syntaxes a Project may be bound to:
// scp-like, ssh://, git+ssh://, https:// and file://. The parsed form lets
// the rest of the module (auth env wiring, the SSH multiplexer, fetch-group
// partitioning) reason about "is this remote SSH-ish" without re-deriving
// the syntax rules everywhere.
package giturl

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// The repository name can contain
	// ASCII letters, digits, and the characters ., -, and _.

	// user@host.xz:path/to/repo.git
	scpURLRgx = regexp.MustCompile(`^(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?):(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// ssh://user@host.xz[:port]/path/to/repo.git
	// git+ssh://user@host.xz[:port]/path/to/repo.git
	sshURLRgx = regexp.MustCompile(`^(ssh|git\+ssh)://(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)??)/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// https://host.xz[:port]/path/to/repo.git
	httpsURLRgx = regexp.MustCompile(`^https://(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?)/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// file:///path/to/repo.git
	localURLRgx = regexp.MustCompile(`^file:///(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)
)

// Scheme identifies which of the recognised URL syntaxes a URL was parsed
// from.
type Scheme string

const (
	SchemeSCP   Scheme = "scp"
	SchemeSSH   Scheme = "ssh"
	SchemeHTTPS Scheme = "https"
	SchemeLocal Scheme = "local"
)

// URL represents a parsed git remote URL.
type URL struct {
	Scheme Scheme // 'scp', 'ssh', 'https' or 'local'
	User   string // might be empty for http and local urls
	Host   string // host or host:port
	Path   string // path to the repo (the "org"/group portion)
	Repo   string // repository name from the path, includes .git if present
}

// NormaliseURL lower-cases and trims a raw URL so equivalent remotes written
// with different casing or trailing slashes compare equal.
func NormaliseURL(rawURL string) string {
	nURL := strings.ToLower(strings.TrimSpace(rawURL))
	nURL = strings.TrimRight(nURL, "/")
	return nURL
}

// Parse parses a raw url into a URL structure. Valid git urls are...
//   - user@host.xz:path/to/repo.git
//   - ssh://user@host.xz[:port]/path/to/repo.git
//   - git+ssh://user@host.xz[:port]/path/to/repo.git
//   - https://host.xz[:port]/path/to/repo.git
//   - file:///path/to/repo.git
func Parse(rawURL string) (*URL, error) {
	gURL := &URL{}

	rawURL = NormaliseURL(rawURL)

	var sections []string

	switch {
	case IsSCPURL(rawURL):
		sections = scpURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = SchemeSCP
		gURL.User = sections[scpURLRgx.SubexpIndex("user")]
		gURL.Host = sections[scpURLRgx.SubexpIndex("host")]
		gURL.Path = sections[scpURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[scpURLRgx.SubexpIndex("repo")]
	case IsSSHURL(rawURL):
		sections = sshURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = SchemeSSH
		gURL.User = sections[sshURLRgx.SubexpIndex("user")]
		gURL.Host = sections[sshURLRgx.SubexpIndex("host")]
		gURL.Path = sections[sshURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[sshURLRgx.SubexpIndex("repo")]
	case IsHTTPSURL(rawURL):
		sections = httpsURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = SchemeHTTPS
		gURL.Host = sections[httpsURLRgx.SubexpIndex("host")]
		gURL.Path = sections[httpsURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[httpsURLRgx.SubexpIndex("repo")]
	case IsLocalURL(rawURL):
		sections = localURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = SchemeLocal
		gURL.Path = sections[localURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[localURLRgx.SubexpIndex("repo")]
	default:
		return nil, fmt.Errorf(
			"provided '%s' remote url is invalid, supported urls are 'user@host.xz:path/to/repo.git', 'ssh://user@host.xz/path/to/repo.git', 'git+ssh://user@host.xz/path/to/repo.git' or 'https://host.xz/path/to/repo.git'",
			rawURL)
	}

	// scp path doesn't have leading "/"
	// also removing trailing "/" for consistency
	gURL.Path = strings.Trim(gURL.Path, "/")

	if gURL.Path == "" {
		return nil, fmt.Errorf("repo path (org) cannot be empty")
	}
	if gURL.Repo == "" || gURL.Repo == ".git" {
		return nil, fmt.Errorf("repo name is invalid")
	}

	return gURL, nil
}

// Equals returns whether or not the two parsed git URLs are equivalent.
// The same remote repository can be reachable via several URL schemes, so
// two URLs are considered equal if their host, path and repo name agree
// (ignoring a trailing ".git" on the repo name).
func (u *URL) Equals(o *URL) bool {
	return u.Host == o.Host &&
		u.Path == o.Path &&
		(u.Repo == o.Repo || strings.TrimSuffix(u.Repo, ".git") == strings.TrimSuffix(o.Repo, ".git"))
}

// SameRawURL returns whether or not the two remote URL strings are
// equivalent.
func SameRawURL(lRepo, rRepo string) (bool, error) {
	lURL, err := Parse(lRepo)
	if err != nil {
		return false, err
	}
	rURL, err := Parse(rRepo)
	if err != nil {
		return false, err
	}
	return lURL.Equals(rURL), nil
}

// IsSCPURL returns true if supplied URL is scp-like syntax.
func IsSCPURL(rawURL string) bool {
	return scpURLRgx.MatchString(rawURL)
}

// IsSSHURL returns true if supplied URL is ssh:// or git+ssh://.
func IsSSHURL(rawURL string) bool {
	return sshURLRgx.MatchString(rawURL)
}

// IsHTTPSURL returns true if supplied URL is https://.
func IsHTTPSURL(rawURL string) bool {
	return httpsURLRgx.MatchString(rawURL)
}

// IsLocalURL returns true if supplied URL is file://.
func IsLocalURL(rawURL string) bool {
	return localURLRgx.MatchString(rawURL)
}

// NeedsSSH returns true for any URL form the SSH multiplexer (C4) should
// preconnect for: scp-like, ssh:// and git+ssh://.
func NeedsSSH(rawURL string) bool {
	return IsSCPURL(rawURL) || IsSSHURL(rawURL)
}

// HostPort splits a parsed URL's Host field into host and port, defaulting
// the port to "22" for ssh-ish schemes when none was given.
func (u *URL) HostPort() (host, port string) {
	host = u.Host
	port = "22"
	if idx := strings.LastIndex(u.Host, ":"); idx != -1 {
		host = u.Host[:idx]
		port = u.Host[idx+1:]
	}
	return host, port
}

// String reconstructs a canonical URL string for u, in the form most
// natural for its scheme (scp-like for SchemeSCP, explicit scheme:// for
// the rest).
func (u *URL) String() string {
	path := u.Path
	if path != "" {
		path += "/"
	}
	switch u.Scheme {
	case SchemeSCP:
		return fmt.Sprintf("%s@%s:%s%s", u.User, u.Host, path, u.Repo)
	case SchemeSSH:
		return fmt.Sprintf("ssh://%s@%s/%s%s", u.User, u.Host, path, u.Repo)
	case SchemeHTTPS:
		return fmt.Sprintf("https://%s/%s%s", u.Host, path, u.Repo)
	case SchemeLocal:
		return fmt.Sprintf("file:///%s%s", path, u.Repo)
	default:
		return u.Repo
	}
}
