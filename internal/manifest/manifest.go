// Package manifest holds the resolved workspace declaration the rest of
// the module operates on: the set of Projects, their Remotes and default
// Branch settings. Manifest XML parsing is out of scope for this module —
// this package loads the equivalent, already-resolved declaration from a
// YAML document, the same role RepoPoolConfig plays for a mirror pool, and
// the same shape a manifest XML would be resolved into before any of the
// sync machinery sees it.
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/reposync/internal/giturl"
	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
)

// Remote is a named upstream a Project's refspecs are fetched from/pushed
// to.
type Remote struct {
	Name      string `yaml:"name"`
	Fetch     string `yaml:"fetch"`
	PushURL   string `yaml:"pushurl"`
	Alias     string `yaml:"alias"`
	Review    string `yaml:"review"`
	Revision  string `yaml:"revision"`
}

// ResolvedFetchURL joins a project-relative fetch URL against the
// manifest's origin, matching the teacher's giturl-based URL resolution.
// A Fetch value that already parses as a full remote URL is returned
// unchanged.
func (r Remote) ResolvedFetchURL(origin string) (string, error) {
	if _, err := giturl.Parse(r.Fetch); err == nil {
		return r.Fetch, nil
	}
	base, err := giturl.Parse(origin)
	if err != nil {
		return "", err
	}
	joined := *base
	joined.Path = filepath.Join(base.Path, r.Fetch)
	return joined.String(), nil
}

// Branch describes a project's default tracked remote and merge ref.
type Branch struct {
	Name       string `yaml:"name"`
	Remote     string `yaml:"remote"`
	Merge      string `yaml:"merge"`
	LocalMerge string `yaml:"local_merge"`
}

// RefSpec is a (src, dst) fetch or push mapping, with optional "forced"
// (leading '+') and glob (/*) matching.
type RefSpec struct {
	Forced bool   `yaml:"forced"`
	Src    string `yaml:"src"`
	Dst    string `yaml:"dst"`
}

func (rs RefSpec) String() string {
	s := rs.Src + ":" + rs.Dst
	if rs.Forced {
		s = "+" + s
	}
	return s
}

// Glob reports whether this refspec uses "/*" glob matching on both sides.
func (rs RefSpec) Glob() bool {
	return strings.HasSuffix(rs.Src, "/*") && strings.HasSuffix(rs.Dst, "/*")
}

// CopyFile mirrors a <copyfile src dest> manifest element: src inside the
// project worktree is copied to dest relative to the workspace top.
type CopyFile struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

// LinkFile mirrors a <linkfile src dest> manifest element: dest becomes a
// symlink pointing at src inside the project worktree.
type LinkFile struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

// Project is one upstream repository bound to one local checkout path.
type Project struct {
	Name         string     `yaml:"name"`
	Path         string     `yaml:"path"`
	Remote       string     `yaml:"remote"`
	Revision     string     `yaml:"revision"`
	Groups       []string   `yaml:"groups"`
	SyncC        bool       `yaml:"sync_c"`
	SyncS        bool       `yaml:"sync_s"`
	SyncTags     *bool      `yaml:"sync_tags"`
	CloneDepth   int        `yaml:"clone_depth"`
	DestBranch   string     `yaml:"dest_branch"`
	Upstream     string     `yaml:"upstream"`
	Rebase       *bool      `yaml:"rebase"`
	ForcePath    bool       `yaml:"force_path"`
	CloneBundle  *bool      `yaml:"clone_bundle"`
	UseGitWorktrees *bool   `yaml:"use_git_worktrees"`
	CopyFiles    []CopyFile `yaml:"copyfiles"`
	LinkFiles    []LinkFile `yaml:"linkfiles"`
	Annotations  map[string]string `yaml:"annotations"`
	Subprojects  []Project  `yaml:"subprojects"`

	// resolved at load time
	RevisionID string `yaml:"-"`
}

// RelPath returns the project's worktree path, defaulting to Name when
// Path is unset (same default git-repo applies).
func (p Project) RelPath() string {
	if p.Path != "" {
		return p.Path
	}
	return p.Name
}

// Default holds manifest-wide defaults. Remote, Revision, DestBranch and
// Upstream are copied onto any top-level Project that leaves them unset;
// SyncJ, SyncC, SyncS and SyncTags are parsed but not copied onto projects.
type Default struct {
	Remote     string `yaml:"remote"`
	Revision   string `yaml:"revision"`
	DestBranch string `yaml:"dest_branch"`
	Upstream   string `yaml:"upstream"`
	SyncJ      int    `yaml:"sync_j"`
	SyncC      bool   `yaml:"sync_c"`
	SyncS      bool   `yaml:"sync_s"`
	SyncTags   bool   `yaml:"sync_tags"`
}

// Manifest is the fully resolved workspace declaration: every Remote and
// Project the Sync Engine needs, plus workspace-wide defaults. It plays the
// same role as git-repo's in-memory manifest object after manifest_xml.py
// has resolved includes, extends and removes — those resolution steps
// themselves are out of scope here.
type Manifest struct {
	Defaults   Default  `yaml:"defaults"`
	Remotes    []Remote `yaml:"remotes"`
	Projects   []Project `yaml:"projects"`
	ManifestServerURL string `yaml:"manifest_server_url"`
	Notice     string   `yaml:"notice"`
}

// Remote looks up a remote by name, applying defaults.Remote when name is
// empty.
func (m *Manifest) Remote(name string) (Remote, bool) {
	if name == "" {
		name = m.Defaults.Remote
	}
	for _, r := range m.Remotes {
		if r.Name == name {
			return r, true
		}
	}
	return Remote{}, false
}

// ProjectByName returns the project with the given name, or
// reposyncerr.NoSuchProjectError if none matches.
func (m *Manifest) ProjectByName(name string) (*Project, error) {
	for i := range m.Projects {
		if m.Projects[i].Name == name {
			return &m.Projects[i], nil
		}
	}
	return nil, reposyncerr.NewNoSuchProjectError(name)
}

// ProjectsInGroups returns every project that belongs to at least one of
// groups. An empty groups selects every project.
func (m *Manifest) ProjectsInGroups(groups []string) []*Project {
	if len(groups) == 0 {
		out := make([]*Project, len(m.Projects))
		for i := range m.Projects {
			out[i] = &m.Projects[i]
		}
		return out
	}
	var out []*Project
	for i := range m.Projects {
		for _, g := range m.Projects[i].Groups {
			if slices.Contains(groups, g) {
				out = append(out, &m.Projects[i])
				break
			}
		}
	}
	return out
}

// applyDefaults fills each top-level Project's unset Remote, Revision,
// DestBranch and Upstream from m.Defaults and resolves RevisionID for
// sha-pinned revisions. Subprojects are not visited.
func (m *Manifest) applyDefaults() {
	for i := range m.Projects {
		p := &m.Projects[i]
		if p.Remote == "" {
			p.Remote = m.Defaults.Remote
		}
		if p.Revision == "" {
			p.Revision = m.Defaults.Revision
		}
		if p.DestBranch == "" {
			p.DestBranch = m.Defaults.DestBranch
		}
		if p.Upstream == "" {
			p.Upstream = m.Defaults.Upstream
		}
		if isFullCommitHash(p.Revision) {
			p.RevisionID = p.Revision
		}
	}
}

func isFullCommitHash(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// validate checks structural invariants spec §3 names: unique project
// name/path, well-formed copy/link paths (no escape above the workspace
// top), and that every project's remote resolves.
func (m *Manifest) validate() error {
	var errs []error

	seenName := make(map[string]bool)
	seenPath := make(map[string]bool)
	for _, p := range m.Projects {
		if seenName[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate project name %q", p.Name))
		}
		seenName[p.Name] = true

		relPath := p.RelPath()
		if seenPath[relPath] {
			errs = append(errs, fmt.Errorf("duplicate project path %q", relPath))
		}
		seenPath[relPath] = true

		if _, ok := m.Remote(p.Remote); !ok {
			errs = append(errs, fmt.Errorf("project %q references undeclared remote %q", p.Name, p.Remote))
		}

		for _, cf := range p.CopyFiles {
			if err := validateRelPath(cf.Dest); err != nil {
				errs = append(errs, reposyncerr.NewManifestInvalidPathError(p.Name, cf.Dest))
			}
		}
		for _, lf := range p.LinkFiles {
			if err := validateRelPath(lf.Dest); err != nil {
				errs = append(errs, reposyncerr.NewManifestInvalidPathError(p.Name, lf.Dest))
			}
		}
	}

	if len(errs) > 0 {
		return reposyncerr.NewManifestParseError(errors.Join(errs...))
	}
	return nil
}

// validateRelPath rejects any destination path that would escape the
// workspace top via ".." components or an absolute path.
func validateRelPath(p string) error {
	if filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes workspace top", p)
	}
	return nil
}

var (
	allowedManifestKeys = getAllowedKeys(Manifest{})
	allowedDefaultKeys   = getAllowedKeys(Default{})
	allowedRemoteKeys    = getAllowedKeys(Remote{})
	allowedProjectKeys   = getAllowedKeys(Project{})
)

// Load reads and validates a manifest YAML document, applying defaults and
// resolving revision IDs before returning it.
func Load(data []byte) (*Manifest, error) {
	if err := validateYAMLKeys(data); err != nil {
		return nil, reposyncerr.NewManifestParseError(err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, reposyncerr.NewManifestParseError(fmt.Errorf("unable to decode manifest: %w", err))
	}

	m.applyDefaults()

	if err := m.validate(); err != nil {
		return nil, err
	}

	return m, nil
}

func validateYAMLKeys(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unable to decode manifest: %w", err)
	}

	if key := findUnexpectedKey(raw, allowedManifestKeys); key != "" {
		return fmt.Errorf("unexpected key: .%s", key)
	}

	if defaultsRaw, ok := raw["defaults"].(map[string]any); ok {
		if key := findUnexpectedKey(defaultsRaw, allowedDefaultKeys); key != "" {
			return fmt.Errorf("unexpected key: .defaults.%s", key)
		}
	}

	if remotesRaw, ok := raw["remotes"].([]any); ok {
		for i, r := range remotesRaw {
			rm, ok := r.(map[string]any)
			if !ok {
				return fmt.Errorf(".remotes[%d] is not valid", i)
			}
			if key := findUnexpectedKey(rm, allowedRemoteKeys); key != "" {
				return fmt.Errorf("unexpected key: .remotes[%d].%s", i, key)
			}
		}
	}

	if projectsRaw, ok := raw["projects"].([]any); ok {
		for i, p := range projectsRaw {
			pm, ok := p.(map[string]any)
			if !ok {
				return fmt.Errorf(".projects[%d] is not valid", i)
			}
			if key := findUnexpectedKey(pm, allowedProjectKeys); key != "" {
				return fmt.Errorf("unexpected key: .projects[%v].%s", pm["name"], key)
			}
		}
	}

	return nil
}

// getAllowedKeys retrieves the list of yaml tag names declared on a struct,
// same reflection-based approach the teacher uses to validate unexpected
// YAML keys before unmarshaling.
func getAllowedKeys(config any) []string {
	var allowedKeys []string
	typ := reflect.TypeOf(config)
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		yamlTag, _, _ = strings.Cut(yamlTag, ",")
		if yamlTag != "" && yamlTag != "-" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw map[string]any, allowedKeys []string) string {
	for key := range raw {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}
	return ""
}
