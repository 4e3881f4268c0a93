package project

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/utilitywarehouse/reposync/internal/manifest"
	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
)

// forbiddenPathSubstrings are rejected anywhere in a copyfile/linkfile src
// or dest: ".." and "~" can escape the workspace top or a home directory.
// validateMaterializePath separately rejects ".git"/".repo*" segments,
// which can corrupt repository metadata, and a literal newline, which can
// smuggle a second path past a naive parser.
var forbiddenPathSubstrings = []string{"..", "~"}

// forbiddenCodepoints are zero-width or directional-override runes known to
// be silently elided or reordered by case/width-folding filesystems,
// letting a path that looks safe resolve somewhere else entirely.
var forbiddenCodepoints = []rune{
	'​', // zero width space
	'‌', // ZWNJ
	'‍', // ZWJ
	'‪', // LRE
	'‫', // RLE
	'‬', // PDF
	'‭', // LRO
	'‮', // RLO
	0xFEFF, // BOM
}

// validateMaterializePath enforces spec §4.3's anti-escape invariant on a
// copyfile/linkfile path component (either src, relative to the project
// worktree, or dest, relative to the workspace top).
func validateMaterializePath(project, p string) error {
	if p == "" {
		return reposyncerr.NewManifestInvalidPathError(project, p)
	}
	if filepath.IsAbs(p) {
		return reposyncerr.NewManifestInvalidPathError(project, p)
	}
	if strings.ContainsRune(p, '\n') {
		return reposyncerr.NewManifestInvalidPathError(project, p)
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".git" || strings.HasPrefix(seg, ".repo") {
			return reposyncerr.NewManifestInvalidPathError(project, p)
		}
	}
	for _, bad := range forbiddenPathSubstrings {
		if strings.Contains(p, bad) {
			return reposyncerr.NewManifestInvalidPathError(project, p)
		}
	}
	for _, r := range p {
		for _, bad := range forbiddenCodepoints {
			if r == bad {
				return reposyncerr.NewManifestInvalidPathError(project, p)
			}
		}
	}
	clean := filepath.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return reposyncerr.NewManifestInvalidPathError(project, p)
	}
	return nil
}

// containsSymlink reports whether any component of path's parent directory
// (an absolute path that must already exist up to and including its final
// element's parent) is itself a symlink — the anti-escape check materialize
// must run before any read or write through src or dest. It does not
// inspect path's own final component: a dest that's about to be replaced
// (removed then recreated) is legitimately allowed to already be a
// symlink; use isOrContainsSymlink for a path that will be read through.
func containsSymlink(path string) (bool, error) {
	dir := filepath.Dir(path)
	cur := string(filepath.Separator)
	for _, seg := range strings.Split(dir, string(filepath.Separator)) {
		if seg == "" {
			continue
		}
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

// isOrContainsSymlink extends containsSymlink to also reject path's own
// final component when it's a symlink. Any src that materialize reads
// through (copyfile) must be checked this way: an intermediate-only check
// lets an untrusted upstream plant a symlink at the exact leaf path and
// have its target's content copied into the workspace.
func isOrContainsSymlink(path string) (bool, error) {
	if bad, err := containsSymlink(path); err != nil || bad {
		return bad, err
	}
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode()&os.ModeSymlink != 0, nil
}

// materializeFiles copies/links every manifest copyfile/linkfile after a
// successful checkout, per spec §4.3.
func (p *Project) materializeFiles() error {
	for _, cf := range p.decl.CopyFiles {
		if err := p.copyFile(cf); err != nil {
			return err
		}
	}
	for _, lf := range p.decl.LinkFiles {
		if err := p.linkFile(lf); err != nil {
			return err
		}
	}
	return nil
}

// copyFile implements the Copy rule: if destination is missing or its
// content differs from src, replace it, creating parent dirs and dropping
// write bits on the result.
func (p *Project) copyFile(cf manifest.CopyFile) error {
	if err := validateMaterializePath(p.Name(), cf.Src); err != nil {
		return err
	}
	if err := validateMaterializePath(p.Name(), cf.Dest); err != nil {
		return err
	}
	if strings.HasSuffix(cf.Src, string(filepath.Separator)) {
		return reposyncerr.NewManifestInvalidPathError(p.Name(), cf.Src)
	}

	src := filepath.Join(p.paths.Worktree, cf.Src)
	dest := filepath.Join(p.cfg.WorkspaceRoot, cf.Dest)

	if bad, err := isOrContainsSymlink(src); err != nil {
		return err
	} else if bad {
		return reposyncerr.NewManifestInvalidPathError(p.Name(), cf.Src)
	}
	if bad, err := containsSymlink(dest); err != nil {
		return err
	} else if bad {
		return reposyncerr.NewManifestInvalidPathError(p.Name(), cf.Dest)
	}

	same, err := sameContent(src, dest)
	if err != nil {
		return err
	}
	if same {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale %s: %w", dest, err)
	}
	if err := copyFileContents(src, dest); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dest, err)
	}
	return os.Chmod(dest, 0o444)
}

// linkFile implements the Link rule: dest always becomes (or is replaced
// by) a symlink pointing at src, relative to the project worktree.
func (p *Project) linkFile(lf manifest.LinkFile) error {
	if err := validateMaterializePath(p.Name(), lf.Src); err != nil {
		return err
	}
	if err := validateMaterializePath(p.Name(), lf.Dest); err != nil {
		return err
	}

	dest := filepath.Join(p.cfg.WorkspaceRoot, lf.Dest)
	if bad, err := containsSymlink(dest); err != nil {
		return err
	} else if bad {
		return reposyncerr.NewManifestInvalidPathError(p.Name(), lf.Dest)
	}

	target, err := filepath.Rel(filepath.Dir(dest), filepath.Join(p.paths.Worktree, lf.Src))
	if err != nil {
		target = filepath.Join(p.paths.Worktree, lf.Src)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale %s: %w", dest, err)
	}
	if err := os.Symlink(target, dest); err != nil {
		return fmt.Errorf("linking %s to %s: %w", dest, target, err)
	}
	return nil
}

func sameContent(src, dest string) (bool, error) {
	sfi, err := os.Stat(src)
	if err != nil {
		return false, fmt.Errorf("statting %s: %w", src, err)
	}
	dfi, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statting %s: %w", dest, err)
	}
	if sfi.Size() != dfi.Size() {
		return false, nil
	}

	sf, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer sf.Close()
	df, err := os.Open(dest)
	if err != nil {
		return false, err
	}
	defer df.Close()

	const chunk = 64 * 1024
	sbuf, dbuf := make([]byte, chunk), make([]byte, chunk)
	for {
		sn, serr := sf.Read(sbuf)
		dn, derr := df.Read(dbuf)
		if sn != dn || string(sbuf[:sn]) != string(dbuf[:dn]) {
			return false, nil
		}
		if serr == io.EOF || derr == io.EOF {
			return serr == io.EOF && derr == io.EOF, nil
		}
		if serr != nil {
			return false, serr
		}
		if derr != nil {
			return false, derr
		}
	}
}

func copyFileContents(src, dest string) error {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer df.Close()

	_, err = io.Copy(df, sf)
	return err
}
