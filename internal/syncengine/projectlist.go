package syncengine

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/utilitywarehouse/reposync/internal/gitdriver"
)

// reconcileProjectList implements spec §4.6 step 7: any worktree named in
// the previous project.list that the current manifest no longer declares
// is removed, unless it has uncommitted changes and forceRemoveDirty isn't
// set; the list is then rewritten to match the current manifest.
func (e *Engine) reconcileProjectList(ctx context.Context, forceRemoveDirty bool) error {
	listPath := filepath.Join(e.cfg.RepoDir, "project.list")

	prev, err := readProjectList(listPath)
	if err != nil {
		return err
	}

	current := map[string]bool{}
	for _, p := range e.Projects() {
		if p.Worktree() != "" {
			current[p.RelPath()] = true
		}
	}

	for _, relpath := range prev {
		if current[relpath] {
			continue
		}
		dir := filepath.Join(e.cfg.WorkspaceRoot, relpath)

		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		dirty, _ := worktreeDirty(ctx, e.cfg.Driver, dir)
		if dirty && !forceRemoveDirty {
			e.cfg.Log.Warn("leaving removed project in place, worktree is dirty", "path", relpath)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}

	return writeProjectList(listPath, current)
}

func worktreeDirty(ctx context.Context, driver *gitdriver.Driver, dir string) (bool, error) {
	res, err := driver.Run(ctx, gitdriver.Options{Dir: dir, DisableEditor: true}, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(res.Stdout)) != "", nil
}

func readProjectList(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeProjectList(path string, current map[string]bool) error {
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".project.list-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, name := range names {
		if _, err := tmp.WriteString(name + "\n"); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
