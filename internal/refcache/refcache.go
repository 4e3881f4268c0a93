// Package refcache implements the read-through ref cache (C2): one
// instance per gitdir, reloaded only when the files that could have
// changed its answer have changed on disk.
package refcache

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/reposync/internal/gitdriver"
	"github.com/utilitywarehouse/reposync/internal/lock"
)

const maxSymrefHops = 5

// Cache is a read-through ref cache for a single gitdir. The zero value is
// not usable; construct with New.
type Cache struct {
	gitdir string
	driver *gitdriver.Driver

	mu       lock.RWMutex
	loaded   bool
	refs     map[string]string // refname -> sha
	symrefs  map[string]string // refname -> refname
	headSym  string
	watchMTimes map[string]time.Time
}

// New returns a Cache for gitdir. Nothing is loaded until the first Get/
// Symref/All call.
func New(gitdir string, driver *gitdriver.Driver) *Cache {
	return &Cache{gitdir: gitdir, driver: driver}
}

// Get returns the sha physical refname resolves to, or "" if it doesn't
// exist.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refs[name], nil
}

// Symref returns the refname that name points to symbolically, or "" if
// name isn't a symbolic ref.
func (c *Cache) Symref(ctx context.Context, name string) (string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symrefs[name], nil
}

// All returns a copy of the full physical ref → sha map.
func (c *Cache) All(ctx context.Context) (map[string]string, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.refs))
	for k, v := range c.refs {
		out[k] = v
	}
	return out, nil
}

// ensureLoaded (re)loads the cache's contents if the watched mtimes have
// changed, or if this is the first call.
func (c *Cache) ensureLoaded(ctx context.Context) error {
	changed, err := c.mtimesChanged()
	if err != nil {
		return err
	}

	c.mu.RLock()
	needLoad := !c.loaded || changed
	c.mu.RUnlock()
	if !needLoad {
		return nil
	}

	return c.load(ctx)
}

func (c *Cache) load(ctx context.Context) error {
	res, err := c.driver.Run(ctx, gitdriver.Options{Bare: true, Gitdir: c.gitdir},
		"for-each-ref", `--format=%(objectname)%09%(refname)%09%(symref)`)
	if err != nil {
		return fmt.Errorf("loading ref cache for %s: %w", c.gitdir, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("for-each-ref failed in %s: %s", c.gitdir, string(res.Stderr))
	}

	refs := make(map[string]string)
	symrefs := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		sha, refname := fields[0], fields[1]
		var symref string
		if len(fields) > 2 {
			symref = fields[2]
		}
		if isNullSHA(sha) {
			continue
		}
		if symref != "" {
			symrefs[refname] = symref
		} else {
			refs[refname] = sha
		}
	}

	headRes, err := c.driver.Run(ctx, gitdriver.Options{Bare: true, Gitdir: c.gitdir}, "symbolic-ref", "-q", "HEAD")
	if err == nil && headRes.ExitCode == 0 {
		symrefs["HEAD"] = strings.TrimSpace(string(headRes.Stdout))
	} else {
		headShaRes, err := c.driver.Run(ctx, gitdriver.Options{Bare: true, Gitdir: c.gitdir}, "rev-parse", "--verify", "-q", "HEAD")
		if err == nil && headShaRes.ExitCode == 0 {
			refs["HEAD"] = strings.TrimSpace(string(headShaRes.Stdout))
		}
	}

	resolveChainedSymrefs(refs, symrefs)

	mtimes, err := c.watchedMTimes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.refs = refs
	c.symrefs = symrefs
	c.watchMTimes = mtimes
	c.loaded = true
	c.mu.Unlock()

	return nil
}

// resolveChainedSymrefs walks each symref up to maxSymrefHops times trying
// to land on a physical ref's sha; refs that still dangle after that are
// left as symref-only.
func resolveChainedSymrefs(refs, symrefs map[string]string) {
	for name, target := range symrefs {
		cur := target
		for hop := 0; hop < maxSymrefHops; hop++ {
			if sha, ok := refs[cur]; ok {
				refs[name] = sha
				break
			}
			next, ok := symrefs[cur]
			if !ok {
				break
			}
			cur = next
		}
	}
}

func isNullSHA(sha string) bool {
	for _, c := range sha {
		if c != '0' {
			return false
		}
	}
	return sha != ""
}

// watchedMTimes returns the current mtimes of every file whose change
// should trigger a reload: HEAD, config, packed-refs, and every file under
// refs/ and reftable/.
func (c *Cache) watchedMTimes() (map[string]time.Time, error) {
	watched := map[string]time.Time{}

	for _, rel := range []string{"HEAD", "config", "packed-refs"} {
		p := filepath.Join(c.gitdir, rel)
		if fi, err := os.Stat(p); err == nil {
			watched[p] = fi.ModTime()
		}
	}

	for _, dir := range []string{"refs", "reftable"} {
		root := filepath.Join(c.gitdir, dir)
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // root doesn't exist or is unreadable; nothing to watch
			}
			if d.IsDir() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				watched[path] = fi.ModTime()
			}
			return nil
		})
	}

	return watched, nil
}

func (c *Cache) mtimesChanged() (bool, error) {
	c.mu.RLock()
	loaded := c.loaded
	prev := c.watchMTimes
	c.mu.RUnlock()

	if !loaded {
		return true, nil
	}

	cur, err := c.watchedMTimes()
	if err != nil {
		return false, err
	}

	if len(cur) != len(prev) {
		return true, nil
	}
	for path, mtime := range cur {
		if prevMTime, ok := prev[path]; !ok || !prevMTime.Equal(mtime) {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate forces the next Get/Symref/All call to reload from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}
