// Package fetchtime implements the fetch-time oracle (C5): a persistent,
// exponentially-weighted estimate of how long each project's network fetch
// takes, used to schedule the longest-running projects first.
package fetchtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/utilitywarehouse/reposync/internal/lock"
)

// alpha is the EWMA smoothing factor: newEstimate = alpha*observed +
// (1-alpha)*previous.
const alpha = 0.5

// defaultSeconds is handed back for a project never seen before, so new
// projects are scheduled early rather than last.
const defaultSeconds = 86400.0

// Oracle is a JSON-persisted map of project name to EWMA fetch duration in
// seconds. The zero value is not usable; construct with New or Load.
type Oracle struct {
	path string

	mu       lock.Mutex
	times    map[string]float64
	observed map[string]bool // names seen via Set this session, for prune-on-save
}

// New returns an empty Oracle that will persist to path on Save.
func New(path string) *Oracle {
	return &Oracle{path: path, times: map[string]float64{}, observed: map[string]bool{}}
}

// Load reads the oracle's persisted state from path. A missing file is not
// an error: it returns an empty Oracle, as on first run.
func Load(path string) (*Oracle, error) {
	o := New(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, fmt.Errorf("reading fetch-time oracle %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &o.times); err != nil {
		return nil, fmt.Errorf("parsing fetch-time oracle %s: %w", path, err)
	}
	return o, nil
}

// Get returns project's current EWMA fetch duration in seconds, or
// defaultSeconds if project has no recorded history.
func (o *Oracle) Get(project string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if v, ok := o.times[project]; ok {
		return v
	}
	return defaultSeconds
}

// Set records an observed fetch duration for project, folding it into the
// EWMA, and marks project as seen this session so it survives pruning on
// Save. seconds is clamped to [0, 2*max(existing values)] to guard
// against a single pathological measurement skewing future scheduling. A
// project's first observation is stored as-is.
func (o *Oracle) Set(project string, seconds float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seconds < 0 {
		seconds = 0
	}
	if max := o.maxLocked(); max > 0 && seconds > 2*max {
		seconds = 2 * max
	}

	prev, ok := o.times[project]
	if !ok {
		prev = seconds
	}
	o.times[project] = alpha*seconds + (1-alpha)*prev
	o.observed[project] = true
}

func (o *Oracle) maxLocked() float64 {
	var max float64
	for _, v := range o.times {
		if v > max {
			max = v
		}
	}
	return max
}

// Save persists the oracle to its configured path, atomically, pruning any
// project not observed via Set this session.
func (o *Oracle) Save() error {
	o.mu.Lock()
	pruned := make(map[string]float64, len(o.observed))
	for name := range o.observed {
		if v, ok := o.times[name]; ok {
			pruned[name] = v
		}
	}
	o.mu.Unlock()

	data, err := json.MarshalIndent(pruned, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fetch-time oracle: %w", err)
	}

	if dir := filepath.Dir(o.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating fetch-time oracle directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(o.path), ".fetchtimes-*.tmp")
	if err != nil {
		return fmt.Errorf("creating fetch-time oracle temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing fetch-time oracle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing fetch-time oracle temp file: %w", err)
	}

	if err := os.Rename(tmpName, o.path); err != nil {
		return fmt.Errorf("renaming fetch-time oracle into place: %w", err)
	}
	return nil
}
