// Package lock provides the mutex types used across the module to guard
// per-project and pool-wide state. It wraps go-deadlock so that a
// misordered lock acquisition across the many concurrently-synced projects
// surfaces as a clear deadlock report instead of a wedged process.
package lock

import (
	"github.com/sasha-s/go-deadlock"
)

// RWMutex is a drop-in replacement for sync.RWMutex that additionally
// tracks lock ordering and reports potential deadlocks. Zero value is an
// unlocked mutex, same as sync.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}

// Mutex is a drop-in replacement for sync.Mutex with the same deadlock
// detection as RWMutex.
type Mutex struct {
	deadlock.Mutex
}
