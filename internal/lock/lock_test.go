package lock

import "testing"

func TestRWMutex(t *testing.T) {
	var l RWMutex

	l.Lock()
	l.Unlock()

	l.RLock()
	l.RLock()
	l.RUnlock()
	l.RUnlock()
}

func TestMutex(t *testing.T) {
	var m Mutex

	m.Lock()
	m.Unlock()
}
