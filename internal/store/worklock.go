package store

import (
	"fmt"
	"sync"

	"github.com/carbide-infra/carbide/internal/model"
)

// WorkLockManager is a process-local map from (workKey, objectID) to a
// single-slot mutex, guaranteeing at most one active controller iteration
// per object across the whole process (spec.md C10 / §4.10). Acquiring
// returns a drop-guard Handle whose Release frees the slot; there is no way
// to leak a lock short of never calling Release.
type WorkLockManager struct {
	mu    sync.Mutex
	locks map[lockKey]*slot
}

type lockKey struct {
	workKey string
	object  model.MachineId
}

type slot struct {
	mu   sync.Mutex
	held bool
}

// Handle is returned by TryAcquire; Release must be called exactly once.
type Handle struct {
	manager *WorkLockManager
	key     lockKey
	s       *slot
}

// NewWorkLockManager constructs an empty manager.
func NewWorkLockManager() *WorkLockManager {
	return &WorkLockManager{locks: make(map[lockKey]*slot)}
}

// TryAcquire attempts to take the named lock for (workKey, objectID)
// without blocking. It returns (handle, true) on success, or (nil, false)
// if another iteration already holds it — the caller should skip this
// object and retry on a later tick, per spec.md §4.6.
func (m *WorkLockManager) TryAcquire(workKey string, objectID model.MachineId) (*Handle, bool) {
	key := lockKey{workKey: workKey, object: objectID}

	m.mu.Lock()
	s, ok := m.locks[key]
	if !ok {
		s = &slot{}
		m.locks[key] = s
	}
	m.mu.Unlock()

	if !s.mu.TryLock() {
		return nil, false
	}
	s.held = true
	return &Handle{manager: m, key: key, s: s}, true
}

// Release frees the lock. Calling Release twice on the same Handle panics
// — re-entry/double-release is a programming error, not a runtime
// condition to tolerate silently.
func (h *Handle) Release() {
	if !h.s.held {
		panic(fmt.Sprintf("store: double release of work-lock %+v", h.key))
	}
	h.s.held = false
	h.s.mu.Unlock()
}
