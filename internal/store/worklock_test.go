package store

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carbide-infra/carbide/internal/model"
)

func testObjectID(t *testing.T) model.MachineId {
	t.Helper()
	id, err := model.DeriveMachineId(model.MachineKindHost, model.HardwareFingerprint{ProductSerial: "work-lock-subject"})
	assert.NoError(t, err)
	return id
}

func TestWorkLockManager_TryAcquire_SerializesOneObject(t *testing.T) {
	m := NewWorkLockManager()
	objectID := testObjectID(t)

	const workers = 64
	var (
		wg          sync.WaitGroup
		concurrent  atomic.Int32
		maxObserved atomic.Int32
		acquired    atomic.Int32
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, ok := m.TryAcquire("reconcile", objectID)
			if !ok {
				return
			}
			acquired.Add(1)
			defer handle.Release()

			n := concurrent.Add(1)
			for {
				cur := maxObserved.Load()
				if n <= cur || maxObserved.CompareAndSwap(cur, n) {
					break
				}
			}
			concurrent.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int32(1), maxObserved.Load(), "at least one worker should have acquired the lock")
	assert.Equal(t, int32(1), maxObserved.Load(), "work-lock must serialize: no two iterations hold the lock concurrently")
}

func TestWorkLockManager_TryAcquire_DifferentWorkKeysIndependent(t *testing.T) {
	m := NewWorkLockManager()
	objectID := testObjectID(t)

	h1, ok1 := m.TryAcquire("reconcile", objectID)
	assert.True(t, ok1)
	defer h1.Release()

	h2, ok2 := m.TryAcquire("firmware-update", objectID)
	assert.True(t, ok2, "distinct work keys must not contend for the same slot")
	defer h2.Release()
}

func TestWorkLockManager_TryAcquire_SecondCallFailsUntilReleased(t *testing.T) {
	m := NewWorkLockManager()
	objectID := testObjectID(t)

	h1, ok := m.TryAcquire("reconcile", objectID)
	assert.True(t, ok)

	_, ok = m.TryAcquire("reconcile", objectID)
	assert.False(t, ok, "a held lock must reject a second acquire")

	h1.Release()

	h2, ok := m.TryAcquire("reconcile", objectID)
	assert.True(t, ok, "lock must be acquirable again after release")
	h2.Release()
}

func TestWorkLockManager_Release_TwicePanics(t *testing.T) {
	m := NewWorkLockManager()
	objectID := testObjectID(t)

	h, ok := m.TryAcquire("reconcile", objectID)
	assert.True(t, ok)
	h.Release()

	assert.Panics(t, func() {
		h.Release()
	})
}
