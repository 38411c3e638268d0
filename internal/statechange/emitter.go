// Package statechange implements the best-effort, FIFO, post-commit hook
// broadcaster of spec.md C5 / §4.5.
package statechange

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/carbide-infra/carbide/internal/model"
)

// Transition describes one committed state change.
type Transition struct {
	ObjectID    model.MachineId
	PrevState   model.MachineState
	NextState   model.MachineState
	CommittedAt time.Time
}

// Hook is called for every committed Transition. Hook errors must never
// roll back the transaction that produced the transition — by the time a
// Hook runs, the transaction has already committed — so Emit does not
// propagate hook errors; it only logs them.
type Hook func(Transition) error

type subscription struct {
	id   int
	hook Hook
}

// Emitter broadcasts transitions to subscribers in emission order. A
// single Emitter instance is shared process-wide by one controller
// instance, per spec.md §5's "FIFO per controller instance" guarantee.
type Emitter struct {
	Log logr.Logger

	mu        sync.Mutex
	nextID    int
	subscribers []subscription
}

// New constructs an empty Emitter.
func New(log logr.Logger) *Emitter {
	return &Emitter{Log: log}
}

// Subscribe registers hook and returns a token for Unsubscribe.
func (e *Emitter) Subscribe(hook Hook) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subscribers = append(e.subscribers, subscription{id: id, hook: hook})
	return id
}

// Unsubscribe removes a previously-registered hook. Unsubscribing an
// unknown id is a no-op.
func (e *Emitter) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subscribers {
		if s.id == id {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// Emit delivers t to every currently-live subscriber, in subscription
// registration order. Emit must only be called after the transition's
// transaction has committed.
func (e *Emitter) Emit(t Transition) {
	e.mu.Lock()
	hooks := make([]Hook, len(e.subscribers))
	for i, s := range e.subscribers {
		hooks[i] = s.hook
	}
	e.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(t); err != nil {
			e.Log.Error(err, "state-change hook failed", "objectID", t.ObjectID.String(),
				"prevState", t.PrevState, "nextState", t.NextState)
		}
	}
}
