package statechange

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/carbide-infra/carbide/internal/model"
)

func TestEmit_DeliversInOrderToAllSubscribers(t *testing.T) {
	e := New(logr.Discard())

	var mu sync.Mutex
	var gotA, gotB []model.MachineState

	e.Subscribe(func(tr Transition) error {
		mu.Lock()
		defer mu.Unlock()
		gotA = append(gotA, tr.NextState)
		return nil
	})
	e.Subscribe(func(tr Transition) error {
		mu.Lock()
		defer mu.Unlock()
		gotB = append(gotB, tr.NextState)
		return nil
	})

	states := []model.MachineState{model.StateDiscovering, model.StateHardwareInfoCollected, model.StateReady}
	for _, s := range states {
		e.Emit(Transition{NextState: s, CommittedAt: time.Now()})
	}

	assert.Equal(t, states, gotA)
	assert.Equal(t, states, gotB)
}

func TestEmit_HookErrorDoesNotPropagate(t *testing.T) {
	e := New(logr.Discard())
	called := false
	e.Subscribe(func(tr Transition) error {
		called = true
		return fmt.Errorf("boom")
	})

	assert.NotPanics(t, func() {
		e.Emit(Transition{NextState: model.StateReady})
	})
	assert.True(t, called)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	e := New(logr.Discard())
	count := 0
	id := e.Subscribe(func(tr Transition) error {
		count++
		return nil
	})

	e.Emit(Transition{})
	e.Unsubscribe(id)
	e.Emit(Transition{})

	assert.Equal(t, 1, count)
}
