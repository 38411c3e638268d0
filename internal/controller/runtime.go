// Package controller implements the generic state-controller runtime of
// spec.md C6 / §4.6: a poll loop that discovers due objects, serializes
// per-object work through the WorkLockManager, bounds fan-out concurrency,
// and dispatches each object to a StateHandler inside one transaction.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/semaphore"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/model"
	"github.com/carbide-infra/carbide/internal/snapshot"
	"github.com/carbide-infra/carbide/internal/statechange"
	"github.com/carbide-infra/carbide/internal/store"
)

// workKey names the lock domain this runtime serializes on. It is a package
// constant, so every Runtime instance uses the same key and Runtimes that
// reconcile the same object contend for the same work-lock slot.
const workKey = "reconcile"

// Reason carries the outcome of one reconciliation, including the call
// site that produced it, so operators can trace a state transition back to
// the line of handler code responsible (spec.md §4.7's "Outcome/Reason"
// bookkeeping).
type Reason struct {
	Outcome string
	Message string
	Source  string
}

// Result is a StateHandler's verdict for one object in one iteration.
type Result struct {
	NextState    model.MachineState
	Reason       Reason
	RequeueAfter time.Duration
}

// Handler reconciles a single object's Snapshot toward its desired state.
// Implementations must not retain snap beyond the call: it is only valid
// for the lifetime of the enclosing transaction.
type Handler interface {
	Reconcile(ctx context.Context, snap *model.Snapshot) (Result, error)
}

// IterationConfig bounds one Runtime's behavior.
type IterationConfig struct {
	// MaxConcurrency is the maximum number of objects reconciled at once.
	// Zero is a build-time configuration error (spec.md §4.6), not a
	// "serialize everything" default.
	MaxConcurrency int
	// BasePollInterval is how often the runtime looks for due objects.
	BasePollInterval time.Duration
	// BurstSize caps how many due objects one tick discovers.
	BurstSize int
	// MaxNextAttemptDelay caps the RequeueAfter a handler may request
	// after a successful iteration (zero means no cap). A failed iteration
	// writes no next attempt, so the object stays due for the next tick.
	MaxNextAttemptDelay time.Duration
}

func (c IterationConfig) validate() error {
	if c.MaxConcurrency <= 0 {
		return carbideerrors.New(carbideerrors.InvalidArgument, "controller: MaxConcurrency must be > 0")
	}
	if c.BasePollInterval <= 0 {
		return carbideerrors.New(carbideerrors.InvalidArgument, "controller: BasePollInterval must be > 0")
	}
	if c.BurstSize <= 0 {
		return carbideerrors.New(carbideerrors.InvalidArgument, "controller: BurstSize must be > 0")
	}
	return nil
}

// Runtime is the bounded-concurrency reconciliation scheduler.
type Runtime struct {
	pool    *store.Pool
	locks   *store.WorkLockManager
	emitter *statechange.Emitter
	handler Handler
	cfg     IterationConfig
	log     logr.Logger
	sem     *semaphore.Weighted
}

// New constructs a Runtime. It returns an error immediately if cfg is
// invalid, rather than failing lazily on the first tick.
func New(pool *store.Pool, locks *store.WorkLockManager, emitter *statechange.Emitter, handler Handler, cfg IterationConfig, log logr.Logger) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		pool:    pool,
		locks:   locks,
		emitter: emitter,
		handler: handler,
		cfg:     cfg,
		log:     log,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}, nil
}

// Run polls until ctx is cancelled, at which point it stops accepting new
// ticks and returns ctx.Err() once in-flight iterations from the final
// tick finish.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.BasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.log.Error(err, "controller tick failed")
			}
		}
	}
}

func (r *Runtime) tick(ctx context.Context) error {
	var ids []model.MachineId
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ids, err = r.pool.PopDueObjectIDs(ctx, tx, time.Now(), r.cfg.BurstSize)
		return err
	})
	if err != nil {
		return fmt.Errorf("controller: discover due objects: %w", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			// ctx was cancelled while waiting for a slot; stop fanning out
			// but let already-dispatched iterations finish.
			break
		}
		wg.Add(1)
		go func(id model.MachineId) {
			defer wg.Done()
			defer r.sem.Release(1)
			r.processOne(ctx, id)
		}(id)
	}
	wg.Wait()
	return nil
}

// processOne reconciles a single object: acquire its work-lock, run one
// transaction that loads the Snapshot, dispatches the Handler, persists the
// resulting state, and schedules the next attempt; emit the state-change
// hook only after that transaction has committed.
func (r *Runtime) processOne(ctx context.Context, id model.MachineId) {
	handle, ok := r.locks.TryAcquire(workKey, id)
	if !ok {
		// Another iteration (from this tick or a prior one still running)
		// already holds the lock; skip, we'll see this object again on a
		// later tick.
		return
	}
	defer handle.Release()

	var transition *statechange.Transition
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		snap, err := snapshot.Load(ctx, tx, id, snapshot.Options{ForUpdate: true})
		if err != nil {
			return err
		}
		if snap == nil {
			// Deleted between discovery and lock acquisition; nothing to do.
			return nil
		}

		prevState := snap.Host.State
		result, err := r.handler.Reconcile(ctx, snap)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE managed_hosts SET state = $1 WHERE id = $2`,
			string(result.NextState), id.String()); err != nil {
			return carbideerrors.Wrap(carbideerrors.Unavailable, "persist reconciled state", err)
		}

		nextAttemptAt := time.Now().Add(r.requeueDelay(result.RequeueAfter))
		if err := r.pool.WriteNextAttempt(ctx, tx, id, nextAttemptAt); err != nil {
			return err
		}

		if result.NextState != prevState {
			transition = &statechange.Transition{
				ObjectID:    id,
				PrevState:   prevState,
				NextState:   result.NextState,
				CommittedAt: time.Now(),
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error(err, "reconcile iteration failed", "objectID", id.String())
		return
	}
	if transition != nil {
		r.emitter.Emit(*transition)
	}
}

func (r *Runtime) requeueDelay(requested time.Duration) time.Duration {
	if requested <= 0 {
		return r.cfg.BasePollInterval
	}
	if r.cfg.MaxNextAttemptDelay > 0 && requested > r.cfg.MaxNextAttemptDelay {
		return r.cfg.MaxNextAttemptDelay
	}
	return requested
}
