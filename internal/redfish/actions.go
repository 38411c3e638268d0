// Package redfish implements the N-of-M-approved Redfish action workflow
// recovered from original_source and named (but not detailed as a
// standalone component) by spec.md §6/§8 scenario 6: CreateAction stores a
// pending action against a set of targets, ApproveAction records distinct
// approvers, and ApplyAction runs once enough approvals are in, recording
// one result per target.
package redfish

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/model"
)

// Executor performs the actual Redfish call against one target. A real
// deployment implements this over an HTTP Redfish client; tests supply a
// fake.
type Executor interface {
	Apply(ctx context.Context, target model.MachineId) (status, body string, err error)
}

// Catalog holds in-flight and historical RedfishActions.
type Catalog struct {
	exec Executor
	log  logr.Logger

	mu      sync.Mutex
	actions map[string]model.RedfishAction
	cancel  map[string]context.CancelFunc
}

// NewCatalog constructs a Catalog that applies actions via exec.
func NewCatalog(exec Executor, log logr.Logger) *Catalog {
	return &Catalog{
		exec:    exec,
		log:     log,
		actions: make(map[string]model.RedfishAction),
		cancel:  make(map[string]context.CancelFunc),
	}
}

// CreateAction stores a new pending action requested by user against
// targets, needing requiredApprovals distinct approvers before it may run.
func (c *Catalog) CreateAction(user string, targets []model.MachineId, requiredApprovals int) (string, error) {
	if user == "" {
		return "", carbideerrors.New(carbideerrors.MissingClientCertificateInformation, "redfish action requires an external user identity")
	}
	if len(targets) == 0 {
		return "", carbideerrors.New(carbideerrors.InvalidArgument, "redfish action needs at least one target")
	}
	if requiredApprovals < 1 {
		return "", carbideerrors.New(carbideerrors.InvalidArgument, "required approvals must be at least 1")
	}

	action := model.RedfishAction{
		ID:                uuid.New().String(),
		RequestedBy:       user,
		Targets:           targets,
		RequiredApprovals: requiredApprovals,
		Approvers:         []string{user},
		State:             model.RedfishActionPendingApproval,
	}
	if action.Satisfied() {
		action.State = model.RedfishActionApproved
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[action.ID] = action
	return action.ID, nil
}

// ApproveAction records user's approval of id. Approving twice as the same
// user is rejected (spec.md §8 scenario 6).
func (c *Catalog) ApproveAction(user, id string) error {
	if user == "" {
		return carbideerrors.New(carbideerrors.MissingClientCertificateInformation, "redfish approval requires an external user identity")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	action, ok := c.actions[id]
	if !ok {
		return carbideerrors.New(carbideerrors.NotFound, "redfish action not found")
	}
	if action.HasApproved(user) {
		return carbideerrors.New(carbideerrors.InvalidArgument, "user already approved")
	}
	action.Approvers = append(action.Approvers, user)
	if action.Satisfied() {
		action.State = model.RedfishActionApproved
	}
	c.actions[id] = action
	return nil
}

// ApplyAction runs the action's Executor against every target once enough
// approvals are in, recording a per-target result. It runs in the
// background and returns once started; the run keeps ctx's values but not
// its cancellation, so it outlives the caller. Callers poll Get for
// completion. CancelAction stops a running action before its goroutine
// observes the next target.
func (c *Catalog) ApplyAction(ctx context.Context, id string) error {
	c.mu.Lock()
	action, ok := c.actions[id]
	if !ok {
		c.mu.Unlock()
		return carbideerrors.New(carbideerrors.NotFound, "redfish action not found")
	}
	if !action.Satisfied() {
		c.mu.Unlock()
		return carbideerrors.New(carbideerrors.FailedPrecondition, "redfish action does not have enough approvals")
	}
	if action.State == model.RedfishActionRunning || action.State == model.RedfishActionCompleted ||
		action.State == model.RedfishActionCancelled {
		c.mu.Unlock()
		return carbideerrors.New(carbideerrors.FailedPrecondition, "redfish action already applied or cancelled")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel[id] = cancel
	action.State = model.RedfishActionRunning
	c.actions[id] = action
	c.mu.Unlock()

	go c.run(runCtx, id)
	return nil
}

func (c *Catalog) run(ctx context.Context, id string) {
	c.mu.Lock()
	action := c.actions[id]
	targets := append([]model.MachineId(nil), action.Targets...)
	c.mu.Unlock()

	var results []model.RedfishActionResult
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		status, body, err := c.exec.Apply(ctx, target)
		if err != nil {
			c.log.Error(err, "redfish action failed against target", "actionID", id, "target", target.String())
			status = "error"
			body = err.Error()
		}
		results = append(results, model.RedfishActionResult{Target: target.String(), Status: status, Body: body})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	action = c.actions[id]
	action.Results = results
	if ctx.Err() != nil {
		action.State = model.RedfishActionCancelled
	} else {
		action.State = model.RedfishActionCompleted
	}
	c.actions[id] = action
	delete(c.cancel, id)
}

// CancelAction stops a pending, approved, or running action.
func (c *Catalog) CancelAction(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	action, ok := c.actions[id]
	if !ok {
		return carbideerrors.New(carbideerrors.NotFound, "redfish action not found")
	}
	if action.State == model.RedfishActionCompleted || action.State == model.RedfishActionCancelled {
		return carbideerrors.New(carbideerrors.FailedPrecondition, "redfish action already finished")
	}
	if cancel, ok := c.cancel[id]; ok {
		cancel()
		delete(c.cancel, id)
	}
	action.State = model.RedfishActionCancelled
	c.actions[id] = action
	return nil
}

// Get returns the action with id, if any.
func (c *Catalog) Get(id string) (model.RedfishAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[id]
	return a, ok
}
