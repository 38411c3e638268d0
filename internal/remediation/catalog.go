package remediation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/model"
)

// Catalog is the server-side remediation store: CRUD, approval, and
// applied-remediation bookkeeping, with every mutation audited against an
// external user identity (spec.md §6/§8: "mutations to remediations always
// carry an external user name derived from the client certificate").
//
// Like internal/health.Store, this keeps state in memory only. It does not
// read or write the `remediations` / `applied_remediations` tables, and
// nothing in internal/store does either.
type Catalog struct {
	mu           sync.Mutex
	remediations map[string]model.Remediation
	applied      []model.AppliedRemediation
	now          func() time.Time
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		remediations: make(map[string]model.Remediation),
		now:          time.Now,
	}
}

func requireActor(actor string) error {
	if actor == "" {
		return carbideerrors.New(carbideerrors.MissingClientCertificateInformation,
			"remediation mutation requires an external user identity")
	}
	return nil
}

// Create validates and stores a new Remediation authored by actor.
func (c *Catalog) Create(actor string, r model.Remediation) (string, error) {
	if err := requireActor(actor); err != nil {
		return "", err
	}
	if err := r.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r.Author = actor
	r.Reviewer = ""
	r.Enabled = false
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	c.remediations[r.ID] = r
	return r.ID, nil
}

// Approve records actor as the reviewer of id. A remediation may not be
// approved by its own author.
func (c *Catalog) Approve(actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.remediations[id]
	if !ok {
		return carbideerrors.New(carbideerrors.NotFound, "remediation not found")
	}
	if r.Author == actor {
		return carbideerrors.New(carbideerrors.FailedPrecondition, "a remediation's author may not approve it")
	}
	r.Reviewer = actor
	c.remediations[id] = r
	return nil
}

// SetEnabled flips the enablement flag on id, audited against actor.
// Enabling an unreviewed remediation is rejected.
func (c *Catalog) SetEnabled(actor, id string, enabled bool) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.remediations[id]
	if !ok {
		return carbideerrors.New(carbideerrors.NotFound, "remediation not found")
	}
	if enabled && r.Reviewer == "" {
		return carbideerrors.New(carbideerrors.FailedPrecondition, "remediation must be reviewed before it can be enabled")
	}
	r.Enabled = enabled
	c.remediations[id] = r
	return nil
}

// Get returns the remediation with id, if any.
func (c *Catalog) Get(id string) (model.Remediation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remediations[id]
	return r, ok
}

// GetNextRemediationForMachine implements the Client method the executor
// polls: the first enabled, reviewed remediation whose retry budget has
// not been exhausted against dpuID. Satisfies the remediation.Client
// interface so a server process can hand this Catalog directly to an
// in-process Executor (e.g. single-binary test/dev deployments).
func (c *Catalog) GetNextRemediationForMachine(_ context.Context, dpuID model.MachineId) (string, string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.remediations {
		if !r.Enabled || r.Reviewer == "" {
			continue
		}
		if c.attemptsFor(r.ID, dpuID) > r.Retries {
			continue
		}
		return r.ID, r.Script, true, nil
	}
	return "", "", false, nil
}

func (c *Catalog) attemptsFor(remediationID string, dpuID model.MachineId) int {
	count := 0
	for _, a := range c.applied {
		if a.RemediationID == remediationID && a.DpuMachineID == dpuID {
			count++
		}
	}
	return count
}

// RemediationApplied implements the Client method the executor calls to
// report an outcome.
func (c *Catalog) RemediationApplied(_ context.Context, remediationID string, dpuID model.MachineId, succeeded bool, metadata map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := c.attemptsFor(remediationID, dpuID) + 1
	c.applied = append(c.applied, model.AppliedRemediation{
		RemediationID: remediationID,
		DpuMachineID:  dpuID,
		Attempt:       attempt,
		Succeeded:     succeeded,
		Status:        metadata,
		AppliedAt:     c.now(),
	})
	return nil
}

// ListApplied returns every applied-remediation record for dpuID, oldest
// attempt first.
func (c *Catalog) ListApplied(dpuID model.MachineId) []model.AppliedRemediation {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.AppliedRemediation
	for _, a := range c.applied {
		if a.DpuMachineID == dpuID {
			out = append(out, a)
		}
	}
	return out
}
