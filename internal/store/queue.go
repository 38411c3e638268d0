package store

import (
	"context"
	"time"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/model"
)

// PopDueObjectIDs returns up to limit Host machine ids whose next_attempt_at
// is at or before now, ordered oldest-first. Every managed_hosts row is a
// candidate; no state (e.g. Decommissioned) is excluded. The state-controller runtime
// (internal/controller) calls this once per tick to discover work; it does
// not itself lock rows — the per-object work-lock and the Snapshot
// Loader's SELECT ... FOR UPDATE do that.
func (p *Pool) PopDueObjectIDs(ctx context.Context, tx Tx, now time.Time, limit int) ([]model.MachineId, error) {
	rows, err := tx.Query(ctx,
		`SELECT id FROM managed_hosts WHERE next_attempt_at <= $1 ORDER BY next_attempt_at ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "query due managed hosts", err)
	}
	defer rows.Close()

	var ids []model.MachineId
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "scan managed host id", err)
		}
		id, err := model.ParseMachineId(model.MachineKindHost, raw)
		if err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "parse managed host id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "iterate due managed hosts", err)
	}
	return ids, nil
}

// WriteNextAttempt persists the next_attempt_at for id, used after a
// successful iteration (spec.md §4.6 step 2: "Write updated persisted
// state"). A failed iteration never calls this, so next_attempt_at remains
// whatever the previous successful iteration wrote — transparent retry
// after back-off.
func (p *Pool) WriteNextAttempt(ctx context.Context, tx Tx, id model.MachineId, nextAttemptAt time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE managed_hosts SET next_attempt_at = $1 WHERE id = $2`, nextAttemptAt, id.String())
	if err != nil {
		return carbideerrors.Wrap(carbideerrors.Unavailable, "write next attempt", err)
	}
	return nil
}
