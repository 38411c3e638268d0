// Package snapshot implements the transactional Snapshot Loader of spec.md
// C2 / §4.2: a consistent, single-transaction read of a ManagedHost, its
// DPUs, health, power, and instance config.
package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/configversion"
	"github.com/carbide-infra/carbide/internal/model"
	"github.com/carbide-infra/carbide/internal/store"
)

// Options controls how Load reads the Host row.
type Options struct {
	// ForUpdate selects SELECT ... FOR UPDATE on the host row, serializing
	// concurrent controller iterations on the same host. Snapshot Loader
	// callers outside the controller runtime (e.g. read-only RPCs) should
	// set this false.
	ForUpdate bool
}

// noRowsMessage is the text of pgx.ErrNoRows; isNoRows compares error text
// exactly rather than importing pgx just for the sentinel, so
// database/sql.ErrNoRows ("sql: no rows in result set") does not match.
const noRowsMessage = "no rows in result set"

func isNoRows(err error) bool {
	return err != nil && err.Error() == noRowsMessage
}

// Load reads a ManagedHost, its DPUs, power options, and attached instance
// within tx, returning (nil, nil) if the host has been deleted (never an
// error — deletion is an expected race, not a fault).
func Load(ctx context.Context, tx store.Tx, hostID model.MachineId, opts Options) (*model.Snapshot, error) {
	hostQuery := `SELECT state, dpu_ids, health, maintenance_reference, maintenance_started_at,
	                     desired_config_version, last_applied_config_version, instance
	              FROM managed_hosts WHERE id = $1`
	if opts.ForUpdate {
		hostQuery += " FOR UPDATE"
	}

	var (
		state                            string
		dpuIDs                           []string
		healthRaw                        []byte
		maintenanceRef                   *string
		maintenanceStartedAt             *time.Time
		desiredVersionRaw, lastAppliedRaw string
		instanceRaw                      []byte
	)
	row := tx.QueryRow(ctx, hostQuery, hostID.String())
	if err := row.Scan(&state, &dpuIDs, &healthRaw, &maintenanceRef, &maintenanceStartedAt,
		&desiredVersionRaw, &lastAppliedRaw, &instanceRaw); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "load managed host row", err)
	}

	host := model.ManagedHost{ID: hostID, State: model.MachineState(state)}
	for _, raw := range dpuIDs {
		dpuID, err := model.ParseMachineId(model.MachineKindDpu, raw)
		if err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "parse dpu id", err)
		}
		host.DpuIDs = append(host.DpuIDs, dpuID)
	}
	if len(healthRaw) > 0 {
		if err := json.Unmarshal(healthRaw, &host.Health); err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "decode health report", err)
		}
	}
	if maintenanceRef != nil {
		host.Maintenance = &model.MaintenanceRef{Reference: *maintenanceRef}
		if maintenanceStartedAt != nil {
			host.Maintenance.StartedAt = *maintenanceStartedAt
		}
	}
	if desiredVersionRaw != "" {
		v, err := configversion.Parse(desiredVersionRaw)
		if err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "parse desired config version", err)
		}
		host.DesiredConfigVersion = v
	}
	if lastAppliedRaw != "" {
		v, err := configversion.Parse(lastAppliedRaw)
		if err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "parse last applied config version", err)
		}
		host.LastAppliedConfigVersion = v
	}
	if len(instanceRaw) > 0 {
		var inst model.Instance
		if err := json.Unmarshal(instanceRaw, &inst); err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "decode instance", err)
		}
		host.Instance = &inst
	}

	power, err := loadPowerOptions(ctx, tx, hostID)
	if err != nil {
		return nil, err
	}
	host.Power = power

	dpus, err := loadDpus(ctx, tx, host.DpuIDs)
	if err != nil {
		return nil, err
	}

	return &model.Snapshot{Host: host, Dpus: dpus}, nil
}

func loadPowerOptions(ctx context.Context, tx store.Tx, hostID model.MachineId) (model.PowerOptions, error) {
	row := tx.QueryRow(ctx, `SELECT desired_power_state, desired_power_state_version,
	                                last_fetched_power_state, last_fetched_off_counter,
	                                tried_triggering_on_counter
	                         FROM host_power_options WHERE host_machine_id = $1`, hostID.String())

	var (
		desired, versionRaw string
		fetched              *string
		offCounter           int
		triedCounter         int
	)
	if err := row.Scan(&desired, &versionRaw, &fetched, &offCounter, &triedCounter); err != nil {
		if isNoRows(err) {
			return model.PowerOptions{}, nil
		}
		return model.PowerOptions{}, carbideerrors.Wrap(carbideerrors.Unavailable, "load power options", err)
	}

	opts := model.PowerOptions{
		LastFetchedOffCounter:    offCounter,
		TriedTriggeringOnCounter: triedCounter,
	}
	if versionRaw != "" {
		v, err := configversion.Parse(versionRaw)
		if err != nil {
			return model.PowerOptions{}, carbideerrors.Wrap(carbideerrors.Internal, "parse power version", err)
		}
		opts.DesiredPowerStateVersion = v
	}
	return opts, nil
}

// loadDpus reads each attached DPU's own state row within tx, the same
// transaction the host row came from, so the two can never observe
// different commits. A DPU with no dpu_state row yet (attached but never
// observed) keeps its zero-value InitState, i.e. DpuInitInit.
func loadDpus(ctx context.Context, tx store.Tx, dpuIDs []model.MachineId) ([]model.DpuSnapshot, error) {
	dpus := make([]model.DpuSnapshot, 0, len(dpuIDs))
	for _, id := range dpuIDs {
		dpu := model.DpuSnapshot{ID: id}

		var (
			state           string
			initState       int
			firmwareVersion string
			observationsRaw []byte
		)
		row := tx.QueryRow(ctx, `SELECT state, init_state, firmware_version, observations
		                         FROM dpu_state WHERE dpu_id = $1`, id.String())
		err := row.Scan(&state, &initState, &firmwareVersion, &observationsRaw)
		switch {
		case err == nil:
			dpu.State = model.MachineState(state)
			dpu.InitState = model.DpuInitState(initState)
			dpu.FirmwareVersion = firmwareVersion
			if len(observationsRaw) > 0 {
				if err := json.Unmarshal(observationsRaw, &dpu.Observations); err != nil {
					return nil, carbideerrors.Wrap(carbideerrors.Internal, "decode dpu observations", err)
				}
			}
		case isNoRows(err):
			// Attached but never observed: stays at the zero value.
		default:
			return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "load dpu state row", err)
		}

		dpus = append(dpus, dpu)
	}
	return dpus, nil
}
