// Package dpuupdate implements the bounded-concurrency DPU firmware update
// manager of spec.md C8 / §4.8.
package dpuupdate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blang/semver"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/loglimiter"
	"github.com/carbide-infra/carbide/internal/model"
	"github.com/carbide-infra/carbide/internal/statechange"
	"github.com/carbide-infra/carbide/internal/store"
)

// foreignKeyViolation is Postgres SQLSTATE 23503, raised when a host row
// referenced by an insert has been concurrently deleted.
const foreignKeyViolation = "23503"

// Config holds the C8 configuration knobs.
type Config struct {
	AcceptedVersions           []string
	MaxConcurrentHostsUpdating int
	Enabled                    bool
}

// Candidate names one host's out-of-date DPU, chosen for an update attempt.
type Candidate struct {
	HostID         model.MachineId
	DpuID          model.MachineId
	CurrentVersion string
}

// Manager implements C8's operations.
type Manager struct {
	cfg      Config
	accepted []semver.Version
	log      logr.Logger
	limiter  *loglimiter.Limiter

	pendingFirmwareUpdates prometheus.Gauge
	unavailableDpuUpdates  prometheus.Gauge
	runningDpuUpdates      prometheus.Gauge
}

// New constructs a Manager. Malformed entries in cfg.AcceptedVersions are
// rejected immediately: a manager that silently ignored them would treat
// every DPU reporting that version as perpetually out of date.
func New(cfg Config, log logr.Logger, limiter *loglimiter.Limiter) (*Manager, error) {
	accepted := make([]semver.Version, 0, len(cfg.AcceptedVersions))
	for _, raw := range cfg.AcceptedVersions {
		v, err := semver.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("dpuupdate: accepted version %q: %w", raw, err)
		}
		accepted = append(accepted, v)
	}

	return &Manager{
		cfg:      cfg,
		accepted: accepted,
		log:      log,
		limiter:  limiter,
		pendingFirmwareUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pending_firmware_updates",
			Help: "DPUs whose observed firmware version is not in the accepted set.",
		}),
		unavailableDpuUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unavailable_dpu_updates",
			Help: "DPUs needing an update whose host cannot currently be disrupted.",
		}),
		runningDpuUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "running_dpu_updates",
			Help: "Hosts with an in-flight DPU firmware update.",
		}),
	}, nil
}

// Collectors returns the Manager's metrics for registration with a
// prometheus.Registerer.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.pendingFirmwareUpdates, m.unavailableDpuUpdates, m.runningDpuUpdates}
}

func (m *Manager) isAccepted(version string) bool {
	v, err := semver.Parse(version)
	if err != nil {
		return false
	}
	for _, a := range m.accepted {
		if a.EQ(v) {
			return true
		}
	}
	return false
}

// GetUpdatesInProgress reads the DpuMachineUpdate table for hosts with an
// in-flight update.
func (m *Manager) GetUpdatesInProgress(ctx context.Context, tx store.Tx) (map[model.MachineId]struct{}, error) {
	rows, err := tx.Query(ctx, `SELECT DISTINCT host_machine_id FROM dpu_machine_updates`)
	if err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "query in-progress dpu updates", err)
	}
	defer rows.Close()

	inProgress := make(map[model.MachineId]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "scan host machine id", err)
		}
		id, err := model.ParseMachineId(model.MachineKindHost, raw)
		if err != nil {
			return nil, carbideerrors.Wrap(carbideerrors.Internal, "parse host machine id", err)
		}
		inProgress[id] = struct{}{}
	}
	return inProgress, rows.Err()
}

// candidates selects (host, dpu) pairs eligible for an update: the DPU's
// firmware is not accepted, the host is not already in progress, is not in
// maintenance, is not flagged PreventAllocations, and is observed powered
// on (spec.md §4.8 step 1-2).
func (m *Manager) candidates(snapshots []model.Snapshot, inProgress map[model.MachineId]struct{}) []Candidate {
	var out []Candidate
	for _, snap := range snapshots {
		host := snap.Host
		if _, busy := inProgress[host.ID]; busy {
			continue
		}
		if host.InMaintenance() {
			continue
		}
		if host.Health.HasPreventAllocations() {
			continue
		}
		if host.Power.LastFetchedPowerState != model.FetchedOn {
			continue
		}
		for _, dpu := range snap.Dpus {
			if !m.isAccepted(dpu.FirmwareVersion) {
				out = append(out, Candidate{HostID: host.ID, DpuID: dpu.ID, CurrentVersion: dpu.FirmwareVersion})
				break
			}
		}
	}
	return out
}

// StartUpdates implements spec.md §4.8's start_updates: it chooses up to
// availableSlots hosts (not DPUs) needing an update and, bounded by
// MaxConcurrentHostsUpdating, writes a DpuMachineUpdate row and triggers a
// reprovision transition for each, each in its own transaction so one
// host's failure cannot roll back another's.
func (m *Manager) StartUpdates(ctx context.Context, pool *store.Pool, emitter *statechange.Emitter, availableSlots int, inProgress map[model.MachineId]struct{}, snapshots []model.Snapshot) ([]model.MachineId, error) {
	if !m.cfg.Enabled || availableSlots <= 0 {
		return nil, nil
	}

	chosen := m.candidates(snapshots, inProgress)
	if len(chosen) > availableSlots {
		chosen = chosen[:availableSlots]
	}
	if len(chosen) == 0 {
		return nil, nil
	}

	sem := semaphore.NewWeighted(int64(maxInt(m.cfg.MaxConcurrentHostsUpdating, 1)))
	var (
		mu      sync.Mutex
		started []model.MachineId
		wg      sync.WaitGroup
	)
	for _, c := range chosen {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c Candidate) {
			defer wg.Done()
			defer sem.Release(1)

			var transition *statechange.Transition
			err := pool.WithTx(ctx, func(tx pgx.Tx) error {
				_, err := tx.Exec(ctx,
					`INSERT INTO dpu_machine_updates (host_machine_id, dpu_machine_id, firmware_version) VALUES ($1, $2, $3)`,
					c.HostID.String(), c.DpuID.String(), c.CurrentVersion)
				if err != nil {
					return err
				}
				_, err = tx.Exec(ctx, `UPDATE managed_hosts SET state = $1 WHERE id = $2`,
					string(model.StateOsInstalling), c.HostID.String())
				return err
			})
			if err != nil {
				if isNotFoundRace(err) {
					m.log.Info("host removed concurrently, skipping update", "hostID", c.HostID.String())
					return
				}
				m.log.Error(err, "failed to start dpu update", "hostID", c.HostID.String())
				return
			}

			transition = &statechange.Transition{ObjectID: c.HostID, NextState: model.StateOsInstalling}
			mu.Lock()
			started = append(started, c.HostID)
			mu.Unlock()
			if emitter != nil {
				emitter.Emit(*transition)
			}
		}(c)
	}
	wg.Wait()
	return started, nil
}

// ClearCompletedUpdates implements spec.md §4.8's clear_completed_updates:
// any DpuMachineUpdate whose DPU now reports an accepted firmware version
// is deleted; mismatches are logged once via the shared rate limiter.
func (m *Manager) ClearCompletedUpdates(ctx context.Context, tx store.Tx, snapshots []model.Snapshot) error {
	observed := make(map[model.MachineId]string)
	for _, snap := range snapshots {
		for _, dpu := range snap.Dpus {
			observed[dpu.ID] = dpu.FirmwareVersion
		}
	}

	rows, err := tx.Query(ctx, `SELECT host_machine_id, dpu_machine_id FROM dpu_machine_updates`)
	if err != nil {
		return carbideerrors.Wrap(carbideerrors.Unavailable, "query dpu updates", err)
	}
	type key struct{ host, dpu string }
	var toDelete []key
	for rows.Next() {
		var hostRaw, dpuRaw string
		if err := rows.Scan(&hostRaw, &dpuRaw); err != nil {
			rows.Close()
			return carbideerrors.Wrap(carbideerrors.Internal, "scan dpu update row", err)
		}
		dpuID, err := model.ParseMachineId(model.MachineKindDpu, dpuRaw)
		if err != nil {
			rows.Close()
			return carbideerrors.Wrap(carbideerrors.Internal, "parse dpu machine id", err)
		}
		version, ok := observed[dpuID]
		if ok && m.isAccepted(version) {
			toDelete = append(toDelete, key{host: hostRaw, dpu: dpuRaw})
		} else if m.limiter.ShouldLog("dpu-update-mismatch:"+dpuRaw, version) {
			m.log.Info("dpu update still pending, firmware not yet accepted", "dpuID", dpuRaw, "observed", version)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return carbideerrors.Wrap(carbideerrors.Unavailable, "iterate dpu updates", err)
	}

	for _, k := range toDelete {
		if _, err := tx.Exec(ctx, `DELETE FROM dpu_machine_updates WHERE host_machine_id = $1 AND dpu_machine_id = $2`,
			k.host, k.dpu); err != nil {
			return carbideerrors.Wrap(carbideerrors.Unavailable, "delete completed dpu update", err)
		}
	}
	return nil
}

// UpdateMetrics refreshes the exported gauges from the current snapshot
// set, per spec.md §4.8's update_metrics.
func (m *Manager) UpdateMetrics(snapshots []model.Snapshot, inProgress map[model.MachineId]struct{}) {
	var pending, unavailable float64
	for _, snap := range snapshots {
		host := snap.Host
		for _, dpu := range snap.Dpus {
			if m.isAccepted(dpu.FirmwareVersion) {
				continue
			}
			pending++
			if host.InMaintenance() || host.Power.LastFetchedPowerState != model.FetchedOn || host.Health.HasPreventAllocations() {
				unavailable++
			}
		}
	}
	m.pendingFirmwareUpdates.Set(pending)
	m.unavailableDpuUpdates.Set(unavailable)
	m.runningDpuUpdates.Set(float64(len(inProgress)))
}

func isNotFoundRace(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == foreignKeyViolation
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
