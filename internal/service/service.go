// Package service implements the external RPC surface of spec.md §6: the
// typed admin/state endpoints, the DHCP discovery interface, and the DNS
// resolver interface, wired on top of the transactional store and the
// supporting components (health overrides, remediation catalog, Redfish
// actions, network allocator).
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/dns"
	"github.com/carbide-infra/carbide/internal/firmware"
	"github.com/carbide-infra/carbide/internal/health"
	"github.com/carbide-infra/carbide/internal/model"
	"github.com/carbide-infra/carbide/internal/network"
	"github.com/carbide-infra/carbide/internal/redfish"
	"github.com/carbide-infra/carbide/internal/remediation"
	"github.com/carbide-infra/carbide/internal/snapshot"
	"github.com/carbide-infra/carbide/internal/store"
)

// DefaultMaxFindByIDs is the suggested bound for FindMachinesByIds,
// matching spec.md §6's "bounded by max_find_by_ids".
const DefaultMaxFindByIDs = 500

// Service implements every endpoint of spec.md §6 on top of the shared
// store, health override store, remediation catalog, Redfish action
// catalog, and network allocator/resolver.
type Service struct {
	Pool         *store.Pool
	Health       *health.Store
	Remediations *remediation.Catalog
	Redfish      *redfish.Catalog
	Allocator    *network.Allocator
	Resolver     *dns.Resolver
	Firmware     *firmware.Downloader

	MaxFindByIDs int
}

// FirmwareAvailable reports whether path is ready for a booting host to
// fetch (spec.md C4 / §4.4), kicking off a background download from
// sourceURL if it is not. A DPU-agent-facing endpoint, not part of the
// controller's own reconcile loop: provisioning firmware/OS artifacts is
// driven by the booting host, not by the state machine (spec.md §1
// explicitly excludes PXE/boot-firmware mechanics from C7's scope).
func (s *Service) FirmwareAvailable(ctx context.Context, path, sourceURL, expectedChecksum string) bool {
	return s.Firmware.Available(ctx, path, sourceURL, expectedChecksum)
}

func (s *Service) maxFindByIDs() int {
	if s.MaxFindByIDs <= 0 {
		return DefaultMaxFindByIDs
	}
	return s.MaxFindByIDs
}

// AllocateInstanceRequest is one request within AllocateInstance/Instances.
type AllocateInstanceRequest struct {
	MachineID      model.MachineId
	Config         map[string]string
	Metadata       model.Metadata
	AllowUnhealthy bool
}

// AllocateInstance implements spec.md §6's AllocateInstance: host must be
// Ready, carry no existing instance, and have no PreventAllocations alert
// unless allowUnhealthy is set.
func (s *Service) AllocateInstance(ctx context.Context, req AllocateInstanceRequest) (*model.Instance, error) {
	var instance *model.Instance
	err := s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		instance, err = s.allocateInstanceInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// AllocateInstances implements spec.md §6's AllocateInstances: every
// request in batch is attempted within ONE transaction, so any single
// failure rolls back every allocation in the batch (spec.md §8 scenario 3).
func (s *Service) AllocateInstances(ctx context.Context, batch []AllocateInstanceRequest) ([]model.Instance, error) {
	instances := make([]model.Instance, 0, len(batch))
	err := s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, req := range batch {
			instance, err := s.allocateInstanceInTx(ctx, tx, req)
			if err != nil {
				return err
			}
			instances = append(instances, *instance)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *Service) allocateInstanceInTx(ctx context.Context, tx pgx.Tx, req AllocateInstanceRequest) (*model.Instance, error) {
	snap, err := snapshot.Load(ctx, tx, req.MachineID, snapshot.Options{ForUpdate: true})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, carbideerrors.New(carbideerrors.NotFound, "machine not found")
	}
	if _, err := s.checkAllocatable(snap, req); err != nil {
		return nil, err
	}

	instance := model.Instance{
		ID:             uuid.New().String(),
		Config:         req.Config,
		Metadata:       req.Metadata,
		AllowUnhealthy: req.AllowUnhealthy,
		AllocatedAt:    time.Now(),
	}
	raw, err := json.Marshal(instance)
	if err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Internal, "encode instance", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE managed_hosts SET instance = $1, state = $2 WHERE id = $3`,
		raw, string(model.StateInstanceAllocated), req.MachineID.String()); err != nil {
		return nil, carbideerrors.Wrap(carbideerrors.Unavailable, "persist instance allocation", err)
	}
	return &instance, nil
}

// checkAllocatable evaluates AllocateInstance's preconditions (spec.md §6)
// against snap without touching the database, so it can be exercised
// directly in tests.
func (s *Service) checkAllocatable(snap *model.Snapshot, req AllocateInstanceRequest) (*model.ManagedHost, error) {
	host := snap.Host
	if host.State != model.StateReady {
		return nil, carbideerrors.New(carbideerrors.FailedPrecondition, "host is not in Ready state")
	}
	if host.Instance != nil {
		return nil, carbideerrors.New(carbideerrors.FailedPrecondition, "host already has an instance allocated")
	}
	if host.Health.HasPreventAllocations() && !req.AllowUnhealthy {
		return nil, carbideerrors.New(carbideerrors.FailedPrecondition, "host health prevents allocation")
	}
	if err := req.Metadata.Validate(true); err != nil {
		return nil, err
	}
	return &host, nil
}

// SetMaintenance implements spec.md §6's SetMaintenance: enabling requires
// a non-empty reference and folds in the Maintenance health alert (spec.md
// §4.7.1 step 2), keyed as a SourceOverride atom so it rides alongside
// hardware/log-parser alerts without displacing them; disabling folds in an
// empty SourceOverride report, which clears it via the same Merge rule.
func (s *Service) SetMaintenance(ctx context.Context, hostID model.MachineId, enable bool, reference string) error {
	if enable && reference == "" {
		return carbideerrors.New(carbideerrors.InvalidArgument, "enabling maintenance requires a reference")
	}
	return s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		snap, err := snapshot.Load(ctx, tx, hostID, snapshot.Options{ForUpdate: true})
		if err != nil {
			return err
		}
		if snap == nil {
			return carbideerrors.New(carbideerrors.NotFound, "machine not found")
		}

		alertReport := model.HealthReport{Source: model.SourceOverride}
		if enable {
			_, err = tx.Exec(ctx, `UPDATE managed_hosts SET maintenance_reference = $1, maintenance_started_at = now() WHERE id = $2`,
				reference, hostID.String())
			alertReport.Alerts = []model.HealthProbeAlert{model.MaintenanceAlert(reference, time.Now())}
		} else {
			_, err = tx.Exec(ctx, `UPDATE managed_hosts SET maintenance_reference = NULL, maintenance_started_at = NULL WHERE id = $1`,
				hostID.String())
		}
		if err != nil {
			return carbideerrors.Wrap(carbideerrors.Unavailable, "persist maintenance reference", err)
		}

		return s.mergeAndStoreHealthTx(ctx, tx, hostID, alertReport)
	})
}

// MachineFilter narrows FindMachineIds. An empty State matches every
// state.
type MachineFilter struct {
	State model.MachineState
}

// FindMachineIds implements spec.md §6's FindMachineIds.
func (s *Service) FindMachineIds(ctx context.Context, filter MachineFilter) ([]model.MachineId, error) {
	var ids []model.MachineId
	err := s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT id FROM managed_hosts`
		args := []any{}
		if filter.State != "" {
			query += ` WHERE state = $1`
			args = append(args, string(filter.State))
		}
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return carbideerrors.Wrap(carbideerrors.Unavailable, "query machine ids", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return carbideerrors.Wrap(carbideerrors.Internal, "scan machine id", err)
			}
			id, err := model.ParseMachineId(model.MachineKindHost, raw)
			if err != nil {
				return carbideerrors.Wrap(carbideerrors.Internal, "parse machine id", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// FindMachinesByIds implements spec.md §6's FindMachinesByIds, bounded by
// MaxFindByIDs. includeHistory is accepted but unused: no history table is
// part of this specification's persisted state layout (§6).
func (s *Service) FindMachinesByIds(ctx context.Context, ids []model.MachineId, includeHistory bool) ([]model.Snapshot, error) {
	_ = includeHistory
	if len(ids) == 0 {
		return nil, carbideerrors.New(carbideerrors.InvalidArgument, "id list must not be empty")
	}
	if len(ids) > s.maxFindByIDs() {
		return nil, carbideerrors.New(carbideerrors.InvalidArgument, fmt.Sprintf("id list exceeds max_find_by_ids (%d)", s.maxFindByIDs()))
	}

	var snapshots []model.Snapshot
	err := s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		for _, id := range ids {
			snap, err := snapshot.Load(ctx, tx, id, snapshot.Options{ForUpdate: false})
			if err != nil {
				return err
			}
			if snap != nil {
				snapshots = append(snapshots, *snap)
			}
		}
		return nil
	})
	return snapshots, err
}

// GetHardwareHealthReport returns machineID's currently stored health
// report, the product of the most recent Merge (spec.md §4.7.1 step 3).
// The store keeps one merged report per host rather than a report per
// source, matching internal/snapshot's single health column.
func (s *Service) GetHardwareHealthReport(ctx context.Context, machineID model.MachineId) (model.HealthReport, error) {
	var report model.HealthReport
	err := s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		if err := tx.QueryRow(ctx, `SELECT health FROM managed_hosts WHERE id = $1`, machineID.String()).Scan(&raw); err != nil {
			return carbideerrors.Wrap(carbideerrors.NotFound, "load health report", err)
		}
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, &report)
	})
	return report, err
}

// RecordHardwareHealthReport merges a freshly observed hardware health
// report into machineID's stored health, per spec.md §4.7.1 step 3's merge
// rule.
func (s *Service) RecordHardwareHealthReport(ctx context.Context, machineID model.MachineId, report model.HealthReport) error {
	report.Source = model.SourceHardware
	return s.mergeAndStoreHealth(ctx, machineID, report)
}

// RecordLogParserHealthReport merges a freshly observed log-parser health
// report into machineID's stored health.
func (s *Service) RecordLogParserHealthReport(ctx context.Context, machineID model.MachineId, report model.HealthReport) error {
	report.Source = model.SourceLogParser
	return s.mergeAndStoreHealth(ctx, machineID, report)
}

func (s *Service) mergeAndStoreHealth(ctx context.Context, machineID model.MachineId, report model.HealthReport) error {
	return s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		return s.mergeAndStoreHealthTx(ctx, tx, machineID, report)
	})
}

// mergeAndStoreHealthTx is mergeAndStoreHealth's body against a
// caller-supplied transaction, so callers that already hold a row lock on
// managed_hosts (e.g. SetMaintenance) can fold a report in without nesting
// transactions.
func (s *Service) mergeAndStoreHealthTx(ctx context.Context, tx pgx.Tx, machineID model.MachineId, report model.HealthReport) error {
	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT health FROM managed_hosts WHERE id = $1 FOR UPDATE`, machineID.String()).Scan(&raw); err != nil {
		return carbideerrors.Wrap(carbideerrors.NotFound, "load current health report", err)
	}
	var current model.HealthReport
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return carbideerrors.Wrap(carbideerrors.Internal, "decode current health report", err)
		}
	}

	merged := model.Merge(current, report)
	merged = model.UpdateInAlertSince(merged, current)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return carbideerrors.Wrap(carbideerrors.Internal, "encode merged health report", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE managed_hosts SET health = $1 WHERE id = $2`, encoded, machineID.String()); err != nil {
		return carbideerrors.Wrap(carbideerrors.Unavailable, "persist merged health report", err)
	}
	return nil
}

// InsertHealthOverride, RemoveHealthOverride, and ListHealthOverrides
// expose internal/health.Store's CRUD as the §6 health-override surface.
func (s *Service) InsertHealthOverride(machineID model.MachineId, mode model.OverrideMode, report model.HealthReport) error {
	return s.Health.Insert(machineID, mode, report)
}

func (s *Service) RemoveHealthOverride(machineID model.MachineId, source model.HealthReportSource) error {
	return s.Health.Remove(machineID, source)
}

func (s *Service) ListHealthOverrides(machineID model.MachineId) (*model.HealthReport, map[model.HealthReportSource]model.HealthReport) {
	return s.Health.List(machineID)
}

// GetPowerOptions is the read-only power-options projection of spec.md §6.
func (s *Service) GetPowerOptions(ctx context.Context, hostID model.MachineId) (model.PowerOptions, error) {
	var opts model.PowerOptions
	err := s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		snap, err := snapshot.Load(ctx, tx, hostID, snapshot.Options{ForUpdate: false})
		if err != nil {
			return err
		}
		if snap == nil {
			return carbideerrors.New(carbideerrors.NotFound, "machine not found")
		}
		opts = snap.Host.Power
		return nil
	})
	return opts, err
}

// DiscoverDhcp implements spec.md §6's DHCP discovery interface: allocates
// (or returns the existing) address for mac on segmentID and persists the
// discovery as a machine_interfaces row.
func (s *Service) DiscoverDhcp(ctx context.Context, segmentID, mac, requestedIP string) (network.Record, error) {
	record, err := s.Allocator.Discover(segmentID, mac, requestedIP)
	if err != nil {
		return network.Record{}, err
	}

	err = s.Pool.WithTx(ctx, func(tx pgx.Tx) error {
		// machine_id is left NULL here: the host this MAC belongs to may not
		// have a managed_hosts row yet at DHCP-discovery time (it can still
		// be Expected/Discovering). Attestation links the two later.
		_, err := tx.Exec(ctx,
			`INSERT INTO machine_interfaces (id, mac_address, address, segment_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO NOTHING`,
			record.MachineInterfaceID, mac, record.Address.String(), segmentID)
		if err != nil {
			return carbideerrors.Wrap(carbideerrors.Unavailable, "persist machine interface", err)
		}
		return nil
	})
	if err != nil {
		return network.Record{}, err
	}
	return record, nil
}

// LookupRecord implements spec.md §6's DNS resolver interface.
func (s *Service) LookupRecord(qname string, qtype dns.QType) (net.IP, bool) {
	return s.Resolver.LookupRecord(qname, qtype)
}

// CreateRemediation, ApproveRemediation, SetRemediationEnabled,
// GetNextRemediationForMachine, RecordRemediationApplied, and
// ListAppliedRemediations expose internal/remediation.Catalog as the §6
// remediation surface. Every mutation requires actor, the external user
// identity carried in the client certificate (spec.md §6/§8).
func (s *Service) CreateRemediation(actor string, r model.Remediation) (string, error) {
	return s.Remediations.Create(actor, r)
}

func (s *Service) ApproveRemediation(actor, id string) error {
	return s.Remediations.Approve(actor, id)
}

func (s *Service) SetRemediationEnabled(actor, id string, enabled bool) error {
	return s.Remediations.SetEnabled(actor, id, enabled)
}

func (s *Service) GetNextRemediationForMachine(ctx context.Context, dpuID model.MachineId) (string, string, bool, error) {
	return s.Remediations.GetNextRemediationForMachine(ctx, dpuID)
}

func (s *Service) RecordRemediationApplied(ctx context.Context, remediationID string, dpuID model.MachineId, succeeded bool, metadata map[string]string) error {
	return s.Remediations.RemediationApplied(ctx, remediationID, dpuID, succeeded, metadata)
}

func (s *Service) ListAppliedRemediations(dpuID model.MachineId) []model.AppliedRemediation {
	return s.Remediations.ListApplied(dpuID)
}

// RequestRedfishAction, ApproveRedfishAction, ApplyRedfishAction, and
// CancelRedfishAction expose internal/redfish.Catalog as the §6 N-of-M
// approval workflow surface.
func (s *Service) RequestRedfishAction(actor string, targets []model.MachineId, requiredApprovals int) (string, error) {
	return s.Redfish.CreateAction(actor, targets, requiredApprovals)
}

func (s *Service) ApproveRedfishAction(actor, id string) error {
	return s.Redfish.ApproveAction(actor, id)
}

func (s *Service) ApplyRedfishAction(ctx context.Context, id string) error {
	return s.Redfish.ApplyAction(ctx, id)
}

func (s *Service) CancelRedfishAction(id string) error {
	return s.Redfish.CancelAction(id)
}
