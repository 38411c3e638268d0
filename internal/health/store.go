// Package health implements the health-override merge/replace store of
// spec.md C9 / §4.9.
package health

import (
	"sync"
	"time"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/model"
)

// Store holds per-machine health overrides in memory only, providing the
// merge/replace semantics. It does not read or write the
// health_report_overrides table, and nothing in internal/store does either.
type Store struct {
	mu        sync.Mutex
	overrides map[model.MachineId]*model.HealthReportOverrides
	now       func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		overrides: make(map[model.MachineId]*model.HealthReportOverrides),
		now:       time.Now,
	}
}

// Insert adds or replaces the override for report.Source on machineID,
// per spec.md §4.9: Replace is rejected for DPU machines, and any existing
// override for the same source is removed before the new one is inserted.
func (s *Store) Insert(machineID model.MachineId, mode model.OverrideMode, report model.HealthReport) error {
	if mode == model.OverrideReplace && machineID.Kind() == model.MachineKindDpu {
		return carbideerrors.New(carbideerrors.FailedPrecondition, "Replace override is not valid for DPU machines")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if report.ObservedAt.IsZero() {
		report.ObservedAt = s.now()
	}
	for i := range report.Alerts {
		if report.Alerts[i].InAlertSince.IsZero() {
			report.Alerts[i].InAlertSince = report.ObservedAt
		}
	}

	entry := s.entryFor(machineID)
	switch mode {
	case model.OverrideReplace:
		entry.Replace = &report
		if entry.Merge != nil {
			delete(entry.Merge, report.Source)
		}
	case model.OverrideMerge:
		if entry.Merge == nil {
			entry.Merge = make(map[model.HealthReportSource]model.HealthReport)
		}
		entry.Merge[report.Source] = report
		if entry.Replace != nil && entry.Replace.Source == report.Source {
			entry.Replace = nil
		}
	}
	return nil
}

// Remove deletes the single override (Merge or Replace) attributed to
// source on machineID. Returns NotFound if none exists.
func (s *Store) Remove(machineID model.MachineId, source model.HealthReportSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.overrides[machineID]
	if !ok {
		return carbideerrors.New(carbideerrors.NotFound, "no health overrides for machine")
	}
	if entry.Replace != nil && entry.Replace.Source == source {
		entry.Replace = nil
		return nil
	}
	if entry.Merge != nil {
		if _, ok := entry.Merge[source]; ok {
			delete(entry.Merge, source)
			return nil
		}
	}
	return carbideerrors.New(carbideerrors.NotFound, "no override for that source")
}

// List returns the current overrides for machineID. The returned value is
// a snapshot copy safe to read without holding the Store's lock.
func (s *Store) List(machineID model.MachineId) (replace *model.HealthReport, merge map[model.HealthReportSource]model.HealthReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.overrides[machineID]
	if !ok {
		return nil, nil
	}
	mergeCopy := make(map[model.HealthReportSource]model.HealthReport, len(entry.Merge))
	for k, v := range entry.Merge {
		mergeCopy[k] = v
	}
	var replaceCopy *model.HealthReport
	if entry.Replace != nil {
		r := *entry.Replace
		replaceCopy = &r
	}
	return replaceCopy, mergeCopy
}

func (s *Store) entryFor(machineID model.MachineId) *model.HealthReportOverrides {
	entry, ok := s.overrides[machineID]
	if !ok {
		entry = &model.HealthReportOverrides{}
		s.overrides[machineID] = entry
	}
	return entry
}

// EffectiveHealth computes the effective health report for the prelude
// (spec.md §4.7.1 step 3): the Replace override if present, else the base
// report merged with every Merge override and with the log-parser-health
// report, carrying forward InAlertSince per (id, target).
func EffectiveHealth(base model.HealthReport, logParser model.HealthReport, replace *model.HealthReport, merges map[model.HealthReportSource]model.HealthReport, prev model.HealthReport) model.HealthReport {
	if replace != nil {
		return model.UpdateInAlertSince(*replace, prev)
	}
	effective := model.Merge(base, logParser)
	for _, override := range merges {
		effective = model.Merge(effective, override)
	}
	return model.UpdateInAlertSince(effective, prev)
}
