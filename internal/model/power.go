package model

import (
	"time"

	"github.com/carbide-infra/carbide/internal/configversion"
)

// DesiredPowerState is the operator- or controller-set target power state
// for a host.
type DesiredPowerState int

const (
	DesiredPowerOn DesiredPowerState = iota
	DesiredPowerOff
	DesiredPowerManagerDisabled
)

// FetchedPowerState is the last power state actually observed via Redfish.
type FetchedPowerState int

const (
	FetchedUnknown FetchedPowerState = iota
	FetchedOn
	FetchedOff
	// FetchedPaused and FetchedReset are unusable Redfish states: the
	// prelude must suspend corrective action until the next cycle.
	FetchedPaused
	FetchedReset
)

// Unusable reports whether a fetched power state is one the prelude cannot
// safely act on (Redfish mid-transition states). FetchedUnknown — no
// observation has landed yet — is deliberately NOT unusable: spec.md
// §4.7.1(a) treats "no observation due yet" as a plain continue, not a
// suspension.
func (s FetchedPowerState) Unusable() bool {
	return s == FetchedPaused || s == FetchedReset
}

// maxTriggerOnAttempts caps how many power-on attempts the prelude will
// issue before requiring operator intervention (spec.md §3: "capped
// tried_triggering_on_counter < 3").
const maxTriggerOnAttempts = 3

// offCyclesBeforePowerOn is how many consecutive Off observations are
// required, with desired=On, before a power-on is attempted.
const offCyclesBeforePowerOn = 2

// PowerOptions is the persisted desired/actual power state for a host plus
// retry bookkeeping. Every mutation writes a new DesiredPowerStateVersion;
// versions never regress.
type PowerOptions struct {
	DesiredPowerState                    DesiredPowerState
	DesiredPowerStateVersion             configversion.Version
	LastFetchedPowerState                FetchedPowerState
	LastFetchedUpdatedAt                 time.Time
	LastFetchedNextTryAt                 time.Time
	LastFetchedOffCounter                int
	WaitUntilTimeBeforePerformingNextPowerAction time.Time
	TriedTriggeringOnAt                  time.Time
	TriedTriggeringOnCounter             int
	// LastPowerActionSource is diagnostics-only (never read by
	// control-flow): notes whether the last issued power action was
	// operator- or controller-initiated.
	LastPowerActionSource string
}

// Observe folds a freshly-fetched power state into opts, applying the
// invariants from spec.md §3: counters reset on Fetched==On, the off
// counter increments on Fetched==Off, and nothing changes for unusable
// states.
func (opts PowerOptions) Observe(fetched FetchedPowerState, observedAt time.Time) PowerOptions {
	next := opts
	next.LastFetchedUpdatedAt = observedAt
	if fetched.Unusable() {
		return next
	}
	next.LastFetchedPowerState = fetched
	switch fetched {
	case FetchedOn:
		next.LastFetchedOffCounter = 0
		next.TriedTriggeringOnCounter = 0
	case FetchedOff:
		next.LastFetchedOffCounter++
	}
	return next
}

// PowerDecision is the prelude's verdict for the current iteration.
type PowerDecision int

const (
	// PowerDecisionContinue means dispatch the state machine normally; no
	// power action is needed this cycle.
	PowerDecisionContinue PowerDecision = iota
	// PowerDecisionIssuePowerOn means the prelude should issue a Redfish
	// PowerOn action and record the attempt.
	PowerDecisionIssuePowerOn
	// PowerDecisionSkipDispatch means desired=Off, actual=On: skip the
	// state machine this cycle without issuing any corrective action.
	PowerDecisionSkipDispatch
	// PowerDecisionSuspended means the fetched state is unusable
	// (Paused/Reset); wait for the next cycle.
	PowerDecisionSuspended
)

// Decide implements the per-iteration power policy of spec.md §4.7.1 step
// 1 and §3's invariants.
func Decide(opts PowerOptions) PowerDecision {
	if opts.LastFetchedPowerState.Unusable() {
		return PowerDecisionSuspended
	}
	switch opts.DesiredPowerState {
	case DesiredPowerManagerDisabled:
		return PowerDecisionContinue
	case DesiredPowerOff:
		if opts.LastFetchedPowerState == FetchedOn {
			return PowerDecisionSkipDispatch
		}
		return PowerDecisionContinue
	case DesiredPowerOn:
		if opts.LastFetchedPowerState == FetchedOff &&
			opts.LastFetchedOffCounter >= offCyclesBeforePowerOn &&
			opts.TriedTriggeringOnCounter < maxTriggerOnAttempts {
			return PowerDecisionIssuePowerOn
		}
		return PowerDecisionContinue
	default:
		return PowerDecisionContinue
	}
}

// RecordTriggerOnAttempt stamps opts with a new power-on attempt, bumping
// the version so optimistic writers detect races.
func RecordTriggerOnAttempt(opts PowerOptions, at time.Time, clock *configversion.Clock) PowerOptions {
	next := opts
	next.TriedTriggeringOnAt = at
	next.TriedTriggeringOnCounter++
	next.DesiredPowerStateVersion = clock.NextAfter(opts.DesiredPowerStateVersion)
	return next
}
