/*
statemachine.go - Report status transitions as data

PURPOSE:
  Every legal status change is one row of the transitions table: the status
  it leaves, the event that triggers it, the roles that may fire it, the
  status it enters, guards, and the effects the service applies.

  Draft ──submit──► Submitted ──recommend──► Recommended_by_analyst
    ▲                  │                         │ ▲        │
    └─return_to_supplier                  return │ │ return │ recommend
                                                 ▼ │        ▼
  Analyst_adjustment ──recommend──►        Submitted   Recommended_by_manager
                                                          │
                                   assess / assess_reassessment
                                                          ▼
                                               Assessed / Reassessed

DISPATCH:
  1. no row for (status, event)              → InvalidState
  2. no matching row whose roles the caller holds → ForbiddenTransition
  3. supplier role for another organization  → Forbidden
  4. a guard fails                           → its own error

SEE ALSO:
  - service.go: applies effects in the fixed order
    calculate → ledger → persist → history → notify
*/
package compliance

import (
	"context"
	"fmt"
)

type Event string

const (
	EventSubmit             Event = "submit"
	EventRecommend          Event = "recommend"
	EventReturn             Event = "return"
	EventReturnToSupplier   Event = "return_to_supplier"
	EventAssess             Event = "assess"
	EventAssessReassessment Event = "assess_reassessment"
)

func (e Event) Valid() bool {
	switch e {
	case EventSubmit, EventRecommend, EventReturn, EventReturnToSupplier, EventAssess, EventAssessReassessment:
		return true
	}
	return false
}

// LedgerEffect is what a transition does to the report's reservation.
type LedgerEffect int

const (
	LedgerNone LedgerEffect = iota
	LedgerReserve
	LedgerFinalize
)

// Effects a transition applies. Entering an editable status always releases
// the version's own reservation and unlocks the summary. SupersedePrior is a
// no-op for originals.
type Effects struct {
	Calculate       bool
	RequireSnapshot bool
	RequireSignable bool
	Ledger          LedgerEffect
	SupersedePrior  bool
}

// Guard checks a precondition inside the transaction.
type Guard func(ctx context.Context, tx Store, r ComplianceReport) error

// Transition is one row of the table.
type Transition struct {
	From    ReportStatus
	Event   Event
	Roles   []Role // all required
	To      func(r ComplianceReport) ReportStatus
	Guards  []Guard
	Effects Effects
}

func to(s ReportStatus) func(ComplianceReport) ReportStatus {
	return func(ComplianceReport) ReportStatus { return s }
}

// returnFromAnalyst sends government-initiated versions back to adjustment
// and everything else back to Submitted.
func returnFromAnalyst(r ComplianceReport) ReportStatus {
	if r.GovernmentInitiated() {
		return StatusAnalystAdjustment
	}
	return StatusSubmitted
}

var transitions = []Transition{
	{
		From: StatusDraft, Event: EventSubmit,
		Roles: []Role{RoleSupplier, RoleSigningAuthority},
		To:    to(StatusSubmitted),
		Effects: Effects{
			Calculate: true, RequireSnapshot: true, RequireSignable: true,
			Ledger: LedgerReserve,
		},
	},
	{
		From: StatusSubmitted, Event: EventRecommend,
		Roles: []Role{RoleAnalyst},
		To:    to(StatusRecommendedByAnalyst),
	},
	{
		From: StatusAnalystAdjustment, Event: EventRecommend,
		Roles: []Role{RoleAnalyst},
		To:    to(StatusRecommendedByAnalyst),
		Effects: Effects{
			Calculate: true, RequireSignable: true,
			Ledger: LedgerReserve,
		},
	},
	{
		From: StatusRecommendedByAnalyst, Event: EventReturn,
		Roles: []Role{RoleComplianceManager},
		To:    returnFromAnalyst,
	},
	{
		From: StatusRecommendedByAnalyst, Event: EventRecommend,
		Roles: []Role{RoleComplianceManager},
		To:    to(StatusRecommendedByManager),
	},
	{
		From: StatusRecommendedByManager, Event: EventReturn,
		Roles: []Role{RoleDirector},
		To:    to(StatusRecommendedByAnalyst),
	},
	{
		From: StatusRecommendedByManager, Event: EventAssess,
		Roles:   []Role{RoleDirector},
		To:      to(StatusAssessed),
		Guards:  []Guard{requireOriginalOrAssessedPredecessor},
		Effects: Effects{Ledger: LedgerFinalize, SupersedePrior: true},
	},
	{
		From: StatusSubmitted, Event: EventReturnToSupplier,
		Roles:  []Role{RoleAnalyst},
		To:     to(StatusDraft),
		Guards: []Guard{requireSupplierInitiated},
	},
	{
		From: StatusRecommendedByManager, Event: EventAssessReassessment,
		Roles:   []Role{RoleDirector},
		To:      to(StatusReassessed),
		Guards:  []Guard{requireAssessedPredecessor},
		Effects: Effects{Ledger: LedgerFinalize, SupersedePrior: true},
	},
	{
		From: StatusRecommendedByAnalyst, Event: EventAssessReassessment,
		Roles:   []Role{RoleDirector},
		To:      to(StatusReassessed),
		Guards:  []Guard{requireAssessedPredecessor},
		Effects: Effects{Ledger: LedgerFinalize, SupersedePrior: true},
	},
}

// Transitions returns a copy of the table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// resolve picks the row for (status, event) the principal may fire.
func resolve(r ComplianceReport, event Event, p Principal) (Transition, error) {
	var candidates []Transition
	for _, t := range transitions {
		if t.From == r.Status && t.Event == event {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Transition{}, &TransitionError{
			ReportID: r.ID, From: r.Status, Event: event,
			Reason: "no transition for this status", Err: ErrInvalidState,
		}
	}
	for _, t := range candidates {
		if !p.HasAll(t.Roles...) {
			continue
		}
		if requiresSupplier(t) && p.OrganizationID != r.OrganizationID {
			return Transition{}, forbidden("report %s belongs to another organization", r.ID)
		}
		if !requiresSupplier(t) && !p.IsGovernment() {
			return Transition{}, forbidden("%s is reserved for government staff", event)
		}
		return t, nil
	}
	return Transition{}, &TransitionError{
		ReportID: r.ID, From: r.Status, Event: event,
		Reason: fmt.Sprintf("requires roles %v", candidates[0].Roles), Err: ErrForbiddenTransition,
	}
}

func requiresSupplier(t Transition) bool {
	for _, role := range t.Roles {
		if role == RoleSupplier {
			return true
		}
	}
	return false
}

// =============================================================================
// GUARDS
// =============================================================================

func requireOriginalOrAssessedPredecessor(ctx context.Context, tx Store, r ComplianceReport) error {
	if r.IsOriginal() {
		return nil
	}
	return assessedPredecessor(ctx, tx, r, EventAssess)
}

func requireSupplierInitiated(_ context.Context, _ Store, r ComplianceReport) error {
	if r.GovernmentInitiated() {
		return &TransitionError{
			ReportID: r.ID, From: r.Status, Event: EventReturnToSupplier,
			Reason: "government reassessments cannot be returned to the supplier", Err: ErrInvalidState,
		}
	}
	return nil
}

func requireAssessedPredecessor(ctx context.Context, tx Store, r ComplianceReport) error {
	return assessedPredecessor(ctx, tx, r, EventAssessReassessment)
}

func assessedPredecessor(ctx context.Context, tx Store, r ComplianceReport, event Event) error {
	prior, err := predecessor(ctx, tx, r)
	if err != nil {
		return err
	}
	if prior == nil || !prior.Status.Assessed() {
		return &TransitionError{
			ReportID: r.ID, From: r.Status, Event: event,
			Reason: "no assessed predecessor version", Err: ErrInvalidState,
		}
	}
	return nil
}

// predecessor returns version-1 of the group, or nil for originals.
func predecessor(ctx context.Context, tx Store, r ComplianceReport) (*ComplianceReport, error) {
	if r.IsOriginal() {
		return nil, nil
	}
	versions, err := tx.ListGroupReports(ctx, r.GroupUUID)
	if err != nil {
		return nil, fmt.Errorf("list group versions: %w", err)
	}
	for i := range versions {
		if versions[i].Version == r.Version-1 {
			return &versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: group %s is missing version %d", ErrIntegrityViolation, r.GroupUUID, r.Version-1)
}
