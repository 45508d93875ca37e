/*
ledger.go - Compliance unit ledger

PURPOSE:
  The ledger is the source of truth for every organization's compliance
  units. Balances are never stored; they are derived from entries.

ENTRY LIFECYCLE:
  Reserved ──Settle──► Adjustment
     │                    │
     └──Release──► Released    Amend (Reserved or Adjustment keeps its action)

  Each report or transfer owns one entry (its handle). The entry is promoted
  from Reserved to Adjustment exactly once, so a reassessment changes the
  delta of the existing Adjustment instead of appending a second one.

BALANCES:
  current   = Σ delta of Adjustment entries
  reserved  = |Σ delta of negative Reserved entries|
  available = current − reserved

  Positive reservations are not spendable until settled.

CRITICAL INVARIANTS:
  1. Available never drops below zero through a debit
  2. Deltas are whole units, never zero on reserve
  3. Every mutation runs inside the caller's transaction

SEE ALSO:
  - service.go: reserves at submission, settles at assessment
  - supplemental.go: carried handles and amendment at reassessment
  - transfers/: seller reservations and buyer adjustments
*/
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY TYPES
// =============================================================================

type LedgerAction string

const (
	ActionReserved   LedgerAction = "Reserved"
	ActionAdjustment LedgerAction = "Adjustment"
	ActionReleased   LedgerAction = "Released"
)

type LedgerSource string

const (
	SourceComplianceReport         LedgerSource = "ComplianceReport"
	SourceTransfer                 LedgerSource = "Transfer"
	SourceInitiativeAgreement      LedgerSource = "InitiativeAgreement"
	SourceAdministrativeAdjustment LedgerSource = "AdministrativeAdjustment"
)

// LedgerEntry is one unit movement. EffectiveAt decides which summary window
// the movement counts toward.
type LedgerEntry struct {
	ID             HandleID
	OrganizationID OrganizationID
	Delta          decimal.Decimal
	Action         LedgerAction
	Source         LedgerSource
	CorrelationID  string
	ActorID        UserID
	EffectiveAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerStore persists entries. Implementations must return ErrNotFound for
// unknown handles.
type LedgerStore interface {
	InsertLedgerEntry(ctx context.Context, e LedgerEntry) error
	UpdateLedgerEntry(ctx context.Context, e LedgerEntry) error
	GetLedgerEntry(ctx context.Context, id HandleID) (*LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, org OrganizationID) ([]LedgerEntry, error)
}

// Balance is the derived position of one organization.
type Balance struct {
	OrganizationID OrganizationID  `json:"organization_id"`
	Current        decimal.Decimal `json:"current"`
	Reserved       decimal.Decimal `json:"reserved"`
	Available      decimal.Decimal `json:"available"`
}

// WindowActivity totals committed movements inside a transaction window.
type WindowActivity struct {
	TransferredOut decimal.Decimal // Line 12, positive number of units
	Received       decimal.Decimal // Line 13
	Issued         decimal.Decimal // Line 14, net of government debits
}

// =============================================================================
// UNIT LEDGER
// =============================================================================

// UnitLedger implements the ledger operations over a transaction-scoped store.
// Build one per transaction; it holds no state of its own.
type UnitLedger struct {
	store LedgerStore
	now   func() time.Time
}

func NewUnitLedger(store LedgerStore, now func() time.Time) *UnitLedger {
	if now == nil {
		now = time.Now
	}
	return &UnitLedger{store: store, now: now}
}

// ReserveRequest describes a pending movement.
type ReserveRequest struct {
	OrganizationID OrganizationID
	Delta          decimal.Decimal
	Source         LedgerSource
	CorrelationID  string
	ActorID        UserID
	EffectiveAt    time.Time // zero means now
}

// AdjustRequest describes a committed movement.
type AdjustRequest = ReserveRequest

func (l *UnitLedger) Balance(ctx context.Context, org OrganizationID) (Balance, error) {
	entries, err := l.store.ListLedgerEntries(ctx, org)
	if err != nil {
		return Balance{}, fmt.Errorf("list ledger entries: %w", err)
	}
	return balanceOf(org, entries, ""), nil
}

func (l *UnitLedger) CurrentBalance(ctx context.Context, org OrganizationID) (decimal.Decimal, error) {
	b, err := l.Balance(ctx, org)
	return b.Current, err
}

func (l *UnitLedger) ReservedBalance(ctx context.Context, org OrganizationID) (decimal.Decimal, error) {
	b, err := l.Balance(ctx, org)
	return b.Reserved, err
}

func (l *UnitLedger) AvailableBalance(ctx context.Context, org OrganizationID) (decimal.Decimal, error) {
	b, err := l.Balance(ctx, org)
	return b.Available, err
}

// balanceOf derives balances, skipping the entry named by exclude.
func balanceOf(org OrganizationID, entries []LedgerEntry, exclude HandleID) Balance {
	current, reserved := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.ID == exclude {
			continue
		}
		switch e.Action {
		case ActionAdjustment:
			current = current.Add(e.Delta)
		case ActionReserved:
			if e.Delta.IsNegative() {
				reserved = reserved.Add(e.Delta.Neg())
			}
		}
	}
	return Balance{
		OrganizationID: org,
		Current:        current,
		Reserved:       reserved,
		Available:      current.Sub(reserved),
	}
}

// Reserve records a pending movement and returns its handle.
// Debits fail with InsufficientUnitsError when the available balance cannot
// cover them.
func (l *UnitLedger) Reserve(ctx context.Context, req ReserveRequest) (HandleID, error) {
	return l.insert(ctx, req, ActionReserved)
}

// Adjust records a committed movement directly.
func (l *UnitLedger) Adjust(ctx context.Context, req AdjustRequest) (HandleID, error) {
	return l.insert(ctx, req, ActionAdjustment)
}

func (l *UnitLedger) insert(ctx context.Context, req ReserveRequest, action LedgerAction) (HandleID, error) {
	if err := checkDelta(req.Delta); err != nil {
		return "", err
	}
	if req.Delta.IsZero() {
		return "", invalid("delta", "zero movements are not recorded")
	}
	if req.OrganizationID == "" {
		return "", invalid("organization_id", "required")
	}
	if req.Delta.IsNegative() {
		bal, err := l.Balance(ctx, req.OrganizationID)
		if err != nil {
			return "", err
		}
		if err := coverDebit(bal.OrganizationID, bal.Available, req.Delta); err != nil {
			return "", err
		}
	}

	now := l.now()
	effective := req.EffectiveAt
	if effective.IsZero() {
		effective = now
	}
	entry := LedgerEntry{
		ID:             HandleID("le-" + uuid.NewString()),
		OrganizationID: req.OrganizationID,
		Delta:          req.Delta,
		Action:         action,
		Source:         req.Source,
		CorrelationID:  req.CorrelationID,
		ActorID:        req.ActorID,
		EffectiveAt:    effective,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.InsertLedgerEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry.ID, nil
}

// Settle promotes a Reserved entry to an Adjustment effective at the given
// instant (zero keeps the reservation's effective time).
func (l *UnitLedger) Settle(ctx context.Context, handle HandleID, effectiveAt time.Time) error {
	entry, err := l.reserved(ctx, handle)
	if err != nil {
		return err
	}
	entry.Action = ActionAdjustment
	if !effectiveAt.IsZero() {
		entry.EffectiveAt = effectiveAt
	}
	entry.UpdatedAt = l.now()
	return l.store.UpdateLedgerEntry(ctx, *entry)
}

// Release drops a Reserved entry so it no longer counts anywhere.
func (l *UnitLedger) Release(ctx context.Context, handle HandleID) error {
	entry, err := l.reserved(ctx, handle)
	if err != nil {
		return err
	}
	entry.Action = ActionReleased
	entry.UpdatedAt = l.now()
	return l.store.UpdateLedgerEntry(ctx, *entry)
}

func (l *UnitLedger) reserved(ctx context.Context, handle HandleID) (*LedgerEntry, error) {
	entry, err := l.store.GetLedgerEntry(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", handle, err)
	}
	if entry.Action != ActionReserved {
		return nil, invalidState("ledger entry %s is %s, not %s", handle, entry.Action, ActionReserved)
	}
	return entry, nil
}

// AmendRequest replaces the delta of an existing entry. A non-empty
// CorrelationID re-points the entry at a new owner.
type AmendRequest struct {
	Handle        HandleID
	Delta         decimal.Decimal
	CorrelationID string
	EffectiveAt   time.Time
}

// Amend replaces the delta of a Reserved or Adjustment entry in place.
// A Reserved entry amended to zero is released.
func (l *UnitLedger) Amend(ctx context.Context, req AmendRequest) error {
	entry, err := l.checkAmend(ctx, req.Handle, req.Delta)
	if err != nil {
		return err
	}
	entry.Delta = req.Delta
	if req.CorrelationID != "" {
		entry.CorrelationID = req.CorrelationID
	}
	if !req.EffectiveAt.IsZero() {
		entry.EffectiveAt = req.EffectiveAt
	}
	if entry.Action == ActionReserved && req.Delta.IsZero() {
		entry.Action = ActionReleased
	}
	entry.UpdatedAt = l.now()
	return l.store.UpdateLedgerEntry(ctx, *entry)
}

// CheckAmend reports whether Amend would succeed without changing anything.
func (l *UnitLedger) CheckAmend(ctx context.Context, handle HandleID, delta decimal.Decimal) error {
	_, err := l.checkAmend(ctx, handle, delta)
	return err
}

func (l *UnitLedger) checkAmend(ctx context.Context, handle HandleID, delta decimal.Decimal) (*LedgerEntry, error) {
	if err := checkDelta(delta); err != nil {
		return nil, err
	}
	entry, err := l.store.GetLedgerEntry(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", handle, err)
	}
	if entry.Action == ActionReleased {
		return nil, invalidState("ledger entry %s is released", handle)
	}
	if !delta.LessThan(entry.Delta) {
		return entry, nil
	}

	entries, err := l.store.ListLedgerEntries(ctx, entry.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	others := balanceOf(entry.OrganizationID, entries, entry.ID)
	contribution := delta
	if entry.Action == ActionReserved && delta.IsPositive() {
		contribution = decimal.Zero
	}
	if others.Available.Add(contribution).IsNegative() {
		return nil, &InsufficientUnitsError{
			OrganizationID: entry.OrganizationID,
			Available:      others.Available,
			Requested:      contribution.Neg(),
			Shortfall:      others.Available.Add(contribution).Neg(),
		}
	}
	return entry, nil
}

// BalanceAsOf sums Adjustment entries effective strictly before t.
func (l *UnitLedger) BalanceAsOf(ctx context.Context, org OrganizationID, t time.Time) (decimal.Decimal, error) {
	entries, err := l.store.ListLedgerEntries(ctx, org)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list ledger entries: %w", err)
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Action == ActionAdjustment && e.EffectiveAt.Before(t) {
			total = total.Add(e.Delta)
		}
	}
	return total, nil
}

// Activity totals committed transfers and government issuances in the window.
func (l *UnitLedger) Activity(ctx context.Context, org OrganizationID, w TransactionWindow) (WindowActivity, error) {
	entries, err := l.store.ListLedgerEntries(ctx, org)
	if err != nil {
		return WindowActivity{}, fmt.Errorf("list ledger entries: %w", err)
	}
	act := WindowActivity{TransferredOut: decimal.Zero, Received: decimal.Zero, Issued: decimal.Zero}
	for _, e := range entries {
		if e.Action != ActionAdjustment || !w.Contains(e.EffectiveAt) {
			continue
		}
		switch e.Source {
		case SourceTransfer:
			if e.Delta.IsNegative() {
				act.TransferredOut = act.TransferredOut.Add(e.Delta.Neg())
			} else {
				act.Received = act.Received.Add(e.Delta)
			}
		case SourceInitiativeAgreement, SourceAdministrativeAdjustment:
			act.Issued = act.Issued.Add(e.Delta)
		}
	}
	return act, nil
}

func checkDelta(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(0)) {
		return invalid("delta", "%s is not a whole number of units", d)
	}
	return nil
}

func coverDebit(org OrganizationID, available, delta decimal.Decimal) error {
	if available.Add(delta).IsNegative() {
		return &InsufficientUnitsError{
			OrganizationID: org,
			Available:      available,
			Requested:      delta.Neg(),
			Shortfall:      available.Add(delta).Neg(),
		}
	}
	return nil
}
