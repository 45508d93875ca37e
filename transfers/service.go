/*
Package transfers moves compliance units between organizations and records
government issuances.

PURPOSE:
  Report Lines 12, 13 and 14 count ledger Adjustments from transfers and
  government issuances effective inside the report's window. This package
  is where those entries come from.

TRANSFER LIFECYCLE:
  Sent ──accept──► Submitted ──record──► Recorded
    │                 │
    │                 └──refuse──► Refused
    ├──decline──► Declined
    └──rescind──► Rescinded   (also from Submitted)

  accept   buyer's signing authority; reserves -units on the seller
  record   director; settles the seller's reservation and credits the
           buyer, both effective at the agreement date
  refuse   director; releases the seller's reservation
  rescind  seller's signing authority; releases any reservation
  decline  buyer's signing authority

GOVERNMENT ADJUSTMENTS:
  A director issues an initiative agreement or administrative adjustment of
  +/- units to one organization. Debits are balance checked like any other
  ledger debit.

SEE ALSO:
  - compliance/transfer.go: records and store interface
  - compliance/ledger.go: reservation handles
*/
package transfers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-engine/compliance"
)

// Action is a transfer lifecycle event.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionRescind Action = "rescind"
	ActionRecord  Action = "record"
	ActionRefuse  Action = "refuse"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionDecline, ActionRescind, ActionRecord, ActionRefuse:
		return true
	}
	return false
}

// party is who may fire an action.
type party int

const (
	partySeller party = iota
	partyBuyer
	partyDirector
)

type rule struct {
	from  []compliance.TransferStatus
	by    party
	to    compliance.TransferStatus
	types []compliance.NotificationType
}

var rules = map[Action]rule{
	ActionAccept: {
		from:  []compliance.TransferStatus{compliance.TransferSent},
		by:    partyBuyer,
		to:    compliance.TransferSubmitted,
		types: []compliance.NotificationType{compliance.NotifyTransferPartnerAction, compliance.NotifyAnalystTransferSubmitted},
	},
	ActionDecline: {
		from:  []compliance.TransferStatus{compliance.TransferSent},
		by:    partyBuyer,
		to:    compliance.TransferDeclined,
		types: []compliance.NotificationType{compliance.NotifyTransferPartnerAction},
	},
	ActionRescind: {
		from:  []compliance.TransferStatus{compliance.TransferSent, compliance.TransferSubmitted},
		by:    partySeller,
		to:    compliance.TransferRescinded,
		types: []compliance.NotificationType{compliance.NotifyTransferPartnerAction},
	},
	ActionRecord: {
		from:  []compliance.TransferStatus{compliance.TransferSubmitted},
		by:    partyDirector,
		to:    compliance.TransferRecorded,
		types: []compliance.NotificationType{compliance.NotifyTransferDirectorDecision, compliance.NotifyAnalystTransferDecision},
	},
	ActionRefuse: {
		from:  []compliance.TransferStatus{compliance.TransferSubmitted},
		by:    partyDirector,
		to:    compliance.TransferRefused,
		types: []compliance.NotificationType{compliance.NotifyTransferDirectorDecision, compliance.NotifyAnalystTransferDecision},
	},
}

type movement struct {
	action compliance.LedgerAction
	units  decimal.Decimal
}

// Service runs transfers and government adjustments against the shared
// store. It shares the report service's locker and notifier.
type Service struct {
	Store    compliance.TxStore
	Locker   compliance.GroupLocker
	Notifier compliance.Notifier
	Observer compliance.Observer
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func NewService(store compliance.TxStore, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Service{
		Store:    store,
		Locker:   compliance.NewLocalLocker(),
		Notifier: compliance.NewFanout(time.Now),
		Observer: compliance.NopObserver{},
		Log:      log,
		Now:      time.Now,
	}
}

// =============================================================================
// TRANSFERS
// =============================================================================

type CreateTransferRequest struct {
	ToOrganizationID compliance.OrganizationID `json:"to_organization_id" validate:"required"`
	Units            decimal.Decimal           `json:"quantity"`
	PricePerUnit     decimal.Decimal           `json:"price_per_unit"`
	AgreementDate    time.Time                 `json:"agreement_date" validate:"required"`
	Note             string                    `json:"note" validate:"max=1000"`
}

// Create sends a transfer from the principal's organization.
func (s *Service) Create(ctx context.Context, p compliance.Principal, req CreateTransferRequest) (*compliance.Transfer, error) {
	if p.IsGovernment() || !p.HasAll(compliance.RoleSupplier, compliance.RoleSigningAuthority) {
		return nil, fmt.Errorf("only a supplier's signing authority may send a transfer: %w", compliance.ErrForbidden)
	}
	if err := compliance.ValidateStruct(req); err != nil {
		return nil, err
	}
	if !req.Units.IsPositive() || !req.Units.Equal(req.Units.Truncate(0)) {
		return nil, &compliance.ValidationError{Field: "quantity", Message: "must be a positive whole number of units"}
	}
	if req.PricePerUnit.IsNegative() {
		return nil, &compliance.ValidationError{Field: "price_per_unit", Message: "must not be negative"}
	}
	if req.ToOrganizationID == p.OrganizationID {
		return nil, &compliance.ValidationError{Field: "to_organization_id", Message: "cannot transfer to your own organization"}
	}
	if _, err := s.Store.GetOrganization(ctx, req.ToOrganizationID); err != nil {
		return nil, compliance.Classify(err)
	}

	now := s.Now()
	t := compliance.Transfer{
		ID:                 "tr-" + uuid.NewString(),
		FromOrganizationID: p.OrganizationID,
		ToOrganizationID:   req.ToOrganizationID,
		Units:              req.Units,
		PricePerUnit:       req.PricePerUnit,
		AgreementDate:      req.AgreementDate.UTC(),
		Status:             compliance.TransferSent,
		Note:               req.Note,
		CreatedBy:          p.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	var notified int
	err := s.Store.WithTx(ctx, func(tx compliance.Store) error {
		if err := tx.SaveTransfer(ctx, t); err != nil {
			return err
		}
		n, err := s.notify(ctx, tx, t, []compliance.NotificationType{compliance.NotifyTransferPartnerAction}, p)
		notified = n
		return err
	})
	if err != nil {
		return nil, compliance.Classify(err)
	}
	if notified > 0 {
		s.Observer.NotificationsEnqueued(compliance.SubjectTransfer, notified)
	}
	s.Log.WithFields(logrus.Fields{"module": "transfers", "transfer_id": t.ID, "units": t.Units}).Info("transfer sent")
	return &t, nil
}

// Act fires a lifecycle action on a transfer.
func (s *Service) Act(ctx context.Context, p compliance.Principal, id string, action Action, note string) (*compliance.Transfer, error) {
	log := s.Log.WithFields(logrus.Fields{"module": "transfers", "func": "Act", "transfer_id": id, "action": action})
	r, ok := rules[action]
	if !ok {
		return nil, &compliance.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}

	var (
		out       compliance.Transfer
		notified  int
		movements []movement
	)
	release, err := s.Locker.Acquire(ctx, "transfer:"+id)
	if err != nil {
		return nil, compliance.Classify(err)
	}
	defer release()

	err = s.Store.WithTx(ctx, func(tx compliance.Store) error {
		t, err := tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(p, *t, r.by); err != nil {
			return err
		}
		if !allowed(t.Status, r.from) {
			return fmt.Errorf("cannot %s a transfer in %s: %w", action, t.Status, compliance.ErrInvalidState)
		}

		ledger := compliance.NewUnitLedger(tx, s.Now)
		switch action {
		case ActionAccept:
			h, err := ledger.Reserve(ctx, compliance.ReserveRequest{
				OrganizationID: t.FromOrganizationID,
				Delta:          t.Units.Neg(),
				Source:         compliance.SourceTransfer,
				CorrelationID:  t.ID,
				ActorID:        p.UserID,
				EffectiveAt:    t.AgreementDate,
			})
			if err != nil {
				return err
			}
			t.SellerHandle = h
			movements = append(movements, movement{compliance.ActionReserved, t.Units.Neg()})
		case ActionRecord:
			if err := ledger.Settle(ctx, t.SellerHandle, t.AgreementDate); err != nil {
				return err
			}
			h, err := ledger.Adjust(ctx, compliance.AdjustRequest{
				OrganizationID: t.ToOrganizationID,
				Delta:          t.Units,
				Source:         compliance.SourceTransfer,
				CorrelationID:  t.ID,
				ActorID:        p.UserID,
				EffectiveAt:    t.AgreementDate,
			})
			if err != nil {
				return err
			}
			t.BuyerHandle = h
			movements = append(movements,
				movement{compliance.ActionAdjustment, t.Units.Neg()},
				movement{compliance.ActionAdjustment, t.Units})
		case ActionRefuse, ActionRescind:
			if t.SellerHandle != "" {
				if err := ledger.Release(ctx, t.SellerHandle); err != nil {
					return err
				}
				movements = append(movements, movement{compliance.ActionReleased, t.Units.Neg()})
			}
		}

		t.Status = r.to
		if note != "" {
			t.Note = note
		}
		t.UpdatedAt = s.Now()
		if err := tx.SaveTransfer(ctx, *t); err != nil {
			return err
		}
		n, err := s.notify(ctx, tx, *t, r.types, p)
		if err != nil {
			return err
		}
		notified = n
		out = *t
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("transfer action failed")
		return nil, compliance.Classify(err)
	}
	for _, m := range movements {
		s.Observer.LedgerMovement(m.action, compliance.SourceTransfer, m.units)
	}
	if notified > 0 {
		s.Observer.NotificationsEnqueued(compliance.SubjectTransfer, notified)
	}
	log.WithField("status", out.Status).Info("transfer updated")
	return &out, nil
}

// Get returns a transfer visible to p.
func (s *Service) Get(ctx context.Context, p compliance.Principal, id string) (*compliance.Transfer, error) {
	t, err := s.Store.GetTransfer(ctx, id)
	if err != nil {
		return nil, compliance.Classify(err)
	}
	if !p.IsGovernment() && !t.Involves(p.OrganizationID) {
		return nil, fmt.Errorf("transfer %s: %w", id, compliance.ErrForbidden)
	}
	// Government staff see transfers only after the buyer accepts.
	if p.IsGovernment() && (t.Status == compliance.TransferSent || t.Status == compliance.TransferDeclined) {
		return nil, fmt.Errorf("transfer %s: %w", id, compliance.ErrNotFound)
	}
	return t, nil
}

// List returns the transfers visible to p.
func (s *Service) List(ctx context.Context, p compliance.Principal) ([]compliance.Transfer, error) {
	org := p.OrganizationID
	all, err := s.Store.ListTransfers(ctx, org)
	if err != nil {
		return nil, compliance.Classify(err)
	}
	if !p.IsGovernment() {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if t.Status != compliance.TransferSent && t.Status != compliance.TransferDeclined {
			out = append(out, t)
		}
	}
	return out, nil
}

func authorize(p compliance.Principal, t compliance.Transfer, by party) error {
	switch by {
	case partySeller, partyBuyer:
		org := t.FromOrganizationID
		if by == partyBuyer {
			org = t.ToOrganizationID
		}
		if p.IsGovernment() || p.OrganizationID != org || !p.HasAll(compliance.RoleSupplier, compliance.RoleSigningAuthority) {
			return fmt.Errorf("transfer %s: %w", t.ID, compliance.ErrForbidden)
		}
	case partyDirector:
		if !p.IsGovernment() || !p.HasRole(compliance.RoleDirector) {
			return fmt.Errorf("only the director may decide transfer %s: %w", t.ID, compliance.ErrForbidden)
		}
	}
	return nil
}

func allowed(s compliance.TransferStatus, from []compliance.TransferStatus) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}

// notify fans a transfer event out to both parties. The acting party's
// organization goes first so partner-action types reach the other side;
// same-organization types are then evaluated for the second party.
func (s *Service) notify(ctx context.Context, tx compliance.Store, t compliance.Transfer, types []compliance.NotificationType, p compliance.Principal) (int, error) {
	first, second := t.FromOrganizationID, t.ToOrganizationID
	if p.OrganizationID == t.ToOrganizationID {
		first, second = second, first
	}
	var same []compliance.NotificationType
	for _, nt := range types {
		if a, _ := compliance.AudienceOf(nt); a == compliance.AudienceSameOrganization {
			same = append(same, nt)
		}
	}

	total := 0
	for _, pass := range []struct {
		org, partner compliance.OrganizationID
		types        []compliance.NotificationType
	}{
		{first, second, types},
		{second, first, same},
	} {
		n, err := s.Notifier.Notify(ctx, tx, compliance.NotificationEvent{
			Kind:                 compliance.SubjectTransfer,
			Types:                pass.types,
			OrganizationID:       pass.org,
			RelatedOrganizations: []compliance.OrganizationID{pass.partner},
			TransactionID:        t.ID,
			Status:               string(t.Status),
			ActorID:              p.UserID,
			Message:              fmt.Sprintf("Transfer of %s units is %s", t.Units, t.Status),
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// =============================================================================
// GOVERNMENT ADJUSTMENTS
// =============================================================================

type IssueRequest struct {
	Source         compliance.LedgerSource   `json:"type" validate:"required,oneof=InitiativeAgreement AdministrativeAdjustment"`
	OrganizationID compliance.OrganizationID `json:"organization_id" validate:"required"`
	Units          decimal.Decimal           `json:"compliance_units"`
	EffectiveAt    time.Time                 `json:"effective_date"`
	Note           string                    `json:"note" validate:"max=1000"`
}

// Issue records a director-approved issuance or debit.
func (s *Service) Issue(ctx context.Context, p compliance.Principal, req IssueRequest) (*compliance.GovernmentAdjustment, error) {
	if !p.IsGovernment() || !p.HasRole(compliance.RoleDirector) {
		return nil, fmt.Errorf("only the director may issue units: %w", compliance.ErrForbidden)
	}
	if err := compliance.ValidateStruct(req); err != nil {
		return nil, err
	}
	if req.Units.IsZero() || !req.Units.Equal(req.Units.Truncate(0)) {
		return nil, &compliance.ValidationError{Field: "compliance_units", Message: "must be a non-zero whole number of units"}
	}
	if _, err := s.Store.GetOrganization(ctx, req.OrganizationID); err != nil {
		return nil, compliance.Classify(err)
	}

	now := s.Now()
	effective := req.EffectiveAt
	if effective.IsZero() {
		effective = now
	}
	adj := compliance.GovernmentAdjustment{
		ID:             "ga-" + uuid.NewString(),
		Source:         req.Source,
		OrganizationID: req.OrganizationID,
		Units:          req.Units,
		EffectiveAt:    effective.UTC(),
		Note:           req.Note,
		CreatedBy:      p.UserID,
		CreatedAt:      now,
	}
	var notified int
	err := s.Store.WithTx(ctx, func(tx compliance.Store) error {
		h, err := compliance.NewUnitLedger(tx, s.Now).Adjust(ctx, compliance.AdjustRequest{
			OrganizationID: adj.OrganizationID,
			Delta:          adj.Units,
			Source:         adj.Source,
			CorrelationID:  adj.ID,
			ActorID:        p.UserID,
			EffectiveAt:    adj.EffectiveAt,
		})
		if err != nil {
			return err
		}
		adj.Handle = h
		if err := tx.SaveGovernmentAdjustment(ctx, adj); err != nil {
			return err
		}
		notified, err = s.Notifier.Notify(ctx, tx, compliance.NotificationEvent{
			Kind:           compliance.SubjectIssuance,
			Types:          []compliance.NotificationType{compliance.NotifySupplierGovernmentIssuance, compliance.NotifyAnalystGovernmentIssuance},
			OrganizationID: adj.OrganizationID,
			TransactionID:  adj.ID,
			Status:         "Approved",
			ActorID:        p.UserID,
			Message:        fmt.Sprintf("%s of %s compliance units approved", adj.Source, adj.Units),
		})
		return err
	})
	if err != nil {
		var short *compliance.InsufficientUnitsError
		if errors.As(err, &short) {
			s.Log.WithFields(logrus.Fields{"module": "transfers", "organization_id": req.OrganizationID, "shortfall": short.Shortfall}).Info("issuance debit rejected")
		}
		return nil, compliance.Classify(err)
	}
	s.Observer.LedgerMovement(compliance.ActionAdjustment, adj.Source, adj.Units)
	if notified > 0 {
		s.Observer.NotificationsEnqueued(compliance.SubjectIssuance, notified)
	}
	return &adj, nil
}

// Adjustments lists government adjustments; suppliers see their own only.
func (s *Service) Adjustments(ctx context.Context, p compliance.Principal, org compliance.OrganizationID) ([]compliance.GovernmentAdjustment, error) {
	if !p.IsGovernment() {
		org = p.OrganizationID
	}
	out, err := s.Store.ListGovernmentAdjustments(ctx, org)
	return out, compliance.Classify(err)
}
