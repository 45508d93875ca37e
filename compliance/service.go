/*
service.go - Coordinated write path for compliance reports

PURPOSE:
  Service is the only way reports change. Every write takes the group lock,
  opens one store transaction, re-reads the report inside it, and commits
  status, summary, ledger, history and notification rows together.

TRANSITION ORDER:
  1. resolve the transition row and run its guards
  2. calculate and lock the summary (if the row says so)
  3. ledger: reserve, settle, amend, or release
  4. persist report (and supersede the prior version)
  5. append history
  6. enqueue notifications
  Any error rolls all of it back.

AUTHORIZATION:
  Suppliers see and edit only their organization's reports. Government staff
  never see supplier drafts. Draft is edited by suppliers,
  Analyst_adjustment by analysts and compliance managers.

SEE ALSO:
  - statemachine.go: transition table
  - supplemental.go: opening new versions
*/
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/lcfs/compliance-engine/compliance")

// Service coordinates reports, the ledger and notifications.
type Service struct {
	Store     TxStore
	Locker    GroupLocker
	Reference *ReferenceCache
	Notifier  Notifier
	Observer  Observer
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// NewService wires defaults: an in-process locker, the subscription
// fan-out, no metrics and the wall clock.
func NewService(store TxStore, reference *ReferenceCache, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Service{
		Store:     store,
		Locker:    NewLocalLocker(),
		Reference: reference,
		Notifier:  NewFanout(time.Now),
		Observer:  NopObserver{},
		Log:       log,
		Now:       time.Now,
	}
}

// =============================================================================
// READS
// =============================================================================

// GetReport returns the report with its summary, history and item counts.
func (s *Service) GetReport(ctx context.Context, p Principal, id ReportID) (*ReportView, error) {
	r, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	if err := authorizeRead(p, *r); err != nil {
		return nil, err
	}
	v, err := s.view(ctx, s.Store, *r)
	return v, Classify(err)
}

// ListReports pages through reports visible to the principal.
func (s *Service) ListReports(ctx context.Context, p Principal, f ReportFilter) ([]ComplianceReport, int, error) {
	if p.IsGovernment() {
		f.ExcludeDraft = true
	} else {
		f.OrganizationID = p.OrganizationID
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	reports, total, err := s.Store.ListReports(ctx, f)
	return reports, total, Classify(err)
}

// ListLineItems returns the effective items of one collection.
func (s *Service) ListLineItems(ctx context.Context, p Principal, id ReportID, c Collection) ([]LineItemRecord, error) {
	if !c.Valid() {
		return nil, invalid("collection", "unknown collection %q", c)
	}
	r, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	if err := authorizeRead(p, *r); err != nil {
		return nil, err
	}
	rows, err := s.Store.ListLineItems(ctx, r.GroupUUID, c)
	if err != nil {
		return nil, Classify(err)
	}
	return EffectiveRecords(rows, r.Version), nil
}

// GetSummary returns the stored summary of a locked report, or a fresh
// calculation while the report is still editable.
func (s *Service) GetSummary(ctx context.Context, p Principal, id ReportID) (*SummaryRecord, error) {
	r, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	if err := authorizeRead(p, *r); err != nil {
		return nil, err
	}
	stored, err := s.Store.GetSummary(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, Classify(err)
	}
	if stored != nil && (stored.IsLocked || stored.Imported || !r.Status.Editable()) {
		return stored, nil
	}
	ref, err := s.Reference.Get(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	snap, err := snapshotFor(ctx, s.Store, id)
	if err != nil {
		return nil, Classify(err)
	}
	calc, err := s.calculate(ctx, s.Store, ref, *r, snap, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return &calc, nil
}

func (s *Service) History(ctx context.Context, p Principal, id ReportID) ([]HistoryEntry, error) {
	r, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	if err := authorizeRead(p, *r); err != nil {
		return nil, err
	}
	h, err := s.Store.ListHistory(ctx, id)
	return h, Classify(err)
}

// Balance returns the organization's derived balances.
func (s *Service) Balance(ctx context.Context, p Principal, org OrganizationID) (Balance, error) {
	if !p.IsGovernment() && p.OrganizationID != org {
		return Balance{}, forbidden("balance of %s", org)
	}
	if _, err := s.Store.GetOrganization(ctx, org); err != nil {
		return Balance{}, Classify(err)
	}
	b, err := NewUnitLedger(s.Store, s.Now).Balance(ctx, org)
	return b, Classify(err)
}

// Messages returns the principal's in-app inbox.
func (s *Service) Messages(ctx context.Context, p Principal) ([]InAppMessage, error) {
	m, err := s.Store.ListMessages(ctx, p.UserID)
	return m, Classify(err)
}

// =============================================================================
// CREATE
// =============================================================================

type CreateReportRequest struct {
	OrganizationID OrganizationID     `json:"organization_id" validate:"required"`
	Period         CompliancePeriod   `json:"compliance_period" validate:"required,len=4,numeric"`
	Frequency      ReportingFrequency `json:"reporting_frequency" validate:"omitempty,oneof=ANNUAL QUARTERLY"`
	Quarter        Quarter            `json:"quarter" validate:"omitempty,oneof=Q1 Q2 Q3 Q4"`
	LegacyID       string             `json:"legacy_id,omitempty"`
}

// CreateReport opens the original version of a new group in Draft.
func (s *Service) CreateReport(ctx context.Context, p Principal, req CreateReportRequest) (*ReportView, error) {
	if p.IsGovernment() || !p.HasRole(RoleSupplier) || p.OrganizationID != req.OrganizationID {
		return nil, forbidden("only suppliers of %s may create its reports", req.OrganizationID)
	}
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if req.Frequency == "" {
		req.Frequency = FrequencyAnnual
	}
	if req.Frequency == FrequencyAnnual && req.Quarter != QuarterNone {
		return nil, invalid("quarter", "annual reports have no quarter")
	}
	ref, err := s.Reference.Get(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	if _, ok := ref.Rules(req.Period); !ok {
		return nil, invalid("compliance_period", "no compliance rules for %s", req.Period)
	}

	log := s.Log.WithFields(logrus.Fields{"module": "compliance", "func": "CreateReport", "organization_id": req.OrganizationID, "period": req.Period})
	var created ComplianceReport
	err = s.withLock(ctx, creationLockKey(req.OrganizationID, req.Period), func(tx Store) error {
		org, err := tx.GetOrganization(ctx, req.OrganizationID)
		if err != nil {
			return err
		}
		groups, err := tx.FindGroups(ctx, req.OrganizationID, req.Period)
		if err != nil {
			return err
		}
		if len(groups) > 0 {
			return invalidState("a %s report for %s already exists", req.Period, req.OrganizationID)
		}

		now := s.Now()
		g := ReportGroup{UUID: uuid.New(), OrganizationID: org.ID, Period: req.Period, CreatedAt: now}
		r := ComplianceReport{
			ID:             NewReportID(),
			GroupUUID:      g.UUID,
			Version:        0,
			OrganizationID: org.ID,
			Period:         req.Period,
			Frequency:      req.Frequency,
			Quarter:        req.Quarter,
			Initiator:      InitiatorNone,
			Status:         StatusDraft,
			LegacyID:       req.LegacyID,
			CreatedBy:      p.UserID,
			UpdatedBy:      p.UserID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateGroup(ctx, g); err != nil {
			return err
		}
		if err := tx.InsertReport(ctx, r); err != nil {
			return err
		}
		snap := SnapshotOf(r.ID, *org, now)
		if err := tx.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
		summary, err := s.calculate(ctx, tx, ref, r, &snap, nil)
		if err != nil {
			return err
		}
		if err := tx.SaveSummary(ctx, summary); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, &r, p.UserID, "", now); err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("create report failed")
		return nil, Classify(err)
	}
	log.WithField("report_id", created.ID).Info("report created")
	v, err := s.view(ctx, s.Store, created)
	return v, Classify(err)
}

// =============================================================================
// EDITS
// =============================================================================

// UpdateLineItems appends one row per mutation and returns the collection's
// effective items afterwards.
func (s *Service) UpdateLineItems(ctx context.Context, p Principal, id ReportID, c Collection, muts []LineItemMutation) ([]LineItemRecord, error) {
	if !c.Valid() {
		return nil, invalid("collection", "unknown collection %q", c)
	}
	if len(muts) == 0 {
		return nil, invalid("mutations", "at least one mutation is required")
	}
	head, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	ref, err := s.Reference.Get(ctx)
	if err != nil {
		return nil, Classify(err)
	}

	var effective []LineItemRecord
	err = s.withLock(ctx, groupLockKey(head.GroupUUID), func(tx Store) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeEdit(p, *r); err != nil {
			return err
		}
		rows, err := tx.ListLineItems(ctx, r.GroupUUID, c)
		if err != nil {
			return err
		}
		current := make(map[uuid.UUID]LineItemRecord)
		for _, row := range EffectiveRecords(rows, r.Version) {
			current[row.SubGroupUUID] = row
		}
		revision := make(map[uuid.UUID]int)
		for _, row := range rows {
			if row.ReportVersion == r.Version && row.Revision >= revision[row.SubGroupUUID] {
				revision[row.SubGroupUUID] = row.Revision + 1
			}
		}

		now := s.Now()
		out := make([]LineItemRecord, 0, len(muts))
		for i, m := range muts {
			if err := validate.Struct(m); err != nil {
				return validationError(err)
			}
			rec := LineItemRecord{
				ID:            newRowID(),
				Collection:    c,
				ReportID:      r.ID,
				GroupUUID:     r.GroupUUID,
				ReportVersion: r.Version,
				Action:        m.Action,
				UserType:      p.UserType(),
				CreatedBy:     p.UserID,
				CreatedAt:     now,
			}
			switch m.Action {
			case ActionCreate:
				rec.SubGroupUUID = uuid.New()
			default:
				prev, ok := current[m.SubGroupUUID]
				if !ok {
					return notFound("line item", m.SubGroupUUID)
				}
				rec.SubGroupUUID = m.SubGroupUUID
				rec.Revision = revision[m.SubGroupUUID]
				rec.Payload = prev.Payload
			}
			if m.Action != ActionDelete {
				payload, err := preparePayload(ref, *r, c, m.Payload)
				if err != nil {
					return fmt.Errorf("mutation %d: %w", i, err)
				}
				rec.Payload = payload
			}
			revision[rec.SubGroupUUID] = rec.Revision + 1
			if m.Action == ActionDelete {
				delete(current, rec.SubGroupUUID)
			} else {
				current[rec.SubGroupUUID] = rec
			}
			out = append(out, rec)
		}
		if err := tx.AppendLineItems(ctx, out); err != nil {
			return err
		}
		all, err := tx.ListLineItems(ctx, r.GroupUUID, c)
		if err != nil {
			return err
		}
		effective = EffectiveRecords(all, r.Version)
		return nil
	})
	if err != nil {
		return nil, Classify(err)
	}
	return effective, nil
}

// preparePayload validates a payload and stores it with computed fields.
func preparePayload(ref ReferenceData, r ComplianceReport, c Collection, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, invalid("payload", "required")
	}
	item, err := DecodeLineItem(c, raw)
	if err != nil {
		return nil, err
	}
	legacy := ref.IsLegacy(r.Period)
	checkFuel := func(fuelType string, cat Column) error {
		if _, ok := ref.FuelType(fuelType); !ok {
			return invalid("fuel_type", "unknown fuel type %q", fuelType)
		}
		if legacy && cat == ColumnJetFuel {
			return invalid("fuel_category", "jet fuel is not reported before %s", ref.TransitionYear)
		}
		return nil
	}
	switch it := item.(type) {
	case *FuelSupply:
		if err := checkFuel(it.FuelType, it.FuelCategory); err != nil {
			return nil, err
		}
		it.FuelLine = ResolveFuelLine(it.FuelLine, ref, r.Period, false)
	case *FuelExport:
		if err := checkFuel(it.FuelType, it.FuelCategory); err != nil {
			return nil, err
		}
		it.FuelLine = ResolveFuelLine(it.FuelLine, ref, r.Period, true)
	case *AllocationAgreement:
		if err := checkFuel(it.FuelType, it.FuelCategory); err != nil {
			return nil, err
		}
	case *OtherUse:
		if err := checkFuel(it.FuelType, it.FuelCategory); err != nil {
			return nil, err
		}
	case *NotionalTransfer:
		if legacy && it.FuelCategory == ColumnJetFuel {
			return nil, invalid("fuel_category", "jet fuel is not reported before %s", ref.TransitionYear)
		}
	}
	out, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OverrideSummaryLine sets one supplier-editable line. Only suppliers of the
// report's organization may override, so government adjustments go through
// line items. Values above their cap are rejected.
func (s *Service) OverrideSummaryLine(ctx context.Context, p Principal, id ReportID, field SummaryField, value decimal.Decimal) (*SummaryRecord, error) {
	head, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	ref, err := s.Reference.Get(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	var saved SummaryRecord
	err = s.withLock(ctx, groupLockKey(head.GroupUUID), func(tx Store) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		if p.IsGovernment() || !p.HasRole(RoleSupplier) || p.OrganizationID != r.OrganizationID {
			return forbidden("only suppliers of %s may override summary lines of %s", r.OrganizationID, r.ID)
		}
		if err := authorizeEdit(p, *r); err != nil {
			return err
		}
		editable := NewEditableLines()
		stored, err := tx.GetSummary(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case stored.IsLocked || stored.Imported:
			return invalidState("summary of %s is locked", id)
		default:
			editable = stored.Editable()
		}
		if err := editable.Set(field, value); err != nil {
			return err
		}
		snap, err := snapshotFor(ctx, tx, id)
		if err != nil {
			return err
		}
		calc, err := s.calculate(ctx, tx, ref, *r, snap, &editable)
		if err != nil {
			return err
		}
		if pr := problemFor(calc, field); pr != nil {
			return invalid(string(field), "%s", pr.Message)
		}
		saved = calc
		return tx.SaveSummary(ctx, calc)
	})
	if err != nil {
		return nil, Classify(err)
	}
	return &saved, nil
}

// UpdateSnapshot replaces the organization snapshot of an editable report.
func (s *Service) UpdateSnapshot(ctx context.Context, p Principal, id ReportID, snap OrganizationSnapshot) (*OrganizationSnapshot, error) {
	head, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return nil, Classify(err)
	}
	ref, err := s.Reference.Get(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	err = s.withLock(ctx, groupLockKey(head.GroupUUID), func(tx Store) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeEdit(p, *r); err != nil {
			return err
		}
		snap.ReportID = id
		snap.IsEdited = true
		snap.UpdatedAt = s.Now()
		if err := tx.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
		calc, err := s.calculate(ctx, tx, ref, *r, &snap, nil)
		if err != nil {
			return err
		}
		return tx.SaveSummary(ctx, calc)
	})
	if err != nil {
		return nil, Classify(err)
	}
	return &snap, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition fires event on a report.
func (s *Service) Transition(ctx context.Context, p Principal, id ReportID, event Event, note string) (*ReportView, error) {
	ctx, span := tracer.Start(ctx, "compliance.Transition", trace.WithAttributes(
		attribute.String("report.id", string(id)),
		attribute.String("report.event", string(event)),
	))
	defer span.End()
	started := s.Now()
	log := s.Log.WithFields(logrus.Fields{"module": "compliance", "func": "Transition", "report_id": id, "event": event})

	fail := func(err error) (*ReportView, error) {
		err = Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.Observer.TransitionFailed(event, KindOf(err))
		log.WithError(err).WithField("kind", KindOf(err)).Warn("transition rejected")
		return nil, err
	}

	if !event.Valid() {
		return fail(invalid("event", "unknown event %q", event))
	}
	head, err := s.Store.GetReport(ctx, id)
	if err != nil {
		return fail(err)
	}

	var (
		from, target ReportStatus
		result       ComplianceReport
		out          outcome
	)
	err = s.withLock(ctx, groupLockKey(head.GroupUUID), func(tx Store) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		from = r.Status
		t, err := resolve(*r, event, p)
		if err != nil {
			return err
		}
		for _, guard := range t.Guards {
			if err := guard(ctx, tx, *r); err != nil {
				return err
			}
		}
		target = t.To(*r)
		out = outcome{}
		if err := s.apply(ctx, tx, p, r, t, target, note, &out); err != nil {
			return err
		}
		result = *r
		return nil
	})
	if err != nil {
		return fail(err)
	}

	out.report(s.Observer, SubjectReport)
	s.Observer.TransitionCompleted(event, from, target, s.Now().Sub(started))
	span.SetAttributes(attribute.String("report.from", string(from)), attribute.String("report.to", string(target)))
	log.WithFields(logrus.Fields{"from": from, "to": target, "group_uuid": result.GroupUUID}).Info("report transitioned")

	v, err := s.view(ctx, s.Store, result)
	return v, Classify(err)
}

func (s *Service) apply(ctx context.Context, tx Store, p Principal, r *ComplianceReport, t Transition, target ReportStatus, note string, out *outcome) error {
	now := s.Now()
	ledger := NewUnitLedger(tx, s.Now)
	from := r.Status
	var summary *SummaryRecord

	if t.Effects.Calculate {
		ref, err := s.Reference.Get(ctx)
		if err != nil {
			return err
		}
		snap, err := snapshotFor(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if t.Effects.RequireSnapshot {
			if snap == nil {
				return &IncompleteSnapshotError{ReportID: r.ID, Missing: OrganizationSnapshot{}.Missing()}
			}
			if missing := snap.Missing(); len(missing) > 0 {
				return &IncompleteSnapshotError{ReportID: r.ID, Missing: missing}
			}
		}
		calc, err := s.calculate(ctx, tx, ref, *r, snap, nil)
		if err != nil {
			return err
		}
		if t.Effects.RequireSignable && !calc.CanSign {
			return &InvalidSummaryError{ReportID: r.ID, Problems: calc.Problems}
		}
		calc.IsLocked = true
		summary = &calc
	}

	switch t.Effects.Ledger {
	case LedgerReserve:
		if err := s.reserve(ctx, tx, ledger, p, r, *summary, out); err != nil {
			return err
		}
	case LedgerFinalize:
		if err := s.finalize(ctx, tx, ledger, r, out); err != nil {
			return err
		}
	}

	if target.Editable() {
		if err := releaseOwn(ctx, tx, ledger, r, out); err != nil {
			return err
		}
		stored, err := tx.GetSummary(ctx, r.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if stored != nil {
			stored.IsLocked = false
			summary = stored
		}
	}

	r.Status = target
	r.UpdatedBy = p.UserID
	r.UpdatedAt = now
	if err := tx.UpdateReport(ctx, *r); err != nil {
		return err
	}
	if summary != nil {
		if err := tx.SaveSummary(ctx, *summary); err != nil {
			return err
		}
	}
	var superseded *ComplianceReport
	if t.Effects.SupersedePrior {
		prior, err := predecessor(ctx, tx, *r)
		if err != nil {
			return err
		}
		if prior != nil {
			prior.Status = StatusSuperseded
			prior.UpdatedBy = p.UserID
			prior.UpdatedAt = now
			if err := tx.UpdateReport(ctx, *prior); err != nil {
				return err
			}
			superseded = prior
		}
	}

	if err := appendHistory(ctx, tx, r, p.UserID, note, now); err != nil {
		return err
	}
	if superseded != nil {
		if err := appendHistory(ctx, tx, superseded, p.UserID, fmt.Sprintf("superseded by version %d", r.Version), now); err != nil {
			return err
		}
	}

	n, err := s.Notifier.Notify(ctx, tx, NotificationEvent{
		Kind:           SubjectReport,
		Types:          reportNotifications(from, target, *r),
		OrganizationID: r.OrganizationID,
		TransactionID:  string(r.ID),
		Status:         string(target),
		ActorID:        p.UserID,
		Message:        fmt.Sprintf("Compliance report %s for %s is now %s", r.ID, r.Period, target),
	})
	if err != nil {
		return err
	}
	out.notified += n
	return nil
}

// =============================================================================
// CALCULATION INPUTS
// =============================================================================

// calculate gathers the calculator input for r from st. A nil editable uses
// the lines stored with r's current summary.
func (s *Service) calculate(ctx context.Context, st Store, ref ReferenceData, r ComplianceReport, snap *OrganizationSnapshot, editable *EditableLines) (SummaryRecord, error) {
	existing, err := st.GetSummary(ctx, r.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return SummaryRecord{}, err
	}
	if existing != nil && existing.Imported {
		return *existing, nil
	}
	lines := NewEditableLines()
	switch {
	case editable != nil:
		lines = *editable
	case existing != nil:
		lines = existing.Editable()
	}

	rows, err := st.ListLineItems(ctx, r.GroupUUID, "")
	if err != nil {
		return SummaryRecord{}, err
	}
	items, err := DecodeEffective(EffectiveRecords(rows, r.Version))
	if err != nil {
		return SummaryRecord{}, err
	}
	prior, err := priorAssessedSummary(ctx, st, r)
	if err != nil {
		return SummaryRecord{}, err
	}
	first, err := firstReport(ctx, st, r)
	if err != nil {
		return SummaryRecord{}, err
	}
	window, err := WindowFor(r.Period, first)
	if err != nil {
		return SummaryRecord{}, err
	}
	ledger := NewUnitLedger(st, s.Now)
	activity, err := ledger.Activity(ctx, r.OrganizationID, window)
	if err != nil {
		return SummaryRecord{}, err
	}
	opening, err := ledger.BalanceAsOf(ctx, r.OrganizationID, window.Start)
	if err != nil {
		return SummaryRecord{}, err
	}

	return Calculate(SummaryInput{
		ReportID:         r.ID,
		Period:           r.Period,
		Frequency:        r.Frequency,
		Reference:        ref,
		Items:            items,
		Editable:         lines,
		Prior:            prior,
		Window:           window,
		Activity:         activity,
		OpeningBalance:   opening,
		SnapshotComplete: snap != nil && snap.Complete(),
	}), nil
}

// priorAssessedSummary returns the live assessed summary of the previous
// period, or nil.
func priorAssessedSummary(ctx context.Context, st Store, r ComplianceReport) (*SummaryRecord, error) {
	groups, err := st.FindGroups(ctx, r.OrganizationID, r.Period.Previous())
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		versions, err := st.ListGroupReports(ctx, g.UUID)
		if err != nil {
			return nil, err
		}
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].Status.Assessed() {
				continue
			}
			summary, err := st.GetSummary(ctx, versions[i].ID)
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return summary, err
		}
	}
	return nil, nil
}

// firstReport reports whether the organization has no assessed report in an
// earlier period.
func firstReport(ctx context.Context, st Store, r ComplianceReport) (bool, error) {
	reports, _, err := st.ListReports(ctx, ReportFilter{
		OrganizationID: r.OrganizationID,
		Statuses:       []ReportStatus{StatusAssessed, StatusReassessed, StatusSuperseded},
	})
	if err != nil {
		return false, err
	}
	for _, other := range reports {
		if other.Period.Before(r.Period) {
			return false, nil
		}
	}
	return true, nil
}

func snapshotFor(ctx context.Context, st Store, id ReportID) (*OrganizationSnapshot, error) {
	snap, err := st.GetSnapshot(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

// =============================================================================
// LOCKING AND AUTHORIZATION
// =============================================================================

// withLock holds key for the whole transaction.
func (s *Service) withLock(ctx context.Context, key string, fn func(tx Store) error) error {
	release, err := s.Locker.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return s.Store.WithTx(ctx, fn)
}

func authorizeRead(p Principal, r ComplianceReport) error {
	if p.IsGovernment() {
		if r.Status == StatusDraft {
			return forbidden("report %s is a supplier draft", r.ID)
		}
		return nil
	}
	if p.OrganizationID != r.OrganizationID {
		return forbidden("report %s belongs to another organization", r.ID)
	}
	return nil
}

func authorizeEdit(p Principal, r ComplianceReport) error {
	switch r.Status {
	case StatusDraft:
		if p.IsGovernment() || !p.HasRole(RoleSupplier) || p.OrganizationID != r.OrganizationID {
			return forbidden("only suppliers of %s may edit draft %s", r.OrganizationID, r.ID)
		}
	case StatusAnalystAdjustment:
		if !p.IsGovernment() || !p.HasAny(RoleAnalyst, RoleComplianceManager) {
			return forbidden("only analysts may edit %s in %s", r.ID, r.Status)
		}
	default:
		return invalidState("report %s is %s and cannot be edited", r.ID, r.Status)
	}
	return nil
}
