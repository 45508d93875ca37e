/*
report.go - The report aggregate and its ledger reservation

PURPOSE:
  A report version owns at most one ledger entry, referenced by its
  reservation handle. The entry follows the version through review:

    Submitted (net != 0)       Reserve net
    back to an editable status Release the version's own reservation
    Assessed / Reassessed      Settle the version's own reservation, or
                               amend the carried Adjustment to the new net

  A zero net position reserves nothing and leaves the handle empty.

  A version carrying a settled movement that lowers its net holds the
  decrease as a separate Reserved entry correlated with the version, so the
  units are unavailable while it is in review. Finalizing releases that
  entry and amends the carried movement in the same transaction.
*/
package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ReportView is a report with everything a reader needs alongside it.
type ReportView struct {
	Report         ComplianceReport
	Summary        *SummaryRecord
	Snapshot       *OrganizationSnapshot
	History        []HistoryEntry
	LineItemCounts map[Collection]int
}

func (s *Service) view(ctx context.Context, st Store, r ComplianceReport) (*ReportView, error) {
	v := &ReportView{Report: r}
	summary, err := st.GetSummary(ctx, r.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	v.Summary = summary
	if v.Snapshot, err = snapshotFor(ctx, st, r.ID); err != nil {
		return nil, err
	}
	if v.History, err = st.ListHistory(ctx, r.ID); err != nil {
		return nil, err
	}
	rows, err := st.ListLineItems(ctx, r.GroupUUID, "")
	if err != nil {
		return nil, err
	}
	v.LineItemCounts = CountByCollection(EffectiveRecords(rows, r.Version))
	return v, nil
}

// reserve holds the report's net position. A version carrying a settled
// movement from its predecessor reserves only a decrease of that movement.
func (s *Service) reserve(ctx context.Context, tx Store, ledger *UnitLedger, p Principal, r *ComplianceReport, summary SummaryRecord, out *outcome) error {
	net := summary.NetPosition()
	if r.ReservationHandle != "" {
		entry, err := tx.GetLedgerEntry(ctx, r.ReservationHandle)
		if err != nil {
			return err
		}
		switch entry.Action {
		case ActionAdjustment:
			return s.reserveDecrease(ctx, tx, ledger, p, r, *entry, net, out)
		case ActionReserved:
			if err := ledger.Amend(ctx, AmendRequest{Handle: entry.ID, Delta: net, CorrelationID: string(r.ID)}); err != nil {
				return err
			}
			if net.IsZero() {
				r.ReservationHandle = ""
				out.moved(ActionReleased, entry.Delta)
			} else {
				out.moved(ActionReserved, net)
			}
			return nil
		}
		r.ReservationHandle = ""
	}
	if net.IsZero() {
		return nil
	}
	h, err := ledger.Reserve(ctx, ReserveRequest{
		OrganizationID: r.OrganizationID,
		Delta:          net,
		Source:         SourceComplianceReport,
		CorrelationID:  string(r.ID),
		ActorID:        p.UserID,
	})
	if err != nil {
		return err
	}
	r.ReservationHandle = h
	out.moved(ActionReserved, net)
	return nil
}

func (s *Service) reserveDecrease(ctx context.Context, tx Store, ledger *UnitLedger, p Principal, r *ComplianceReport, carried LedgerEntry, net decimal.Decimal, out *outcome) error {
	if err := releaseDecrease(ctx, tx, ledger, *r, out); err != nil {
		return err
	}
	decrease := net.Sub(carried.Delta)
	if !decrease.IsNegative() {
		return nil
	}
	if _, err := ledger.Reserve(ctx, ReserveRequest{
		OrganizationID: r.OrganizationID,
		Delta:          decrease,
		Source:         SourceComplianceReport,
		CorrelationID:  string(r.ID),
		ActorID:        p.UserID,
	}); err != nil {
		return err
	}
	out.moved(ActionReserved, decrease)
	return nil
}

// pendingDecrease returns the Reserved entry holding r's decrease of a
// carried movement, or nil.
func pendingDecrease(ctx context.Context, tx Store, r ComplianceReport) (*LedgerEntry, error) {
	entries, err := tx.ListLedgerEntries(ctx, r.OrganizationID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		e := entries[i]
		if e.Action == ActionReserved && e.Source == SourceComplianceReport &&
			e.CorrelationID == string(r.ID) && e.ID != r.ReservationHandle {
			return &e, nil
		}
	}
	return nil, nil
}

func releaseDecrease(ctx context.Context, tx Store, ledger *UnitLedger, r ComplianceReport, out *outcome) error {
	held, err := pendingDecrease(ctx, tx, r)
	if err != nil || held == nil {
		return err
	}
	if err := ledger.Release(ctx, held.ID); err != nil {
		return err
	}
	out.moved(ActionReleased, held.Delta)
	return nil
}

// finalize commits an assessment: the version's own reservation is settled,
// or the carried movement is amended to the new net and re-pointed at this
// version.
func (s *Service) finalize(ctx context.Context, tx Store, ledger *UnitLedger, r *ComplianceReport, out *outcome) error {
	summary, err := tx.GetSummary(ctx, r.ID)
	if err != nil {
		return err
	}
	net := summary.NetPosition()
	if r.ReservationHandle == "" {
		if net.IsZero() {
			return nil
		}
		return fmt.Errorf("%w: report %s has net %s but no reservation", ErrIntegrityViolation, r.ID, net)
	}
	entry, err := tx.GetLedgerEntry(ctx, r.ReservationHandle)
	if err != nil {
		return err
	}
	now := s.Now()
	switch entry.Action {
	case ActionReserved:
		if err := ledger.Settle(ctx, entry.ID, now); err != nil {
			return err
		}
		out.moved(ActionAdjustment, entry.Delta)
	case ActionAdjustment:
		if err := releaseDecrease(ctx, tx, ledger, *r, out); err != nil {
			return err
		}
		if err := ledger.Amend(ctx, AmendRequest{Handle: entry.ID, Delta: net, CorrelationID: string(r.ID), EffectiveAt: now}); err != nil {
			return err
		}
		out.moved(ActionAdjustment, net.Sub(entry.Delta))
	default:
		return fmt.Errorf("%w: reservation %s of %s is %s", ErrIntegrityViolation, entry.ID, r.ID, entry.Action)
	}
	return nil
}

// releaseOwn releases the reservations the version made itself. A carried,
// already settled movement stays untouched.
func releaseOwn(ctx context.Context, tx Store, ledger *UnitLedger, r *ComplianceReport, out *outcome) error {
	if err := releaseDecrease(ctx, tx, ledger, *r, out); err != nil {
		return err
	}
	if r.ReservationHandle == "" {
		return nil
	}
	entry, err := tx.GetLedgerEntry(ctx, r.ReservationHandle)
	if err != nil {
		return err
	}
	if entry.Action != ActionReserved {
		return nil
	}
	if err := ledger.Release(ctx, entry.ID); err != nil {
		return err
	}
	r.ReservationHandle = ""
	out.moved(ActionReleased, entry.Delta)
	return nil
}

