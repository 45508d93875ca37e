/*
supplemental.go - Opening new versions of an assessed report

PURPOSE:
  A supplier corrects an assessed report by opening a supplemental version;
  government revisits one by opening a reassessment. Both require the group's
  head version to be Assessed or Reassessed, so at most one version of a
  group is ever in flight.

WHAT THE NEW VERSION GETS:
  - version = head.version + 1, initiator set, status Draft (supplier) or
    Analyst_adjustment (government)
  - effective line items of the head, copied forward as CREATE rows that keep
    their sub-group uuids
  - the head's organization snapshot and supplier-entered summary lines
  - the head's settled ledger movement as its reservation handle, so the
    eventual reassessment amends that movement instead of adding another
*/
package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OpenSupplemental opens a supplier-initiated version in Draft.
func (s *Service) OpenSupplemental(ctx context.Context, p Principal, group uuid.UUID) (*ReportView, error) {
	if p.IsGovernment() || !p.HasRole(RoleSupplier) {
		return nil, forbidden("only suppliers may open supplemental reports")
	}
	return s.openVersion(ctx, p, group, InitiatorSupplierSupplemental, StatusDraft)
}

// OpenReassessment opens a government-initiated version in Analyst_adjustment.
func (s *Service) OpenReassessment(ctx context.Context, p Principal, group uuid.UUID) (*ReportView, error) {
	if !p.IsGovernment() || !p.HasAny(RoleAnalyst, RoleComplianceManager) {
		return nil, forbidden("only analysts and compliance managers may open reassessments")
	}
	return s.openVersion(ctx, p, group, InitiatorGovernmentReassessment, StatusAnalystAdjustment)
}

func (s *Service) openVersion(ctx context.Context, p Principal, group uuid.UUID, initiator SupplementalInitiator, status ReportStatus) (*ReportView, error) {
	log := s.Log.WithFields(logrus.Fields{"module": "compliance", "func": "openVersion", "group_uuid": group, "initiator": initiator})
	g, err := s.Store.GetGroup(ctx, group)
	if err != nil {
		return nil, Classify(err)
	}
	if !p.IsGovernment() && g.OrganizationID != p.OrganizationID {
		return nil, forbidden("group %s belongs to another organization", group)
	}
	ref, err := s.Reference.Get(ctx)
	if err != nil {
		return nil, Classify(err)
	}

	var (
		opened ComplianceReport
		out    outcome
	)
	err = s.withLock(ctx, groupLockKey(group), func(tx Store) error {
		versions, err := tx.ListGroupReports(ctx, group)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return fmt.Errorf("%w: group %s has no versions", ErrIntegrityViolation, group)
		}
		head := versions[len(versions)-1]
		if !head.Status.Assessed() {
			return invalidState("version %d of group %s is %s, not assessed", head.Version, group, head.Status)
		}

		now := s.Now()
		next := ComplianceReport{
			ID:             NewReportID(),
			GroupUUID:      group,
			Version:        head.Version + 1,
			OrganizationID: head.OrganizationID,
			Period:         head.Period,
			Frequency:      head.Frequency,
			Quarter:        head.Quarter,
			Initiator:      initiator,
			Status:         status,
			CreatedBy:      p.UserID,
			UpdatedBy:      p.UserID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if head.ReservationHandle != "" {
			entry, err := tx.GetLedgerEntry(ctx, head.ReservationHandle)
			if err != nil {
				return err
			}
			if entry.Action == ActionAdjustment {
				next.ReservationHandle = entry.ID
			}
		}
		if err := tx.InsertReport(ctx, next); err != nil {
			return err
		}

		rows, err := tx.ListLineItems(ctx, group, "")
		if err != nil {
			return err
		}
		if copied := CopyForward(EffectiveRecords(rows, head.Version), next, p, now); len(copied) > 0 {
			if err := tx.AppendLineItems(ctx, copied); err != nil {
				return err
			}
		}

		snap, err := snapshotFor(ctx, tx, head.ID)
		if err != nil {
			return err
		}
		if snap != nil {
			carried := *snap
			carried.ReportID = next.ID
			carried.UpdatedAt = now
			if err := tx.SaveSnapshot(ctx, carried); err != nil {
				return err
			}
			snap = &carried
		}

		lines := NewEditableLines()
		headSummary, err := tx.GetSummary(ctx, head.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			lines = headSummary.Editable()
		}
		summary, err := s.calculate(ctx, tx, ref, next, snap, &lines)
		if err != nil {
			return err
		}
		if err := tx.SaveSummary(ctx, summary); err != nil {
			return err
		}

		if err := appendHistory(ctx, tx, &next, p.UserID, "", now); err != nil {
			return err
		}
		n, err := s.Notifier.Notify(ctx, tx, NotificationEvent{
			Kind:           SubjectReport,
			Types:          reportNotifications("", status, next),
			OrganizationID: next.OrganizationID,
			TransactionID:  string(next.ID),
			Status:         string(status),
			ActorID:        p.UserID,
			Message:        fmt.Sprintf("Version %d of the %s compliance report was opened", next.Version, next.Period),
		})
		if err != nil {
			return err
		}
		out.notified = n
		opened = next
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("open version failed")
		return nil, Classify(err)
	}
	out.report(s.Observer, SubjectReport)
	log.WithFields(logrus.Fields{"report_id": opened.ID, "version": opened.Version}).Info("report version opened")
	v, err := s.view(ctx, s.Store, opened)
	return v, Classify(err)
}
