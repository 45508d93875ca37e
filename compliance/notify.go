/*
notify.go - Notification fan-out

PURPOSE:
  Turns a committed event (report status change, transfer action, government
  issuance) into in-app message rows and email request rows, one per
  matching subscription. Rows are written in the same transaction as the
  event, so a rolled-back transition never notifies anyone. Delivery happens
  later in the notify package.

RECIPIENTS:
  Each notification type has an audience:
    SAME_ORGANIZATION    supplier users of the event's organization
    OTHER_ORGANIZATIONS  government staff, plus partner organizations named
                         by the event (transfers)
  Analysts who follow a single organization (correlation organization) are
  skipped for transfer events that do not involve it.
*/
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TYPES
// =============================================================================

type NotificationType string

const (
	NotifySupplierAssessment         NotificationType = "BCEID__COMPLIANCE_REPORT__DIRECTOR_ASSESSMENT"
	NotifySupplierReturned           NotificationType = "BCEID__COMPLIANCE_REPORT__RETURNED_TO_SUPPLIER"
	NotifySupplierReassessmentOpened NotificationType = "BCEID__COMPLIANCE_REPORT__REASSESSMENT_OPENED"
	NotifyAnalystSubmitted           NotificationType = "IDIR_ANALYST__COMPLIANCE_REPORT__SUBMITTED_FOR_REVIEW"
	NotifyAnalystManagerReturned     NotificationType = "IDIR_ANALYST__COMPLIANCE_REPORT__MANAGER_RECOMMENDATION"
	NotifyAnalystDirectorDecision    NotificationType = "IDIR_ANALYST__COMPLIANCE_REPORT__DIRECTOR_DECISION"
	NotifyManagerAnalystRecommended  NotificationType = "IDIR_COMPLIANCE_MANAGER__COMPLIANCE_REPORT__ANALYST_RECOMMENDATION"
	NotifyManagerDirectorReturned    NotificationType = "IDIR_COMPLIANCE_MANAGER__COMPLIANCE_REPORT__DIRECTOR_RETURNED"
	NotifyManagerDirectorDecision    NotificationType = "IDIR_COMPLIANCE_MANAGER__COMPLIANCE_REPORT__DIRECTOR_DECISION"
	NotifyDirectorManagerRecommended NotificationType = "IDIR_DIRECTOR__COMPLIANCE_REPORT__MANAGER_RECOMMENDATION"
	NotifyAnalystSupplemental        NotificationType = "IDIR_ANALYST__COMPLIANCE_REPORT__SUPPLEMENTAL_CREATED"

	NotifyTransferPartnerAction    NotificationType = "BCEID__TRANSFER__PARTNER_ACTIONS"
	NotifyTransferDirectorDecision NotificationType = "BCEID__TRANSFER__DIRECTOR_DECISION"
	NotifyAnalystTransferSubmitted NotificationType = "IDIR_ANALYST__TRANSFER__SUBMITTED_FOR_REVIEW"
	NotifyDirectorTransferReview   NotificationType = "IDIR_DIRECTOR__TRANSFER__ANALYST_RECOMMENDATION"
	NotifyAnalystTransferDecision  NotificationType = "IDIR_ANALYST__TRANSFER__DIRECTOR_RECORDED"

	NotifySupplierGovernmentIssuance NotificationType = "BCEID__INITIATIVE_AGREEMENT__DIRECTOR_APPROVAL"
	NotifyAnalystGovernmentIssuance  NotificationType = "IDIR_ANALYST__INITIATIVE_AGREEMENT__DIRECTOR_APPROVAL"
)

type Audience string

const (
	AudienceSameOrganization   Audience = "SAME_ORGANIZATION"
	AudienceOtherOrganizations Audience = "OTHER_ORGANIZATIONS"
)

var notificationAudience = map[NotificationType]Audience{
	NotifySupplierAssessment:         AudienceSameOrganization,
	NotifySupplierReturned:           AudienceSameOrganization,
	NotifySupplierReassessmentOpened: AudienceSameOrganization,
	NotifyAnalystSubmitted:           AudienceOtherOrganizations,
	NotifyAnalystManagerReturned:     AudienceOtherOrganizations,
	NotifyAnalystDirectorDecision:    AudienceOtherOrganizations,
	NotifyManagerAnalystRecommended:  AudienceOtherOrganizations,
	NotifyManagerDirectorReturned:    AudienceOtherOrganizations,
	NotifyManagerDirectorDecision:    AudienceOtherOrganizations,
	NotifyDirectorManagerRecommended: AudienceOtherOrganizations,
	NotifyAnalystSupplemental:        AudienceOtherOrganizations,
	NotifyTransferPartnerAction:      AudienceOtherOrganizations,
	NotifyTransferDirectorDecision:   AudienceSameOrganization,
	NotifyAnalystTransferSubmitted:   AudienceOtherOrganizations,
	NotifyDirectorTransferReview:     AudienceOtherOrganizations,
	NotifyAnalystTransferDecision:    AudienceOtherOrganizations,
	NotifySupplierGovernmentIssuance: AudienceSameOrganization,
	NotifyAnalystGovernmentIssuance:  AudienceOtherOrganizations,
}

// AudienceOf returns the audience of a type and whether the type is known.
func AudienceOf(t NotificationType) (Audience, bool) {
	a, ok := notificationAudience[t]
	return a, ok
}

type Channel string

const (
	ChannelInApp Channel = "IN_APP"
	ChannelEmail Channel = "EMAIL"
)

// =============================================================================
// RECORDS
// =============================================================================

// Subscription opts one user into one notification type on one channel.
type Subscription struct {
	ID             string           `json:"id"`
	UserID         UserID           `json:"user_profile_id"`
	OrganizationID OrganizationID   `json:"organization_id,omitempty"`
	Role           Role             `json:"role"`
	Email          string           `json:"email,omitempty" validate:"omitempty,email"`
	Type           NotificationType `json:"notification_type" validate:"required"`
	Channel        Channel          `json:"notification_channel" validate:"required,oneof=IN_APP EMAIL"`

	// CorrelationOrganizationID limits an analyst to one organization's
	// transfer events.
	CorrelationOrganizationID OrganizationID `json:"correlation_organization_id,omitempty"`
}

// InAppMessage is a message shown in the recipient's inbox.
type InAppMessage struct {
	ID                   string           `json:"id"`
	RecipientID          UserID           `json:"related_user_profile_id"`
	Type                 NotificationType `json:"type"`
	OrganizationID       OrganizationID   `json:"origin_organization_id,omitempty"`
	RelatedTransactionID string           `json:"related_transaction_id"`
	Message              string           `json:"message"`
	IsRead               bool             `json:"is_read"`
	CreatedAt            time.Time        `json:"create_date"`
}

type EmailStatus string

const (
	EmailPending EmailStatus = "PENDING"
	EmailSent    EmailStatus = "SENT"
	EmailFailed  EmailStatus = "FAILED"
)

// EmailRequest is queued for the delivery worker.
type EmailRequest struct {
	ID          string           `json:"id"`
	RecipientID UserID           `json:"recipient_id"`
	Address     string           `json:"address"`
	Type        NotificationType `json:"type"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Status      EmailStatus      `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type NotificationStore interface {
	EnqueueMessage(ctx context.Context, m InAppMessage) error
	EnqueueEmail(ctx context.Context, e EmailRequest) error
	ListMessages(ctx context.Context, recipient UserID) ([]InAppMessage, error)
	// PendingEmails returns up to limit pending requests, oldest first.
	PendingEmails(ctx context.Context, limit int) ([]EmailRequest, error)
	UpdateEmail(ctx context.Context, e EmailRequest) error
}

type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context, types []NotificationType) ([]Subscription, error)
}

// =============================================================================
// EVENTS
// =============================================================================

type SubjectKind string

const (
	SubjectReport   SubjectKind = "compliance_report"
	SubjectTransfer SubjectKind = "transfer"
	SubjectIssuance SubjectKind = "initiative_agreement"
)

// NotificationEvent describes what happened for the fan-out.
type NotificationEvent struct {
	Kind           SubjectKind
	Types          []NotificationType
	OrganizationID OrganizationID

	// RelatedOrganizations are partner organizations (transfers).
	RelatedOrganizations []OrganizationID
	TransactionID        string
	Status               string
	ActorID              UserID
	Message              string
}

func (e NotificationEvent) involves(org OrganizationID) bool {
	if e.OrganizationID == org {
		return true
	}
	for _, o := range e.RelatedOrganizations {
		if o == org {
			return true
		}
	}
	return false
}

// Notifier enqueues notification rows for an event inside tx.
type Notifier interface {
	Notify(ctx context.Context, tx Store, ev NotificationEvent) (int, error)
}

// Fanout is the default Notifier.
type Fanout struct {
	Now func() time.Time
}

func NewFanout(now func() time.Time) *Fanout {
	if now == nil {
		now = time.Now
	}
	return &Fanout{Now: now}
}

// Notify enqueues one row per matching subscription and returns how many
// rows were written.
func (f *Fanout) Notify(ctx context.Context, tx Store, ev NotificationEvent) (int, error) {
	if len(ev.Types) == 0 {
		return 0, nil
	}
	subs, err := tx.ListSubscriptions(ctx, ev.Types)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	now := f.Now()
	seen := make(map[string]bool)
	written := 0
	for _, sub := range subs {
		if !recipient(sub, ev) {
			continue
		}
		key := string(sub.UserID) + "|" + string(sub.Type) + "|" + string(sub.Channel)
		if seen[key] {
			continue
		}
		seen[key] = true

		switch sub.Channel {
		case ChannelInApp:
			err = tx.EnqueueMessage(ctx, InAppMessage{
				ID:                   "msg-" + uuid.NewString(),
				RecipientID:          sub.UserID,
				Type:                 sub.Type,
				OrganizationID:       ev.OrganizationID,
				RelatedTransactionID: ev.TransactionID,
				Message:              ev.Message,
				CreatedAt:            now,
			})
		case ChannelEmail:
			if sub.Email == "" {
				continue
			}
			err = tx.EnqueueEmail(ctx, EmailRequest{
				ID:          "email-" + uuid.NewString(),
				RecipientID: sub.UserID,
				Address:     sub.Email,
				Type:        sub.Type,
				Subject:     subjectFor(ev),
				Body:        ev.Message,
				Status:      EmailPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		default:
			continue
		}
		if err != nil {
			return written, fmt.Errorf("enqueue %s notification: %w", sub.Channel, err)
		}
		written++
	}
	return written, nil
}

func recipient(sub Subscription, ev NotificationEvent) bool {
	audience, ok := AudienceOf(sub.Type)
	if !ok {
		return false
	}
	switch audience {
	case AudienceSameOrganization:
		if sub.OrganizationID == "" || sub.OrganizationID != ev.OrganizationID {
			return false
		}
	case AudienceOtherOrganizations:
		if sub.OrganizationID != "" {
			partner := false
			for _, o := range ev.RelatedOrganizations {
				if o == sub.OrganizationID {
					partner = true
				}
			}
			if !partner {
				return false
			}
		}
	}
	if ev.Kind == SubjectTransfer && sub.Role == RoleAnalyst && sub.CorrelationOrganizationID != "" {
		return ev.involves(sub.CorrelationOrganizationID)
	}
	return true
}

func subjectFor(ev NotificationEvent) string {
	switch ev.Kind {
	case SubjectTransfer:
		return fmt.Sprintf("Transfer %s: %s", ev.TransactionID, ev.Status)
	case SubjectIssuance:
		return fmt.Sprintf("Compliance units issued: %s", ev.TransactionID)
	}
	return fmt.Sprintf("Compliance report %s: %s", ev.TransactionID, ev.Status)
}

// reportNotifications maps a status change to the types it triggers.
func reportNotifications(from, to ReportStatus, r ComplianceReport) []NotificationType {
	switch to {
	case StatusSubmitted:
		if from == StatusDraft {
			return []NotificationType{NotifyAnalystSubmitted}
		}
		return []NotificationType{NotifyAnalystManagerReturned}
	case StatusAnalystAdjustment:
		if from == StatusRecommendedByAnalyst {
			return []NotificationType{NotifyAnalystManagerReturned}
		}
		return []NotificationType{NotifySupplierReassessmentOpened}
	case StatusRecommendedByAnalyst:
		if from == StatusRecommendedByManager {
			return []NotificationType{NotifyManagerDirectorReturned}
		}
		return []NotificationType{NotifyManagerAnalystRecommended}
	case StatusRecommendedByManager:
		return []NotificationType{NotifyDirectorManagerRecommended}
	case StatusAssessed, StatusReassessed:
		return []NotificationType{NotifySupplierAssessment, NotifyAnalystDirectorDecision, NotifyManagerDirectorDecision}
	case StatusDraft:
		if from == StatusSubmitted {
			return []NotificationType{NotifySupplierReturned}
		}
		if !r.IsOriginal() {
			return []NotificationType{NotifyAnalystSupplemental}
		}
	}
	return nil
}
