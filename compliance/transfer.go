package compliance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus tracks a unit transfer between two organizations.
type TransferStatus string

const (
	TransferSent      TransferStatus = "Sent"
	TransferSubmitted TransferStatus = "Submitted"
	TransferRecorded  TransferStatus = "Recorded"
	TransferRefused   TransferStatus = "Refused"
	TransferRescinded TransferStatus = "Rescinded"
	TransferDeclined  TransferStatus = "Declined"
)

func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferRecorded, TransferRefused, TransferRescinded, TransferDeclined:
		return true
	}
	return false
}

// Transfer moves units from one organization to another once the director
// records it. The seller's units are reserved from the moment the buyer
// accepts.
type Transfer struct {
	ID                 string          `json:"id"`
	FromOrganizationID OrganizationID  `json:"from_organization_id"`
	ToOrganizationID   OrganizationID  `json:"to_organization_id"`
	Units              decimal.Decimal `json:"quantity"`
	PricePerUnit       decimal.Decimal `json:"price_per_unit"`
	AgreementDate      time.Time       `json:"agreement_date"`
	Status             TransferStatus  `json:"current_status"`
	SellerHandle       HandleID        `json:"-"`
	BuyerHandle        HandleID        `json:"-"`
	Note               string          `json:"note,omitempty"`
	CreatedBy          UserID          `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Involves reports whether org is a party to the transfer.
func (t Transfer) Involves(org OrganizationID) bool {
	return t.FromOrganizationID == org || t.ToOrganizationID == org
}

// GovernmentAdjustment is an initiative agreement or administrative
// adjustment issued by the director.
type GovernmentAdjustment struct {
	ID             string          `json:"id"`
	Source         LedgerSource    `json:"type"`
	OrganizationID OrganizationID  `json:"organization_id"`
	Units          decimal.Decimal `json:"compliance_units"`
	EffectiveAt    time.Time       `json:"effective_date"`
	Handle         HandleID        `json:"-"`
	Note           string          `json:"note,omitempty"`
	CreatedBy      UserID          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type TransferStore interface {
	SaveTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	ListTransfers(ctx context.Context, org OrganizationID) ([]Transfer, error)
	SaveGovernmentAdjustment(ctx context.Context, a GovernmentAdjustment) error
	ListGovernmentAdjustments(ctx context.Context, org OrganizationID) ([]GovernmentAdjustment, error)
}
