/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain records that
  already carry JSON tags (summaries, snapshots, line items, transfers,
  ledger balances) are returned as-is; reports and organizations go through
  DTOs so storage fields like reservation handles stay internal.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Reports:
    ReportDTO, ReportViewDTO, ReportListResponse, TransitionRequest,
    LineItemsRequest, SummaryOverrideRequest

  Organizations:
    OrganizationDTO, CreateOrganizationRequest

  Notifications:
    SubscriptionRequest

  Transfers:
    TransferActionRequest

VALIDATION:
  Request types carry go-playground/validator tags, checked with
  compliance.ValidateStruct before the call reaches a service.

SEE ALSO:
  - handlers.go: Uses these types
  - compliance/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-engine/compliance"
)

// =============================================================================
// REPORTS
// =============================================================================

// ReportDTO represents one report version in API responses.
type ReportDTO struct {
	ID                 string `json:"compliance_report_id"`
	GroupUUID          string `json:"compliance_report_group_uuid"`
	Version            int    `json:"version"`
	OrganizationID     string `json:"organization_id"`
	CompliancePeriod   string `json:"compliance_period"`
	ReportingFrequency string `json:"reporting_frequency"`
	Quarter            string `json:"quarter,omitempty"`
	Initiator          string `json:"supplemental_initiator,omitempty"`
	Status             string `json:"current_status"`
	LegacyID           string `json:"legacy_id,omitempty"`
	HasReservation     bool   `json:"has_reservation"`
	CreatedBy          string `json:"create_user"`
	UpdatedBy          string `json:"update_user"`
	CreatedAt          string `json:"create_date"`
	UpdatedAt          string `json:"update_date"`
}

// ReportViewDTO is a report with its summary, snapshot and history.
type ReportViewDTO struct {
	Report         ReportDTO                        `json:"report"`
	Summary        *compliance.SummaryRecord        `json:"summary,omitempty"`
	Snapshot       *compliance.OrganizationSnapshot `json:"organization_snapshot,omitempty"`
	History        []compliance.HistoryEntry        `json:"history"`
	LineItemCounts map[compliance.Collection]int    `json:"line_item_counts"`
}

// ReportListResponse is one page of reports.
type ReportListResponse struct {
	Reports []ReportDTO `json:"reports"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

// TransitionRequest moves a report through its workflow.
type TransitionRequest struct {
	Event string `json:"event" validate:"required,oneof=submit recommend return return_to_supplier assess assess_reassessment"`
	Note  string `json:"note" validate:"max=1000"`
}

// LineItemsRequest applies mutations to one collection.
type LineItemsRequest struct {
	Mutations []compliance.LineItemMutation `json:"mutations" validate:"required,min=1,dive"`
}

// SummaryOverrideRequest sets one supplier-editable summary line.
type SummaryOverrideRequest struct {
	Value decimal.Decimal `json:"value"`
}

func toReportDTO(r compliance.ComplianceReport) ReportDTO {
	return ReportDTO{
		ID:                 string(r.ID),
		GroupUUID:          r.GroupUUID.String(),
		Version:            r.Version,
		OrganizationID:     string(r.OrganizationID),
		CompliancePeriod:   string(r.Period),
		ReportingFrequency: string(r.Frequency),
		Quarter:            string(r.Quarter),
		Initiator:          string(r.Initiator),
		Status:             string(r.Status),
		LegacyID:           r.LegacyID,
		HasReservation:     r.ReservationHandle != "",
		CreatedBy:          string(r.CreatedBy),
		UpdatedBy:          string(r.UpdatedBy),
		CreatedAt:          r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          r.UpdatedAt.Format(time.RFC3339),
	}
}

func toReportDTOs(reports []compliance.ComplianceReport) []ReportDTO {
	dtos := make([]ReportDTO, len(reports))
	for i, r := range reports {
		dtos[i] = toReportDTO(r)
	}
	return dtos
}

func toReportViewDTO(v *compliance.ReportView) ReportViewDTO {
	history := v.History
	if history == nil {
		history = []compliance.HistoryEntry{}
	}
	return ReportViewDTO{
		Report:         toReportDTO(v.Report),
		Summary:        v.Summary,
		Snapshot:       v.Snapshot,
		History:        history,
		LineItemCounts: v.LineItemCounts,
	}
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

// OrganizationDTO represents an organization in API responses.
type OrganizationDTO struct {
	ID                string `json:"organization_id"`
	Name              string `json:"name"`
	OperatingName     string `json:"operating_name"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	ServiceAddress    string `json:"service_address"`
	RecordsAddress    string `json:"records_address"`
	HeadOfficeAddress string `json:"head_office_address"`
	CreatedAt         string `json:"create_date,omitempty"`
}

// CreateOrganizationRequest registers or updates an organization.
type CreateOrganizationRequest struct {
	ID                string `json:"organization_id" validate:"required,max=64"`
	Name              string `json:"name" validate:"required,max=500"`
	OperatingName     string `json:"operating_name" validate:"max=500"`
	Email             string `json:"email" validate:"omitempty,email"`
	Phone             string `json:"phone" validate:"max=50"`
	ServiceAddress    string `json:"service_address" validate:"max=500"`
	RecordsAddress    string `json:"records_address" validate:"max=500"`
	HeadOfficeAddress string `json:"head_office_address" validate:"max=500"`
}

func toOrganizationDTO(o compliance.Organization) OrganizationDTO {
	dto := OrganizationDTO{
		ID:                string(o.ID),
		Name:              o.Name,
		OperatingName:     o.OperatingName,
		Email:             o.Email,
		Phone:             o.Phone,
		ServiceAddress:    o.ServiceAddress,
		RecordsAddress:    o.RecordsAddress,
		HeadOfficeAddress: o.HeadOfficeAddress,
	}
	if !o.CreatedAt.IsZero() {
		dto.CreatedAt = o.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// SubscriptionRequest opts the caller into one notification type.
type SubscriptionRequest struct {
	Type                      string `json:"notification_type" validate:"required"`
	Channel                   string `json:"notification_channel" validate:"required,oneof=IN_APP EMAIL"`
	Role                      string `json:"role" validate:"required"`
	Email                     string `json:"email" validate:"omitempty,email"`
	CorrelationOrganizationID string `json:"correlation_organization_id"`
}

// =============================================================================
// TRANSFERS
// =============================================================================

// TransferActionRequest carries an optional comment with a transfer action.
type TransferActionRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
