/*
Package compliance provides the compliance report lifecycle engine.

PURPOSE:
  Organizations report fuel supply, exports, allocations and related activity
  for a compliance period. Government analysts, managers and directors review
  and assess those reports. Every assessment moves compliance units in the
  organization's ledger. This package holds the versioned report aggregate, the
  state machine that moves it between supplier and government actors, the
  21-line summary calculator, and the unit ledger the reports settle against.

KEY CONCEPTS IN THIS FILE (types.go):
  - CompliancePeriod: a calendar year ("2024"), ordered, legacy or current era
  - ReportGroup: the chain of versions of one organization's report for a period
  - ComplianceReport: one version in a group, with status and reservation handle
  - Principal: the authenticated caller (user, organization, roles)

DESIGN PRINCIPLES:
  1. Precision: units, volumes and penalties use decimal.Decimal, never floats
  2. Derived balances: an organization's balance is computed from the ledger
  3. Versioning by rows: line items are versioned rows, never mutated in place
  4. Atomic transitions: every status change commits with its ledger, history
     and notification rows, or not at all

SEE ALSO:
  - statemachine.go: the transition table
  - ledger.go: reservation, settlement and amendment of compliance units
  - summary.go: the 21-line summary calculator
  - service.go: the coordinated write path
*/
package compliance

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrganizationID string
type ReportID string
type UserID string

// HandleID identifies one ledger entry. A report's reservation handle points at
// the entry that holds (or has settled) its compliance units.
type HandleID string

// NewReportID returns a fresh report identifier.
func NewReportID() ReportID { return ReportID("cr-" + uuid.NewString()) }

// =============================================================================
// REPORT ATTRIBUTES
// =============================================================================

type ReportingFrequency string

const (
	FrequencyAnnual    ReportingFrequency = "ANNUAL"
	FrequencyQuarterly ReportingFrequency = "QUARTERLY"
)

func (f ReportingFrequency) Valid() bool {
	return f == FrequencyAnnual || f == FrequencyQuarterly
}

type Quarter string

const (
	QuarterNone Quarter = ""
	Q1          Quarter = "Q1"
	Q2          Quarter = "Q2"
	Q3          Quarter = "Q3"
	Q4          Quarter = "Q4"
)

func (q Quarter) Valid() bool {
	switch q {
	case QuarterNone, Q1, Q2, Q3, Q4:
		return true
	}
	return false
}

// SupplementalInitiator records who opened a non-original version.
type SupplementalInitiator string

const (
	InitiatorNone                   SupplementalInitiator = ""
	InitiatorSupplierSupplemental   SupplementalInitiator = "SUPPLIER_SUPPLEMENTAL"
	InitiatorGovernmentReassessment SupplementalInitiator = "GOVERNMENT_REASSESSMENT"
)

// =============================================================================
// STATUS
// =============================================================================

type ReportStatus string

const (
	StatusDraft                ReportStatus = "Draft"
	StatusSubmitted            ReportStatus = "Submitted"
	StatusAnalystAdjustment    ReportStatus = "Analyst_adjustment"
	StatusRecommendedByAnalyst ReportStatus = "Recommended_by_analyst"
	StatusRecommendedByManager ReportStatus = "Recommended_by_manager"
	StatusAssessed             ReportStatus = "Assessed"
	StatusReassessed           ReportStatus = "Reassessed"
	StatusSuperseded           ReportStatus = "Superseded"
)

// Terminal statuses never change again.
func (s ReportStatus) Terminal() bool {
	switch s {
	case StatusAssessed, StatusReassessed, StatusSuperseded:
		return true
	}
	return false
}

// Editable statuses accept line-item and summary changes.
// Draft is editable by the supplier, Analyst_adjustment by government.
func (s ReportStatus) Editable() bool {
	return s == StatusDraft || s == StatusAnalystAdjustment
}

// Assessed reports whether the status closes a version with a decision.
func (s ReportStatus) Assessed() bool {
	return s == StatusAssessed || s == StatusReassessed
}

func ParseReportStatus(s string) (ReportStatus, bool) {
	switch st := ReportStatus(s); st {
	case StatusDraft, StatusSubmitted, StatusAnalystAdjustment, StatusRecommendedByAnalyst,
		StatusRecommendedByManager, StatusAssessed, StatusReassessed, StatusSuperseded:
		return st, true
	}
	return "", false
}

// =============================================================================
// PRINCIPAL
// =============================================================================

type Role string

const (
	RoleSupplier          Role = "Supplier"
	RoleSigningAuthority  Role = "SigningAuthority"
	RoleAnalyst           Role = "Analyst"
	RoleComplianceManager Role = "ComplianceManager"
	RoleDirector          Role = "Director"
	RoleAdministrator     Role = "Administrator"
)

// Government roles belong to staff without an organization.
func (r Role) Government() bool {
	switch r {
	case RoleAnalyst, RoleComplianceManager, RoleDirector, RoleAdministrator:
		return true
	}
	return false
}

// UserType is the actor class stamped on line-item rows.
type UserType string

const (
	UserTypeSupplier   UserType = "SUPPLIER"
	UserTypeGovernment UserType = "GOVERNMENT"
)

// Principal is the authenticated caller handed to every operation.
type Principal struct {
	UserID         UserID
	OrganizationID OrganizationID // empty for government staff
	Roles          []Role
}

func (p Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p Principal) HasAll(roles ...Role) bool {
	for _, r := range roles {
		if !p.HasRole(r) {
			return false
		}
	}
	return true
}

func (p Principal) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

func (p Principal) IsGovernment() bool {
	return p.OrganizationID == ""
}

func (p Principal) UserType() UserType {
	if p.IsGovernment() {
		return UserTypeGovernment
	}
	return UserTypeSupplier
}

// =============================================================================
// ORGANIZATION
// =============================================================================

// Organization is consumed as a foreign reference. It carries no balance:
// balances are always derived from the ledger.
type Organization struct {
	ID                OrganizationID
	Name              string
	OperatingName     string
	Email             string
	Phone             string
	ServiceAddress    string
	RecordsAddress    string
	HeadOfficeAddress string
	CreatedAt         time.Time
}

// =============================================================================
// REPORT GROUP AND REPORT
// =============================================================================

// ReportGroup is the chain of versions of one report.
type ReportGroup struct {
	UUID           uuid.UUID
	OrganizationID OrganizationID
	Period         CompliancePeriod
	CreatedAt      time.Time
}

// ComplianceReport is one version inside a group.
type ComplianceReport struct {
	ID             ReportID
	GroupUUID      uuid.UUID
	Version        int
	OrganizationID OrganizationID
	Period         CompliancePeriod
	Frequency      ReportingFrequency
	Quarter        Quarter
	Initiator      SupplementalInitiator
	Status         ReportStatus

	// ReservationHandle points at the ledger entry holding this version's
	// units. Empty when nothing is reserved or the net position was zero.
	ReservationHandle HandleID

	// LegacyID is set on reports imported from the historical system.
	LegacyID string

	CreatedBy UserID
	UpdatedBy UserID
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r ComplianceReport) IsOriginal() bool { return r.Version == 0 }

func (r ComplianceReport) GovernmentInitiated() bool {
	return r.Initiator == InitiatorGovernmentReassessment
}

// ReportFilter narrows ListReports.
type ReportFilter struct {
	OrganizationID OrganizationID
	Period         CompliancePeriod
	Statuses       []ReportStatus
	ExcludeDraft   bool
	Limit          int
	Offset         int
}
