/*
summary.go - The 21-line compliance summary

PURPOSE:
  Calculate turns a report's effective line items, the period's reference
  rules, the prior period's assessed summary and the organization's ledger
  activity into the summary the supplier signs. It is a pure function: the
  same input always produces the same record.

RENEWABLE REQUIREMENT (per column: gasoline, diesel, jet fuel):
  L1  fossil-derived volume supplied
  L2  renewable volume supplied
  L3  L1 + L2
  L4  L3 × renewable percentage
  L5  net notional transfers (received +, transferred −)
  L6  retained, supplier-editable, 0 ≤ L6 ≤ L4 × retention factor
  L7  previously retained, supplier-editable, 0 ≤ L7 ≤ prior period L6
  L8  deferred, supplier-editable, 0 ≤ L8 ≤ L4 × deferral factor
  L9  obligation added (prior period L8)
  L10 L2 + L5 − L6 + L7 + L8 − L9
  L11 max(0, L4 − L10) × penalty rate

LOW CARBON FUEL REQUIREMENT:
  L12 units transferred away in the window
  L13 units received in the window
  L14 units issued by government in the window
  L15 banked units used, supplier-editable, 0 ≤ L15 ≤ L17
  L16 net compliance units of effective fuel supplies and exports
  L17 available balance at window start
  L18 max(0, L20)
  L19 units to be exported, supplier-editable, 0 ≤ L19 ≤ L18
  L20 compliance unit balance change of this report (L16)
  L21 non-compliance penalty payable (Σ L11)
  L22 L17 − L12 + L13 + L14 + L20

ROUNDING:
  Volumes half-up to whole litres, compliance units to whole units at the
  boundary, money to two places.

SEE ALSO:
  - fuel.go: per-item compliance units
  - period.go: transaction windows
*/
package compliance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUMMARY RECORD
// =============================================================================

// ColumnLines holds Lines 1-11 of one fuel column.
type ColumnLines struct {
	Line1FossilDerived      decimal.Decimal `json:"line_1_fossil_derived_base_fuel"`
	Line2Renewable          decimal.Decimal `json:"line_2_eligible_renewable_fuel_supplied"`
	Line3Total              decimal.Decimal `json:"line_3_total_tracked_fuel_supplied"`
	Line4RequiredRenewable  decimal.Decimal `json:"line_4_eligible_renewable_fuel_required"`
	Line5NotionalTransfers  decimal.Decimal `json:"line_5_net_notionally_transferred"`
	Line6Retained           decimal.Decimal `json:"line_6_renewable_fuel_retained"`
	Line7PreviouslyRetained decimal.Decimal `json:"line_7_previously_retained"`
	Line8Deferred           decimal.Decimal `json:"line_8_obligation_deferred"`
	Line9ObligationAdded    decimal.Decimal `json:"line_9_obligation_added"`
	Line10NetRenewable      decimal.Decimal `json:"line_10_net_renewable_fuel_supplied"`
	Line11Penalty           decimal.Decimal `json:"line_11_non_compliance_penalty"`
}

// SummaryRecord is the full summary of one report version.
type SummaryRecord struct {
	ReportID ReportID          `json:"report_id"`
	Legacy   bool              `json:"legacy"`
	Window   TransactionWindow `json:"window"`

	Gasoline ColumnLines  `json:"gasoline"`
	Diesel   ColumnLines  `json:"diesel"`
	JetFuel  *ColumnLines `json:"jet_fuel,omitempty"`

	Line12TransferredOut      decimal.Decimal `json:"line_12_units_transferred_out"`
	Line13Received            decimal.Decimal `json:"line_13_units_received"`
	Line14IssuedByGovernment  decimal.Decimal `json:"line_14_units_issued"`
	Line15BankedUsed          decimal.Decimal `json:"line_15_banked_units_used"`
	Line16NetItemUnits        decimal.Decimal `json:"line_16_net_item_units"`
	Line17OpeningBalance      decimal.Decimal `json:"line_17_available_balance_at_window_start"`
	Line18UnitsToBeBanked     decimal.Decimal `json:"line_18_units_to_be_banked"`
	Line19UnitsToBeExported   decimal.Decimal `json:"line_19_units_to_be_exported"`
	Line20BalanceChange       decimal.Decimal `json:"line_20_surplus_deficit_units"`
	Line21Penalty             decimal.Decimal `json:"line_21_non_compliance_penalty_payable"`
	Line22AvailableBalanceEnd decimal.Decimal `json:"line_22_available_balance_at_period_end"`

	IsLocked      bool             `json:"is_locked"`
	CanSign       bool             `json:"can_sign"`
	EarlyIssuance bool             `json:"early_issuance"`
	Imported      bool             `json:"imported"`
	Problems      []SummaryProblem `json:"problems,omitempty"`
}

// Column returns the lines of c, or nil when the column is not reported.
func (s *SummaryRecord) Column(c Column) *ColumnLines {
	switch c {
	case ColumnGasoline:
		return &s.Gasoline
	case ColumnDiesel:
		return &s.Diesel
	case ColumnJetFuel:
		return s.JetFuel
	}
	return nil
}

// NetPosition is the signed unit movement this report asks the ledger for.
func (s SummaryRecord) NetPosition() decimal.Decimal {
	return s.Line20BalanceChange
}

// SummaryProblem explains why a summary cannot be signed.
type SummaryProblem struct {
	Field   SummaryField `json:"field,omitempty"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
}

const (
	ProblemMissingRules       = "missing_rules"
	ProblemUnknownRequirement = "unknown_renewable_requirement"
	ProblemUnknownFuelType    = "unknown_fuel_type"
	ProblemCapExceeded        = "cap_exceeded"
	ProblemNegative           = "negative_value"
	ProblemIncompleteSnapshot = "incomplete_snapshot"
)

// SummaryStore persists one summary per report.
type SummaryStore interface {
	SaveSummary(ctx context.Context, s SummaryRecord) error
	// GetSummary returns ErrNotFound when the report has no summary yet.
	GetSummary(ctx context.Context, id ReportID) (*SummaryRecord, error)
}

// =============================================================================
// SUPPLIER-EDITABLE LINES
// =============================================================================

type SummaryField string

const (
	FieldLine6Gasoline SummaryField = "line_6_gasoline"
	FieldLine6Diesel   SummaryField = "line_6_diesel"
	FieldLine6JetFuel  SummaryField = "line_6_jet_fuel"
	FieldLine7Gasoline SummaryField = "line_7_gasoline"
	FieldLine7Diesel   SummaryField = "line_7_diesel"
	FieldLine7JetFuel  SummaryField = "line_7_jet_fuel"
	FieldLine8Gasoline SummaryField = "line_8_gasoline"
	FieldLine8Diesel   SummaryField = "line_8_diesel"
	FieldLine8JetFuel  SummaryField = "line_8_jet_fuel"
	FieldLine15        SummaryField = "line_15"
	FieldLine19        SummaryField = "line_19"
)

func columnField(line int, c Column) SummaryField {
	return SummaryField(fmt.Sprintf("line_%d_%s", line, c))
}

// EditableLines are the values a supplier types into the summary.
type EditableLines struct {
	Retained           map[Column]decimal.Decimal
	PreviouslyRetained map[Column]decimal.Decimal
	Deferred           map[Column]decimal.Decimal
	BankedUsed         decimal.Decimal
	ToExport           decimal.Decimal
}

func NewEditableLines() EditableLines {
	return EditableLines{
		Retained:           map[Column]decimal.Decimal{},
		PreviouslyRetained: map[Column]decimal.Decimal{},
		Deferred:           map[Column]decimal.Decimal{},
	}
}

// Editable extracts the supplier-entered lines from a stored summary.
func (s SummaryRecord) Editable() EditableLines {
	e := NewEditableLines()
	for _, c := range Columns {
		col := s.Column(c)
		if col == nil {
			continue
		}
		e.Retained[c] = col.Line6Retained
		e.PreviouslyRetained[c] = col.Line7PreviouslyRetained
		e.Deferred[c] = col.Line8Deferred
	}
	e.BankedUsed = s.Line15BankedUsed
	e.ToExport = s.Line19UnitsToBeExported
	return e
}

// Set writes one editable field. Values must be whole and non-negative.
func (e *EditableLines) Set(field SummaryField, v decimal.Decimal) error {
	if v.IsNegative() || !v.Equal(v.Truncate(0)) {
		return invalid(string(field), "must be a non-negative whole number")
	}
	switch field {
	case FieldLine15:
		e.BankedUsed = v
		return nil
	case FieldLine19:
		e.ToExport = v
		return nil
	}
	for _, c := range Columns {
		switch field {
		case columnField(6, c):
			e.Retained[c] = v
			return nil
		case columnField(7, c):
			e.PreviouslyRetained[c] = v
			return nil
		case columnField(8, c):
			e.Deferred[c] = v
			return nil
		}
	}
	return invalid(string(field), "is not a supplier-editable line")
}

// =============================================================================
// CALCULATOR
// =============================================================================

// SummaryInput is everything Calculate reads.
type SummaryInput struct {
	ReportID         ReportID
	Period           CompliancePeriod
	Frequency        ReportingFrequency
	Reference        ReferenceData
	Items            EffectiveItems
	Editable         EditableLines
	Prior            *SummaryRecord // assessed summary of the previous period
	Window           TransactionWindow
	Activity         WindowActivity
	OpeningBalance   decimal.Decimal
	SnapshotComplete bool
}

var (
	hundred = decimal.NewFromInt(100)
	litres  = "L"
)

// Calculate computes the summary. It never fails: anything that prevents
// signing is reported in Problems and clears CanSign.
func Calculate(in SummaryInput) SummaryRecord {
	legacy := in.Reference.IsLegacy(in.Period)
	rules, hasRules := in.Reference.Rules(in.Period)
	out := SummaryRecord{
		ReportID:      in.ReportID,
		Legacy:        legacy,
		Window:        in.Window,
		EarlyIssuance: in.Frequency == FrequencyQuarterly,
	}
	if !legacy {
		out.JetFuel = &ColumnLines{}
	}
	var problems []SummaryProblem
	if !hasRules {
		problems = append(problems, SummaryProblem{
			Code:    ProblemMissingRules,
			Message: fmt.Sprintf("no reference rules for compliance period %s", in.Period),
		})
	}

	fossil := map[Column]decimal.Decimal{}
	renewable := map[Column]decimal.Decimal{}
	countVolume := func(fuelType string, c Column, units string, qty int64) {
		if units != litres || out.Column(c) == nil {
			return
		}
		ft, ok := in.Reference.FuelType(fuelType)
		if !ok {
			problems = append(problems, SummaryProblem{
				Code:    ProblemUnknownFuelType,
				Message: fmt.Sprintf("unknown fuel type %q", fuelType),
			})
			return
		}
		if ft.FossilDerived {
			fossil[c] = fossil[c].Add(decimal.NewFromInt(qty))
		} else {
			renewable[c] = renewable[c].Add(decimal.NewFromInt(qty))
		}
	}
	for _, f := range in.Items.FuelSupplies {
		countVolume(f.FuelType, f.FuelCategory, f.Units, f.TotalQuantity())
	}
	for _, u := range in.Items.OtherUses {
		countVolume(u.FuelType, u.FuelCategory, u.Units, u.Quantity)
	}
	notional := map[Column]decimal.Decimal{}
	for _, n := range in.Items.NotionalTransfers {
		notional[n.FuelCategory] = notional[n.FuelCategory].Add(decimal.NewFromInt(n.Signed()))
	}

	penaltyTotal := decimal.Zero
	for _, c := range Columns {
		col := out.Column(c)
		if col == nil {
			continue
		}
		col.Line1FossilDerived = fossil[c].Round(0)
		col.Line2Renewable = renewable[c].Round(0)
		col.Line3Total = col.Line1FossilDerived.Add(col.Line2Renewable)

		pct, known := rules.RenewablePercentage[c]
		if !hasRules || !known {
			problems = append(problems, SummaryProblem{
				Code:    ProblemUnknownRequirement,
				Message: fmt.Sprintf("renewable requirement for %s is unknown", c),
			})
			col.Line4RequiredRenewable = decimal.Zero
		} else {
			col.Line4RequiredRenewable = col.Line3Total.Mul(pct).Div(hundred).Round(0)
		}
		col.Line5NotionalTransfers = notional[c]

		col.Line6Retained = in.Editable.Retained[c]
		col.Line7PreviouslyRetained = in.Editable.PreviouslyRetained[c]
		col.Line8Deferred = in.Editable.Deferred[c]
		priorRetained, priorDeferred := decimal.Zero, decimal.Zero
		if in.Prior != nil {
			if pc := in.Prior.Column(c); pc != nil {
				priorRetained, priorDeferred = pc.Line6Retained, pc.Line8Deferred
			}
		}
		col.Line9ObligationAdded = priorDeferred

		problems = capped(problems, columnField(6, c), col.Line6Retained, col.Line4RequiredRenewable.Mul(rules.RetentionFactor))
		problems = capped(problems, columnField(7, c), col.Line7PreviouslyRetained, priorRetained)
		problems = capped(problems, columnField(8, c), col.Line8Deferred, col.Line4RequiredRenewable.Mul(rules.DeferralFactor))

		col.Line10NetRenewable = col.Line2Renewable.
			Add(col.Line5NotionalTransfers).
			Sub(col.Line6Retained).
			Add(col.Line7PreviouslyRetained).
			Add(col.Line8Deferred).
			Sub(col.Line9ObligationAdded)

		shortfall := decimal.Max(decimal.Zero, col.Line4RequiredRenewable.Sub(col.Line10NetRenewable))
		col.Line11Penalty = shortfall.Mul(rules.PenaltyRate[c]).Round(2)
		penaltyTotal = penaltyTotal.Add(col.Line11Penalty)
	}

	itemUnits := decimal.Zero
	for _, f := range in.Items.FuelSupplies {
		itemUnits = itemUnits.Add(ResolveFuelLine(f.FuelLine, in.Reference, in.Period, false).ComplianceUnits)
	}
	for _, f := range in.Items.FuelExports {
		itemUnits = itemUnits.Add(ResolveFuelLine(f.FuelLine, in.Reference, in.Period, true).ComplianceUnits)
	}

	out.Line12TransferredOut = in.Activity.TransferredOut
	out.Line13Received = in.Activity.Received
	out.Line14IssuedByGovernment = in.Activity.Issued
	out.Line16NetItemUnits = itemUnits.Round(0)
	out.Line17OpeningBalance = in.OpeningBalance
	out.Line15BankedUsed = in.Editable.BankedUsed
	problems = capped(problems, FieldLine15, out.Line15BankedUsed, decimal.Max(decimal.Zero, out.Line17OpeningBalance))
	out.Line20BalanceChange = out.Line16NetItemUnits
	out.Line18UnitsToBeBanked = decimal.Max(decimal.Zero, out.Line20BalanceChange)
	out.Line19UnitsToBeExported = in.Editable.ToExport
	problems = capped(problems, FieldLine19, out.Line19UnitsToBeExported, out.Line18UnitsToBeBanked)
	out.Line21Penalty = penaltyTotal
	out.Line22AvailableBalanceEnd = out.Line17OpeningBalance.
		Sub(out.Line12TransferredOut).
		Add(out.Line13Received).
		Add(out.Line14IssuedByGovernment).
		Add(out.Line20BalanceChange)

	if !in.SnapshotComplete {
		problems = append(problems, SummaryProblem{
			Code:    ProblemIncompleteSnapshot,
			Message: "organization snapshot is incomplete",
		})
	}
	out.Problems = problems
	out.CanSign = len(problems) == 0
	return out
}

// capped records a problem when v is negative or above limit. A value exactly
// at the limit is accepted.
func capped(problems []SummaryProblem, field SummaryField, v, limit decimal.Decimal) []SummaryProblem {
	if v.IsNegative() {
		return append(problems, SummaryProblem{
			Field:   field,
			Code:    ProblemNegative,
			Message: fmt.Sprintf("%s must not be negative", field),
		})
	}
	if v.GreaterThan(limit) {
		return append(problems, SummaryProblem{
			Field:   field,
			Code:    ProblemCapExceeded,
			Message: fmt.Sprintf("%s of %s exceeds the limit of %s", field, v, limit),
		})
	}
	return problems
}

// problemFor returns the first problem recorded against field.
func problemFor(s SummaryRecord, field SummaryField) *SummaryProblem {
	for i := range s.Problems {
		if s.Problems[i].Field == field {
			return &s.Problems[i]
		}
	}
	return nil
}
