package compliance_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-engine/compliance"
)

// =============================================================================
// TEST REFERENCE DATA
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRules(period compliance.CompliancePeriod, jet bool) compliance.PeriodRules {
	r := compliance.PeriodRules{
		Period:              period,
		RenewablePercentage: map[compliance.Column]decimal.Decimal{"gasoline": dec("5"), "diesel": dec("4")},
		RetentionFactor:     dec("0.05"),
		DeferralFactor:      dec("0.05"),
		PenaltyRate:         map[compliance.Column]decimal.Decimal{"gasoline": dec("0.30"), "diesel": dec("0.45")},
		TargetCI:            map[compliance.Column]decimal.Decimal{"gasoline": dec("80"), "diesel": dec("90")},
	}
	if jet {
		r.RenewablePercentage["jet_fuel"] = dec("0")
		r.PenaltyRate["jet_fuel"] = dec("0.50")
		r.TargetCI["jet_fuel"] = dec("88")
	}
	return r
}

func testReference() compliance.ReferenceData {
	return compliance.ReferenceData{
		TransitionYear: "2024",
		Periods: map[compliance.CompliancePeriod]compliance.PeriodRules{
			"2023": testRules("2023", false),
			"2024": testRules("2024", true),
			"2025": testRules("2025", true),
		},
		FuelTypes: map[string]compliance.FuelType{
			"Gasoline":  {Name: "Gasoline", FossilDerived: true, EnergyDensity: dec("30"), EER: dec("1"), Units: "L"},
			"Diesel":    {Name: "Diesel", FossilDerived: true, EnergyDensity: dec("40"), EER: dec("1"), Units: "L"},
			"Ethanol":   {Name: "Ethanol", EnergyDensity: dec("20"), EER: dec("1"), Units: "L"},
			"Biodiesel": {Name: "Biodiesel", EnergyDensity: dec("35"), EER: dec("1"), Units: "L"},
			"Hydrogen":  {Name: "Hydrogen", EnergyDensity: dec("141.76"), EER: dec("1.9"), Units: "kg"},
		},
	}
}

func supply(fuelType string, c compliance.Column, qty int64, ci string) compliance.FuelSupply {
	return compliance.FuelSupply{FuelLine: compliance.FuelLine{
		FuelType:     fuelType,
		FuelCategory: c,
		Provision:    "Default carbon intensity",
		Quantity:     qty,
		Units:        "L",
		CI:           dec(ci),
	}}
}

// baseInput is a 2025 report with 100,000 L gasoline and 4,000 L ethanol.
func baseInput() compliance.SummaryInput {
	w, _ := compliance.WindowFor("2025", false)
	return compliance.SummaryInput{
		ReportID:  "cr-test",
		Period:    "2025",
		Frequency: compliance.FrequencyAnnual,
		Reference: testReference(),
		Items: compliance.EffectiveItems{
			FuelSupplies: []compliance.FuelSupply{
				supply("Gasoline", "gasoline", 100000, "90"),
				supply("Ethanol", "gasoline", 4000, "40"),
			},
		},
		Editable:         compliance.NewEditableLines(),
		Window:           w,
		Activity:         compliance.WindowActivity{TransferredOut: decimal.Zero, Received: decimal.Zero, Issued: decimal.Zero},
		OpeningBalance:   dec("100"),
		SnapshotComplete: true,
	}
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: want %s, got %s", msg, want, got)
}

func problemCodes(s compliance.SummaryRecord) map[compliance.SummaryField]string {
	out := map[compliance.SummaryField]string{}
	for _, p := range s.Problems {
		out[p.Field] = p.Code
	}
	return out
}

// =============================================================================
// RENEWABLE REQUIREMENT
// =============================================================================

func TestCalculate_RenewableLines(t *testing.T) {
	// GIVEN: 100,000 L fossil gasoline and 4,000 L ethanol at 5%
	// WHEN: The summary is calculated
	// THEN: L4 = 5,200, L10 = 4,000, and 1,200 L short at $0.30
	s := compliance.Calculate(baseInput())

	g := s.Gasoline
	assertDec(t, "100000", g.Line1FossilDerived, "L1")
	assertDec(t, "4000", g.Line2Renewable, "L2")
	assertDec(t, "104000", g.Line3Total, "L3")
	assertDec(t, "5200", g.Line4RequiredRenewable, "L4")
	assertDec(t, "4000", g.Line10NetRenewable, "L10")
	assertDec(t, "360", g.Line11Penalty, "L11")
	assertDec(t, "0", s.Diesel.Line4RequiredRenewable, "diesel L4")
	assertDec(t, "360", s.Line21Penalty, "L21")
	require.NotNil(t, s.JetFuel)
	assert.False(t, s.Legacy)
	assert.True(t, s.CanSign, "problems: %v", s.Problems)
}

func TestCalculate_NotionalTransfersAndPriorDeferral(t *testing.T) {
	// GIVEN: 500 L received notionally and 100 L deferred last period
	// WHEN: The summary is calculated
	// THEN: L5 = 500, L9 = 100, L10 = 4000 + 500 - 100
	in := baseInput()
	in.Items.NotionalTransfers = []compliance.NotionalTransfer{
		{LegalName: "Partner", FuelCategory: "gasoline", Direction: "Received", Quantity: 700},
		{LegalName: "Other", FuelCategory: "gasoline", Direction: "Transferred", Quantity: 200},
	}
	prior := compliance.Calculate(baseInput())
	prior.Gasoline.Line8Deferred = dec("100")
	in.Prior = &prior

	s := compliance.Calculate(in)

	assertDec(t, "500", s.Gasoline.Line5NotionalTransfers, "L5")
	assertDec(t, "100", s.Gasoline.Line9ObligationAdded, "L9")
	assertDec(t, "4400", s.Gasoline.Line10NetRenewable, "L10")
	assertDec(t, "240", s.Gasoline.Line11Penalty, "L11")
}

func TestCalculate_NonLitreVolumesIgnoredForRenewable(t *testing.T) {
	in := baseInput()
	h := supply("Hydrogen", "diesel", 1000, "50")
	h.Units = "kg"
	in.Items.FuelSupplies = append(in.Items.FuelSupplies, h)

	s := compliance.Calculate(in)

	assertDec(t, "0", s.Diesel.Line3Total, "diesel L3")
}

// =============================================================================
// CAPS
// =============================================================================

func TestCalculate_RetentionCap_Boundary(t *testing.T) {
	// GIVEN: L4 = 5,200 and a retention factor of 5% (cap 260)
	// WHEN: L6 is set to exactly 260, then 261
	// THEN: 260 signs, 261 is rejected on line_6_gasoline
	in := baseInput()
	in.Editable.Retained["gasoline"] = dec("260")
	s := compliance.Calculate(in)
	assert.True(t, s.CanSign, "problems: %v", s.Problems)

	in.Editable.Retained["gasoline"] = dec("261")
	s = compliance.Calculate(in)
	assert.False(t, s.CanSign)
	assert.Equal(t, compliance.ProblemCapExceeded, problemCodes(s)[compliance.FieldLine6Gasoline])
}

func TestCalculate_DeferralCap(t *testing.T) {
	in := baseInput()
	in.Editable.Deferred["gasoline"] = dec("261")

	s := compliance.Calculate(in)

	assert.Equal(t, compliance.ProblemCapExceeded, problemCodes(s)[compliance.FieldLine8Gasoline])
}

func TestCalculate_PreviouslyRetained_CappedByPriorL6(t *testing.T) {
	// GIVEN: Last period retained 50 L of gasoline
	// WHEN: This period claims 50, then 51
	// THEN: Only 51 is rejected; with no prior summary any claim is rejected
	in := baseInput()
	prior := compliance.Calculate(baseInput())
	prior.Gasoline.Line6Retained = dec("50")
	in.Prior = &prior

	in.Editable.PreviouslyRetained["gasoline"] = dec("50")
	assert.True(t, compliance.Calculate(in).CanSign)

	in.Editable.PreviouslyRetained["gasoline"] = dec("51")
	assert.Equal(t, compliance.ProblemCapExceeded, problemCodes(compliance.Calculate(in))[compliance.FieldLine7Gasoline])

	in.Prior = nil
	in.Editable.PreviouslyRetained["gasoline"] = dec("1")
	assert.Equal(t, compliance.ProblemCapExceeded, problemCodes(compliance.Calculate(in))[compliance.FieldLine7Gasoline])
}

func TestCalculate_BankedUsed_CappedByOpeningBalance(t *testing.T) {
	in := baseInput()
	in.Editable.BankedUsed = dec("100")
	assert.True(t, compliance.Calculate(in).CanSign)

	in.Editable.BankedUsed = dec("101")
	assert.Equal(t, compliance.ProblemCapExceeded, problemCodes(compliance.Calculate(in))[compliance.FieldLine15])
}

func TestCalculate_UnitsToExport_CappedByL18(t *testing.T) {
	// GIVEN: A deficit report (L18 = 0)
	// WHEN: One unit is marked for export
	// THEN: line_19 is rejected
	in := baseInput()
	in.Editable.ToExport = dec("1")

	s := compliance.Calculate(in)

	assertDec(t, "0", s.Line18UnitsToBeBanked, "L18")
	assert.Equal(t, compliance.ProblemCapExceeded, problemCodes(s)[compliance.FieldLine19])
}

func TestEditableLines_Set(t *testing.T) {
	e := compliance.NewEditableLines()

	require.NoError(t, e.Set(compliance.FieldLine6Diesel, dec("3")))
	require.NoError(t, e.Set(compliance.FieldLine19, dec("0")))
	assertDec(t, "3", e.Retained["diesel"], "diesel L6")

	assert.ErrorIs(t, e.Set(compliance.FieldLine6Diesel, dec("-1")), compliance.ErrValidation)
	assert.ErrorIs(t, e.Set(compliance.FieldLine6Diesel, dec("1.5")), compliance.ErrValidation)
	assert.ErrorIs(t, e.Set("line_4_gasoline", dec("1")), compliance.ErrValidation)
}

// =============================================================================
// LOW CARBON FUEL REQUIREMENT
// =============================================================================

func TestCalculate_ComplianceUnits(t *testing.T) {
	// GIVEN: Gasoline at CI 90 against a target of 80 (3,000,000 MJ) and
	//        ethanol at CI 40 (80,000 MJ)
	// WHEN: Units are computed
	// THEN: -30 + 3.2 = -26.8, rounded to -27
	s := compliance.Calculate(baseInput())

	assertDec(t, "-27", s.Line16NetItemUnits, "L16")
	assertDec(t, "-27", s.Line20BalanceChange, "L20")
	assertDec(t, "0", s.Line18UnitsToBeBanked, "L18")
	assertDec(t, "-27", s.NetPosition(), "net position")
}

func TestCalculate_ExportsCountAgainst(t *testing.T) {
	in := baseInput()
	in.Items.FuelSupplies = []compliance.FuelSupply{supply("Ethanol", "gasoline", 10000, "40")}
	in.Items.FuelExports = []compliance.FuelExport{{FuelLine: supply("Ethanol", "gasoline", 2500, "40").FuelLine}}

	s := compliance.Calculate(in)

	// 10,000 L: (80-40) × 200,000 / 1e6 = 8; 2,500 L export: -2
	assertDec(t, "6", s.Line16NetItemUnits, "L16")
	assertDec(t, "6", s.Line18UnitsToBeBanked, "L18")
}

func TestCalculate_Line22(t *testing.T) {
	in := baseInput()
	in.Activity = compliance.WindowActivity{TransferredOut: dec("40"), Received: dec("15"), Issued: dec("200")}

	s := compliance.Calculate(in)

	// 100 - 40 + 15 + 200 - 27
	assertDec(t, "248", s.Line22AvailableBalanceEnd, "L22")
	assertDec(t, "40", s.Line12TransferredOut, "L12")
	assertDec(t, "15", s.Line13Received, "L13")
	assertDec(t, "200", s.Line14IssuedByGovernment, "L14")
}

func TestCalculate_UCIOnlyAfterTransition(t *testing.T) {
	// GIVEN: The same fuel with a UCI of 10
	// WHEN: Calculated for 2025 and for legacy 2023
	// THEN: UCI reduces units in 2025 only
	in := baseInput()
	line := supply("Ethanol", "gasoline", 10000, "40")
	line.UCI = dec("10")
	in.Items.FuelSupplies = []compliance.FuelSupply{line}

	current := compliance.Calculate(in)
	in.Period = "2023"
	legacy := compliance.Calculate(in)

	assertDec(t, "6", current.Line16NetItemUnits, "2025 L16")
	assertDec(t, "8", legacy.Line16NetItemUnits, "2023 L16")
}

// =============================================================================
// PROBLEMS AND DETERMINISM
// =============================================================================

func TestCalculate_LegacyPeriod_NoJetColumn(t *testing.T) {
	in := baseInput()
	in.Period = "2023"

	s := compliance.Calculate(in)

	assert.True(t, s.Legacy)
	assert.Nil(t, s.JetFuel)
	assert.True(t, s.CanSign, "problems: %v", s.Problems)
}

func TestCalculate_UnknownRequirement_BlocksSigning(t *testing.T) {
	// GIVEN: 2025 rules without a jet fuel percentage
	// WHEN: The summary is calculated
	// THEN: CanSign is false with unknown_renewable_requirement
	in := baseInput()
	in.Reference.Periods["2025"] = testRules("2025", false)

	s := compliance.Calculate(in)

	assert.False(t, s.CanSign)
	codes := []string{}
	for _, p := range s.Problems {
		codes = append(codes, p.Code)
	}
	assert.Contains(t, codes, compliance.ProblemUnknownRequirement)
}

func TestCalculate_MissingRules(t *testing.T) {
	in := baseInput()
	in.Period = "2031"

	s := compliance.Calculate(in)

	assert.False(t, s.CanSign)
	assert.Equal(t, compliance.ProblemMissingRules, s.Problems[0].Code)
}

func TestCalculate_UnknownFuelType(t *testing.T) {
	in := baseInput()
	in.Items.FuelSupplies = append(in.Items.FuelSupplies, supply("Unobtainium", "diesel", 10, "1"))

	s := compliance.Calculate(in)

	assert.False(t, s.CanSign)
}

func TestCalculate_IncompleteSnapshot_BlocksSigning(t *testing.T) {
	in := baseInput()
	in.SnapshotComplete = false

	s := compliance.Calculate(in)

	assert.False(t, s.CanSign)
	assert.Equal(t, compliance.ProblemIncompleteSnapshot, s.Problems[len(s.Problems)-1].Code)
}

func TestCalculate_Deterministic(t *testing.T) {
	in := baseInput()
	in.Editable.Retained["gasoline"] = dec("10")
	in.Items.NotionalTransfers = []compliance.NotionalTransfer{
		{LegalName: "Partner", FuelCategory: "diesel", Direction: "Received", Quantity: 30},
	}

	a := compliance.Calculate(in)
	b := compliance.Calculate(in)

	assert.Equal(t, a, b)
}

func TestCalculate_QuarterlyFlagsEarlyIssuance(t *testing.T) {
	in := baseInput()
	in.Frequency = compliance.FrequencyQuarterly

	s := compliance.Calculate(in)

	assert.True(t, s.EarlyIssuance)
}

// =============================================================================
// WINDOWS
// =============================================================================

func TestWindowFor(t *testing.T) {
	first, err := compliance.WindowFor("2024", true)
	require.NoError(t, err)
	later, err := compliance.WindowFor("2024", false)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC), later.Start)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), later.End)

	assert.True(t, later.Contains(time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, later.Contains(later.End))
	assert.True(t, later.Contains(later.Start))

	_, err = compliance.WindowFor("24", false)
	assert.ErrorIs(t, err, compliance.ErrValidation)
}
