package compliance

import "github.com/shopspring/decimal"

var megajoulesPerUnit = decimal.NewFromInt(1_000_000)

// ResolveFuelLine fills the fields a supplier may leave blank (energy density,
// EER, target CI) from reference data and computes energy and compliance units.
// Exports count against the organization, so their units are negated.
func ResolveFuelLine(f FuelLine, ref ReferenceData, period CompliancePeriod, export bool) FuelLine {
	ft, known := ref.FuelType(f.FuelType)
	if f.EnergyDensity.IsZero() && known {
		f.EnergyDensity = ft.EnergyDensity
	}
	if f.EER.IsZero() {
		f.EER = decimal.NewFromInt(1)
		if known && !ft.EER.IsZero() {
			f.EER = ft.EER
		}
	}
	if f.TargetCI.IsZero() {
		if rules, ok := ref.Rules(period); ok {
			f.TargetCI = rules.TargetCI[f.FuelCategory]
		}
	}
	legacy := ref.IsLegacy(period)
	f.Energy, f.ComplianceUnits = fuelUnits(f, legacy, export)
	return f
}

// fuelUnits returns energy (MJ) and unrounded compliance units.
//
//	current: (TCI × EER − (CI + UCI)) × energy / 1,000,000
//	legacy:  (TCI × EER − CI) × energy / 1,000,000
func fuelUnits(f FuelLine, legacy, export bool) (energy, units decimal.Decimal) {
	energy = decimal.NewFromInt(f.TotalQuantity()).Mul(f.EnergyDensity)
	ci := f.CI
	if !legacy {
		ci = ci.Add(f.UCI)
	}
	units = f.TargetCI.Mul(f.EER).Sub(ci).Mul(energy).Div(megajoulesPerUnit)
	if export {
		units = units.Neg()
	}
	return energy, units
}
