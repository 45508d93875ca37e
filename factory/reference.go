/*
Package factory provides JSON to Go reference data conversion.

PURPOSE:
  Converts JSON reference data (per-period renewable requirements,
  retention and deferral factors, penalty rates, target carbon intensities,
  fuel types) into compliance.ReferenceData. Program staff can change the
  numbers for a new compliance period without a code change.

JSON SCHEMA:
  {
    "transition_year": "2024",
    "periods": [
      {
        "period": "2025",
        "renewable_percentage": {"gasoline": "5", "diesel": "4", "jet_fuel": "0"},
        "retention_factor": "0.05",
        "deferral_factor": "0.05",
        "penalty_rate": {"gasoline": "0.30", "diesel": "0.45", "jet_fuel": "0.50"},
        "target_ci": {"gasoline": "76.53", "diesel": "77.12", "jet_fuel": "86.14"}
      }
    ],
    "fuel_types": [
      {"name": "Diesel", "fossil_derived": true, "energy_density": "38.65", "eer": "1", "units": "L"}
    ]
  }

  Numbers are strings so they parse exactly into decimals. A column missing
  from renewable_percentage has an unknown requirement, which blocks signing.

USAGE:
  f := factory.NewReferenceFactory()
  data, err := f.Defaults()              // embedded defaults.json
  data, err := f.LoadFile("ref.json")    // operator-supplied file
  cache := compliance.NewReferenceCache(f.Loader(path))

SEE ALSO:
  - compliance/reference.go: ReferenceData and the cache
*/
package factory

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-engine/compliance"
)

//go:embed defaults.json
var defaultReference []byte

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ReferenceJSON is the JSON representation of reference data.
type ReferenceJSON struct {
	TransitionYear string         `json:"transition_year"`
	Periods        []PeriodJSON   `json:"periods"`
	FuelTypes      []FuelTypeJSON `json:"fuel_types"`
}

// PeriodJSON holds one compliance period's constants.
type PeriodJSON struct {
	Period              string                     `json:"period"`
	RenewablePercentage map[string]decimal.Decimal `json:"renewable_percentage"`
	RetentionFactor     decimal.Decimal            `json:"retention_factor"`
	DeferralFactor      decimal.Decimal            `json:"deferral_factor"`
	PenaltyRate         map[string]decimal.Decimal `json:"penalty_rate"`
	TargetCI            map[string]decimal.Decimal `json:"target_ci"`
}

// FuelTypeJSON describes one fuel type.
type FuelTypeJSON struct {
	Name          string          `json:"name"`
	FossilDerived bool            `json:"fossil_derived"`
	EnergyDensity decimal.Decimal `json:"energy_density"`
	EER           decimal.Decimal `json:"eer"`
	DefaultCI     decimal.Decimal `json:"default_ci"`
	Units         string          `json:"units"`
}

// =============================================================================
// REFERENCE FACTORY
// =============================================================================

// ReferenceFactory converts JSON reference data to compliance.ReferenceData.
type ReferenceFactory struct{}

func NewReferenceFactory() *ReferenceFactory {
	return &ReferenceFactory{}
}

// Defaults parses the embedded reference data.
func (f *ReferenceFactory) Defaults() (compliance.ReferenceData, error) {
	return f.Parse(defaultReference)
}

// LoadFile parses reference data from a file.
func (f *ReferenceFactory) LoadFile(path string) (compliance.ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return compliance.ReferenceData{}, fmt.Errorf("read reference data: %w", err)
	}
	return f.Parse(raw)
}

// Loader returns a compliance.ReferenceLoader reading path, or the embedded
// defaults when path is empty.
func (f *ReferenceFactory) Loader(path string) compliance.ReferenceLoader {
	return func(context.Context) (compliance.ReferenceData, error) {
		if path == "" {
			return f.Defaults()
		}
		return f.LoadFile(path)
	}
}

// Parse parses a JSON document into ReferenceData.
func (f *ReferenceFactory) Parse(raw []byte) (compliance.ReferenceData, error) {
	var rj ReferenceJSON
	if err := json.Unmarshal(raw, &rj); err != nil {
		return compliance.ReferenceData{}, fmt.Errorf("failed to parse reference JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates and converts ReferenceJSON.
func (f *ReferenceFactory) FromJSON(rj ReferenceJSON) (compliance.ReferenceData, error) {
	data := compliance.ReferenceData{
		TransitionYear: compliance.CompliancePeriod(rj.TransitionYear),
		Periods:        make(map[compliance.CompliancePeriod]compliance.PeriodRules, len(rj.Periods)),
		FuelTypes:      make(map[string]compliance.FuelType, len(rj.FuelTypes)),
	}
	if data.TransitionYear == "" {
		data.TransitionYear = compliance.DefaultTransitionYear
	}
	if !data.TransitionYear.Valid() {
		return compliance.ReferenceData{}, fmt.Errorf("invalid transition_year %q", rj.TransitionYear)
	}

	for _, pj := range rj.Periods {
		period := compliance.CompliancePeriod(pj.Period)
		if !period.Valid() {
			return compliance.ReferenceData{}, fmt.Errorf("invalid period %q", pj.Period)
		}
		if _, dup := data.Periods[period]; dup {
			return compliance.ReferenceData{}, fmt.Errorf("period %s defined twice", period)
		}
		rules := compliance.PeriodRules{
			Period:          period,
			RetentionFactor: pj.RetentionFactor,
			DeferralFactor:  pj.DeferralFactor,
		}
		var err error
		if rules.RenewablePercentage, err = parseColumns(pj.RenewablePercentage); err != nil {
			return compliance.ReferenceData{}, fmt.Errorf("period %s renewable_percentage: %w", period, err)
		}
		if rules.PenaltyRate, err = parseColumns(pj.PenaltyRate); err != nil {
			return compliance.ReferenceData{}, fmt.Errorf("period %s penalty_rate: %w", period, err)
		}
		if rules.TargetCI, err = parseColumns(pj.TargetCI); err != nil {
			return compliance.ReferenceData{}, fmt.Errorf("period %s target_ci: %w", period, err)
		}
		if rules.RetentionFactor.IsNegative() || rules.DeferralFactor.IsNegative() {
			return compliance.ReferenceData{}, fmt.Errorf("period %s: factors must not be negative", period)
		}
		data.Periods[period] = rules
	}

	for _, fj := range rj.FuelTypes {
		if fj.Name == "" {
			return compliance.ReferenceData{}, fmt.Errorf("fuel type without a name")
		}
		if fj.EnergyDensity.IsNegative() {
			return compliance.ReferenceData{}, fmt.Errorf("fuel type %s: negative energy density", fj.Name)
		}
		eer := fj.EER
		if eer.IsZero() {
			eer = decimal.NewFromInt(1)
		}
		units := fj.Units
		if units == "" {
			units = "L"
		}
		data.FuelTypes[fj.Name] = compliance.FuelType{
			Name:          fj.Name,
			FossilDerived: fj.FossilDerived,
			EnergyDensity: fj.EnergyDensity,
			EER:           eer,
			DefaultCI:     fj.DefaultCI,
			Units:         units,
		}
	}
	return data, nil
}

// ToJSON converts ReferenceData back to its JSON form, periods ascending.
func (f *ReferenceFactory) ToJSON(data compliance.ReferenceData) ReferenceJSON {
	rj := ReferenceJSON{TransitionYear: string(data.TransitionYear)}
	for _, rules := range data.Periods {
		rj.Periods = append(rj.Periods, PeriodJSON{
			Period:              string(rules.Period),
			RenewablePercentage: columnsToJSON(rules.RenewablePercentage),
			RetentionFactor:     rules.RetentionFactor,
			DeferralFactor:      rules.DeferralFactor,
			PenaltyRate:         columnsToJSON(rules.PenaltyRate),
			TargetCI:            columnsToJSON(rules.TargetCI),
		})
	}
	sort.Slice(rj.Periods, func(i, j int) bool { return rj.Periods[i].Period < rj.Periods[j].Period })
	for _, ft := range data.FuelTypes {
		rj.FuelTypes = append(rj.FuelTypes, FuelTypeJSON{
			Name:          ft.Name,
			FossilDerived: ft.FossilDerived,
			EnergyDensity: ft.EnergyDensity,
			EER:           ft.EER,
			DefaultCI:     ft.DefaultCI,
			Units:         ft.Units,
		})
	}
	sort.Slice(rj.FuelTypes, func(i, j int) bool { return rj.FuelTypes[i].Name < rj.FuelTypes[j].Name })
	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseColumns(in map[string]decimal.Decimal) (map[compliance.Column]decimal.Decimal, error) {
	out := make(map[compliance.Column]decimal.Decimal, len(in))
	for k, v := range in {
		c := compliance.Column(k)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown fuel column %q", k)
		}
		if v.IsNegative() {
			return nil, fmt.Errorf("%s must not be negative", k)
		}
		out[c] = v
	}
	return out, nil
}

func columnsToJSON(in map[compliance.Column]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}
