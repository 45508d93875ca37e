package factory_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/factory"
)

func TestDefaults_CoverAllPeriods(t *testing.T) {
	data, err := factory.NewReferenceFactory().Defaults()
	require.NoError(t, err)

	assert.Equal(t, compliance.CompliancePeriod("2024"), data.TransitionYear)
	for _, p := range []compliance.CompliancePeriod{"2019", "2023", "2024", "2030"} {
		_, ok := data.Rules(p)
		assert.True(t, ok, "period %s", p)
	}
	assert.True(t, data.IsLegacy("2023"))
	assert.False(t, data.IsLegacy("2024"))

	rules, _ := data.Rules("2023")
	_, hasJet := rules.RenewablePercentage[compliance.ColumnJetFuel]
	assert.False(t, hasJet, "legacy periods have no jet fuel column")

	diesel, ok := data.FuelType("Diesel")
	require.True(t, ok)
	assert.True(t, diesel.FossilDerived)
	assert.Equal(t, "L", diesel.Units)
}

func TestParse_DefaultsEERAndUnits(t *testing.T) {
	raw := `{
		"transition_year": "2024",
		"periods": [{"period": "2025", "renewable_percentage": {"gasoline": "5"}, "retention_factor": "0.05",
			"deferral_factor": "0.05", "penalty_rate": {"gasoline": "0.30"}, "target_ci": {"gasoline": "76.53"}}],
		"fuel_types": [{"name": "Ethanol", "energy_density": "23.58"}]
	}`

	data, err := factory.NewReferenceFactory().Parse([]byte(raw))

	require.NoError(t, err)
	ft, ok := data.FuelType("Ethanol")
	require.True(t, ok)
	assert.True(t, ft.EER.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "L", ft.Units)
	rules, ok := data.Rules("2025")
	require.True(t, ok)
	assert.Equal(t, "76.53", rules.TargetCI[compliance.ColumnGasoline].String())
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed", `{"periods": [`},
		{"bad period", `{"periods": [{"period": "25"}]}`},
		{"duplicate period", `{"periods": [{"period": "2025"}, {"period": "2025"}]}`},
		{"unknown column", `{"periods": [{"period": "2025", "target_ci": {"marine": "1"}}]}`},
		{"negative rate", `{"periods": [{"period": "2025", "penalty_rate": {"diesel": "-0.45"}}]}`},
		{"negative factor", `{"periods": [{"period": "2025", "retention_factor": "-1"}]}`},
		{"unnamed fuel", `{"fuel_types": [{"energy_density": "1"}]}`},
		{"bad transition year", `{"transition_year": "next"}`},
	}
	f := factory.NewReferenceFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestToJSON_RoundTripsThroughFile(t *testing.T) {
	// GIVEN: The embedded defaults written to a file
	// WHEN: The file is loaded through a Loader
	// THEN: The same periods and fuel types come back
	f := factory.NewReferenceFactory()
	data, err := f.Defaults()
	require.NoError(t, err)
	raw, err := json.Marshal(f.ToJSON(data))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "reference.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := f.Loader(path)(context.Background())

	require.NoError(t, err)
	assert.Len(t, loaded.Periods, len(data.Periods))
	assert.Len(t, loaded.FuelTypes, len(data.FuelTypes))
	assert.Equal(t, data.TransitionYear, loaded.TransitionYear)

	rj := f.ToJSON(loaded)
	assert.Equal(t, "2019", rj.Periods[0].Period)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := factory.NewReferenceFactory().Loader(filepath.Join(t.TempDir(), "missing.json"))(context.Background())
	assert.Error(t, err)
}
