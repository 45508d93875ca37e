package compliance

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

// Column is one of the summary's fuel categories.
type Column string

const (
	ColumnGasoline Column = "gasoline"
	ColumnDiesel   Column = "diesel"
	ColumnJetFuel  Column = "jet_fuel"
)

// Columns in summary order.
var Columns = []Column{ColumnGasoline, ColumnDiesel, ColumnJetFuel}

func (c Column) Valid() bool {
	return c == ColumnGasoline || c == ColumnDiesel || c == ColumnJetFuel
}

// PeriodRules carries the per-period constants of the summary.
// A column missing from RenewablePercentage has an unknown requirement.
type PeriodRules struct {
	Period              CompliancePeriod           `json:"period"`
	RenewablePercentage map[Column]decimal.Decimal `json:"renewable_percentage"`
	RetentionFactor     decimal.Decimal            `json:"retention_factor"`
	DeferralFactor      decimal.Decimal            `json:"deferral_factor"`
	PenaltyRate         map[Column]decimal.Decimal `json:"penalty_rate"`
	TargetCI            map[Column]decimal.Decimal `json:"target_ci"`
}

// FuelType describes how a fuel's volume and energy are counted.
type FuelType struct {
	Name          string          `json:"name"`
	FossilDerived bool            `json:"fossil_derived"`
	EnergyDensity decimal.Decimal `json:"energy_density"`
	EER           decimal.Decimal `json:"eer"`
	DefaultCI     decimal.Decimal `json:"default_ci"`
	Units         string          `json:"units"`
}

// ReferenceData is everything the calculator reads besides the report itself.
type ReferenceData struct {
	TransitionYear CompliancePeriod                 `json:"transition_year"`
	Periods        map[CompliancePeriod]PeriodRules `json:"periods"`
	FuelTypes      map[string]FuelType              `json:"fuel_types"`
}

func (r ReferenceData) Rules(p CompliancePeriod) (PeriodRules, bool) {
	rules, ok := r.Periods[p]
	return rules, ok
}

func (r ReferenceData) FuelType(name string) (FuelType, bool) {
	ft, ok := r.FuelTypes[name]
	return ft, ok
}

// IsLegacy applies the configured transition year.
func (r ReferenceData) IsLegacy(p CompliancePeriod) bool {
	return p.IsLegacy(r.TransitionYear)
}

// =============================================================================
// REFERENCE CACHE
// =============================================================================

// ReferenceLoader fetches reference data from its source.
type ReferenceLoader func(ctx context.Context) (ReferenceData, error)

// ReferenceCache loads reference data once and serves it until Invalidate.
type ReferenceCache struct {
	mu   sync.RWMutex
	load ReferenceLoader
	data *ReferenceData
}

func NewReferenceCache(load ReferenceLoader) *ReferenceCache {
	return &ReferenceCache{load: load}
}

// StaticReference serves fixed data, mostly for tests.
func StaticReference(data ReferenceData) *ReferenceCache {
	return NewReferenceCache(func(context.Context) (ReferenceData, error) { return data, nil })
}

func (c *ReferenceCache) Get(ctx context.Context) (ReferenceData, error) {
	c.mu.RLock()
	if c.data != nil {
		d := *c.data
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil {
		return *c.data, nil
	}
	d, err := c.load(ctx)
	if err != nil {
		return ReferenceData{}, fmt.Errorf("load reference data: %w", err)
	}
	if d.TransitionYear == "" {
		d.TransitionYear = DefaultTransitionYear
	}
	c.data = &d
	return d, nil
}

// Invalidate drops the cached copy; the next Get reloads.
func (c *ReferenceCache) Invalidate() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}
