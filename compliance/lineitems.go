/*
lineitems.go - Versioned line-item rows and the effective view

PURPOSE:
  Line items are never updated in place. Every create, update or delete is a
  new row stamped with the report version, the sub-group uuid (the identity of
  one item across versions), a revision counter and the actor class. The
  items a report "contains" are computed from those rows.

EFFECTIVE VIEW:
  For a requested version v, per sub-group uuid:
    1. consider rows with report_version <= v
    2. the winner has the highest version; on equal versions a Government row
       beats a Supplier row; then the highest revision wins
    3. the item is dropped if the winner is a DELETE

  Copy-forward of a supplemental version writes CREATE rows at the new version
  that reuse the sub-group uuids, so the view at v+1 equals the view at v until
  someone edits.

SEE ALSO:
  - fuel.go: per-item energy and compliance unit computation
  - supplemental.go: copy-forward
*/
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ROWS
// =============================================================================

type Collection string

const (
	CollectionFuelSupply          Collection = "fuel_supply"
	CollectionFuelExport          Collection = "fuel_export"
	CollectionAllocationAgreement Collection = "allocation_agreement"
	CollectionOtherUse            Collection = "other_use"
	CollectionNotionalTransfer    Collection = "notional_transfer"
	CollectionChargingEquipment   Collection = "charging_equipment"
)

var Collections = []Collection{
	CollectionFuelSupply,
	CollectionFuelExport,
	CollectionAllocationAgreement,
	CollectionOtherUse,
	CollectionNotionalTransfer,
	CollectionChargingEquipment,
}

func (c Collection) Valid() bool {
	for _, k := range Collections {
		if c == k {
			return true
		}
	}
	return false
}

type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
)

// LineItemRecord is one immutable row.
type LineItemRecord struct {
	ID            string          `json:"id"`
	Collection    Collection      `json:"collection"`
	ReportID      ReportID        `json:"report_id"`
	GroupUUID     uuid.UUID       `json:"compliance_report_group_uuid"`
	ReportVersion int             `json:"version"`
	SubGroupUUID  uuid.UUID       `json:"group_uuid"`
	Revision      int             `json:"revision"`
	Action        ActionType      `json:"action_type"`
	UserType      UserType        `json:"user_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedBy     UserID          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LineItemStore persists rows. Rows are only ever appended.
type LineItemStore interface {
	AppendLineItems(ctx context.Context, rows []LineItemRecord) error
	// ListLineItems returns the group's rows in insertion order. An empty
	// collection returns every collection.
	ListLineItems(ctx context.Context, group uuid.UUID, c Collection) ([]LineItemRecord, error)
}

func newRowID() string { return "li-" + uuid.NewString() }

// supersedes reports whether row a wins over row b for the same sub-group.
func supersedes(a, b LineItemRecord) bool {
	if a.ReportVersion != b.ReportVersion {
		return a.ReportVersion > b.ReportVersion
	}
	if a.UserType != b.UserType {
		return a.UserType == UserTypeGovernment
	}
	return a.Revision > b.Revision
}

// EffectiveRecords resolves rows into the effective view at version, keeping
// first-seen order of sub-groups.
func EffectiveRecords(rows []LineItemRecord, version int) []LineItemRecord {
	latest := make(map[uuid.UUID]LineItemRecord)
	var order []uuid.UUID
	for _, r := range rows {
		if r.ReportVersion > version {
			continue
		}
		cur, ok := latest[r.SubGroupUUID]
		if !ok {
			order = append(order, r.SubGroupUUID)
			latest[r.SubGroupUUID] = r
			continue
		}
		if supersedes(r, cur) {
			latest[r.SubGroupUUID] = r
		}
	}
	out := make([]LineItemRecord, 0, len(order))
	for _, id := range order {
		if r := latest[id]; r.Action != ActionDelete {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// PAYLOADS
// =============================================================================

var validate = validator.New()

// FuelLine holds the fields shared by supplies and exports.
type FuelLine struct {
	FuelType      string          `json:"fuel_type" validate:"required"`
	FuelCategory  Column          `json:"fuel_category" validate:"required,oneof=gasoline diesel jet_fuel"`
	EndUse        string          `json:"end_use,omitempty"`
	Provision     string          `json:"provision_of_the_act" validate:"required"`
	FuelCode      string          `json:"fuel_code,omitempty"`
	Quantity      int64           `json:"quantity" validate:"gte=0"`
	Q1Quantity    int64           `json:"q1_quantity,omitempty" validate:"gte=0"`
	Q2Quantity    int64           `json:"q2_quantity,omitempty" validate:"gte=0"`
	Q3Quantity    int64           `json:"q3_quantity,omitempty" validate:"gte=0"`
	Q4Quantity    int64           `json:"q4_quantity,omitempty" validate:"gte=0"`
	Units         string          `json:"units" validate:"required,oneof=L kg kWh m3"`
	CI            decimal.Decimal `json:"ci_of_fuel"`
	UCI           decimal.Decimal `json:"uci"`
	TargetCI      decimal.Decimal `json:"target_ci"`
	EnergyDensity decimal.Decimal `json:"energy_density"`
	EER           decimal.Decimal `json:"eer"`

	Energy          decimal.Decimal `json:"energy"`
	ComplianceUnits decimal.Decimal `json:"compliance_units"`
}

// TotalQuantity uses the annual quantity, or the sum of quarters when the
// annual quantity is absent.
func (f FuelLine) TotalQuantity() int64 {
	if f.Quantity > 0 {
		return f.Quantity
	}
	return f.Q1Quantity + f.Q2Quantity + f.Q3Quantity + f.Q4Quantity
}

func (f FuelLine) checkDecimals() error {
	for name, d := range map[string]decimal.Decimal{
		"ci_of_fuel":     f.CI,
		"uci":            f.UCI,
		"target_ci":      f.TargetCI,
		"energy_density": f.EnergyDensity,
		"eer":            f.EER,
	} {
		if d.IsNegative() {
			return invalid(name, "must not be negative")
		}
	}
	if f.TotalQuantity() == 0 {
		return invalid("quantity", "a quantity or quarterly quantities are required")
	}
	return nil
}

type FuelSupply struct {
	FuelLine
}

type FuelExport struct {
	FuelLine
	ExportDate string `json:"export_date" validate:"omitempty,datetime=2006-01-02"`
}

type AllocationAgreement struct {
	TransactionPartner string          `json:"transaction_partner" validate:"required"`
	PartnerAddress     string          `json:"postal_address,omitempty"`
	AllocationType     string          `json:"allocation_transaction_type" validate:"required,oneof=Allocated-from Allocated-to"`
	FuelType           string          `json:"fuel_type" validate:"required"`
	FuelCategory       Column          `json:"fuel_category" validate:"required,oneof=gasoline diesel jet_fuel"`
	Provision          string          `json:"provision_of_the_act" validate:"required"`
	FuelCode           string          `json:"fuel_code,omitempty"`
	CI                 decimal.Decimal `json:"ci_of_fuel"`
	Quantity           int64           `json:"quantity" validate:"gte=0"`
	Q1Quantity         int64           `json:"q1_quantity,omitempty" validate:"gte=0"`
	Q2Quantity         int64           `json:"q2_quantity,omitempty" validate:"gte=0"`
	Q3Quantity         int64           `json:"q3_quantity,omitempty" validate:"gte=0"`
	Q4Quantity         int64           `json:"q4_quantity,omitempty" validate:"gte=0"`
	Units              string          `json:"units" validate:"required,oneof=L kg kWh m3"`
}

type OtherUse struct {
	FuelType     string          `json:"fuel_type" validate:"required"`
	FuelCategory Column          `json:"fuel_category" validate:"required,oneof=gasoline diesel jet_fuel"`
	Provision    string          `json:"provision_of_the_act,omitempty"`
	Quantity     int64           `json:"quantity_supplied" validate:"gt=0"`
	Units        string          `json:"units" validate:"required,oneof=L kg kWh m3"`
	CI           decimal.Decimal `json:"ci_of_fuel"`
	ExpectedUse  string          `json:"expected_use" validate:"required"`
	Rationale    string          `json:"rationale,omitempty"`
}

type NotionalTransfer struct {
	LegalName         string `json:"legal_name" validate:"required"`
	AddressForService string `json:"address_for_service,omitempty"`
	FuelCategory      Column `json:"fuel_category" validate:"required,oneof=gasoline diesel jet_fuel"`
	Direction         string `json:"received_or_transferred" validate:"required,oneof=Received Transferred"`
	Quantity          int64  `json:"quantity" validate:"gt=0"`
}

// Signed returns the quantity as it counts toward Line 5.
func (n NotionalTransfer) Signed() int64 {
	if n.Direction == "Transferred" {
		return -n.Quantity
	}
	return n.Quantity
}

type ChargingEquipment struct {
	EquipmentID  string   `json:"charging_equipment_id" validate:"required"`
	SiteName     string   `json:"site_name,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	IntendedUses []string `json:"intended_uses,omitempty"`
}

// DecodeLineItem parses and validates a payload for its collection.
func DecodeLineItem(c Collection, payload []byte) (any, error) {
	var item any
	switch c {
	case CollectionFuelSupply:
		item = &FuelSupply{}
	case CollectionFuelExport:
		item = &FuelExport{}
	case CollectionAllocationAgreement:
		item = &AllocationAgreement{}
	case CollectionOtherUse:
		item = &OtherUse{}
	case CollectionNotionalTransfer:
		item = &NotionalTransfer{}
	case CollectionChargingEquipment:
		item = &ChargingEquipment{}
	default:
		return nil, invalid("collection", "unknown collection %q", c)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(item); err != nil {
		return nil, invalid("payload", "%v", err)
	}
	if err := validate.Struct(item); err != nil {
		return nil, validationError(err)
	}
	switch it := item.(type) {
	case *FuelSupply:
		if err := it.checkDecimals(); err != nil {
			return nil, err
		}
	case *FuelExport:
		if err := it.checkDecimals(); err != nil {
			return nil, err
		}
	case *AllocationAgreement:
		if it.CI.IsNegative() {
			return nil, invalid("ci_of_fuel", "must not be negative")
		}
	}
	return item, nil
}

// ValidateStruct checks v's validate tags and reports the first failure as
// a ValidationError.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError turns validator output into a ValidationError naming the
// first failing field.
func validationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return invalid(fe.Field(), "failed %q validation", fe.Tag())
	}
	return invalid("payload", "%v", err)
}

// =============================================================================
// EFFECTIVE ITEMS
// =============================================================================

// EffectiveItems is the decoded effective view of a report.
type EffectiveItems struct {
	FuelSupplies        []FuelSupply
	FuelExports         []FuelExport
	AllocationAgreement []AllocationAgreement
	OtherUses           []OtherUse
	NotionalTransfers   []NotionalTransfer
	ChargingEquipment   []ChargingEquipment
}

// DecodeEffective decodes effective rows of every collection.
func DecodeEffective(rows []LineItemRecord) (EffectiveItems, error) {
	var items EffectiveItems
	for _, r := range rows {
		var err error
		switch r.Collection {
		case CollectionFuelSupply:
			var v FuelSupply
			if err = json.Unmarshal(r.Payload, &v); err == nil {
				items.FuelSupplies = append(items.FuelSupplies, v)
			}
		case CollectionFuelExport:
			var v FuelExport
			if err = json.Unmarshal(r.Payload, &v); err == nil {
				items.FuelExports = append(items.FuelExports, v)
			}
		case CollectionAllocationAgreement:
			var v AllocationAgreement
			if err = json.Unmarshal(r.Payload, &v); err == nil {
				items.AllocationAgreement = append(items.AllocationAgreement, v)
			}
		case CollectionOtherUse:
			var v OtherUse
			if err = json.Unmarshal(r.Payload, &v); err == nil {
				items.OtherUses = append(items.OtherUses, v)
			}
		case CollectionNotionalTransfer:
			var v NotionalTransfer
			if err = json.Unmarshal(r.Payload, &v); err == nil {
				items.NotionalTransfers = append(items.NotionalTransfers, v)
			}
		case CollectionChargingEquipment:
			var v ChargingEquipment
			if err = json.Unmarshal(r.Payload, &v); err == nil {
				items.ChargingEquipment = append(items.ChargingEquipment, v)
			}
		default:
			err = fmt.Errorf("unknown collection %q", r.Collection)
		}
		if err != nil {
			return EffectiveItems{}, fmt.Errorf("%w: line item %s: %v", ErrIntegrityViolation, r.ID, err)
		}
	}
	return items, nil
}

// CountByCollection counts effective rows per collection.
func CountByCollection(rows []LineItemRecord) map[Collection]int {
	counts := make(map[Collection]int, len(Collections))
	for _, c := range Collections {
		counts[c] = 0
	}
	for _, r := range rows {
		counts[r.Collection]++
	}
	return counts
}

// =============================================================================
// MUTATIONS
// =============================================================================

// LineItemMutation is one requested change to a collection.
type LineItemMutation struct {
	Action       ActionType      `json:"action" validate:"required,oneof=CREATE UPDATE DELETE"`
	SubGroupUUID uuid.UUID       `json:"group_uuid"`
	Payload      json.RawMessage `json:"payload"`
}

// CopyForward materializes effective rows of a version as CREATE rows of the
// next one, preserving sub-group uuids.
func CopyForward(effective []LineItemRecord, next ComplianceReport, actor Principal, at time.Time) []LineItemRecord {
	rows := make([]LineItemRecord, 0, len(effective))
	for _, r := range effective {
		rows = append(rows, LineItemRecord{
			ID:            newRowID(),
			Collection:    r.Collection,
			ReportID:      next.ID,
			GroupUUID:     next.GroupUUID,
			ReportVersion: next.Version,
			SubGroupUUID:  r.SubGroupUUID,
			Revision:      0,
			Action:        ActionCreate,
			UserType:      actor.UserType(),
			Payload:       append(json.RawMessage(nil), r.Payload...),
			CreatedBy:     actor.UserID,
			CreatedAt:     at,
		})
	}
	return rows
}
