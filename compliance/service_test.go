package compliance_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/compliance/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

var (
	supplierA = compliance.Principal{UserID: "supplier-a", OrganizationID: "org-a",
		Roles: []compliance.Role{compliance.RoleSupplier, compliance.RoleSigningAuthority}}
	supplierB = compliance.Principal{UserID: "supplier-b", OrganizationID: "org-b",
		Roles: []compliance.Role{compliance.RoleSupplier, compliance.RoleSigningAuthority}}
	preparer = compliance.Principal{UserID: "preparer-a", OrganizationID: "org-a",
		Roles: []compliance.Role{compliance.RoleSupplier}}
	analyst  = compliance.Principal{UserID: "analyst", Roles: []compliance.Role{compliance.RoleAnalyst}}
	manager  = compliance.Principal{UserID: "manager", Roles: []compliance.Role{compliance.RoleComplianceManager}}
	director = compliance.Principal{UserID: "director", Roles: []compliance.Role{compliance.RoleDirector}}
)

type harness struct {
	svc    *compliance.Service
	mem    *store.Memory
	ledger *compliance.UnitLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	svc := compliance.NewService(mem, compliance.StaticReference(testReference()), nil)
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, mem.SaveOrganization(ctx, compliance.Organization{
		ID:                "org-a",
		Name:              "Cascade Fuels Ltd.",
		OperatingName:     "Cascade Fuels",
		Email:             "compliance@cascadefuels.example",
		Phone:             "+1 604 687 2000",
		ServiceAddress:    "100 Main St, Vancouver, BC",
		RecordsAddress:    "100 Main St, Vancouver, BC",
		HeadOfficeAddress: "100 Main St, Vancouver, BC",
	}))
	require.NoError(t, mem.SaveOrganization(ctx, compliance.Organization{
		ID:   "org-b",
		Name: "Northern Renewables Inc.",
	}))

	h := &harness{svc: svc, mem: mem, ledger: compliance.NewUnitLedger(mem, svc.Now)}
	fund(t, h.ledger, "org-a", 1000, time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	return h
}

func (h *harness) create(t *testing.T, p compliance.Principal, period compliance.CompliancePeriod) compliance.ComplianceReport {
	t.Helper()
	v, err := h.svc.CreateReport(context.Background(), p, compliance.CreateReportRequest{
		OrganizationID: p.OrganizationID,
		Period:         period,
	})
	require.NoError(t, err)
	return v.Report
}

// addSupply adds one 2025 fuel supply row and returns the effective rows.
func (h *harness) addSupply(t *testing.T, p compliance.Principal, id compliance.ReportID, fuel string, qty int64, ci string) []compliance.LineItemRecord {
	t.Helper()
	payload := fmt.Sprintf(`{"fuel_type":%q,"fuel_category":"diesel","provision_of_the_act":"Default carbon intensity","quantity":%d,"units":"L","ci_of_fuel":%q}`, fuel, qty, ci)
	rows, err := h.svc.UpdateLineItems(context.Background(), p, id, compliance.CollectionFuelSupply, []compliance.LineItemMutation{
		{Action: compliance.ActionCreate, Payload: []byte(payload)},
	})
	require.NoError(t, err)
	return rows
}

func (h *harness) fire(t *testing.T, p compliance.Principal, id compliance.ReportID, ev compliance.Event) compliance.ComplianceReport {
	t.Helper()
	v, err := h.svc.Transition(context.Background(), p, id, ev, "")
	require.NoError(t, err, "%s by %s", ev, p.UserID)
	return v.Report
}

// assess walks a submitted original through both recommendations.
func (h *harness) assess(t *testing.T, id compliance.ReportID) compliance.ComplianceReport {
	t.Helper()
	h.fire(t, analyst, id, compliance.EventRecommend)
	h.fire(t, manager, id, compliance.EventRecommend)
	return h.fire(t, director, id, compliance.EventAssess)
}

func (h *harness) entry(t *testing.T, handle compliance.HandleID) compliance.LedgerEntry {
	t.Helper()
	e, err := h.mem.GetLedgerEntry(context.Background(), handle)
	require.NoError(t, err)
	return *e
}

// =============================================================================
// CREATE
// =============================================================================

func TestService_CreateReport_StartsInDraft(t *testing.T) {
	h := newHarness(t)

	v, err := h.svc.CreateReport(context.Background(), supplierA, compliance.CreateReportRequest{
		OrganizationID: "org-a",
		Period:         "2025",
	})

	require.NoError(t, err)
	assert.Equal(t, compliance.StatusDraft, v.Report.Status)
	assert.Equal(t, 0, v.Report.Version)
	assert.Equal(t, compliance.FrequencyAnnual, v.Report.Frequency)
	require.NotNil(t, v.Snapshot)
	assert.Equal(t, "Cascade Fuels Ltd.", v.Snapshot.Name)
	require.NotNil(t, v.Summary)
	assert.False(t, v.Summary.IsLocked)
	require.Len(t, v.History, 1)
	assert.Equal(t, compliance.StatusDraft, v.History[0].Status)
}

func TestService_CreateReport_SecondGroupRejected(t *testing.T) {
	h := newHarness(t)
	h.create(t, supplierA, "2025")

	_, err := h.svc.CreateReport(context.Background(), supplierA, compliance.CreateReportRequest{
		OrganizationID: "org-a",
		Period:         "2025",
	})

	assert.ErrorIs(t, err, compliance.ErrInvalidState)
}

func TestService_CreateReport_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateReport(ctx, supplierA, compliance.CreateReportRequest{OrganizationID: "org-b", Period: "2025"})
	assert.ErrorIs(t, err, compliance.ErrForbidden, "other organization")

	_, err = h.svc.CreateReport(ctx, analyst, compliance.CreateReportRequest{OrganizationID: "org-a", Period: "2025"})
	assert.ErrorIs(t, err, compliance.ErrForbidden, "government")

	_, err = h.svc.CreateReport(ctx, supplierA, compliance.CreateReportRequest{OrganizationID: "org-a", Period: "2031"})
	assert.ErrorIs(t, err, compliance.ErrValidation, "no rules")

	_, err = h.svc.CreateReport(ctx, supplierA, compliance.CreateReportRequest{OrganizationID: "org-a", Period: "2025", Quarter: "Q1"})
	assert.ErrorIs(t, err, compliance.ErrValidation, "annual with quarter")
}

func TestService_GovernmentCannotSeeDrafts(t *testing.T) {
	// GIVEN: A draft of org-a
	// WHEN: An analyst reads or lists it
	// THEN: The read is forbidden and the list is empty
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()

	_, err := h.svc.GetReport(ctx, analyst, r.ID)
	assert.ErrorIs(t, err, compliance.ErrForbidden)

	reports, total, err := h.svc.ListReports(ctx, analyst, compliance.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Zero(t, total)

	_, err = h.svc.GetReport(ctx, supplierB, r.ID)
	assert.ErrorIs(t, err, compliance.ErrForbidden, "other supplier")
}

// =============================================================================
// EDITS
// =============================================================================

func TestService_UpdateLineItems_CreateUpdateDelete(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()

	rows := h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")
	require.Len(t, rows, 1)
	sub := rows[0].SubGroupUUID

	rows, err := h.svc.UpdateLineItems(ctx, supplierA, r.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action:       compliance.ActionUpdate,
		SubGroupUUID: sub,
		Payload:      []byte(`{"fuel_type":"Biodiesel","fuel_category":"diesel","provision_of_the_act":"Default carbon intensity","quantity":20000,"units":"L","ci_of_fuel":"50"}`),
	}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, sub, rows[0].SubGroupUUID)
	assert.Equal(t, 1, rows[0].Revision)

	rows, err = h.svc.UpdateLineItems(ctx, supplierA, r.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action:       compliance.ActionDelete,
		SubGroupUUID: sub,
	}})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestService_UpdateLineItems_ComputesUnits(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")

	h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")

	// (90 - 50) × 350,000 MJ / 1,000,000
	s, err := h.svc.GetSummary(context.Background(), supplierA, r.ID)
	require.NoError(t, err)
	assertDec(t, "14", s.Line16NetItemUnits, "L16")
	assert.True(t, s.CanSign, "problems: %v", s.Problems)
}

func TestService_UpdateLineItems_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()

	_, err := h.svc.UpdateLineItems(ctx, supplierA, r.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action:  compliance.ActionCreate,
		Payload: []byte(`{"fuel_type":"Kerosene","fuel_category":"diesel","provision_of_the_act":"Default","quantity":1,"units":"L"}`),
	}})
	assert.ErrorIs(t, err, compliance.ErrValidation, "unknown fuel type")

	_, err = h.svc.UpdateLineItems(ctx, supplierA, r.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action: compliance.ActionDelete, SubGroupUUID: uuid.New(),
	}})
	assert.ErrorIs(t, err, compliance.ErrNotFound, "unknown sub-group")

	_, err = h.svc.UpdateLineItems(ctx, supplierA, r.ID, "bogus", []compliance.LineItemMutation{{Action: compliance.ActionCreate}})
	assert.ErrorIs(t, err, compliance.ErrValidation, "unknown collection")

	items, err := h.svc.ListLineItems(ctx, supplierA, r.ID, compliance.CollectionFuelSupply)
	require.NoError(t, err)
	assert.Empty(t, items, "failed mutations leave no rows")
}

func TestService_UpdateLineItems_EditAuthority(t *testing.T) {
	// GIVEN: A draft and a submitted report
	// WHEN: The wrong party edits them
	// THEN: Drafts are supplier-only and submitted reports are read-only
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()
	mut := []compliance.LineItemMutation{{Action: compliance.ActionCreate,
		Payload: []byte(`{"legal_name":"X","fuel_category":"diesel","received_or_transferred":"Received","quantity":5}`)}}

	_, err := h.svc.UpdateLineItems(ctx, supplierB, r.ID, compliance.CollectionNotionalTransfer, mut)
	assert.ErrorIs(t, err, compliance.ErrForbidden)

	h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	_, err = h.svc.UpdateLineItems(ctx, supplierA, r.ID, compliance.CollectionNotionalTransfer, mut)
	assert.ErrorIs(t, err, compliance.ErrInvalidState)
	_, err = h.svc.UpdateLineItems(ctx, analyst, r.ID, compliance.CollectionNotionalTransfer, mut)
	assert.ErrorIs(t, err, compliance.ErrInvalidState)
}

func TestService_OverrideSummaryLine_EnforcesCap(t *testing.T) {
	// GIVEN: A draft with an opening balance of 1000 units
	// WHEN: Line 15 is set above and within the balance
	// THEN: Above is rejected, within is stored
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()

	_, err := h.svc.OverrideSummaryLine(ctx, supplierA, r.ID, compliance.FieldLine15, dec("1001"))
	assert.ErrorIs(t, err, compliance.ErrValidation)

	s, err := h.svc.OverrideSummaryLine(ctx, supplierA, r.ID, compliance.FieldLine15, dec("400"))
	require.NoError(t, err)
	assertDec(t, "400", s.Line15BankedUsed, "L15")

	stored, err := h.svc.GetSummary(ctx, supplierA, r.ID)
	require.NoError(t, err)
	assertDec(t, "400", stored.Line15BankedUsed, "stored L15")
}

func TestService_OverrideSummaryLine_SupplierOnly(t *testing.T) {
	// GIVEN: A draft of org-a
	// WHEN: Another supplier, a preparer without signing authority and an
	//       analyst override Line 15
	// THEN: Only suppliers of org-a may do it
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()

	_, err := h.svc.OverrideSummaryLine(ctx, supplierB, r.ID, compliance.FieldLine15, dec("10"))
	assert.ErrorIs(t, err, compliance.ErrForbidden, "other organization")
	_, err = h.svc.OverrideSummaryLine(ctx, analyst, r.ID, compliance.FieldLine15, dec("10"))
	assert.ErrorIs(t, err, compliance.ErrForbidden, "government")

	s, err := h.svc.OverrideSummaryLine(ctx, preparer, r.ID, compliance.FieldLine15, dec("10"))
	require.NoError(t, err)
	assertDec(t, "10", s.Line15BankedUsed, "L15")
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestService_Submit_ReservesNetPosition(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")

	got := h.fire(t, supplierA, r.ID, compliance.EventSubmit)

	assert.Equal(t, compliance.StatusSubmitted, got.Status)
	require.NotEmpty(t, got.ReservationHandle)
	e := h.entry(t, got.ReservationHandle)
	assert.Equal(t, compliance.ActionReserved, e.Action)
	assertDec(t, "14", e.Delta, "reserved")
	assert.Equal(t, string(r.ID), e.CorrelationID)
	// a pending credit is neither spendable nor held against the balance
	assertBalance(t, h.ledger, "org-a", 1000, 0, 1000)

	s, err := h.svc.GetSummary(context.Background(), supplierA, r.ID)
	require.NoError(t, err)
	assert.True(t, s.IsLocked)
}

func TestService_Submit_RequiresSigningAuthority(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, preparer, "2025")

	_, err := h.svc.Transition(context.Background(), preparer, r.ID, compliance.EventSubmit, "")

	assert.ErrorIs(t, err, compliance.ErrForbiddenTransition)
}

func TestService_Submit_IncompleteSnapshot(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierB, "2025")

	_, err := h.svc.Transition(context.Background(), supplierB, r.ID, compliance.EventSubmit, "")

	var snapErr *compliance.IncompleteSnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.Contains(t, snapErr.Missing, "phone")
	assert.Contains(t, snapErr.Missing, "email")
}

func TestService_Submit_InvalidSummaryStaysDraft(t *testing.T) {
	// GIVEN: Line 15 set to 400 and the balance later drops below it
	// WHEN: The supplier submits
	// THEN: Submission is rejected and nothing changes
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()
	_, err := h.svc.OverrideSummaryLine(ctx, supplierA, r.ID, compliance.FieldLine15, dec("400"))
	require.NoError(t, err)
	_, err = h.ledger.Adjust(ctx, compliance.AdjustRequest{
		OrganizationID: "org-a",
		Delta:          units(-700),
		Source:         compliance.SourceAdministrativeAdjustment,
		EffectiveAt:    time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = h.svc.Transition(ctx, supplierA, r.ID, compliance.EventSubmit, "")

	assert.ErrorIs(t, err, compliance.ErrInvalidSummary)
	v, err := h.svc.GetReport(ctx, supplierA, r.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusDraft, v.Report.Status)
	assert.Len(t, v.History, 1)
}

func TestService_Submit_DebitBeyondBalanceRollsBack(t *testing.T) {
	// GIVEN: A report owing 40 units from an organization holding none
	// WHEN: It is submitted
	// THEN: InsufficientUnits, the report stays Draft and nothing is reserved
	h := newHarness(t)
	r := h.create(t, supplierB, "2025")
	ctx := context.Background()
	org, err := h.mem.GetOrganization(ctx, "org-b")
	require.NoError(t, err)
	snap := compliance.SnapshotOf(r.ID, *org, time.Now())
	snap.OperatingName = "Northern Renewables"
	snap.Email = "reports@northernrenewables.example"
	snap.Phone = "+1 250 614 7000"
	snap.ServiceAddress = "20 Fraser Ave, Prince George, BC"
	snap.RecordsAddress = snap.ServiceAddress
	snap.HeadOfficeAddress = snap.ServiceAddress
	_, err = h.svc.UpdateSnapshot(ctx, supplierB, r.ID, snap)
	require.NoError(t, err)
	h.addSupply(t, supplierB, r.ID, "Diesel", 100000, "100")

	_, err = h.svc.Transition(ctx, supplierB, r.ID, compliance.EventSubmit, "")

	var unitsErr *compliance.InsufficientUnitsError
	require.ErrorAs(t, err, &unitsErr)
	assertDec(t, "40", unitsErr.Shortfall, "shortfall")
	v, err := h.svc.GetReport(ctx, supplierB, r.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusDraft, v.Report.Status)
	assert.Empty(t, v.Report.ReservationHandle)
	assertBalance(t, h.ledger, "org-b", 0, 0, 0)
}

// =============================================================================
// REVIEW AND ASSESSMENT
// =============================================================================

func TestService_FullLifecycle_SettlesUnits(t *testing.T) {
	// GIVEN: A report earning 14 units
	// WHEN: It is submitted, recommended twice and assessed
	// THEN: The reservation becomes an adjustment and history has 5 entries
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")
	h.fire(t, supplierA, r.ID, compliance.EventSubmit)

	got := h.assess(t, r.ID)

	assert.Equal(t, compliance.StatusAssessed, got.Status)
	e := h.entry(t, got.ReservationHandle)
	assert.Equal(t, compliance.ActionAdjustment, e.Action)
	assertBalance(t, h.ledger, "org-a", 1014, 0, 1014)

	hist, err := h.svc.History(context.Background(), supplierA, r.ID)
	require.NoError(t, err)
	var statuses []compliance.ReportStatus
	for _, e := range hist {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []compliance.ReportStatus{
		compliance.StatusDraft,
		compliance.StatusSubmitted,
		compliance.StatusRecommendedByAnalyst,
		compliance.StatusRecommendedByManager,
		compliance.StatusAssessed,
	}, statuses)
}

func TestService_Transition_Dispatch(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	ctx := context.Background()

	_, err := h.svc.Transition(ctx, director, r.ID, compliance.EventAssess, "")
	assert.ErrorIs(t, err, compliance.ErrInvalidState, "no row for Draft/assess")

	_, err = h.svc.Transition(ctx, supplierB, r.ID, compliance.EventSubmit, "")
	assert.ErrorIs(t, err, compliance.ErrForbidden, "other organization")

	h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	_, err = h.svc.Transition(ctx, manager, r.ID, compliance.EventRecommend, "")
	assert.ErrorIs(t, err, compliance.ErrForbiddenTransition, "manager cannot recommend Submitted")

	_, err = h.svc.Transition(ctx, analyst, r.ID, "approve", "")
	assert.ErrorIs(t, err, compliance.ErrValidation, "unknown event")
}

func TestService_ReturnToSupplier_ReleasesReservation(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")
	h.fire(t, supplierA, r.ID, compliance.EventSubmit)

	got := h.fire(t, analyst, r.ID, compliance.EventReturnToSupplier)

	assert.Equal(t, compliance.StatusDraft, got.Status)
	assert.Empty(t, got.ReservationHandle)
	assertBalance(t, h.ledger, "org-a", 1000, 0, 1000)
	s, err := h.svc.GetSummary(context.Background(), supplierA, r.ID)
	require.NoError(t, err)
	assert.False(t, s.IsLocked)

	// resubmission reserves again
	again := h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	require.NotEmpty(t, again.ReservationHandle)
	e := h.entry(t, again.ReservationHandle)
	assert.Equal(t, compliance.ActionReserved, e.Action)
	assertDec(t, "14", e.Delta, "reserved again")
	assertBalance(t, h.ledger, "org-a", 1000, 0, 1000)
}

func TestService_ReturnPaths(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	h.fire(t, analyst, r.ID, compliance.EventRecommend)
	h.fire(t, manager, r.ID, compliance.EventRecommend)

	got := h.fire(t, director, r.ID, compliance.EventReturn)
	assert.Equal(t, compliance.StatusRecommendedByAnalyst, got.Status)

	got = h.fire(t, manager, r.ID, compliance.EventReturn)
	assert.Equal(t, compliance.StatusSubmitted, got.Status)
}

func TestService_ZeroNet_ReservesNothing(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")

	got := h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	assert.Empty(t, got.ReservationHandle)

	got = h.assess(t, r.ID)
	assert.Equal(t, compliance.StatusAssessed, got.Status)
	assertBalance(t, h.ledger, "org-a", 1000, 0, 1000)
}

func TestService_ConcurrentSubmit_OneWins(t *testing.T) {
	// GIVEN: One draft
	// WHEN: Two submissions race
	// THEN: Exactly one succeeds and one reservation exists
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Transition(context.Background(), supplierA, r.ID, compliance.EventSubmit, "")
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, errors.Is(err, compliance.ErrInvalidState) || errors.Is(err, compliance.ErrConcurrencyConflict), "err: %v", err)
		}
	}
	assert.Equal(t, 1, failed)
	v, err := h.svc.GetReport(context.Background(), supplierA, r.ID)
	require.NoError(t, err)
	require.NotEmpty(t, v.Report.ReservationHandle)
	e := h.entry(t, v.Report.ReservationHandle)
	assert.Equal(t, compliance.ActionReserved, e.Action)
	assertDec(t, "14", e.Delta, "reserved")

	entries, err := h.mem.ListLedgerEntries(context.Background(), "org-a")
	require.NoError(t, err)
	reserved := 0
	for _, le := range entries {
		if le.Action == compliance.ActionReserved {
			reserved++
		}
	}
	assert.Equal(t, 1, reserved, "one reservation")
	assertBalance(t, h.ledger, "org-a", 1000, 0, 1000)
}

// =============================================================================
// SUPPLEMENTAL AND REASSESSMENT
// =============================================================================

func assessedReport(t *testing.T, h *harness) compliance.ComplianceReport {
	t.Helper()
	r := h.create(t, supplierA, "2025")
	h.addSupply(t, supplierA, r.ID, "Biodiesel", 10000, "50")
	h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	return h.assess(t, r.ID)
}

func TestService_Supplemental_CopiesForwardAndSupersedes(t *testing.T) {
	// GIVEN: An assessed report earning 14 units
	// WHEN: A supplemental doubles the volume and the director assesses it
	// THEN: The settled movement is amended to 28, v0 is Superseded
	h := newHarness(t)
	v0 := assessedReport(t, h)
	ctx := context.Background()

	opened, err := h.svc.OpenSupplemental(ctx, supplierA, v0.GroupUUID)
	require.NoError(t, err)
	v1 := opened.Report
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, compliance.StatusDraft, v1.Status)
	assert.Equal(t, compliance.InitiatorSupplierSupplemental, v1.Initiator)
	assert.Equal(t, v0.ReservationHandle, v1.ReservationHandle)
	assert.Equal(t, 1, opened.LineItemCounts[compliance.CollectionFuelSupply])

	items, err := h.svc.ListLineItems(ctx, supplierA, v1.ID, compliance.CollectionFuelSupply)
	require.NoError(t, err)
	require.Len(t, items, 1)
	_, err = h.svc.UpdateLineItems(ctx, supplierA, v1.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action:       compliance.ActionUpdate,
		SubGroupUUID: items[0].SubGroupUUID,
		Payload:      []byte(`{"fuel_type":"Biodiesel","fuel_category":"diesel","provision_of_the_act":"Default carbon intensity","quantity":20000,"units":"L","ci_of_fuel":"50"}`),
	}})
	require.NoError(t, err)

	_, err = h.svc.OpenSupplemental(ctx, supplierA, v0.GroupUUID)
	assert.ErrorIs(t, err, compliance.ErrInvalidState, "one version in flight")

	submitted := h.fire(t, supplierA, v1.ID, compliance.EventSubmit)
	assert.Equal(t, v0.ReservationHandle, submitted.ReservationHandle, "an increase holds nothing")
	assertBalance(t, h.ledger, "org-a", 1014, 0, 1014)
	got := h.assess(t, v1.ID)

	assert.Equal(t, compliance.StatusAssessed, got.Status)
	assertBalance(t, h.ledger, "org-a", 1028, 0, 1028)
	e := h.entry(t, got.ReservationHandle)
	assert.Equal(t, compliance.ActionAdjustment, e.Action)
	assertDec(t, "28", e.Delta, "amended movement")
	assert.Equal(t, string(v1.ID), e.CorrelationID)

	prior, err := h.svc.GetReport(ctx, supplierA, v0.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusSuperseded, prior.Report.Status)

	old, err := h.svc.ListLineItems(ctx, supplierA, v0.ID, compliance.CollectionFuelSupply)
	require.NoError(t, err)
	assert.Contains(t, string(old[0].Payload), `"quantity":10000`, "v0 view is unchanged")
}

func TestService_Supplemental_HoldsDecreaseDuringReview(t *testing.T) {
	// GIVEN: An assessed report earning 14 units
	// WHEN: A supplemental halves the volume and goes through review
	// THEN: The 7 unit decrease is held from submission until assessment
	h := newHarness(t)
	v0 := assessedReport(t, h)
	ctx := context.Background()
	opened, err := h.svc.OpenSupplemental(ctx, supplierA, v0.GroupUUID)
	require.NoError(t, err)
	v1 := opened.Report
	items, err := h.svc.ListLineItems(ctx, supplierA, v1.ID, compliance.CollectionFuelSupply)
	require.NoError(t, err)
	_, err = h.svc.UpdateLineItems(ctx, supplierA, v1.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action:       compliance.ActionUpdate,
		SubGroupUUID: items[0].SubGroupUUID,
		Payload:      []byte(`{"fuel_type":"Biodiesel","fuel_category":"diesel","provision_of_the_act":"Default carbon intensity","quantity":5000,"units":"L","ci_of_fuel":"50"}`),
	}})
	require.NoError(t, err)

	h.fire(t, supplierA, v1.ID, compliance.EventSubmit)
	assertBalance(t, h.ledger, "org-a", 1014, 7, 1007)

	h.fire(t, analyst, v1.ID, compliance.EventReturnToSupplier)
	assertBalance(t, h.ledger, "org-a", 1014, 0, 1014)

	h.fire(t, supplierA, v1.ID, compliance.EventSubmit)
	assertBalance(t, h.ledger, "org-a", 1014, 7, 1007)

	got := h.assess(t, v1.ID)

	assert.Equal(t, compliance.StatusAssessed, got.Status)
	assertBalance(t, h.ledger, "org-a", 1007, 0, 1007)
	e := h.entry(t, got.ReservationHandle)
	assert.Equal(t, compliance.ActionAdjustment, e.Action)
	assertDec(t, "7", e.Delta, "amended movement")
	entries, err := h.mem.ListLedgerEntries(ctx, "org-a")
	require.NoError(t, err)
	for _, le := range entries {
		assert.NotEqual(t, compliance.ActionReserved, le.Action, "no reservation outlives assessment")
	}
}

func TestService_Supplemental_DecreaseBeyondBalanceFailsAtSubmit(t *testing.T) {
	// GIVEN: An assessed report earning 14 units and only 4 units left
	// WHEN: A supplemental removing the supply is submitted
	// THEN: InsufficientUnits is raised at submission and v1 stays Draft
	h := newHarness(t)
	v0 := assessedReport(t, h)
	ctx := context.Background()
	_, err := h.ledger.Adjust(ctx, compliance.AdjustRequest{
		OrganizationID: "org-a",
		Delta:          units(-1010),
		Source:         compliance.SourceAdministrativeAdjustment,
		EffectiveAt:    time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	opened, err := h.svc.OpenSupplemental(ctx, supplierA, v0.GroupUUID)
	require.NoError(t, err)
	v1 := opened.Report
	items, err := h.svc.ListLineItems(ctx, supplierA, v1.ID, compliance.CollectionFuelSupply)
	require.NoError(t, err)
	_, err = h.svc.UpdateLineItems(ctx, supplierA, v1.ID, compliance.CollectionFuelSupply, []compliance.LineItemMutation{{
		Action: compliance.ActionDelete, SubGroupUUID: items[0].SubGroupUUID,
	}})
	require.NoError(t, err)

	_, err = h.svc.Transition(ctx, supplierA, v1.ID, compliance.EventSubmit, "")

	var unitsErr *compliance.InsufficientUnitsError
	require.ErrorAs(t, err, &unitsErr)
	assertDec(t, "10", unitsErr.Shortfall, "shortfall")
	v, err := h.svc.GetReport(ctx, supplierA, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusDraft, v.Report.Status)
	assertBalance(t, h.ledger, "org-a", 4, 0, 4)
}

func TestService_Assess_RequiresAssessedPredecessorForReassessment(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")
	h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	h.fire(t, analyst, r.ID, compliance.EventRecommend)
	h.fire(t, manager, r.ID, compliance.EventRecommend)

	_, err := h.svc.Transition(context.Background(), director, r.ID, compliance.EventAssessReassessment, "")

	assert.ErrorIs(t, err, compliance.ErrInvalidState, "originals have no predecessor")
	got := h.fire(t, director, r.ID, compliance.EventAssess)
	assert.Equal(t, compliance.StatusAssessed, got.Status)
}

func TestService_GovernmentReassessment(t *testing.T) {
	// GIVEN: An assessed report
	// WHEN: An analyst opens a reassessment and the director decides from
	//       Recommended_by_analyst
	// THEN: The new version is Reassessed without supplier involvement
	h := newHarness(t)
	v0 := assessedReport(t, h)
	ctx := context.Background()

	_, err := h.svc.OpenReassessment(ctx, supplierA, v0.GroupUUID)
	assert.ErrorIs(t, err, compliance.ErrForbidden)

	opened, err := h.svc.OpenReassessment(ctx, analyst, v0.GroupUUID)
	require.NoError(t, err)
	v1 := opened.Report
	assert.Equal(t, compliance.StatusAnalystAdjustment, v1.Status)

	h.fire(t, analyst, v1.ID, compliance.EventRecommend)
	back := h.fire(t, manager, v1.ID, compliance.EventReturn)
	assert.Equal(t, compliance.StatusAnalystAdjustment, back.Status, "government versions return to adjustment")

	_, err = h.svc.OverrideSummaryLine(ctx, analyst, v1.ID, compliance.FieldLine15, dec("10"))
	assert.ErrorIs(t, err, compliance.ErrForbidden, "summary lines are supplier-entered")

	h.fire(t, analyst, v1.ID, compliance.EventRecommend)
	got := h.fire(t, director, v1.ID, compliance.EventAssessReassessment)
	assert.Equal(t, compliance.StatusReassessed, got.Status)
	assertBalance(t, h.ledger, "org-a", 1014, 0, 1014)

	prior, err := h.svc.GetReport(ctx, supplierA, v0.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusSuperseded, prior.Report.Status)
}

func TestService_Reassessment_RequiresAssessedHead(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, supplierA, "2025")

	_, err := h.svc.OpenSupplemental(context.Background(), supplierA, r.GroupUUID)

	assert.ErrorIs(t, err, compliance.ErrInvalidState)
}

// =============================================================================
// TRANSACTION WINDOWS
// =============================================================================

func transfer(t *testing.T, l *compliance.UnitLedger, n int64, at time.Time) {
	t.Helper()
	_, err := l.Adjust(context.Background(), compliance.AdjustRequest{
		OrganizationID: "org-a",
		Delta:          units(n),
		Source:         compliance.SourceTransfer,
		EffectiveAt:    at,
	})
	require.NoError(t, err)
}

func TestService_TransactionWindow_MovesOnceEarlierPeriodAssessed(t *testing.T) {
	// GIVEN: 100 units transferred out at 2025-03-31 12:00 and 30 received
	//        at 2025-04-01 00:00
	// WHEN: The 2024 report is assessed while a 2025 draft exists
	// THEN: The 2025 window moves from January 1 to April 1 and each
	//       transfer lands in exactly one period's lines 12 and 13
	h := newHarness(t)
	ctx := context.Background()
	transfer(t, h.ledger, -100, time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC))
	transfer(t, h.ledger, 30, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC))

	r24 := h.create(t, supplierA, "2024")
	r25 := h.create(t, supplierA, "2025")

	s25, err := h.svc.GetSummary(ctx, supplierA, r25.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), s25.Window.Start, "no earlier assessed report")
	assertDec(t, "100", s25.Line12TransferredOut, "2025 L12 before")
	assertDec(t, "30", s25.Line13Received, "2025 L13 before")
	assertDec(t, "1000", s25.Line17OpeningBalance, "2025 L17 before")

	h.fire(t, supplierA, r24.ID, compliance.EventSubmit)
	h.assess(t, r24.ID)

	s24, err := h.svc.GetSummary(ctx, supplierA, r24.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), s24.Window.Start)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), s24.Window.End)
	assertDec(t, "100", s24.Line12TransferredOut, "2024 L12")
	assertDec(t, "0", s24.Line13Received, "2024 L13")
	assertDec(t, "1000", s24.Line14IssuedByGovernment, "2024 L14")

	s25, err = h.svc.GetSummary(ctx, supplierA, r25.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), s25.Window.Start)
	assertDec(t, "0", s25.Line12TransferredOut, "2025 L12")
	assertDec(t, "30", s25.Line13Received, "2025 L13")
	assertDec(t, "900", s25.Line17OpeningBalance, "2025 L17")
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestService_Submit_NotifiesSubscribedAnalyst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mem.SaveSubscription(ctx, compliance.Subscription{
		ID:      "sub-1",
		UserID:  analyst.UserID,
		Role:    compliance.RoleAnalyst,
		Type:    compliance.NotifyAnalystSubmitted,
		Channel: compliance.ChannelInApp,
	}))
	require.NoError(t, h.mem.SaveSubscription(ctx, compliance.Subscription{
		ID:             "sub-2",
		UserID:         supplierB.UserID,
		OrganizationID: "org-b",
		Role:           compliance.RoleSupplier,
		Type:           compliance.NotifySupplierAssessment,
		Channel:        compliance.ChannelInApp,
	}))
	r := h.create(t, supplierA, "2025")

	h.fire(t, supplierA, r.ID, compliance.EventSubmit)
	h.assess(t, r.ID)

	msgs, err := h.svc.Messages(ctx, analyst)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(r.ID), msgs[0].RelatedTransactionID)

	other, err := h.svc.Messages(ctx, supplierB)
	require.NoError(t, err)
	assert.Empty(t, other, "org-b is not told about org-a's assessment")
}

func TestService_FailedTransition_EnqueuesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mem.SaveSubscription(ctx, compliance.Subscription{
		ID: "sub-1", UserID: analyst.UserID, Role: compliance.RoleAnalyst,
		Type: compliance.NotifyAnalystSubmitted, Channel: compliance.ChannelInApp,
	}))
	r := h.create(t, supplierB, "2025")

	_, err := h.svc.Transition(ctx, supplierB, r.ID, compliance.EventSubmit, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, compliance.ErrIncompleteSnapshot))

	msgs, err := h.svc.Messages(ctx, analyst)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
