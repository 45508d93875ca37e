package compliance_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/compliance/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func units(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func newTestLedger(t *testing.T) (*compliance.UnitLedger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	now := time.Date(2025, time.February, 1, 12, 0, 0, 0, time.UTC)
	return compliance.NewUnitLedger(mem, func() time.Time { return now }), mem
}

func fund(t *testing.T, l *compliance.UnitLedger, org compliance.OrganizationID, n int64, at time.Time) compliance.HandleID {
	t.Helper()
	h, err := l.Adjust(context.Background(), compliance.AdjustRequest{
		OrganizationID: org,
		Delta:          units(n),
		Source:         compliance.SourceInitiativeAgreement,
		EffectiveAt:    at,
	})
	require.NoError(t, err)
	return h
}

func assertBalance(t *testing.T, l *compliance.UnitLedger, org compliance.OrganizationID, current, reserved, available int64) {
	t.Helper()
	ctx := context.Background()
	c, err := l.CurrentBalance(ctx, org)
	require.NoError(t, err)
	r, err := l.ReservedBalance(ctx, org)
	require.NoError(t, err)
	a, err := l.AvailableBalance(ctx, org)
	require.NoError(t, err)
	assert.True(t, c.Equal(units(current)), "current: want %d, got %s", current, c)
	assert.True(t, r.Equal(units(reserved)), "reserved: want %d, got %s", reserved, r)
	assert.True(t, a.Equal(units(available)), "available: want %d, got %s", available, a)
}

// =============================================================================
// BALANCE DERIVATION
// =============================================================================

func TestLedger_EmptyOrganization_ZeroBalances(t *testing.T) {
	l, _ := newTestLedger(t)
	assertBalance(t, l, "org-1", 0, 0, 0)
}

func TestLedger_NegativeReservation_ReducesAvailableOnly(t *testing.T) {
	// GIVEN: 1000 units issued
	// WHEN: 300 units are reserved for a deficit
	// THEN: current is unchanged, 300 reserved, 700 available
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 1000, time.Time{})

	_, err := l.Reserve(ctx, compliance.ReserveRequest{
		OrganizationID: "org-1",
		Delta:          units(-300),
		Source:         compliance.SourceComplianceReport,
	})
	require.NoError(t, err)

	assertBalance(t, l, "org-1", 1000, 300, 700)
}

func TestLedger_PositiveReservation_NotSpendable(t *testing.T) {
	// GIVEN: A pending surplus of 500 units
	// WHEN: Balances are derived
	// THEN: Nothing is current or available until assessment settles it
	l, _ := newTestLedger(t)
	_, err := l.Reserve(context.Background(), compliance.ReserveRequest{
		OrganizationID: "org-1",
		Delta:          units(500),
		Source:         compliance.SourceComplianceReport,
	})
	require.NoError(t, err)

	assertBalance(t, l, "org-1", 0, 0, 0)
}

func TestLedger_Settle_PromotesToAdjustment(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 1000, time.Time{})
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(-400), Source: compliance.SourceTransfer})
	require.NoError(t, err)

	require.NoError(t, l.Settle(ctx, h, time.Time{}))

	assertBalance(t, l, "org-1", 600, 0, 600)
}

func TestLedger_Settle_TwiceRejected(t *testing.T) {
	// GIVEN: A settled entry
	// WHEN: It is settled again
	// THEN: InvalidState, the entry is promoted exactly once
	l, _ := newTestLedger(t)
	ctx := context.Background()
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(50), Source: compliance.SourceComplianceReport})
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, h, time.Time{}))

	err = l.Settle(ctx, h, time.Time{})
	assert.ErrorIs(t, err, compliance.ErrInvalidState)
	assertBalance(t, l, "org-1", 50, 0, 50)
}

func TestLedger_Release_RestoresAvailable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 200, time.Time{})
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(-200), Source: compliance.SourceComplianceReport})
	require.NoError(t, err)
	assertBalance(t, l, "org-1", 200, 200, 0)

	require.NoError(t, l.Release(ctx, h))

	assertBalance(t, l, "org-1", 200, 0, 200)
	err = l.Release(ctx, h)
	assert.ErrorIs(t, err, compliance.ErrInvalidState)
}

// =============================================================================
// DEBIT COVERAGE
// =============================================================================

func TestLedger_Reserve_InsufficientUnits(t *testing.T) {
	// GIVEN: 100 available units
	// WHEN: A debit of 150 is reserved
	// THEN: InsufficientUnitsError with a shortfall of 50, nothing written
	l, mem := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 100, time.Time{})

	_, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(-150), Source: compliance.SourceTransfer})

	require.ErrorIs(t, err, compliance.ErrInsufficientUnits)
	var iu *compliance.InsufficientUnitsError
	require.ErrorAs(t, err, &iu)
	assert.True(t, iu.Shortfall.Equal(units(50)))
	assert.True(t, iu.Available.Equal(units(100)))
	entries, err := mem.ListLedgerEntries(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_Reserve_ExactlyAvailable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 100, time.Time{})

	_, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(-100), Source: compliance.SourceTransfer})

	require.NoError(t, err)
	assertBalance(t, l, "org-1", 100, 100, 0)
}

func TestLedger_Reserve_RejectsFractionalAndZero(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: decimal.RequireFromString("1.5")})
	assert.ErrorIs(t, err, compliance.ErrValidation)

	_, err = l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: decimal.Zero})
	assert.ErrorIs(t, err, compliance.ErrValidation)
}

func TestLedger_Adjust_GovernmentDebitChecked(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 10, time.Time{})

	_, err := l.Adjust(ctx, compliance.AdjustRequest{OrganizationID: "org-1", Delta: units(-11), Source: compliance.SourceAdministrativeAdjustment})

	assert.ErrorIs(t, err, compliance.ErrInsufficientUnits)
}

// =============================================================================
// AMENDMENT
// =============================================================================

func TestLedger_Amend_AdjustmentInPlace(t *testing.T) {
	// GIVEN: An assessed surplus of 300 units settled as an Adjustment
	// WHEN: A reassessment amends it to 200
	// THEN: The same entry now carries 200 and no second entry exists
	l, mem := newTestLedger(t)
	ctx := context.Background()
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(300), Source: compliance.SourceComplianceReport})
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, h, time.Time{}))

	require.NoError(t, l.Amend(ctx, compliance.AmendRequest{Handle: h, Delta: units(200), CorrelationID: "cr-2"}))

	entries, err := mem.ListLedgerEntries(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, compliance.ActionAdjustment, entries[0].Action)
	assert.True(t, entries[0].Delta.Equal(units(200)))
	assert.Equal(t, "cr-2", entries[0].CorrelationID)
}

func TestLedger_Amend_ReservedToZeroReleases(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 100, time.Time{})
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(-40), Source: compliance.SourceComplianceReport})
	require.NoError(t, err)

	require.NoError(t, l.Amend(ctx, compliance.AmendRequest{Handle: h, Delta: decimal.Zero}))

	e, err := mem.GetLedgerEntry(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, compliance.ActionReleased, e.Action)
	assertBalance(t, l, "org-1", 100, 0, 100)
}

func TestLedger_Amend_LargerDebitChecksOthers(t *testing.T) {
	// GIVEN: 100 units issued and an existing reservation of -60
	// WHEN: The reservation is amended to -120
	// THEN: The check excludes the entry itself: 100 - 120 < 0 fails,
	//       while -100 succeeds
	l, _ := newTestLedger(t)
	ctx := context.Background()
	fund(t, l, "org-1", 100, time.Time{})
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(-60), Source: compliance.SourceComplianceReport})
	require.NoError(t, err)

	err = l.CheckAmend(ctx, h, units(-120))
	require.ErrorIs(t, err, compliance.ErrInsufficientUnits)

	require.NoError(t, l.Amend(ctx, compliance.AmendRequest{Handle: h, Delta: units(-100)}))
	assertBalance(t, l, "org-1", 100, 100, 0)
}

func TestLedger_Amend_ReleasedRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	h, err := l.Reserve(ctx, compliance.ReserveRequest{OrganizationID: "org-1", Delta: units(10), Source: compliance.SourceComplianceReport})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, h))

	err = l.Amend(ctx, compliance.AmendRequest{Handle: h, Delta: units(5)})
	assert.ErrorIs(t, err, compliance.ErrInvalidState)
}

// =============================================================================
// WINDOWS
// =============================================================================

func TestLedger_BalanceAsOf_StrictlyBefore(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	cut := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	fund(t, l, "org-1", 10, cut.Add(-time.Second))
	fund(t, l, "org-1", 20, cut)

	got, err := l.BalanceAsOf(ctx, "org-1", cut)

	require.NoError(t, err)
	assert.True(t, got.Equal(units(10)), "got %s", got)
}

func TestLedger_Activity_HalfOpenWindow(t *testing.T) {
	// GIVEN: Issuances on March 31 23:59:59 and April 1 00:00:00
	// WHEN: Activity is totalled for the 2024 window
	// THEN: Only the March issuance counts
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w, err := compliance.WindowFor("2024", false)
	require.NoError(t, err)
	fund(t, l, "org-1", 7, time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC))
	fund(t, l, "org-1", 11, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC))

	act, err := l.Activity(ctx, "org-1", w)

	require.NoError(t, err)
	assert.True(t, act.Issued.Equal(units(7)), "issued %s", act.Issued)
	assert.True(t, act.Received.IsZero())
	assert.True(t, act.TransferredOut.IsZero())
}

func TestLedger_Activity_SplitsTransfers(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	at := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	fund(t, l, "org-1", 100, at)
	_, err := l.Adjust(ctx, compliance.AdjustRequest{OrganizationID: "org-1", Delta: units(-30), Source: compliance.SourceTransfer, EffectiveAt: at})
	require.NoError(t, err)
	_, err = l.Adjust(ctx, compliance.AdjustRequest{OrganizationID: "org-1", Delta: units(12), Source: compliance.SourceTransfer, EffectiveAt: at})
	require.NoError(t, err)
	w, err := compliance.WindowFor("2024", false)
	require.NoError(t, err)

	act, err := l.Activity(ctx, "org-1", w)

	require.NoError(t, err)
	assert.True(t, act.TransferredOut.Equal(units(30)))
	assert.True(t, act.Received.Equal(units(12)))
	assert.True(t, act.Issued.Equal(units(100)))
}
