/*
store.go - Persistence interface for the compliance engine

PURPOSE:
  Defines the boundary between the domain logic and the database. The
  engine never talks to a database directly; it receives a Store, or a
  transaction-scoped Store inside TxStore.WithTx.

KEY INTERFACES:
  ReportStore:       groups, report versions, summaries, snapshots
  LineItemStore:     append-only line-item rows (lineitems.go)
  LedgerStore:       unit ledger entries (ledger.go)
  HistoryStore:      append-only status history (history.go)
  NotificationStore: in-app messages and email requests (notify.go)
  SubscriptionStore: notification subscriptions (notify.go)
  OrganizationStore: organizations as foreign references
  TransferStore:     transfers and government adjustments (transfer.go)
  TxStore:           all of the above plus atomic WithTx

ATOMICITY:
  WithTx runs fn against a transaction-scoped Store. If fn returns an error
  nothing it wrote is visible. Writers are serialized, which gives the ledger
  per-organization serializability.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - compliance/store/memory.go: in-memory for tests
*/
package compliance

import (
	"context"

	"github.com/google/uuid"
)

// ReportStore persists groups, versions and their per-version documents.
// Get methods return ErrNotFound when the row is missing.
type ReportStore interface {
	CreateGroup(ctx context.Context, g ReportGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*ReportGroup, error)
	FindGroups(ctx context.Context, org OrganizationID, period CompliancePeriod) ([]ReportGroup, error)

	InsertReport(ctx context.Context, r ComplianceReport) error
	UpdateReport(ctx context.Context, r ComplianceReport) error
	GetReport(ctx context.Context, id ReportID) (*ComplianceReport, error)
	// ListGroupReports returns a group's versions in ascending order.
	ListGroupReports(ctx context.Context, group uuid.UUID) ([]ComplianceReport, error)
	// ListReports returns matching reports, newest period first, and the
	// total before Limit and Offset apply.
	ListReports(ctx context.Context, f ReportFilter) ([]ComplianceReport, int, error)

	SaveSnapshot(ctx context.Context, s OrganizationSnapshot) error
	GetSnapshot(ctx context.Context, id ReportID) (*OrganizationSnapshot, error)
}

type OrganizationStore interface {
	SaveOrganization(ctx context.Context, o Organization) error
	GetOrganization(ctx context.Context, id OrganizationID) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
}

// Store is the full persistence surface.
type Store interface {
	ReportStore
	SummaryStore
	LineItemStore
	LedgerStore
	HistoryStore
	NotificationStore
	SubscriptionStore
	OrganizationStore
	TransferStore
}

// TxStore adds transactions.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
