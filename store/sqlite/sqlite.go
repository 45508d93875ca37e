/*
Package sqlite provides a SQLite-backed implementation of compliance.TxStore.

PURPOSE:
  Persists report groups, versions, summaries, snapshots, line items, the
  unit ledger, history, notifications and transfers in one SQLite file. The
  same schema ports to PostgreSQL with minor dialect changes.

APPEND-ONLY TABLES:
  line_items and history are never updated or deleted. A line-item change is
  a new row with a higher revision; a status change is a new history row.

MUTABLE TABLES:
  ledger_entries rows are updated in place when a reservation settles, is
  amended or is released. The row id is the reservation handle stored on
  the report.

KEY TABLES:
  report_groups:   one row per (organization, period) chain
  reports:         one row per version, UNIQUE(group_uuid, version)
  summaries:       summary record per version, stored as JSON
  snapshots:       organization snapshot per version
  line_items:      versioned line-item rows, payload as JSON
  ledger_entries:  compliance unit movements
  history:         status history
  messages:        in-app notifications
  emails:          outbound email queue
  subscriptions:   notification subscriptions
  organizations:   organization reference data
  transfers:       unit transfers between organizations
  adjustments:     initiative agreements and administrative adjustments

CONCURRENCY:
  WithTx holds a mutex for the whole transaction so writers are serialized,
  and the connection opens write transactions with BEGIN IMMEDIATE. Queries
  inside fn run on the *sql.Tx and never take the mutex again.

USAGE:
  store, err := sqlite.New("./data/lcfs.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := compliance.NewService(store, reference, log)

SEE ALSO:
  - compliance/store.go: interface definitions
  - compliance/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-engine/compliance"
)

// timeLayout sorts lexically, which ORDER BY on TEXT columns relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements compliance.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs them on the pool and WithTx on
// the transaction.
type queries struct {
	ex executor
}

var _ compliance.TxStore = (*Store)(nil)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection and SQLite has
	// a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{ex: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx compliance.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{ex: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		operating_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		service_address TEXT NOT NULL DEFAULT '',
		records_address TEXT NOT NULL DEFAULT '',
		head_office_address TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS report_groups (
		uuid TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		period TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_report_groups_org_period
		ON report_groups(organization_id, period);

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		group_uuid TEXT NOT NULL REFERENCES report_groups(uuid),
		version INTEGER NOT NULL,
		organization_id TEXT NOT NULL,
		period TEXT NOT NULL,
		frequency TEXT NOT NULL,
		quarter TEXT NOT NULL DEFAULT '',
		initiator TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reservation_handle TEXT NOT NULL DEFAULT '',
		legacy_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(group_uuid, version)
	);

	CREATE INDEX IF NOT EXISTS idx_reports_org_period
		ON reports(organization_id, period DESC, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_reports_status
		ON reports(status);

	CREATE TABLE IF NOT EXISTS summaries (
		report_id TEXT PRIMARY KEY REFERENCES reports(id),
		record_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		report_id TEXT PRIMARY KEY REFERENCES reports(id),
		name TEXT NOT NULL DEFAULT '',
		operating_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		service_address TEXT NOT NULL DEFAULT '',
		records_address TEXT NOT NULL DEFAULT '',
		head_office_address TEXT NOT NULL DEFAULT '',
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL
	);

	-- Append-only; seq keeps insertion order.
	CREATE TABLE IF NOT EXISTS line_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		collection TEXT NOT NULL,
		report_id TEXT NOT NULL REFERENCES reports(id),
		group_uuid TEXT NOT NULL,
		report_version INTEGER NOT NULL,
		sub_group_uuid TEXT NOT NULL,
		revision INTEGER NOT NULL,
		action TEXT NOT NULL,
		user_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_group_collection
		ON line_items(group_uuid, collection);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		delta TEXT NOT NULL,
		action TEXT NOT NULL,
		source TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		effective_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Balance calculation reads every entry of one organization (hot path).
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_org
		ON ledger_entries(organization_id, seq);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id TEXT NOT NULL REFERENCES reports(id),
		status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_report
		ON history(report_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		recipient_id TEXT NOT NULL,
		type TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		related_transaction_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient
		ON messages(recipient_id);

	CREATE TABLE IF NOT EXISTS emails (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		recipient_id TEXT NOT NULL,
		address TEXT NOT NULL,
		type TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_emails_status
		ON emails(status, seq);

	CREATE TABLE IF NOT EXISTS subscriptions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		channel TEXT NOT NULL,
		correlation_organization_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_type
		ON subscriptions(type);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		from_organization_id TEXT NOT NULL,
		to_organization_id TEXT NOT NULL,
		units TEXT NOT NULL,
		price_per_unit TEXT NOT NULL,
		agreement_date TEXT NOT NULL,
		status TEXT NOT NULL,
		seller_handle TEXT NOT NULL DEFAULT '',
		buyer_handle TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		units TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		handle TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REPORTS
// =============================================================================

func (q *queries) CreateGroup(ctx context.Context, g compliance.ReportGroup) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO report_groups (uuid, organization_id, period, created_at)
		VALUES (?, ?, ?, ?)`,
		g.UUID.String(), g.OrganizationID, g.Period, formatTime(g.CreatedAt))
	return writeErr(err, "report group", g.UUID)
}

func (q *queries) GetGroup(ctx context.Context, id uuid.UUID) (*compliance.ReportGroup, error) {
	row := q.ex.QueryRowContext(ctx, `
		SELECT uuid, organization_id, period, created_at
		FROM report_groups WHERE uuid = ?`, id.String())
	g, err := scanGroup(row)
	if err != nil {
		return nil, readErr(err, "report group", id)
	}
	return &g, nil
}

func (q *queries) FindGroups(ctx context.Context, org compliance.OrganizationID, period compliance.CompliancePeriod) ([]compliance.ReportGroup, error) {
	rows, err := q.ex.QueryContext(ctx, `
		SELECT uuid, organization_id, period, created_at
		FROM report_groups WHERE organization_id = ? AND period = ?
		ORDER BY created_at`, org, period)
	if err != nil {
		return nil, fmt.Errorf("failed to query report groups: %w", err)
	}
	defer rows.Close()

	var out []compliance.ReportGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const reportColumns = `id, group_uuid, version, organization_id, period, frequency, quarter,
	initiator, status, reservation_handle, legacy_id, created_by, updated_by, created_at, updated_at`

func (q *queries) InsertReport(ctx context.Context, r compliance.ComplianceReport) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GroupUUID.String(), r.Version, r.OrganizationID, r.Period, r.Frequency, r.Quarter,
		r.Initiator, r.Status, r.ReservationHandle, r.LegacyID, r.CreatedBy, r.UpdatedBy,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return writeErr(err, "report", r.ID)
}

func (q *queries) UpdateReport(ctx context.Context, r compliance.ComplianceReport) error {
	res, err := q.ex.ExecContext(ctx, `
		UPDATE reports SET status = ?, reservation_handle = ?, legacy_id = ?,
			updated_by = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, r.ReservationHandle, r.LegacyID, r.UpdatedBy, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	return requireRow(res, "report", r.ID)
}

func (q *queries) GetReport(ctx context.Context, id compliance.ReportID) (*compliance.ComplianceReport, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if err != nil {
		return nil, readErr(err, "report", id)
	}
	return &r, nil
}

func (q *queries) ListGroupReports(ctx context.Context, group uuid.UUID) ([]compliance.ComplianceReport, error) {
	return q.selectReports(ctx, `SELECT `+reportColumns+` FROM reports WHERE group_uuid = ? ORDER BY version`, group.String())
}

func (q *queries) ListReports(ctx context.Context, f compliance.ReportFilter) ([]compliance.ComplianceReport, int, error) {
	var (
		where []string
		args  []any
	)
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.Period != "" {
		where = append(where, "period = ?")
		args = append(args, f.Period)
	}
	if f.ExcludeDraft {
		where = append(where, "status <> ?")
		args = append(args, compliance.StatusDraft)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := q.ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count reports: %w", err)
	}

	query := `SELECT ` + reportColumns + ` FROM reports` + clause +
		` ORDER BY period DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}
	out, err := q.selectReports(ctx, query, args...)
	return out, total, err
}

func (q *queries) selectReports(ctx context.Context, query string, args ...any) ([]compliance.ComplianceReport, error) {
	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var out []compliance.ComplianceReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) SaveSummary(ctx context.Context, s compliance.SummaryRecord) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	_, err = q.ex.ExecContext(ctx, `
		INSERT INTO summaries (report_id, record_json) VALUES (?, ?)
		ON CONFLICT(report_id) DO UPDATE SET record_json = excluded.record_json`,
		s.ReportID, string(raw))
	return writeErr(err, "summary", s.ReportID)
}

func (q *queries) GetSummary(ctx context.Context, id compliance.ReportID) (*compliance.SummaryRecord, error) {
	var raw string
	err := q.ex.QueryRowContext(ctx, `SELECT record_json FROM summaries WHERE report_id = ?`, id).Scan(&raw)
	if err != nil {
		return nil, readErr(err, "summary", id)
	}
	var s compliance.SummaryRecord
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: summary %s: %v", compliance.ErrIntegrityViolation, id, err)
	}
	return &s, nil
}

func (q *queries) SaveSnapshot(ctx context.Context, s compliance.OrganizationSnapshot) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO snapshots (report_id, name, operating_name, email, phone,
			service_address, records_address, head_office_address, is_edited, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_id) DO UPDATE SET
			name = excluded.name, operating_name = excluded.operating_name,
			email = excluded.email, phone = excluded.phone,
			service_address = excluded.service_address,
			records_address = excluded.records_address,
			head_office_address = excluded.head_office_address,
			is_edited = excluded.is_edited, updated_at = excluded.updated_at`,
		s.ReportID, s.Name, s.OperatingName, s.Email, s.Phone,
		s.ServiceAddress, s.RecordsAddress, s.HeadOfficeAddress, s.IsEdited, formatTime(s.UpdatedAt))
	return writeErr(err, "organization snapshot", s.ReportID)
}

func (q *queries) GetSnapshot(ctx context.Context, id compliance.ReportID) (*compliance.OrganizationSnapshot, error) {
	var (
		s       compliance.OrganizationSnapshot
		updated string
	)
	err := q.ex.QueryRowContext(ctx, `
		SELECT report_id, name, operating_name, email, phone, service_address,
			records_address, head_office_address, is_edited, updated_at
		FROM snapshots WHERE report_id = ?`, id).Scan(
		&s.ReportID, &s.Name, &s.OperatingName, &s.Email, &s.Phone, &s.ServiceAddress,
		&s.RecordsAddress, &s.HeadOfficeAddress, &s.IsEdited, &updated)
	if err != nil {
		return nil, readErr(err, "organization snapshot", id)
	}
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

func (q *queries) AppendLineItems(ctx context.Context, rows []compliance.LineItemRecord) error {
	for _, r := range rows {
		_, err := q.ex.ExecContext(ctx, `
			INSERT INTO line_items (id, collection, report_id, group_uuid, report_version,
				sub_group_uuid, revision, action, user_type, payload_json, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Collection, r.ReportID, r.GroupUUID.String(), r.ReportVersion,
			r.SubGroupUUID.String(), r.Revision, r.Action, r.UserType, string(r.Payload),
			r.CreatedBy, formatTime(r.CreatedAt))
		if err := writeErr(err, "line item", r.ID); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) ListLineItems(ctx context.Context, group uuid.UUID, c compliance.Collection) ([]compliance.LineItemRecord, error) {
	query := `
		SELECT id, collection, report_id, group_uuid, report_version, sub_group_uuid,
			revision, action, user_type, payload_json, created_by, created_at
		FROM line_items WHERE group_uuid = ?`
	args := []any{group.String()}
	if c != "" {
		query += ` AND collection = ?`
		args = append(args, c)
	}
	rows, err := q.ex.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var out []compliance.LineItemRecord
	for rows.Next() {
		var (
			r                 compliance.LineItemRecord
			groupID, subGroup string
			payload, created  string
		)
		if err := rows.Scan(&r.ID, &r.Collection, &r.ReportID, &groupID, &r.ReportVersion, &subGroup,
			&r.Revision, &r.Action, &r.UserType, &payload, &r.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		if r.GroupUUID, err = uuid.Parse(groupID); err != nil {
			return nil, corrupt("line item", r.ID, err)
		}
		if r.SubGroupUUID, err = uuid.Parse(subGroup); err != nil {
			return nil, corrupt("line item", r.ID, err)
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER
// =============================================================================

const ledgerColumns = `id, organization_id, delta, action, source, correlation_id, actor_id,
	effective_at, created_at, updated_at`

func (q *queries) InsertLedgerEntry(ctx context.Context, e compliance.LedgerEntry) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, e.Delta.String(), e.Action, e.Source, e.CorrelationID, e.ActorID,
		formatTime(e.EffectiveAt), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return writeErr(err, "ledger entry", e.ID)
}

func (q *queries) UpdateLedgerEntry(ctx context.Context, e compliance.LedgerEntry) error {
	res, err := q.ex.ExecContext(ctx, `
		UPDATE ledger_entries SET delta = ?, action = ?, correlation_id = ?,
			effective_at = ?, updated_at = ?
		WHERE id = ?`,
		e.Delta.String(), e.Action, e.CorrelationID, formatTime(e.EffectiveAt), formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w", err)
	}
	return requireRow(res, "ledger entry", e.ID)
}

func (q *queries) GetLedgerEntry(ctx context.Context, id compliance.HandleID) (*compliance.LedgerEntry, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanLedgerEntry(row)
	if err != nil {
		return nil, readErr(err, "ledger entry", id)
	}
	return &e, nil
}

func (q *queries) ListLedgerEntries(ctx context.Context, org compliance.OrganizationID) ([]compliance.LedgerEntry, error) {
	rows, err := q.ex.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE organization_id = ? ORDER BY seq`, org)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []compliance.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HISTORY
// =============================================================================

func (q *queries) AppendHistory(ctx context.Context, h compliance.HistoryEntry) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO history (report_id, status, actor_id, note, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.ReportID, h.Status, h.ActorID, h.Note, formatTime(h.CreatedAt))
	return writeErr(err, "history entry", h.ReportID)
}

func (q *queries) ListHistory(ctx context.Context, id compliance.ReportID) ([]compliance.HistoryEntry, error) {
	rows, err := q.ex.QueryContext(ctx, `
		SELECT id, report_id, status, actor_id, note, created_at
		FROM history WHERE report_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []compliance.HistoryEntry
	for rows.Next() {
		var (
			h       compliance.HistoryEntry
			created string
		)
		if err := rows.Scan(&h.ID, &h.ReportID, &h.Status, &h.ActorID, &h.Note, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.CreatedAt = parseTime(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (q *queries) EnqueueMessage(ctx context.Context, m compliance.InAppMessage) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO messages (id, recipient_id, type, organization_id, related_transaction_id,
			message, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RecipientID, m.Type, m.OrganizationID, m.RelatedTransactionID,
		m.Message, m.IsRead, formatTime(m.CreatedAt))
	return writeErr(err, "message", m.ID)
}

func (q *queries) ListMessages(ctx context.Context, recipient compliance.UserID) ([]compliance.InAppMessage, error) {
	rows, err := q.ex.QueryContext(ctx, `
		SELECT id, recipient_id, type, organization_id, related_transaction_id,
			message, is_read, created_at
		FROM messages WHERE recipient_id = ? ORDER BY seq`, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []compliance.InAppMessage
	for rows.Next() {
		var (
			m       compliance.InAppMessage
			created string
		)
		if err := rows.Scan(&m.ID, &m.RecipientID, &m.Type, &m.OrganizationID, &m.RelatedTransactionID,
			&m.Message, &m.IsRead, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

const emailColumns = `id, recipient_id, address, type, subject, body, status, attempts,
	last_error, created_at, updated_at`

func (q *queries) EnqueueEmail(ctx context.Context, e compliance.EmailRequest) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO emails (`+emailColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecipientID, e.Address, e.Type, e.Subject, e.Body, e.Status, e.Attempts,
		e.LastError, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return writeErr(err, "email request", e.ID)
}

func (q *queries) PendingEmails(ctx context.Context, limit int) ([]compliance.EmailRequest, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.ex.QueryContext(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE status = ? ORDER BY seq LIMIT ?`, compliance.EmailPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var out []compliance.EmailRequest
	for rows.Next() {
		var (
			e                compliance.EmailRequest
			created, updated string
		)
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.Address, &e.Type, &e.Subject, &e.Body,
			&e.Status, &e.Attempts, &e.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		e.CreatedAt = parseTime(created)
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queries) UpdateEmail(ctx context.Context, e compliance.EmailRequest) error {
	res, err := q.ex.ExecContext(ctx, `
		UPDATE emails SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		e.Status, e.Attempts, e.LastError, formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}
	return requireRow(res, "email request", e.ID)
}

func (q *queries) SaveSubscription(ctx context.Context, s compliance.Subscription) error {
	if s.ID == "" {
		s.ID = "sub-" + uuid.NewString()
	}
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, organization_id, role, email, type, channel,
			correlation_organization_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, organization_id = excluded.organization_id,
			role = excluded.role, email = excluded.email, type = excluded.type,
			channel = excluded.channel,
			correlation_organization_id = excluded.correlation_organization_id`,
		s.ID, s.UserID, s.OrganizationID, s.Role, s.Email, s.Type, s.Channel, s.CorrelationOrganizationID)
	return writeErr(err, "subscription", s.ID)
}

func (q *queries) ListSubscriptions(ctx context.Context, types []compliance.NotificationType) ([]compliance.Subscription, error) {
	query := `
		SELECT id, user_id, organization_id, role, email, type, channel, correlation_organization_id
		FROM subscriptions`
	var args []any
	if len(types) > 0 {
		query += ` WHERE type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	rows, err := q.ex.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []compliance.Subscription
	for rows.Next() {
		var s compliance.Subscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.OrganizationID, &s.Role, &s.Email, &s.Type,
			&s.Channel, &s.CorrelationOrganizationID); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

const organizationColumns = `id, name, operating_name, email, phone, service_address,
	records_address, head_office_address, created_at`

func (q *queries) SaveOrganization(ctx context.Context, o compliance.Organization) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, operating_name = excluded.operating_name,
			email = excluded.email, phone = excluded.phone,
			service_address = excluded.service_address,
			records_address = excluded.records_address,
			head_office_address = excluded.head_office_address`,
		o.ID, o.Name, o.OperatingName, o.Email, o.Phone, o.ServiceAddress,
		o.RecordsAddress, o.HeadOfficeAddress, formatTime(o.CreatedAt))
	return writeErr(err, "organization", o.ID)
}

func (q *queries) GetOrganization(ctx context.Context, id compliance.OrganizationID) (*compliance.Organization, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, id)
	o, err := scanOrganization(row)
	if err != nil {
		return nil, readErr(err, "organization", id)
	}
	return &o, nil
}

func (q *queries) ListOrganizations(ctx context.Context) ([]compliance.Organization, error) {
	rows, err := q.ex.QueryContext(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizations: %w", err)
	}
	defer rows.Close()

	var out []compliance.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSFERS AND GOVERNMENT ADJUSTMENTS
// =============================================================================

const transferColumns = `id, from_organization_id, to_organization_id, units, price_per_unit,
	agreement_date, status, seller_handle, buyer_handle, note, created_by, created_at, updated_at`

func (q *queries) SaveTransfer(ctx context.Context, t compliance.Transfer) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			units = excluded.units, price_per_unit = excluded.price_per_unit,
			agreement_date = excluded.agreement_date, status = excluded.status,
			seller_handle = excluded.seller_handle, buyer_handle = excluded.buyer_handle,
			note = excluded.note, updated_at = excluded.updated_at`,
		t.ID, t.FromOrganizationID, t.ToOrganizationID, t.Units.String(), t.PricePerUnit.String(),
		formatTime(t.AgreementDate), t.Status, t.SellerHandle, t.BuyerHandle, t.Note, t.CreatedBy,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return writeErr(err, "transfer", t.ID)
}

func (q *queries) GetTransfer(ctx context.Context, id string) (*compliance.Transfer, error) {
	row := q.ex.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if err != nil {
		return nil, readErr(err, "transfer", id)
	}
	return &t, nil
}

func (q *queries) ListTransfers(ctx context.Context, org compliance.OrganizationID) ([]compliance.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	if org != "" {
		query += ` WHERE from_organization_id = ? OR to_organization_id = ?`
		args = append(args, org, org)
	}
	rows, err := q.ex.QueryContext(ctx, query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []compliance.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) SaveGovernmentAdjustment(ctx context.Context, a compliance.GovernmentAdjustment) error {
	_, err := q.ex.ExecContext(ctx, `
		INSERT INTO adjustments (id, source, organization_id, units, effective_at, handle,
			note, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Source, a.OrganizationID, a.Units.String(), formatTime(a.EffectiveAt), a.Handle,
		a.Note, a.CreatedBy, formatTime(a.CreatedAt))
	return writeErr(err, "government adjustment", a.ID)
}

func (q *queries) ListGovernmentAdjustments(ctx context.Context, org compliance.OrganizationID) ([]compliance.GovernmentAdjustment, error) {
	query := `
		SELECT id, source, organization_id, units, effective_at, handle, note, created_by, created_at
		FROM adjustments`
	var args []any
	if org != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, org)
	}
	rows, err := q.ex.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var out []compliance.GovernmentAdjustment
	for rows.Next() {
		var (
			a                    compliance.GovernmentAdjustment
			units                string
			effective, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Source, &a.OrganizationID, &units, &effective, &a.Handle,
			&a.Note, &a.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		if a.Units, err = decimal.NewFromString(units); err != nil {
			return nil, corrupt("government adjustment", a.ID, err)
		}
		a.EffectiveAt = parseTime(effective)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (compliance.ReportGroup, error) {
	var (
		g           compliance.ReportGroup
		id, created string
	)
	if err := row.Scan(&id, &g.OrganizationID, &g.Period, &created); err != nil {
		return g, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return g, corrupt("report group", id, err)
	}
	g.UUID = parsed
	g.CreatedAt = parseTime(created)
	return g, nil
}

func scanReport(row scanner) (compliance.ComplianceReport, error) {
	var (
		r                       compliance.ComplianceReport
		group, created, updated string
	)
	if err := row.Scan(&r.ID, &group, &r.Version, &r.OrganizationID, &r.Period, &r.Frequency, &r.Quarter,
		&r.Initiator, &r.Status, &r.ReservationHandle, &r.LegacyID, &r.CreatedBy, &r.UpdatedBy,
		&created, &updated); err != nil {
		return r, err
	}
	parsed, err := uuid.Parse(group)
	if err != nil {
		return r, corrupt("report", r.ID, err)
	}
	r.GroupUUID = parsed
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

func scanLedgerEntry(row scanner) (compliance.LedgerEntry, error) {
	var (
		e                                  compliance.LedgerEntry
		delta, effective, created, updated string
	)
	if err := row.Scan(&e.ID, &e.OrganizationID, &delta, &e.Action, &e.Source, &e.CorrelationID,
		&e.ActorID, &effective, &created, &updated); err != nil {
		return e, err
	}
	d, err := decimal.NewFromString(delta)
	if err != nil {
		return e, corrupt("ledger entry", e.ID, err)
	}
	e.Delta = d
	e.EffectiveAt = parseTime(effective)
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return e, nil
}

func scanOrganization(row scanner) (compliance.Organization, error) {
	var (
		o       compliance.Organization
		created string
	)
	if err := row.Scan(&o.ID, &o.Name, &o.OperatingName, &o.Email, &o.Phone, &o.ServiceAddress,
		&o.RecordsAddress, &o.HeadOfficeAddress, &created); err != nil {
		return o, err
	}
	o.CreatedAt = parseTime(created)
	return o, nil
}

func scanTransfer(row scanner) (compliance.Transfer, error) {
	var (
		t                                  compliance.Transfer
		units, price, agreed, created, upd string
	)
	if err := row.Scan(&t.ID, &t.FromOrganizationID, &t.ToOrganizationID, &units, &price, &agreed,
		&t.Status, &t.SellerHandle, &t.BuyerHandle, &t.Note, &t.CreatedBy, &created, &upd); err != nil {
		return t, err
	}
	var err error
	if t.Units, err = decimal.NewFromString(units); err != nil {
		return t, corrupt("transfer", t.ID, err)
	}
	if t.PricePerUnit, err = decimal.NewFromString(price); err != nil {
		return t, corrupt("transfer", t.ID, err)
	}
	t.AgreementDate = parseTime(agreed)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(upd)
	return t, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func readErr(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", compliance.ErrNotFound, what, id)
	}
	return fmt.Errorf("failed to read %s %v: %w", what, id, err)
}

func writeErr(err error, what string, id any) error {
	if err == nil {
		return nil
	}
	if isConstraintError(err) {
		return fmt.Errorf("%w: %s %v: %v", compliance.ErrIntegrityViolation, what, id, err)
	}
	return fmt.Errorf("failed to write %s %v: %w", what, id, err)
}

func requireRow(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %v: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %v", compliance.ErrNotFound, what, id)
	}
	return nil
}

func corrupt(what string, id any, err error) error {
	return fmt.Errorf("%w: %s %v: %v", compliance.ErrIntegrityViolation, what, id, err)
}

func isConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
