// Package store provides an in-memory compliance.TxStore.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lcfs/compliance-engine/compliance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole callback and restores a snapshot on error.
type Memory struct {
	view
	mu   sync.RWMutex
	data *data
}

type data struct {
	groups      map[uuid.UUID]compliance.ReportGroup
	reports     map[compliance.ReportID]compliance.ComplianceReport
	summaries   map[compliance.ReportID]compliance.SummaryRecord
	snapshots   map[compliance.ReportID]compliance.OrganizationSnapshot
	lineItems   []compliance.LineItemRecord
	ledger      map[compliance.HandleID]compliance.LedgerEntry
	ledgerOrder []compliance.HandleID
	history     []compliance.HistoryEntry
	messages    []compliance.InAppMessage
	emails      map[string]compliance.EmailRequest
	emailOrder  []string
	subs        map[string]compliance.Subscription
	subOrder    []string
	orgs        map[compliance.OrganizationID]compliance.Organization
	transfers   map[string]compliance.Transfer
	adjustments []compliance.GovernmentAdjustment
}

func NewMemory() *Memory {
	m := &Memory{data: &data{
		groups:    make(map[uuid.UUID]compliance.ReportGroup),
		reports:   make(map[compliance.ReportID]compliance.ComplianceReport),
		summaries: make(map[compliance.ReportID]compliance.SummaryRecord),
		snapshots: make(map[compliance.ReportID]compliance.OrganizationSnapshot),
		ledger:    make(map[compliance.HandleID]compliance.LedgerEntry),
		emails:    make(map[string]compliance.EmailRequest),
		subs:      make(map[string]compliance.Subscription),
		orgs:      make(map[compliance.OrganizationID]compliance.Organization),
		transfers: make(map[string]compliance.Transfer),
	}}
	m.view = view{m: m}
	return m
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(compliance.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(view{m: m, inTx: true}); err != nil {
		m.data = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// clone copies maps and slice headers. Stored values are never mutated in
// place, so this is enough to roll back.
func (d *data) clone() *data {
	c := *d
	c.groups = cloneMap(d.groups)
	c.reports = cloneMap(d.reports)
	c.summaries = cloneMap(d.summaries)
	c.snapshots = cloneMap(d.snapshots)
	c.ledger = cloneMap(d.ledger)
	c.emails = cloneMap(d.emails)
	c.subs = cloneMap(d.subs)
	c.orgs = cloneMap(d.orgs)
	c.transfers = cloneMap(d.transfers)
	c.lineItems = d.lineItems[:len(d.lineItems):len(d.lineItems)]
	c.ledgerOrder = d.ledgerOrder[:len(d.ledgerOrder):len(d.ledgerOrder)]
	c.history = d.history[:len(d.history):len(d.history)]
	c.messages = d.messages[:len(d.messages):len(d.messages)]
	c.emailOrder = d.emailOrder[:len(d.emailOrder):len(d.emailOrder)]
	c.subOrder = d.subOrder[:len(d.subOrder):len(d.subOrder)]
	c.adjustments = d.adjustments[:len(d.adjustments):len(d.adjustments)]
	return &c
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// view implements compliance.Store. Outside a transaction every call takes
// the lock itself; inside WithTx the lock is already held.
type view struct {
	m    *Memory
	inTx bool
}

func (v view) read() func() {
	if v.inTx {
		return func() {}
	}
	v.m.mu.RLock()
	return v.m.mu.RUnlock
}

func (v view) write() func() {
	if v.inTx {
		return func() {}
	}
	v.m.mu.Lock()
	return v.m.mu.Unlock
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, compliance.ErrNotFound)
}

func conflict(what string, id any) error {
	return fmt.Errorf("%w: %s %v already exists", compliance.ErrIntegrityViolation, what, id)
}

// =============================================================================
// REPORTS
// =============================================================================

func (v view) CreateGroup(_ context.Context, g compliance.ReportGroup) error {
	defer v.write()()
	if _, ok := v.m.data.groups[g.UUID]; ok {
		return conflict("report group", g.UUID)
	}
	v.m.data.groups[g.UUID] = g
	return nil
}

func (v view) GetGroup(_ context.Context, id uuid.UUID) (*compliance.ReportGroup, error) {
	defer v.read()()
	g, ok := v.m.data.groups[id]
	if !ok {
		return nil, notFound("report group", id)
	}
	return &g, nil
}

func (v view) FindGroups(_ context.Context, org compliance.OrganizationID, period compliance.CompliancePeriod) ([]compliance.ReportGroup, error) {
	defer v.read()()
	var out []compliance.ReportGroup
	for _, g := range v.m.data.groups {
		if g.OrganizationID == org && g.Period == period {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v view) InsertReport(_ context.Context, r compliance.ComplianceReport) error {
	defer v.write()()
	if _, ok := v.m.data.reports[r.ID]; ok {
		return conflict("report", r.ID)
	}
	for _, other := range v.m.data.reports {
		if other.GroupUUID == r.GroupUUID && other.Version == r.Version {
			return conflict("report version", fmt.Sprintf("%s/%d", r.GroupUUID, r.Version))
		}
	}
	v.m.data.reports[r.ID] = r
	return nil
}

func (v view) UpdateReport(_ context.Context, r compliance.ComplianceReport) error {
	defer v.write()()
	if _, ok := v.m.data.reports[r.ID]; !ok {
		return notFound("report", r.ID)
	}
	v.m.data.reports[r.ID] = r
	return nil
}

func (v view) GetReport(_ context.Context, id compliance.ReportID) (*compliance.ComplianceReport, error) {
	defer v.read()()
	r, ok := v.m.data.reports[id]
	if !ok {
		return nil, notFound("report", id)
	}
	return &r, nil
}

func (v view) ListGroupReports(_ context.Context, group uuid.UUID) ([]compliance.ComplianceReport, error) {
	defer v.read()()
	var out []compliance.ComplianceReport
	for _, r := range v.m.data.reports {
		if r.GroupUUID == group {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (v view) ListReports(_ context.Context, f compliance.ReportFilter) ([]compliance.ComplianceReport, int, error) {
	defer v.read()()
	var out []compliance.ComplianceReport
	for _, r := range v.m.data.reports {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Period != b.Period {
			return a.Period > b.Period
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func matches(r compliance.ComplianceReport, f compliance.ReportFilter) bool {
	if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Period != "" && r.Period != f.Period {
		return false
	}
	if f.ExcludeDraft && r.Status == compliance.StatusDraft {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

func (v view) SaveSummary(_ context.Context, s compliance.SummaryRecord) error {
	defer v.write()()
	v.m.data.summaries[s.ReportID] = copySummary(s)
	return nil
}

func (v view) GetSummary(_ context.Context, id compliance.ReportID) (*compliance.SummaryRecord, error) {
	defer v.read()()
	s, ok := v.m.data.summaries[id]
	if !ok {
		return nil, notFound("summary", id)
	}
	s = copySummary(s)
	return &s, nil
}

func copySummary(s compliance.SummaryRecord) compliance.SummaryRecord {
	if s.JetFuel != nil {
		jet := *s.JetFuel
		s.JetFuel = &jet
	}
	s.Problems = append([]compliance.SummaryProblem(nil), s.Problems...)
	return s
}

func (v view) SaveSnapshot(_ context.Context, s compliance.OrganizationSnapshot) error {
	defer v.write()()
	v.m.data.snapshots[s.ReportID] = s
	return nil
}

func (v view) GetSnapshot(_ context.Context, id compliance.ReportID) (*compliance.OrganizationSnapshot, error) {
	defer v.read()()
	s, ok := v.m.data.snapshots[id]
	if !ok {
		return nil, notFound("organization snapshot", id)
	}
	return &s, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

func (v view) AppendLineItems(_ context.Context, rows []compliance.LineItemRecord) error {
	defer v.write()()
	for _, r := range rows {
		r.Payload = append(json.RawMessage(nil), r.Payload...)
		v.m.data.lineItems = append(v.m.data.lineItems, r)
	}
	return nil
}

func (v view) ListLineItems(_ context.Context, group uuid.UUID, c compliance.Collection) ([]compliance.LineItemRecord, error) {
	defer v.read()()
	var out []compliance.LineItemRecord
	for _, r := range v.m.data.lineItems {
		if r.GroupUUID == group && (c == "" || r.Collection == c) {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (v view) InsertLedgerEntry(_ context.Context, e compliance.LedgerEntry) error {
	defer v.write()()
	if _, ok := v.m.data.ledger[e.ID]; ok {
		return conflict("ledger entry", e.ID)
	}
	v.m.data.ledger[e.ID] = e
	v.m.data.ledgerOrder = append(v.m.data.ledgerOrder, e.ID)
	return nil
}

func (v view) UpdateLedgerEntry(_ context.Context, e compliance.LedgerEntry) error {
	defer v.write()()
	if _, ok := v.m.data.ledger[e.ID]; !ok {
		return notFound("ledger entry", e.ID)
	}
	v.m.data.ledger[e.ID] = e
	return nil
}

func (v view) GetLedgerEntry(_ context.Context, id compliance.HandleID) (*compliance.LedgerEntry, error) {
	defer v.read()()
	e, ok := v.m.data.ledger[id]
	if !ok {
		return nil, notFound("ledger entry", id)
	}
	return &e, nil
}

func (v view) ListLedgerEntries(_ context.Context, org compliance.OrganizationID) ([]compliance.LedgerEntry, error) {
	defer v.read()()
	var out []compliance.LedgerEntry
	for _, id := range v.m.data.ledgerOrder {
		if e := v.m.data.ledger[id]; e.OrganizationID == org {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (v view) AppendHistory(_ context.Context, h compliance.HistoryEntry) error {
	defer v.write()()
	h.ID = int64(len(v.m.data.history) + 1)
	v.m.data.history = append(v.m.data.history, h)
	return nil
}

func (v view) ListHistory(_ context.Context, id compliance.ReportID) ([]compliance.HistoryEntry, error) {
	defer v.read()()
	var out []compliance.HistoryEntry
	for _, h := range v.m.data.history {
		if h.ReportID == id {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (v view) EnqueueMessage(_ context.Context, msg compliance.InAppMessage) error {
	defer v.write()()
	v.m.data.messages = append(v.m.data.messages, msg)
	return nil
}

func (v view) EnqueueEmail(_ context.Context, e compliance.EmailRequest) error {
	defer v.write()()
	if _, ok := v.m.data.emails[e.ID]; ok {
		return conflict("email request", e.ID)
	}
	v.m.data.emails[e.ID] = e
	v.m.data.emailOrder = append(v.m.data.emailOrder, e.ID)
	return nil
}

func (v view) ListMessages(_ context.Context, recipient compliance.UserID) ([]compliance.InAppMessage, error) {
	defer v.read()()
	var out []compliance.InAppMessage
	for _, msg := range v.m.data.messages {
		if msg.RecipientID == recipient {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (v view) PendingEmails(_ context.Context, limit int) ([]compliance.EmailRequest, error) {
	defer v.read()()
	var out []compliance.EmailRequest
	for _, id := range v.m.data.emailOrder {
		if e := v.m.data.emails[id]; e.Status == compliance.EmailPending {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (v view) UpdateEmail(_ context.Context, e compliance.EmailRequest) error {
	defer v.write()()
	if _, ok := v.m.data.emails[e.ID]; !ok {
		return notFound("email request", e.ID)
	}
	v.m.data.emails[e.ID] = e
	return nil
}

func (v view) SaveSubscription(_ context.Context, s compliance.Subscription) error {
	defer v.write()()
	if s.ID == "" {
		s.ID = "sub-" + uuid.NewString()
	}
	if _, ok := v.m.data.subs[s.ID]; !ok {
		v.m.data.subOrder = append(v.m.data.subOrder, s.ID)
	}
	v.m.data.subs[s.ID] = s
	return nil
}

func (v view) ListSubscriptions(_ context.Context, types []compliance.NotificationType) ([]compliance.Subscription, error) {
	defer v.read()()
	want := make(map[compliance.NotificationType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []compliance.Subscription
	for _, id := range v.m.data.subOrder {
		if s := v.m.data.subs[id]; len(types) == 0 || want[s.Type] {
			out = append(out, s)
		}
	}
	return out, nil
}

// =============================================================================
// ORGANIZATIONS AND TRANSFERS
// =============================================================================

func (v view) SaveOrganization(_ context.Context, o compliance.Organization) error {
	defer v.write()()
	v.m.data.orgs[o.ID] = o
	return nil
}

func (v view) GetOrganization(_ context.Context, id compliance.OrganizationID) (*compliance.Organization, error) {
	defer v.read()()
	o, ok := v.m.data.orgs[id]
	if !ok {
		return nil, notFound("organization", id)
	}
	return &o, nil
}

func (v view) ListOrganizations(_ context.Context) ([]compliance.Organization, error) {
	defer v.read()()
	out := make([]compliance.Organization, 0, len(v.m.data.orgs))
	for _, o := range v.m.data.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) SaveTransfer(_ context.Context, t compliance.Transfer) error {
	defer v.write()()
	v.m.data.transfers[t.ID] = t
	return nil
}

func (v view) GetTransfer(_ context.Context, id string) (*compliance.Transfer, error) {
	defer v.read()()
	t, ok := v.m.data.transfers[id]
	if !ok {
		return nil, notFound("transfer", id)
	}
	return &t, nil
}

func (v view) ListTransfers(_ context.Context, org compliance.OrganizationID) ([]compliance.Transfer, error) {
	defer v.read()()
	var out []compliance.Transfer
	for _, t := range v.m.data.transfers {
		if org == "" || t.Involves(org) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v view) SaveGovernmentAdjustment(_ context.Context, a compliance.GovernmentAdjustment) error {
	defer v.write()()
	v.m.data.adjustments = append(v.m.data.adjustments, a)
	return nil
}

func (v view) ListGovernmentAdjustments(_ context.Context, org compliance.OrganizationID) ([]compliance.GovernmentAdjustment, error) {
	defer v.read()()
	var out []compliance.GovernmentAdjustment
	for _, a := range v.m.data.adjustments {
		if org == "" || a.OrganizationID == org {
			out = append(out, a)
		}
	}
	return out, nil
}
