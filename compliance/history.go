package compliance

import (
	"context"
	"time"
)

// HistoryEntry records one status a report entered. Entries are append-only.
type HistoryEntry struct {
	ID        int64        `json:"id"`
	ReportID  ReportID     `json:"report_id"`
	Status    ReportStatus `json:"status"`
	ActorID   UserID       `json:"user_id"`
	Note      string       `json:"note,omitempty"`
	CreatedAt time.Time    `json:"create_date"`
}

// HistoryStore appends and lists entries. ListHistory returns entries in
// ascending timestamp order, insertion order on ties.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h HistoryEntry) error
	ListHistory(ctx context.Context, id ReportID) ([]HistoryEntry, error)
}

func appendHistory(ctx context.Context, tx Store, r *ComplianceReport, actor UserID, note string, at time.Time) error {
	return tx.AppendHistory(ctx, HistoryEntry{
		ReportID:  r.ID,
		Status:    r.Status,
		ActorID:   actor,
		Note:      note,
		CreatedAt: at,
	})
}
