package compliance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observer receives outcomes after commit. The metrics package implements it
// with Prometheus collectors.
type Observer interface {
	TransitionCompleted(event Event, from, to ReportStatus, took time.Duration)
	TransitionFailed(event Event, kind Kind)
	LedgerMovement(action LedgerAction, source LedgerSource, units decimal.Decimal)
	NotificationsEnqueued(subject SubjectKind, n int)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) TransitionCompleted(Event, ReportStatus, ReportStatus, time.Duration) {}
func (NopObserver) TransitionFailed(Event, Kind)                                       {}
func (NopObserver) LedgerMovement(LedgerAction, LedgerSource, decimal.Decimal)         {}
func (NopObserver) NotificationsEnqueued(SubjectKind, int)                             {}

// movement is a ledger change reported to the Observer once committed.
type movement struct {
	action LedgerAction
	source LedgerSource
	units  decimal.Decimal
}

// outcome collects what a write did, for reporting after commit.
type outcome struct {
	movements []movement
	notified  int
}

func (o *outcome) moved(action LedgerAction, units decimal.Decimal) {
	o.movements = append(o.movements, movement{action: action, source: SourceComplianceReport, units: units})
}

func (o *outcome) report(obs Observer, subject SubjectKind) {
	for _, m := range o.movements {
		obs.LedgerMovement(m.action, m.source, m.units)
	}
	if o.notified > 0 {
		obs.NotificationsEnqueued(subject, o.notified)
	}
}
