package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-engine/compliance"
)

// Metrics records report transitions, ledger movements and notification
// volume. It implements compliance.Observer.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionFailures *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	LedgerMovements    *prometheus.CounterVec
	LedgerUnits        *prometheus.CounterVec
	Notifications      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

var _ compliance.Observer = (*Metrics)(nil)

// New registers all collectors on reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lcfs_report_transitions_total",
			Help: "Committed compliance report transitions",
		}, []string{"event", "from", "to"}),
		TransitionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lcfs_report_transition_failures_total",
			Help: "Rejected or failed compliance report transitions by error kind",
		}, []string{"event", "kind"}),
		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lcfs_report_transition_duration_seconds",
			Help:    "Duration of committed transitions including lock wait",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"event"}),
		LedgerMovements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lcfs_ledger_movements_total",
			Help: "Ledger entries written or changed",
		}, []string{"action", "source"}),
		LedgerUnits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lcfs_ledger_units_total",
			Help: "Absolute compliance units moved",
		}, []string{"action", "source"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lcfs_notifications_enqueued_total",
			Help: "In-app messages and email requests enqueued",
		}, []string{"subject"}),
		gatherer: reg,
	}
}

func (m *Metrics) TransitionCompleted(event compliance.Event, from, to compliance.ReportStatus, took time.Duration) {
	m.Transitions.WithLabelValues(string(event), string(from), string(to)).Inc()
	m.TransitionDuration.WithLabelValues(string(event)).Observe(took.Seconds())
}

func (m *Metrics) TransitionFailed(event compliance.Event, kind compliance.Kind) {
	m.TransitionFailures.WithLabelValues(string(event), string(kind)).Inc()
}

func (m *Metrics) LedgerMovement(action compliance.LedgerAction, source compliance.LedgerSource, units decimal.Decimal) {
	m.LedgerMovements.WithLabelValues(string(action), string(source)).Inc()
	m.LedgerUnits.WithLabelValues(string(action), string(source)).Add(units.Abs().InexactFloat64())
}

func (m *Metrics) NotificationsEnqueued(subject compliance.SubjectKind, n int) {
	m.Notifications.WithLabelValues(string(subject)).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
