package compliance

import (
	"strconv"
	"time"
)

// =============================================================================
// COMPLIANCE PERIOD
// =============================================================================

// CompliancePeriod is a calendar year such as "2024".
// Periods are ordered by year. A period is legacy when its year falls before
// the configured transition year.
type CompliancePeriod string

// DefaultTransitionYear is the first period reported under the current rules.
const DefaultTransitionYear CompliancePeriod = "2024"

func (p CompliancePeriod) Year() (int, error) {
	if len(p) != 4 {
		return 0, invalid("compliance_period", "%q is not a four-digit year", string(p))
	}
	y, err := strconv.Atoi(string(p))
	if err != nil || y < 2000 {
		return 0, invalid("compliance_period", "%q is not a valid year", string(p))
	}
	return y, nil
}

func (p CompliancePeriod) Valid() bool {
	_, err := p.Year()
	return err == nil
}

func (p CompliancePeriod) Before(other CompliancePeriod) bool {
	a, _ := p.Year()
	b, _ := other.Year()
	return a < b
}

// Previous returns the period one year earlier.
func (p CompliancePeriod) Previous() CompliancePeriod {
	y, err := p.Year()
	if err != nil {
		return ""
	}
	return CompliancePeriod(strconv.Itoa(y - 1))
}

// IsLegacy reports whether the period predates the transition year.
func (p CompliancePeriod) IsLegacy(transition CompliancePeriod) bool {
	if transition == "" {
		transition = DefaultTransitionYear
	}
	return p.Before(transition)
}

// =============================================================================
// TRANSACTION WINDOW
// =============================================================================

// TransactionWindow is the half-open interval [Start, End) in which transfers
// and government issuances count toward a period's summary. End is April 1 of
// the following year, so the last counted instant is March 31 23:59:59.
type TransactionWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains returns true if t falls in [Start, End).
func (w TransactionWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w TransactionWindow) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// WindowFor returns the transaction window of a period. An organization's
// first report opens on January 1; every later report opens on April 1 so that
// consecutive windows never overlap.
func WindowFor(p CompliancePeriod, firstReport bool) (TransactionWindow, error) {
	y, err := p.Year()
	if err != nil {
		return TransactionWindow{}, err
	}
	start := time.Date(y, time.April, 1, 0, 0, 0, 0, time.UTC)
	if firstReport {
		start = time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return TransactionWindow{
		Start: start,
		End:   time.Date(y+1, time.April, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}
