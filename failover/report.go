package failover

import "time"

// Report aggregates the journal into the three numbers operators ask for.
type Report struct {
	From         time.Time     `json:"from"`
	To           time.Time     `json:"to"`
	Failovers    int           `json:"failovers"`
	Recovered    int           `json:"recovered"`
	MTTR         time.Duration `json:"mttr_ns"`
	MTBF         time.Duration `json:"mtbf_ns"`
	Availability float64       `json:"availability"`
}

// ReportBetween computes recovery statistics over [from, to). MTTR averages
// the downtime of recovered events; still-open events count their downtime up
// to the report horizon. Availability is downtime against the window length,
// summed across bots.
func (m *Manager) ReportBetween(from, to time.Time) Report {
	events := m.EventsBetween(from, to)
	report := Report{From: from, To: to, Failovers: len(events)}
	if len(events) == 0 {
		report.Availability = 1
		return report
	}

	var downtime time.Duration
	for _, e := range events {
		end := to
		if e.RecoveryTime != nil {
			end = *e.RecoveryTime
			report.Recovered++
		}
		if end.After(to) {
			end = to
		}
		downtime += end.Sub(e.Timestamp)
	}

	report.MTTR = downtime / time.Duration(len(events))
	window := to.Sub(from)
	if len(events) > 1 {
		// Events are newest first.
		span := events[0].Timestamp.Sub(events[len(events)-1].Timestamp)
		report.MTBF = span / time.Duration(len(events)-1)
	} else {
		report.MTBF = window
	}

	if window > 0 {
		avail := 1 - float64(downtime)/float64(window)
		if avail < 0 {
			avail = 0
		}
		report.Availability = avail
	}
	return report
}
