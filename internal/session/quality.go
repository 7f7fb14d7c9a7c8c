package session

import "time"

// Connection quality classes.
const (
	QualityGood     = "good"
	QualityModerate = "moderate"
	QualityPoor     = "poor"
)

const (
	qualityWindow     = 50
	qualityMinSamples = 5
	goodJitter        = 60 * time.Millisecond
	moderateJitter    = 150 * time.Millisecond
)

// qualityTracker classifies a connection by the jitter of inbound audio
// frame arrivals over a sliding window.
type qualityTracker struct {
	last   time.Time
	deltas []time.Duration
	next   int
	class  string
}

func newQualityTracker() *qualityTracker {
	return &qualityTracker{deltas: make([]time.Duration, 0, qualityWindow), class: QualityGood}
}

// observe records a frame arrival and reports the class and whether it
// changed.
func (q *qualityTracker) observe(at time.Time) (string, bool) {
	if q.last.IsZero() {
		q.last = at
		return q.class, false
	}
	d := at.Sub(q.last)
	q.last = at
	if len(q.deltas) < qualityWindow {
		q.deltas = append(q.deltas, d)
	} else {
		q.deltas[q.next] = d
		q.next = (q.next + 1) % qualityWindow
	}
	if len(q.deltas) < qualityMinSamples {
		return q.class, false
	}

	class := classifyJitter(q.jitter())
	changed := class != q.class
	q.class = class
	return class, changed
}

// jitter is the mean absolute deviation of inter-arrival times.
func (q *qualityTracker) jitter() time.Duration {
	var sum time.Duration
	for _, d := range q.deltas {
		sum += d
	}
	mean := sum / time.Duration(len(q.deltas))
	var dev time.Duration
	for _, d := range q.deltas {
		if d > mean {
			dev += d - mean
		} else {
			dev += mean - d
		}
	}
	return dev / time.Duration(len(q.deltas))
}

func classifyJitter(j time.Duration) string {
	switch {
	case j < goodJitter:
		return QualityGood
	case j < moderateJitter:
		return QualityModerate
	default:
		return QualityPoor
	}
}
