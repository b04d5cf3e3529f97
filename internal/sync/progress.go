package sync

import (
	"math"
	"time"
)

// minPublishDelta is the minimum forward movement, in percentage points,
// that warrants a published progress event. Completion (100) always
// publishes.
const minPublishDelta = 5.0

// progressTracker buffers raw progress reports between flush ticks and
// collapses them into at most one published value per tick. All methods
// are called under the orchestrator's lock.
type progressTracker struct {
	queue           []float64
	details         string
	allowRegression bool
	sawComplete     bool

	current     float64
	published   bool
	publishedAt time.Time
	velocity    float64
	lastUpdate  time.Time
}

func (p *progressTracker) reset(now time.Time) {
	*p = progressTracker{lastUpdate: now}
}

// enqueue validates and buffers one update. Non-finite or out-of-range
// values are rejected.
func (p *progressTracker) enqueue(u Update, now time.Time) bool {
	if math.IsNaN(u.Progress) || math.IsInf(u.Progress, 0) || u.Progress < 0 || u.Progress > 100 {
		return false
	}
	p.queue = append(p.queue, u.Progress)
	if u.Details != "" {
		p.details = u.Details
	}
	if u.AllowRegression {
		p.allowRegression = true
	}
	if u.Progress == 100 {
		p.sawComplete = true
	}
	p.lastUpdate = now
	return true
}

// flush averages the buffered window and decides whether the result is
// worth publishing: forward movement of at least minPublishDelta, an
// explicitly allowed regression, or completion. Velocity is derived from
// consecutive published values.
func (p *progressTracker) flush(now time.Time) (value float64, details string, ok bool) {
	if len(p.queue) == 0 {
		return 0, "", false
	}
	sum := 0.0
	for _, v := range p.queue {
		sum += v
	}
	avg := sum / float64(len(p.queue))
	if p.sawComplete {
		avg = 100
	}
	allowRegression := p.allowRegression
	details = p.details
	p.queue = p.queue[:0]
	p.allowRegression = false
	p.sawComplete = false

	// The threshold is measured against current progress, which starts
	// at zero, so the very first flush is held to it too.
	switch {
	case avg == 100:
	case avg < p.current:
		if !allowRegression {
			return 0, "", false
		}
	case avg-p.current < minPublishDelta:
		return 0, "", false
	}
	if p.published {
		if dt := now.Sub(p.publishedAt).Seconds(); dt > 0 {
			p.velocity = (avg - p.current) / dt
		}
	}
	p.current = avg
	p.published = true
	p.publishedAt = now
	return avg, details, true
}

// eta linearly extrapolates seconds to completion, zero when unknown.
func (p *progressTracker) eta() float64 {
	if p.velocity <= 0 || p.current >= 100 {
		return 0
	}
	return (100 - p.current) / p.velocity
}
