package sync

import (
	"time"

	"github.com/saikiran76/dailyfix-core/internal/retry"
)

// historyCap bounds the rolling failure history.
const historyCap = 50

type errorRecord struct {
	at       time.Time
	category retry.Category
	message  string
}

// errorHistory is a bounded, append-only record of recent sync failures.
// It feeds the frequency signal and the pattern scan.
type errorHistory struct {
	records []errorRecord
}

func (h *errorHistory) add(r errorRecord) {
	h.records = append(h.records, r)
	if len(h.records) > historyCap {
		h.records = h.records[len(h.records)-historyCap:]
	}
}

// countCategorySince counts failures of one category at or after cutoff.
func (h *errorHistory) countCategorySince(cutoff time.Time, c retry.Category) int {
	n := 0
	for _, r := range h.records {
		if r.category == c && !r.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// countSince counts all failures at or after cutoff.
func (h *errorHistory) countSince(cutoff time.Time) int {
	n := 0
	for _, r := range h.records {
		if !r.at.Before(cutoff) {
			n++
		}
	}
	return n
}
