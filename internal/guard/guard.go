// Package guard implements the backlog capacity check that pauses intake
// when pending work piles up faster than the daily cap can drain it.
package guard

import (
	"fmt"

	"github.com/assuredefi/mason-autopilot/internal/log"
)

// DefaultMultiplier sizes the capacity threshold as a multi-day buffer over
// the daily item cap
const DefaultMultiplier = 5

// PendingCounter reads the repository's pending backlog size
type PendingCounter interface {
	CountPendingItems(repositoryID string) (int, error)
}

// Result describes one capacity evaluation
type Result struct {
	Count       int
	Threshold   int
	IsFull      bool
	PercentFull int
}

// Reason returns a human-readable explanation for skipping intake
func (r Result) Reason() string {
	return fmt.Sprintf("backlog full: %d/%d pending items (%d%%)", r.Count, r.Threshold, r.PercentFull)
}

// Guard evaluates backlog capacity against the guardian-rail daily cap
type Guard struct {
	counter    PendingCounter
	multiplier int
}

// New creates a Guard with the default threshold multiplier
func New(counter PendingCounter) *Guard {
	return &Guard{counter: counter, multiplier: DefaultMultiplier}
}

// NewWithMultiplier creates a Guard with a custom threshold multiplier
func NewWithMultiplier(counter PendingCounter, multiplier int) *Guard {
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	return &Guard{counter: counter, multiplier: multiplier}
}

// Check evaluates whether intake should be deferred. A failed pending-count
// read fails open: a transient store error must never silently block all
// future work, so the backlog is reported as not full.
func (g *Guard) Check(repositoryID string, maxItemsPerDay int) Result {
	threshold := maxItemsPerDay * g.multiplier

	count, err := g.counter.CountPendingItems(repositoryID)
	if err != nil {
		log.Warn("capacity check failed, failing open", "repository", repositoryID, "error", err)
		return Result{Threshold: threshold}
	}

	result := Result{
		Count:     count,
		Threshold: threshold,
		IsFull:    threshold > 0 && count >= threshold,
	}
	if threshold > 0 {
		result.PercentFull = count * 100 / threshold
	}
	return result
}
