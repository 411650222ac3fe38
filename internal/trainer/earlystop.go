package trainer

import (
	"log/slog"
	"math"
)

// EarlyStop detects when a loss has stopped improving.
type EarlyStop struct {
	// Patience is the number of epochs without significant improvement
	// before stopping. Zero disables early stopping.
	Patience int
	// Threshold is the minimum relative improvement that counts as progress,
	// e.g. 0.001 for 0.1%.
	Threshold float64

	last  float64
	stale int
	seen  bool
}

// Update records loss and reports whether training should stop.
func (e *EarlyStop) Update(loss float64) bool {
	if e.Patience <= 0 {
		return false
	}
	if !e.seen {
		e.seen = true
		e.last = loss
		return false
	}

	if improved(e.last, loss, e.Threshold) {
		e.last = loss
		e.stale = 0
		return false
	}

	e.stale++
	slog.Debug("No significant loss improvement",
		"loss", loss,
		"last_significant", e.last,
		"stale_count", e.stale,
		"patience", e.Patience)
	return e.stale >= e.Patience
}

// Stale returns the number of epochs since the last significant improvement.
func (e *EarlyStop) Stale() int { return e.stale }

func improved(last, loss, threshold float64) bool {
	if loss >= last {
		return false
	}
	// Relative improvement is undefined at zero, any decrease counts.
	if last == 0 || math.IsInf(last, 0) {
		return true
	}
	return (last-loss)/math.Abs(last) >= threshold
}
