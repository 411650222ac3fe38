// Package metric decides whether a monitored metric value improves on the
// current best one.
package metric

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Mode selects the direction in which a monitored metric improves.
type Mode string

const (
	ModeMin  Mode = "min"
	ModeMax  Mode = "max"
	ModeAuto Mode = "auto"
)

// ParseMode accepts the short and long spellings of a mode.
// An empty string selects ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "min", "minimize":
		return ModeMin, nil
	case "max", "maximize":
		return ModeMax, nil
	default:
		return "", fmt.Errorf("unknown comparison mode %q (want min, max or auto)", s)
	}
}

// autoRule maps a metric name pattern to the mode it implies.
type autoRule struct {
	match func(name string) bool
	mode  Mode
}

// autoRules is consulted in order when the mode is ModeAuto. Names that match
// no rule are treated as loss-like and minimized.
var autoRules = []autoRule{
	{match: func(n string) bool { return strings.Contains(n, "acc") }, mode: ModeMax},
	{match: func(n string) bool { return strings.HasPrefix(n, "fmeasure") }, mode: ModeMax},
}

// Resolve returns the concrete direction for monitor. An explicit ModeMin or
// ModeMax always wins over the name-based lookup.
func Resolve(monitor string, mode Mode) Mode {
	if mode == ModeMin || mode == ModeMax {
		return mode
	}
	name := strings.ToLower(monitor)
	for _, r := range autoRules {
		if r.match(name) {
			return r.mode
		}
	}
	return ModeMin
}

// InvalidMetricError is returned when the monitored metric is absent from the
// metrics supplied with an iteration.
type InvalidMetricError struct {
	Metric    string
	Available []string
}

func (e *InvalidMetricError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("monitored metric %q not reported (no metrics supplied)", e.Metric)
	}
	return fmt.Sprintf("monitored metric %q not reported (available: %s)", e.Metric, strings.Join(e.Available, ", "))
}

// Comparator judges candidate values of one monitored metric.
type Comparator struct {
	monitor string
	mode    Mode
}

// NewComparator resolves mode for monitor once so every later comparison
// uses the same direction.
func NewComparator(monitor string, mode Mode) *Comparator {
	return &Comparator{monitor: monitor, mode: Resolve(monitor, mode)}
}

// Monitor returns the monitored metric name.
func (c *Comparator) Monitor() string { return c.monitor }

// Mode returns the resolved direction, never ModeAuto.
func (c *Comparator) Mode() Mode { return c.mode }

// Value extracts the monitored metric from metrics.
func (c *Comparator) Value(metrics map[string]float64) (float64, error) {
	v, ok := metrics[c.monitor]
	if !ok {
		names := make([]string, 0, len(metrics))
		for k := range metrics {
			names = append(names, k)
		}
		sort.Strings(names)
		return 0, &InvalidMetricError{Metric: c.monitor, Available: names}
	}
	return v, nil
}

// IsBetter reports whether candidate strictly improves on best. NaN never
// improves on anything.
func (c *Comparator) IsBetter(candidate, best float64) bool {
	if math.IsNaN(candidate) {
		return false
	}
	if math.IsNaN(best) {
		return true
	}
	if c.mode == ModeMax {
		return candidate > best
	}
	return candidate < best
}

// Improves is IsBetter with an optional best. A nil best means nothing has
// been recorded yet, so any candidate qualifies.
func (c *Comparator) Improves(candidate float64, best *float64) bool {
	if best == nil {
		return true
	}
	return c.IsBetter(candidate, *best)
}

// Evaluate looks up the monitored metric and compares it against best.
func (c *Comparator) Evaluate(metrics map[string]float64, best *float64) (float64, bool, error) {
	v, err := c.Value(metrics)
	if err != nil {
		return 0, false, err
	}
	return v, c.Improves(v, best), nil
}
