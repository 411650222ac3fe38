// Package retention decides which model snapshots are written, mirrored and
// kept. The Engine listens to a training loop and runs one retention cycle
// per finished iteration; the Resolver picks the snapshot to resume from.
package retention

import (
	"fmt"

	"github.com/cwbudde/sizif/internal/metric"
	"github.com/cwbudde/sizif/internal/naming"
)

// TieBreak orders snapshots whose monitored values are equal.
type TieBreak string

const (
	// TieRecent prefers the most recent iteration.
	TieRecent TieBreak = "recent"
	// TieOldest prefers the earliest iteration.
	TieOldest TieBreak = "oldest"
)

// ParseTieBreak maps a configuration string to a TieBreak. Empty selects
// TieRecent.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieRecent:
		return TieRecent, nil
	case TieOldest:
		return TieOldest, nil
	}
	return "", fmt.Errorf("unknown tie-break %q (want recent or oldest)", s)
}

// Policy configures retention for one model version.
type Policy struct {
	// Version separates incompatible model architectures. Snapshots of other
	// versions are never restored, ranked or deleted.
	Version string
	// Template renders snapshot identifiers, e.g. "weights_{epoch:04d}-{val_loss:.4f}".
	Template string
	// KeepCount bounds the snapshots per backend. Zero or less keeps all.
	KeepCount int
	Monitor   string
	Mode      metric.Mode
	// SaveBestOnly writes a snapshot only when the monitored metric strictly
	// improves on the best retained one.
	SaveBestOnly bool
	// SaveWeightsOnly is handed to the model serializer.
	SaveWeightsOnly bool
	// Period writes only iterations divisible by Period. Values below 1
	// behave like 1.
	Period   int
	TieBreak TieBreak
	// DieOnRemoteErrors propagates remote failures that survived retries.
	// When false they are logged and the engine runs local-only until the
	// remote store answers again.
	DieOnRemoteErrors bool
}

// Unbounded reports whether every snapshot is kept.
func (p Policy) Unbounded() bool { return p.KeepCount <= 0 }

func (p Policy) period() int {
	if p.Period < 1 {
		return 1
	}
	return p.Period
}

// Validate checks the policy and compiles its naming scheme.
func (p Policy) Validate() error {
	if p.Monitor == "" {
		return fmt.Errorf("retention: monitored metric is required")
	}
	if _, err := metric.ParseMode(string(p.Mode)); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if _, err := ParseTieBreak(string(p.TieBreak)); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if _, err := naming.New(p.Version, p.Template); err != nil {
		return err
	}
	return nil
}

// compile returns the naming scheme and ranking of p.
func (p Policy) compile() (*naming.Scheme, *ranker, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	scheme, err := naming.New(p.Version, p.Template)
	if err != nil {
		return nil, nil, err
	}
	mode, _ := metric.ParseMode(string(p.Mode))
	tie, _ := ParseTieBreak(string(p.TieBreak))

	return scheme, &ranker{
		cmp:      metric.NewComparator(p.Monitor, mode),
		tie:      tie,
		byMetric: scheme.HasSlot(p.Monitor),
	}, nil
}
