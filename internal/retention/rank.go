package retention

import (
	"sort"

	"github.com/cwbudde/sizif/internal/metric"
)

// Ref describes one snapshot known to the engine and where it lives.
type Ref struct {
	ID        string
	Iteration int
	Metrics   map[string]float64
	OnLocal   bool
	OnRemote  bool
	// PendingMirror marks a local snapshot whose upload failed and is retried
	// on later cycles.
	PendingMirror bool
}

// ranker orders snapshots best first.
//
// When the monitored metric is not part of the identifier, snapshots listed
// from a backend carry no value, so every snapshot is ranked by recency
// instead. That keeps the order stable across restarts.
type ranker struct {
	cmp      *metric.Comparator
	tie      TieBreak
	byMetric bool
}

func (r *ranker) value(ref *Ref) (float64, bool) {
	v, ok := ref.Metrics[r.cmp.Monitor()]
	return v, ok
}

// better reports whether a ranks strictly before b.
func (r *ranker) better(a, b *Ref) bool {
	if r.byMetric {
		av, aok := r.value(a)
		bv, bok := r.value(b)
		switch {
		case aok && !bok:
			return true
		case !aok && bok:
			return false
		case aok && bok:
			if r.cmp.IsBetter(av, bv) {
				return true
			}
			if r.cmp.IsBetter(bv, av) {
				return false
			}
		}
		if a.Iteration != b.Iteration {
			if r.tie == TieOldest {
				return a.Iteration < b.Iteration
			}
			return a.Iteration > b.Iteration
		}
		return a.ID < b.ID
	}

	if a.Iteration != b.Iteration {
		return a.Iteration > b.Iteration
	}
	return a.ID < b.ID
}

// sort orders refs best first in place.
func (r *ranker) sort(refs []*Ref) {
	sort.SliceStable(refs, func(i, j int) bool { return r.better(refs[i], refs[j]) })
}

// split ranks refs and returns the first keep of them and the rest. keep
// of zero or less retains everything.
func (r *ranker) split(refs []*Ref, keep int) (retained, evicted []*Ref) {
	r.sort(refs)
	if keep <= 0 || keep >= len(refs) {
		return refs, nil
	}
	return refs[:keep], refs[keep:]
}
