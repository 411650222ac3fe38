package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minPopSize is the smallest population mayfly accepts.
const minPopSize = 20

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new Mayfly optimizer adapter. Populations below the
// library minimum are raised to it.
func NewMayfly(maxIters, popSize int, seed int64) *MayflyAdapter {
	if popSize < minPopSize {
		popSize = minPopSize
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library.
//
// Mayfly only supports one scalar bound for all dimensions, so the search
// runs in the unit box [-1, 1]^dim and every candidate is mapped into
// [lower, upper] before evaluation.
func (m *MayflyAdapter) Run(eval Objective, lower, upper []float64) (Result, error) {
	dim := len(lower)
	if dim == 0 || len(upper) != dim {
		return Result{}, fmt.Errorf("bounds must be non-empty and of equal length (got %d and %d)", len(lower), len(upper))
	}
	for i := range lower {
		if upper[i] < lower[i] {
			return Result{}, fmt.Errorf("dimension %d: upper bound %g below lower bound %g", i, upper[i], lower[i])
		}
	}

	evals := 0
	scratch := make([]float64, dim)
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		evals++
		scale(u, lower, upper, scratch)
		return eval(scratch)
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = -1
	config.UpperBound = 1

	// Set random seed for reproducibility
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return Result{}, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	pos := make([]float64, dim)
	scale(result.GlobalBest.Position, lower, upper, pos)
	return Result{Position: pos, Cost: result.GlobalBest.Cost, Evaluations: evals}, nil
}

// scale maps u from [-1, 1]^dim into [lower, upper], writing to dst.
func scale(u, lower, upper, dst []float64) {
	for i := range dst {
		v := u[i]
		if v < -1 {
			v = -1
		} else if v > 1 {
			v = 1
		}
		dst[i] = lower[i] + (v+1)/2*(upper[i]-lower[i])
	}
}
