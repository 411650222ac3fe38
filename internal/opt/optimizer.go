package opt

// Objective is a function to minimize.
type Objective func(x []float64) float64

// Result is the outcome of one optimizer run.
type Result struct {
	Position    []float64
	Cost        float64
	Evaluations int
}

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Run minimizes eval inside the box [lower, upper]. Both bounds must have
	// the dimensionality of the search space.
	Run(eval Objective, lower, upper []float64) (Result, error)
}
