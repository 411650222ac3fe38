package opt

import (
	"fmt"
	"math"
	"sort"
)

// Sphere is f(x) = sum(x_i^2), minimum 0 at the origin.
func Sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// Rastrigin is highly multimodal, minimum 0 at the origin.
func Rastrigin(x []float64) float64 {
	sum := 10 * float64(len(x))
	for _, v := range x {
		sum += v*v - 10*math.Cos(2*math.Pi*v)
	}
	return sum
}

// Rosenbrock has a narrow curved valley, minimum 0 at (1, ..., 1).
func Rosenbrock(x []float64) float64 {
	var sum float64
	for i := 0; i+1 < len(x); i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum
}

// Ackley is nearly flat far from the origin, minimum 0 at the origin.
func Ackley(x []float64) float64 {
	n := float64(len(x))
	var sq, cs float64
	for _, v := range x {
		sq += v * v
		cs += math.Cos(2 * math.Pi * v)
	}
	return -20*math.Exp(-0.2*math.Sqrt(sq/n)) - math.Exp(cs/n) + 20 + math.E
}

var objectives = map[string]Objective{
	"sphere":     Sphere,
	"rastrigin":  Rastrigin,
	"rosenbrock": Rosenbrock,
	"ackley":     Ackley,
}

// ObjectiveNames lists the built-in objectives in sorted order.
func ObjectiveNames() []string {
	names := make([]string, 0, len(objectives))
	for name := range objectives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupObjective returns the built-in objective called name.
func LookupObjective(name string) (Objective, error) {
	f, ok := objectives[name]
	if !ok {
		return nil, fmt.Errorf("unknown objective %q (available: %v)", name, ObjectiveNames())
	}
	return f, nil
}
