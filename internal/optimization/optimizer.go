package optimization

import (
	"context"
)

// Optimizer is implemented by bound-constrained minimizers driven from a host.
type Optimizer interface {
	// Minimize minimizes from x, overwriting x with the final iterate.
	Minimize(ctx context.Context, x []float64) (*OptimizationResult, error)

	// SetParameter stores a tunable value.
	SetParameter(key ParameterKey, value float64) error

	// GetParameter returns a tunable value.
	GetParameter(key ParameterKey) (float64, error)

	// GetHistory returns the accepted iterates of the last run.
	GetHistory() []Evaluation
}

// Solution represents a point in the parameter space and its objective value.
type Solution struct {
	Parameters []float64
	Value      float64
}

// Evaluation is one accepted iterate.
type Evaluation struct {
	Iteration    int
	Solution     *Solution
	ProjGradNorm float64
	Evaluations  int
}

// OptimizationResult contains the result of an optimization run.
type OptimizationResult struct {
	BestSolution *Solution
	Gradient     []float64
	History      []Evaluation
	Iterations   int
	Evaluations  int
	ProjGradNorm float64
	// Status is the terminal task text of the run.
	Status    string
	Converged bool
}
