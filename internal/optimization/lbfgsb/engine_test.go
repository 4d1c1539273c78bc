package lbfgsb

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/boxopt/internal/optimization"
)

// shiftedSquares returns f(x) = Σ (xᵢ − cᵢ)².
func shiftedSquares(center []float64) optimization.ObjectiveFunc {
	return func(n int, _ bool, x, grad []float64, _ interface{}) (float64, error) {
		f := 0.0
		for i := 0; i < n; i++ {
			d := x[i] - center[i]
			f += d * d
			grad[i] = 2 * d
		}
		return f, nil
	}
}

func rosenbrock(n int, _ bool, x, grad []float64, _ interface{}) (float64, error) {
	f := 0.0
	for i := range grad {
		grad[i] = 0
	}
	for i := 0; i < n-1; i++ {
		a := 1 - x[i]
		b := x[i+1] - x[i]*x[i]
		f += a*a + 100*b*b
		grad[i] += -2*a - 400*x[i]*b
		grad[i+1] += 200 * b
	}
	return f, nil
}

func uniformBounds(n int, lo, hi float64) ([]float64, []float64) {
	lower := make([]float64, n)
	upper := make([]float64, n)
	for i := range lower {
		lower[i] = lo
		upper[i] = hi
	}
	return lower, upper
}

func newEngine(t *testing.T, n int, lo, hi float64, f optimization.ObjectiveFunc, opts ...Option) *Engine {
	t.Helper()
	lower, upper := uniformBounds(n, lo, hi)
	problem, err := optimization.NewProblem(n, lower, upper, f)
	require.NoError(t, err)
	engine, err := New(problem, opts...)
	require.NoError(t, err)
	return engine
}

func TestNew(t *testing.T) {
	t.Run("nil problem", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, optimization.ErrValueOutOfRange)
	})

	t.Run("zero dimension", func(t *testing.T) {
		_, err := New(&optimization.Problem{})
		assert.ErrorIs(t, err, optimization.ErrValueOutOfRange)
	})

	t.Run("no corrections", func(t *testing.T) {
		problem, err := optimization.NewProblem(1, []float64{0}, []float64{1}, shiftedSquares([]float64{0}))
		require.NoError(t, err)
		_, err = New(problem, WithCorrections(0))
		assert.ErrorIs(t, err, optimization.ErrValueOutOfRange)
	})

	t.Run("defaults", func(t *testing.T) {
		engine := newEngine(t, 3, -1, 1, shiftedSquares(make([]float64, 3)))
		assert.Equal(t, DefaultCorrections, engine.Corrections())
		assert.Equal(t, 3, engine.Problem().Dimension())
		assert.Nil(t, engine.LastResult())

		v, err := engine.GetParameter(optimization.MaxFunctionEvaluations)
		require.NoError(t, err)
		assert.Equal(t, float64(optimization.DefaultMaxFunctionEvaluations), v)
	})
}

func TestEngineParameters(t *testing.T) {
	engine := newEngine(t, 1, 0, 1, shiftedSquares([]float64{0}))

	values := map[optimization.ParameterKey]float64{
		optimization.MaxFunctionEvaluations:       250,
		optimization.DefaultStepLength:            0.5,
		optimization.LineSearchAccuracy:           0.25,
		optimization.GradientConvergenceTolerance: 1e-9,
	}
	for key, value := range values {
		require.NoError(t, engine.SetParameter(key, value))
		got, err := engine.GetParameter(key)
		require.NoError(t, err)
		assert.Equal(t, value, got, key.String())
	}

	before := engine.Parameters().Map()
	err := engine.SetParameter(optimization.ParameterKey(99), 1)
	assert.ErrorIs(t, err, optimization.ErrUnrecognizedParameter)
	_, err = engine.GetParameter(optimization.ParameterKey(99))
	assert.ErrorIs(t, err, optimization.ErrUnrecognizedParameter)
	assert.Equal(t, before, engine.Parameters().Map())

	err = engine.SetParameterByName("trace", 1)
	assert.ErrorIs(t, err, optimization.ErrUnrecognizedParameter)
	assert.Contains(t, err.Error(), `"trace"`)

	require.NoError(t, engine.SetParameterByName("G", 1e-7))
	got, err := engine.GetParameter(optimization.GradientConvergenceTolerance)
	require.NoError(t, err)
	assert.Equal(t, 1e-7, got)
}

func TestOptimizeUnconstrainedMinimizerInsideBox(t *testing.T) {
	engine := newEngine(t, 2, -100, 100, shiftedSquares([]float64{3, 3}))

	x := []float64{0, 0}
	f, err := engine.Optimize(x)
	require.NoError(t, err)

	assert.InDelta(t, 3.0, x[0], 1e-4)
	assert.InDelta(t, 3.0, x[1], 1e-4)
	assert.InDelta(t, 0.0, f, 1e-8)

	res := engine.LastResult()
	require.NotNil(t, res)
	assert.True(t, res.Converged(), res.Task.String())
	assert.Equal(t, x, res.X)
}

func TestOptimizeClampsToActiveBound(t *testing.T) {
	engine := newEngine(t, 1, 0, 10, shiftedSquares([]float64{0}))

	x := []float64{5}
	f, err := engine.Optimize(x)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, x[0], 1e-10)
	assert.InDelta(t, 0.0, f, 1e-10)
}

func TestOptimizeMinimizerOutsideBox(t *testing.T) {
	engine := newEngine(t, 3, -1, 1, shiftedSquares([]float64{4, -0.5, -7}))

	x := []float64{0, 0, 0}
	_, err := engine.Optimize(x)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, x[0], 1e-6)
	assert.InDelta(t, -0.5, x[1], 1e-4)
	assert.InDelta(t, -1.0, x[2], 1e-6)
}

func TestOptimizeAlreadyConverged(t *testing.T) {
	engine := newEngine(t, 2, -100, 100, shiftedSquares([]float64{3, 3}))

	x := []float64{3, 3}
	res, err := engine.Run(context.Background(), x)
	require.NoError(t, err)

	assert.Equal(t, TaskConvergedGradient, res.Task)
	assert.Equal(t, 1, res.Evaluations)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, []float64{3, 3}, x)
	assert.Equal(t, 0.0, res.F)
}

func TestOptimizeZeroBudget(t *testing.T) {
	var calls int
	objective := func(n int, need bool, x, grad []float64, data interface{}) (float64, error) {
		calls++
		return shiftedSquares([]float64{0, 0})(n, need, x, grad, data)
	}
	engine := newEngine(t, 2, -100, 100, objective)
	require.NoError(t, engine.SetParameter(optimization.MaxFunctionEvaluations, 0))

	x := []float64{50, -200}
	res, err := engine.Run(context.Background(), x)
	require.NoError(t, err)

	assert.Equal(t, TaskStopEvaluations, res.Task)
	assert.Equal(t, 0, res.Evaluations)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, []float64{50, -100}, x, "the start point is projected into the box")
	assert.Equal(t, 1, calls, "only the final evaluation is performed")
	assert.Equal(t, 12500.0, res.F)
}

func TestOptimizeDegenerateBound(t *testing.T) {
	problem, err := optimization.NewProblem(2,
		[]float64{2, -10}, []float64{2, 10},
		shiftedSquares([]float64{0, 3}))
	require.NoError(t, err)
	engine, err := New(problem)
	require.NoError(t, err)
	require.NoError(t, engine.SetParameter(optimization.RelativeReductionFactor, 10))

	x := []float64{-5, 0}
	_, err = engine.Optimize(x)
	require.NoError(t, err)

	assert.Equal(t, 2.0, x[0], "a coordinate with lower == upper stays fixed")
	assert.InDelta(t, 3.0, x[1], 1e-4)
}

func TestOptimizeOneSidedAndUnboundedCoordinates(t *testing.T) {
	inf := math.Inf(1)
	problem, err := optimization.NewProblem(3,
		[]float64{1, -inf, -inf},
		[]float64{inf, -2, inf},
		shiftedSquares([]float64{-5, 4, 7}))
	require.NoError(t, err)
	assert.Equal(t, optimization.BoundLower, problem.BoundType(0))
	assert.Equal(t, optimization.BoundUpper, problem.BoundType(1))
	assert.Equal(t, optimization.BoundNone, problem.BoundType(2))

	engine, err := New(problem)
	require.NoError(t, err)
	require.NoError(t, engine.SetParameter(optimization.RelativeReductionFactor, 10))

	x := []float64{10, -10, 0}
	_, err = engine.Optimize(x)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, x[0], 1e-5)
	assert.InDelta(t, -2.0, x[1], 1e-5)
	assert.InDelta(t, 7.0, x[2], 1e-4)
}

func TestOptimizeExplicitBoundTypesOverrideBounds(t *testing.T) {
	problem, err := optimization.NewProblem(1, []float64{0}, []float64{1},
		shiftedSquares([]float64{5}),
		optimization.WithBoundTypes([]optimization.BoundType{optimization.BoundLower}))
	require.NoError(t, err)
	engine, err := New(problem)
	require.NoError(t, err)

	x := []float64{0.5}
	_, err = engine.Optimize(x)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, x[0], 1e-4, "the upper bound is not enforced")
}

func TestOptimizeRosenbrock(t *testing.T) {
	engine := newEngine(t, 2, -2, 2, rosenbrock)
	require.NoError(t, engine.SetParameter(optimization.GradientConvergenceTolerance, 1e-8))
	require.NoError(t, engine.SetParameter(optimization.RelativeReductionFactor, 10))

	x := []float64{-1.2, 1}
	res, err := engine.Run(context.Background(), x)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, x[0], 1e-4)
	assert.InDelta(t, 1.0, x[1], 1e-4)
	assert.Less(t, res.F, 1e-8)
	assert.Greater(t, res.Iterations, 1)
	assert.Len(t, res.History, res.Iterations)
}

func TestOptimizeRosenbrockWithActiveBound(t *testing.T) {
	problem, err := optimization.NewProblem(2, []float64{-2, -2}, []float64{0.5, 2}, rosenbrock)
	require.NoError(t, err)
	engine, err := New(problem)
	require.NoError(t, err)
	require.NoError(t, engine.SetParameter(optimization.GradientConvergenceTolerance, 1e-8))
	require.NoError(t, engine.SetParameter(optimization.RelativeReductionFactor, 10))

	x := []float64{-1.2, 1}
	_, err = engine.Optimize(x)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, x[0], 1e-6)
	assert.InDelta(t, 0.25, x[1], 1e-4)
}

func TestOptimizeIterationLimit(t *testing.T) {
	engine := newEngine(t, 2, -2, 2, rosenbrock)
	require.NoError(t, engine.SetParameter(optimization.MaxIterations, 1))

	x := []float64{-1.2, 1}
	res, err := engine.Run(context.Background(), x)
	require.NoError(t, err)

	assert.Equal(t, TaskStopIterations, res.Task)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged())
}

func TestOptimizeEvaluationBudget(t *testing.T) {
	var calls int
	objective := func(n int, need bool, x, grad []float64, data interface{}) (float64, error) {
		calls++
		return rosenbrock(n, need, x, grad, data)
	}
	engine := newEngine(t, 2, -2, 2, objective)
	require.NoError(t, engine.SetParameter(optimization.MaxFunctionEvaluations, 5))

	x := []float64{-1.2, 1}
	res, err := engine.Run(context.Background(), x)
	require.NoError(t, err)

	assert.Equal(t, TaskStopEvaluations, res.Task)
	assert.LessOrEqual(t, res.Evaluations, 5)
	assert.Equal(t, res.Evaluations+1, calls)
	assert.True(t, engine.Problem().Feasible(x))
}

func TestOptimizeObjectiveError(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	objective := func(n int, need bool, x, grad []float64, data interface{}) (float64, error) {
		calls++
		if calls == 3 {
			return 0, boom
		}
		return shiftedSquares([]float64{3, 3})(n, need, x, grad, data)
	}
	engine := newEngine(t, 2, -100, 100, objective)

	x := []float64{0, 0}
	res, err := engine.Run(context.Background(), x)
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrEvaluation)
	assert.ErrorIs(t, err, boom)

	require.NotNil(t, res)
	assert.Equal(t, TaskError, res.Task)
	assert.Equal(t, []float64{0, 0}, x, "the last accepted iterate is restored")
	assert.Equal(t, 18.0, res.F)
}

func TestOptimizeCancelled(t *testing.T) {
	engine := newEngine(t, 2, -100, 100, shiftedSquares([]float64{3, 3}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	x := []float64{1, 1}
	res, err := engine.Run(ctx, x)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, TaskError, res.Task)
	assert.Equal(t, []float64{1, 1}, x)
}

func TestRunDimensionMismatch(t *testing.T) {
	engine := newEngine(t, 2, -1, 1, shiftedSquares([]float64{0, 0}))
	_, err := engine.Run(context.Background(), []float64{0})
	assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
}

func TestRunRejectsReentrantCall(t *testing.T) {
	var engine *Engine
	var nested error
	objective := func(n int, need bool, x, grad []float64, data interface{}) (float64, error) {
		if nested == nil {
			_, nested = engine.Run(context.Background(), []float64{0})
		}
		return shiftedSquares([]float64{0})(n, need, x, grad, data)
	}
	engine = newEngine(t, 1, -1, 1, objective)

	_, err := engine.Optimize([]float64{0.5})
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrEngineBusy)
}

func TestIterationHookAndHistory(t *testing.T) {
	var seen []int
	hook := func(ev optimization.Evaluation) {
		seen = append(seen, ev.Iteration)
	}
	engine := newEngine(t, 2, -2, 2, rosenbrock, WithIterationHook(hook))

	x := []float64{-1.2, 1}
	res, err := engine.Run(context.Background(), x)
	require.NoError(t, err)

	require.Len(t, seen, res.Iterations)
	for i, it := range seen {
		assert.Equal(t, i+1, it)
	}
	history := engine.GetHistory()
	require.Len(t, history, res.Iterations)
	for i := 1; i < len(history); i++ {
		assert.LessOrEqual(t, history[i].Solution.Value, history[i-1].Solution.Value,
			"accepted iterates never increase f")
	}
}

func TestWithRecordHistoryDisabled(t *testing.T) {
	engine := newEngine(t, 2, -2, 2, rosenbrock, WithRecordHistory(false))
	res, err := engine.Run(context.Background(), []float64{-1.2, 1})
	require.NoError(t, err)
	assert.Empty(t, res.History)
	assert.Positive(t, res.Iterations)
}

func TestMinimizeReportsStatus(t *testing.T) {
	engine := newEngine(t, 2, -100, 100, shiftedSquares([]float64{3, 3}))

	var opt optimization.Optimizer = engine
	res, err := opt.Minimize(context.Background(), []float64{0, 0})
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Contains(t, res.Status, "CONVERGENCE")
	assert.InDelta(t, 3.0, res.BestSolution.Parameters[0], 1e-4)
	assert.Len(t, res.History, res.Iterations)
}

func TestEngineReuse(t *testing.T) {
	engine := newEngine(t, 2, -100, 100, shiftedSquares([]float64{3, 3}))

	first := []float64{0, 0}
	_, err := engine.Optimize(first)
	require.NoError(t, err)

	second := []float64{-50, 80}
	_, err = engine.Optimize(second)
	require.NoError(t, err)

	assert.InDeltaSlice(t, first, second, 1e-4)
}
