// Package lbfgsb implements the limited-memory BFGS method for bound-constrained
// minimization (L-BFGS-B).
//
// Each iteration computes the generalized Cauchy point along the projected
// steepest-descent path, minimizes the limited-memory quadratic model over the
// coordinates left free, and runs a Moré-Thuente line search towards that
// minimizer inside the box. The engine is driven by a reverse-communication
// state machine whose tasks mirror the classic FG / NEW_X protocol; Run drives
// it against the problem's objective.
package lbfgsb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/boxopt/internal/optimization"
)

const machineEpsilon = 0x1p-52

// ErrEngineBusy is returned when Run is called on an engine that is already running.
var ErrEngineBusy = errors.New("lbfgsb: engine is already running")

var _ optimization.Optimizer = (*Engine)(nil)

type phase int

const (
	phaseStart phase = iota
	phaseInitialEval
	phaseLineSearch
	phaseNewX
	phaseDone
)

// IterationHook is called with every accepted iterate. The solution slice is a
// copy owned by the hook.
type IterationHook func(optimization.Evaluation)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for iteration and termination messages.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.Named("lbfgsb")
		}
	}
}

// WithCorrections sets the number of correction pairs kept in memory.
func WithCorrections(m int) Option {
	return func(e *Engine) { e.m = m }
}

// WithParameters replaces the default parameters with a copy of params.
func WithParameters(params *optimization.Parameters) Option {
	return func(e *Engine) {
		if params != nil {
			e.params = params.Clone()
		}
	}
}

// WithRecordHistory controls whether accepted iterates are kept in the result.
func WithRecordHistory(record bool) Option {
	return func(e *Engine) { e.record = record }
}

// WithIterationHook registers a callback for accepted iterates.
func WithIterationHook(hook IterationHook) Option {
	return func(e *Engine) { e.hook = hook }
}

// Result summarizes a run.
type Result struct {
	Task           Task
	F              float64
	X              []float64
	G              []float64
	Iterations     int
	Evaluations    int
	Restarts       int
	SkippedUpdates int
	ProjGradNorm   float64
	History        []optimization.Evaluation
}

// Converged reports whether the run stopped on a convergence test.
func (r *Result) Converged() bool { return r.Task.Converged() }

// Engine minimizes a Problem with L-BFGS-B. Buffers are sized at construction
// and reused by every run. An Engine must not be shared by concurrent runs.
type Engine struct {
	problem *optimization.Problem
	logger  *zap.Logger
	hook    IterationHook
	record  bool

	mu     sync.Mutex // guards params and last
	params *optimization.Parameters
	last   *Result

	running atomic.Bool

	n, m        int
	corrections *CorrectionHistory
	ws          *workspace
	ls          optimize.MoreThuente

	// current point and its objective; x0, g0, f0 hold the last accepted iterate
	x, g   []float64
	f      float64
	x0, g0 []float64
	f0     float64

	phase       phase
	task        Task
	iter        int
	evals       int
	restarts    int
	skipped     int
	sbgnrm      float64
	stp, stpMax float64
	gd0         float64
	numLS       int
	constrained bool
	boxed       bool
	history     []optimization.Evaluation

	// run settings captured from params when a run starts
	maxEval    int
	maxIter    int
	pgtol      float64
	factr      float64
	accuracy   float64
	stepLength float64
}

// New builds an engine for problem.
func New(problem *optimization.Problem, opts ...Option) (*Engine, error) {
	const op = "New"

	if problem == nil {
		return nil, optimization.NewError(optimization.ErrValueOutOfRange, "problem is required").
			WithComponent("lbfgsb").WithOperation(op)
	}
	if problem.Dimension() < 1 {
		return nil, optimization.NewError(optimization.ErrValueOutOfRange, "dimension must be at least 1, got %d", problem.Dimension()).
			WithComponent("lbfgsb").WithOperation(op)
	}

	e := &Engine{
		problem: problem,
		logger:  zap.NewNop(),
		record:  true,
		params:  optimization.DefaultParameters(),
		n:       problem.Dimension(),
		m:       DefaultCorrections,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.m < 1 {
		return nil, optimization.NewError(optimization.ErrValueOutOfRange, "corrections must be at least 1, got %d", e.m).
			WithComponent("lbfgsb").WithOperation(op)
	}

	e.corrections = NewCorrectionHistory(e.n, e.m)
	e.ws = newWorkspace(e.n, e.m)
	e.x = make([]float64, e.n)
	e.g = make([]float64, e.n)
	e.x0 = make([]float64, e.n)
	e.g0 = make([]float64, e.n)
	e.classify()
	return e, nil
}

// Problem returns the problem the engine minimizes.
func (e *Engine) Problem() *optimization.Problem { return e.problem }

// Corrections returns the correction-pair capacity.
func (e *Engine) Corrections() int { return e.m }

// SetParameter stores a parameter for subsequent runs.
func (e *Engine) SetParameter(key optimization.ParameterKey, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Set(key, value)
}

// GetParameter returns a stored parameter.
func (e *Engine) GetParameter(key optimization.ParameterKey) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Get(key)
}

// SetParameterByName parses name and stores value under the resulting key.
func (e *Engine) SetParameterByName(name string, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.SetByName(name, value)
}

// Parameters returns a copy of the current parameters.
func (e *Engine) Parameters() *optimization.Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Clone()
}

// LastResult returns the result of the most recent run, or nil.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// GetHistory returns the accepted iterates of the most recent run.
func (e *Engine) GetHistory() []optimization.Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	return append([]optimization.Evaluation(nil), e.last.History...)
}

// Optimize minimizes from x, overwrites x with the final iterate and returns the
// final objective value.
func (e *Engine) Optimize(x []float64) (float64, error) {
	res, err := e.Run(context.Background(), x)
	if res == nil {
		return math.NaN(), err
	}
	return res.F, err
}

// Minimize runs the engine and reports the outcome as an OptimizationResult.
func (e *Engine) Minimize(ctx context.Context, x []float64) (*optimization.OptimizationResult, error) {
	res, err := e.Run(ctx, x)
	if res == nil {
		return nil, err
	}
	return &optimization.OptimizationResult{
		BestSolution: &optimization.Solution{
			Parameters: append([]float64(nil), res.X...),
			Value:      res.F,
		},
		Gradient:     res.G,
		History:      res.History,
		Iterations:   res.Iterations,
		Evaluations:  res.Evaluations,
		ProjGradNorm: res.ProjGradNorm,
		Status:       res.Task.String(),
		Converged:    res.Converged(),
	}, err
}

// Run minimizes from x and overwrites x with the final iterate.
//
// Running out of iterations or evaluations, or a line search that cannot make
// progress, ends the run normally; inspect Result.Task. An error is returned
// only when the objective fails or ctx is done, together with a result
// describing the last accepted iterate.
func (e *Engine) Run(ctx context.Context, x []float64) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrEngineBusy
	}
	defer e.running.Store(false)

	if len(x) != e.n {
		return nil, optimization.NewError(optimization.ErrDimensionMismatch, "x has length %d, want %d", len(x), e.n).
			WithComponent("lbfgsb").WithOperation("Run")
	}

	e.reset(x)

	var runErr error
	task := e.step()
	for !task.Terminal() {
		if err := ctx.Err(); err != nil {
			runErr = err
			task = e.abort(err)
			break
		}

		if task.NeedsEvaluation() {
			f, err := e.problem.Evaluate(e.x, e.g)
			if err != nil {
				runErr = evaluationError(err)
				task = e.abort(err)
				break
			}
			e.f = f
		} else if task == TaskNewX {
			e.recordIterate()
		}
		task = e.step()
	}

	if task != TaskError {
		f, err := e.problem.Evaluate(e.x, e.g)
		if err != nil {
			runErr = evaluationError(err)
			task = e.finish(TaskError)
		} else {
			e.f = f
			e.sbgnrm = e.projGradNorm()
		}
	}

	copy(x, e.x)
	res := &Result{
		Task:           task,
		F:              e.f,
		X:              append([]float64(nil), e.x...),
		G:              append([]float64(nil), e.g...),
		Iterations:     e.iter,
		Evaluations:    e.evals,
		Restarts:       e.restarts,
		SkippedUpdates: e.skipped,
		ProjGradNorm:   e.sbgnrm,
		History:        e.history,
	}

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()

	e.logger.Info("optimization finished",
		zap.String("task", task.String()),
		zap.Float64("f", res.F),
		zap.Float64("projg", res.ProjGradNorm),
		zap.Int("iterations", res.Iterations),
		zap.Int("evaluations", res.Evaluations),
		zap.Int("restarts", res.Restarts))

	return res, runErr
}

func evaluationError(err error) error {
	return &optimization.Error{
		Component: "lbfgsb",
		Op:        "Run",
		Message:   err.Error(),
		Err:       fmt.Errorf("%w: %w", optimization.ErrEvaluation, err),
	}
}

// reset prepares the engine state for a run starting from x.
func (e *Engine) reset(x []float64) {
	e.mu.Lock()
	e.maxEval = e.params.Int(optimization.MaxFunctionEvaluations)
	e.maxIter = e.params.Int(optimization.MaxIterations)
	e.pgtol = e.params.Float(optimization.GradientConvergenceTolerance)
	e.factr = e.params.Float(optimization.RelativeReductionFactor)
	e.accuracy = e.params.Float(optimization.LineSearchAccuracy)
	e.stepLength = e.params.Float(optimization.DefaultStepLength)
	e.mu.Unlock()

	copy(e.x, x)
	for i := range e.g {
		e.g[i] = 0
	}
	e.f = math.NaN()
	e.corrections.Clear()
	e.phase = phaseStart
	e.task = TaskStart
	e.iter, e.evals, e.restarts, e.skipped = 0, 0, 0, 0
	e.sbgnrm = math.Inf(1)
	e.history = nil
}

// step advances the state machine to the next task.
func (e *Engine) step() Task {
	switch e.phase {
	case phaseStart:
		e.problem.Project(e.x)
		e.phase = phaseInitialEval
		return e.requestEvaluation(TaskFGStart)
	case phaseInitialEval:
		return e.afterInitialEvaluation()
	case phaseLineSearch:
		return e.continueLineSearch()
	case phaseNewX:
		return e.afterNewX()
	}
	return e.task
}

// requestEvaluation asks the driver for f and g at e.x, unless the evaluation
// budget is spent. A search cut short returns to the last accepted iterate.
func (e *Engine) requestEvaluation(t Task) Task {
	if e.evals >= e.maxEval {
		if e.phase == phaseLineSearch {
			e.restoreIterate()
		}
		return e.finish(TaskStopEvaluations)
	}
	e.evals++
	e.task = t
	return t
}

func (e *Engine) afterInitialEvaluation() Task {
	e.sbgnrm = e.projGradNorm()
	e.logger.Debug("initial point",
		zap.Float64("f", e.f),
		zap.Float64("projg", e.sbgnrm))
	if e.sbgnrm <= e.pgtol {
		return e.finish(TaskConvergedGradient)
	}
	return e.beginIteration()
}

// beginIteration computes the search target from the accepted iterate and
// starts the line search.
func (e *Engine) beginIteration() Task {
	copy(e.x0, e.x)
	copy(e.g0, e.g)
	e.f0 = e.f

	var err error
	if !e.constrained && e.corrections.Len() > 0 {
		e.skipCauchy()
	} else {
		err = e.cauchyPoint()
	}
	if err == nil {
		err = e.minimizeSubspace()
	}
	if err != nil {
		return e.recover("step computation failed", zap.Error(err))
	}
	return e.beginLineSearch()
}

// accept records the current trial point as the new iterate.
func (e *Engine) accept() Task {
	e.iter++
	e.sbgnrm = e.projGradNorm()
	e.phase = phaseNewX
	e.task = TaskNewX

	e.logger.Debug("iterate accepted",
		zap.Int("iter", e.iter),
		zap.Float64("f", e.f),
		zap.Float64("projg", e.sbgnrm),
		zap.Float64("step", e.stp),
		zap.Int("trials", e.numLS),
		zap.Int("active", e.n-len(e.ws.free)))
	return TaskNewX
}

// afterNewX applies the stopping tests to the accepted iterate, then updates
// the correction history and starts the next iteration.
func (e *Engine) afterNewX() Task {
	if e.sbgnrm <= e.pgtol {
		return e.finish(TaskConvergedGradient)
	}
	scale := math.Max(math.Max(math.Abs(e.f0), math.Abs(e.f)), 1)
	if e.f0-e.f <= e.factr*machineEpsilon*scale {
		return e.finish(TaskConvergedReduction)
	}
	if e.iter >= e.maxIter {
		return e.finish(TaskStopIterations)
	}
	if e.evals >= e.maxEval {
		return e.finish(TaskStopEvaluations)
	}

	e.updateCorrections()
	return e.beginIteration()
}

// updateCorrections pushes s = xₖ₊₁ − xₖ, y = gₖ₊₁ − gₖ unless sᵀy is too small
// relative to yᵀy to keep the model positive definite.
func (e *Engine) updateCorrections() {
	s, y := e.ws.s, e.ws.y
	floats.SubTo(s, e.x, e.x0)
	floats.SubTo(y, e.g, e.g0)

	sy := floats.Dot(s, y)
	yy := floats.Dot(y, y)
	if sy <= machineEpsilon*yy {
		e.skipped++
		e.logger.Debug("correction skipped", zap.Int("iter", e.iter), zap.Float64("sy", sy))
		return
	}
	if err := e.corrections.Push(s, y); err != nil {
		e.corrections.Clear()
		e.restarts++
		e.logger.Warn("correction history reset", zap.Int("iter", e.iter), zap.Error(err))
	}
}

// recover abandons the current step. With curvature information available the
// history is dropped and the iteration restarts from the last accepted iterate;
// otherwise the run ends abnormally.
func (e *Engine) recover(reason string, fields ...zap.Field) Task {
	e.restoreIterate()
	fields = append(fields, zap.Int("iter", e.iter), zap.Int("corrections", e.corrections.Len()))
	if e.corrections.Len() == 0 {
		e.logger.Warn(reason+", terminating", fields...)
		return e.finish(TaskAbnormal)
	}
	e.logger.Warn(reason+", restarting with empty history", fields...)
	e.corrections.Clear()
	e.restarts++
	return e.beginIteration()
}

// abort ends a run whose objective failed or whose context is done, keeping
// the last accepted iterate when a line search was in progress.
func (e *Engine) abort(err error) Task {
	if e.phase == phaseLineSearch {
		e.restoreIterate()
	}
	e.logger.Error("optimization aborted", zap.Error(err), zap.Int("iter", e.iter))
	return e.finish(TaskError)
}

func (e *Engine) restoreIterate() {
	copy(e.x, e.x0)
	copy(e.g, e.g0)
	e.f = e.f0
	if e.phase == phaseLineSearch {
		e.phase = phaseNewX
	}
}

func (e *Engine) finish(t Task) Task {
	e.phase = phaseDone
	e.task = t
	return t
}

func (e *Engine) recordIterate() {
	if !e.record && e.hook == nil {
		return
	}
	ev := optimization.Evaluation{
		Iteration: e.iter,
		Solution: &optimization.Solution{
			Parameters: append([]float64(nil), e.x...),
			Value:      e.f,
		},
		ProjGradNorm: e.sbgnrm,
		Evaluations:  e.evals,
	}
	if e.record {
		e.history = append(e.history, ev)
	}
	if e.hook != nil {
		e.hook(ev)
	}
}
