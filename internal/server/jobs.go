package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	apperrors "github.com/copyleftdev/boxopt/internal/errors"
	"github.com/copyleftdev/boxopt/internal/logging"
	"github.com/copyleftdev/boxopt/internal/optimization"
	"github.com/copyleftdev/boxopt/internal/optimization/lbfgsb"
	"github.com/copyleftdev/boxopt/internal/optimization/objectives"
)

// JobState is the lifecycle state of an optimization job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Float is a float64 that encodes non-finite values as null.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// OptimizeRequest starts a job. Bounds are [lower, upper] pairs where null
// leaves that side unbounded; without bounds the problem is unconstrained in
// Dimension coordinates.
type OptimizeRequest struct {
	Objective   string             `json:"objective"`
	Dimension   int                `json:"dimension,omitempty"`
	Bounds      [][]*float64       `json:"bounds,omitempty"`
	Start       []float64          `json:"start,omitempty"`
	Corrections int                `json:"corrections,omitempty"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
}

// Solution is a point and its objective value.
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      Float     `json:"value"`
}

// HistoryPoint summarizes one accepted iterate.
type HistoryPoint struct {
	Iteration    int   `json:"iteration"`
	Value        Float `json:"value"`
	ProjGradNorm Float `json:"projected_gradient_norm"`
	Evaluations  int   `json:"evaluations"`
}

// JobStatus is the externally visible snapshot of a job.
type JobStatus struct {
	ID           string         `json:"optimization_id"`
	Objective    string         `json:"objective"`
	Dimension    int            `json:"dimension"`
	Status       JobState       `json:"status"`
	Task         string         `json:"task,omitempty"`
	Converged    bool           `json:"converged"`
	Progress     float64        `json:"progress"`
	Iterations   int            `json:"iterations"`
	Evaluations  int            `json:"evaluations"`
	Restarts     int            `json:"restarts"`
	ProjGradNorm Float          `json:"projected_gradient_norm"`
	BestSolution *Solution      `json:"best_solution,omitempty"`
	History      []HistoryPoint `json:"history,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	LastUpdated  time.Time      `json:"last_update"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
}

// OptimizationState tracks one job. Fields are guarded by Server.optimizationsMu.
type OptimizationState struct {
	status     JobStatus
	budget     int
	engine     *lbfgsb.Engine
	start      []float64
	cancelFunc context.CancelFunc
}

func (st *OptimizationState) snapshot() JobStatus {
	s := st.status
	if st.status.BestSolution != nil {
		s.BestSolution = &Solution{
			Parameters: append([]float64(nil), st.status.BestSolution.Parameters...),
			Value:      st.status.BestSolution.Value,
		}
	}
	s.History = append([]HistoryPoint(nil), st.status.History...)
	return s
}

var jobCounter atomic.Uint64

func newJobID() string {
	return "opt_" + strconv.FormatInt(time.Now().UnixNano(), 36) + "_" + strconv.FormatUint(jobCounter.Add(1), 36)
}

// buildJob validates req and constructs the job's engine. Every error it
// returns carries a 4xx status.
func (s *Server) buildJob(req OptimizeRequest, logger *logging.Logger) (*OptimizationState, error) {
	def, err := objectives.Lookup(req.Objective)
	if err != nil {
		return nil, apperrors.BadRequest(err, "unknown objective")
	}

	n := req.Dimension
	if len(req.Bounds) > 0 {
		if n != 0 && n != len(req.Bounds) {
			return nil, apperrors.BadRequest(optimization.ErrDimensionMismatch,
				fmt.Sprintf("dimension %d does not match %d bounds", n, len(req.Bounds)))
		}
		n = len(req.Bounds)
	}
	if n < 1 {
		return nil, apperrors.BadRequest(optimization.ErrValueOutOfRange, "bounds or dimension are required")
	}
	if n > s.cfg.Optimization.MaxDimension {
		return nil, apperrors.BadRequest(optimization.ErrValueOutOfRange,
			fmt.Sprintf("dimension %d exceeds the limit of %d", n, s.cfg.Optimization.MaxDimension))
	}

	lower, upper := make([]float64, n), make([]float64, n)
	for i := range lower {
		lower[i], upper[i] = math.Inf(-1), math.Inf(1)
	}
	for i, b := range req.Bounds {
		if len(b) != 2 {
			return nil, apperrors.BadRequest(optimization.ErrInvalidBounds,
				fmt.Sprintf("bounds[%d]: expected [lower, upper]", i))
		}
		if b[0] != nil {
			lower[i] = *b[0]
		}
		if b[1] != nil {
			upper[i] = *b[1]
		}
	}

	fn, err := def.Func(n)
	if err != nil {
		return nil, apperrors.BadRequest(err, "unsupported dimension")
	}
	problem, err := optimization.NewProblem(n, lower, upper, fn)
	if err != nil {
		return nil, apperrors.BadRequest(err, "invalid problem")
	}

	start := make([]float64, n)
	if req.Start != nil {
		if len(req.Start) != n {
			return nil, apperrors.BadRequest(optimization.ErrDimensionMismatch,
				fmt.Sprintf("start has length %d, want %d", len(req.Start), n))
		}
		copy(start, req.Start)
	}
	problem.Project(start)

	params, err := s.cfg.OptimizerParameters()
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid optimizer defaults")
	}
	for name, value := range req.Parameters {
		if err := params.SetByName(name, value); err != nil {
			return nil, apperrors.BadRequest(err, "invalid parameter")
		}
	}

	corrections := s.cfg.Optimization.Corrections
	if req.Corrections != 0 {
		corrections = req.Corrections
	}

	st := &OptimizationState{
		budget: params.Int(optimization.MaxFunctionEvaluations),
		start:  start,
	}
	engine, err := lbfgsb.New(problem,
		lbfgsb.WithLogger(logging.NewZapLogger(logger)),
		lbfgsb.WithCorrections(corrections),
		lbfgsb.WithParameters(params),
		lbfgsb.WithRecordHistory(false),
		lbfgsb.WithIterationHook(s.progressHook(st)),
	)
	if err != nil {
		return nil, apperrors.BadRequest(err, "invalid optimizer settings")
	}
	st.engine = engine
	st.status.Objective = def.Name
	st.status.Dimension = n
	return st, nil
}

// startOptimization registers a job for req and schedules it.
func (s *Server) startOptimization(req OptimizeRequest) (JobStatus, error) {
	id := newJobID()
	jobLogger := s.logger.WithFields(map[string]interface{}{"optimization_id": id})

	st, err := s.buildJob(req, jobLogger)
	if err != nil {
		return JobStatus{}, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now()
	st.cancelFunc = cancel
	st.status.ID = id
	st.status.Status = StatePending
	st.status.StartTime = now
	st.status.LastUpdated = now

	s.optimizationsMu.Lock()
	s.pruneLocked(now)
	s.optimizations[id] = st
	snapshot := st.snapshot()
	s.optimizationsMu.Unlock()

	s.metrics.JobStarted()
	jobLogger.Info("Optimization accepted", map[string]interface{}{
		"objective": st.status.Objective,
		"dimension": st.status.Dimension,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runOptimization(ctx, st, jobLogger)
	}()

	return snapshot, nil
}

// progressHook publishes each accepted iterate to the job status.
func (s *Server) progressHook(st *OptimizationState) lbfgsb.IterationHook {
	return func(ev optimization.Evaluation) {
		s.optimizationsMu.Lock()
		defer s.optimizationsMu.Unlock()

		st.status.Iterations = ev.Iteration
		st.status.Evaluations = ev.Evaluations
		st.status.ProjGradNorm = Float(ev.ProjGradNorm)
		st.status.BestSolution = &Solution{Parameters: ev.Solution.Parameters, Value: Float(ev.Solution.Value)}
		st.status.History = append(st.status.History, HistoryPoint{
			Iteration:    ev.Iteration,
			Value:        Float(ev.Solution.Value),
			ProjGradNorm: Float(ev.ProjGradNorm),
			Evaluations:  ev.Evaluations,
		})
		st.status.Progress = progress(ev.Evaluations, st.budget)
		st.status.LastUpdated = time.Now()
	}
}

func progress(evaluations, budget int) float64 {
	if budget <= 0 {
		return 1
	}
	return math.Min(1, float64(evaluations)/float64(budget))
}

// runOptimization waits for a worker slot and runs the job's engine.
func (s *Server) runOptimization(ctx context.Context, st *OptimizationState, logger *logging.Logger) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.metrics.JobDropped()
		s.finishJob(st, nil, err, logger)
		return
	}
	defer s.sem.Release(1)

	s.optimizationsMu.Lock()
	if st.status.Status == StatePending {
		st.status.Status = StateRunning
		st.status.LastUpdated = time.Now()
	}
	s.optimizationsMu.Unlock()
	s.metrics.JobRunning()

	began := time.Now()
	res, err := st.engine.Run(ctx, st.start)

	status := s.finishJob(st, res, err, logger)
	evaluations := 0
	if res != nil {
		evaluations = res.Evaluations
	}
	s.metrics.JobFinished(status, evaluations, time.Since(began))
}

// finishJob records the outcome of a run and returns the final state.
func (s *Server) finishJob(st *OptimizationState, res *lbfgsb.Result, runErr error, logger *logging.Logger) JobState {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	now := time.Now()
	if res != nil {
		st.status.Task = res.Task.String()
		st.status.Converged = res.Converged()
		st.status.Iterations = res.Iterations
		st.status.Evaluations = res.Evaluations
		st.status.Restarts = res.Restarts
		st.status.ProjGradNorm = Float(res.ProjGradNorm)
		st.status.BestSolution = &Solution{Parameters: res.X, Value: Float(res.F)}
	}

	switch {
	case st.status.Status == StateCancelled:
	case runErr == nil:
		st.status.Status = StateCompleted
		st.status.Progress = 1
	case isCancellation(runErr):
		st.status.Status = StateCancelled
	default:
		st.status.Status = StateFailed
		st.status.Error = runErr.Error()
	}
	if st.status.EndTime == nil {
		st.status.EndTime = &now
	}
	st.status.LastUpdated = now
	st.engine = nil

	fields := map[string]interface{}{
		"status":      st.status.Status,
		"task":        st.status.Task,
		"iterations":  st.status.Iterations,
		"evaluations": st.status.Evaluations,
	}
	if st.status.Status == StateFailed {
		logger.WithError(runErr).Error("Optimization failed", fields)
	} else {
		logger.Info("Optimization finished", fields)
	}
	return st.status.Status
}

func isCancellation(err error) bool {
	return apperrors.Is(err, context.Canceled) || apperrors.Is(err, context.DeadlineExceeded)
}

// optimizationStatus returns a snapshot of the job with the given ID.
func (s *Server) optimizationStatus(id string) (JobStatus, error) {
	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	st, ok := s.optimizations[id]
	if !ok {
		return JobStatus{}, apperrors.NotFound("optimization %q not found", id)
	}
	return st.snapshot(), nil
}

// cancelOptimization stops a pending or running job.
func (s *Server) cancelOptimization(id string) error {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	st, ok := s.optimizations[id]
	if !ok {
		return apperrors.NotFound("optimization %q not found", id)
	}
	if st.status.Status.Terminal() {
		return apperrors.Errorf("cannot cancel optimization with status: %s", st.status.Status).
			WithStatus(http.StatusConflict)
	}

	st.cancelFunc()
	now := time.Now()
	st.status.Status = StateCancelled
	st.status.EndTime = &now
	st.status.LastUpdated = now

	s.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})
	return nil
}

// pruneLocked forgets finished jobs older than the retention period.
func (s *Server) pruneLocked(now time.Time) {
	retention := s.cfg.Optimization.JobRetention
	if retention <= 0 {
		return
	}
	for id, st := range s.optimizations {
		if st.status.EndTime != nil && now.Sub(*st.status.EndTime) > retention {
			delete(s.optimizations, id)
		}
	}
}
