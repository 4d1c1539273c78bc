package lbfgsb

import "strings"

// Task is the engine's reverse-communication state. Its text mirrors the task
// strings of the classic L-BFGS-B driver protocol.
type Task int

const (
	// TaskStart begins a run.
	TaskStart Task = iota
	// TaskFGStart asks the driver for f and g at the initial point.
	TaskFGStart
	// TaskFGLineSearch asks the driver for f and g at a line-search trial point.
	TaskFGLineSearch
	// TaskNewX reports an accepted iterate.
	TaskNewX
	// TaskConvergedGradient: the projected gradient is below tolerance.
	TaskConvergedGradient
	// TaskConvergedReduction: the relative decrease of f is below tolerance.
	TaskConvergedReduction
	// TaskStopEvaluations: the evaluation budget is exhausted.
	TaskStopEvaluations
	// TaskStopIterations: the iteration budget is exhausted.
	TaskStopIterations
	// TaskAbnormal: the line search could not make progress from an empty history.
	TaskAbnormal
	// TaskError: the objective failed or the run was cancelled.
	TaskError
)

var taskText = map[Task]string{
	TaskStart:              "START",
	TaskFGStart:            "FG_START",
	TaskFGLineSearch:       "FG_LNSRCH",
	TaskNewX:               "NEW_X",
	TaskConvergedGradient:  "CONVERGENCE: NORM_OF_PROJECTED_GRADIENT_<=_PGTOL",
	TaskConvergedReduction: "CONVERGENCE: REL_REDUCTION_OF_F_<=_FACTR*EPSMCH",
	TaskStopEvaluations:    "STOP: TOTAL NO. of f AND g EVALUATIONS EXCEEDS LIMIT",
	TaskStopIterations:     "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT",
	TaskAbnormal:           "ABNORMAL_TERMINATION_IN_LNSRCH",
	TaskError:              "ERROR: OBJECTIVE EVALUATION FAILED OR RUN CANCELLED",
}

func (t Task) String() string {
	if s, ok := taskText[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// NeedsEvaluation reports whether the driver must evaluate f and g at the
// current point before stepping again.
func (t Task) NeedsEvaluation() bool {
	return strings.HasPrefix(t.String(), "FG")
}

// Terminal reports whether the run has ended.
func (t Task) Terminal() bool {
	return t >= TaskConvergedGradient
}

// Converged reports whether the run ended on a convergence test.
func (t Task) Converged() bool {
	return strings.HasPrefix(t.String(), "CONVERGENCE")
}
