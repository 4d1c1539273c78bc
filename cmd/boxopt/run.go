package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/boxopt/internal/logging"
	"github.com/copyleftdev/boxopt/internal/optimization"
	"github.com/copyleftdev/boxopt/internal/optimization/lbfgsb"
	"github.com/copyleftdev/boxopt/internal/optimization/objectives"
)

type runOptions struct {
	objective   string
	dim         int
	lower       float64
	upper       float64
	start       []float64
	params      []string
	corrections int
	starts      int
	seed        uint64
	jsonOut     bool
}

// runReport is the outcome of the best start.
type runReport struct {
	Objective    string    `json:"objective"`
	Task         string    `json:"task"`
	Converged    bool      `json:"converged"`
	F            float64   `json:"f"`
	X            []float64 `json:"x"`
	ProjGradNorm float64   `json:"projected_gradient_norm"`
	Iterations   int       `json:"iterations"`
	Evaluations  int       `json:"evaluations"`
	Restarts     int       `json:"restarts"`
	Start        int       `json:"start"`
	Starts       int       `json:"starts"`
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Minimize a catalog objective",
		Long: `Minimizes a catalog objective inside the box [lower, upper]^dim.
Use -inf / inf to leave a side unbounded. With --starts above one, extra
starting points are sampled inside the box and run concurrently; the best
result is reported.`,
		Example: `  boxopt run --objective rosenbrock --dim 4 --lower -5 --upper 5 --param gradient=1e-8
  boxopt run --objective beale --lower -4.5 --upper 4.5 --starts 8 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runOptimization(cmd, root.logger, opts)
			if err != nil {
				return err
			}
			return printReport(cmd, report, opts.jsonOut)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.objective, "objective", "", "Catalog objective to minimize (required)")
	f.IntVar(&opts.dim, "dim", 2, "Problem dimension")
	f.Float64Var(&opts.lower, "lower", math.Inf(-1), "Lower bound applied to every coordinate")
	f.Float64Var(&opts.upper, "upper", math.Inf(1), "Upper bound applied to every coordinate")
	f.Float64SliceVar(&opts.start, "start", nil, "Starting point: one value for every coordinate or one per coordinate")
	f.StringArrayVar(&opts.params, "param", nil, "Engine parameter as name=value (repeatable)")
	f.IntVar(&opts.corrections, "corrections", lbfgsb.DefaultCorrections, "Number of correction pairs kept in memory")
	f.IntVar(&opts.starts, "starts", 1, "Number of starting points run concurrently")
	f.Uint64Var(&opts.seed, "seed", 1, "Seed for sampled starting points")
	f.BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")
	_ = cmd.MarkFlagRequired("objective")

	return cmd
}

// parseParams applies name=value pairs on top of the defaults.
func parseParams(pairs []string) (*optimization.Parameters, error) {
	params := optimization.DefaultParameters()
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q: expected name=value", pair)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", pair, err)
		}
		if err := params.SetByName(name, value); err != nil {
			return nil, err
		}
	}
	return params, nil
}

// startingPoints returns opts.starts points. The first is the requested start
// (zero by default); the rest are sampled uniformly on finite sides and around
// the first point on infinite ones. All are projected onto the box.
func startingPoints(problem *optimization.Problem, opts *runOptions) ([][]float64, error) {
	n := problem.Dimension()
	base := make([]float64, n)
	switch len(opts.start) {
	case 0:
	case 1:
		for i := range base {
			base[i] = opts.start[0]
		}
	case n:
		copy(base, opts.start)
	default:
		return nil, fmt.Errorf("--start has %d values, want 1 or %d", len(opts.start), n)
	}

	points := make([][]float64, opts.starts)
	for s := range points {
		x := append([]float64(nil), base...)
		if s > 0 {
			rng := rand.New(rand.NewPCG(opts.seed, uint64(s)))
			for i := range x {
				lo, hi := problem.Lower(i), problem.Upper(i)
				if problem.BoundType(i) == optimization.BoundBoth {
					x[i] = lo + rng.Float64()*(hi-lo)
				} else {
					x[i] += 2*rng.Float64() - 1
				}
			}
		}
		problem.Project(x)
		points[s] = x
	}
	return points, nil
}

func runOptimization(cmd *cobra.Command, logger *logging.Logger, opts *runOptions) (*runReport, error) {
	if opts.starts < 1 {
		return nil, fmt.Errorf("--starts must be at least 1, got %d", opts.starts)
	}

	def, err := objectives.Lookup(opts.objective)
	if err != nil {
		return nil, err
	}
	fn, err := def.Func(opts.dim)
	if err != nil {
		return nil, err
	}

	lower := make([]float64, opts.dim)
	upper := make([]float64, opts.dim)
	for i := range lower {
		lower[i], upper[i] = opts.lower, opts.upper
	}
	problem, err := optimization.NewProblem(opts.dim, lower, upper, fn)
	if err != nil {
		return nil, err
	}

	params, err := parseParams(opts.params)
	if err != nil {
		return nil, err
	}

	points, err := startingPoints(problem, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("Starting optimization", map[string]interface{}{
		"objective": def.Name,
		"dim":       opts.dim,
		"starts":    opts.starts,
	})

	results := make([]*lbfgsb.Result, len(points))
	g, ctx := errgroup.WithContext(cmd.Context())
	for s, x := range points {
		engine, err := lbfgsb.New(problem,
			lbfgsb.WithLogger(logging.NewZapLogger(logger.WithField("start", s))),
			lbfgsb.WithCorrections(opts.corrections),
			lbfgsb.WithParameters(params),
			lbfgsb.WithRecordHistory(false),
		)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			res, err := engine.Run(ctx, x)
			if err != nil {
				return fmt.Errorf("start %d: %w", s, err)
			}
			results[s] = res
			return nil
		})
	}

	began := time.Now()
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := bestStart(results)
	res := results[best]

	logger.Info("Optimization complete", map[string]interface{}{
		"elapsed": time.Since(began).String(),
		"task":    res.Task.String(),
		"f":       res.F,
		"best":    best,
	})

	return &runReport{
		Objective:    def.Name,
		Task:         res.Task.String(),
		Converged:    res.Converged(),
		F:            res.F,
		X:            res.X,
		ProjGradNorm: res.ProjGradNorm,
		Iterations:   res.Iterations,
		Evaluations:  res.Evaluations,
		Restarts:     res.Restarts,
		Start:        best,
		Starts:       len(results),
	}, nil
}

// bestStart returns the index of the lowest finite objective value, or 0 when
// no start ended with one.
func bestStart(results []*lbfgsb.Result) int {
	best := -1
	for s, res := range results {
		if math.IsNaN(res.F) || math.IsInf(res.F, 0) {
			continue
		}
		if best < 0 || res.F < results[best].F {
			best = s
		}
	}
	return max(best, 0)
}

func printReport(cmd *cobra.Command, report *runReport, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "objective:   %s\n", report.Objective)
	fmt.Fprintf(out, "task:        %s\n", report.Task)
	fmt.Fprintf(out, "f:           %.10g\n", report.F)
	fmt.Fprintf(out, "x:           %s\n", formatVector(report.X))
	fmt.Fprintf(out, "|proj g|:    %.3g\n", report.ProjGradNorm)
	fmt.Fprintf(out, "iterations:  %d\n", report.Iterations)
	fmt.Fprintf(out, "evaluations: %d\n", report.Evaluations)
	if report.Starts > 1 {
		fmt.Fprintf(out, "best start:  %d of %d\n", report.Start+1, report.Starts)
	}
	return nil
}

func formatVector(x []float64) string {
	parts := make([]string, len(x))
	for i, v := range x {
		parts[i] = strconv.FormatFloat(v, 'g', 8, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
