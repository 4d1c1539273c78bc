package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/boxopt/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization struct {
		// WorkerCount bounds the number of jobs running at once.
		WorkerCount  int           `env:"OPT_WORKER_COUNT" envDefault:"10"`
		JobRetention time.Duration `env:"OPT_JOB_RETENTION" envDefault:"1h"`
		MaxDimension int           `env:"OPT_MAX_DIMENSION" envDefault:"10000"`
		Corrections  int           `env:"OPT_CORRECTIONS" envDefault:"5"`

		// Engine defaults applied to every job unless the request overrides them.
		MaxFunctionEvaluations  int     `env:"OPT_MAX_FUNCTION_EVALUATIONS" envDefault:"1000"`
		MaxIterations           int     `env:"OPT_MAX_ITERATIONS" envDefault:"15000"`
		DefaultStepLength       float64 `env:"OPT_DEFAULT_STEP_LENGTH" envDefault:"1"`
		LineSearchAccuracy      float64 `env:"OPT_LINE_SEARCH_ACCURACY" envDefault:"0.9"`
		GradientTolerance       float64 `env:"OPT_GRADIENT_TOLERANCE" envDefault:"1e-5"`
		RelativeReductionFactor float64 `env:"OPT_RELATIVE_REDUCTION_FACTOR" envDefault:"1e7"`
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the configuration from vars instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that parsing alone cannot.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port)
	}
	if c.Optimization.WorkerCount < 1 {
		return fmt.Errorf("OPT_WORKER_COUNT must be positive, got %d", c.Optimization.WorkerCount)
	}
	if c.Optimization.Corrections < 1 {
		return fmt.Errorf("OPT_CORRECTIONS must be positive, got %d", c.Optimization.Corrections)
	}
	if c.Optimization.MaxDimension < 1 {
		return fmt.Errorf("OPT_MAX_DIMENSION must be positive, got %d", c.Optimization.MaxDimension)
	}
	if c.Optimization.JobRetention < 0 {
		return fmt.Errorf("OPT_JOB_RETENTION must not be negative, got %s", c.Optimization.JobRetention)
	}
	if _, err := c.OptimizerParameters(); err != nil {
		return fmt.Errorf("invalid optimizer defaults: %w", err)
	}
	return nil
}

// OptimizerParameters returns the configured engine defaults.
func (c *Config) OptimizerParameters() (*optimization.Parameters, error) {
	o := c.Optimization
	p := optimization.DefaultParameters()
	for _, kv := range []struct {
		key   optimization.ParameterKey
		value float64
	}{
		{optimization.MaxFunctionEvaluations, float64(o.MaxFunctionEvaluations)},
		{optimization.MaxIterations, float64(o.MaxIterations)},
		{optimization.DefaultStepLength, o.DefaultStepLength},
		{optimization.LineSearchAccuracy, o.LineSearchAccuracy},
		{optimization.GradientConvergenceTolerance, o.GradientTolerance},
		{optimization.RelativeReductionFactor, o.RelativeReductionFactor},
	} {
		if err := p.Set(kv.key, kv.value); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
