// Package config provides configuration management for stepwise applications
package config

import (
	"fmt"
	"maps"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config represents the complete stepwise configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Actor host configuration
	Actor ActorConfig `yaml:"actor" json:"actor"`

	// Progress monitoring of running computations
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Mandelbrot computation
	Mandelbrot MandelbrotConfig `yaml:"mandelbrot" json:"mandelbrot"`

	// Convolutional network inference
	CNN CNNConfig `yaml:"cnn" json:"cnn"`

	// Arkanoid game simulation
	Arkanoid ArkanoidConfig `yaml:"arkanoid" json:"arkanoid"`

	// Snapshot persistence
	Store StoreConfig `yaml:"store" json:"store"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source positions
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ActorConfig contains actor host configuration
type ActorConfig struct {
	// Default actor mailbox size
	MailboxSize int `yaml:"mailbox_size" json:"mailbox_size"`

	// Work units one invocation may charge
	Quantum uint64 `yaml:"quantum" json:"quantum"`

	// Handler timeout per message
	ProcessTimeout time.Duration `yaml:"process_timeout" json:"process_timeout"`

	// Request/response timeout
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`

	// Grace period for stopping all actors
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// BatchConfig contains progress monitoring settings
type BatchConfig struct {
	// Delay between progress queries
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// Consecutive polls without progress before giving up
	StallPolls int `yaml:"stall_polls" json:"stall_polls"`

	// Upper bound on a whole computation, zero for none
	Deadline time.Duration `yaml:"deadline" json:"deadline"`
}

// MandelbrotConfig describes the grid and the worker pool
type MandelbrotConfig struct {
	Width   uint32 `yaml:"width" json:"width"`
	Height  uint32 `yaml:"height" json:"height"`
	XMin    string `yaml:"x_min" json:"x_min"`
	XMax    string `yaml:"x_max" json:"x_max"`
	YMin    string `yaml:"y_min" json:"y_min"`
	YMax    string `yaml:"y_max" json:"y_max"`
	MaxIter uint32 `yaml:"max_iter" json:"max_iter"`

	// Number of checker actors
	Checkers int `yaml:"checkers" json:"checkers"`

	// Points generated per manager invocation
	PointsPerCall int `yaml:"points_per_call" json:"points_per_call"`

	// Points sent to one checker per dispatch round
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// Points a checker tests per invocation
	CheckerBatch int `yaml:"checker_batch" json:"checker_batch"`

	// Unreported batches a checker may hold
	Window int `yaml:"window" json:"window"`
}

// CNNConfig contains inference settings
type CNNConfig struct {
	// Model file (JSON, architecture and weights)
	ModelFile string `yaml:"model_file" json:"model_file"`

	// Input file of raw HWC pixels
	InputFile string `yaml:"input_file" json:"input_file"`

	// Weight rows per upload message
	UploadRows int `yaml:"upload_rows" json:"upload_rows"`

	// Batch limits by stage name (convolve, bias, normalize, dense, ...)
	Hints map[string]int `yaml:"hints,omitempty" json:"hints,omitempty"`
}

// ArkanoidConfig contains game simulation settings
type ArkanoidConfig struct {
	// Game ticks simulated per run
	Steps uint32 `yaml:"steps" json:"steps"`

	// Ticks advanced per invocation
	TicksPerCall int `yaml:"ticks_per_call" json:"ticks_per_call"`
}

// StoreConfig contains snapshot settings
type StoreConfig struct {
	// Enable periodic snapshots
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Snapshot directory
	Dir string `yaml:"dir" json:"dir"`

	// Snapshot period
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "stepwise",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Actor: ActorConfig{
			MailboxSize:     1000,
			Quantum:         1_000_000,
			ProcessTimeout:  30 * time.Second,
			CallTimeout:     5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Batch: BatchConfig{
			PollInterval: 50 * time.Millisecond,
			StallPolls:   200,
		},
		Mandelbrot: MandelbrotConfig{
			Width:         100,
			Height:        100,
			XMin:          "-2",
			XMax:          "1",
			YMin:          "-1.5",
			YMax:          "1.5",
			MaxIter:       255,
			Checkers:      4,
			PointsPerCall: 1000,
			BatchSize:     100,
			CheckerBatch:  50,
			Window:        4,
		},
		CNN: CNNConfig{
			UploadRows: 64,
			Hints: map[string]int{
				"convolve":  200,
				"bias":      16,
				"normalize": 16,
				"dense":     64,
			},
		},
		Arkanoid: ArkanoidConfig{
			Steps:        1000,
			TicksPerCall: 200,
		},
		Store: StoreConfig{
			Dir:      "snapshots",
			Interval: 5 * time.Second,
		},
	}
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := *c
	out.CNN.Hints = maps.Clone(c.CNN.Hints)
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if c.Actor.MailboxSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMailboxSize, c.Actor.MailboxSize)
	}
	if c.Actor.Quantum == 0 {
		return ErrInvalidQuantum
	}

	if c.Batch.PollInterval <= 0 || c.Batch.StallPolls <= 0 {
		return fmt.Errorf("%w: poll every %s, stall after %d", ErrInvalidMonitor, c.Batch.PollInterval, c.Batch.StallPolls)
	}

	m := c.Mandelbrot
	if m.Width == 0 || m.Height == 0 || m.MaxIter == 0 {
		return fmt.Errorf("%w: %dx%d max_iter %d", ErrInvalidGrid, m.Width, m.Height, m.MaxIter)
	}
	if m.Checkers <= 0 {
		return fmt.Errorf("%w: %d checkers", ErrInvalidGrid, m.Checkers)
	}
	if m.PointsPerCall <= 0 || m.BatchSize <= 0 || m.CheckerBatch <= 0 || m.Window <= 0 {
		return fmt.Errorf("%w: mandelbrot", ErrInvalidBatchSize)
	}

	if c.CNN.UploadRows <= 0 {
		return fmt.Errorf("%w: upload_rows %d", ErrInvalidBatchSize, c.CNN.UploadRows)
	}
	for stage, limit := range c.CNN.Hints {
		if limit <= 0 {
			return fmt.Errorf("%w: cnn stage %s", ErrInvalidBatchSize, stage)
		}
	}

	if c.Arkanoid.TicksPerCall <= 0 {
		return fmt.Errorf("%w: ticks_per_call %d", ErrInvalidBatchSize, c.Arkanoid.TicksPerCall)
	}

	if c.Store.Enabled && (c.Store.Dir == "" || c.Store.Interval <= 0) {
		return fmt.Errorf("%w: dir %q interval %s", ErrInvalidStore, c.Store.Dir, c.Store.Interval)
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.Log.Level == LogLevelDebug
}
