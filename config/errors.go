package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidMailboxSize = errors.New("invalid mailbox size")
	ErrInvalidQuantum     = errors.New("invalid invocation quantum")
	ErrInvalidMonitor     = errors.New("invalid progress monitor settings")
	ErrInvalidGrid        = errors.New("invalid mandelbrot grid")
	ErrInvalidBatchSize   = errors.New("invalid batch size")
	ErrInvalidStore       = errors.New("invalid snapshot store settings")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
