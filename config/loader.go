package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// FormatOf returns the format implied by a file extension
func FormatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Loader handles configuration loading from files and the environment
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	// Environment lookup, os.LookupEnv unless replaced
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/stepwise"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".stepwise"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     "STEPWISE",
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration file values are applied on top of
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// SetLookupEnv replaces the environment lookup
func (l *Loader) SetLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

func (l *Loader) base() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// Load loads configuration from the specified file, or from the search
// paths when filename is empty
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	config, err := l.LoadFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.finish(data, format)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}
	return l.finish(data, format)
}

// AutoLoad discovers a configuration file in the search paths. Without one
// the defaults are used; environment overrides apply either way.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(nil, FormatYAML)
	}
	if err != nil {
		return nil, err
	}
	config, err := l.LoadFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
	}
	return config, nil
}

// finish parses data over the defaults, applies the environment and
// validates the result
func (l *Loader) finish(data []byte, format ConfigFormat) (*Config, error) {
	config := l.base()
	if err := parseConfig(data, format, config); err != nil {
		return nil, err
	}
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"stepwise.yaml", "stepwise.yml",
		"config.yaml", "config.yml",
		"stepwise.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

// parseConfig decodes data onto config. Fields absent from data keep their
// current value.
func parseConfig(data []byte, format ConfigFormat, config *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// loadFromEnv applies overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	str := func(name string, dst *string) {
		if val, ok := l.lookupEnv(l.envPrefix + "_" + name); ok && val != "" {
			*dst = val
		}
	}
	num := func(name string, set func(uint64)) error {
		val, ok := l.lookupEnv(l.envPrefix + "_" + name)
		if !ok || val == "" {
			return nil
		}
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, name, val)
		}
		set(n)
		return nil
	}

	str("APP_NAME", &config.App.Name)
	if val, ok := l.lookupEnv(l.envPrefix + "_APP_ENVIRONMENT"); ok && val != "" {
		config.App.Environment = Environment(val)
	}
	if val, ok := l.lookupEnv(l.envPrefix + "_APP_DEBUG"); ok && val != "" {
		config.App.Debug = strings.EqualFold(val, "true")
	}
	if val, ok := l.lookupEnv(l.envPrefix + "_LOG_LEVEL"); ok && val != "" {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	str("LOG_FORMAT", &config.Log.Format)
	str("LOG_OUTPUT", &config.Log.Output)
	str("CNN_MODEL_FILE", &config.CNN.ModelFile)
	str("CNN_INPUT_FILE", &config.CNN.InputFile)
	str("STORE_DIR", &config.Store.Dir)

	return errors.Join(
		num("ACTOR_QUANTUM", func(n uint64) { config.Actor.Quantum = n }),
		num("ACTOR_MAILBOX_SIZE", func(n uint64) { config.Actor.MailboxSize = int(n) }),
		num("MANDELBROT_CHECKERS", func(n uint64) { config.Mandelbrot.Checkers = int(n) }),
		num("MANDELBROT_MAX_ITER", func(n uint64) { config.Mandelbrot.MaxIter = uint32(n) }),
		num("ARKANOID_STEPS", func(n uint64) { config.Arkanoid.Steps = uint32(n) }),
	)
}
