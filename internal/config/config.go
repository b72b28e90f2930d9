// Package config provides configuration management for the Clipmill Agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8878
	DefaultLogLevel = "info"
	DefaultDataDir  = ".clipmill"

	// Environment variable names
	EnvPort       = "CLIPMILL_PORT"
	EnvLogLevel   = "CLIPMILL_LOG_LEVEL"
	EnvDataDir    = "CLIPMILL_DATA_DIR"
	EnvExportsDir = "CLIPMILL_EXPORTS_DIR"
	EnvHeadless   = "CLIPMILL_HEADLESS"

	// Probe environment variable names
	EnvFFprobePath    = "CLIPMILL_FFPROBE_PATH"
	EnvFFprobeTimeout = "CLIPMILL_FFPROBE_TIMEOUT_S"

	// Cloud sync environment variable names
	EnvCloudEnabled = "CLIPMILL_CLOUD_ENABLED"
	EnvCloudBaseURL = "CLIPMILL_CLOUD_BASE_URL"
	EnvCloudToken   = "CLIPMILL_CLOUD_TOKEN"
	EnvCloudOrg     = "CLIPMILL_CLOUD_ORG"

	// Database filename
	DBFilename = "clipmill.db"

	// Probe defaults
	DefaultFFprobeTimeout = 15 // seconds

	// Export pump defaults
	DefaultChunkMs     = 200 // sample buffer duration for passthrough exports
	DefaultWriterQueue = 16  // writer queue depth before backpressure kicks in
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	ExportsDir() string
	Headless() bool
	FFprobePath() string
	FFprobeTimeout() time.Duration
	ChunkDuration() time.Duration
	WriterQueueDepth() int
	CloudEnabled() bool
	CloudBaseURL() string
	CloudToken() string
	CloudOrgSlug() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port       int
	logLevel   string
	dataDir    string
	exportsDir string
	headless   bool

	ffprobePath    string
	ffprobeTimeout time.Duration

	cloudEnabled bool
	cloudBaseURL string
	cloudToken   string
	cloudOrg     string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:           DefaultPort,
		logLevel:       DefaultLogLevel,
		dataDir:        defaultDataDir(),
		ffprobeTimeout: DefaultFFprobeTimeout * time.Second,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	// Override log level from environment
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	// Override data directory from environment
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if ed := os.Getenv(EnvExportsDir); ed != "" {
		cfg.exportsDir = ed
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	cfg.ffprobePath = os.Getenv(EnvFFprobePath)

	if ts := os.Getenv(EnvFFprobeTimeout); ts != "" {
		secs, err := strconv.Atoi(ts)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive number of seconds", EnvFFprobeTimeout)
		}
		cfg.ffprobeTimeout = time.Duration(secs) * time.Second
	}

	if ce := os.Getenv(EnvCloudEnabled); ce != "" {
		enabled, err := strconv.ParseBool(ce)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvCloudEnabled, err)
		}
		cfg.cloudEnabled = enabled
	}
	cfg.cloudBaseURL = os.Getenv(EnvCloudBaseURL)
	cfg.cloudToken = os.Getenv(EnvCloudToken)
	cfg.cloudOrg = os.Getenv(EnvCloudOrg)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ExportsDir returns the directory finished exports are written to
func (c *EnvConfig) ExportsDir() string {
	if c.exportsDir != "" {
		return c.exportsDir
	}
	return filepath.Join(c.dataDir, "exports")
}

// Headless reports whether the system tray should be skipped
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) FFprobeTimeout() time.Duration {
	return c.ffprobeTimeout
}

func (c *EnvConfig) ChunkDuration() time.Duration {
	return DefaultChunkMs * time.Millisecond
}

func (c *EnvConfig) WriterQueueDepth() int {
	return DefaultWriterQueue
}

func (c *EnvConfig) CloudEnabled() bool {
	return c.cloudEnabled
}

func (c *EnvConfig) CloudBaseURL() string {
	return c.cloudBaseURL
}

func (c *EnvConfig) CloudToken() string {
	return c.cloudToken
}

func (c *EnvConfig) CloudOrgSlug() string {
	return c.cloudOrg
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
