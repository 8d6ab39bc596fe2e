// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all process configuration parsed from environment variables.
type Config struct {
	UnitName       string `env:"PIOREACTOR_UNIT"`
	LeaderHostname string `env:"PIOREACTOR_LEADER" envDefault:"localhost"`
	Experiment     string `env:"EXPERIMENT"`
	JobSource      string `env:"JOB_SOURCE" envDefault:"user"`

	BrokerURL string `env:"MQTT_BROKER" envDefault:"tcp://localhost:1883"`

	APIPort       int `env:"API_PORT" envDefault:"4999"`
	LeaderAPIPort int `env:"LEADER_API_PORT" envDefault:"4999"`

	// StorageRoot is DOT_PIOREACTOR; calibrations, KV databases, and the
	// job manager cache live underneath it.
	StorageRoot string `env:"DOT_PIOREACTOR"`
	JobCacheDir string `env:"JOB_CACHE_DIR" envDefault:"/tmp/pioreactor_cache"`

	Testing    bool `env:"TESTING"`
	HATPresent bool `env:"HAT_PRESENT" envDefault:"true"`

	HTTPTimeout           time.Duration `env:"HTTP_TIMEOUT" envDefault:"5s"`
	BusFetchTimeout       time.Duration `env:"BUS_FETCH_TIMEOUT" envDefault:"1s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`

	// OD sampling defaults.
	SamplesPerSecond float64 `env:"OD_SAMPLES_PER_SECOND" envDefault:"0.2"`
	IRLEDIntensity   string  `env:"IR_LED_INTENSITY" envDefault:"auto"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.UnitName == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("op=config.Load hostname: %w", err)
		}
		cfg.UnitName = host
	}
	if cfg.StorageRoot == "" {
		home, _ := os.UserHomeDir()
		cfg.StorageRoot = filepath.Join(home, ".pioreactor")
	}
	return cfg, nil
}

// IsTest reports whether hardware is short-circuited with mocks.
func (c Config) IsTest() bool { return c.Testing }

// IsLeader reports whether this unit is the cluster leader.
func (c Config) IsLeader() bool {
	return strings.EqualFold(c.UnitName, c.LeaderHostname)
}

// CalibrationRoot is where calibration YAML files live.
func (c Config) CalibrationRoot() string {
	return filepath.Join(c.StorageRoot, "storage", "calibrations")
}

// StorageDir is where the KV databases live.
func (c Config) StorageDir() string {
	return filepath.Join(c.StorageRoot, "storage")
}

// LeaderAPIBase is the base URL of the leader HTTP API.
func (c Config) LeaderAPIBase() string {
	return fmt.Sprintf("http://%s:%d", c.LeaderHostname, c.LeaderAPIPort)
}

// UnitAPIBase is the base URL of a unit's HTTP API.
func (c Config) UnitAPIBase(unit string) string {
	return fmt.Sprintf("http://%s:%d", unit, c.APIPort)
}
