package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
	"github.com/shaunagostinho/obdlog/internal/format"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

// Config holds all logger configuration. Settings are read through
// Snapshot and changed through UpdateFromJSON or SetVehicle.
type Config struct {
	mu sync.RWMutex

	Settings `yaml:",inline"`

	path string // file path for save/load
}

// Settings is the serialisable part of Config.
type Settings struct {
	// Adapter discovery and negotiation
	Adapter AdapterConfig `yaml:"adapter" json:"adapter"`

	// Sampling loop
	Acquisition AcquisitionConfig `yaml:"acquisition" json:"acquisition"`

	// Stamped on every CSV row, saved between sessions
	Vehicle logger.Vehicle `yaml:"vehicle" json:"vehicle"`

	// CSV dataset
	Logging logger.Config `yaml:"logging" json:"logging"`

	// DuckDB sample history
	Store StoreConfig `yaml:"store" json:"store"`

	// HTTP API
	Server ServerConfig `yaml:"server" json:"server"`

	// Process log output
	Log LogConfig `yaml:"log" json:"log"`
}

type AdapterConfig struct {
	Type        string   `yaml:"type" json:"type"` // "elm327" or "demo"
	Port        string   `yaml:"port" json:"port"` // fixed device; empty scans every paired port
	Marker      string   `yaml:"marker" json:"marker"`
	BaudRate    int      `yaml:"baud_rate" json:"baudRate"`
	Protocol    string   `yaml:"protocol" json:"protocol"` // ELM327 ATSP value, "0" for auto
	Timeout     Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts int      `yaml:"max_attempts" json:"maxAttempts"`
	RetryDelay  Duration `yaml:"retry_delay" json:"retryDelay"`
	SettleHold  Duration `yaml:"settle_hold" json:"settleHold"`
	SettleWait  Duration `yaml:"settle_wait" json:"settleWait"`
	Stabilize   Duration `yaml:"stabilize" json:"stabilize"`
	Fast        bool     `yaml:"fast" json:"fast"`
	Reconnect   bool     `yaml:"reconnect" json:"reconnect"`

	// Ports the OS does not list with a Bluetooth address. Required on
	// Windows, where the serial enumerator reports no hardware id for
	// Bluetooth links, and on Linux without rfcomm bindings.
	Ports []adapter.PortInfo `yaml:"ports" json:"ports"`
}

type AcquisitionConfig struct {
	Parameters []string `yaml:"parameters" json:"parameters"`
	Period     Duration `yaml:"period" json:"period"`
	Units      string   `yaml:"units" json:"units"`       // "metric" or "imperial"
	Timezone   string   `yaml:"timezone" json:"timezone"` // IANA name
	Autostart  bool     `yaml:"autostart" json:"autostart"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	DSN     string `yaml:"dsn" json:"dsn"` // DuckDB file, empty for in-memory
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "console" or "json"
}

// Duration is a time.Duration written as "2s" in YAML and JSON.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	params := make([]string, len(obd.DefaultParameters))
	for i, p := range obd.DefaultParameters {
		params[i] = string(p)
	}
	return &Config{Settings: Settings{
		Adapter: AdapterConfig{
			Type:        "elm327",
			Marker:      adapter.DefaultMarker,
			BaudRate:    38400,
			Protocol:    "6",
			Timeout:     Duration(5 * time.Second),
			MaxAttempts: 5,
			RetryDelay:  Duration(2 * time.Second),
			SettleHold:  Duration(2 * time.Second),
			SettleWait:  Duration(10 * time.Second),
			Stabilize:   Duration(5 * time.Second),
		},
		Acquisition: AcquisitionConfig{
			Parameters: params,
			Period:     Duration(time.Second),
			Units:      "metric",
			Timezone:   "Asia/Karachi",
		},
		Vehicle: logger.Vehicle{
			No:   "BBJ-91",
			Type: "Chery Tiggo 8 Pro",
			Year: "2023",
		},
		Logging: logger.Config{
			Enabled:  true,
			Path:     ".",
			Mode:     logger.ModeAppend,
			FileName: "obd_dataset.csv",
			MaxRows:  100_000,
		},
		Store: StoreConfig{
			Enabled: false,
			DSN:     "obdlog.duckdb",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Str("component", "config").Str("path", path).Err(err).Msg("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("component", "config").Str("path", path).Msg("config loaded")
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	s := &c.Settings
	envString("OBD_PORT", &s.Adapter.Port)
	envInt("OBD_BAUD", &s.Adapter.BaudRate)
	envString("OBD_PROTOCOL", &s.Adapter.Protocol)
	envDuration("OBD_TIMEOUT", &s.Adapter.Timeout)
	envInt("OBD_ATTEMPTS", &s.Adapter.MaxAttempts)
	envBool("OBD_RECONNECT", &s.Adapter.Reconnect)
	envString("UNITS", &s.Acquisition.Units)
	envDuration("SAMPLE_PERIOD", &s.Acquisition.Period)
	envString("TIMEZONE", &s.Acquisition.Timezone)
	envString("VEH_NO", &s.Vehicle.No)
	envString("VEH_TYPE", &s.Vehicle.Type)
	envString("YR_MFR", &s.Vehicle.Year)
	envBool("LOG_ENABLED", &s.Logging.Enabled)
	envString("LOG_PATH", &s.Logging.Path)
	if v := os.Getenv("LOG_MODE"); v != "" {
		s.Logging.Mode = logger.Mode(v)
	}
	envBool("STORE_ENABLED", &s.Store.Enabled)
	envString("STORE_DSN", &s.Store.DSN)
	envString("LISTEN_ADDR", &s.Server.ListenAddr)
	envString("LOG_LEVEL", &s.Log.Level)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate reports every setting a component cannot run with.
func (s Settings) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	switch s.Adapter.Type {
	case "elm327", "demo":
	default:
		errs = append(errs, fmt.Errorf("adapter.type %q is not elm327 or demo", s.Adapter.Type))
	}
	positive("adapter.baud_rate", int64(s.Adapter.BaudRate))
	positive("adapter.timeout", int64(s.Adapter.Timeout))
	positive("adapter.max_attempts", int64(s.Adapter.MaxAttempts))
	positive("adapter.retry_delay", int64(s.Adapter.RetryDelay))
	positive("acquisition.period", int64(s.Acquisition.Period))
	if s.Adapter.Protocol == "" {
		errs = append(errs, errors.New("adapter.protocol must be set"))
	}
	if _, err := format.ParseUnitSystem(s.Acquisition.Units); err != nil {
		errs = append(errs, err)
	}
	if len(s.Acquisition.Parameters) == 0 {
		errs = append(errs, errors.New("acquisition.parameters must not be empty"))
	}
	for _, p := range s.Acquisition.Parameters {
		if _, err := obd.ParsePID(p); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := time.LoadLocation(s.Acquisition.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("acquisition.timezone: %w", err))
	}
	switch s.Logging.Mode {
	case logger.ModeAppend, logger.ModeRotate, "":
	default:
		errs = append(errs, fmt.Errorf("logging.mode %q is not append or rotate", s.Logging.Mode))
	}
	return errors.Join(errs...)
}

// NegotiatorConfig maps adapter settings onto the negotiator.
func (s Settings) NegotiatorConfig() adapter.Config {
	a := s.Adapter
	return adapter.Config{
		Protocol:    a.Protocol,
		BaudRate:    a.BaudRate,
		Timeout:     a.Timeout.D(),
		MaxAttempts: a.MaxAttempts,
		RetryDelay:  a.RetryDelay.D(),
		SettleWait:  a.SettleWait.D(),
		Stabilize:   a.Stabilize.D(),
		Fast:        a.Fast,
	}
}

// LoopConfig maps acquisition settings onto the sampling loop.
func (s Settings) LoopConfig() (acquire.Config, error) {
	units, err := format.ParseUnitSystem(s.Acquisition.Units)
	if err != nil {
		return acquire.Config{}, err
	}
	params, err := s.ParameterIDs()
	if err != nil {
		return acquire.Config{}, err
	}
	loc, err := time.LoadLocation(s.Acquisition.Timezone)
	if err != nil {
		return acquire.Config{}, err
	}
	return acquire.Config{Parameters: params, Period: s.Acquisition.Period.D(), Units: units, Location: loc}, nil
}

// ParameterIDs parses the configured parameter list.
func (s Settings) ParameterIDs() ([]obd.PID, error) {
	out := make([]obd.PID, 0, len(s.Acquisition.Parameters))
	for _, p := range s.Acquisition.Parameters {
		pid, err := obd.ParsePID(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, nil
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}

// SetVehicle replaces the vehicle metadata.
func (c *Config) SetVehicle(v logger.Vehicle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Vehicle = v
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "obdlog.yaml"
	}
	data, err := yaml.Marshal(&c.Settings)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(&c.Settings)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that leaves the config invalid
// is rejected and nothing changes.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(&c.Settings)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Settings
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	c.Settings = next
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
