package server

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obd-uplink/internal/logger"
	"github.com/shaunagostinho/obd-uplink/internal/obd"
	"github.com/shaunagostinho/obd-uplink/internal/telemetry"
	"github.com/shaunagostinho/obd-uplink/internal/uart"
)

const DefaultConfigPath = "/etc/obduplink/config.yaml"

// Config holds all uplink configuration.
type Config struct {
	mu sync.RWMutex

	// OBD-II adapter and polling
	OBD OBDConfig `yaml:"obd" json:"obd"`

	// Cloud telemetry
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// CSV reading log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Status server
	Server ServerConfig `yaml:"server" json:"server"`

	LogLevel string `yaml:"log_level" json:"logLevel"` // logrus level name

	path string // file path for save/load
}

type OBDConfig struct {
	Type            string `yaml:"type" json:"type"`     // "uart" or "demo"
	Driver          string `yaml:"driver" json:"driver"` // "bugst" or "tarm"
	PortPath        string `yaml:"port_path" json:"portPath"`
	BaudRate        int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs   int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	OpenAttempts    int    `yaml:"open_attempts" json:"openAttempts"` // 0 retries forever
	PollSeconds     int    `yaml:"poll_seconds" json:"pollSeconds"`
	PollNanoseconds int    `yaml:"poll_nanoseconds" json:"pollNanoseconds"`
	BufferSize      int    `yaml:"buffer_size" json:"bufferSize"`
	Decoder         string `yaml:"decoder" json:"decoder"` // "offset" or "elm327"
}

type TelemetryConfig struct {
	Enabled         bool                  `yaml:"enabled" json:"enabled"`
	MaxPayloadBytes int                   `yaml:"max_payload_bytes" json:"maxPayloadBytes"`
	Azure           telemetry.AzureConfig `yaml:"azure" json:"azure"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// UART returns the serial settings for the adapter.
func (o OBDConfig) UART() uart.Config {
	return uart.Config{
		Driver:        o.Driver,
		PortPath:      o.PortPath,
		BaudRate:      o.BaudRate,
		ReadTimeoutMs: o.ReadTimeoutMs,
	}
}

// PollPeriod combines the seconds and nanoseconds parts of the timer.
func (o OBDConfig) PollPeriod() time.Duration {
	return time.Duration(o.PollSeconds)*time.Second + time.Duration(o.PollNanoseconds)
}

// LoggerConfig maps the logging section onto the CSV recorder.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Enabled:    c.Logging.Enabled,
		Path:       c.Logging.Path,
		IntervalMs: c.Logging.Interval,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OBD: OBDConfig{
			Type:            "uart",
			Driver:          uart.DriverBugst,
			PortPath:        uart.DefaultPortPath,
			BaudRate:        uart.DefaultBaudRate,
			ReadTimeoutMs:   int(uart.DefaultReadTimeout / time.Millisecond),
			OpenAttempts:    1,
			PollSeconds:     1,
			PollNanoseconds: 0,
			BufferSize:      obd.DefaultBufferSize,
			Decoder:         obd.DecoderOffset,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			MaxPayloadBytes: telemetry.DefaultMaxPayload,
			Azure: telemetry.AzureConfig{
				TokenTTLMinutes: 60,
			},
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     logger.DefaultPath,
			Interval: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		LogLevel: "info",
	}
}

// Validate reports settings the uplink cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	switch c.OBD.Type {
	case "uart":
		if err := c.OBD.UART().WithDefaults().Validate(); err != nil {
			return err
		}
	case "demo":
	default:
		return errors.Errorf("config: unknown obd type %q", c.OBD.Type)
	}
	if _, err := obd.DecoderByName(c.OBD.Decoder); err != nil {
		return err
	}
	if c.OBD.PollSeconds < 0 || c.OBD.PollNanoseconds < 0 || c.OBD.PollPeriod() <= 0 {
		return errors.Errorf("config: poll period must be positive (got %ds + %dns)",
			c.OBD.PollSeconds, c.OBD.PollNanoseconds)
	}
	if c.OBD.BufferSize < 0 {
		return errors.Errorf("config: negative buffer size %d", c.OBD.BufferSize)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Errorf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file into the environment.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	log.Printf("[config] loading .env from %s", path)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
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

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warnf("[config] ignoring %s=%q: %v", name, v, err)
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	envString("OBD_TYPE", &c.OBD.Type)
	envString("OBD_PORT", &c.OBD.PortPath)
	envInt("OBD_BAUD", &c.OBD.BaudRate)
	envString("OBD_DRIVER", &c.OBD.Driver)
	envString("OBD_DECODER", &c.OBD.Decoder)
	envInt("POLL_SECONDS", &c.OBD.PollSeconds)
	envInt("POLL_NANOSECONDS", &c.OBD.PollNanoseconds)

	envBool("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envString("IOTHUB_HOST", &c.Telemetry.Azure.HubHost)
	envString("IOTHUB_DEVICE_ID", &c.Telemetry.Azure.DeviceID)
	envString("IOTHUB_DEVICE_KEY", &c.Telemetry.Azure.DeviceKey)

	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	envString("LOG_LEVEL", &c.LogLevel)

	envBool("LOG_ENABLED", &c.Logging.Enabled)
	envString("LOG_PATH", &c.Logging.Path)
	envInt("LOG_INTERVAL_MS", &c.Logging.Interval)
}

// Save writes the config to its YAML file. Saves are serialized.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ToJSON serializes config for the API. The device key is never included.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The merged result is validated before it
// replaces the current values; on any error the config is unchanged.
// Changes take effect on the next start.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.clone()
	if err := next.mergeJSON(data); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.OBD = next.OBD
	c.Telemetry = next.Telemetry
	c.Logging = next.Logging
	c.Server = next.Server
	c.LogLevel = next.LogLevel
	return nil
}

// clone copies the settings without the lock. Caller holds c.mu.
func (c *Config) clone() *Config {
	return &Config{
		OBD:       c.OBD,
		Telemetry: c.Telemetry,
		Logging:   c.Logging,
		Server:    c.Server,
		LogLevel:  c.LogLevel,
		path:      c.path,
	}
}

func (c *Config) mergeJSON(data []byte) error {
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal current config")
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return errors.Wrap(err, "unmarshal current config")
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return errors.Wrap(err, "unmarshal patch")
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return errors.Wrap(err, "marshal merged config")
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged,
// everything else is overwritten.
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
