package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trymwestin/shinobi/internal/core/api"
	"github.com/trymwestin/shinobi/internal/core/trigger"
)

// Config holds all application configuration.
type Config struct {
	Shinobi  ShinobiConfig  `yaml:"shinobi"`
	Triggers TriggersConfig `yaml:"triggers"`
	Polling  PollingConfig  `yaml:"polling"`
	Repair   RepairConfig   `yaml:"repair"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Log      LogConfig      `yaml:"log"`
}

// ShinobiConfig holds the video server connection.
type ShinobiConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	SSL               bool   `yaml:"ssl"`
	VerifySSL         bool   `yaml:"verify_ssl"`
	Path              string `yaml:"path"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	UseOriginalStream bool   `yaml:"use_original_stream"`
}

// TriggersConfig holds the auto-off windows of the debounced sensors.
type TriggersConfig struct {
	MotionOff     time.Duration `yaml:"motion_off"`
	SoundOff      time.Duration `yaml:"sound_off"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PollingConfig holds REST polling, heartbeat and retry timings.
type PollingConfig struct {
	UpdateInterval    time.Duration `yaml:"update_interval"`
	VideoRefresh      time.Duration `yaml:"video_refresh"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// RepairConfig holds the self-repair loop settings.
type RepairConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Settle   time.Duration `yaml:"settle"`
	Interval time.Duration `yaml:"interval"`
	Attempts int           `yaml:"attempts"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Shinobi: ShinobiConfig{
			Port:      8080,
			VerifySSL: true,
			Path:      "/",
		},
		Triggers: TriggersConfig{
			MotionOff:     20 * time.Second,
			SoundOff:      20 * time.Second,
			SweepInterval: trigger.DefaultSweepInterval,
		},
		Polling: PollingConfig{
			UpdateInterval:    10 * time.Second,
			VideoRefresh:      5 * time.Minute,
			HeartbeatInterval: 25 * time.Second,
			ReconnectBackoff:  time.Second,
			RetryBackoff:      30 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		Repair: RepairConfig{
			Enabled:  true,
			Settle:   api.DefaultRepairSettle,
			Interval: api.DefaultRepairInterval,
			Attempts: api.DefaultRepairAttempts,
		},
		HTTP: HTTPConfig{
			Addr: ":8099",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "shinobi",
			DeviceID:    "shinobi",
			DeviceName:  "Shinobi",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Shinobi.Path = normalizePath(cfg.Shinobi.Path)
	return cfg, nil
}

// Validate reports missing or out-of-range settings.
func (c Config) Validate() error {
	var errs []error
	if c.Shinobi.Host == "" {
		errs = append(errs, errors.New("shinobi.host is required"))
	}
	if c.Shinobi.Port <= 0 || c.Shinobi.Port > 65535 {
		errs = append(errs, fmt.Errorf("shinobi.port %d out of range", c.Shinobi.Port))
	}
	if c.Shinobi.Username == "" {
		errs = append(errs, errors.New("shinobi.username is required"))
	}
	if c.Shinobi.Password == "" {
		errs = append(errs, errors.New("shinobi.password is required"))
	}
	if c.Triggers.MotionOff <= 0 || c.Triggers.SoundOff <= 0 {
		errs = append(errs, errors.New("triggers auto-off windows must be positive"))
	}
	if c.Polling.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("polling.requests_per_second must not be negative"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// APIConfig is the connection part handed to the REST and streaming clients.
func (c Config) APIConfig() api.Config {
	return api.Config{
		Host:              c.Shinobi.Host,
		Port:              c.Shinobi.Port,
		SSL:               c.Shinobi.SSL,
		VerifySSL:         c.Shinobi.VerifySSL,
		Path:              c.Shinobi.Path,
		Username:          c.Shinobi.Username,
		Password:          c.Shinobi.Password,
		UseOriginalStream: c.Shinobi.UseOriginalStream,
	}
}

// RepairOptions converts the repair section.
func (c Config) RepairOptions() api.RepairOptions {
	return api.RepairOptions{
		Settle:   c.Repair.Settle,
		Interval: c.Repair.Interval,
		Attempts: c.Repair.Attempts,
	}
}

// TriggerDurations returns the auto-off window per event type.
func (c Config) TriggerDurations() map[trigger.EventType]time.Duration {
	return map[trigger.EventType]time.Duration{
		trigger.Motion: c.Triggers.MotionOff,
		trigger.Sound:  c.Triggers.SoundOff,
	}
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("SHINOBI_HOST"); v != "" {
		cfg.Shinobi.Host = v
	}
	if v := os.Getenv("SHINOBI_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: SHINOBI_PORT: %w", err)
		}
		cfg.Shinobi.Port = port
	}
	if v := os.Getenv("SHINOBI_SSL"); v != "" {
		cfg.Shinobi.SSL = parseBool(v)
	}
	if v := os.Getenv("SHINOBI_VERIFY_SSL"); v != "" {
		cfg.Shinobi.VerifySSL = parseBool(v)
	}
	if v := os.Getenv("SHINOBI_PATH"); v != "" {
		cfg.Shinobi.Path = v
	}
	if v := os.Getenv("SHINOBI_USERNAME"); v != "" {
		cfg.Shinobi.Username = v
	}
	if v := os.Getenv("SHINOBI_PASSWORD"); v != "" {
		cfg.Shinobi.Password = v
	}
	if v := os.Getenv("SHINOBI_USE_ORIGINAL_STREAM"); v != "" {
		cfg.Shinobi.UseOriginalStream = parseBool(v)
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SHINOBI_MOTION_OFF", &cfg.Triggers.MotionOff},
		{"SHINOBI_SOUND_OFF", &cfg.Triggers.SoundOff},
		{"SHINOBI_UPDATE_INTERVAL", &cfg.Polling.UpdateInterval},
		{"SHINOBI_VIDEO_REFRESH", &cfg.Polling.VideoRefresh},
		{"SHINOBI_RETRY_BACKOFF", &cfg.Polling.RetryBackoff},
		{"SHINOBI_REQUEST_TIMEOUT", &cfg.Polling.RequestTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("SHINOBI_REPAIR_ENABLED"); v != "" {
		cfg.Repair.Enabled = parseBool(v)
	}
	if v := os.Getenv("SHINOBI_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SHINOBI_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("SHINOBI_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("SHINOBI_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SHINOBI_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SHINOBI_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SHINOBI_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("SHINOBI_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("SHINOBI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SHINOBI_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
