package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"roomsync/cmd/internal/realtime"
)

// Config contains all runtime configuration.
//
// Precedence: defaults, then the optional YAML file named by ROOMSYNC_CONFIG, then ROOMSYNC_* env vars.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// SnapshotDir enables the embedded pebble snapshot store. It wins over Postgres for snapshots.
	SnapshotDir string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSAllowedOrigins   []string
	WSOriginRequired   bool
	WSDevInsecure      bool
	WSSendQueue        int
	WSReadIdle         time.Duration
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration

	JanitorEnabled bool
	JanitorCron    string
	JanitorRetain  time.Duration

	MetricsEnabled bool
}

// fileConfig is the YAML layout. Zero values leave the default untouched.
type fileConfig struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		MaxHeaderBytes int           `yaml:"max_header_bytes"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Database struct {
		URL      string `yaml:"url"`
		Schema   string `yaml:"schema"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"database"`

	Storage struct {
		SnapshotDir string `yaml:"snapshot_dir"`
	} `yaml:"storage"`

	CORS struct {
		AllowedOrigins   []string `yaml:"allowed_origins"`
		AllowCredentials bool     `yaml:"allow_credentials"`
		MaxAgeSeconds    int      `yaml:"max_age_seconds"`
	} `yaml:"cors"`

	WS struct {
		AllowedOrigins []string      `yaml:"allowed_origins"`
		DevInsecure    bool          `yaml:"dev_insecure"`
		SendQueue      int           `yaml:"send_queue"`
		HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
		RateEvents     int           `yaml:"rate_events"`
		RateWindow     time.Duration `yaml:"rate_window"`
	} `yaml:"ws"`

	Janitor struct {
		Cron   string        `yaml:"cron"`
		Retain time.Duration `yaml:"retain"`
	} `yaml:"janitor"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	gw := realtime.DefaultGatewayConfig()
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBSchema:   realtime.DefaultSchema,
		DBMaxConns: 10,

		CORSMaxAgeSeconds: 600,

		WSAllowedOrigins:   gw.AllowedOrigins,
		WSOriginRequired:   gw.OriginRequired,
		WSSendQueue:        gw.SendQueueSize,
		WSReadIdle:         gw.ReadIdleTimeout,
		WSHeartbeatEvery:   gw.HeartbeatEvery,
		WSHeartbeatTimeout: gw.HeartbeatTimeout,
		WSRateEvents:       gw.RateEvents,
		WSRateWindow:       gw.RateWindow,

		JanitorEnabled: true,
		JanitorCron:    realtime.DefaultJanitorCron,
		JanitorRetain:  7 * 24 * time.Hour,

		MetricsEnabled: true,
	}
}

// LoadConfig builds the effective Config from defaults, the optional file, and env vars.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("ROOMSYNC_CONFIG", ""); path != "" {
		if err := applyConfigFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.Server.Addr)
	setDuration(&cfg.ReadTimeout, fc.Server.ReadTimeout)
	setDuration(&cfg.WriteTimeout, fc.Server.WriteTimeout)
	setDuration(&cfg.IdleTimeout, fc.Server.IdleTimeout)
	if fc.Server.MaxHeaderBytes > 0 {
		cfg.MaxHeaderBytes = fc.Server.MaxHeaderBytes
	}

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.DatabaseURL, fc.Database.URL)
	setString(&cfg.DBSchema, fc.Database.Schema)
	if fc.Database.MaxConns > 0 {
		cfg.DBMaxConns = fc.Database.MaxConns
	}
	if fc.Database.MinConns > 0 {
		cfg.DBMinConns = fc.Database.MinConns
	}

	setString(&cfg.SnapshotDir, fc.Storage.SnapshotDir)

	if len(fc.CORS.AllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	}
	cfg.CORSAllowCredentials = cfg.CORSAllowCredentials || fc.CORS.AllowCredentials
	if fc.CORS.MaxAgeSeconds > 0 {
		cfg.CORSMaxAgeSeconds = fc.CORS.MaxAgeSeconds
	}

	if len(fc.WS.AllowedOrigins) > 0 {
		cfg.WSAllowedOrigins = fc.WS.AllowedOrigins
	}
	cfg.WSDevInsecure = cfg.WSDevInsecure || fc.WS.DevInsecure
	if fc.WS.SendQueue > 0 {
		cfg.WSSendQueue = fc.WS.SendQueue
	}
	setDuration(&cfg.WSHeartbeatEvery, fc.WS.HeartbeatEvery)
	if fc.WS.RateEvents > 0 {
		cfg.WSRateEvents = fc.WS.RateEvents
	}
	setDuration(&cfg.WSRateWindow, fc.WS.RateWindow)

	setString(&cfg.JanitorCron, fc.Janitor.Cron)
	setDuration(&cfg.JanitorRetain, fc.Janitor.Retain)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("ROOMSYNC_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("ROOMSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("ROOMSYNC_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("ROOMSYNC_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("ROOMSYNC_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("ROOMSYNC_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("ROOMSYNC_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("ROOMSYNC_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("ROOMSYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("ROOMSYNC_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("ROOMSYNC_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("ROOMSYNC_DB_MIN_CONNS", cfg.DBMinConns)

	cfg.SnapshotDir = EnvString("ROOMSYNC_SNAPSHOT_DIR", cfg.SnapshotDir)
	cfg.ReadinessRequireDB = EnvBool("ROOMSYNC_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.CORSAllowedOrigins = EnvCSV("ROOMSYNC_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("ROOMSYNC_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("ROOMSYNC_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.WSAllowedOrigins = EnvCSV("ROOMSYNC_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSOriginRequired = EnvBool("ROOMSYNC_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSDevInsecure = EnvBool("ROOMSYNC_WS_DEV_INSECURE", cfg.WSDevInsecure)
	cfg.WSSendQueue = EnvInt("ROOMSYNC_WS_SEND_QUEUE", cfg.WSSendQueue)
	cfg.WSReadIdle = EnvDuration("ROOMSYNC_WS_READ_IDLE", cfg.WSReadIdle)
	cfg.WSHeartbeatEvery = EnvDuration("ROOMSYNC_WS_HEARTBEAT_EVERY", cfg.WSHeartbeatEvery)
	cfg.WSHeartbeatTimeout = EnvDuration("ROOMSYNC_WS_HEARTBEAT_TIMEOUT", cfg.WSHeartbeatTimeout)
	cfg.WSRateEvents = EnvInt("ROOMSYNC_WS_RATE_EVENTS", cfg.WSRateEvents)
	cfg.WSRateWindow = EnvDuration("ROOMSYNC_WS_RATE_WINDOW", cfg.WSRateWindow)

	cfg.JanitorEnabled = EnvBool("ROOMSYNC_JANITOR_ENABLED", cfg.JanitorEnabled)
	cfg.JanitorCron = EnvString("ROOMSYNC_JANITOR_CRON", cfg.JanitorCron)
	cfg.JanitorRetain = EnvDuration("ROOMSYNC_JANITOR_RETAIN", cfg.JanitorRetain)

	cfg.MetricsEnabled = EnvBool("ROOMSYNC_METRICS_ENABLED", cfg.MetricsEnabled)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log format must be json or pretty, got %q", c.LogFormat))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("db min conns (%d) exceeds max conns (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if c.WSOriginRequired && !c.WSDevInsecure && len(c.WSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("ws origin is required but no allowed origins are configured"))
	}
	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				errs = append(errs, errors.New("cors: credentials cannot be combined with origin \"*\""))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Gateway maps the WS fields onto realtime.GatewayConfig.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:      c.WSDevInsecure,
		OriginRequired:   c.WSOriginRequired,
		AllowedOrigins:   c.WSAllowedOrigins,
		WriteTimeout:     c.WriteTimeout,
		ReadIdleTimeout:  c.WSReadIdle,
		SendQueueSize:    c.WSSendQueue,
		HeartbeatEvery:   c.WSHeartbeatEvery,
		HeartbeatTimeout: c.WSHeartbeatTimeout,
		RateEvents:       c.WSRateEvents,
		RateWindow:       c.WSRateWindow,
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
