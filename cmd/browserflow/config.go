package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Config holds all browserflow process configuration.
// Priority: flags > BROWSERFLOW_* env vars > .env > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`

	Driver      string `json:"driver"`
	ChromePath  string `json:"chrome_path,omitempty"`
	ChromeURL   string `json:"chrome_url,omitempty"`
	Headless    bool   `json:"headless"`
	ProfilesDir string `json:"profiles_dir"`
	ScratchDir  string `json:"scratch_dir,omitempty"`
	ArtifactDir string `json:"artifact_dir"`

	Concurrency       int      `json:"concurrency"`
	PollInterval      Duration `json:"poll_interval"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	TaskTimeout       Duration `json:"task_timeout"`
	ActionTimeout     Duration `json:"action_timeout"`
	EscalationTimeout Duration `json:"escalation_timeout"`

	Queue         string   `json:"queue"`
	RedisAddr     string   `json:"redis_addr"`
	RedisPassword string   `json:"redis_password,omitempty"`
	RedisDB       int      `json:"redis_db"`
	RedisPrefix   string   `json:"redis_prefix"`
	Lease         Duration `json:"lease"`

	VisionEndpoint   string   `json:"vision_endpoint,omitempty"`
	VisionAPIKey     string   `json:"vision_api_key,omitempty"`
	DOMEndpoint      string   `json:"dom_endpoint,omitempty"`
	BreakerThreshold int      `json:"breaker_threshold"`
	BreakerCooldown  Duration `json:"breaker_cooldown"`

	AuthSecret     string   `json:"auth_secret,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// Duration reads "90s"-style strings from settings.json.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() Config {
	dir := browserflowDir()
	return Config{
		ListenAddr:        ":4100",
		DBPath:            "file:" + filepath.Join(dir, "browserflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		Driver:            "cdp",
		Headless:          true,
		ProfilesDir:       filepath.Join(dir, "profiles"),
		ArtifactDir:       filepath.Join(dir, "artifacts"),
		Concurrency:       2,
		PollInterval:      Duration(time.Second),
		HeartbeatInterval: Duration(15 * time.Second),
		TaskTimeout:       Duration(10 * time.Minute),
		ActionTimeout:     Duration(30 * time.Second),
		EscalationTimeout: Duration(2 * time.Minute),
		Queue:             "local",
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "browserflow:",
		Lease:             Duration(time.Minute),
		BreakerThreshold:  5,
		BreakerCooldown:   Duration(30 * time.Second),
	}
}

func browserflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".browserflow"
	}
	return filepath.Join(home, ".browserflow")
}

func settingsPath() string {
	return filepath.Join(browserflowDir(), "settings.json")
}

// loadDotEnv loads .env from the working directory into the process
// environment. Variables already set win, so .env sits below the real env.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig layers settings.json and the command line over the defaults.
// Environment variables reach the config through the flags' EnvVars.
func loadConfig(c *cli.Context) (Config, error) {
	cfg := defaultConfig()

	path := c.String("config")
	if path == "" {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist) || c.IsSet("config"):
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	applyFlags(c, &cfg)
	return cfg, cfg.validate()
}

func applyFlags(c *cli.Context, cfg *Config) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	num := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	dur := func(name string, dst *Duration) {
		if c.IsSet(name) {
			*dst = Duration(c.Duration(name))
		}
	}

	str("listen-addr", &cfg.ListenAddr)
	str("db", &cfg.DBPath)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("driver", &cfg.Driver)
	str("chrome-path", &cfg.ChromePath)
	str("chrome-url", &cfg.ChromeURL)
	if c.IsSet("headless") {
		cfg.Headless = c.Bool("headless")
	}
	str("profiles-dir", &cfg.ProfilesDir)
	str("scratch-dir", &cfg.ScratchDir)
	str("artifact-dir", &cfg.ArtifactDir)

	num("concurrency", &cfg.Concurrency)
	dur("poll-interval", &cfg.PollInterval)
	dur("heartbeat-interval", &cfg.HeartbeatInterval)
	dur("task-timeout", &cfg.TaskTimeout)
	dur("action-timeout", &cfg.ActionTimeout)
	dur("escalation-timeout", &cfg.EscalationTimeout)

	str("queue", &cfg.Queue)
	str("redis-addr", &cfg.RedisAddr)
	str("redis-password", &cfg.RedisPassword)
	num("redis-db", &cfg.RedisDB)
	str("redis-prefix", &cfg.RedisPrefix)
	dur("lease", &cfg.Lease)

	str("vision-endpoint", &cfg.VisionEndpoint)
	str("vision-api-key", &cfg.VisionAPIKey)
	str("dom-endpoint", &cfg.DOMEndpoint)
	num("breaker-threshold", &cfg.BreakerThreshold)
	dur("breaker-cooldown", &cfg.BreakerCooldown)

	str("auth-secret", &cfg.AuthSecret)
	if c.IsSet("allowed-origin") {
		cfg.AllowedOrigins = c.StringSlice("allowed-origin")
	}
}

func (c Config) validate() error {
	var errs []error
	switch c.Driver {
	case "cdp", "static":
	default:
		errs = append(errs, fmt.Errorf("driver %q must be cdp or static", c.Driver))
	}
	switch c.Queue {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("queue %q must be local or redis", c.Queue))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.DOMEndpoint != "" && c.VisionEndpoint == "" {
		errs = append(errs, errors.New("dom_endpoint needs vision_endpoint for the progressive fallback"))
	}
	return errors.Join(errs...)
}

// globalFlags bind every Config field to a flag and a BROWSERFLOW_* variable.
func globalFlags() []cli.Flag {
	env := func(name string) []string { return []string{"BROWSERFLOW_" + name} }
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "settings file (default: ~/.browserflow/settings.json)", EnvVars: env("CONFIG")},
		&cli.StringFlag{Name: "listen-addr", Usage: "HTTP API listen address", EnvVars: env("LISTEN_ADDR")},
		&cli.StringFlag{Name: "db", Usage: "libSQL database URI", EnvVars: env("DB")},
		&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error", EnvVars: env("LOG_LEVEL")},
		&cli.StringFlag{Name: "log-format", Usage: "log format: text or json", EnvVars: env("LOG_FORMAT")},

		&cli.StringFlag{Name: "driver", Aliases: []string{"d"}, Usage: "browser driver: cdp or static", EnvVars: env("DRIVER")},
		&cli.StringFlag{Name: "chrome-path", Usage: "Chrome executable", EnvVars: env("CHROME_PATH")},
		&cli.StringFlag{Name: "chrome-url", Usage: "DevTools websocket URL of a running Chrome", EnvVars: env("CHROME_URL")},
		&cli.BoolFlag{Name: "headless", Usage: "run Chrome headless", EnvVars: env("HEADLESS")},
		&cli.StringFlag{Name: "profiles-dir", Usage: "directory of browser profiles", EnvVars: env("PROFILES_DIR")},
		&cli.StringFlag{Name: "scratch-dir", Usage: "directory for cloned profiles", EnvVars: env("SCRATCH_DIR")},
		&cli.StringFlag{Name: "artifact-dir", Usage: "base directory for screenshots", EnvVars: env("ARTIFACT_DIR")},

		&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Usage: "tasks run at once", EnvVars: env("CONCURRENCY")},
		&cli.DurationFlag{Name: "poll-interval", Usage: "minimum spacing between polls", EnvVars: env("POLL_INTERVAL")},
		&cli.DurationFlag{Name: "heartbeat-interval", Usage: "task heartbeat interval", EnvVars: env("HEARTBEAT_INTERVAL")},
		&cli.DurationFlag{Name: "task-timeout", Usage: "default bound on one run", EnvVars: env("TASK_TIMEOUT")},
		&cli.DurationFlag{Name: "action-timeout", Usage: "default bound on one browser action", EnvVars: env("ACTION_TIMEOUT")},
		&cli.DurationFlag{Name: "escalation-timeout", Usage: "default bound on one escalation", EnvVars: env("ESCALATION_TIMEOUT")},

		&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Usage: "task queue: local or redis", EnvVars: env("QUEUE")},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address", EnvVars: env("REDIS_ADDR")},
		&cli.StringFlag{Name: "redis-password", Usage: "Redis password", EnvVars: env("REDIS_PASSWORD")},
		&cli.IntFlag{Name: "redis-db", Usage: "Redis database", EnvVars: env("REDIS_DB")},
		&cli.StringFlag{Name: "redis-prefix", Usage: "Redis key prefix", EnvVars: env("REDIS_PREFIX")},
		&cli.DurationFlag{Name: "lease", Usage: "task lease before it is requeued", EnvVars: env("LEASE")},

		&cli.StringFlag{Name: "vision-endpoint", Usage: "vision escalation service URL", EnvVars: env("VISION_ENDPOINT")},
		&cli.StringFlag{Name: "vision-api-key", Usage: "vision service API key", EnvVars: env("VISION_API_KEY")},
		&cli.StringFlag{Name: "dom-endpoint", Usage: "DOM-only escalation service URL for progressive mode", EnvVars: env("DOM_ENDPOINT")},
		&cli.IntFlag{Name: "breaker-threshold", Usage: "consecutive escalation failures that open the circuit (0 disables)", EnvVars: env("BREAKER_THRESHOLD")},
		&cli.DurationFlag{Name: "breaker-cooldown", Usage: "how long an open circuit fails fast", EnvVars: env("BREAKER_COOLDOWN")},

		&cli.StringFlag{Name: "auth-secret", Usage: "HS256 secret for mutating HTTP routes", EnvVars: env("AUTH_SECRET")},
		&cli.StringSliceFlag{Name: "allowed-origin", Usage: "CORS and websocket origin (repeatable)", EnvVars: env("ALLOWED_ORIGINS")},
	}
}
