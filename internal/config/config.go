package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/nok/internal/router"
)

type LegacyConfig struct {
	APIURL  string        `yaml:"api_url"`
	WSURL   string        `yaml:"ws_url"`
	UserID  string        `yaml:"user_id"`
	Timeout time.Duration `yaml:"timeout"`
	// Store is a SQLite path or a postgres:// DSN.
	Store string `yaml:"store"`
}

type TargetConfig struct {
	HomeserverURL     string        `yaml:"homeserver_url"`
	ServerName        string        `yaml:"server_name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	DeviceName        string        `yaml:"device_name"`
	Timeout           time.Duration `yaml:"timeout"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
	KnockRoom         string        `yaml:"knock_room"`
	RegistrationToken string        `yaml:"registration_token"`
}

type MigrationConfig struct {
	MappingPath string `yaml:"mapping_path"`
	// InitialPassword is set on every account created during provisioning.
	InitialPassword        string `yaml:"initial_password"`
	ClientConfigPath       string `yaml:"client_config_path"`
	TargetClientConfigPath string `yaml:"target_client_config_path"`
	RequireBackup          bool   `yaml:"require_backup"`
}

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Mode      string          `yaml:"mode"`
	Legacy    LegacyConfig    `yaml:"legacy"`
	Target    TargetConfig    `yaml:"target"`
	Migration MigrationConfig `yaml:"migration"`
	NatsURL   string          `yaml:"nats_url"`
	NatsToken string          `yaml:"nats_token"`
	Port      int             `yaml:"port"`
	APIToken  string          `yaml:"api_token"`

	ConfigDir string `yaml:"-"`
	// File is the YAML file that was read, empty when none existed.
	File string `yaml:"-"`
}

// Error lists every problem found while validating a Config.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	if len(e.Problems) == 1 {
		return "configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *Error) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Errorf builds a single-problem *Error.
func Errorf(format string, args ...any) *Error {
	e := &Error{}
	e.add(format, args...)
	return e
}

func defaults(dir string) Config {
	return Config{
		LogLevel: "info",
		Mode:     "hybrid",
		Legacy: LegacyConfig{
			APIURL:  "http://localhost:8001",
			WSURL:   "ws://localhost:8001/ws",
			Timeout: 10 * time.Second,
			Store:   "nok.db",
		},
		Target: TargetConfig{
			HomeserverURL: "http://localhost:6167",
			ServerName:    "nok.local",
			DeviceName:    "nok",
			Timeout:       10 * time.Second,
			SyncTimeout:   30 * time.Second,
		},
		Migration: MigrationConfig{
			MappingPath:            filepath.Join(dir, "id_mappings.json"),
			ClientConfigPath:       filepath.Join(dir, "config.json"),
			TargetClientConfigPath: filepath.Join(dir, "matrix_config.json"),
		},
		Port:      8760,
		ConfigDir: dir,
	}
}

// Dir is the per-user nok directory, overridable with NOK_CONFIG_DIR.
func Dir() string {
	if v := os.Getenv("NOK_CONFIG_DIR"); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".nok"
	}
	return filepath.Join(base, "nok")
}

// Load builds the configuration from defaults, then the optional YAML file
// ($NOK_CONFIG or <Dir>/config.yaml), then the environment.
func Load() (Config, error) {
	dir := Dir()
	cfg := defaults(dir)

	path, explicit := os.LookupEnv("NOK_CONFIG")
	if !explicit || path == "" {
		path = filepath.Join(dir, "config.yaml")
		explicit = false
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.File = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	if cfg.Target.KnockRoom == "" {
		cfg.Target.KnockRoom = "#knock:" + cfg.Target.ServerName
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envStr("NOK_LOG_LEVEL", cfg.LogLevel)
	if envBool("NOK_DEBUG", false) {
		cfg.LogLevel = "debug"
	}
	cfg.Mode = envStr("NOK_COMMUNICATION_MODE", cfg.Mode)

	cfg.Legacy.APIURL = envStr("NOK_LEGACY_API_URL", cfg.Legacy.APIURL)
	cfg.Legacy.WSURL = envStr("NOK_LEGACY_WS_URL", cfg.Legacy.WSURL)
	cfg.Legacy.UserID = envStr("NOK_LEGACY_USER_ID", cfg.Legacy.UserID)
	cfg.Legacy.Timeout = envDuration("NOK_LEGACY_TIMEOUT", cfg.Legacy.Timeout)
	cfg.Legacy.Store = envStr("NOK_LEGACY_STORE", envStr("DATABASE_URL", cfg.Legacy.Store))

	cfg.Target.HomeserverURL = envStr("NOK_MATRIX_HOMESERVER", cfg.Target.HomeserverURL)
	cfg.Target.ServerName = envStr("NOK_MATRIX_SERVER", cfg.Target.ServerName)
	cfg.Target.Username = envStr("NOK_USERNAME", cfg.Target.Username)
	cfg.Target.Password = envStr("NOK_PASSWORD", cfg.Target.Password)
	cfg.Target.DeviceName = envStr("NOK_DEVICE_NAME", cfg.Target.DeviceName)
	cfg.Target.Timeout = envDuration("NOK_MATRIX_TIMEOUT", cfg.Target.Timeout)
	cfg.Target.SyncTimeout = envDuration("NOK_SYNC_TIMEOUT", cfg.Target.SyncTimeout)
	cfg.Target.KnockRoom = envStr("NOK_KNOCK_ROOM", cfg.Target.KnockRoom)
	cfg.Target.RegistrationToken = envStr("NOK_REGISTRATION_TOKEN", cfg.Target.RegistrationToken)

	cfg.Migration.MappingPath = envStr("NOK_MAPPING_PATH", cfg.Migration.MappingPath)
	cfg.Migration.InitialPassword = envStr("NOK_INITIAL_PASSWORD", cfg.Migration.InitialPassword)
	cfg.Migration.RequireBackup = envBool("NOK_REQUIRE_BACKUP", cfg.Migration.RequireBackup)

	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.Port = envInt("NOK_PORT", cfg.Port)
	cfg.APIToken = envStr("NOK_API_TOKEN", cfg.APIToken)
}

// AutoMode reports whether the mode should be picked from backend
// availability after connecting.
func (c Config) AutoMode() bool {
	return strings.EqualFold(strings.TrimSpace(c.Mode), "auto")
}

// RouterMode parses Mode. Auto mode starts as hybrid.
func (c Config) RouterMode() (router.Mode, error) {
	if c.AutoMode() {
		return router.ModeHybrid, nil
	}
	return router.ParseMode(c.Mode)
}

// Validate reports every problem at once, or nil.
func (c Config) Validate() error {
	e := &Error{}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		e.add("unknown log level %q", c.LogLevel)
	}
	if _, err := c.RouterMode(); err != nil {
		e.add("%v", err)
	}
	checkURL(e, "legacy api url", c.Legacy.APIURL, "http", "https")
	checkURL(e, "legacy websocket url", c.Legacy.WSURL, "ws", "wss")
	checkURL(e, "homeserver url", c.Target.HomeserverURL, "http", "https")
	if c.Target.ServerName == "" {
		e.add("server name is empty")
	}
	if c.Legacy.Store == "" {
		e.add("legacy store is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		e.add("port %d out of range", c.Port)
	}
	if len(e.Problems) > 0 {
		return e
	}
	return nil
}

func checkURL(e *Error, name, raw string, schemes ...string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		e.add("%s %q is not an absolute url", name, raw)
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	e.add("%s %q: scheme must be one of %s", name, raw, strings.Join(schemes, ", "))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("15s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
