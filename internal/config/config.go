// Package config loads millsync configuration from a YAML or TOML file, an
// optional .env file and MILLSYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MILLSYNC_"

// Duration is a time.Duration written as "15m" or "1h30m" in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// JSONSchema implements jsonschema.JSONSchemer.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration such as 30s, 15m or 1h30m",
	}
}

// Retry configures pull retries.
type Retry struct {
	MaxAttempts    int      `yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"minimum=1,description=Attempts per pull including the first"`
	InitialBackoff Duration `yaml:"initial_backoff,omitempty" toml:"initial_backoff,omitempty" json:"initial_backoff,omitempty" jsonschema:"description=Delay before the first retry"`
	MaxBackoff     Duration `yaml:"max_backoff,omitempty" toml:"max_backoff,omitempty" json:"max_backoff,omitempty" jsonschema:"description=Upper bound for the delay"`
	Multiplier     float64  `yaml:"multiplier,omitempty" toml:"multiplier,omitempty" json:"multiplier,omitempty" jsonschema:"description=Backoff growth per retry"`
	Jitter         float64  `yaml:"jitter,omitempty" toml:"jitter,omitempty" json:"jitter,omitempty" jsonschema:"minimum=0,maximum=1,description=Random spread applied to each delay"`
}

// Sync configures the coordinator and the scheduler.
type Sync struct {
	Interval      Duration `yaml:"interval,omitempty" toml:"interval,omitempty" json:"interval,omitempty" jsonschema:"description=Periodic sync interval while online"`
	RetryInterval Duration `yaml:"retry_interval,omitempty" toml:"retry_interval,omitempty" json:"retry_interval,omitempty" jsonschema:"description=How often pending work or a retryable failure is retried"`
	MaxRetries    int      `yaml:"max_retries,omitempty" toml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"minimum=1,description=Failures before an outbox entry is reported as failed"`
	BatchLimit    int      `yaml:"batch_limit,omitempty" toml:"batch_limit,omitempty" json:"batch_limit,omitempty" jsonschema:"minimum=0,description=Outbox entries pushed per cycle (0 = all)"`
	Tables        []string `yaml:"tables,omitempty" toml:"tables,omitempty" json:"tables,omitempty" jsonschema:"description=Tables always pulled"`
	PullTimeout   Duration `yaml:"pull_timeout,omitempty" toml:"pull_timeout,omitempty" json:"pull_timeout,omitempty" jsonschema:"description=Upper bound for one sync cycle"`
	Retry         Retry    `yaml:"retry,omitempty" toml:"retry,omitempty" json:"retry,omitempty" jsonschema:"description=Pull retry policy"`
}

// Conflicts configures detection and resolution.
type Conflicts struct {
	Default      models.Strategy            `yaml:"default,omitempty" toml:"default,omitempty" json:"default,omitempty" jsonschema:"enum=keep_local,enum=keep_server,enum=merge,enum=duplicate,enum=manual,description=Strategy used when no table override applies"`
	Tables       map[string]models.Strategy `yaml:"tables,omitempty" toml:"tables,omitempty" json:"tables,omitempty" jsonschema:"description=Per-table strategy overrides"`
	Fields       map[string]models.Strategy `yaml:"fields,omitempty" toml:"fields,omitempty" json:"fields,omitempty" jsonschema:"description=Per-field merge rules keyed by table.field"`
	AlwaysLocal  []string                   `yaml:"always_local,omitempty" toml:"always_local,omitempty" json:"always_local,omitempty" jsonschema:"description=Fields where the local value always wins a merge"`
	AlwaysServer []string                   `yaml:"always_server,omitempty" toml:"always_server,omitempty" json:"always_server,omitempty" jsonschema:"description=Fields where the server value always wins a merge"`
	AutoResolve  *bool                      `yaml:"auto_resolve,omitempty" toml:"auto_resolve,omitempty" json:"auto_resolve,omitempty" jsonschema:"description=Resolve conflicts during sync (default true)"`
	Excluded     map[string][]string        `yaml:"excluded,omitempty" toml:"excluded,omitempty" json:"excluded,omitempty" jsonschema:"description=Per-table fields never compared"`
}

// Remote selects the object store.
type Remote struct {
	Provider  string `yaml:"provider,omitempty" toml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=aws,enum=minio,enum=r2,enum=file,description=Object store provider (empty uses the stored credential)"`
	Bucket    string `yaml:"bucket,omitempty" toml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" toml:"prefix,omitempty" json:"prefix,omitempty" jsonschema:"description=Key prefix shared by the devices of one user"`
	Region    string `yaml:"region,omitempty" toml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccountID string `yaml:"account_id,omitempty" toml:"account_id,omitempty" json:"account_id,omitempty" jsonschema:"description=Cloudflare account id for r2"`
	UseSSL    bool   `yaml:"use_ssl,omitempty" toml:"use_ssl,omitempty" json:"use_ssl,omitempty"`
	Path      string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty" jsonschema:"description=Directory used by the file provider"`

	// Keys come from the environment only.
	AccessKey string `yaml:"-" toml:"-" json:"-"`
	SecretKey string `yaml:"-" toml:"-" json:"-"`
}

// HTTP configures the desktop API.
type HTTP struct {
	Addr         string   `yaml:"addr,omitempty" toml:"addr,omitempty" json:"addr,omitempty" jsonschema:"description=Listen address of the desktop API"`
	AllowOrigins []string `yaml:"allow_origins,omitempty" toml:"allow_origins,omitempty" json:"allow_origins,omitempty" jsonschema:"description=CORS origins"`
}

// Config is the application configuration.
type Config struct {
	DataDir   string    `yaml:"data_dir,omitempty" toml:"data_dir,omitempty" json:"data_dir,omitempty" jsonschema:"description=Directory holding the SQLite database"`
	LogLevel  string    `yaml:"log_level,omitempty" toml:"log_level,omitempty" json:"log_level,omitempty" jsonschema:"enum=DEBUG,enum=INFO,enum=WARN,enum=ERROR"`
	MachineID string    `yaml:"machine_id,omitempty" toml:"machine_id,omitempty" json:"machine_id,omitempty" jsonschema:"description=Key material for stored credentials (defaults to the host name)"`
	Sync      Sync      `yaml:"sync,omitempty" toml:"sync,omitempty" json:"sync,omitempty"`
	Conflicts Conflicts `yaml:"conflicts,omitempty" toml:"conflicts,omitempty" json:"conflicts,omitempty"`
	Remote    Remote    `yaml:"remote,omitempty" toml:"remote,omitempty" json:"remote,omitempty"`
	HTTP      HTTP      `yaml:"http,omitempty" toml:"http,omitempty" json:"http,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	sched := scheduler.DefaultSchedulerConfig()
	retry := syncpkg.DefaultRetryConfig()
	return Config{
		DataDir:  "./data",
		LogLevel: string(logging.LevelInfo),
		Sync: Sync{
			Interval:      Duration(sched.SyncInterval),
			RetryInterval: Duration(sched.RetryInterval),
			MaxRetries:    3,
			PullTimeout:   Duration(sched.CycleTimeout),
			Retry: Retry{
				MaxAttempts:    retry.MaxAttempts,
				InitialBackoff: Duration(retry.InitialBackoff),
				MaxBackoff:     Duration(retry.MaxBackoff),
				Multiplier:     retry.Multiplier,
				Jitter:         retry.Jitter,
			},
		},
		Conflicts: Conflicts{Default: models.StrategyKeepServer},
		HTTP: HTTP{
			Addr:         "127.0.0.1:8090",
			AllowOrigins: []string{"http://localhost:5173", "tauri://localhost"},
		},
	}
}

// Loader reads configuration through an afero.Fs.
type Loader struct {
	Fs afero.Fs
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewLoader creates a loader on the real filesystem.
func NewLoader() *Loader {
	return &Loader{Fs: afero.NewOsFs(), LookupEnv: os.LookupEnv}
}

// Load reads path (YAML or TOML by extension; empty skips the file), then
// envFile if it exists, then the process environment. Values from a later
// source win.
func (l *Loader) Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(l.Fs, path)
		if err != nil {
			return Config{}, apperrors.Wrap(apperrors.ErrConfig, "read config "+path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, apperrors.Wrap(apperrors.ErrConfig, "parse config "+path, err)
		}
	}

	fileEnv := map[string]string{}
	if envFile != "" {
		exists, err := afero.Exists(l.Fs, envFile)
		if err != nil {
			return Config{}, apperrors.Wrap(apperrors.ErrConfig, "stat "+envFile, err)
		}
		if exists {
			data, err := afero.ReadFile(l.Fs, envFile)
			if err != nil {
				return Config{}, apperrors.Wrap(apperrors.ErrConfig, "read "+envFile, err)
			}
			fileEnv, err = godotenv.Parse(bytes.NewReader(data))
			if err != nil {
				return Config{}, apperrors.Wrap(apperrors.ErrConfig, "parse "+envFile, err)
			}
		}
	}

	lookup := l.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			return v, true
		}
		v, ok := fileEnv[EnvPrefix+key]
		return v, ok
	}
	if err := cfg.applyEnv(get); err != nil {
		return Config{}, err
	}

	if cfg.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.MachineID = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is NewLoader().Load.
func Load(path, envFile string) (Config, error) {
	return NewLoader().Load(path, envFile)
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	}
	return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

func (c *Config) applyEnv(get func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *Duration) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key, err)
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := get(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key, err)
		}
		*dst = b
		return nil
	}

	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("MACHINE_ID", &c.MachineID)

	if err := duration("SYNC_INTERVAL", &c.Sync.Interval); err != nil {
		return err
	}
	if err := duration("SYNC_RETRY_INTERVAL", &c.Sync.RetryInterval); err != nil {
		return err
	}
	if err := duration("SYNC_PULL_TIMEOUT", &c.Sync.PullTimeout); err != nil {
		return err
	}
	if err := integer("SYNC_MAX_RETRIES", &c.Sync.MaxRetries); err != nil {
		return err
	}
	if err := integer("SYNC_BATCH_LIMIT", &c.Sync.BatchLimit); err != nil {
		return err
	}
	list("SYNC_TABLES", &c.Sync.Tables)

	if v, ok := get("CONFLICTS_DEFAULT"); ok {
		c.Conflicts.Default = models.Strategy(strings.TrimSpace(v))
	}
	if _, ok := get("CONFLICTS_AUTO_RESOLVE"); ok {
		var auto bool
		if err := boolean("CONFLICTS_AUTO_RESOLVE", &auto); err != nil {
			return err
		}
		c.Conflicts.AutoResolve = &auto
	}

	str("REMOTE_PROVIDER", &c.Remote.Provider)
	str("REMOTE_BUCKET", &c.Remote.Bucket)
	str("REMOTE_PREFIX", &c.Remote.Prefix)
	str("REMOTE_REGION", &c.Remote.Region)
	str("REMOTE_ENDPOINT", &c.Remote.Endpoint)
	str("REMOTE_ACCOUNT_ID", &c.Remote.AccountID)
	str("REMOTE_PATH", &c.Remote.Path)
	str("REMOTE_ACCESS_KEY", &c.Remote.AccessKey)
	str("REMOTE_SECRET_KEY", &c.Remote.SecretKey)
	if err := boolean("REMOTE_USE_SSL", &c.Remote.UseSSL); err != nil {
		return err
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	list("HTTP_ALLOW_ORIGINS", &c.HTTP.AllowOrigins)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first invalid setting. Strategy spellings such as
// "keep-local" are normalized in place.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "log_level", err)
	}
	if c.Sync.MaxRetries < 1 {
		return apperrors.New(apperrors.ErrConfig, "sync.max_retries must be at least 1")
	}
	if c.Sync.BatchLimit < 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.batch_limit must not be negative")
	}
	if c.Sync.Retry.Jitter < 0 || c.Sync.Retry.Jitter > 1 {
		return apperrors.New(apperrors.ErrConfig, "sync.retry.jitter must be between 0 and 1")
	}

	var err error
	if c.Conflicts.Default, err = normalizeStrategy("conflicts.default", c.Conflicts.Default); err != nil {
		return err
	}
	for table, s := range c.Conflicts.Tables {
		if c.Conflicts.Tables[table], err = normalizeStrategy("conflicts.tables."+table, s); err != nil {
			return err
		}
	}
	for key, s := range c.Conflicts.Fields {
		if _, _, ok := conflict.ParseFieldKey(key); !ok {
			return apperrors.New(apperrors.ErrConfig, fmt.Sprintf("conflicts.fields key %q must be table.field", key))
		}
		if c.Conflicts.Fields[key], err = normalizeStrategy("conflicts.fields."+key, s); err != nil {
			return err
		}
	}

	switch c.Remote.Provider {
	case "", "aws", "minio", "r2":
	case "file":
		if c.Remote.Path == "" {
			return apperrors.New(apperrors.ErrConfig, "remote.path is required for the file provider")
		}
	default:
		return apperrors.New(apperrors.ErrConfig, fmt.Sprintf("unknown remote provider %q", c.Remote.Provider))
	}
	return nil
}

func normalizeStrategy(field string, s models.Strategy) (models.Strategy, error) {
	if s == "" {
		return "", nil
	}
	parsed, err := models.ParseStrategy(string(s))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrConfig, field, err)
	}
	return parsed, nil
}

// ConflictConfig returns the resolution policy.
func (c Config) ConflictConfig() conflict.Config {
	cc := conflict.DefaultConfig()
	if c.Conflicts.Default != "" {
		cc.DefaultStrategy = c.Conflicts.Default
	}
	cc.TableStrategies = c.Conflicts.Tables
	cc.FieldStrategies = c.Conflicts.Fields
	cc.AlwaysLocalFields = c.Conflicts.AlwaysLocal
	cc.AlwaysServerFields = c.Conflicts.AlwaysServer
	cc.ExcludedFields = c.Conflicts.Excluded
	if c.Conflicts.AutoResolve != nil {
		cc.AutoResolve = *c.Conflicts.AutoResolve
	}
	return cc
}

// SyncOptions returns the coordinator options.
func (c Config) SyncOptions() syncpkg.Options {
	opts := syncpkg.DefaultOptions()
	opts.MaxRetries = c.Sync.MaxRetries
	opts.BatchSize = c.Sync.BatchLimit
	opts.Tables = c.Sync.Tables
	opts.CycleTimeout = c.Sync.PullTimeout.Std()
	opts.Retry = syncpkg.RetryConfig{
		MaxAttempts:    c.Sync.Retry.MaxAttempts,
		InitialBackoff: c.Sync.Retry.InitialBackoff.Std(),
		MaxBackoff:     c.Sync.Retry.MaxBackoff.Std(),
		Multiplier:     c.Sync.Retry.Multiplier,
		Jitter:         c.Sync.Retry.Jitter,
	}
	return opts
}

// SchedulerConfig returns the background scheduler settings.
func (c Config) SchedulerConfig() *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		SyncInterval:  c.Sync.Interval.Std(),
		RetryInterval: c.Sync.RetryInterval.Std(),
		CycleTimeout:  c.Sync.PullTimeout.Std(),
	}
}

// Level returns the parsed log level, INFO when unset.
func (c Config) Level() logging.LogLevel {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}
