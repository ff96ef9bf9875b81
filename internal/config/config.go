// Package config handles loading and validating the store core configuration
// from a YAML file with STORE_* environment overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/store-backend/pkg/backend"
)

// EnvPrefix prefixes every environment override (STORE_REDIS_ADDR, ...).
const EnvPrefix = "STORE"

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	Version     string `mapstructure:"version" yaml:"version"`
	InstanceID  string `mapstructure:"instance_id" yaml:"instance_id"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// QueueConfig holds the task queue settings.
type QueueConfig struct {
	// Name is the Redis list tasks are pushed to.
	Name string `mapstructure:"name" yaml:"name"`
	// ReplyTimeout bounds SubmitAndWait. Rounded up to whole seconds.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	// ReplyTTL expires replies nobody collected.
	ReplyTTL time.Duration `mapstructure:"reply_ttl" yaml:"reply_ttl"`
	// PollTimeout is how long a worker blocks per pop before re-checking
	// for shutdown.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`

	NotifyTo      []string `mapstructure:"notify_to" yaml:"notify_to"`
	NotifySubject string   `mapstructure:"notify_subject" yaml:"notify_subject"`
}

// MongoConfig points at the catalogue document store. Empty URI disables
// its readiness probe.
type MongoConfig struct {
	URI            string        `mapstructure:"uri" yaml:"uri"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// Config is the root configuration structure.
type Config struct {
	Service  ServiceConfig     `mapstructure:"service" yaml:"service"`
	Logging  LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Server   ServerConfig      `mapstructure:"server" yaml:"server"`
	Backends []backend.Backend `mapstructure:"backends" yaml:"backends" validate:"required,min=1,dive"`
	Redis    RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Queue    QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Mongo    MongoConfig       `mapstructure:"mongo" yaml:"mongo"`
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return FromViper(v)
}

// FromViper decodes an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	cfg.applyDefaults(backendKeys(v))

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}
	return &cfg, nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate checks struct tags and cross-field rules.
func (c *Config) validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if seen[b.Name] {
			return errors.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// defaults only apply to keys missing from both the file and the
// environment, so an explicit zero (redis.db: 0) is kept.
var defaults = map[string]any{
	"service.name":        "storecore",
	"service.environment": "local",
	"logging.level":       "info",

	"server.listen_addr":      "0.0.0.0",
	"server.port":             8080,
	"server.read_timeout":     10 * time.Second,
	"server.write_timeout":    10 * time.Second,
	"server.shutdown_timeout": 15 * time.Second,

	"redis.addr":          "redis:6379",
	"redis.db":            14,
	"redis.pool_size":     20,
	"redis.dial_timeout":  5 * time.Second,
	"redis.read_timeout":  3 * time.Second,
	"redis.write_timeout": 3 * time.Second,

	"queue.name":           "notification_queue",
	"queue.reply_timeout":  300 * time.Second,
	"queue.poll_timeout":   5 * time.Second,
	"queue.notify_subject": "Error on Server!",

	"mongo.connect_timeout": 10 * time.Second,
}

func setDefaults(v *viper.Viper) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// backendKeys reports, per backends entry, which keys the file spelled out.
func backendKeys(v *viper.Viper) []map[string]bool {
	raw, _ := v.Get("backends").([]any)
	out := make([]map[string]bool, len(raw))
	for i, item := range raw {
		out[i] = map[string]bool{}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for k := range m {
			out[i][strings.ToLower(k)] = true
		}
	}
	return out
}

// applyDefaults fills in values derived from other settings and the
// per-backend defaults. set[i] holds the keys given for Backends[i]; keys
// for which zero is meaningful are only defaulted when absent.
func (c *Config) applyDefaults(set []map[string]bool) {
	if c.Service.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Service.InstanceID = hostname
	}
	if c.Queue.ReplyTTL == 0 {
		c.Queue.ReplyTTL = 2 * c.Queue.ReplyTimeout
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		var given map[string]bool
		if i < len(set) {
			given = set[i]
		}
		if b.Driver == "" {
			b.Driver = backend.DriverPgx
		}
		if b.Port == 0 {
			b.Port = b.DefaultPort()
		}
		if b.MaxConnections == 0 {
			b.MaxConnections = 2
		}
		if !given["min_connections"] {
			b.MinConnections = 1
		}
		if b.AcquireTimeout == 0 {
			b.AcquireTimeout = 30 * time.Second
		}
		if b.ConnectTimeout == 0 {
			b.ConnectTimeout = 10 * time.Second
		}
		if !given["max_idle_time"] {
			b.MaxIdleTime = 5 * time.Minute
		}
		if b.HealthCheckInterval == 0 {
			b.HealthCheckInterval = 30 * time.Second
		}
		if !given["reconnect_tries"] {
			b.ReconnectTries = 3
		}
		if b.ReconnectIdle == 0 {
			b.ReconnectIdle = time.Second
		}
		if b.PingQuery == "" {
			b.PingQuery = "SELECT 1"
		}
	}
}

// BackendByName returns the backend configuration for a given name.
func (c *Config) BackendByName(name string) (*backend.Backend, bool) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], true
		}
	}
	return nil, false
}

// Redacted returns a copy with every secret masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Backends = make([]backend.Backend, len(c.Backends))
	for i, b := range c.Backends {
		out.Backends[i] = b.Redacted()
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "******"
	}
	if out.Mongo.URI != "" {
		out.Mongo.URI = redactURI(out.Mongo.URI)
	}
	return out
}

// Dump renders the effective configuration, secrets masked, as YAML.
func (c *Config) Dump() ([]byte, error) {
	red := c.Redacted()
	return yaml.Marshal(&red)
}

func redactURI(uri string) string {
	scheme := strings.Index(uri, "://")
	at := strings.LastIndex(uri, "@")
	if scheme < 0 || at < scheme {
		return uri
	}
	creds := uri[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return uri[:scheme+3] + creds[:i] + ":******" + uri[at:]
	}
	return uri
}
