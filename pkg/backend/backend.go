// Package backend defines the relational backing-store model shared by the
// pool, the executor and the configuration layer.
// A backend is one named database that owns its own connection pool.
package backend

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported database/sql driver names.
const (
	DriverPgx       = "pgx"
	DriverPostgres  = "postgres"
	DriverSQLServer = "sqlserver"
	DriverMySQL     = "mysql"
	DriverSQLite    = "sqlite3"
)

// Backend describes a single backing store and the limits of its pool.
type Backend struct {
	Name     string `mapstructure:"name" yaml:"name" validate:"required"`
	Driver   string `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=pgx postgres sqlserver mysql sqlite3"`
	Host     string `mapstructure:"host" yaml:"host" validate:"required_unless=Driver sqlite3"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// Params are appended to the DSN verbatim (sslmode, encrypt, ...).
	Params map[string]string `mapstructure:"params" yaml:"params,omitempty"`

	MinConnections      int           `mapstructure:"min_connections" yaml:"min_connections" validate:"gte=0,ltefield=MaxConnections"`
	MaxConnections      int           `mapstructure:"max_connections" yaml:"max_connections" validate:"gt=0"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MaxIdleTime         time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	ReconnectTries      int           `mapstructure:"reconnect_tries" yaml:"reconnect_tries" validate:"gte=0"`
	ReconnectIdle       time.Duration `mapstructure:"reconnect_idle" yaml:"reconnect_idle"`

	// ResetQuery runs on every connection returned to the pool, after any
	// open transaction has been rolled back. Empty disables it.
	ResetQuery string `mapstructure:"reset_query" yaml:"reset_query,omitempty"`
	// PingQuery is used by the readiness probe.
	PingQuery string `mapstructure:"ping_query" yaml:"ping_query,omitempty"`
}

// DriverName returns the database/sql driver registered for this backend.
func (b *Backend) DriverName() string {
	if b.Driver == "" {
		return DriverPgx
	}
	return b.Driver
}

// DefaultPort returns the conventional port of the backend's driver.
func (b *Backend) DefaultPort() int {
	switch b.DriverName() {
	case DriverSQLServer:
		return 1433
	case DriverMySQL:
		return 3306
	case DriverSQLite:
		return 0
	default:
		return 5432
	}
}

// Addr returns the host:port address of the backing store.
func (b *Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// DSN returns the connection string understood by DriverName.
func (b *Backend) DSN() string {
	switch b.DriverName() {
	case DriverSQLite:
		return b.Database
	case DriverMySQL:
		return b.mysqlDSN()
	case DriverSQLServer:
		q := url.Values{}
		q.Set("database", b.Database)
		if b.ConnectTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(b.ConnectTimeout.Seconds())))
		}
		for k, v := range b.Params {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(b.Username, b.Password),
			Host:     b.Addr(),
			RawQuery: q.Encode(),
		}
		return u.String()
	default:
		q := url.Values{}
		if b.ConnectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(b.ConnectTimeout.Seconds())))
		}
		for k, v := range b.Params {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(b.Username, b.Password),
			Host:     b.Addr(),
			Path:     "/" + b.Database,
			RawQuery: q.Encode(),
		}
		return u.String()
	}
}

func (b *Backend) mysqlDSN() string {
	c := mysql.NewConfig()
	c.User = b.Username
	c.Passwd = b.Password
	c.Net = "tcp"
	c.Addr = b.Addr()
	c.DBName = b.Database
	c.ParseTime = true
	c.Timeout = b.ConnectTimeout
	if len(b.Params) > 0 {
		c.Params = make(map[string]string, len(b.Params))
		for k, v := range b.Params {
			c.Params[k] = v
		}
	}
	return c.FormatDSN()
}

// Redacted returns a copy of the backend with the password masked.
func (b Backend) Redacted() Backend {
	if b.Password != "" {
		b.Password = "******"
	}
	return b
}
