package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres / CockroachDB driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Config configures the store backend and its connection pool.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns an in-memory configuration with the default pool
// settings used by the SQL drivers.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverMemory,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

// Open creates the stores for config.Driver. The Postgres schema is managed
// outside the process (see schema.sql); a SQLite database creates its tables
// on open.
func Open(ctx context.Context, config Config) (StoreSet, error) {
	config = config.withDefaults()

	switch config.Driver {
	case DriverMemory:
		return NewMemoryStores(), nil
	case DriverPostgres, DriverSQLite:
	default:
		return StoreSet{}, fmt.Errorf("unsupported storage driver %q", config.Driver)
	}
	if strings.TrimSpace(config.DSN) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required for driver %s", config.Driver)
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	if config.Driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	d := postgresDialect
	if config.Driver == DriverSQLite {
		d = sqliteDialect
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			_ = db.Close()
			return StoreSet{}, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return NewSQLStores(db, d), nil
}

// NewSQLStores creates SQL-backed stores over an open database.
func NewSQLStores(db *sql.DB, d Dialect) StoreSet {
	return StoreSet{
		Tenants:       &sqlTenantStore{db: db, d: d},
		Conversations: &sqlConversationStore{db: db, d: d},
		Plans:         &sqlPlanStore{db: db, d: d},
		Tasks:         &sqlTaskStore{db: db, d: d},
		Insights:      &sqlInsightStore{db: db, d: d},
		closer:        db.Close,
	}
}
