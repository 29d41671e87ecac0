package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// DefaultPort is the PostgreSQL port used when neither the environment nor the
	// credential record carries one.
	DefaultPort = 5432
	// DefaultDatabase is used when no database name is configured.
	DefaultDatabase = "postgres"
	// DefaultSSLMode keeps the deployment's trusted-network behaviour.
	DefaultSSLMode = "disable"

	// CloseTimeout bounds connection teardown so a dead peer cannot stall the response.
	CloseTimeout = 5 * time.Second
)

var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Params describes where and as whom to connect.
type Params struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// WithDefaults fills unset port, database and TLS mode.
func (p Params) WithDefaults() Params {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Database == "" {
		p.Database = DefaultDatabase
	}
	if p.SSLMode == "" {
		p.SSLMode = DefaultSSLMode
	}
	return p
}

// Validate reports missing or malformed connection parameters.
func (p Params) Validate() error {
	if p.Host == "" {
		return errors.New("database host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid database port %d", p.Port)
	}
	if p.User == "" {
		return errors.New("database user is required")
	}
	if !ValidSSLMode(p.SSLMode) {
		return fmt.Errorf("invalid sslmode %q", p.SSLMode)
	}
	return nil
}

// ValidSSLMode reports whether mode is a libpq sslmode.
func ValidSSLMode(mode string) bool {
	_, ok := validSSLModes[mode]
	return ok
}

// Address returns host:port.
func (p Params) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DSN renders the parameters as a postgres:// URL.
func (p Params) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   p.Address(),
		Path:   "/" + p.Database,
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {p.SSLMode}}.Encode()
	}
	return u.String()
}

// Conn is the subset of *pgx.Conn the migration runner and credential rotator use.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// Connect opens a single connection. Callers own it and must Close it.
func Connect(ctx context.Context, p Params) (*pgx.Conn, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return ConnectDSN(ctx, p.DSN())
}

// ConnectDSN opens a single connection from a connection string.
func ConnectDSN(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	// Migration files carry several statements each; only the simple protocol accepts that.
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return conn, nil
}

// Close releases conn with CloseTimeout applied. A nil conn is a no-op.
func Close(conn Conn) error {
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()
	return conn.Close(ctx)
}
