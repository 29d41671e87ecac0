// Package credentials applies managed passwords to database roles and publishes the
// resulting connection descriptor back to the secret store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"dbstack/pkg/db"
	"dbstack/pkg/secrets"
)

// Execer runs a statement. *pgx.Conn satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SecretStore reads and overwrites credential records. *secrets.Store satisfies it.
type SecretStore interface {
	Get(ctx context.Context, id string) (secrets.Record, error)
	Put(ctx context.Context, id string, rec secrets.Record) error
}

// Request names the role to update and the secret holding its password.
type Request struct {
	Username string
	SecretID string
}

func (r Request) validate() error {
	var errs []error
	if strings.TrimSpace(r.Username) == "" {
		errs = append(errs, errors.New("Username property is required"))
	} else if err := ValidateUsername(r.Username); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(r.SecretID) == "" {
		errs = append(errs, errors.New("SecretId property is required"))
	}
	return errors.Join(errs...)
}

// PhysicalID is the resource identifier reported for a role on host.
func PhysicalID(username, host string) string {
	return username + "@" + host
}

// Rotator sets role passwords.
type Rotator struct {
	db     Execer
	store  SecretStore
	logger zerolog.Logger
}

// NewRotator creates a Rotator.
func NewRotator(conn Execer, store SecretStore, logger zerolog.Logger) (*Rotator, error) {
	if conn == nil {
		return nil, errors.New("database connection is required")
	}
	if store == nil {
		return nil, errors.New("secret store is required")
	}
	return &Rotator{db: conn, store: store, logger: logger}, nil
}

// Rotate reads the desired password from req.SecretID, applies it to req.Username and
// overwrites the secret with a self-sufficient record: the root record's fields, the
// resolved location, the role's credentials and a connection URI. It returns the
// physical resource id. Running it twice with the same input yields the same state.
func (r *Rotator) Rotate(ctx context.Context, req Request, root secrets.Record, loc db.Params) (string, error) {
	if err := req.validate(); err != nil {
		return "", fmt.Errorf("rotate password: %w", err)
	}

	role := RoleName(req.Username)
	logger := r.logger.With().Str("username", role).Str("secret_id", req.SecretID).Logger()

	desired, err := r.store.Get(ctx, req.SecretID)
	if err != nil {
		return "", err
	}

	stmt, err := AlterPasswordSQL(req.Username, desired.Password)
	if err != nil {
		return "", &secrets.Error{Op: "validate", SecretID: req.SecretID, Err: err}
	}
	if _, err := r.db.Exec(ctx, stmt); err != nil {
		return "", fmt.Errorf("alter user %s: %w", role, err)
	}
	logger.Info().Msg("password applied")

	record := root.Clone()
	record.Host = loc.Host
	record.Port = loc.Port
	record.DBName = loc.Database
	record.Username = role
	record.Password = desired.Password
	record.URI = secrets.ConnectionURI(role, desired.Password, loc.Host, loc.Port, loc.Database)

	if err := r.store.Put(ctx, req.SecretID, record); err != nil {
		return "", err
	}
	logger.Info().Msg("secret updated")

	return PhysicalID(role, loc.Host), nil
}
