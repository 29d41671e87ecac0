package credentials

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// identifierPattern is an unquoted PostgreSQL identifier of at most NAMEDATALEN-1 bytes.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,62}$`)

// ValidateUsername reports whether name is usable as a role name.
func ValidateUsername(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid username %q", name)
	}
	return nil
}

// ValidatePassword rejects values PostgreSQL cannot store.
func ValidatePassword(password string) error {
	if password == "" {
		return errors.New("password is empty")
	}
	if strings.ContainsRune(password, 0) {
		return errors.New("password contains a NUL byte")
	}
	return nil
}

// RoleName folds an unquoted identifier to the role name PostgreSQL stores for it.
func RoleName(username string) string {
	return strings.ToLower(username)
}

// AlterPasswordSQL renders ALTER USER for a validated username and password. The
// username is treated as an unquoted identifier, so "App_User" targets role app_user.
func AlterPasswordSQL(username, password string) (string, error) {
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	return "ALTER USER " + pgx.Identifier{RoleName(username)}.Sanitize() + " WITH PASSWORD " + quoteLiteral(password), nil
}

// quoteLiteral renders s as a standard-conforming string literal, switching to the
// escape string syntax when s contains a backslash.
func quoteLiteral(s string) string {
	quoted := "'" + strings.ReplaceAll(s, "'", "''") + "'"
	if strings.Contains(s, `\`) {
		return "E" + strings.ReplaceAll(quoted, `\`, `\\`)
	}
	return quoted
}
