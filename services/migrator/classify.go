package migrator

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes reported when a migration re-creates something that is already there.
const (
	codeDuplicateObject   = "42710"
	codeDuplicateTable    = "42P07"
	codeDuplicateSchema   = "42P06"
	codeDuplicateFunction = "42723"
	codeDuplicateDatabase = "42P04"

	codeInsufficientPrivilege = "42501"
	codeUndefinedObject       = "42704"
	codeUndefinedFunction     = "42883"
)

var duplicateCodes = map[string]struct{}{
	codeDuplicateObject:   {},
	codeDuplicateTable:    {},
	codeDuplicateSchema:   {},
	codeDuplicateFunction: {},
	codeDuplicateDatabase: {},
}

// Ignorable reports whether a failed file can be skipped when re-running the full set
// against a database that is already partly or fully migrated.
//
// Driver errors are classified by SQLSTATE first. The message patterns are kept as a
// fallback because they are the historical contract for what is safe to skip, and they
// also cover errors raised by server-side code that re-raises with a generic state.
func Ignorable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && ignorableCode(pgErr) {
		return true
	}
	return ignorableMessage(err.Error())
}

func ignorableCode(pgErr *pgconn.PgError) bool {
	msg := strings.ToLower(pgErr.Message)
	switch pgErr.Code {
	case codeInsufficientPrivilege:
		return strings.Contains(msg, "set parameter")
	case codeUndefinedObject:
		return strings.Contains(msg, "role")
	case codeUndefinedFunction:
		// 42883 also covers missing operators, which are real type errors.
		return strings.Contains(msg, "function")
	}
	_, ok := duplicateCodes[pgErr.Code]
	return ok
}

func ignorableMessage(msg string) bool {
	switch {
	case strings.Contains(msg, "already exists"):
		return true
	case strings.Contains(msg, "already installed"):
		return true
	case strings.Contains(msg, "permission denied to set parameter"):
		return true
	case strings.Contains(msg, "does not exist") &&
		(strings.Contains(msg, "role") || strings.Contains(msg, "function")):
		return true
	case strings.Contains(msg, "relation") && strings.Contains(msg, "already exists"):
		return true
	}
	return false
}
