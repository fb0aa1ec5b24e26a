package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes signalling that a unit of work lost a lock race and can be
// retried as a whole.
const (
	deadlockDetectedCode     = "40P01"
	serializationFailureCode = "40001"
	lockNotAvailableCode     = "55P03"
)

// Message fragments used by other engines and by drivers that do not expose
// a structured error.
var deadlockSignatures = []string{
	"deadlock detected",
	"deadlock found",
	"lock wait timeout exceeded",
	"could not obtain lock",
	"could not serialize access",
	"database is locked",
}

// IsDeadlock reports whether err is a write-write conflict (deadlock,
// serialization failure or lock timeout).
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case deadlockDetectedCode, serializationFailureCode, lockNotAvailableCode:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range deadlockSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
