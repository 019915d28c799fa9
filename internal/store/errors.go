package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict marks writes that lost a race or hit a uniqueness rule:
// a concurrent commit on the same lineage, or a duplicate branch name.
// Callers retry against freshly read state or surface the collision.
var ErrConflict = errors.New("conflict")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 = unique_violation
		return pgErr.Code == "23505"
	}
	return false
}
