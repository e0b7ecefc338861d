package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateName is returned when a unique name constraint is violated
// (e.g. a policy name reused within a project).
var ErrDuplicateName = errors.New("storage: duplicate name")

// ErrStepRunMismatch is returned when an event references a step_id that is
// already attached to a different run. Same step, two runs, is always a
// producer bug rather than an ordering artifact, so it fails the event.
var ErrStepRunMismatch = errors.New("storage: step belongs to a different run")

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
