package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

// TransitionError is returned when StatusChange.Allowed refuses the move.
type TransitionError struct {
	From PetitionStatus
	To   PetitionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move petition from %s to %s", e.From, e.To)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
