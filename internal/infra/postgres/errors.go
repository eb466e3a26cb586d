package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
)

// classify maps a driver error onto the error codes the sync worker acts on.
// SQLSTATE classes that retrying cannot fix are permanent; connection,
// rollback and resource classes are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syncqueue.ErrConflict) ||
		errors.Is(err, syncqueue.ErrInvalidPayload) ||
		errors.Is(err, syncqueue.ErrUnknownTable) ||
		errors.Is(err, context.Canceled) ||
		apperrors.IsAppError(err) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientState(pgErr.Code) {
			return apperrors.TransientNetwork(err).With("sqlstate", pgErr.Code)
		}
		return apperrors.PermanentRemote(err).With("sqlstate", pgErr.Code)
	}

	// dial failures, timeouts and anything unrecognized are retried
	return apperrors.TransientNetwork(err)
}

func transientState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "40"): // serialization failure, deadlock
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "57P01", code == "57P02", code == "57P03": // shutdown, cannot connect now
		return true
	}
	return false
}
