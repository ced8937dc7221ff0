package remote

import (
	"errors"
	"fmt"
	"strings"

	"backend-transittrack/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

// staleSessionCodes are raised by the session guard functions and by
// row-level policies when the session or token row has gone away.
var staleSessionCodes = map[string]struct{}{
	"P0002": {}, // no_data_found
	"28000": {}, // invalid_authorization_specification
}

var staleSessionMessages = []string{
	"session not found",
	"session expired",
	"invalid session",
	"jwt expired",
}

// IsStaleSession reports whether err means the server no longer accepts
// the driver's session reference.
func IsStaleSession(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrStaleSession) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := staleSessionCodes[pgErr.Code]; ok {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range staleSessionMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// classify tags a failed write as stale-session or transient.
func classify(op string, err error) error {
	if IsStaleSession(err) && !errors.Is(err, domain.ErrStaleSession) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStaleSession, err)
	}
	if errors.Is(err, domain.ErrStaleSession) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientDelivery, err)
}
