package retrydlq

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
)

// Sentinel errors for failure classification. Callers that know the nature
// of a failure wrap it with Transient or NonTransient; ClassifyError falls
// back to inspecting the error chain for unwrapped failures.
var (
	// ErrTransient marks network/db/timeout-classified failures eligible for
	// backoff retry and eventual dead-lettering.
	ErrTransient = errors.New("transient failure")

	// ErrNonTransient marks validation/parsing-classified failures routed
	// straight to the dead-letter queue, no retry.
	ErrNonTransient = errors.New("non-transient failure")
)

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// NonTransient wraps err as a non-transient failure.
func NonTransient(err error) error {
	return fmt.Errorf("%w: %w", ErrNonTransient, err)
}

// ClassifyError reports whether err is retriable. Explicit Transient /
// NonTransient wrapping wins; otherwise connection-level database errors
// (PostgreSQL Class 08), network timeouts, and context deadlines classify as
// transient. Anything unrecognized is non-transient: unknown failures go to
// the dead-letter queue for a human rather than burning the retry budget.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransient) {
		return true
	}

	if errors.Is(err, ErrNonTransient) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// PostgreSQL error codes (Class 08 = Connection Exception).
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
