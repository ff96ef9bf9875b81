package executor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/joao-brasil/store-backend/internal/sqlerr"
)

// ErrConnectionLost is the connection-level failure that triggers
// mark-dead and retry.
var ErrConnectionLost = sqlerr.ErrConnectionLost

// ExhaustedRetriesError is returned when every attempt failed with a
// connection-level error.
type ExhaustedRetriesError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("backend %s unreachable after %d attempts: %v", e.Backend, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// IsExhaustedRetries reports whether err is (or wraps) an ExhaustedRetriesError.
func IsExhaustedRetries(err error) bool {
	var target *ExhaustedRetriesError
	return errors.As(err, &target)
}
