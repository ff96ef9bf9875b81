package executor

import (
	"database/sql"
	"sort"

	"github.com/pkg/errors"

	"github.com/joao-brasil/store-backend/internal/pool"
)

// Row is a single result row keyed by column name.
type Row = pool.Row

// FetchMode selects what Execute returns.
type FetchMode int

const (
	// FetchOne returns the first row, or an empty Row.
	FetchOne FetchMode = iota
	// FetchAll returns every row.
	FetchAll
	// ExecuteMany runs the query once per parameter tuple in Batch.
	ExecuteMany
)

func (m FetchMode) String() string {
	switch m {
	case FetchOne:
		return "one"
	case FetchAll:
		return "all"
	case ExecuteMany:
		return "many"
	}
	return "unknown"
}

// CommitMode selects the transaction policy.
type CommitMode int

const (
	// CommitAuto commits every statement on its own.
	CommitAuto CommitMode = iota
	// CommitManual runs the request in one transaction, committed on success
	// and rolled back on any error.
	CommitManual
)

// ErrInvalidRequest is returned for requests that cannot be executed as
// described, before any connection is used.
var ErrInvalidRequest = errors.New("invalid query request")

// QueryRequest describes one query execution.
type QueryRequest struct {
	Query string

	// Args are positional parameters.
	Args []any
	// Named are bound as sql.Named parameters, in key order, after Args.
	Named map[string]any
	// Batch holds one parameter tuple per execution in ExecuteMany mode.
	Batch [][]any

	Fetch  FetchMode
	Commit CommitMode
}

// Result is what Execute returns.
type Result struct {
	// Row is set by FetchOne; empty (never nil) when nothing matched.
	Row Row
	// Rows is set by FetchAll and ExecuteMany; empty (never nil) when nothing matched.
	Rows []Row
	// Attempts is the number of executions it took.
	Attempts int
}

func (r QueryRequest) validate() error {
	if r.Query == "" {
		return errors.Wrap(ErrInvalidRequest, "empty query")
	}
	switch r.Fetch {
	case FetchOne, FetchAll:
		if len(r.Batch) > 0 {
			return errors.Wrapf(ErrInvalidRequest, "batch parameters require fetch mode %s", ExecuteMany)
		}
	case ExecuteMany:
		if len(r.Batch) == 0 {
			return errors.Wrap(ErrInvalidRequest, "execute-many requires at least one parameter tuple")
		}
		if len(r.Args) > 0 || len(r.Named) > 0 {
			return errors.Wrap(ErrInvalidRequest, "execute-many takes parameters from Batch only")
		}
	default:
		return errors.Wrapf(ErrInvalidRequest, "unknown fetch mode %d", r.Fetch)
	}
	if r.Commit != CommitAuto && r.Commit != CommitManual {
		return errors.Wrapf(ErrInvalidRequest, "unknown commit mode %d", r.Commit)
	}
	return nil
}

// args returns the positional and named parameters as one slice.
func (r QueryRequest) args() []any {
	if len(r.Named) == 0 {
		return r.Args
	}
	keys := make([]string, 0, len(r.Named))
	for k := range r.Named {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(r.Args)+len(keys))
	out = append(out, r.Args...)
	for _, k := range keys {
		out = append(out, sql.Named(k, r.Named[k]))
	}
	return out
}

// transactional reports whether the request runs inside one transaction.
// Execute-many is always atomic.
func (r QueryRequest) transactional() bool {
	return r.Commit == CommitManual || r.Fetch == ExecuteMany
}
