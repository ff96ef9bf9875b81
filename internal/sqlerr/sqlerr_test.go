package sqlerr_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/joao-brasil/store-backend/internal/sqlerr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sqlerr.Class
	}{
		{"nil", nil, sqlerr.Permanent},
		{"connection lost", sqlerr.ErrConnectionLost, sqlerr.Transient},
		{"wrapped connection lost", pkgerrors.Wrap(sqlerr.ErrConnectionLost, "select"), sqlerr.Transient},
		{"bad conn", driver.ErrBadConn, sqlerr.Transient},
		{"eof", fmt.Errorf("read: %w", io.EOF), sqlerr.Transient},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, sqlerr.Transient},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, sqlerr.Transient},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, sqlerr.Transient},
		{"pg syntax error", &pgconn.PgError{Code: "42601"}, sqlerr.Permanent},
		{"pq connection exception", &pq.Error{Code: "08003"}, sqlerr.Transient},
		{"pq unique violation", &pq.Error{Code: "23505"}, sqlerr.Permanent},
		{"mysql invalid conn", mysql.ErrInvalidConn, sqlerr.Transient},
		{"mysql server gone", &mysql.MySQLError{Number: 2006}, sqlerr.Transient},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, sqlerr.Permanent},
		{"context canceled", context.Canceled, sqlerr.Permanent},
		{"plain", errors.New("boom"), sqlerr.Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlerr.Classify(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, sqlerr.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, sqlerr.IsUniqueViolation(pkgerrors.Wrap(&pq.Error{Code: "23505"}, "insert user")))
	assert.True(t, sqlerr.IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.True(t, sqlerr.IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, sqlerr.IsUniqueViolation(mssql.Error{Number: 2627}))

	assert.False(t, sqlerr.IsUniqueViolation(nil))
	assert.False(t, sqlerr.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, sqlerr.IsUniqueViolation(errors.New("duplicate")))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", sqlerr.Transient.String())
	assert.Equal(t, "permanent", sqlerr.Permanent.String())
}
