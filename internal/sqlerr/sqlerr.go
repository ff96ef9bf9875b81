// Package sqlerr classifies errors returned by the supported SQL drivers.
//
// Transient errors mean the connection itself is unusable (dropped socket,
// server restart, admin shutdown) and the operation may be retried on a fresh
// connection. Everything else is permanent and is returned to the caller
// unchanged.
package sqlerr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
)

// Class is the retry classification of an error.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// ErrConnectionLost marks a connection that dropped mid-operation.
var ErrConnectionLost = errors.New("connection lost")

// SQLSTATE class 08 is "connection exception"; 57P0x are shutdown codes.
const pgConnectionClass = "08"

var pgShutdownCodes = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// MySQL server/client codes meaning the session is gone.
var mysqlConnectionCodes = map[uint16]bool{
	1053: true, // ER_SERVER_SHUTDOWN
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

// Classify reports whether err is worth retrying on a new connection.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	// Caller cancellation is never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}

	switch {
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, mysql.ErrInvalidConn):
		return Transient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, pgConnectionClass) || pgShutdownCodes[pgErr.Code] {
			return Transient
		}
		return Permanent
	}
	if pgconn.SafeToRetry(err) {
		return Transient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if string(pqErr.Code.Class()) == pgConnectionClass || pgShutdownCodes[string(pqErr.Code)] {
			return Transient
		}
		return Permanent
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && mysqlConnectionCodes[myErr.Number] {
		return Transient
	}

	return Permanent
}

// IsTransient is shorthand for Classify(err) == Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}

// IsUniqueViolation reports a duplicate-key error from any supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 2627 || msErr.Number == 2601
	}

	return false
}
