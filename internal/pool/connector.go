package pool

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/joao-brasil/store-backend/pkg/backend"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

// SQLConnector opens connections through database/sql using the driver
// named by the backend.
type SQLConnector struct {
	Backend *backend.Backend
}

// NewSQLConnector returns a connector for b.
func NewSQLConnector(b *backend.Backend) *SQLConnector {
	return &SQLConnector{Backend: b}
}

// Connect opens and pings a new connection.
func (s *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	db, err := sql.Open(s.Backend.DriverName(), s.Backend.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "sql.Open")
	}

	// Each sql.DB is a single-connection pool so that one Conn maps 1:1 to a
	// physical session; lifetime is managed by Pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping")
	}

	return &sqlConn{db: db}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlConn routes statements through the open transaction, if any.
type sqlConn struct {
	db *sql.DB
	tx *sql.Tx
}

func (c *sqlConn) q() queryer {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := c.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Not every driver reports affected rows.
		return 0, nil
	}
	return n, nil
}

func (c *sqlConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errors.New("transaction already open")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit(context.Context) error {
	if c.tx == nil {
		return errors.New("commit without transaction")
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *sqlConn) Rollback(context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (c *sqlConn) InTx() bool { return c.tx != nil }

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// scanRows materializes rows as column-keyed maps. Text returned as []byte
// by some drivers is converted to string.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
