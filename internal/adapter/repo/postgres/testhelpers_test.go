package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
}

func (r *rowsStub) Next() bool {
	return r.idx < len(r.scans)
}

func (r *rowsStub) Scan(dest ...any) error {
	f := r.scans[r.idx]
	r.idx++
	return f(dest...)
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return nil }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

type execCall struct {
	tag pgconn.CommandTag
	err error
}

// poolStub implements postgres.PgxPool. Exec and QueryRow results pop off
// their queues in call order; recorded SQL and args let tests check guard
// clauses and paging parameters.
type poolStub struct {
	execs []execCall
	rows  []rowStub
	query func(sql string, args []any) (pgx.Rows, error)

	execSQL  []string
	execArgs [][]any
	rowSQL   []string
	rowArgs  [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	if len(p.execs) == 0 {
		return pgconn.CommandTag{}, errors.New("unexpected exec")
	}
	c := p.execs[0]
	p.execs = p.execs[1:]
	return c.tag, c.err
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.rowSQL = append(p.rowSQL, sql)
	p.rowArgs = append(p.rowArgs, args)
	if len(p.rows) == 0 {
		return rowStub{scan: func(...any) error { return errors.New("unexpected query row") }}
	}
	r := p.rows[0]
	p.rows = p.rows[1:]
	return r
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errors.New("unexpected query")
	}
	return p.query(sql, args)
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("transactions not stubbed")
}

// updated is a command tag reporting one affected row.
var updated = pgconn.NewCommandTag("UPDATE 1")

// noRows is a command tag reporting nothing matched the guard.
var noRows = pgconn.NewCommandTag("UPDATE 0")
