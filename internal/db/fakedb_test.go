package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
)

// fakePG is a database/sql driver that answers the handful of queries the
// pgx migration driver issues and records every statement it executes.
const fakePG = "fakepg"

var fakeServers = &fakeDriver{dbs: map[string]*fakeDB{}}

func init() {
	sql.Register(fakePG, fakeServers)
}

type fakeDriver struct {
	mu  sync.Mutex
	dbs map[string]*fakeDB
}

// db returns the state shared by every connection opened with dsn.
func (d *fakeDriver) db(dsn string) *fakeDB {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.dbs[dsn]
	if !ok {
		f = &fakeDB{version: -1}
		d.dbs[dsn] = f
	}
	return f
}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	f := d.db(dsn)
	f.mu.Lock()
	f.open++
	f.mu.Unlock()
	return &fakeConn{db: f}, nil
}

type fakeDB struct {
	mu           sync.Mutex
	open         int
	versionTable bool
	version      int64
	dirty        bool
	execs        []string
}

func (f *fakeDB) openConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeDB) state() (version int64, dirty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.dirty
}

// count reports how many executed statements contain substr.
func (f *fakeDB) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.execs {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

type fakeConn struct {
	db     *fakeDB
	closed bool
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fakepg: prepared statements not supported")
}

func (c *fakeConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.db.mu.Lock()
	c.db.open--
	c.db.mu.Unlock()
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	f := c.db
	f.mu.Lock()
	defer f.mu.Unlock()

	f.execs = append(f.execs, query)
	switch {
	case strings.HasPrefix(query, "CREATE TABLE IF NOT EXISTS \"public\".\"schema_migrations\""):
		f.versionTable = true
	case strings.HasPrefix(query, "TRUNCATE"):
		f.version, f.dirty = -1, false
	case strings.HasPrefix(query, "INSERT INTO \"public\".\"schema_migrations\""):
		f.version = args[0].Value.(int64)
		f.dirty = args[1].Value.(bool)
	}
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	f := c.db
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(query, "CURRENT_DATABASE()"):
		return oneRow("current_database", "acsm"), nil
	case strings.Contains(query, "CURRENT_SCHEMA()"):
		return oneRow("current_schema", "public"), nil
	case strings.Contains(query, "information_schema.tables"):
		var n int64
		if f.versionTable {
			n = 1
		}
		return oneRow("count", n), nil
	case strings.HasPrefix(query, "SELECT version, dirty FROM"):
		if f.version < 0 {
			return &fakeRows{cols: []string{"version", "dirty"}}, nil
		}
		return &fakeRows{
			cols: []string{"version", "dirty"},
			vals: [][]driver.Value{{f.version, f.dirty}},
		}, nil
	case query == "SELECT 1":
		return oneRow("?column?", int64(1)), nil
	}
	return nil, errors.New("fakepg: unexpected query: " + query)
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	cols []string
	vals [][]driver.Value
	next int
}

func oneRow(col string, v driver.Value) *fakeRows {
	return &fakeRows{cols: []string{col}, vals: [][]driver.Value{{v}}}
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.next >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.next])
	r.next++
	return nil
}
