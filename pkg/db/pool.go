// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/pgswap/pgswap/pkg/endpoint"
	"github.com/pgswap/pgswap/pkg/pgerrors"
)

// Pool is a simple leased-session pool over a single endpoint. A Session
// is exclusive to its caller while held; the caller must Release it on
// every exit path (the migration engine exclusively owns the destination
// pool for the duration of a run).
type Pool struct {
	ep       endpoint.Endpoint
	rdb      *RDB
	sessions chan struct{}
}

// Open connects to ep with search_path pinned to namespace and sizes the
// session semaphore to maxConns.
func Open(ctx context.Context, ep endpoint.Endpoint, namespace string, maxConns int) (*Pool, error) {
	if maxConns <= 0 {
		maxConns = 4
	}

	conn, err := sql.Open("postgres", ep.DSN(namespace))
	if err != nil {
		return nil, pgerrors.ConnectionError{Endpoint: ep.String(), Err: err}
	}
	conn.SetMaxOpenConns(maxConns)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, pgerrors.ConnectionError{Endpoint: ep.String(), Err: err}
	}

	return &Pool{
		ep:       ep,
		rdb:      &RDB{DB: conn},
		sessions: make(chan struct{}, maxConns),
	}, nil
}

// DB returns the retryable DB handle for statements that don't need an
// exclusively-leased session (e.g. simple reads outside a phase-owned
// critical section).
func (p *Pool) DB() DB { return p.rdb }

// Endpoint returns the endpoint this pool is connected to.
func (p *Pool) Endpoint() endpoint.Endpoint { return p.ep }

// Close closes the underlying connection pool.
func (p *Pool) Close() error { return p.rdb.Close() }

// Lease acquires one exclusive session from the pool. If the caller
// disables foreign keys on the returned Session and does not re-enable
// them, Release resets the replication role.
func (p *Pool) Lease(ctx context.Context) (*Session, error) {
	select {
	case p.sessions <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := p.rdb.DB.Conn(ctx)
	if err != nil {
		<-p.sessions
		return nil, pgerrors.ConnectionError{Endpoint: p.ep.String(), Err: err}
	}

	return &Session{pool: p, conn: conn}, nil
}

// Session is a single leased connection, scoped to one caller.
type Session struct {
	pool       *Pool
	conn       *sql.Conn
	fkDisabled bool
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *Session) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, opts)
}

// DisableForeignKeys sets the session-local replication role to 'replica',
// which causes foreign-key and CHECK-constraint trigger enforcement to be
// skipped for this session only. It must be
// re-enabled on every exit path; Release does this whenever the session
// is still marked as disabled.
func (s *Session) DisableForeignKeys(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "SET session_replication_role = 'replica'")
	if err != nil {
		return fmt.Errorf("disabling foreign key enforcement: %w", err)
	}
	s.fkDisabled = true
	return nil
}

// EnableForeignKeys resets the session-local replication role to its
// default. Safe to call even if DisableForeignKeys was never called.
func (s *Session) EnableForeignKeys(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "SET session_replication_role = DEFAULT")
	if err != nil {
		return fmt.Errorf("re-enabling foreign key enforcement: %w", err)
	}
	s.fkDisabled = false
	return nil
}

// Release re-enables foreign keys if this session disabled them, closes
// the underlying connection, and returns the lease slot to the pool. It
// must be called on every exit path, including via defer immediately
// after a successful Lease, so that a panic mid-phase cannot leave
// session_replication_role permanently set to 'replica' on a pooled
// connection.
func (s *Session) Release() error {
	defer func() { <-s.pool.sessions }()

	if s.fkDisabled {
		// Best-effort: a broken connection can't be un-toggled anyway,
		// and we're about to close it regardless.
		_, _ = s.conn.ExecContext(context.Background(), "SET session_replication_role = DEFAULT")
	}

	return s.conn.Close()
}

// QuoteIdentifier re-exports pq's identifier quoting so callers never need
// to import lib/pq directly just to build DDL fragments.
func QuoteIdentifier(name string) string { return pq.QuoteIdentifier(name) }

// QuoteLiteral re-exports pq's literal quoting for the same reason.
func QuoteLiteral(name string) string { return pq.QuoteLiteral(name) }
