// SPDX-License-Identifier: Apache-2.0

// Package testutils provides the shared testcontainers-backed Postgres
// harness used by every package's integration tests, extended to stand
// up two independent databases (source and destination) per test where
// the scenario calls for it.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pgswap/pgswap/pkg/endpoint"
)

const defaultPostgresVersion = "15.3"

var tConnStr string

// SharedTestMain starts a single postgres container shared by every test in
// a package; each test creates its own scratch database inside it.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// WithConnectionToContainer creates a scratch database inside the shared
// container and hands the caller a connection plus its connection string.
func WithConnectionToContainer(t *testing.T, fn func(conn *sql.DB, connStr string)) {
	t.Helper()

	conn, connStr, _ := setupTestDatabase(t)
	fn(conn, connStr)
}

// WithSourceAndDestination creates two independent scratch databases inside
// the shared container, standing in for the source and destination
// endpoints of a migration run in engine/rollback integration tests.
func WithSourceAndDestination(t *testing.T, fn func(source, dest *sql.DB, sourceEp, destEp endpoint.Endpoint)) {
	t.Helper()

	sourceConn, sourceConnStr, _ := setupTestDatabase(t)
	destConn, destConnStr, _ := setupTestDatabase(t)

	fn(sourceConn, destConn, EndpointFromConnStr(t, sourceConnStr), EndpointFromConnStr(t, destConnStr))
}

// EndpointFromConnStr parses a libpq URL connection string (as returned by
// testcontainers) into an endpoint.Endpoint.
func EndpointFromConnStr(t *testing.T, connStr string) endpoint.Endpoint {
	t.Helper()

	ep, err := endpoint.Parse(connStr)
	if err != nil {
		t.Fatalf("parsing test connection string: %v", err)
	}
	return ep
}

func setupTestDatabase(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	ctx := context.Background()

	tDB, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tDB.Close() })

	dbName := randomDBName()

	_, err = tDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	u.Path = "/" + dbName
	connStr := u.String()

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, connStr, dbName
}
