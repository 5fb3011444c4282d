// Package driver defines the pluggable connection contract the cluster
// engine drives. The engine never knows about SQL, wire protocols, or
// transport; it only knows how to connect, query, and kill a Connection,
// and how to react to the two signals a Connection may emit.
package driver

import (
	"context"

	"github.com/lina-db/dbcluster/pkg/config"
)

// QueryMode distinguishes a row-returning query from a result-only
// statement, mirroring the external driver's query() call shape.
type QueryMode string

const (
	// ModeQuery expects zero or more rows back.
	ModeQuery QueryMode = "query"
	// ModeExec expects a result summary (rows affected, last insert id).
	ModeExec QueryMode = "exec"
)

// QueryContext describes a single query dispatched through Cluster.Query.
type QueryContext struct {
	// SQL is the statement text. Named SQL since the external driver
	// contract accepts either "sql" or "SQL" as the field name.
	SQL string
	// Args are positional bind parameters.
	Args []interface{}
	// Mode selects row-returning vs result-only execution.
	Mode QueryMode
	// Pool is the pool name this query must run against.
	Pool string
}

// Result is the driver's result shape for a non-row-returning statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Rows is the driver's result shape for a row-returning query. Kept
// minimal and opaque: the engine never interprets it, only relays it.
type Rows struct {
	Columns []string
	Values  [][]interface{}
}

// Description is the result of a Cluster.Describe call. Left intentionally
// thin: schema description is out of scope for this module, and
// Cluster.Describe always returns an empty Description.
type Description struct {
	Databases map[string][]string // database name -> table names
}

// NodeHandle is the minimal view of a Node a Connection needs: just enough
// to report problems back without importing the cluster package (which
// would create an import cycle, since cluster.Node owns Connections).
type NodeHandle interface {
	// ID is the owning node's identifier.
	ID() string
}

// Connection is the pluggable driver contract. A concrete implementation
// owns exactly one underlying transport (a TCP socket, an HTTP/2 stream, a
// Redis client, ...); the cluster engine never assumes SQL semantics.
type Connection interface {
	// ID is a per-node-unique identifier for this connection.
	ID() string

	// Connect opens the underlying session. Called exactly once, from
	// Node.executeCreateConnection.
	Connect(ctx context.Context) error

	// Query executes qc and returns either Rows or a Result depending on
	// qc.Mode. A query-level error (e.g. a syntax error) must be
	// returned here without ever calling the connectivity-problem
	// callback; only transport-level failures should do that.
	Query(ctx context.Context, qc QueryContext) (Rows, Result, error)

	// CreateTransaction begins a transaction on this connection.
	CreateTransaction(ctx context.Context) error

	// Rollback aborts the current transaction.
	Rollback(ctx context.Context) error

	// Kill tears the connection down as soon as possible: immediately if
	// idle, after the current query if busy, honored but deferred if a
	// transaction is open.
	Kill()

	// OnEnd registers an additional callback invoked when the connection
	// terminates, with a non-nil error if it terminated abnormally. Every
	// registered callback fires exactly once, in registration order; both
	// the owning Node and the Cluster subscribe independently.
	OnEnd(func(err error))

	// OnConnectivityProblem registers an additional callback invoked zero
	// or more times before OnEnd fires, whenever the driver observes a
	// transport-level problem (as opposed to a query-level error).
	OnConnectivityProblem(func())
}

// ConnectionConstructor is the injected factory a Cluster is built with,
// in place of a global, string-keyed driver registry.
type ConnectionConstructor func(cfg config.NodeConfig, id string, node NodeHandle) (Connection, error)
