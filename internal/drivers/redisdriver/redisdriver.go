// Package redisdriver adapts github.com/redis/go-redis/v9 to the
// driver.Connection contract, proving the contract is genuinely pluggable
// and not SQL-specific. PING stands in for connect, GET/SET for query, and
// Close for kill; there is no transaction support, so
// CreateTransaction/Rollback report an unsupported-operation error via
// pkg/errors.
package redisdriver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
	dbclustererrors "github.com/lina-db/dbcluster/pkg/errors"
)

// Connection wraps a single *redis.Client as a driver.Connection.
type Connection struct {
	id     string
	nodeID string
	client *redis.Client

	mu         sync.Mutex
	endCbs     []func(error)
	problemCbs []func()
	ended      bool
}

var _ driver.Connection = (*Connection)(nil)

// Constructor is a driver.ConnectionConstructor backed by go-redis. Wire it
// into Cluster.NewCluster when the configured nodes are Redis instances
// rather than a SQL server.
func Constructor(cfg config.NodeConfig, id string, node driver.NodeHandle) (driver.Connection, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Pass,
		DB:       0,
	})
	return &Connection{id: id, nodeID: node.ID(), client: client}, nil
}

// ID returns the connection's node-unique identifier.
func (c *Connection) ID() string { return c.id }

// Connect issues a PING to confirm the underlying client can reach Redis.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return dbclustererrors.NewOpenFailure(c.nodeID, err)
	}
	return nil
}

// Query supports a minimal SQL-flavored "SELECT 1;" health probe plus two
// synthetic statement shapes: "GET <key>" (ModeQuery) and
// "SET <key> <value>" (ModeExec). Anything else is a query-level error,
// never a connectivity problem: a caller's rejection should never be
// confused with the connection itself being unhealthy.
func (c *Connection) Query(ctx context.Context, qc driver.QueryContext) (driver.Rows, driver.Result, error) {
	stmt := strings.TrimSpace(qc.SQL)

	if strings.EqualFold(stmt, "SELECT 1;") || strings.EqualFold(stmt, "SELECT 1") {
		if err := c.client.Ping(ctx).Err(); err != nil {
			return driver.Rows{}, driver.Result{}, dbclustererrors.NewConnectivityProblem(c.nodeID, err)
		}
		return driver.Rows{Columns: []string{"?column?"}, Values: [][]interface{}{{int64(1)}}}, driver.Result{}, nil
	}

	fields := strings.Fields(stmt)
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[0], "GET"):
		val, err := c.client.Get(ctx, fields[1]).Result()
		if err == redis.Nil {
			return driver.Rows{Columns: []string{"value"}}, driver.Result{}, nil
		}
		if err != nil {
			if _, isReply := err.(redis.Error); !isReply {
				c.notifyConnectivityProblem()
			}
			return driver.Rows{}, driver.Result{}, dbclustererrors.Wrap(dbclustererrors.ErrCodeQueryError, "redis GET failed", err)
		}
		return driver.Rows{Columns: []string{"value"}, Values: [][]interface{}{{val}}}, driver.Result{}, nil

	case len(fields) == 3 && strings.EqualFold(fields[0], "SET"):
		if err := c.client.Set(ctx, fields[1], fields[2], 0).Err(); err != nil {
			if _, isReply := err.(redis.Error); !isReply {
				c.notifyConnectivityProblem()
			}
			return driver.Rows{}, driver.Result{}, dbclustererrors.Wrap(dbclustererrors.ErrCodeQueryError, "redis SET failed", err)
		}
		return driver.Rows{}, driver.Result{RowsAffected: 1}, nil

	default:
		return driver.Rows{}, driver.Result{}, dbclustererrors.New(dbclustererrors.ErrCodeQueryError, "unsupported redis statement: "+stmt)
	}
}

// CreateTransaction is unsupported: Redis's MULTI/EXEC model doesn't map
// onto this driver's synchronous single-statement Query shape.
func (c *Connection) CreateTransaction(ctx context.Context) error {
	return dbclustererrors.New(dbclustererrors.ErrCodeTransactionError, "redisdriver: transactions are not supported")
}

// Rollback mirrors CreateTransaction's lack of support.
func (c *Connection) Rollback(ctx context.Context) error {
	return dbclustererrors.New(dbclustererrors.ErrCodeTransactionError, "redisdriver: transactions are not supported")
}

// Kill closes the underlying client and fires every OnEnd callback once.
func (c *Connection) Kill() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	cbs := append([]func(error){}, c.endCbs...)
	c.mu.Unlock()

	err := c.client.Close()
	for _, cb := range cbs {
		cb(err)
	}
}

// OnEnd registers an additional termination callback.
func (c *Connection) OnEnd(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCbs = append(c.endCbs, cb)
}

// OnConnectivityProblem registers an additional connectivity-problem
// callback, invoked when a query observes a transport-level Redis error.
func (c *Connection) OnConnectivityProblem(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.problemCbs = append(c.problemCbs, cb)
}

func (c *Connection) notifyConnectivityProblem() {
	c.mu.Lock()
	cbs := append([]func(){}, c.problemCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
