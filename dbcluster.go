// Package dbcluster is the SDK-style facade over pkg/cluster: a client-side
// database cluster connection manager that fronts one or more hosts,
// maintains per-node pools segregated by role, and dispatches pending
// requests to newly idle connections.
package dbcluster

import (
	"context"
	"sync"

	"github.com/lina-db/dbcluster/pkg/cluster"
	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
	"github.com/lina-db/dbcluster/pkg/logger"
)

// DB is the top-level handle applications construct once and share.
type DB struct {
	config *config.ClusterConfig
	logger logger.Logger

	mu      sync.RWMutex
	cluster *cluster.Cluster
}

// New constructs a DB bound to factory for opening connections. A nil cfg
// falls back to config.DefaultClusterConfig(). Every node listed in
// cfg.Nodes is added before New returns, and New blocks until each of them
// has loaded its first connection; with no configured nodes, no network
// activity happens until AddNode is called.
func New(cfg *config.ClusterConfig, factory driver.ConnectionConstructor) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultClusterConfig()
	}

	log := logger.NewDefaultLogger(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	db := &DB{
		config:  cfg,
		logger:  log,
		cluster: cluster.NewCluster(cfg, factory, log),
	}

	for i := range cfg.Nodes {
		if _, err := db.cluster.AddNode(context.Background(), cfg.Nodes[i]); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// AddNode constructs a Node for cfg and blocks until its first connection
// loads or ctx is cancelled.
func (db *DB) AddNode(ctx context.Context, cfg config.NodeConfig) (*cluster.Node, error) {
	return db.cluster.AddNode(ctx, cfg)
}

// GetConnection returns a leased connection serving pool. The caller must
// call Release once done.
func (db *DB) GetConnection(ctx context.Context, pool string) (driver.Connection, error) {
	return db.cluster.GetConnection(ctx, pool)
}

// Release returns a leased connection to circulation.
func (db *DB) Release(conn driver.Connection) {
	db.cluster.Release(conn)
}

// Query acquires a connection for qc.Pool, executes qc, releases the
// connection, and returns the driver's result shape.
func (db *DB) Query(ctx context.Context, qc driver.QueryContext) (driver.Rows, driver.Result, error) {
	return db.cluster.Query(ctx, qc)
}

// Describe delegates to the cluster; schema description is out of scope
// for the connection engine itself.
func (db *DB) Describe(ctx context.Context, databases []string) (driver.Description, error) {
	return db.cluster.Describe(ctx, databases)
}

// End ends every node and aborts every pending request with a shutdown
// error. Idempotent.
func (db *DB) End(ctx context.Context) error {
	return db.cluster.End(ctx)
}

// Nodes returns every node currently registered with the underlying
// cluster.
func (db *DB) Nodes() []*cluster.Node {
	return db.cluster.Nodes()
}

// Config returns the configuration DB was constructed with.
func (db *DB) Config() *config.ClusterConfig {
	return db.config
}

// Logger returns the DB's logger.
func (db *DB) Logger() logger.Logger {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.logger
}

// SetLogger replaces the logger returned by db.Logger(). The underlying
// cluster and every node, including nodes added later through AddNode,
// keep logging through the logger the DB was constructed with.
func (db *DB) SetLogger(log logger.Logger) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.logger = log
}
