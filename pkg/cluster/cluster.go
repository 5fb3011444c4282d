// Package cluster implements the concurrent connection-lifecycle engine:
// per-host Node state machines, a FIFO request dispatcher per pool, and the
// Cluster facade that ties them together.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
	dbclustererrors "github.com/lina-db/dbcluster/pkg/errors"
	"github.com/lina-db/dbcluster/pkg/logger"
)

// Cluster owns every Node, dispatches ConnectionRequests to newly idle
// connections, and offers Query as a convenience on top of GetConnection.
type Cluster struct {
	factory    driver.ConnectionConstructor
	log        logger.Logger
	requestTTL time.Duration

	mu        sync.Mutex
	nodes     []*Node
	queues    map[string]*requestQueue
	idle      map[string]map[string]driver.Connection // pool -> connID -> conn
	connPools map[string][]string                     // connID -> every pool it is currently idle under
	connNode  map[string]*Node                         // connID -> owning node
	ended     bool
}

// NewCluster builds a Cluster bound to factory for constructing driver
// connections. No network activity happens until AddNode is called.
func NewCluster(cfg *config.ClusterConfig, factory driver.ConnectionConstructor, log logger.Logger) *Cluster {
	if cfg == nil {
		cfg = config.DefaultClusterConfig()
	}
	if log == nil {
		log = logger.NewDefaultLogger(logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	}
	ttl := cfg.RequestTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Cluster{
		factory:    factory,
		log:        log,
		requestTTL: ttl,
		queues:     make(map[string]*requestQueue),
		idle:       make(map[string]map[string]driver.Connection),
		connPools:  make(map[string][]string),
		connNode:   make(map[string]*Node),
	}
}

// AddNode constructs a Node for cfg, attaches the dispatcher's listeners,
// and blocks until the node's first connection loads or ctx is cancelled.
func (c *Cluster) AddNode(ctx context.Context, cfg config.NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dbclustererrors.NewInvalidConfig(err.Error())
	}
	cfg.ApplyDefaults()

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, dbclustererrors.NewShutdown()
	}
	c.mu.Unlock()

	node := NewNode(cfg, c.factory, c.log)

	loaded := make(chan struct{})
	var once sync.Once
	node.Events().OnLoad(func() { once.Do(func() { close(loaded) }) })
	node.Events().OnConnection(func(conn driver.Connection) { c.onNewConnection(node, conn) })

	c.mu.Lock()
	c.nodes = append(c.nodes, node)
	for _, pool := range node.Pools() {
		c.ensureQueueLocked(pool)
	}
	c.mu.Unlock()

	select {
	case <-loaded:
		return node, nil
	case <-ctx.Done():
		return node, ctx.Err()
	}
}

func (c *Cluster) ensureQueueLocked(pool string) {
	if _, ok := c.queues[pool]; !ok {
		c.queues[pool] = newRequestQueue()
	}
}

// onNewConnection is the dispatcher's entry point for a freshly opened
// connection: it tries to satisfy a waiting request on each of the node's
// pools and, failing that, records the connection as idle.
func (c *Cluster) onNewConnection(node *Node, conn driver.Connection) {
	c.mu.Lock()
	c.connNode[conn.ID()] = node
	c.mu.Unlock()

	conn.OnEnd(func(err error) { c.forgetConnection(conn.ID()) })

	c.tryDispatchOrIdle(node, conn)
}

// tryDispatchOrIdle is also how a connection returns to circulation after
// Release: dispatch it to the oldest waiting request on any pool it
// serves, or record it idle under every such pool.
func (c *Cluster) tryDispatchOrIdle(node *Node, conn driver.Connection) {
	pools := node.Pools()

	c.mu.Lock()
	queues := make(map[string]*requestQueue, len(pools))
	for _, pool := range pools {
		c.ensureQueueLocked(pool)
		queues[pool] = c.queues[pool]
	}
	c.mu.Unlock()

	for pool, q := range queues {
		if q.dispatch(conn, c.requestTTL, dbclustererrors.NewRequestTimeout(pool)) {
			return
		}
	}

	c.mu.Lock()
	for _, pool := range pools {
		if c.idle[pool] == nil {
			c.idle[pool] = make(map[string]driver.Connection)
		}
		c.idle[pool][conn.ID()] = conn
	}
	c.connPools[conn.ID()] = pools
	c.mu.Unlock()
}

func (c *Cluster) forgetConnection(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pool := range c.connPools[connID] {
		delete(c.idle[pool], connID)
	}
	delete(c.connPools, connID)
	delete(c.connNode, connID)
}

// takeIdle removes and returns one idle connection serving pool, if any.
func (c *Cluster) takeIdle(pool string) (driver.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.idle[pool]
	for id, conn := range m {
		pools := c.connPools[id]
		delete(c.connPools, id)
		for _, p := range pools {
			delete(c.idle[p], id)
		}
		return conn, true
	}
	return nil, false
}

// GetConnection returns a leased connection serving pool. The caller must
// call Release once done, or the connection is lost to circulation until
// it ends.
func (c *Cluster) GetConnection(ctx context.Context, pool string) (driver.Connection, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, dbclustererrors.NewShutdown()
	}
	_, known := c.queues[pool]
	c.mu.Unlock()

	if conn, ok := c.takeIdle(pool); ok {
		return conn, nil
	}

	if !known {
		return nil, dbclustererrors.NewPoolNotFound(pool)
	}

	c.mu.Lock()
	q := c.queues[pool]
	c.mu.Unlock()

	req := NewConnectionRequest(pool)
	q.enqueue(req, c.requestTTL, dbclustererrors.NewRequestTimeout(pool))
	return req.Wait(ctx)
}

// Release returns a leased connection to circulation: it is dispatched to
// a waiting request if one exists, otherwise recorded idle again.
func (c *Cluster) Release(conn driver.Connection) {
	c.mu.Lock()
	node, ok := c.connNode[conn.ID()]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.tryDispatchOrIdle(node, conn)
}

// Query is a convenience wrapper: acquire a connection for qc.Pool,
// execute, release, and return the driver's result shape.
func (c *Cluster) Query(ctx context.Context, qc driver.QueryContext) (driver.Rows, driver.Result, error) {
	conn, err := c.GetConnection(ctx, qc.Pool)
	if err != nil {
		return driver.Rows{}, driver.Result{}, err
	}
	rows, result, err := conn.Query(ctx, qc)
	c.Release(conn)
	return rows, result, err
}

// Describe returns an empty Description without consulting any node or
// driver: schema description is out of scope for the engine.
func (c *Cluster) Describe(ctx context.Context, databases []string) (driver.Description, error) {
	return driver.Description{}, nil
}

// End ends every node and aborts every pending request with a shutdown
// error. Idempotent.
func (c *Cluster) End(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	nodes := append([]*Node(nil), c.nodes...)
	queues := make([]*requestQueue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	shutdownErr := dbclustererrors.NewShutdown()
	for _, q := range queues {
		q.abortAll(shutdownErr)
	}
	for _, n := range nodes {
		n.End()
	}
	return nil
}

// Nodes returns every node currently registered with the cluster.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}
