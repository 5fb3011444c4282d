package cluster

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
	dbclustererrors "github.com/lina-db/dbcluster/pkg/errors"
	"github.com/lina-db/dbcluster/pkg/logger"
)

// Node owns every connection to a single host and runs the create/throttle/
// probe/reset state machine. All mutable state is guarded by mu; there is
// no lock shared across nodes, so each node's state machine progresses
// independently of every other node's.
type Node struct {
	id            string
	pools         []string
	compositeName string

	cfg                config.NodeConfig
	maxConnections     int
	errorCheckInterval time.Duration
	errorCheckTimeout  time.Duration

	factory driver.ConnectionConstructor
	log     logger.Logger
	events  *nodeEventBus

	mu             sync.Mutex
	connections    *connList
	creatingCount  int
	throttling     bool
	throttleTimeMS float64
	ended          bool
	errorChecking  bool
	lastErrorCheck time.Time
	loadEmitted    bool
}

// NewNode constructs a Node and immediately schedules its first connection
// attempt on the next scheduling turn: a node eagerly opens its first
// connection rather than waiting for a caller to ask for one.
func NewNode(cfg config.NodeConfig, factory driver.ConnectionConstructor, log logger.Logger) *Node {
	cfg.ApplyDefaults()

	pools := append([]string(nil), cfg.Pools...)
	sorted := append([]string(nil), pools...)
	sort.Strings(sorted)

	n := &Node{
		id:                 newID(),
		pools:              pools,
		compositeName:      strings.Join(sorted, "+"),
		cfg:                cfg,
		maxConnections:     cfg.MaxConnections,
		errorCheckInterval: time.Duration(cfg.ErrorCheckInterval) * time.Millisecond,
		errorCheckTimeout:  time.Duration(cfg.ErrorCheckTimeout) * time.Millisecond,
		factory:            factory,
		events:             newNodeEventBus(),
		connections:        newConnList(),
		throttling:         true,
		throttleTimeMS:     float64(cfg.ThrottleTime),
	}
	n.log = log.With(logger.String("node_id", n.id), logger.String("node_pools", n.compositeName))

	deferTask(n.createConnection)

	return n
}

// ID identifies this node uniquely within its cluster.
func (n *Node) ID() string { return n.id }

// Pools returns the pool names this node serves.
func (n *Node) Pools() []string { return append([]string(nil), n.pools...) }

// CompositeName is the sorted, "+"-joined pool set, attached to the node's
// log lines as node_pools.
func (n *Node) CompositeName() string { return n.compositeName }

// Count returns the number of connections currently tracked, live or
// still connecting.
func (n *Node) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connections.len()
}

// CreatingCount returns the number of connections mid-open.
func (n *Node) CreatingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.creatingCount
}

// Idle returns round(count/maxConnections*100): the share of this node's
// capacity currently occupied by a connection. A node with a smaller
// maxConnections reports a higher share for the same connection count.
// The dispatcher does not read this value: any bias toward bigger nodes
// comes only from their contributing more connections to the idle sets.
func (n *Node) Idle() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.maxConnections == 0 {
		return 0
	}
	pct := float64(n.connections.len()) / float64(n.maxConnections) * 100
	return int(math.Round(pct))
}

// Ended reports whether End has already been called.
func (n *Node) Ended() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ended
}

// Events exposes the node's typed pub/sub bus.
func (n *Node) Events() *nodeEventBus { return n.events }

// createConnection is the entry point of the state machine. It is
// re-entrant: it is invoked from NewNode, from itself on both the
// throttled and non-throttled paths, and from handleConnectionEnd and
// resetNode whenever the pool needs refilling.
func (n *Node) createConnection() {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}
	if n.connections.len()+n.creatingCount >= n.maxConnections {
		n.mu.Unlock()
		return
	}
	throttling := n.throttling
	if throttling && n.creatingCount > 0 {
		// Only one throttled attempt is ever in flight at a time.
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if throttling {
		n.mu.Lock()
		delay := time.Duration(n.throttleTimeMS) * time.Millisecond
		n.mu.Unlock()
		deferAfter(delay, n.runThrottledAttempt)
		return
	}

	// Non-throttled branch: fan out concurrently, up to maxConnections.
	// Do not await this attempt before scheduling the next; that is what
	// makes the fill concurrent rather than sequential.
	go n.runNonThrottledAttempt()
	deferTask(n.createConnection)
}

func (n *Node) runThrottledAttempt() {
	err := n.executeCreateConnection()
	if err == nil {
		n.mu.Lock()
		n.throttling = false
		n.throttleTimeMS = float64(n.cfg.ThrottleTime)
		n.mu.Unlock()
		n.createConnection()
		return
	}

	n.mu.Lock()
	n.throttleTimeMS = math.Ceil(n.throttleTimeMS * 1.1)
	n.mu.Unlock()
	n.createConnection()
}

func (n *Node) runNonThrottledAttempt() {
	if err := n.executeCreateConnection(); err != nil {
		// executeCreateConnection has already flipped throttling on; the
		// retry below re-enters the throttled branch.
		n.createConnection()
	}
}

// executeCreateConnection performs one connection attempt: instantiate,
// register, connect, subscribe, and either emit a connection event or
// propagate a wrapped open failure.
func (n *Node) executeCreateConnection() error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return dbclustererrors.New(dbclustererrors.ErrCodeNodeEnded, "node has ended")
	}

	id := newID()
	conn, err := n.factory(n.cfg, id, n)
	if err != nil {
		n.mu.Unlock()
		return n.handleOpenFailure(nil, err)
	}

	// Registered before Connect resolves: connections may transiently
	// double-count against creatingCount while a connection is mid-open.
	// This is intentional; see DESIGN.md.
	n.connections.pushNewest(conn)
	n.creatingCount++
	n.mu.Unlock()

	if err := conn.Connect(context.Background()); err != nil {
		return n.handleOpenFailure(conn, err)
	}

	n.mu.Lock()
	n.creatingCount--
	n.throttling = false
	firstConnection := !n.loadEmitted
	if firstConnection {
		n.loadEmitted = true
	}
	n.mu.Unlock()

	conn.OnEnd(func(endErr error) { n.handleConnectionEnd(conn, endErr) })
	conn.OnConnectivityProblem(n.handleConnectivityProblem)

	n.events.emitConnection(conn)
	if firstConnection {
		deferTask(n.events.emitLoad)
	}

	return nil
}

// handleOpenFailure unwinds the bookkeeping for a failed attempt and
// decides whether to escalate to a connectivity-problem health check.
func (n *Node) handleOpenFailure(conn driver.Connection, cause error) error {
	n.mu.Lock()
	if conn != nil {
		n.connections.removeByID(conn.ID())
	}
	n.creatingCount--
	n.throttling = true
	ended := n.ended
	n.mu.Unlock()

	wrapped := dbclustererrors.NewOpenFailure(n.id, cause)
	if ended {
		return wrapped
	}

	n.log.Warn("connection open failed", logger.Err(cause))
	n.handleConnectivityProblem()
	return wrapped
}

// handleConnectionEnd fires when a live connection's OnEnd callback runs:
// it is removed from the pool and, unless the node has ended, a
// replacement attempt is scheduled.
func (n *Node) handleConnectionEnd(conn driver.Connection, cause error) {
	n.mu.Lock()
	n.connections.removeByID(conn.ID())
	ended := n.ended
	n.mu.Unlock()

	if cause != nil {
		n.log.Warn("connection ended abnormally", logger.Err(cause))
	}
	if !ended {
		n.createConnection()
	}
}

// handleConnectivityProblem runs a throttled health probe against the
// oldest live connection, resetting the node if the probe fails or times
// out. It is a no-op if the node has ended, a probe is already in
// flight, or the last probe ran too recently (errorCheckInterval).
func (n *Node) handleConnectivityProblem() {
	n.mu.Lock()
	if n.ended || n.errorChecking {
		n.mu.Unlock()
		return
	}
	if !n.lastErrorCheck.IsZero() && time.Since(n.lastErrorCheck) <= n.errorCheckInterval {
		n.mu.Unlock()
		return
	}
	if n.connections.len() == 0 {
		n.mu.Unlock()
		n.createConnection()
		return
	}

	oldest, ok := n.connections.oldest()
	if !ok {
		n.mu.Unlock()
		return
	}
	n.errorChecking = true
	n.lastErrorCheck = time.Now()
	n.mu.Unlock()

	n.probe(oldest)
}

func (n *Node) probe(conn driver.Connection) {
	var timedOut int32

	cancel := deferAfter(n.errorCheckTimeout, func() {
		if atomic.CompareAndSwapInt32(&timedOut, 0, 1) {
			n.log.Warn("health probe timed out", logger.String("connection_id", conn.ID()))
			n.resetNode()
		}
	})

	go func() {
		_, _, err := conn.Query(context.Background(), driver.QueryContext{
			SQL:  "SELECT 1;",
			Mode: driver.ModeQuery,
		})

		if !atomic.CompareAndSwapInt32(&timedOut, 0, 1) {
			// The timeout branch already fired and reset the node; this
			// late result must be discarded.
			return
		}
		cancel()

		if err != nil {
			n.log.Warn("health probe failed", logger.Err(err))
			n.resetNode()
			return
		}

		n.mu.Lock()
		n.errorChecking = false
		n.mu.Unlock()
	}()
}

// resetNode tears down every tracked connection and re-arms throttled
// startup, as if the node had just been constructed. A no-op once the
// node has ended.
func (n *Node) resetNode() {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}
	conns := n.connections.all()
	n.connections.reset()
	n.creatingCount = 0
	n.throttling = true
	n.throttleTimeMS = float64(n.cfg.ThrottleTime)
	n.errorChecking = false
	n.mu.Unlock()

	n.log.Warn("resetting node", logger.Int("dropped_connections", len(conns)))
	for _, c := range conns {
		c.Kill()
	}
	deferTask(n.createConnection)
}

// End idempotently tears the node down for good: every connection is
// killed and no further connection attempts are scheduled.
func (n *Node) End() {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}
	n.ended = true
	conns := n.connections.all()
	n.connections.reset()
	n.mu.Unlock()

	for _, c := range conns {
		c.Kill()
	}
	n.events.emitEnd()
}
