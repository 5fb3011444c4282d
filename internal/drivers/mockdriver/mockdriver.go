// Package mockdriver is a deterministic, in-memory driver.Connection
// implementation used by the module's tests. It has
// no network dependency: every connection is an entry in a map, "SELECT 1;"
// always succeeds unless configured otherwise, and failure modes are
// dialed in explicitly rather than simulated by chance.
package mockdriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
)

// Factory produces Connections with configurable, inspectable behavior. The
// zero value is a Factory whose connections always connect and always
// answer probes successfully.
type Factory struct {
	mu sync.Mutex

	// openFailures is the number of Connect calls, per node, that must
	// fail before one succeeds. Keyed by node ID so failover scenarios
	// can target one host without affecting the rest of a cluster.
	openFailures map[string]int
	// neverConnect, if set, makes every Connect call on the named node
	// fail forever.
	neverConnect map[string]bool
	// failProbes, if set, makes every Query on the named node fail,
	// health probes included.
	failProbes map[string]bool
	// hangProbes, if set, makes every Query on the named node block until
	// its context is cancelled, for exercising probe timeouts.
	hangProbes map[string]bool
	// failTransactions, if set, makes every CreateTransaction on the named
	// node fail. The connection itself stays live: a failed transaction is
	// a query-level error, not a connectivity problem.
	failTransactions map[string]bool

	// globalFailures counts down on every Connect call regardless of
	// node, for tests that must dial in a failure schedule before a
	// node (and its not-yet-known ID) exists.
	globalFailures int32

	created int32
	conns   []*Connection
}

// NewFactory returns a ready-to-use Factory.
func NewFactory() *Factory {
	return &Factory{
		openFailures:     make(map[string]int),
		neverConnect:     make(map[string]bool),
		failProbes:       make(map[string]bool),
		hangProbes:       make(map[string]bool),
		failTransactions: make(map[string]bool),
	}
}

// FailOpensOnce arranges for the next n Connect attempts on nodeID to fail,
// after which attempts succeed normally. Used to exercise the throttle law.
func (f *Factory) FailOpensOnce(nodeID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openFailures[nodeID] = n
}

// FailNextOpens arranges for the next n Connect attempts, across any node,
// to fail. Use this instead of FailOpensOnce when the target node's ID
// isn't known yet, e.g. to dial in failures before calling NewNode.
func (f *Factory) FailNextOpens(n int) {
	atomic.StoreInt32(&f.globalFailures, int32(n))
}

// NeverConnect makes every future Connect attempt on nodeID fail.
func (f *Factory) NeverConnect(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neverConnect[nodeID] = true
}

// Allow undoes NeverConnect and FailProbes for nodeID.
func (f *Factory) Allow(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.neverConnect, nodeID)
	delete(f.failProbes, nodeID)
}

// FailProbes makes every Query on nodeID, health probes included, fail
// until Allow is called.
func (f *Factory) FailProbes(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failProbes[nodeID] = true
}

// HangProbes makes every Query on nodeID, health probes included, block
// until its context is cancelled, for exercising errorCheckTimeout.
func (f *Factory) HangProbes(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangProbes[nodeID] = true
}

// FailTransactions makes every CreateTransaction on nodeID fail until
// AllowTransactions is called.
func (f *Factory) FailTransactions(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTransactions[nodeID] = true
}

// AllowTransactions undoes FailTransactions for nodeID.
func (f *Factory) AllowTransactions(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failTransactions, nodeID)
}

// Created returns the number of connections this factory has ever
// instantiated, live or failed.
func (f *Factory) Created() int32 {
	return atomic.LoadInt32(&f.created)
}

// Connections returns every connection this factory has ever instantiated.
func (f *Factory) Connections() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connection(nil), f.conns...)
}

// Constructor adapts this Factory into a driver.ConnectionConstructor.
func (f *Factory) Constructor() driver.ConnectionConstructor {
	return func(cfg config.NodeConfig, id string, node driver.NodeHandle) (driver.Connection, error) {
		atomic.AddInt32(&f.created, 1)
		c := &Connection{id: id, nodeID: node.ID(), factory: f}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		return c, nil
	}
}

// Connection is a fake driver.Connection backed by a Factory's dialed-in
// behavior rather than a real transport.
type Connection struct {
	id      string
	nodeID  string
	factory *Factory

	mu             sync.Mutex
	killed         bool
	endCbs         []func(error)
	problemCbs     []func()
	queriesHandled int
}

var _ driver.Connection = (*Connection)(nil)

// ID returns the connection's node-unique identifier.
func (c *Connection) ID() string { return c.id }

// Connect applies the factory's dialed-in failure schedule for this node.
func (c *Connection) Connect(ctx context.Context) error {
	f := c.factory

	for {
		remaining := atomic.LoadInt32(&f.globalFailures)
		if remaining <= 0 {
			break
		}
		if atomic.CompareAndSwapInt32(&f.globalFailures, remaining, remaining-1) {
			return fmt.Errorf("mockdriver: dialed-in global open failure (%d remaining)", remaining-1)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.neverConnect[c.nodeID] {
		return fmt.Errorf("mockdriver: node %s refuses to connect", c.nodeID)
	}
	if remaining := f.openFailures[c.nodeID]; remaining > 0 {
		f.openFailures[c.nodeID] = remaining - 1
		return fmt.Errorf("mockdriver: dialed-in open failure for node %s (%d remaining)", c.nodeID, remaining-1)
	}
	return nil
}

// Query never interprets SQL. Unless the node's probes are set to hang or
// fail, a ModeExec call returns a Result with RowsAffected 1 and any other
// mode returns a single row holding 1, which is what a "SELECT 1;" health
// probe expects.
func (c *Connection) Query(ctx context.Context, qc driver.QueryContext) (driver.Rows, driver.Result, error) {
	c.mu.Lock()
	c.queriesHandled++
	c.mu.Unlock()

	f := c.factory
	f.mu.Lock()
	hang := f.hangProbes[c.nodeID]
	fail := f.failProbes[c.nodeID]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return driver.Rows{}, driver.Result{}, ctx.Err()
	}
	if fail {
		return driver.Rows{}, driver.Result{}, fmt.Errorf("mockdriver: dialed-in probe failure for node %s", c.nodeID)
	}
	if qc.Mode == driver.ModeExec {
		return driver.Rows{}, driver.Result{RowsAffected: 1}, nil
	}
	return driver.Rows{Columns: []string{"?column?"}, Values: [][]interface{}{{int64(1)}}}, driver.Result{}, nil
}

// CreateTransaction applies the factory's dialed-in transaction-failure
// switch; otherwise it is a no-op, since the mock driver has no
// transactional state to track.
func (c *Connection) CreateTransaction(ctx context.Context) error {
	f := c.factory
	f.mu.Lock()
	fail := f.failTransactions[c.nodeID]
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("mockdriver: dialed-in transaction failure for node %s", c.nodeID)
	}
	return nil
}

// Rollback is a no-op, mirroring CreateTransaction.
func (c *Connection) Rollback(ctx context.Context) error { return nil }

// Kill marks the connection dead and synchronously fires every registered
// OnEnd callback, standing in for the asynchronous teardown a real
// transport would perform.
func (c *Connection) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	cbs := append([]func(error){}, c.endCbs...)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(nil)
	}
}

// OnEnd registers an additional termination callback.
func (c *Connection) OnEnd(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCbs = append(c.endCbs, cb)
}

// OnConnectivityProblem registers an additional connectivity-problem
// callback. Never invoked by the mock driver directly; tests that need it
// call TriggerConnectivityProblem.
func (c *Connection) OnConnectivityProblem(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.problemCbs = append(c.problemCbs, cb)
}

// TriggerConnectivityProblem simulates the driver observing a transport
// failure out of band, for tests that exercise Node.handleConnectivityProblem
// without waiting for a real probe to fail.
func (c *Connection) TriggerConnectivityProblem() {
	c.mu.Lock()
	cbs := append([]func(){}, c.problemCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// QueriesHandled returns how many Query calls this connection has served.
func (c *Connection) QueriesHandled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queriesHandled
}
