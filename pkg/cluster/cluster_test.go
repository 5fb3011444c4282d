package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lina-db/dbcluster/internal/drivers/mockdriver"
	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
	dbclustererrors "github.com/lina-db/dbcluster/pkg/errors"
)

func testClusterConfig() *config.ClusterConfig {
	cfg := config.DefaultClusterConfig()
	cfg.RequestTTL = time.Second
	return cfg
}

func TestClusterColdStart(t *testing.T) {
	factory := mockdriver.NewFactory()
	c := NewCluster(testClusterConfig(), factory.Constructor(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	node, err := c.AddNode(ctx, config.NodeConfig{
		Host:           "db-1",
		MaxConnections: 3,
		Pools:          []string{"read", "write"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return node.Count() == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, node.CreatingCount())
}

func TestClusterBulkReadsStayWithinMaxConnections(t *testing.T) {
	factory := mockdriver.NewFactory()
	c := NewCluster(testClusterConfig(), factory.Constructor(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	node, err := c.AddNode(ctx, config.NodeConfig{
		Host:           "db-1",
		MaxConnections: 10,
		Pools:          []string{"read"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 1000)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, qcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer qcancel()
			_, _, err := c.Query(qctx, driver.QueryContext{SQL: "SELECT 1;", Mode: driver.ModeQuery, Pool: "read"})
			if err != nil {
				errs <- err
			}
			assert.LessOrEqual(t, node.Count(), 10)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected query failure: %v", err)
	}
}

func TestClusterFailedTransactionsRecover(t *testing.T) {
	factory := mockdriver.NewFactory()
	c := NewCluster(testClusterConfig(), factory.Constructor(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	node, err := c.AddNode(ctx, config.NodeConfig{
		Host:           "db-1",
		MaxConnections: 5,
		Pools:          []string{"write"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return node.Count() == 5
	}, time.Second, 5*time.Millisecond)

	factory.FailTransactions(node.ID())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, qcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer qcancel()

			conn, err := c.GetConnection(qctx, "write")
			require.NoError(t, err)
			defer c.Release(conn)

			err = conn.CreateTransaction(qctx)
			assert.Error(t, err, "transaction should be rejected while FailTransactions is armed")
		}()
	}
	wg.Wait()

	// A failed transaction is a query-level error, not a connectivity
	// problem: the connections themselves must still be alive.
	require.Eventually(t, func() bool {
		return node.Count() == 5
	}, time.Second, 5*time.Millisecond)

	factory.AllowTransactions(node.ID())
	conn, err := c.GetConnection(ctx, "write")
	require.NoError(t, err)
	defer c.Release(conn)
	require.NoError(t, conn.CreateTransaction(ctx))
}

func TestClusterHostDeathTriggersResetAndRecovery(t *testing.T) {
	factory := mockdriver.NewFactory()
	c := NewCluster(testClusterConfig(), factory.Constructor(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	node, err := c.AddNode(ctx, config.NodeConfig{
		Host:           "db-1",
		MaxConnections: 3,
		Pools:          []string{"read"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return node.Count() == 3
	}, time.Second, 5*time.Millisecond)

	factory.FailProbes(node.ID())
	conns := factory.Connections()
	require.NotEmpty(t, conns)
	conns[0].TriggerConnectivityProblem()

	require.Eventually(t, func() bool {
		return node.Count() == 0
	}, time.Second, 5*time.Millisecond)

	factory.Allow(node.ID())
	require.Eventually(t, func() bool {
		return node.Count() == 3
	}, time.Second, 5*time.Millisecond)

	qctx, qcancel := context.WithTimeout(context.Background(), time.Second)
	defer qcancel()
	_, _, err = c.Query(qctx, driver.QueryContext{SQL: "SELECT 1;", Mode: driver.ModeQuery, Pool: "read"})
	assert.NoError(t, err)
}

func TestClusterExpiredRequestTimesOutWithEmptyQueue(t *testing.T) {
	factory := mockdriver.NewFactory()
	cfg := testClusterConfig()
	cfg.RequestTTL = 50 * time.Millisecond
	c := NewCluster(cfg, factory.Constructor(), testLogger())

	// Fail every open attempt, on any node, so this node never loads.
	factory.FailNextOpens(1_000_000)

	addCtx, addCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer addCancel()

	_, _ = c.AddNode(addCtx, config.NodeConfig{
		Host:           "db-down",
		MaxConnections: 2,
		Pools:          []string{"read"},
	})

	// No ctx deadline: the request must still be rejected by the pool's
	// 50ms RequestTTL, not left to wait forever.
	start := time.Now()
	_, err := c.GetConnection(context.Background(), "read")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, dbclustererrors.IsErrorCode(err, dbclustererrors.ErrCodeRequestTimeout))
	assert.Less(t, elapsed, 300*time.Millisecond, "request should have been aborted by its TTL, not ctx")

	c.mu.Lock()
	q := c.queues["read"]
	c.mu.Unlock()
	// The expiry timer's removal runs just after it unblocks Wait above,
	// so give it a moment to finish rather than racing it.
	require.Eventually(t, func() bool {
		return q.len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClusterGracefulShutdown(t *testing.T) {
	factory := mockdriver.NewFactory()
	c := NewCluster(testClusterConfig(), factory.Constructor(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.AddNode(ctx, config.NodeConfig{
		Host:           "db-1",
		MaxConnections: 2,
		Pools:          []string{"write"},
	})
	require.NoError(t, err)

	// Exhaust the idle supply and leave one request pending.
	leased, err := c.GetConnection(ctx, "write")
	require.NoError(t, err)
	_ = leased
	leased2, err := c.GetConnection(ctx, "write")
	require.NoError(t, err)
	_ = leased2

	pendingCtx, pendingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pendingCancel()
	resultCh := make(chan error, 1)
	go func() {
		_, err := c.GetConnection(pendingCtx, "write")
		resultCh <- err
	}()

	// Give the pending request time to enqueue before shutdown.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.End(context.Background()))

	select {
	case err := <-resultCh:
		require.Error(t, err)
		assert.True(t, dbclustererrors.IsErrorCode(err, dbclustererrors.ErrCodeShutdown))
	case <-time.After(time.Second):
		t.Fatal("pending request was never aborted by shutdown")
	}

	for _, n := range c.Nodes() {
		assert.True(t, n.Ended())
	}

	// A second End must be a no-op.
	require.NoError(t, c.End(context.Background()))
}
