package dbcluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lina-db/dbcluster/internal/drivers/mockdriver"
	"github.com/lina-db/dbcluster/pkg/config"
	"github.com/lina-db/dbcluster/pkg/driver"
)

func TestNewAddsConfiguredNodesEagerly(t *testing.T) {
	factory := mockdriver.NewFactory()
	cfg := config.DefaultClusterConfig()
	cfg.Nodes = []config.NodeConfig{
		{Host: "db-1", MaxConnections: 2, Pools: []string{"read", "write"}},
	}

	db, err := New(cfg, factory.Constructor())
	require.NoError(t, err)
	require.Len(t, db.Nodes(), 1)

	require.Eventually(t, func() bool {
		return db.Nodes()[0].Count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDBQueryAndEnd(t *testing.T) {
	factory := mockdriver.NewFactory()
	db, err := New(config.DefaultClusterConfig(), factory.Constructor())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = db.AddNode(ctx, config.NodeConfig{
		Host:           "db-1",
		MaxConnections: 2,
		Pools:          []string{"read"},
	})
	require.NoError(t, err)

	_, _, err = db.Query(ctx, driver.QueryContext{SQL: "SELECT 1;", Mode: driver.ModeQuery, Pool: "read"})
	require.NoError(t, err)

	require.NoError(t, db.End(context.Background()))
	for _, n := range db.Nodes() {
		assert.True(t, n.Ended())
	}
}
