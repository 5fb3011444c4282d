package cluster

import (
	"context"

	"github.com/lina-db/dbcluster/pkg/driver"
	"github.com/lina-db/dbcluster/pkg/logger"
)

// testLogger returns a logger quiet enough not to flood test output with
// the warnings Node emits while exercising failure paths.
func testLogger() logger.Logger {
	return logger.NewDefaultLogger(logger.FatalLevel, "text")
}

// stubConnection is the smallest possible driver.Connection, used across
// pkg/cluster's unit tests that only need an identity, not behavior.
type stubConnection struct {
	id string
}

func (s *stubConnection) ID() string                                 { return s.id }
func (s *stubConnection) Connect(_ context.Context) error             { return nil }
func (s *stubConnection) CreateTransaction(_ context.Context) error   { return nil }
func (s *stubConnection) Rollback(_ context.Context) error            { return nil }
func (s *stubConnection) Kill()                                       {}
func (s *stubConnection) OnEnd(func(error))                           {}
func (s *stubConnection) OnConnectivityProblem(func())                {}
func (s *stubConnection) Query(_ context.Context, _ driver.QueryContext) (driver.Rows, driver.Result, error) {
	return driver.Rows{}, driver.Result{}, nil
}

var _ driver.Connection = (*stubConnection)(nil)
