package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/lina-db/dbcluster/pkg/driver"
	"github.com/lina-db/dbcluster/pkg/errors"
)

// ConnectionRequest is a pending, one-shot promise for a connection on a
// named pool. Exactly one of Execute/Abort ever fires, exactly once;
// answered is monotonic false -> true.
type ConnectionRequest struct {
	id      string
	pool    string
	created time.Time

	mu       sync.Mutex
	answered bool

	result chan connectionResult
}

type connectionResult struct {
	conn driver.Connection
	err  error
}

// NewConnectionRequest stamps created and a fresh id.
func NewConnectionRequest(pool string) *ConnectionRequest {
	return &ConnectionRequest{
		id:      newID(),
		pool:    pool,
		created: time.Now(),
		// buffered 1: Execute/Abort must never block on a missing
		// receiver (the caller may have already given up via ctx).
		result: make(chan connectionResult, 1),
	}
}

// ID returns the request's process-unique identifier.
func (r *ConnectionRequest) ID() string { return r.id }

// Pool returns the pool name this request must be satisfied from.
func (r *ConnectionRequest) Pool() string { return r.pool }

// Created returns the enqueue timestamp.
func (r *ConnectionRequest) Created() time.Time { return r.created }

// Answered reports whether Execute or Abort has already fired.
func (r *ConnectionRequest) Answered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answered
}

// Execute resolves the request with conn. A no-op if already answered.
func (r *ConnectionRequest) Execute(conn driver.Connection) {
	r.mu.Lock()
	if r.answered {
		r.mu.Unlock()
		return
	}
	r.answered = true
	r.mu.Unlock()

	r.result <- connectionResult{conn: conn}
}

// Abort rejects the request with err and reports whether it actually did
// so. A no-op, returning false, if already answered.
func (r *ConnectionRequest) Abort(err error) bool {
	r.mu.Lock()
	if r.answered {
		r.mu.Unlock()
		return false
	}
	r.answered = true
	r.mu.Unlock()

	r.result <- connectionResult{err: err}
	return true
}

// IsExpired is a pure predicate: now - created > ttl.
func (r *ConnectionRequest) IsExpired(ttl time.Duration) bool {
	return time.Since(r.created) > ttl
}

// Wait blocks until the request is answered or ctx is cancelled, standing
// in for a resolve/reject callback pair with a single return value.
func (r *ConnectionRequest) Wait(ctx context.Context) (driver.Connection, error) {
	select {
	case res := <-r.result:
		return res.conn, res.err
	case <-ctx.Done():
		r.Abort(errors.NewRequestTimeout(r.pool))
		return nil, ctx.Err()
	}
}
