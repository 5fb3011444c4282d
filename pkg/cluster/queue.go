package cluster

import (
	"sync"
	"time"

	"github.com/lina-db/dbcluster/pkg/driver"
)

// requestQueue is a per-pool FIFO of pending ConnectionRequests. Cluster
// owns one per pool name.
type requestQueue struct {
	mu    sync.Mutex
	items []*ConnectionRequest
}

func newRequestQueue() *requestQueue {
	return &requestQueue{}
}

// enqueue appends req to the back of the queue and arms a timer that
// aborts it with timeoutErr and removes it from the queue if it is still
// unanswered after ttl. This is what bounds how long a request can wait
// when no connection ever arrives to dispatch it to — GetConnection's
// caller-supplied ctx is a second, independent bound, not a substitute
// for this one.
func (q *requestQueue) enqueue(req *ConnectionRequest, ttl time.Duration, timeoutErr error) {
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()

	time.AfterFunc(ttl, func() {
		if req.Abort(timeoutErr) {
			q.remove(req)
		}
	})
}

// remove drops req from the queue by identity. A no-op if req has
// already been popped by dispatch or drained by abortAll.
func (q *requestQueue) remove(req *ConnectionRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.items {
		if r == req {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// len reports the current queue length.
func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// dispatch pops the oldest non-expired, unanswered request and hands it
// conn. It returns true if a request was matched, meaning conn has been
// leased and must not be recorded idle.
func (q *requestQueue) dispatch(conn driver.Connection, ttl time.Duration, timeoutErr error) bool {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return false
		}
		req := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if req.Answered() {
			continue
		}
		if req.IsExpired(ttl) {
			req.Abort(timeoutErr)
			continue
		}

		req.Execute(conn)
		return true
	}
}

// abortAll drains the queue, aborting every request with err. Used by
// Cluster.End during graceful shutdown.
func (q *requestQueue) abortAll(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range items {
		req.Abort(err)
	}
}
