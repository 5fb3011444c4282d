package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueueDispatchIsFIFO(t *testing.T) {
	q := newRequestQueue()
	a := NewConnectionRequest("read")
	b := NewConnectionRequest("read")
	q.enqueue(a, time.Hour, errors.New("timeout"))
	q.enqueue(b, time.Hour, errors.New("timeout"))

	conn := &stubConnection{id: "c1"}
	matched := q.dispatch(conn, time.Hour, errors.New("timeout"))
	require.True(t, matched)

	got, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID())
	assert.False(t, b.Answered())
}

func TestRequestQueueDispatchSkipsExpired(t *testing.T) {
	q := newRequestQueue()
	stale := NewConnectionRequest("read")
	stale.created = time.Now().Add(-time.Hour)
	fresh := NewConnectionRequest("read")

	q.enqueue(stale, time.Hour, errors.New("timeout"))
	q.enqueue(fresh, time.Hour, errors.New("timeout"))

	conn := &stubConnection{id: "c1"}
	timeoutErr := errors.New("timeout")
	matched := q.dispatch(conn, time.Minute, timeoutErr)
	require.True(t, matched)

	_, err := stale.Wait(context.Background())
	assert.Equal(t, timeoutErr, err)

	got, err := fresh.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID())
}

func TestRequestQueueDispatchOnEmptyQueueReturnsFalse(t *testing.T) {
	q := newRequestQueue()
	matched := q.dispatch(&stubConnection{id: "c1"}, time.Hour, errors.New("timeout"))
	assert.False(t, matched)
}

func TestRequestQueueEnqueueExpiresAndRemovesOnTTL(t *testing.T) {
	q := newRequestQueue()
	req := NewConnectionRequest("write")

	timeoutErr := errors.New("timeout")
	q.enqueue(req, 20*time.Millisecond, timeoutErr)

	require.Eventually(t, func() bool {
		return q.len() == 0
	}, time.Second, 5*time.Millisecond)

	_, err := req.Wait(context.Background())
	assert.Equal(t, timeoutErr, err)
}

func TestRequestQueueAbortAll(t *testing.T) {
	q := newRequestQueue()
	a := NewConnectionRequest("read")
	b := NewConnectionRequest("read")
	q.enqueue(a, time.Hour, errors.New("timeout"))
	q.enqueue(b, time.Hour, errors.New("timeout"))

	shutdownErr := errors.New("shutdown")
	q.abortAll(shutdownErr)

	assert.Equal(t, 0, q.len())
	_, errA := a.Wait(context.Background())
	_, errB := b.Wait(context.Background())
	assert.Equal(t, shutdownErr, errA)
	assert.Equal(t, shutdownErr, errB)
}
