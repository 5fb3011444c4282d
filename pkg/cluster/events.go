package cluster

import (
	"sync"

	"github.com/lina-db/dbcluster/pkg/driver"
)

// nodeEventBus is a typed pub/sub bus: a Node publishes connection, load,
// and end events, each backed by its own slice of subscribers rather than
// a map keyed on an event-name string, so a typo in an event name can
// never silently produce a dead subscription.
type nodeEventBus struct {
	mu sync.RWMutex

	onConnection []func(driver.Connection)
	onLoad       []func()
	onEnd        []func()
}

func newNodeEventBus() *nodeEventBus {
	return &nodeEventBus{}
}

func (b *nodeEventBus) OnConnection(cb func(driver.Connection)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnection = append(b.onConnection, cb)
}

func (b *nodeEventBus) OnLoad(cb func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLoad = append(b.onLoad, cb)
}

func (b *nodeEventBus) OnEnd(cb func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEnd = append(b.onEnd, cb)
}

func (b *nodeEventBus) emitConnection(conn driver.Connection) {
	b.mu.RLock()
	subs := append([]func(driver.Connection){}, b.onConnection...)
	b.mu.RUnlock()

	for _, cb := range subs {
		cb(conn)
	}
}

// emitLoad is always called through deferTask by the caller so it runs on
// the scheduling turn after the triggering connection event.
func (b *nodeEventBus) emitLoad() {
	b.mu.RLock()
	subs := append([]func(){}, b.onLoad...)
	b.mu.RUnlock()

	for _, cb := range subs {
		cb()
	}
}

func (b *nodeEventBus) emitEnd() {
	b.mu.RLock()
	subs := append([]func(){}, b.onEnd...)
	b.mu.RUnlock()

	for _, cb := range subs {
		cb()
	}
}
