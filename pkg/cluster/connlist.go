package cluster

import (
	"container/list"

	"github.com/lina-db/dbcluster/pkg/driver"
)

// connList is an intrusive doubly-linked list with a side index of
// id -> *list.Element, giving O(1) push, O(1) remove-by-id, and O(1)
// access to the oldest entry. New connections are pushed to the front;
// the oldest connection is always the back.
type connList struct {
	l     *list.List
	index map[string]*list.Element
}

func newConnList() *connList {
	return &connList{
		l:     list.New(),
		index: make(map[string]*list.Element),
	}
}

func (c *connList) pushNewest(conn driver.Connection) {
	el := c.l.PushFront(conn)
	c.index[conn.ID()] = el
}

func (c *connList) removeByID(id string) bool {
	el, ok := c.index[id]
	if !ok {
		return false
	}
	c.l.Remove(el)
	delete(c.index, id)
	return true
}

func (c *connList) oldest() (driver.Connection, bool) {
	back := c.l.Back()
	if back == nil {
		return nil, false
	}
	return back.Value.(driver.Connection), true
}

func (c *connList) len() int {
	return c.l.Len()
}

// all returns every tracked connection, newest first.
func (c *connList) all() []driver.Connection {
	out := make([]driver.Connection, 0, c.l.Len())
	for el := c.l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(driver.Connection))
	}
	return out
}

func (c *connList) reset() {
	c.l = list.New()
	c.index = make(map[string]*list.Element)
}
