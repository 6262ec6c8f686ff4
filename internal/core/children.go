// Package core implements sessions, actions and web request tracers on
// top of the beacon encoder, the registry shared with the sender, and the
// watchdog that finalizes sessions after their grace period.
package core

import "sync"

// closable is an open child of a session or action. Parents close their
// children before they close themselves.
type closable interface {
	// closeWithParent closes the child because its parent is closing.
	// When discard is set nothing is reported for the child.
	closeWithParent(discard bool)
}

// childCloser is the back-reference a child holds to its parent. It only
// lets the child detach itself; the parent owns the child.
type childCloser interface {
	onChildClosed(child closable)
}

// children is the ordered set of open children of a parent.
type children struct {
	mu    sync.Mutex
	items []closable
}

func (c *children) add(child closable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, child)
}

func (c *children) remove(child closable) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, item := range c.items {
		if item == child {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

func (c *children) snapshot() []closable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closable(nil), c.items...)
}

func (c *children) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// closeAll closes the children in creation order.
func (c *children) closeAll(discard bool) {
	for _, child := range c.snapshot() {
		child.closeWithParent(discard)
	}
}
