package transport

import "sync"

// Connectivity is the process-wide connected/disconnected flag. Only this
// package writes it; everything else reads or subscribes.
type Connectivity struct {
	mu        sync.Mutex
	connected bool
	subs      map[int]func(bool)
	next      int
}

func NewConnectivity() *Connectivity {
	return &Connectivity{subs: make(map[int]func(bool))}
}

func (c *Connectivity) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers fn for transitions. fn is not called with the current
// value.
func (c *Connectivity) Subscribe(fn func(connected bool)) (cancel func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Connectivity) set(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(connected)
	}
}
