package call

// Subscribe returns a channel of call events and a cancel func. Slow
// consumers miss events rather than block the controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	c.lmu.Lock()
	c.listeners = append(c.listeners, ch)
	c.lmu.Unlock()

	cancel := func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		for i, l := range c.listeners {
			if l == ch {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// emit must run on the loop. cl == nil reports the idle controller.
func (c *Controller) emit(kind EventKind, cl *call, err error) {
	ev := Event{Kind: kind, Call: c.snapshot(cl), Err: err}

	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
