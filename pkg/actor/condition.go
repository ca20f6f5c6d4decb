package actor

import "sync/atomic"

// Condition is a coalescing readiness trigger bound to one actor job. Signal
// is cheap and safe from producer threads: while a triggered job is still
// pending, further signals are absorbed by the armed flag, so a hot producer
// cannot flood the actor's queue and an idle source costs nothing.
type Condition struct {
	name string
	ctl  *Control
	fn   func()

	armed atomic.Bool
}

// Name returns the condition's diagnostic name.
func (c *Condition) Name() string { return c.name }

// Signal schedules the bound job unless it is already pending. Signals to a
// closing or closed actor are dropped.
func (c *Condition) Signal() {
	if !c.armed.CompareAndSwap(false, true) {
		return
	}
	err := c.ctl.submit(&job{fn: c.run}, true)
	if err != nil {
		c.armed.Store(false)
	}
}

// run disarms before invoking the job so a signal arriving during the job
// schedules another round rather than being lost.
func (c *Condition) run() {
	c.armed.Store(false)
	c.fn()
}
