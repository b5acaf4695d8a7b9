package pipeline

import "container/list"

// Callout is a one-shot timer: ticks remaining, callback, argument, and
// list membership. Nothing in the pipeline schedules one: transfer
// timeouts are not armed, and the reset-pend debounce in Channel.done
// uses no timer.
type Callout struct {
	ticks int
	fn    func(arg any)
	arg   any
	elem  *list.Element
}

// calloutList owns all pending callouts for one Channel. Tick() is called
// by Channel.Pump and by Execute's synchronous poll loop.
type calloutList struct {
	l *list.List
}

func newCalloutList() *calloutList {
	return &calloutList{l: list.New()}
}

// Schedule arms a callout to fire after the given number of ticks.
func (cl *calloutList) Schedule(ticks int, fn func(arg any), arg any) *Callout {
	c := &Callout{ticks: ticks, fn: fn, arg: arg}
	c.elem = cl.l.PushBack(c)
	return c
}

// Cancel removes a callout before it fires. A no-op if already fired.
func (cl *calloutList) Cancel(c *Callout) {
	if c == nil || c.elem == nil {
		return
	}
	cl.l.Remove(c.elem)
	c.elem = nil
}

// Tick decrements every pending callout by one and fires those that reach
// zero, in list order.
func (cl *calloutList) Tick() {
	var fired []*Callout
	for e := cl.l.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*Callout)
		c.ticks--
		if c.ticks <= 0 {
			cl.l.Remove(e)
			c.elem = nil
			fired = append(fired, c)
		}
		e = next
	}
	for _, c := range fired {
		c.fn(c.arg)
	}
}
