package main

import "time"

// realClock is the wall-clock Clock implementation: no simulated time
// acceleration, since the harness has no hardware latencies to model.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) DelayMs(ms int) { time.Sleep(time.Duration(ms) * time.Millisecond) }
func (realClock) DelayUs(us int) { time.Sleep(time.Duration(us) * time.Microsecond) }
