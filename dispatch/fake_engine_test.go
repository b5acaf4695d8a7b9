package dispatch

import (
	"time"

	"github.com/a4091/siop"
)

// pendingCompletion defers delivery to InterruptPoll, mirroring the real
// chip raising completions from interrupt context strictly after
// StartTransfer returns to its caller.
type pendingCompletion struct {
	xfer siop.XferHandle
	done siop.DoneFunc
	res  siop.CompletionResult
}

// fakeEngine is a scriptable pipeline.Engine stand-in so dispatch's probe
// chains and I/O submission can be exercised without a real chip.
type fakeEngine struct {
	maxOpenings int
	inUse       int

	// onStart, if set, computes the CompletionResult delivered for each
	// started transfer; when nil every transfer gets NOERROR.
	onStart func(xfer siop.XferHandle) siop.CompletionResult
	pending []pendingCompletion
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{maxOpenings: 16}
}

func (f *fakeEngine) StartTransfer(xfer siop.XferHandle, done siop.DoneFunc) error {
	f.inUse++
	res := siop.CompletionResult{Error: siop.NOERROR}
	if f.onStart != nil {
		res = f.onStart(xfer)
	}
	f.pending = append(f.pending, pendingCompletion{xfer: xfer, done: done, res: res})
	return nil
}

func (f *fakeEngine) Request(op siop.ReqOp, arg any) error { return nil }

func (f *fakeEngine) Reset(cfg siop.BootConfig, clk siop.Clock) error { return nil }

func (f *fakeEngine) InterruptPoll() error {
	batch := f.pending
	f.pending = nil
	for _, pc := range batch {
		f.inUse--
		pc.done(pc.xfer, pc.res)
	}
	return nil
}

func (f *fakeEngine) ResetPending() bool { return false }

func (f *fakeEngine) Openings() (int, int) { return f.inUse, f.maxOpenings }

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Time{} }
func (fakeClock) DelayMs(ms int) {}
func (fakeClock) DelayUs(us int) {}
