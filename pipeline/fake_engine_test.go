package pipeline

import (
	"time"

	"github.com/a4091/siop"
)

// pendingCompletion mirrors the real chip's behavior of raising a
// completion from interrupt context, strictly after StartTransfer
// returns: fakeEngine defers delivery to InterruptPoll rather than
// calling done inline, so tests never reenter Channel.done while
// Channel.runQueue still holds c.mu.
type pendingCompletion struct {
	xfer siop.XferHandle
	done siop.DoneFunc
	res  siop.CompletionResult
}

type fakeEngine struct {
	maxOpenings  int
	inUse        int
	resets       int
	resetPending bool

	startErr error
	// onStart, if set, computes the completion result for each started
	// transfer; defaults to an immediate NOERROR completion.
	onStart func(xfer siop.XferHandle) siop.CompletionResult
	started []siop.XferHandle
	pending []pendingCompletion
}

func newFakeEngine(max int) *fakeEngine {
	return &fakeEngine{maxOpenings: max}
}

func (f *fakeEngine) StartTransfer(xfer siop.XferHandle, done siop.DoneFunc) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, xfer)
	f.inUse++
	res := siop.CompletionResult{Error: siop.NOERROR}
	if f.onStart != nil {
		res = f.onStart(xfer)
	}
	f.pending = append(f.pending, pendingCompletion{xfer: xfer, done: done, res: res})
	return nil
}

func (f *fakeEngine) Request(op siop.ReqOp, arg any) error { return nil }

func (f *fakeEngine) Reset(cfg siop.BootConfig, clk siop.Clock) error {
	f.resets++
	f.resetPending = false
	return nil
}

// InterruptPoll delivers every completion queued since the last call,
// simulating the chip raising interrupts for transfers started earlier.
func (f *fakeEngine) InterruptPoll() error {
	batch := f.pending
	f.pending = nil
	for _, pc := range batch {
		f.inUse--
		pc.done(pc.xfer, pc.res)
	}
	return nil
}

func (f *fakeEngine) ResetPending() bool { return f.resetPending }

func (f *fakeEngine) Openings() (int, int) { return f.inUse, f.maxOpenings }

// fakeClock is a no-delay siop.Clock for tests.
type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }
func (fakeClock) DelayMs(ms int)   {}
func (fakeClock) DelayUs(us int)   {}

func testChannel(max int) (*Channel, *fakeEngine) {
	eng := newFakeEngine(max)
	ch := NewChannel(eng, siop.DefaultBootConfig(), fakeClock{}, 8, 1)
	return ch, eng
}
