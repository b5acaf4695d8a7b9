package siop

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// NACB is the fixed ACB pool size (pool of Activity Control Blocks).
// Sized generously for a single-channel adapter: deep enough to
// cover one fully-tagged peripheral's queue plus headroom for
// disconnected/reselecting commands on a handful of others.
const NACB = 64

// ReqOp enumerates the SIOP engine's public request operations.
type ReqOp int

const (
	RunXfer ReqOp = iota
	GrowResources
	SetXferMode
)

// GrowResourcesArg is the argument to a GROW_RESOURCES request. Delta
// must be non-negative; the ACB pool is fixed at NACB and does not grow.
type GrowResourcesArg struct {
	Delta int
}

// SetXferModeArg is the argument to a SET_XFER_MODE request.
type SetXferModeArg struct {
	Target      int
	SyncInhibit bool
}

// Adapter is the SIOP instance. It owns the chip registers, the ACB
// pool, and per-target negotiation/statistics state.
type Adapter struct {
	mu sync.Mutex

	reg     *RegisterGateway
	scripts *ScriptsImage
	host    DMAHost
	dsaPhys func(*dataStructure) uint64 // host-provided DS->physical mapping

	clockFreqMHz float64
	clock        clockTiming
	initiatorID  int

	acbs     [NACB]acb
	freeList []int
	ready    []int
	nexusL   []int // disconnected ACBs awaiting reselect
	nexus    int   // index into acbs, or -1

	sync [8]targetSync

	resetPending bool
	metrics      *Metrics
	log          *logrus.Entry

	// deferredDone accumulates completion callbacks raised while
	// interruptPoll holds mu; InterruptPoll runs them after releasing the
	// lock so a pipeline callback is free to call back into the engine
	// (e.g. Reset) without deadlocking on itself.
	deferredDone []func()
}

// AdapterOption configures optional collaborators at construction time.
type AdapterOption func(*Adapter)

// WithMetrics attaches a Metrics collector.
func WithMetrics(m *Metrics) AdapterOption { return func(a *Adapter) { a.metrics = m } }

// WithLogger overrides the default logrus logger.
func WithLogger(l *logrus.Entry) AdapterOption { return func(a *Adapter) { a.log = l } }

// WithDSAMapper overrides how a dataStructure's physical address is derived;
// defaults to treating the ACB index as its own physical handle, which is
// sufficient for the simulated harness and for tests. Real integrations
// back ACBs with DMA-capable memory and supply the true mapping.
func WithDSAMapper(f func(*dataStructure) uint64) AdapterOption {
	return func(a *Adapter) { a.dsaPhys = f }
}

// NewAdapter constructs an Adapter bound to a register gateway, SCRIPTS
// image, and the downstream DMA collaborator. The engine arms no timers:
// a transfer's timeout is only checked to be non-zero.
func NewAdapter(reg *RegisterGateway, scripts *ScriptsImage, host DMAHost, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		reg:     reg,
		scripts: scripts,
		host:    host,
		nexus:   -1,
		log:     logrus.WithField("component", "siop"),
	}
	for i := range a.acbs {
		a.acbs[i].index = i
		a.freeList = append(a.freeList, i)
	}
	for _, o := range opts {
		o(a)
	}
	if a.dsaPhys == nil {
		a.dsaPhys = func(ds *dataStructure) uint64 {
			for i := range a.acbs {
				if &a.acbs[i].ds == ds {
					return uint64(i)
				}
			}
			return 0
		}
	}
	return a
}

// SyncTable exposes the clock-derived timing table for test inspection.
func (a *Adapter) SyncTable() (minsyncNs int, tcp [4]int) {
	return a.clock.minsyncNs, a.clock.tcp
}

// ResetPending reports whether the engine hit a fatal chip condition and
// is waiting for the pipeline to call Reset (the reset-pend debounce).
func (a *Adapter) ResetPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetPending
}

// Openings reports the adapter-level concurrency budget and current
// usage.
func (a *Adapter) Openings() (inUse, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return NACB - len(a.freeList), NACB
}

func (a *Adapter) allocACB() (*acb, error) {
	if len(a.freeList) == 0 {
		return nil, fmt.Errorf("siop: %w", errResourceShortage)
	}
	idx := a.freeList[len(a.freeList)-1]
	a.freeList = a.freeList[:len(a.freeList)-1]
	cb := &a.acbs[idx]
	cb.reset()
	cb.index = idx
	if a.metrics != nil {
		a.metrics.ACBsInUse.Set(float64(NACB - len(a.freeList)))
	}
	return cb, nil
}

func (a *Adapter) freeACB(cb *acb) {
	cb.state = acbFree
	a.freeList = append(a.freeList, cb.index)
	if a.metrics != nil {
		a.metrics.ACBsInUse.Set(float64(NACB - len(a.freeList)))
	}
}

var errResourceShortage = fmt.Errorf("no free ACB")

// Request submits work or reconfigures the engine; the other half of
// the engine's public contract is InterruptPoll.
func (a *Adapter) Request(op ReqOp, arg any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch op {
	case RunXfer:
		xfer, ok := arg.(xferStart)
		if !ok {
			return fmt.Errorf("siop: RunXfer requires a xferStart arg")
		}
		return a.startTransfer(xfer)
	case GrowResources:
		g, ok := arg.(GrowResourcesArg)
		if !ok {
			return fmt.Errorf("siop: GrowResources requires a GrowResourcesArg")
		}
		// The engine's ACB arena is fixed at NACB, so growth requests are
		// validated and acknowledged but never allocate new ACB storage.
		if g.Delta < 0 {
			return fmt.Errorf("siop: GrowResources delta must be non-negative")
		}
		return nil
	case SetXferMode:
		s, ok := arg.(SetXferModeArg)
		if !ok {
			return fmt.Errorf("siop: SetXferMode requires a SetXferModeArg")
		}
		if s.Target < 0 || s.Target > 7 {
			return fmt.Errorf("siop: target %d out of range", s.Target)
		}
		a.sync[s.Target].inhibit = s.SyncInhibit
		if s.SyncInhibit {
			a.sync[s.Target].state = syncDone
			a.sync[s.Target].sxfer, a.sync[s.Target].sbcl = 0, 0
		} else {
			a.sync[s.Target].state = syncWide
		}
		return nil
	default:
		return fmt.Errorf("siop: unknown request op %d", op)
	}
}

// xferStart bundles what RunXfer needs: the transfer itself and the
// completion callback the pipeline wants invoked.
type xferStart struct {
	xfer XferHandle
	done DoneFunc
}

// StartTransfer is the public entry point pipeline.Channel uses to kick
// a ready transfer into the chip.
func (a *Adapter) StartTransfer(xfer XferHandle, done DoneFunc) error {
	return a.Request(RunXfer, xferStart{xfer: xfer, done: done})
}

func (a *Adapter) startTransfer(xs xferStart) error {
	cb, err := a.allocACB()
	if err != nil {
		return err
	}
	cb.xfer = xs.xfer
	cb.done = xs.done
	cb.timeout = xs.xfer.Timeout()
	if cb.timeout <= 0 {
		a.freeACB(cb)
		return fmt.Errorf("siop: transfer timeout must be non-zero")
	}

	target := xs.xfer.Target()
	lun := xs.xfer.Lun()
	ts := &a.sync[target]

	identify := byte(0x80) | byte(lun&0x7) // IDENTIFY | lun
	if xs.xfer.DisconnectAllowed() {
		identify |= 0x40
	}
	cb.ds = dataStructure{
		targetID: target,
		identify: identify,
		cdb:      append([]byte(nil), xs.xfer.CDB()...),
		sxfer:    ts.sxfer,
		sbcl:     ts.sbcl,
	}

	if ts.state == syncWide && !ts.inhibit {
		cb.ds.syncMsgOut = buildSDTR(a.clock.minsyncNs, MaxOffset)
		ts.state = syncWaits
	}

	dir := xs.xfer.Direction()
	if dir != DirNone {
		sg, err := BuildChain(a.host, xs.xfer.Data(), dir)
		if err != nil {
			a.freeACB(cb)
			return fmt.Errorf("siop: build sg chain: %w", err)
		}
		cb.sg = sg
	}

	cb.state = acbReady
	cleanBus := a.nexus == -1 && len(a.nexusL) == 0
	if cleanBus {
		a.nexus = cb.index
		cb.state = acbNexus
	} else {
		a.ready = append(a.ready, cb.index)
	}
	a.programSelection(cb, cleanBus)
	return nil
}

// dispatchReady starts the next ready ACB, if the bus is free and one
// is waiting.
func (a *Adapter) dispatchReady() {
	if a.nexus != -1 || len(a.ready) == 0 {
		return
	}
	idx := a.ready[0]
	a.ready = a.ready[1:]
	cb := &a.acbs[idx]
	a.nexus = idx
	cb.state = acbNexus
	a.programSelection(cb, true)
}

// buildSDTR appends an extended Synchronous Data Transfer Request
// message, proposing the fastest period the chip supports.
func buildSDTR(periodNs, offset int) []byte {
	// SPI-2 SDTR: EXTENDED MESSAGE(01h), len=3, code=01h(SDTR), period
	// (in 4ns units for wire encoding), offset.
	period4ns := byte(periodNs / 4)
	return []byte{0x01, 0x03, 0x01, period4ns, byte(offset)}
}

// programSelection writes DSA/SXFER/SBCL and sets DSP. If the chip is
// already running SCRIPTS waiting for reselect, it signals
// SIGP instead of overwriting DSP outright.
func (a *Adapter) programSelection(cb *acb, cleanBus bool) {
	a.reg.writeLong(regDSA, uint32(a.dsaPhys(&cb.ds)))
	a.reg.writeByte(regSXFER, cb.ds.sxfer)
	a.reg.writeByte(regSBCL, cb.ds.sbcl)
	if cleanBus {
		a.reg.writeLong(regDSP, a.scripts.Address(ScriptsBase))
	} else {
		a.reg.writeByte(regISTAT, istatSIGP)
	}
}
