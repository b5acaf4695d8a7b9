package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/a4091/siop"
)

// Engine is the pipeline's view of the SIOP core, a consumer-defined
// interface satisfied by *siop.Adapter without pipeline importing anything
// from siop but its exported API.
type Engine interface {
	StartTransfer(xfer siop.XferHandle, done siop.DoneFunc) error
	Request(op siop.ReqOp, arg any) error
	Reset(cfg siop.BootConfig, clk siop.Clock) error
	InterruptPoll() error
	ResetPending() bool
	Openings() (inUse, max int)
}

const kickFlag uint32 = 1 << 0

// ChannelFlags mirrors the channel's runtime flag set.
type ChannelFlags struct {
	Active           bool
	CanGrowOpenings  bool
	NoSettleDelay    bool
	ResetPending bool
}

// Channel is a SCSI bus.
type Channel struct {
	mu sync.Mutex

	engine      Engine
	clock       siop.Clock
	cfg         siop.BootConfig
	callouts    *calloutList

	initiatorID int
	numTargets  int
	numLuns     int

	peripherals map[[2]int]*Peripheral

	freeTransfers []*Transfer
	pending       []*Transfer
	completion    []*Transfer
	inFlight      map[*Transfer]bool

	flags       ChannelFlags
	openings    int
	maxOpenings int
	threadFlags uint32 // bit 0 is KICK

	resetTimeoutsInFlight int // count of timeouts coalesced into the pending reset, for diagnostics

	log *logrus.Entry
}

// NewChannel attaches a new bus to engine, created at attach and torn
// down at detach.
func NewChannel(engine Engine, cfg siop.BootConfig, clock siop.Clock, numTargets, numLuns int) *Channel {
	_, maxOpenings := engine.Openings()
	return &Channel{
		engine:      engine,
		clock:       clock,
		cfg:         cfg,
		callouts:    newCalloutList(),
		initiatorID: cfg.InitiatorID,
		numTargets:  numTargets,
		numLuns:     numLuns,
		peripherals: make(map[[2]int]*Peripheral),
		inFlight:    make(map[*Transfer]bool),
		flags:       ChannelFlags{Active: true, CanGrowOpenings: true},
		maxOpenings: maxOpenings,
		log:         logrus.WithField("component", "pipeline"),
	}
}

// Pump runs one consumer-context iteration: interrupt poll, callout tick,
// and completion drain. The host environment's dedicated consumer context
// dedicated consumer context calls this in a loop.
func (c *Channel) Pump() error {
	if err := c.engine.InterruptPoll(); err != nil {
		return err
	}
	c.callouts.Tick()
	c.DrainCompletions()
	return nil
}

// Attach resets the adapter and marks the channel active.
func (c *Channel) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.Reset(c.cfg, c.clock); err != nil {
		return fmt.Errorf("pipeline: attach: %w", err)
	}
	c.flags.Active = true
	return nil
}

// Detach marks the channel inactive; in-flight work is left to drain.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.Active = false
}

// RegisterPeripheral adds a probed Peripheral to the channel, keyed by
// (target, lun).
func (c *Channel) RegisterPeripheral(p *Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals[[2]int{p.target, p.lun}] = p
}

// Peripheral looks up a registered logical unit.
func (c *Channel) Peripheral(target, lun int) (*Peripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peripherals[[2]int{target, lun}]
	return p, ok
}

// RemovePeripheral destroys a logical unit at detach time.
func (c *Channel) RemovePeripheral(target, lun int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peripherals, [2]int{target, lun})
}

// NewTransfer allocates a pooled Transfer for dispatch-layer callers from
// the channel's free-transfer-descriptor list.
func (c *Channel) NewTransfer(p *Peripheral, cdb, data []byte, control ControlBits, timeout time.Duration) *Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocTransfer(p, cdb, data, control, timeout)
}

// allocTransfer pops from the free-transfer-descriptor list, or allocates
// a new one if it is empty.
func (c *Channel) allocTransfer(p *Peripheral, cdb, data []byte, control ControlBits, timeout time.Duration) *Transfer {
	if n := len(c.freeTransfers); n > 0 {
		t := c.freeTransfers[n-1]
		c.freeTransfers = c.freeTransfers[:n-1]
		t.peripheral = p
		t.cdb = append(t.cdb[:0], cdb...)
		t.cdbSnapshot = append(t.cdbSnapshot[:0], cdb...)
		t.data = data
		t.control = control
		t.timeout = timeout
		t.requeueCount = 0
		t.reset()
		return t
	}
	return NewTransfer(p, cdb, data, control, timeout)
}

func (c *Channel) freeTransfer(t *Transfer) {
	delete(c.inFlight, t)
	t.hasTag = false
	t.continuation = nil
	t.userHandle = nil
	c.freeTransfers = append(c.freeTransfers, t)
}
