package pipeline

import (
	"fmt"
	"time"

	"github.com/a4091/siop"
	"github.com/a4091/siop/scsi"
)

// Outcome is the pipeline's final, user-facing disposition of a completed
// Transfer, after sense interpretation and error-kind translation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetrying
	OutcomeNoDev       // media ejected
	OutcomeInval       // illegal request during discovery
	OutcomeMediaChanged
	OutcomeROFS // data-protect
	OutcomeNoSpace
	OutcomeIO
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeRetrying:
		return "RETRYING"
	case OutcomeNoDev:
		return "NODEV"
	case OutcomeInval:
		return "EINVAL"
	case OutcomeMediaChanged:
		return "MEDIA_CHANGED"
	case OutcomeROFS:
		return "EROFS"
	case OutcomeNoSpace:
		return "ENOSPC"
	default:
		return "EIO"
	}
}

// Execute submits a transfer for execution.
func (c *Channel) Execute(t *Transfer) error {
	if t.timeout <= 0 {
		return fmt.Errorf("pipeline: transfer timeout must be non-zero")
	}

	p := t.peripheral
	if p.scsiVersion != 0 && p.scsiVersion <= 2 {
		scsi.SetLUN(t.cdbSnapshot, uint8(p.lun))
	}

	t.reset()

	if !t.control.has(CtlUrgent) {
		if !p.caps.Has(CapTaggedQueuing) {
			t.control &^= CtlSimpleTag | CtlOrderedTag | CtlHeadTag
			t.hasTag = false
		} else if t.control.has(CtlSimpleTag | CtlOrderedTag | CtlHeadTag) {
			id, ok := p.tags.getTag()
			if ok {
				t.tagID = id
				t.hasTag = true
				switch {
				case t.control.has(CtlOrderedTag):
					t.tagType = siop.OrderedTag
				case t.control.has(CtlHeadTag):
					t.tagType = siop.HeadTag
				default:
					t.tagType = siop.SimpleTag
				}
			} else {
				c.log.Warn("pipeline: no free tag id, running untagged")
			}
		}
	}

	if !c.flags.CanGrowOpenings || t.control.has(CtlPoll) {
		t.control &^= CtlAsync
	}

	c.mu.Lock()
	c.enqueue(t)
	c.runQueue()
	c.mu.Unlock()

	if t.control.has(CtlAsync) && !t.control.has(CtlPoll) {
		return nil
	}

	// Spin without holding c.mu: InterruptPoll runs siop.DoneFunc
	// callbacks (Channel.done), which lock c.mu themselves.
	for !t.done {
		if err := c.engine.InterruptPoll(); err != nil {
			c.log.WithError(err).Error("pipeline: interrupt poll during synchronous execute")
		}
		c.callouts.Tick()
	}
	c.Complete(t)
	return nil
}

// enqueue puts an URGENT transfer at the head of the pending list. A
// requeued transfer goes just before the first pending entry for the same
// peripheral with a lower requeue count; anything else goes at the tail.
func (c *Channel) enqueue(t *Transfer) {
	if t.control.has(CtlUrgent) {
		c.pending = append([]*Transfer{t}, c.pending...)
		return
	}
	if t.requeueCount > 0 {
		for i, other := range c.pending {
			if other.peripheral == t.peripheral && other.requeueCount < t.requeueCount {
				c.pending = append(c.pending[:i], append([]*Transfer{t}, c.pending[i:]...)...)
				return
			}
		}
	}
	c.pending = append(c.pending, t)
}

// runQueue drains runnable work into the engine.
func (c *Channel) runQueue() {
	for i := 0; i < len(c.pending); {
		t := c.pending[i]
		p := t.peripheral

		blockedByRecovery := p.recoveryBusy && !t.control.has(CtlUrgent)
		blockedByUntag := p.currentlyUntagged()
		if !p.hasCapacity() || blockedByRecovery || blockedByUntag {
			i++
			continue
		}

		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		p.sent++
		if t.control.has(CtlUrgent) {
			p.recoveryBusy = true
		}
		if !t.hasTag {
			t.control |= CtlUntag
			p.untaggedRunning = true
		}
		c.inFlight[t] = true

		if err := c.engine.StartTransfer(t, c.done); err != nil {
			c.log.WithError(err).Error("pipeline: StartTransfer failed")
			p.sent--
			if t.hasTag {
				p.tags.putTag(t.tagID)
			} else {
				p.untaggedRunning = false
			}
			if t.control.has(CtlUrgent) {
				p.recoveryBusy = false
			}
			delete(c.inFlight, t)
			t.err = siop.DRIVER_STUFFUP
			t.done = true
			c.completion = append(c.completion, t)
			continue
		}
	}
}

// done is the siop.DoneFunc the engine invokes from interrupt context.
func (c *Channel) done(xfer siop.XferHandle, res siop.CompletionResult) {
	t, ok := xfer.(*Transfer)
	if !ok {
		return
	}
	c.mu.Lock()

	p := t.peripheral
	p.sent--
	delete(c.inFlight, t)
	if t.hasTag {
		p.tags.putTag(t.tagID)
	} else {
		p.untaggedRunning = false
	}
	if t.control.has(CtlUrgent) {
		p.recoveryBusy = false
	}

	t.err = res.Error
	t.status = res.SCSIStatus
	t.residual = res.Residual
	if res.Sense != nil {
		t.senseLen = copy(t.sense[:], res.Sense)
	}
	t.done = true

	if t.status == scsi.SamStatCheckCondition && t.control&CtlRequestSense == 0 {
		p.pendingSenseCheck = t
	}

	// Polled and synchronous callers spin on t.done themselves (see
	// Execute) and run Complete once the loop exits; only asynchronous work
	// needs handing to the consumer's completion queue.
	if t.control.has(CtlAsync) && !t.control.has(CtlPoll) {
		c.completion = append(c.completion, t)
	}

	if res.Error == siop.TIMEOUT && (len(c.inFlight) > 0 || c.flags.ResetPending) {
		if !c.flags.ResetPending {
			c.flags.ResetPending = true
			c.resetTimeoutsInFlight = 0
		}
		c.resetTimeoutsInFlight++
	}
	needsReset := c.flags.ResetPending && len(c.inFlight) == 0
	if needsReset {
		c.flags.ResetPending = false
		if c.resetTimeoutsInFlight > 1 {
			c.log.WithField("coalesced_timeouts", c.resetTimeoutsInFlight).
				Info("pipeline: coalescing reset across concurrent timeouts")
		}
		c.resetTimeoutsInFlight = 0
	}
	c.mu.Unlock()

	// The hard reset and the queue kick that follows it run without c.mu
	// held: Reset may
	// synchronously re-enter this function for other in-flight transfers,
	// and runQueue only needs the lock for its own duration.
	if needsReset {
		if err := c.engine.Reset(c.cfg, c.clock); err != nil {
			c.log.WithError(err).Error("pipeline: coalesced reset failed")
		} else {
			c.mu.Lock()
			c.threadFlags |= kickFlag
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	if c.threadFlags&kickFlag != 0 {
		c.threadFlags &^= kickFlag
	}
	c.runQueue()
	c.mu.Unlock()
}

// DrainCompletions runs Complete on every transfer the dedicated consumer
// context has been handed.
func (c *Channel) DrainCompletions() {
	c.mu.Lock()
	batch := c.completion
	c.completion = nil
	c.mu.Unlock()

	for _, t := range batch {
		c.Complete(t)
	}
}

// Complete processes one finished transfer to a final Outcome and, on
// retry, re-enqueues it.
func (c *Channel) Complete(t *Transfer) {
	if t.status == scsi.SamStatCheckCondition && t.peripheral.pendingSenseCheck == t {
		c.runRequestSense(t)
	}

	outcome, retry := c.translate(t)

	if retry && t.retries < t.maxRetries {
		c.mu.Lock()
		t.retries++
		t.requeueCount++
		t.reset()
		c.enqueue(t)
		c.runQueue()
		c.mu.Unlock()
		return
	}
	if retry {
		outcome = OutcomeIO // retry budget exhausted
	}
	t.outcome = outcome

	if t.continuation != nil {
		t.continuation(t)
	}

	c.mu.Lock()
	c.freeTransfer(t)
	c.mu.Unlock()
}

// runRequestSense synthesizes and synchronously executes a 6-byte
// REQUEST SENSE against the same peripheral.
func (c *Channel) runRequestSense(t *Transfer) {
	p := t.peripheral
	p.pendingSenseCheck = nil

	cdb := scsi.BuildRequestSense6(uint8(len(t.sense)))
	sense := make([]byte, len(t.sense))
	rs := NewTransfer(p, cdb, sense,
		CtlRequestSense|CtlUrgent|CtlDataIn|CtlPoll|CtlFreezePeripheral|CtlThawPeripheral,
		time.Second)
	rs.maxRetries = 0

	if err := c.Execute(rs); err != nil {
		c.log.WithError(err).Error("pipeline: request-sense execute failed")
		return
	}
	if rs.err == siop.NOERROR {
		n := copy(t.sense[:], sense[:rs.senseLen])
		if n == 0 {
			n = copy(t.sense[:], sense)
		}
		t.senseLen = n
		t.err = siop.SENSE
	}
}

// translate maps an ErrorKind to a user-facing Outcome. retry reports
// whether Complete should re-enqueue rather than finalize.
func (c *Channel) translate(t *Transfer) (outcome Outcome, retry bool) {
	switch t.err {
	case siop.NOERROR:
		return OutcomeOK, false
	case siop.SENSE, siop.SHORTSENSE:
		return c.translateSense(t)
	case siop.BUSY:
		return OutcomeRetrying, true
	case siop.SELTIMEOUT:
		_, stillExists := t.peripheral.channel.Peripheral(t.peripheral.target, t.peripheral.lun)
		return OutcomeIO, stillExists
	case siop.TIMEOUT, siop.RESET, siop.REQUEUE:
		return OutcomeRetrying, true
	default: // DRIVER_STUFFUP and anything unrecognized
		return OutcomeIO, false
	}
}

func (c *Channel) translateSense(t *Transfer) (Outcome, bool) {
	if t.senseLen < 13 {
		return OutcomeIO, false
	}
	key := t.sense[2] & 0x0f
	asc := uint16(t.sense[12])<<8 | uint16(t.sense[13])

	switch key {
	case scsi.SenseNoSense, scsi.SenseRecoveredError:
		return OutcomeOK, false
	case scsi.SenseNotReady:
		if asc == scsi.AscNotReadyMediumNotPresent {
			t.peripheral.notifyMediaChanged(false)
			return OutcomeNoDev, false
		}
		return OutcomeRetrying, true
	case scsi.SenseIllegalRequest:
		if t.control.has(CtlDiscovery) && asc == scsi.AscLogicalUnitNotSupported {
			return OutcomeInval, false
		}
		return OutcomeIO, false
	case scsi.SenseUnitAttention:
		if asc == scsi.AscPowerOnResetOrBusDeviceReset {
			return OutcomeRetrying, true
		}
		if t.peripheral.removable {
			t.peripheral.notifyMediaChanged(true)
			return OutcomeMediaChanged, false
		}
		return OutcomeRetrying, true
	case scsi.SenseDataProtect:
		return OutcomeROFS, false
	case scsi.SenseAbortedCommand:
		return OutcomeRetrying, true
	case scsi.SenseVolumeOverflow:
		return OutcomeNoSpace, false
	default:
		return OutcomeIO, false
	}
}
