package pipeline

import (
	"time"

	"github.com/a4091/siop"
)

// ControlBits are the per-transfer flags a Transfer carries through
// submission, execution, and retry.
type ControlBits uint32

const (
	CtlAsync ControlBits = 1 << iota
	CtlPoll
	CtlDataIn
	CtlDataOut
	CtlSilent
	CtlDiscovery
	CtlSimpleTag
	CtlOrderedTag
	CtlHeadTag
	CtlRequeueOnReset
	CtlRequestSense
	CtlUrgent
	CtlUntag // set while an untagged transfer occupies the bus
	CtlFreezePeripheral
	CtlThawPeripheral
)

func (c ControlBits) has(bit ControlBits) bool { return c&bit != 0 }

// ContinuationFunc is invoked when a Transfer finishes, from consumer
// context, with the final error/status already resolved.
type ContinuationFunc func(t *Transfer)

// Transfer is a single unit of work submitted to a Channel.
type Transfer struct {
	peripheral *Peripheral
	control    ControlBits
	done       bool

	cdb  []byte
	data []byte

	residual int
	retries  int
	maxRetries int
	requeueCount int

	timeout time.Duration
	err     siop.ErrorKind
	status  byte
	sense   [18]byte
	senseLen int

	tagID   uint8
	tagType siop.TagType
	hasTag  bool

	outcome Outcome

	continuation ContinuationFunc
	userHandle   any

	// cdbSnapshot preserves the CDB as originally submitted so a retry
	// resubmits byte-for-byte rather than whatever the chip left behind in
	// t.cdb from the prior attempt.
	cdbSnapshot []byte
}

// NewTransfer allocates a Transfer for peripheral p. Channels pool and
// reuse these via their free list rather than calling this directly in
// steady state; see Channel.allocTransfer.
func NewTransfer(p *Peripheral, cdb, data []byte, control ControlBits, timeout time.Duration) *Transfer {
	t := &Transfer{
		peripheral: p,
		control:    control,
		cdb:        append([]byte(nil), cdb...),
		data:       data,
		timeout:    timeout,
		maxRetries: 4,
	}
	t.cdbSnapshot = append([]byte(nil), cdb...)
	t.residual = len(data)
	return t
}

// reset restores a Transfer to its pre-submission state before reuse or
// retry.
func (t *Transfer) reset() {
	t.done = false
	t.err = siop.NOERROR
	t.status = 0
	t.senseLen = 0
	t.residual = len(t.data)
	t.cdb = append(t.cdb[:0], t.cdbSnapshot...)
}

// --- siop.XferHandle implementation ---

func (t *Transfer) Target() int { return t.peripheral.target }
func (t *Transfer) Lun() int    { return t.peripheral.lun }
func (t *Transfer) CDB() []byte { return t.cdb }
func (t *Transfer) Data() []byte { return t.data }

func (t *Transfer) Direction() siop.Direction {
	switch {
	case t.control.has(CtlDataIn):
		return siop.DirIn
	case t.control.has(CtlDataOut):
		return siop.DirOut
	default:
		return siop.DirNone
	}
}

func (t *Transfer) Tag() (id uint8, kind siop.TagType, ok bool) {
	return t.tagID, t.tagType, t.hasTag
}

func (t *Transfer) DisconnectAllowed() bool {
	return !t.control.has(CtlUrgent)
}

func (t *Transfer) Timeout() time.Duration { return t.timeout }

func (t *Transfer) Urgent() bool { return t.control.has(CtlUrgent) }

// Sense returns the sense bytes captured by a REQUEST SENSE completion.
func (t *Transfer) Sense() []byte { return t.sense[:t.senseLen] }

// Error reports the resolved error kind after completion.
func (t *Transfer) Error() siop.ErrorKind { return t.err }

// Status reports the raw SCSI status byte.
func (t *Transfer) Status() byte { return t.status }

// Residual reports bytes not transferred.
func (t *Transfer) Residual() int { return t.residual }

// Outcome reports the final, user-facing disposition set by Complete.
func (t *Transfer) Outcome() Outcome { return t.outcome }

// SetContinuation attaches the callback Complete invokes once this
// transfer reaches a final outcome.
func (t *Transfer) SetContinuation(fn ContinuationFunc) { t.continuation = fn }

// SetUserHandle attaches an opaque upper-layer request handle to this
// Transfer.
func (t *Transfer) SetUserHandle(h any) { t.userHandle = h }

// UserHandle returns the attached upper-layer request handle.
func (t *Transfer) UserHandle() any { return t.userHandle }
