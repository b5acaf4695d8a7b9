package siop

import "time"

// MaxOffset is the largest synchronous REQ/ACK offset this core will
// negotiate.
const MaxOffset = 8

// TagType distinguishes SCSI tagged-queuing message types.
type TagType int

const (
	NoTag TagType = iota
	SimpleTag
	OrderedTag
	HeadTag
)

// XferHandle is the view of a pending transfer the SIOP engine needs in
// order to build an ACB and drive it to completion. It is implemented by
// pipeline.Transfer; the engine holds it as a non-owning back-reference.
type XferHandle interface {
	Target() int
	Lun() int
	CDB() []byte
	Data() []byte
	Direction() Direction
	Tag() (id uint8, kind TagType, ok bool)
	DisconnectAllowed() bool
	Timeout() time.Duration
	Urgent() bool
}

// DoneFunc is the engine's callback into the pipeline on completion,
// modeling the engine's "done callback" collaborator.
type DoneFunc func(xfer XferHandle, res CompletionResult)

// dataStructure is the bit-exact DS the chip DMAs from/to.
// Word/byte layout mirrors siop.c's acb.ds, with Go field names instead of
// C struct offsets; physical packing for real hardware is an integration
// concern (marshal/unmarshal helpers are not needed by the engine itself,
// which only tracks the logical fields SCRIPTS is contracted to consume).
type dataStructure struct {
	targetID   int
	sxfer      byte
	sbcl       byte
	identify   byte
	syncMsgOut []byte // extended SDTR, appended only while state==WAITS
	cdb        []byte
	status     byte
	msgIn      [6]byte // mirrors siop.c's acb->msg[0..5]: msgIn[4]/[5] hold the inbound SDTR period/offset
}

func (d *dataStructure) scsiAddrWord() uint32 {
	return (uint32(1) << (16 + uint(d.targetID))) | (uint32(d.sxfer) << 8) | uint32(d.sbcl)
}

// acbState tracks which of the adapter's lists an ACB currently belongs
// to.
type acbState int

const (
	acbFree acbState = iota
	acbReady
	acbNexus
	acbDisconnected // on adapter.nexusL, disconnected and awaiting reselect
)

// acb is the SIOP-engine's view of a transfer, laid out for SCRIPTS
// consumption. Held in a fixed arena indexed by position; the adapter's
// ready/nexus/free lists
// reference ACBs by index rather than through intrusive links.
type acb struct {
	index int
	state acbState

	ds dataStructure
	xfer XferHandle
	done DoneFunc

	sg      *SGChain
	curPhys uint64
	curLen  int
	sgIndex int // which sg entry is "current" for disconnect reshape

	timeout time.Duration
}

func (a *acb) reset() {
	*a = acb{index: a.index}
}
