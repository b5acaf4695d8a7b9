package pipeline

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Capability bits a Peripheral may advertise.
type Capability uint8

const (
	CapSync Capability = 1 << iota
	CapTaggedQueuing
	CapLinkedCommands
	CapRelativeAddressing
)

func (c Capability) Has(bit Capability) bool { return c&bit != 0 }

// Quirk flags, supplementing the bare "quirks" field with the NetBSD
// driver's actual quirk table entries.
type Quirk uint16

const (
	QuirkNoSync Quirk = 1 << iota
	QuirkNoTagged
	QuirkForceWide
	QuirkNo6ByteWrite
	QuirkShortInquiryOnly // device mishandles an INQUIRY allocation length past 36 bytes
)

// quirkTable maps (vendor, product) substrings to quirk bits. Matching is
// a simple substring test against the INQUIRY vendor/product fields,
// mirroring sd.c's quirk table shape without reproducing its actual
// device list (not available in this core's scope).
var quirkTable = []struct {
	vendor, product string
	quirks          Quirk
}{
	{"SEAGATE", "ST1", QuirkNoTagged},
}

func lookupQuirks(vendor, product string) Quirk {
	var q Quirk
	for _, e := range quirkTable {
		if strings.Contains(strings.ToUpper(vendor), e.vendor) && strings.Contains(strings.ToUpper(product), e.product) {
			q |= e.quirks
		}
	}
	return q
}

// ChangeListener is notified when a Peripheral's removable media changes
// state, supplementing sd.c's ADD/REM_CHANGE_INT interest list.
type ChangeListener interface {
	MediaChanged(p *Peripheral, present bool)
}

// Peripheral is a logical unit.
type Peripheral struct {
	channel *Channel
	target  int
	lun     int

	scsiVersion int
	deviceType  byte // INQUIRY byte 0 bits 0-4
	blockShift  uint // lg2(sector size); 0 until discovered
	blockSize   uint32
	quirks      Quirk
	caps        Capability

	removable      bool
	mediaLoaded    bool
	writeProtected bool

	openings    int
	sent        int
	recoveryBusy    bool // one recovery (sense/reset) command max per peripheral
	untaggedRunning bool // an untagged transfer currently owns the bus for this peripheral

	tags *tagBitmap

	pendingSenseCheck *Transfer
	changeListeners   []ChangeListener

	log *logrus.Entry
}

// NewPeripheral constructs a Peripheral freshly discovered by probe, with
// a single opening; neither ApplyInquiry nor tagged queuing raises it.
func NewPeripheral(ch *Channel, target, lun int) *Peripheral {
	return &Peripheral{
		channel:  ch,
		target:   target,
		lun:      lun,
		openings: 1,
		tags:     newTagBitmap(),
		log:      ch.log.WithField("target", target).WithField("lun", lun),
	}
}

func (p *Peripheral) Target() int { return p.target }
func (p *Peripheral) Lun() int    { return p.lun }

// BlockShift returns the discovered sector-size shift, or 0 if unknown.
func (p *Peripheral) BlockShift() uint { return p.blockShift }

// BlockSize returns the discovered sector size in bytes, or 0 if unknown.
func (p *Peripheral) BlockSize() uint32 { return p.blockSize }

// Removable reports whether INQUIRY marked the medium removable.
func (p *Peripheral) Removable() bool { return p.removable }

// MediaLoaded reports the peripheral's last-known media-present state.
func (p *Peripheral) MediaLoaded() bool { return p.mediaLoaded }

// TolerantOfLongInquiry reports whether the dispatcher may reissue INQUIRY
// with an allocation length beyond the initial 36-byte probe.
func (p *Peripheral) TolerantOfLongInquiry() bool { return p.quirks&QuirkShortInquiryOnly == 0 }

// Caps reports the peripheral's negotiated capability bitmask.
func (p *Peripheral) Caps() Capability { return p.caps }

func (p *Peripheral) SetGeometry(blockSize uint32, shift uint) {
	p.blockSize = blockSize
	p.blockShift = shift
}

// WriteProtected reports the device-specific-parameter WP bit last seen in
// a MODE SENSE header.
func (p *Peripheral) WriteProtected() bool { return p.writeProtected }

// SetWriteProtected records the WP bit observed in a MODE SENSE header.
func (p *Peripheral) SetWriteProtected(wp bool) { p.writeProtected = wp }

func (p *Peripheral) ApplyInquiry(scsiVersion int, deviceType byte, removable bool, vendor, product string) {
	p.scsiVersion = scsiVersion
	p.deviceType = deviceType
	p.removable = removable
	p.quirks |= lookupQuirks(vendor, product)
	if p.scsiVersion >= 2 && p.quirks&QuirkNoTagged == 0 {
		p.caps |= CapTaggedQueuing
	}
	if p.quirks&QuirkNoSync == 0 {
		p.caps |= CapSync
	}
}

// DeviceType returns the INQUIRY-reported peripheral device type.
func (p *Peripheral) DeviceType() byte { return p.deviceType }

// AddChangeListener registers interest in removable-media state changes.
func (p *Peripheral) AddChangeListener(l ChangeListener) {
	p.changeListeners = append(p.changeListeners, l)
}

func (p *Peripheral) notifyMediaChanged(present bool) {
	p.mediaLoaded = present
	for _, l := range p.changeListeners {
		l.MediaChanged(p, present)
	}
}

// hasCapacity reports whether the peripheral can accept another transfer.
func (p *Peripheral) hasCapacity() bool {
	return p.sent < p.openings
}

// currentlyUntagged reports whether an untagged transfer already owns
// this peripheral's bus time.
func (p *Peripheral) currentlyUntagged() bool {
	return p.untaggedRunning
}
