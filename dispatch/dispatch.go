// Package dispatch bridges upper-layer I/O requests to the pipeline,
// synthesising SCSI commands and attaching the continuations that carry a
// request through to its reply.
package dispatch

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/a4091/siop"
	"github.com/a4091/siop/pipeline"
	"github.com/a4091/siop/scsi"
)

// Command enumerates the upstream submit() request kinds.
type Command int

const (
	CmdRead Command = iota
	CmdWrite
	CmdRead64
	CmdWrite64
	CmdSCSIDirect
	CmdGetGeometry
	CmdStart
	CmdStop
	CmdTestReady
	CmdChangeNum
	CmdChangeState
	CmdProtectStatus
	CmdFormat
	CmdSeek
	CmdAddChangeInt
	CmdRemChangeInt
	CmdDeviceQuery
)

// Request is one upstream I/O request: command, flags, offset(bytes),
// length(bytes), data, error(out), actual(out), io_handle.
type Request struct {
	Command Command
	Flags   pipeline.ControlBits // direction/async bits the caller wants applied
	Offset  int64                // bytes
	Length  int64                // bytes
	Data    []byte
	CDB     []byte // caller-supplied CDB for CmdSCSIDirect
	AutoSense bool

	Error    siop.HostCode
	Actual   int
	Status   byte
	Sense    []byte
	Geom     *Geometry
	IOHandle any

	// Reply is the upper-layer-supplied completion primitive, invoked from
	// consumer context once the request reaches a final outcome.
	Reply func(*Request)
}

const defaultTimeout = 10 * time.Second

// Dispatcher maps Requests onto a pipeline.Channel.
type Dispatcher struct {
	ch  *pipeline.Channel
	log *logrus.Entry
}

// New constructs a Dispatcher bound to ch.
func New(ch *pipeline.Channel) *Dispatcher {
	return &Dispatcher{ch: ch, log: logrus.WithField("component", "dispatch")}
}

// Submit maps req onto peripheral p. Quick-immediate requests
// (ADD_CHANGE_INT, REM_CHANGE_INT, CHANGE_NUM, CHANGE_STATE, DEVICE_QUERY,
// PROTECT_STATUS) complete in the caller's goroutine without touching the
// queue; everything else is pushed async and completes via req.Reply once
// the consumer drains it.
func (d *Dispatcher) Submit(p *pipeline.Peripheral, req *Request) error {
	switch req.Command {
	case CmdAddChangeInt:
		p.AddChangeListener(&requestChangeListener{req: req})
		return nil
	case CmdRemChangeInt:
		// Removal by value identity isn't tracked by a handle in this
		// core; callers that need to unregister keep their own listener
		// and never route it through Submit. Accepted as a no-op quick
		// request so upper-layer call sites compile unchanged.
		return nil
	case CmdChangeNum, CmdChangeState:
		req.Actual = 0
		if p.MediaLoaded() {
			req.Actual = 1
		}
		req.Error = siop.HostOK
		if req.Reply != nil {
			req.Reply(req)
		}
		return nil
	case CmdDeviceQuery:
		req.Error = siop.HostOK
		if req.Reply != nil {
			req.Reply(req)
		}
		return nil
	}

	if p.BlockShift() == 0 && (req.Command == CmdRead || req.Command == CmdWrite ||
		req.Command == CmdRead64 || req.Command == CmdWrite64) {
		return fmt.Errorf("dispatch: block_shift not yet discovered for target %d lun %d", p.Target(), p.Lun())
	}

	switch req.Command {
	case CmdRead, CmdWrite, CmdRead64, CmdWrite64:
		return d.submitReadWrite(p, req)
	case CmdSCSIDirect:
		return d.submitSCSIDirect(p, req)
	case CmdGetGeometry:
		return d.submitGetGeometry(p, req)
	case CmdStart, CmdStop:
		return d.submitStartStop(p, req)
	case CmdTestReady:
		return d.submitSimple(p, req, scsi.BuildTestUnitReady(), pipeline.ControlBits(0), defaultTimeout)
	case CmdProtectStatus:
		req.Actual = 0
		req.Error = siop.HostOK
		if p.WriteProtected() {
			req.Actual = 1
		}
		if req.Reply != nil {
			req.Reply(req)
		}
		return nil
	case CmdFormat:
		cdb := make([]byte, 6)
		cdb[0] = scsi.FormatUnit
		return d.submitSimple(p, req, cdb, pipeline.ControlBits(0), 2*time.Minute)
	case CmdSeek:
		lba := uint32(req.Offset >> p.BlockShift())
		cdb := scsi.BuildRead10(lba, 0)
		cdb[0] = scsi.Seek10
		return d.submitSimple(p, req, cdb, pipeline.ControlBits(0), defaultTimeout)
	default:
		return fmt.Errorf("dispatch: unrecognized command %d", req.Command)
	}
}

// Open resolves a unit number to (target, lun) via the "decimal
// lun*10+target" encoding and attaches it, probing geometry on first
// open. A probe failure (e.g. an unanswered selection) leaves the
// peripheral unregistered and reports an error; no partial state remains.
func (d *Dispatcher) Open(unit int) (*pipeline.Peripheral, error) {
	target := unit % 10
	lun := unit / 10
	if p, ok := d.ch.Peripheral(target, lun); ok {
		return p, nil
	}

	p := pipeline.NewPeripheral(d.ch, target, lun)
	var done bool
	req := &Request{Command: CmdGetGeometry}
	req.Reply = func(*Request) { done = true }
	if err := d.Submit(p, req); err != nil {
		return nil, err
	}
	for !done {
		if err := d.ch.Pump(); err != nil {
			d.log.WithError(err).Error("dispatch: pump during open")
		}
	}
	if req.Error != siop.HostOK {
		return nil, fmt.Errorf("dispatch: open unit %d: probe failed: %s", unit, req.Error)
	}
	d.ch.RegisterPeripheral(p)
	return p, nil
}

// submitReadWrite synthesises READ/WRITE 6/10/16 based on blkno/nblks
// thresholds.
func (d *Dispatcher) submitReadWrite(p *pipeline.Peripheral, req *Request) error {
	shift := p.BlockShift()
	blkno := uint64(req.Offset) >> shift
	nblks := uint64(req.Length) >> shift
	write := req.Command == CmdWrite || req.Command == CmdWrite64

	var cdb []byte
	switch {
	case blkno <= 0x1fffff && nblks <= 0xff:
		if write {
			cdb = scsi.BuildWrite6(uint32(blkno), uint8(nblks))
		} else {
			cdb = scsi.BuildRead6(uint32(blkno), uint8(nblks))
		}
	case blkno <= 0xffffffff && nblks <= 0xffff:
		if write {
			cdb = scsi.BuildWrite10(uint32(blkno), uint16(nblks))
		} else {
			cdb = scsi.BuildRead10(uint32(blkno), uint16(nblks))
		}
	default:
		if write {
			cdb = scsi.BuildWrite16(blkno, uint32(nblks))
		} else {
			cdb = scsi.BuildRead16(blkno, uint32(nblks))
		}
	}

	control := pipeline.CtlAsync | pipeline.CtlSimpleTag
	if write {
		control |= pipeline.CtlDataOut
	} else {
		control |= pipeline.CtlDataIn
	}

	t := d.ch.NewTransfer(p, cdb, req.Data, control, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		d.finishToHostCode(req, t)
	})
	return d.ch.Execute(t)
}

// submitSCSIDirect copies the caller's CDB through unmodified.
func (d *Dispatcher) submitSCSIDirect(p *pipeline.Peripheral, req *Request) error {
	control := req.Flags | pipeline.CtlAsync
	t := d.ch.NewTransfer(p, req.CDB, req.Data, control, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		req.Status = t.Status()
		if req.AutoSense && t.Error() == siop.SENSE {
			req.Sense = append(req.Sense[:0], t.Sense()...)
		}
		d.finishToHostCode(req, t)
	})
	return d.ch.Execute(t)
}

func (d *Dispatcher) submitStartStop(p *pipeline.Peripheral, req *Request) error {
	cdb := scsi.BuildStartStop(req.Command == CmdStart, req.Flags&pipeline.CtlThawPeripheral != 0)
	return d.submitSimple(p, req, cdb, pipeline.ControlBits(0), defaultTimeout)
}

func (d *Dispatcher) submitSimple(p *pipeline.Peripheral, req *Request, cdb []byte, extra pipeline.ControlBits, timeout time.Duration) error {
	t := d.ch.NewTransfer(p, cdb, nil, pipeline.CtlAsync|extra, timeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		d.finishToHostCode(req, t)
	})
	return d.ch.Execute(t)
}

func (d *Dispatcher) finishToHostCode(req *Request, t *pipeline.Transfer) {
	req.Error = siop.TranslateHostCode(t.Error())
	req.Status = t.Status()
	req.Actual = len(t.Data()) - t.Residual()
	if req.Reply != nil {
		req.Reply(req)
	}
}

// requestChangeListener adapts a Request's Reply primitive to
// pipeline.ChangeListener for ADD_CHANGE_INT subscriptions.
type requestChangeListener struct {
	req *Request
}

func (l *requestChangeListener) MediaChanged(p *pipeline.Peripheral, present bool) {
	l.req.Actual = 0
	if present {
		l.req.Actual = 1
	}
	l.req.Error = siop.HostOK
	if l.req.Reply != nil {
		l.req.Reply(l.req)
	}
}
