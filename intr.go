package siop

import "fmt"

// InterruptPoll decodes one interrupt event and advances the engine's
// state machine. It is the second half of the engine's two-operation
// public contract (the first being Request).
//
// Completion callbacks are run after the lock is released, so a
// pipeline's DoneFunc is free to call back into the engine (Reset,
// StartTransfer) without deadlocking against this call.
func (a *Adapter) InterruptPoll() error {
	a.mu.Lock()
	err := a.interruptPoll()
	pending := a.deferredDone
	a.deferredDone = nil
	a.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return err
}

func (a *Adapter) interruptPoll() error {
	istat := a.reg.readByte(regISTAT)
	if istat&(istatSIP|istatDIP) == 0 {
		return nil // spurious
	}

	// SSTAT0/SSTAT1/DSTAT are adjacent bytes at 0x0e/0x0d/0x0f; read as one
	// big-endian 32-bit fetch from their containing word to respect the
	// chip's inter-access spacing requirement, then pick the bytes apart.
	word := a.reg.readLong(regDSTAT &^ 0x3)
	dstat := byte(word)
	sstat0 := byte(word >> 8)

	a.reg.writeByte(regCTEST8, ctest8CLF)

	switch {
	case dstat&dstatSIR != 0:
		a.countInterrupt("sir")
		return a.handleSIR(a.reg.readLong(regDSPS))
	case sstat0&sstat0M_A != 0:
		a.countInterrupt("phase_mismatch")
		return a.handlePhaseMismatch()
	case sstat0&sstat0STO != 0:
		a.countInterrupt("selection_timeout")
		return a.handleSelectionTimeout()
	case sstat0&sstat0UDC != 0:
		a.countInterrupt("unexpected_disconnect")
		return a.handleUnexpectedDisconnect()
	case dstat&(dstatBF|dstatABRT|dstatIID) != 0 || sstat0&(sstat0PAR|sstat0IID|sstat0SGE) != 0:
		a.countInterrupt("fatal")
		return a.handleFatal(dstat, sstat0)
	default:
		return nil
	}
}

func (a *Adapter) countInterrupt(condition string) {
	if a.metrics != nil {
		a.metrics.Interrupts.WithLabelValues(condition).Inc()
	}
}

func (a *Adapter) handleSIR(dsps uint32) error {
	switch dsps {
	case dspsComplete:
		var status byte
		if cb := a.nexusACB(); cb != nil {
			status = cb.ds.status
		}
		return a.completeNexus(a.nexusACB(), CompletionResult{Error: NOERROR, SCSIStatus: status})
	case dspsSyncMsgIn:
		return a.handleSyncMsgIn()
	case dspsSaveDisconnect1, dspsSaveDisconnect2:
		return a.handleSaveAndDisconnect()
	case dspsReselect:
		return a.handleReselect()
	case dspsReselectBySigp:
		return a.handleReselectInterrupted()
	case dspsUnknownMsgIn:
		a.reg.writeLong(regDSP, a.scripts.Address(ClearAck))
		return nil
	default:
		return fmt.Errorf("siop: unrecognized DSPS discriminator %#x", dsps)
	}
}

func (a *Adapter) nexusACB() *acb {
	if a.nexus == -1 {
		return nil
	}
	return &a.acbs[a.nexus]
}

// completeNexus finishes whichever ACB owns the bus, logs the negotiated
// rate if sync negotiation just finished, frees the ACB, and schedules the
// next ready command.
func (a *Adapter) completeNexus(cb *acb, res CompletionResult) error {
	if cb == nil {
		return fmt.Errorf("siop: completion with no nexus")
	}
	ts := &a.sync[cb.ds.targetID]
	if ts.state == syncWaits {
		ts.state = syncDone // target ignored or rejected SDTR
		ts.sxfer, ts.sbcl = 0, 0
	}
	if res.Sense == nil && cb.sg != nil {
		res.Residual = cb.sg.TotalLength() - cb.curLen
	}
	if a.metrics != nil {
		a.metrics.CommandsCompleted.WithLabelValues(res.Error.String()).Inc()
		if rate := a.clock.negotiatedRateKBs(*ts); rate > 0 {
			a.metrics.NegotiatedRateKBs.WithLabelValues(fmt.Sprint(cb.ds.targetID)).Set(float64(rate))
		}
	}
	xfer, done := cb.xfer, cb.done
	a.nexus = -1
	a.freeACB(cb)
	if done != nil && xfer != nil {
		a.deferredDone = append(a.deferredDone, func() { done(xfer, res) })
	}
	a.dispatchReady()
	return nil
}

// handleSyncMsgIn validates an inbound SDTR response and programs the
// negotiated sxfer/sbcl.
func (a *Adapter) handleSyncMsgIn() error {
	cb := a.nexusACB()
	if cb == nil {
		return fmt.Errorf("siop: sync msg-in with no nexus")
	}
	msgIn := cb.ds.msgIn
	if msgIn[1] != 0x01 || msgIn[2] != 0x03 || msgIn[3] != 0x01 {
		a.reg.writeByte(regDCNTL, dcntlSTD)
		return nil
	}
	period4ns := int(msgIn[4])
	offset := int(msgIn[5])
	a.onSDTRAccepted(cb.ds.targetID, period4ns*4, offset)
	ts := &a.sync[cb.ds.targetID]
	cb.ds.sxfer, cb.ds.sbcl = ts.sxfer, ts.sbcl
	a.reg.writeByte(regSXFER, ts.sxfer)
	a.reg.writeByte(regSBCL, ts.sbcl)
	a.reg.writeByte(regDCNTL, dcntlSTD)
	return nil
}

// handlePhaseMismatch recovers the current-buffer-pointer/current-length
// from DBC/DNAD adjusted by DFIFO occupancy.
func (a *Adapter) handlePhaseMismatch() error {
	cb := a.nexusACB()
	if cb == nil {
		return fmt.Errorf("siop: phase mismatch with no nexus")
	}
	dbc := a.reg.readLong(regDCMD) & 0x00ffffff
	dnad := a.reg.readLong(regDNAD)
	adjust := int(a.reg.readByte(regDFIFO) & 0x7f)
	cb.curPhys = uint64(dnad) - uint64(adjust)
	cb.curLen = int(dbc) + adjust
	a.reg.writeLong(regDSP, a.scripts.Address(Switch))
	return nil
}

// handleSelectionTimeout fails the nexus with SELTIMEOUT and, if other
// commands are disconnected, resumes waiting for reselect.
func (a *Adapter) handleSelectionTimeout() error {
	cb := a.nexusACB()
	if cb == nil {
		return fmt.Errorf("siop: selection timeout with no nexus")
	}
	if err := a.completeNexus(cb, CompletionResult{Error: SELTIMEOUT}); err != nil {
		return err
	}
	if len(a.nexusL) > 0 {
		a.reg.writeLong(regDSP, a.scripts.Address(WaitReselect))
	}
	return nil
}

// handleUnexpectedDisconnect marks the nexus BUSY to provoke a retry and
// resumes waiting for reselect if anything else is disconnected.
func (a *Adapter) handleUnexpectedDisconnect() error {
	cb := a.nexusACB()
	if cb == nil {
		return fmt.Errorf("siop: unexpected disconnect with no nexus")
	}
	if err := a.completeNexus(cb, CompletionResult{Error: BUSY}); err != nil {
		return err
	}
	if len(a.nexusL) > 0 {
		a.reg.writeLong(regDSP, a.scripts.Address(WaitReselect))
	}
	return nil
}

// handleSaveAndDisconnect reshapes the ACB's scatter-gather chain so entry
// [0] reflects the in-progress transfer.
func (a *Adapter) handleSaveAndDisconnect() error {
	cb := a.nexusACB()
	if cb == nil {
		return fmt.Errorf("siop: save-and-disconnect with no nexus")
	}
	if cb.sg != nil && cb.curLen > 0 {
		idx := cb.sgIndex
		if idx < 0 || idx >= len(cb.sg.Entries) {
			idx = 0
		}
		remainder := append([]SGEntry(nil), cb.sg.Entries[idx+1:]...)
		cb.sg.Entries = append([]SGEntry{{Phys: cb.curPhys, Length: cb.curLen}}, remainder...)
		cb.sgIndex = 0
	}
	cb.state = acbDisconnected
	a.nexusL = append(a.nexusL, cb.index)
	a.nexus = -1
	a.dispatchReady()
	return nil
}

// handleReselect matches a reselecting target back to its disconnected
// ACB and resumes it as the nexus.
func (a *Adapter) handleReselect() error {
	target := int(a.reg.readByte(regSCRATCH))
	lun := int(a.reg.readByte(regSFBR) & 0x7)

	if a.nexus != -1 {
		pending := a.nexusACB()
		pending.state = acbReady
		a.ready = append(a.ready, pending.index)
		a.nexus = -1
	}

	for i, idx := range a.nexusL {
		cb := &a.acbs[idx]
		if cb.xfer == nil || cb.xfer.Target() != target || cb.xfer.Lun() != lun {
			continue
		}
		a.nexusL = append(a.nexusL[:i], a.nexusL[i+1:]...)
		cb.state = acbNexus
		a.nexus = idx
		a.reg.writeLong(regDSA, uint32(a.dsaPhys(&cb.ds)))
		a.reg.writeByte(regSXFER, cb.ds.sxfer)
		a.reg.writeByte(regSBCL, cb.ds.sbcl)
		a.reg.writeLong(regDSP, a.scripts.Address(Switch))
		return nil
	}
	return fmt.Errorf("siop: reselect by target %d lun %d: no matching disconnected ACB", target, lun)
}

// handleReselectInterrupted reloads the interrupted selection's DSA and
// restarts it from scripts_base.
func (a *Adapter) handleReselectInterrupted() error {
	if a.nexus == -1 {
		a.dispatchReady()
		return nil
	}
	cb := a.nexusACB()
	a.reg.writeLong(regDSA, uint32(a.dsaPhys(&cb.ds)))
	a.reg.writeLong(regDSP, a.scripts.Address(ScriptsBase))
	return nil
}

// handleFatal covers bus-fault, illegal-instruction, and SCSI-gross-error
// conditions: fail the nexus and force a hard reset.
func (a *Adapter) handleFatal(dstat, sstat0 byte) error {
	a.log.WithFields(map[string]any{"dstat": dstat, "sstat0": sstat0}).Error("siop: fatal chip error")
	if cb := a.nexusACB(); cb != nil {
		_ = a.completeNexus(cb, CompletionResult{Error: DRIVER_STUFFUP})
	}
	a.resetPending = true
	return fmt.Errorf("siop: fatal chip error dstat=%#x sstat0=%#x, reset required", dstat, sstat0)
}
