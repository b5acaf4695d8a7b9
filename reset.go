package siop

import "fmt"

// Reset sequence: program SCNTL0/SCNTL1/DCNTL/DMODE/SCID, enable the
// fixed interrupt set, delay for target recovery, clear per-target sync
// state, and fail every in-flight ACB with RESET. It does not abort a
// running SCRIPT, pulse the chip reset bit, or assert SCSI-RST.
const defaultResetDelayMs = 250

// Reset runs the reset sequence described above. Like InterruptPoll, completion
// callbacks raised for in-flight ACBs run after the lock is released, so
// a pipeline's DoneFunc can safely call back into the engine.
func (a *Adapter) Reset(cfg BootConfig, clk Clock) error {
	a.mu.Lock()
	err := a.reset(cfg, clk)
	pending := a.deferredDone
	a.deferredDone = nil
	a.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return err
}

func (a *Adapter) reset(cfg BootConfig, clk Clock) error {
	if cfg.ClockFreqMHz <= 0 {
		return fmt.Errorf("siop: boot config clock_freq_mhz must be positive")
	}
	if cfg.InitiatorID < 0 || cfg.InitiatorID > 7 {
		return fmt.Errorf("siop: boot config initiator_id %d out of range", cfg.InitiatorID)
	}

	a.clockFreqMHz = cfg.ClockFreqMHz
	a.clock = computeClockTiming(cfg.ClockFreqMHz)
	a.initiatorID = cfg.InitiatorID

	// Program the fixed register set.
	a.reg.writeByte(regSCNTL0, 0xc0)      // arbitration full, parity gen+chk
	a.reg.writeByte(regSCNTL1, 0x80)      // enable selection response
	a.reg.writeByte(regDCNTL, clockDivisorBits(cfg.ClockFreqMHz))
	a.reg.writeByte(regDMODE, 0x88) // burst length 8, FC2
	a.reg.writeByte(regSCID, 1<<uint(cfg.InitiatorID))
	a.reg.writeByte(regSIEN, sstat0PAR|sstat0M_A|sstat0STO|sstat0UDC|sstat0SGE)
	a.reg.writeByte(regDIEN, dstatBF|dstatABRT|dstatSIR|dstatIID)

	if clk != nil {
		clk.DelayMs(defaultResetDelayMs)
	}

	for t := 0; t < 8; t++ {
		a.sync[t] = targetSync{state: syncWide, inhibit: cfg.Targets[t].SyncInhibit}
	}

	a.failAllInFlight(RESET)
	a.resetPending = false
	a.nexus = -1
	a.nexusL = a.nexusL[:0]
	a.ready = a.ready[:0]

	if a.metrics != nil {
		a.metrics.Resets.Inc()
	}
	a.log.Info("siop: reset complete")
	return nil
}

// clockDivisorBits derives the DCNTL CF1/CF0 clock-divisor configuration
// from the SCLK frequency, per the 53C710 table grounded in the original
// driver's sc_decode_sync: CF1/CF0 = 1,0 gives a 1.0 divisor for
// 16.67-25.00MHz, 0,1 gives 1.5 for 25.01-37.50MHz, 0,0 gives 2.0 for
// 37.51-50.00MHz, and 1,1 gives 3.0 for 50.01-66.67MHz.
func clockDivisorBits(clockFreqMHz float64) byte {
	switch {
	case clockFreqMHz <= 25:
		return dcntlCF1
	case clockFreqMHz <= 37.5:
		return dcntlCF0
	case clockFreqMHz <= 50:
		return 0x00
	default:
		return dcntlCF1 | dcntlCF0
	}
}

// failAllInFlight moves every non-free ACB to error completion with the
// given error kind; every in-flight transfer fails with RESET.
func (a *Adapter) failAllInFlight(kind ErrorKind) {
	for i := range a.acbs {
		cb := &a.acbs[i]
		if cb.state == acbFree {
			continue
		}
		xfer, done := cb.xfer, cb.done
		cb.state = acbFree
		if done != nil && xfer != nil {
			a.deferredDone = append(a.deferredDone, func() { done(xfer, CompletionResult{Error: kind}) })
		}
	}
	a.freeList = a.freeList[:0]
	for i := range a.acbs {
		if a.acbs[i].state == acbFree {
			a.freeList = append(a.freeList, i)
		}
	}
	if a.metrics != nil {
		a.metrics.ACBsInUse.Set(0)
	}
}
