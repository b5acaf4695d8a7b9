package siop

// syncState is the per-target synchronous negotiation state machine:
// WIDE (placeholder meaning "not yet negotiated") -> WAITS (SDTR in
// flight) -> DONE. Only Reset() moves a target back to WIDE.
type syncState int

const (
	syncWide syncState = iota
	syncWaits
	syncDone
)

func (s syncState) String() string {
	switch s {
	case syncWide:
		return "WIDE"
	case syncWaits:
		return "WAITS"
	case syncDone:
		return "DONE"
	default:
		return "?"
	}
}

// targetSync holds the negotiated transfer parameters for one target id.
type targetSync struct {
	state   syncState
	sxfer   byte
	sbcl    byte
	periodNs int
	offset   int
	inhibit  bool // boot-config or runtime SET_XFER_MODE override
}

// clockTiming is the clock-derived table computed once and exposed for
// test inspection: minsync and tcp[0..3], keyed by clock_freq (MHz),
// following siop.c's sc_tcp/sc_minsync derivation.
type clockTiming struct {
	clockFreqMHz float64
	tcp          [4]int // ns, indexed by sbcl (tcp[0] picked by sscf below)
	minsyncNs    int
}

// computeClockTiming reproduces siop.c's setup: tcp[1..3] correspond to
// bus-clock-scale divisors {1.0, 1.5, 2.0}; tcp[0] is chosen to match
// whichever of those equals minsync, falling back to a fourth derived
// value, matching the source's sc_tcp[0] assignment.
func computeClockTiming(clockFreqMHz float64) clockTiming {
	if clockFreqMHz <= 0 {
		clockFreqMHz = 1
	}
	t := clockTiming{clockFreqMHz: clockFreqMHz}
	t.tcp[1] = int(1000 / clockFreqMHz)
	t.tcp[2] = int(1500 / clockFreqMHz)
	t.tcp[3] = int(2000 / clockFreqMHz)
	t.minsyncNs = t.tcp[1]
	if t.minsyncNs < 25 {
		t.minsyncNs = 25
	}
	switch t.minsyncNs {
	case t.tcp[1]:
		t.tcp[0] = t.tcp[1]
	case t.tcp[2]:
		t.tcp[0] = t.tcp[2]
	case t.tcp[3]:
		t.tcp[0] = t.tcp[3]
	default:
		t.tcp[0] = int(3000 / clockFreqMHz)
	}
	return t
}

// tcpFor returns the transfer-clock-period (ns) for bus-clock-scale
// candidate sbcl in {1,2,3}.
func (t clockTiming) tcpFor(sbcl int) int {
	if sbcl < 1 || sbcl > 3 {
		return t.tcp[0]
	}
	return t.tcp[sbcl]
}

// negotiateSXFER computes the chip's transfer-period encoding for a
// requested period: for each sbcl in {1,2,3}, compute
// sxfer = (period-1)/tcp(sbcl) - 3; the first candidate with sxfer in
// [0,7] wins.
func negotiateSXFER(t clockTiming, periodNs int) (sxfer, sbcl byte, ok bool) {
	for cand := 1; cand <= 3; cand++ {
		tcp := t.tcpFor(cand)
		if tcp <= 0 {
			continue
		}
		v := (periodNs-1)/tcp - 3
		if v >= 0 && v <= 7 {
			return byte(v), byte(cand), true
		}
	}
	return 0, 0, false
}

// onSDTRAccepted transitions a target to DONE with the negotiated
// sxfer/sbcl bytes. offset is clamped to MaxOffset.
func (a *Adapter) onSDTRAccepted(target int, periodNs, offset int) {
	ts := &a.sync[target]
	if offset <= 0 {
		ts.state = syncDone
		ts.sxfer, ts.sbcl = 0, 0
		return
	}
	sxfer, sbcl, ok := negotiateSXFER(a.clock, periodNs)
	if !ok {
		ts.state = syncDone
		ts.sxfer, ts.sbcl = 0, 0
		return
	}
	if offset > MaxOffset {
		offset = MaxOffset
	}
	ts.periodNs = periodNs
	ts.offset = offset
	ts.sxfer = (sxfer << 4) | byte(offset)
	ts.sbcl = sbcl
	ts.state = syncDone
}

// negotiatedRateKBs reports the achieved synchronous transfer rate,
// supplementing the raw register bytes the way the original driver's
// report_scsi_speed does.
func (t clockTiming) negotiatedRateKBs(ts targetSync) int {
	if ts.state != syncDone || ts.periodNs == 0 {
		return 0
	}
	// bytes/sec = 1e9 / periodNs; KB/s = that / 1000.
	return 1000000 / ts.periodNs
}
