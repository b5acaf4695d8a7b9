package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a4091/siop"
	"github.com/a4091/siop/pipeline"
	"github.com/a4091/siop/scsi"
)

func testDispatcher() (*Dispatcher, *pipeline.Channel, *fakeEngine) {
	eng := newFakeEngine()
	ch := pipeline.NewChannel(eng, siop.DefaultBootConfig(), fakeClock{}, 8, 1)
	return New(ch), ch, eng
}

// submitAndWait sets req.Reply, submits it, and pumps the channel until the
// reply fires — the pattern an async dispatch.Request always needs since
// Submit itself returns before the transfer completes.
func submitAndWait(t *testing.T, d *Dispatcher, ch *pipeline.Channel, p *pipeline.Peripheral, req *Request) {
	t.Helper()
	var done bool
	req.Reply = func(*Request) { done = true }
	require.NoError(t, d.Submit(p, req))
	for !done {
		require.NoError(t, ch.Pump())
	}
}

func TestSubmitAddChangeIntIsQuickImmediate(t *testing.T) {
	d, ch, _ := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)

	req := &Request{Command: CmdAddChangeInt}
	assert.NoError(t, d.Submit(p, req))
}

func TestSubmitChangeNumReportsMediaState(t *testing.T) {
	d, ch, _ := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)

	var got *Request
	req := &Request{Command: CmdChangeNum, Reply: func(r *Request) { got = r }}
	require.NoError(t, d.Submit(p, req))
	require.NotNil(t, got)
	assert.Equal(t, siop.HostOK, got.Error)
	assert.Equal(t, 0, got.Actual)
}

func TestSubmitReadWriteRejectsUndiscoveredBlockSize(t *testing.T) {
	d, ch, _ := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)

	err := d.Submit(p, &Request{Command: CmdRead, Length: 512})
	assert.Error(t, err)
}

func TestSubmitReadPicksRead6ForSmallRequest(t *testing.T) {
	d, ch, eng := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	p.SetGeometry(512, 9)

	var seenOpcode byte
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		seenOpcode = xfer.CDB()[0]
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	req := &Request{Command: CmdRead, Offset: 0, Length: 512, Data: make([]byte, 512)}
	submitAndWait(t, d, ch, p, req)

	assert.Equal(t, scsi.Read6, seenOpcode)
	assert.Equal(t, siop.HostOK, req.Error)
}

func TestSubmitWriteUsesWriteOpcodeAndDataOut(t *testing.T) {
	d, ch, eng := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	p.SetGeometry(512, 9)

	var seenOpcode byte
	var seenDir siop.Direction
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		seenOpcode = xfer.CDB()[0]
		seenDir = xfer.Direction()
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	req := &Request{Command: CmdWrite, Offset: 0, Length: 512, Data: make([]byte, 512)}
	submitAndWait(t, d, ch, p, req)

	assert.Equal(t, scsi.Write6, seenOpcode)
	assert.Equal(t, siop.DirOut, seenDir)
}

func TestSubmitReadWriteEscalatesToRead10Beyond6ByteRange(t *testing.T) {
	d, ch, eng := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	p.SetGeometry(512, 9)

	var seenOpcode byte
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		seenOpcode = xfer.CDB()[0]
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	// blkno beyond the 21-bit 6-byte-CDB range forces Read10.
	req := &Request{Command: CmdRead, Offset: int64(0x200000) << 9, Length: 512, Data: make([]byte, 512)}
	submitAndWait(t, d, ch, p, req)

	assert.Equal(t, scsi.Read10, seenOpcode)
}

func TestSubmitSCSIDirectPassesCDBThroughUnmodified(t *testing.T) {
	d, ch, eng := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)

	custom := []byte{0x12, 0x00, 0x00, 0x00, 36, 0x00}
	var seenCDB []byte
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		seenCDB = append([]byte(nil), xfer.CDB()...)
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	req := &Request{Command: CmdSCSIDirect, CDB: custom, Data: make([]byte, 36)}
	submitAndWait(t, d, ch, p, req)

	assert.Equal(t, custom, seenCDB)
}

func TestSubmitProtectStatusReportsWriteProtect(t *testing.T) {
	d, ch, _ := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	p.SetWriteProtected(true)

	var got *Request
	req := &Request{Command: CmdProtectStatus, Reply: func(r *Request) { got = r }}
	require.NoError(t, d.Submit(p, req))
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Actual)
}

func TestSubmitSeekUsesSeek10Opcode(t *testing.T) {
	d, ch, eng := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	p.SetGeometry(512, 9)

	var seenOpcode byte
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		seenOpcode = xfer.CDB()[0]
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	req := &Request{Command: CmdSeek, Offset: 4096}
	submitAndWait(t, d, ch, p, req)

	assert.Equal(t, scsi.Seek10, seenOpcode)
}

func TestSubmitUnrecognizedCommandErrors(t *testing.T) {
	d, ch, _ := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	err := d.Submit(p, &Request{Command: Command(999)})
	assert.Error(t, err)
}

func buildSense(key byte, asc uint16) []byte {
	sense := make([]byte, 18)
	sense[2] = key
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return sense
}

// TestAddChangeIntListenerFiresOnUnitAttention drives a real removable-media
// change through the pipeline (a UNIT ATTENTION sense on a CmdTestReady
// check condition) rather than poking the listener interface directly, so
// it exercises Submit's CmdAddChangeInt wiring end to end.
func TestAddChangeIntListenerFiresOnUnitAttention(t *testing.T) {
	d, ch, eng := testDispatcher()
	p := pipeline.NewPeripheral(ch, 0, 0)
	p.ApplyInquiry(2, 0x00, true, "VENDOR", "PRODUCT") // removable

	var got *Request
	changeReq := &Request{Command: CmdAddChangeInt, Reply: func(r *Request) { got = r }}
	require.NoError(t, d.Submit(p, changeReq))

	senseBytes := buildSense(scsi.SenseUnitAttention, 0)
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		if xfer.CDB()[0] == scsi.RequestSense {
			copy(xfer.Data(), senseBytes)
			return siop.CompletionResult{Error: siop.NOERROR}
		}
		return siop.CompletionResult{Error: siop.NOERROR, SCSIStatus: scsi.SamStatCheckCondition}
	}

	testReadyReq := &Request{Command: CmdTestReady}
	submitAndWait(t, d, ch, p, testReadyReq)

	require.NotNil(t, got)
	assert.Equal(t, 1, got.Actual)
	assert.Equal(t, siop.HostOK, got.Error)
}

func TestOpenProbesGeometryAndRegistersPeripheral(t *testing.T) {
	d, ch, eng := testDispatcher()

	inquiry := []byte{0x00, 0x00, 0x02, 0x02, 31, 0, 0, 0}
	inquiry = append(inquiry, []byte("VENDOR  PRODUCT         REV ")...)
	for len(inquiry) < 36 {
		inquiry = append(inquiry, 0)
	}

	capacity := make([]byte, 8)
	copy(capacity[0:4], []byte{0x00, 0x00, 0x03, 0xff}) // lastLBA = 1023
	copy(capacity[4:8], []byte{0x00, 0x00, 0x02, 0x00}) // block size 512

	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		switch xfer.CDB()[0] {
		case scsi.Inquiry:
			copy(xfer.Data(), inquiry)
		case scsi.ReadCapacity:
			copy(xfer.Data(), capacity)
		}
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	p, err := d.Open(3) // unit 3 => target 3, lun 0
	require.NoError(t, err)
	assert.Equal(t, 3, p.Target())
	assert.Equal(t, 0, p.Lun())
	assert.Equal(t, uint32(512), p.BlockSize())

	registered, ok := ch.Peripheral(3, 0)
	assert.True(t, ok)
	assert.Same(t, p, registered)
}

func TestOpenReturnsCachedPeripheralOnSecondCall(t *testing.T) {
	d, ch, eng := testDispatcher()
	eng.onStart = func(xfer siop.XferHandle) siop.CompletionResult {
		return siop.CompletionResult{Error: siop.NOERROR}
	}

	first, err := d.Open(0)
	require.NoError(t, err)

	second, err := d.Open(0)
	require.NoError(t, err)
	assert.Same(t, first, second)
	_ = ch
}

func TestOpenLeavesNoPartialStateOnProbeFailure(t *testing.T) {
	d, ch, eng := testDispatcher()
	eng.onStart = func(siop.XferHandle) siop.CompletionResult {
		return siop.CompletionResult{Error: siop.SELTIMEOUT}
	}

	_, err := d.Open(5)
	assert.Error(t, err)

	_, ok := ch.Peripheral(5, 0)
	assert.False(t, ok, "a failed probe must not leave a registered peripheral behind")
}
