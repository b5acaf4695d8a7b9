package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyInquiryGrantsTaggedQueuingAboveSCSI1(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)

	p.ApplyInquiry(2, 0x00, false, "SOMEVENDOR", "SOMEPRODUCT")
	assert.True(t, p.Caps().Has(CapTaggedQueuing))
	assert.True(t, p.Caps().Has(CapSync))
}

func TestApplyInquiryQuirkSuppressesTaggedQueuing(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)

	p.ApplyInquiry(2, 0x00, false, "SEAGATE", "ST1-DISK")
	assert.False(t, p.Caps().Has(CapTaggedQueuing), "known-bad vendor/product should suppress tagged queuing")
}

func TestApplyInquiryStoresDeviceTypeAndRemovable(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 1, 0)

	p.ApplyInquiry(2, 0x05, true, "VENDOR", "PRODUCT") // 0x05 = CD-ROM
	assert.EqualValues(t, 0x05, p.DeviceType())
	assert.True(t, p.Removable())
}

func TestSetGeometryUpdatesBlockShift(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)

	assert.Equal(t, uint(0), p.BlockShift())
	p.SetGeometry(512, 9)
	assert.Equal(t, uint32(512), p.BlockSize())
	assert.Equal(t, uint(9), p.BlockShift())
}

func TestWriteProtectedRoundTrip(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)

	assert.False(t, p.WriteProtected())
	p.SetWriteProtected(true)
	assert.True(t, p.WriteProtected())
}

func TestHasCapacityAndUntaggedGating(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)

	assert.True(t, p.hasCapacity())
	p.sent = p.openings
	assert.False(t, p.hasCapacity())

	assert.False(t, p.currentlyUntagged())
	p.untaggedRunning = true
	assert.True(t, p.currentlyUntagged())
}

type recordingListener struct {
	calls []bool
}

func (l *recordingListener) MediaChanged(p *Peripheral, present bool) {
	l.calls = append(l.calls, present)
}

func TestChangeListenerNotifiedOnMediaChange(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)
	l := &recordingListener{}
	p.AddChangeListener(l)

	p.notifyMediaChanged(true)
	p.notifyMediaChanged(false)

	assert.Equal(t, []bool{true, false}, l.calls)
	assert.False(t, p.MediaLoaded())
}

func TestTolerantOfLongInquiry(t *testing.T) {
	ch, _ := testChannel(32)
	p := NewPeripheral(ch, 0, 0)
	assert.True(t, p.TolerantOfLongInquiry())

	p.quirks |= QuirkShortInquiryOnly
	assert.False(t, p.TolerantOfLongInquiry())
}
