package dispatch

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/a4091/siop/pipeline"
	"github.com/a4091/siop/scsi"
)

// BlockSize synchronously discovers a peripheral's sector size: try
// Read-Capacity-10/16, then Mode-sense page 3, then Mode-sense page 6
// (RBC). The first value that is a power of two in [256, 32768] wins; on
// total failure, default to 512 and log.
func BlockSize(ch *pipeline.Channel, p *pipeline.Peripheral) uint32 {
	if bs := blockSizeFromCapacity(ch, p); bs != 0 {
		return bs
	}
	if bs := blockSizeFromModeSense3(ch, p); bs != 0 {
		return bs
	}
	if bs := blockSizeFromRBC(ch, p); bs != 0 {
		return bs
	}
	logrus.WithField("target", p.Target()).WithField("lun", p.Lun()).
		Warn("dispatch: block size probe exhausted, defaulting to 512")
	return 512
}

func runSync(ch *pipeline.Channel, p *pipeline.Peripheral, cdb, data []byte) (ok bool) {
	t := ch.NewTransfer(p, cdb, data, pipeline.CtlDataIn, 2*time.Second)
	t.SetContinuation(func(*pipeline.Transfer) {})
	if err := ch.Execute(t); err != nil {
		return false
	}
	return t.Outcome() == pipeline.OutcomeOK
}

func blockSizeFromCapacity(ch *pipeline.Channel, p *pipeline.Peripheral) uint32 {
	buf := make([]byte, 8)
	if runSync(ch, p, scsi.BuildReadCapacity10(), buf) {
		lastLBA := binary.BigEndian.Uint32(buf[0:4])
		blockSize := binary.BigEndian.Uint32(buf[4:8])
		if lastLBA == 0xffffffff {
			buf16 := make([]byte, 32)
			if runSync(ch, p, scsi.BuildReadCapacity16(), buf16) {
				bs := binary.BigEndian.Uint32(buf16[8:12])
				if isValidBlockSize(bs) {
					return bs
				}
			}
			return 0
		}
		if isValidBlockSize(blockSize) {
			return blockSize
		}
	}
	return 0
}

func blockSizeFromModeSense3(ch *pipeline.Channel, p *pipeline.Peripheral) uint32 {
	for _, dbd := range [2]bool{true, false} {
		buf := make([]byte, 32)
		if runSync(ch, p, scsi.BuildModeSense6(0x03, dbd, uint8(len(buf))), buf) {
			page := modeSensePageData(buf)
			if len(page) >= 14 {
				bs := uint32(binary.BigEndian.Uint16(page[12:14]))
				if isValidBlockSize(bs) {
					return bs
				}
			}
			return 0
		}
	}
	return 0
}

// blockSizeFromRBC reads the RBC Device Parameters page (06h), whose
// logical-block-size field sits at page-data offset 4-8.
func blockSizeFromRBC(ch *pipeline.Channel, p *pipeline.Peripheral) uint32 {
	buf := make([]byte, 16)
	if runSync(ch, p, scsi.BuildModeSense6(0x06, true, uint8(len(buf))), buf) {
		page := modeSensePageData(buf)
		if len(page) >= 8 {
			bs := binary.BigEndian.Uint32(page[4:8])
			if isValidBlockSize(bs) {
				return bs
			}
		}
	}
	return 0
}
