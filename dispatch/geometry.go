package dispatch

import (
	"encoding/binary"

	"github.com/a4091/siop"
	"github.com/a4091/siop/pipeline"
	"github.com/a4091/siop/scsi"
)

// Geometry is the CHS/block-size result of the probe chain, shaped after
// the original driver's DriveGeometry holding structure.
type Geometry struct {
	DeviceType   byte
	Removable    bool
	Cylinders    uint32
	Heads        uint32
	TrackSectors uint32
	CylSectors   uint32
	TotalSectors uint64
	SectorSize   uint32
}

func isValidBlockSize(n uint32) bool {
	if n < 256 || n > 32768 {
		return false
	}
	return n&(n-1) == 0
}

// submitGetGeometry kicks the probe chain: INQUIRY first, then READ
// CAPACITY, falling back through MODE SENSE pages 3/4/5.
func (d *Dispatcher) submitGetGeometry(p *pipeline.Peripheral, req *Request) error {
	geom := &Geometry{}
	req.Geom = geom

	inqBuf := make([]byte, 36)
	t := d.ch.NewTransfer(p, scsi.BuildInquiry(36), inqBuf, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		d.geomInquiryDone(p, req, geom, inqBuf, t)
	})
	return d.ch.Execute(t)
}

func (d *Dispatcher) geomInquiryDone(p *pipeline.Peripheral, req *Request, geom *Geometry, buf []byte, t *pipeline.Transfer) {
	if t.Error() != siop.NOERROR {
		d.finishGeometry(req, t.Error())
		return
	}
	deviceType := buf[0] & 0x1f
	removable := buf[1]&0x80 != 0
	scsiVersion := int(buf[2] & 0x07)
	vendor := string(buf[8:16])
	product := string(buf[16:32])
	additionalLen := buf[4]

	p.ApplyInquiry(scsiVersion, deviceType, removable, vendor, product)
	geom.DeviceType = deviceType
	geom.Removable = removable

	if additionalLen > 32 && p.TolerantOfLongInquiry() {
		full := make([]byte, int(additionalLen)+5)
		t2 := d.ch.NewTransfer(p, scsi.BuildInquiry(uint8(len(full))), full, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
		t2.SetContinuation(func(t2 *pipeline.Transfer) {
			d.geomCapacity10(p, req, geom)
		})
		if err := d.ch.Execute(t2); err == nil {
			return
		}
		d.log.Warn("dispatch: long inquiry reissue failed, continuing with 36-byte data")
	}
	d.geomCapacity10(p, req, geom)
}

func (d *Dispatcher) geomCapacity10(p *pipeline.Peripheral, req *Request, geom *Geometry) {
	buf := make([]byte, 8)
	t := d.ch.NewTransfer(p, scsi.BuildReadCapacity10(), buf, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		if t.Error() != siop.NOERROR {
			d.geomModeSense3(p, req, geom, true)
			return
		}
		lastLBA := binary.BigEndian.Uint32(buf[0:4])
		blockSize := binary.BigEndian.Uint32(buf[4:8])
		if lastLBA == 0xffffffff {
			d.geomCapacity16(p, req, geom)
			return
		}
		geom.TotalSectors = uint64(lastLBA) + 1
		if isValidBlockSize(blockSize) {
			geom.SectorSize = blockSize
			p.SetGeometry(blockSize, blockShiftFor(blockSize))
		}
		convSectorsToCHS(geom)
		d.finishGeometry(req, siop.NOERROR)
	})
	if err := d.ch.Execute(t); err != nil {
		d.geomModeSense3(p, req, geom, true)
	}
}

func (d *Dispatcher) geomCapacity16(p *pipeline.Peripheral, req *Request, geom *Geometry) {
	buf := make([]byte, 32)
	t := d.ch.NewTransfer(p, scsi.BuildReadCapacity16(), buf, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		if t.Error() != siop.NOERROR {
			d.geomModeSense3(p, req, geom, true)
			return
		}
		lastLBA := binary.BigEndian.Uint64(buf[0:8])
		blockSize := binary.BigEndian.Uint32(buf[8:12])
		geom.TotalSectors = lastLBA + 1
		if isValidBlockSize(blockSize) {
			geom.SectorSize = blockSize
			p.SetGeometry(blockSize, blockShiftFor(blockSize))
		}
		convSectorsToCHS(geom)
		d.finishGeometry(req, siop.NOERROR)
	})
	if err := d.ch.Execute(t); err != nil {
		d.geomModeSense3(p, req, geom, true)
	}
}

// geomModeSense3 probes the disk-format page (0x03), with a DBD retry
// on failure.
func (d *Dispatcher) geomModeSense3(p *pipeline.Peripheral, req *Request, geom *Geometry, dbd bool) {
	buf := make([]byte, 32)
	t := d.ch.NewTransfer(p, scsi.BuildModeSense6(0x03, dbd, uint8(len(buf))), buf, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		if t.Error() != siop.NOERROR {
			if dbd {
				d.geomModeSense3(p, req, geom, false)
				return
			}
			d.geomModeSense4(p, req, geom, true)
			return
		}
		if len(buf) >= 3 {
			p.SetWriteProtected(buf[2]&0x80 != 0)
		}
		page := modeSensePageData(buf)
		if len(page) >= 14 {
			nspt := binary.BigEndian.Uint16(page[10:12])
			bytesS := binary.BigEndian.Uint16(page[12:14])
			if nspt > 0 {
				geom.TrackSectors = uint32(nspt)
			}
			if isValidBlockSize(uint32(bytesS)) {
				geom.SectorSize = uint32(bytesS)
				p.SetGeometry(uint32(bytesS), blockShiftFor(uint32(bytesS)))
			}
		}
		if len(page) >= 21 && page[20]&0x20 != 0 {
			geom.Removable = true
		}
		d.geomModeSense4(p, req, geom, true)
	})
	if err := d.ch.Execute(t); err != nil {
		d.geomModeSense4(p, req, geom, true)
	}
}

// geomModeSense4 is step 4: rigid-disk geometry page.
func (d *Dispatcher) geomModeSense4(p *pipeline.Peripheral, req *Request, geom *Geometry, dbd bool) {
	buf := make([]byte, 32)
	t := d.ch.NewTransfer(p, scsi.BuildModeSense6(0x04, dbd, uint8(len(buf))), buf, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		if t.Error() != siop.NOERROR {
			if dbd {
				d.geomModeSense4(p, req, geom, false)
				return
			}
			d.geomModeSense5(p, req, geom, true)
			return
		}
		page := modeSensePageData(buf)
		if len(page) >= 6 {
			ncyl := uint32(page[2])<<16 | uint32(page[3])<<8 | uint32(page[4])
			nheads := uint32(page[5])
			if nheads > 0 {
				geom.Heads = nheads
				geom.CylSectors = nheads * geom.TrackSectors
			}
			if ncyl > 0 {
				geom.Cylinders = ncyl
			}
		}
		d.finalizeGeometry(req, geom)
	})
	if err := d.ch.Execute(t); err != nil {
		d.geomModeSense5(p, req, geom, true)
	}
}

// geomModeSense5 is step 5: flexible-disk page, the last-resort source.
func (d *Dispatcher) geomModeSense5(p *pipeline.Peripheral, req *Request, geom *Geometry, dbd bool) {
	buf := make([]byte, 32)
	t := d.ch.NewTransfer(p, scsi.BuildModeSense6(0x05, dbd, uint8(len(buf))), buf, pipeline.CtlAsync|pipeline.CtlDataIn|pipeline.CtlDiscovery, defaultTimeout)
	t.SetContinuation(func(t *pipeline.Transfer) {
		if t.Error() == siop.NOERROR {
			page := modeSensePageData(buf)
			if len(page) >= 10 {
				nheads := uint32(page[4])
				nspt := uint32(page[5])
				bytesS := binary.BigEndian.Uint16(page[6:8])
				ncyl := binary.BigEndian.Uint16(page[8:10])
				if isValidBlockSize(uint32(bytesS)) {
					geom.SectorSize = uint32(bytesS)
					p.SetGeometry(uint32(bytesS), blockShiftFor(uint32(bytesS)))
				}
				if nspt > 0 {
					geom.TrackSectors = nspt
				}
				if ncyl > 0 {
					geom.Cylinders = uint32(ncyl)
				}
				if nheads > 0 {
					geom.Heads = nheads
					geom.CylSectors = nheads * geom.TrackSectors
				}
			}
		} else if dbd {
			d.geomModeSense5(p, req, geom, false)
			return
		}
		d.finalizeGeometry(req, geom)
	})
	if err := d.ch.Execute(t); err != nil {
		d.finalizeGeometry(req, geom)
	}
}

// finalizeGeometry synthesizes plausible CHS from the known sector count
// if geometry is still incomplete.
func (d *Dispatcher) finalizeGeometry(req *Request, geom *Geometry) {
	if geom.Heads == 0 || geom.TrackSectors == 0 || geom.Cylinders == 0 {
		if geom.TotalSectors == 0 && geom.Cylinders > 0 && geom.Heads > 0 && geom.TrackSectors > 0 {
			geom.TotalSectors = uint64(geom.Cylinders) * uint64(geom.Heads) * uint64(geom.TrackSectors)
		}
		if geom.TotalSectors > 0 {
			convSectorsToCHS(geom)
		}
	}
	if geom.TotalSectors == 0 {
		geom.TotalSectors = uint64(geom.Cylinders) * uint64(geom.Heads) * uint64(geom.TrackSectors)
	}
	d.finishGeometry(req, siop.NOERROR)
}

func (d *Dispatcher) finishGeometry(req *Request, kind siop.ErrorKind) {
	req.Error = siop.TranslateHostCode(kind)
	if req.Reply != nil {
		req.Reply(req)
	}
}

// convSectorsToCHS synthesises CHS by iteratively doubling heads and
// sectors-per-track, grounded on the original driver's conv_sectors_to_chs:
// c = total/2, h = 2, s = 1; while c >= 10000 && h < 64 && s < 32, halve c
// twice and double h and s.
func convSectorsToCHS(geom *Geometry) {
	if geom.TotalSectors == 0 {
		return
	}
	c := geom.TotalSectors / 2
	h := uint64(2)
	s := uint64(1)
	for c >= 10000 && h < 64 && s < 32 {
		c >>= 2
		h <<= 1
		s <<= 1
	}
	geom.Cylinders = uint32(c)
	geom.Heads = uint32(h)
	geom.TrackSectors = uint32(s)
	geom.CylSectors = geom.Heads * geom.TrackSectors
}

// blockShiftFor returns lg2(n) for a power-of-two block size.
func blockShiftFor(n uint32) uint {
	shift := uint(0)
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

// modeSensePageData returns the page-code-prefixed page bytes following a
// 6-byte MODE SENSE header and its variable-length block descriptor.
func modeSensePageData(buf []byte) []byte {
	if len(buf) < 4 {
		return nil
	}
	descLen := int(buf[3])
	off := 4 + descLen
	if off >= len(buf) {
		return nil
	}
	return buf[off:]
}
