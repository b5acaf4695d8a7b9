package scsi

import "encoding/binary"

// CDB synthesis helpers. These mirror, in reverse, the CdbLen/LBA/XferLen
// style of accessor an emulated target would use to parse an incoming CDB:
// here the initiator builds the bytes that style would later decode.

// BuildRead6 builds a 6-byte READ CDB. lba must fit in 21 bits, nblks in 8.
func BuildRead6(lba uint32, nblks uint8) []byte {
	return buildCDB6(Read6, lba, nblks)
}

// BuildWrite6 builds a 6-byte WRITE CDB.
func BuildWrite6(lba uint32, nblks uint8) []byte {
	return buildCDB6(Write6, lba, nblks)
}

func buildCDB6(op byte, lba uint32, nblks uint8) []byte {
	b := make([]byte, 6)
	b[0] = op
	b[1] = byte((lba >> 16) & 0x1f)
	b[2] = byte(lba >> 8)
	b[3] = byte(lba)
	b[4] = nblks
	return b
}

// BuildRead10 builds a 10-byte READ CDB.
func BuildRead10(lba uint32, nblks uint16) []byte {
	return buildCDB10(Read10, lba, nblks)
}

// BuildWrite10 builds a 10-byte WRITE CDB.
func BuildWrite10(lba uint32, nblks uint16) []byte {
	return buildCDB10(Write10, lba, nblks)
}

func buildCDB10(op byte, lba uint32, nblks uint16) []byte {
	b := make([]byte, 10)
	b[0] = op
	binary.BigEndian.PutUint32(b[2:6], lba)
	binary.BigEndian.PutUint16(b[7:9], nblks)
	return b
}

// BuildRead16 builds a 16-byte READ CDB.
func BuildRead16(lba uint64, nblks uint32) []byte {
	return buildCDB16(Read16, lba, nblks)
}

// BuildWrite16 builds a 16-byte WRITE CDB.
func BuildWrite16(lba uint64, nblks uint32) []byte {
	return buildCDB16(Write16, lba, nblks)
}

func buildCDB16(op byte, lba uint64, nblks uint32) []byte {
	b := make([]byte, 16)
	b[0] = op
	binary.BigEndian.PutUint64(b[2:10], lba)
	binary.BigEndian.PutUint32(b[10:14], nblks)
	return b
}

// BuildInquiry builds a 6-byte INQUIRY CDB requesting allocLen bytes.
func BuildInquiry(allocLen uint8) []byte {
	b := make([]byte, 6)
	b[0] = Inquiry
	b[4] = allocLen
	return b
}

// BuildTestUnitReady builds a 6-byte TEST UNIT READY CDB.
func BuildTestUnitReady() []byte {
	return make([]byte, 6)
}

// BuildReadCapacity10 builds the 10-byte READ CAPACITY CDB.
func BuildReadCapacity10() []byte {
	b := make([]byte, 10)
	b[0] = ReadCapacity
	return b
}

// BuildReadCapacity16 builds the 16-byte (service-action-in) READ CAPACITY CDB.
func BuildReadCapacity16() []byte {
	b := make([]byte, 16)
	b[0] = ServiceActionIn16
	b[1] = SaiReadCapacity16
	binary.BigEndian.PutUint32(b[10:14], 32)
	return b
}

// BuildModeSense6 builds a 6-byte MODE SENSE CDB for the given page, with
// dbd (disable block descriptors) set by the caller's fallback rule.
func BuildModeSense6(page byte, dbd bool, allocLen uint8) []byte {
	b := make([]byte, 6)
	b[0] = ModeSense
	if dbd {
		b[1] = 0x08
	}
	b[2] = page & 0x3f
	b[4] = allocLen
	return b
}

// BuildStartStop builds a 6-byte START STOP UNIT CDB.
func BuildStartStop(start, loadEject bool) []byte {
	b := make([]byte, 6)
	b[0] = StartStop
	if loadEject {
		b[4] |= StartStopLoadEject
	}
	if start {
		b[4] |= StartStopStart
	}
	return b
}

// BuildRequestSense6 builds a 6-byte REQUEST SENSE CDB.
func BuildRequestSense6(allocLen uint8) []byte {
	b := make([]byte, 6)
	b[0] = RequestSense
	b[4] = allocLen
	return b
}

// SetLUN ORs the lun into CDB byte 1 bits 5-7, the legacy encoding older
// SCSI-2-and-earlier peripherals expect. Newer devices ignore these bits,
// so callers gate this on the peripheral's reported SCSI version.
func SetLUN(cdb []byte, lun uint8) {
	cdb[1] = (cdb[1] &^ 0xe0) | ((lun & 0x7) << 5)
}

// CDBLen returns the conventional CDB length for a given opcode byte, per
// SPC-4 4.2.5.1 (6/10/12/16-byte groups). Opcodes outside those groups,
// including the variable-length opcode 0x7f, report 10.
func CDBLen(opcode byte) int {
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	default:
		return 10
	}
}
