package siop

// Register offsets, bit-exact against the SIOP datasheet. The chip requires writes to
// land in the shadow region at base+0x40+offset to avoid a host-CPU
// write-allocation hazard; reads are issued at the plain offset.
const (
	regSIEN   = 0x00 // SCSI interrupt enable mask (write once at reset)
	regSCNTL1 = 0x02 // reset pulse, assert-data-bus (diagnostics only)
	regSCNTL0 = 0x03 // arbitration mode, parity gen/check
	regSXFER  = 0x06 // synchronous transfer period/offset
	regSCID   = 0x07 // initiator id (1 << id)
	regSFBR   = 0x08 // SCSI first byte received (identify/lun at reselect)
	regCTEST8 = 0x09 // CLF/CFF FIFO flush control
	regDFIFO  = 0x0a // DMA FIFO byte count, for residual adjustment
	regSBCL   = 0x0b // SCSI bus control lines; low 3 bits carry SSCF1/SSCF0 bus-clock-scale
	regSSTAT1 = 0x0d
	regSSTAT0 = 0x0e
	regDSTAT  = 0x0f
	regDSA    = 0x10 // data structure base (physical DS address)
	regTEMP   = 0x1c // holds the interrupted data-transfer SCRIPTS entry
	regISTAT  = 0x22 // DIP/SIP/SIGP/ABRT/RST
	regDCMD   = 0x24 // current DMA command + byte count (DBC)
	regDNAD   = 0x28 // current DMA next address
	regDSP    = 0x2c // SCRIPTS instruction pointer
	regDSPS   = 0x30 // SCRIPTS interrupt discriminator
	regSCRATCH = 0x34 // reselecting target id at reselect
	regDCNTL  = 0x38 // start DMA, SCRIPTS step, clock divider
	regDIEN   = 0x3a // DMA interrupt enable mask
	regDMODE  = 0x3b // burst length, function codes

	shadowOffset = 0x40
)

// ISTAT bits.
const (
	istatSIP  = 1 << 0
	istatDIP  = 1 << 1
	istatSIGP = 1 << 5
	istatABRT = 1 << 7
	istatRST  = 1 << 6
)

// SSTAT0 bits.
const (
	sstat0PAR = 1 << 0
	sstat0IID = 1 << 1 // illegal instruction detected
	sstat0STO = 1 << 2 // selection/reselection timeout
	sstat0M_A = 1 << 3 // phase mismatch
	sstat0UDC = 1 << 4 // unexpected disconnect
	sstat0SGE = 1 << 5 // SCSI gross error
)

// DSTAT bits.
const (
	dstatBF  = 1 << 5 // bus fault
	dstatABRT = 1 << 4
	dstatSIR = 1 << 2 // SCRIPTS interrupt instruction
	dstatIID = 1 << 0 // illegal DMA instruction
)

// CTEST8 bits.
const (
	ctest8CLF = 1 << 2 // clear DMA FIFO
)

// DCNTL bits used by the engine. CF1/CF0 occupy the top two bits and
// select the SCSI core clock divisor for the given SCLK range.
const (
	dcntlSTD = 1 << 2 // start dma / resume single step
	dcntlCF1 = 1 << 7
	dcntlCF0 = 1 << 6
)

// DSPS discriminator codes raised via SIR, fixed by the SCRIPTS/engine
// contract the ISTAT/DSTAT registers expose.
const (
	dspsComplete          = 0xff00
	dspsSyncMsgIn         = 0xff0b
	dspsSaveDisconnect1   = 0xff01
	dspsSaveDisconnect2   = 0xff02
	dspsReselect          = 0xff03
	dspsReselectBySigp    = 0xff04
	dspsUnknownMsgIn      = 0xff06
)

// RegisterGateway is the byte/
// word MMIO with write shadowing to work around the host-CPU
// write-allocation hazard. It owns no chip semantics; SIOP-specific
// register layout lives on top of it in engine.go/reset.go.
type RegisterGateway struct {
	mmio MMIO
}

// NewRegisterGateway wraps a host-provided MMIO primitive.
func NewRegisterGateway(mmio MMIO) *RegisterGateway {
	return &RegisterGateway{mmio: mmio}
}

func (g *RegisterGateway) readByte(off uint32) byte {
	return g.mmio.ReadByte(off)
}

func (g *RegisterGateway) writeByte(off uint32, v byte) {
	g.mmio.WriteByte(off+shadowOffset, v)
}

func (g *RegisterGateway) readLong(off uint32) uint32 {
	return g.mmio.ReadLong(off)
}

func (g *RegisterGateway) writeLong(off uint32, v uint32) {
	g.mmio.WriteLong(off+shadowOffset, v)
}
