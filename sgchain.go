package siop

import "fmt"

const (
	// DMAMAXIO bounds the number of scatter-gather entries per transfer.
	DMAMAXIO = 32
	// AmigaMaxTransfer caps each sg entry, a chip/implementation limit.
	AmigaMaxTransfer = 0xfe00 // 65024 bytes, per the card's DMA counter width
	// alignThreshold is the minimum total length before a short aligning
	// first entry is worth emitting.
	alignThreshold = 30
)

// SGEntry is one physically-contiguous DMA run.
type SGEntry struct {
	Phys   uint64
	Length int
}

// SGChain is a scatter-gather chain built from a linear host buffer,
// bounded by DMAMAXIO and terminated by a zero-length entry.
type SGChain struct {
	Entries   []SGEntry // does not include the terminator
	Dir       Direction
	buf       []byte
	total     int
}

// Terminator returns the zero-length entry SCRIPTS expects at chain end.
func (c *SGChain) Terminator() SGEntry { return SGEntry{} }

// Len returns the number of live (non-terminator) entries.
func (c *SGChain) Len() int { return len(c.Entries) }

// TotalLength returns the sum of entry lengths, which must equal the
// original buffer length.
func (c *SGChain) TotalLength() int {
	n := 0
	for _, e := range c.Entries {
		n += e.Length
	}
	return n
}

// Finish issues the host's single "finish DMA" call over the whole
// original buffer.
func (c *SGChain) Finish(host DMAHost) error {
	return host.FinishDMA(c.buf, c.Dir)
}

// BuildChain turns a linear host buffer into a bounded scatter-gather
// chain. It calls host.PreparePhysical iteratively,
// caps each run at AmigaMaxTransfer, coalesces physically adjacent runs,
// and may emit a short first entry to align the remainder when the start
// address is misaligned and the transfer is large enough to benefit.
func BuildChain(host DMAHost, buf []byte, dir Direction) (*SGChain, error) {
	if len(buf) == 0 {
		return &SGChain{Dir: dir, buf: buf}, nil
	}

	chain := &SGChain{Dir: dir, buf: buf}
	offset := 0
	cont := false

	// Alignment heuristic: if the buffer is large and its backing array
	// starts on an odd address class relative to a 4-byte boundary, split
	// off a short first run. We approximate "misaligned" using the slice
	// header's low address bits via the first prepared segment's physical
	// address, since that's what actually matters for DMA alignment.
	first, err := host.PreparePhysical(buf, 0, false)
	if err != nil {
		return nil, fmt.Errorf("siop: sg builder: prepare first segment: %w", err)
	}
	cont = true

	if len(buf) > alignThreshold && first.Phys&0x3 != 0 {
		short := int(4 - (first.Phys & 0x3))
		if short > first.Length {
			short = first.Length
		}
		if short > 0 && short < len(buf) {
			// Appended directly: appendCapped would coalesce the short entry
			// with the physically adjacent remainder.
			chain.Entries = append(chain.Entries, SGEntry{Phys: first.Phys, Length: short})
			offset = short
			if first.Length > short {
				rest := SGEntry{Phys: first.Phys + uint64(short), Length: first.Length - short}
				n := rest.Length
				if n > AmigaMaxTransfer {
					n = AmigaMaxTransfer
				}
				chain.Entries = append(chain.Entries, SGEntry{Phys: rest.Phys, Length: n})
				chain.appendCapped(SGEntry{Phys: rest.Phys + uint64(n), Length: rest.Length - n})
				offset = first.Length
			}
		} else {
			chain.appendCapped(first)
			offset = first.Length
		}
	} else {
		chain.appendCapped(first)
		offset = first.Length
	}

	for offset < len(buf) {
		seg, err := host.PreparePhysical(buf, offset, cont)
		if err != nil {
			return nil, fmt.Errorf("siop: sg builder: prepare segment at %d: %w", offset, err)
		}
		if seg.Length <= 0 {
			return nil, fmt.Errorf("siop: sg builder: host returned empty segment at offset %d", offset)
		}
		chain.appendCapped(seg)
		offset += seg.Length
		if len(chain.Entries) > DMAMAXIO*4 {
			return nil, fmt.Errorf("siop: sg builder: exceeded %d entries building chain for %d bytes", DMAMAXIO*4, len(buf))
		}
	}

	if len(chain.Entries) > DMAMAXIO {
		return nil, fmt.Errorf("siop: sg builder: chain of %d entries exceeds DMAMAXIO=%d", len(chain.Entries), DMAMAXIO)
	}
	if got := chain.TotalLength(); got != len(buf) {
		return nil, fmt.Errorf("siop: sg builder: chain totals %d bytes, want %d", got, len(buf))
	}
	return chain, nil
}

// appendCapped appends seg, splitting it across AmigaMaxTransfer-sized
// pieces and coalescing with the previous entry when physically adjacent.
func (c *SGChain) appendCapped(seg SGEntry) {
	for seg.Length > 0 {
		n := seg.Length
		if n > AmigaMaxTransfer {
			n = AmigaMaxTransfer
		}
		piece := SGEntry{Phys: seg.Phys, Length: n}
		if last := len(c.Entries) - 1; last >= 0 {
			prev := &c.Entries[last]
			if prev.Phys+uint64(prev.Length) == piece.Phys && prev.Length+piece.Length <= AmigaMaxTransfer {
				prev.Length += piece.Length
				seg.Phys += uint64(n)
				seg.Length -= n
				continue
			}
		}
		c.Entries = append(c.Entries, piece)
		seg.Phys += uint64(n)
		seg.Length -= n
	}
}
