package main

import "github.com/a4091/siop"

// simDMAHost is the simulator's stand-in for the host's cache-coherent
// DMA services. There is no physical bus behind it: it
// hands back the buffer's own offset as a fake "physical" run covering
// the whole remainder in one call, and treats cache maintenance as a
// no-op, so BuildChain exercises real scatter-gather bookkeeping without
// needing actual DMA-capable memory.
type simDMAHost struct{}

func (simDMAHost) PreparePhysical(buf []byte, offset int, cont bool) (siop.PhysSegment, error) {
	if cont {
		return siop.PhysSegment{}, nil
	}
	return siop.PhysSegment{Phys: uint64(offset), Length: len(buf) - offset}, nil
}

func (simDMAHost) FinishDMA(buf []byte, dir siop.Direction) error { return nil }
