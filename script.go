package siop

import "fmt"

// EntryPoint names one of the fixed SCRIPTS entry points the engine may
// jump DSP to. The engine never inspects or modifies the SCRIPTS image
// itself: it only knows these six names.
type EntryPoint int

const (
	ScriptsBase EntryPoint = iota
	Switch
	WaitReselect
	ClearAck
	DataIn
	DataOut
)

func (e EntryPoint) String() string {
	switch e {
	case ScriptsBase:
		return "scripts_base"
	case Switch:
		return "switch"
	case WaitReselect:
		return "wait_reselect"
	case ClearAck:
		return "clear_ack"
	case DataIn:
		return "datain"
	case DataOut:
		return "dataout"
	default:
		return fmt.Sprintf("entry(%d)", int(e))
	}
}

// ScriptsImage is the pre-assembled DMA program. The core treats it as
// opaque data: a physical base address plus a table of named entry-point
// offsets that SCRIPTS guarantees to implement. Integrations supply the
// actual assembled microcode (out of scope for the core); this type only
// carries enough to let the engine program DSP.
type ScriptsImage struct {
	PhysBase uint32
	entries  map[EntryPoint]uint32
}

// NewScriptsImage builds an image from a physical base address and a table
// of entry-point offsets (relative to PhysBase). All six entry points are
// required.
func NewScriptsImage(physBase uint32, offsets map[EntryPoint]uint32) (*ScriptsImage, error) {
	required := []EntryPoint{ScriptsBase, Switch, WaitReselect, ClearAck, DataIn, DataOut}
	for _, ep := range required {
		if _, ok := offsets[ep]; !ok {
			return nil, fmt.Errorf("siop: scripts image missing required entry point %s", ep)
		}
	}
	entries := make(map[EntryPoint]uint32, len(offsets))
	for ep, off := range offsets {
		entries[ep] = physBase + off
	}
	return &ScriptsImage{PhysBase: physBase, entries: entries}, nil
}

// Address resolves the physical DSP value for a named entry point.
func (s *ScriptsImage) Address(ep EntryPoint) uint32 {
	addr, ok := s.entries[ep]
	if !ok {
		panic(fmt.Sprintf("siop: unresolved scripts entry point %s", ep))
	}
	return addr
}
