package main

import "github.com/a4091/siop"

// buildScriptsImage returns a placeholder SCRIPTS image. The core treats
// a ScriptsImage as opaque data (siop.ScriptsImage's doc comment); this
// harness has no assembled 53C710 microcode to point at, so the six
// required entry points are spread across a fake page at arbitrary,
// non-overlapping offsets.
func buildScriptsImage(physBase uint32) (*siop.ScriptsImage, error) {
	return siop.NewScriptsImage(physBase, map[siop.EntryPoint]uint32{
		siop.ScriptsBase:  0x000,
		siop.Switch:       0x040,
		siop.WaitReselect: 0x080,
		siop.ClearAck:     0x0a0,
		siop.DataIn:       0x0c0,
		siop.DataOut:      0x0e0,
	})
}
