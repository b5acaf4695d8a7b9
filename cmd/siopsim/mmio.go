package main

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// memMMIO is a host-memory stand-in for the card's register block, used
// when no real UIO device is given. It is deliberately dumb: a flat byte
// array with big-endian long access, matching the 68k bus the real card
// sits on.
type memMMIO struct {
	bank []byte
}

func newMemMMIO(size uint32) *memMMIO {
	return &memMMIO{bank: make([]byte, size)}
}

func (m *memMMIO) ReadByte(off uint32) byte {
	if int(off) >= len(m.bank) {
		return 0
	}
	return m.bank[off]
}

func (m *memMMIO) WriteByte(off uint32, v byte) {
	if int(off) >= len(m.bank) {
		return
	}
	m.bank[off] = v
}

func (m *memMMIO) ReadLong(off uint32) uint32 {
	if int(off)+4 > len(m.bank) {
		return 0
	}
	return binary.BigEndian.Uint32(m.bank[off:])
}

func (m *memMMIO) WriteLong(off uint32, v uint32) {
	if int(off)+4 > len(m.bank) {
		return
	}
	binary.BigEndian.PutUint32(m.bank[off:], v)
}

// uioMMIO maps a real UIO device exposing the A4091's register window:
// open the device node, read its map size out of sysfs, mmap it
// PROT_READ|PROT_WRITE/MAP_SHARED.
type uioMMIO struct {
	fd   int
	mmap []byte
}

func openUIOMMIO(devPath string, size uint32) (*uioMMIO, error) {
	fd, err := unix.Open(devPath, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("siopsim: open %s: %w", devPath, err)
	}
	mm, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("siopsim: mmap %s: %w", devPath, err)
	}
	return &uioMMIO{fd: fd, mmap: mm}, nil
}

func (u *uioMMIO) Close() error {
	err := unix.Munmap(u.mmap)
	if cerr := unix.Close(u.fd); err == nil {
		err = cerr
	}
	return err
}

func (u *uioMMIO) ReadByte(off uint32) byte  { return u.mmap[off] }
func (u *uioMMIO) WriteByte(off uint32, v byte) { u.mmap[off] = v }

func (u *uioMMIO) ReadLong(off uint32) uint32 {
	return binary.BigEndian.Uint32(u.mmap[off:])
}

func (u *uioMMIO) WriteLong(off uint32, v uint32) {
	binary.BigEndian.PutUint32(u.mmap[off:], v)
}
