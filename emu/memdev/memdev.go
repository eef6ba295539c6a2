// Package memdev models the guest/host memory the IOMMU observes through
// read_memory/write_memory: a flat byte-addressable store with access-fault
// and data-corruption (RAS) signalling on every access.
package memdev

/*
 * rviommu - platform memory interface (C2)
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

import "encoding/binary"

// Memory is a single owned instance of the address space the model reads
// page tables, contexts and queues from. Unlike the teacher's package-global
// mem, every IOMMU instance owns its own Memory so tests can run several
// independent models concurrently.
type Memory struct {
	bytes []byte

	// Sparse fault injection: an address present here causes every
	// access that touches it to report the recorded condition.
	accessFault map[uint64]bool
	corrupt     map[uint64]bool
}

// New allocates size bytes of zero-filled memory.
func New(size uint64) *Memory {
	return &Memory{
		bytes:       make([]byte, size),
		accessFault: make(map[uint64]bool),
		corrupt:     make(map[uint64]bool),
	}
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.bytes))
}

// InjectAccessFault arranges for every later access touching
// [addr, addr+size) to report an access fault; the injection is never
// cleared. Test-only hook; the model never calls this.
func (m *Memory) InjectAccessFault(addr, size uint64) {
	for a := addr; a < addr+size; a++ {
		m.accessFault[a] = true
	}
}

// InjectCorruption is the data-corruption (RAS) analogue of
// InjectAccessFault.
func (m *Memory) InjectCorruption(addr, size uint64) {
	for a := addr; a < addr+size; a++ {
		m.corrupt[a] = true
	}
}

func (m *Memory) classify(addr, size uint64) (accessFault, corrupt bool) {
	for a := addr; a < addr+size; a++ {
		if m.accessFault[a] {
			accessFault = true
		}
		if m.corrupt[a] {
			corrupt = true
		}
	}
	return
}

// Read fetches size bytes at addr. accessFault indicates the access could
// not reach memory (out of range or injected fault); corrupt indicates the
// data returned may be wrong (RAS poison), mirroring read_memory's status
// bits in the external interface.
func (m *Memory) Read(addr, size uint64) (data []byte, accessFault, corrupt bool) {
	if addr+size > m.Size() {
		return nil, true, false
	}
	af, cor := m.classify(addr, size)
	if af {
		return nil, true, false
	}
	buf := make([]byte, size)
	copy(buf, m.bytes[addr:addr+size])
	return buf, false, cor
}

// ReadUint64 is a convenience wrapper for the common 8-byte little-endian
// descriptor reads (PTEs, directory entries, DC/PC words).
func (m *Memory) ReadUint64(addr uint64) (value uint64, accessFault, corrupt bool) {
	data, af, cor := m.Read(addr, 8)
	if af {
		return 0, true, false
	}
	return binary.LittleEndian.Uint64(data), false, cor
}

// ReadUint32 is the 4-byte analogue of ReadUint64.
func (m *Memory) ReadUint32(addr uint64) (value uint32, accessFault, corrupt bool) {
	data, af, cor := m.Read(addr, 4)
	if af {
		return 0, true, false
	}
	return binary.LittleEndian.Uint32(data), false, cor
}

// Write stores size bytes at addr (size = len(data)). Returns true on
// access fault; writes below an access fault are dropped entirely.
func (m *Memory) Write(addr uint64, data []byte) (accessFault bool) {
	size := uint64(len(data))
	if addr+size > m.Size() {
		return true
	}
	af, _ := m.classify(addr, size)
	if af {
		return true
	}
	copy(m.bytes[addr:addr+size], data)
	return false
}

// WriteUint64 stores an 8-byte little-endian value.
func (m *Memory) WriteUint64(addr, value uint64) (accessFault bool) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(addr, buf[:])
}

// WriteUint32 stores a 4-byte little-endian value.
func (m *Memory) WriteUint32(addr uint64, value uint32) (accessFault bool) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.Write(addr, buf[:])
}

// WriteAtomic performs the read-modify-write A/D update atomically with
// respect to the model's single-threaded execution (the model never
// suspends mid-transaction, so ordinary Read/Write already satisfies the
// atomicity requirement; this wrapper exists to name the call site per
// spec.md 4.3's A/D handling note).
func (m *Memory) WriteAtomic(addr uint64, value uint64) (accessFault bool) {
	return m.WriteUint64(addr, value)
}
