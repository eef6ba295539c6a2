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

import "testing"

func TestNewSize(t *testing.T) {
	m := New(4096)
	if got := m.Size(); got != 4096 {
		t.Errorf("Size() = %d, want 4096", got)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := New(4096)
	data := []byte{1, 2, 3, 4, 5}
	if af := m.Write(100, data); af {
		t.Fatalf("Write reported access fault")
	}
	got, af, cor := m.Read(100, 5)
	if af || cor {
		t.Fatalf("Read reported af=%v cor=%v, want false/false", af, cor)
	}
	if string(got) != string(data) {
		t.Errorf("Read = %v, want %v", got, data)
	}
}

func TestReadOutOfRange(t *testing.T) {
	m := New(16)
	if _, af, _ := m.Read(10, 8); !af {
		t.Errorf("Read past the end should report an access fault")
	}
	if _, af, _ := m.Read(16, 1); !af {
		t.Errorf("Read starting exactly at size should report an access fault")
	}
}

func TestWriteOutOfRange(t *testing.T) {
	m := New(16)
	if af := m.Write(10, make([]byte, 8)); !af {
		t.Errorf("Write past the end should report an access fault")
	}
	got, _, _ := m.Read(0, 16)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("out-of-range write leaked into byte %d: %v", i, got)
		}
	}
}

func TestInjectAccessFault(t *testing.T) {
	m := New(4096)
	m.InjectAccessFault(200, 4)

	if _, af, _ := m.Read(200, 4); !af {
		t.Errorf("Read over an injected fault range should report an access fault")
	}
	if _, af, _ := m.Read(100, 4); af {
		t.Errorf("Read over an unrelated range should not report an access fault")
	}
	if af := m.Write(200, []byte{1, 2, 3, 4}); !af {
		t.Errorf("Write over an injected fault range should report an access fault")
	}

	// A read that only partially overlaps the faulted range still faults.
	if _, af, _ := m.Read(198, 4); !af {
		t.Errorf("a partially overlapping read should still report an access fault")
	}
}

func TestInjectCorruption(t *testing.T) {
	m := New(4096)
	if af := m.Write(300, []byte{0xaa, 0xbb}); af {
		t.Fatalf("Write reported access fault")
	}
	m.InjectCorruption(300, 2)

	data, af, cor := m.Read(300, 2)
	if af {
		t.Errorf("corruption must not itself report an access fault")
	}
	if !cor {
		t.Errorf("Read over an injected corruption range should report corrupt=true")
	}
	if string(data) != "\xaa\xbb" {
		t.Errorf("corrupted read still returns the underlying bytes, got %v", data)
	}
}

func TestReadWriteUint64(t *testing.T) {
	m := New(4096)
	const want = uint64(0x0102030405060708)
	if af := m.WriteUint64(8, want); af {
		t.Fatalf("WriteUint64 reported access fault")
	}
	got, af, cor := m.ReadUint64(8)
	if af || cor {
		t.Fatalf("ReadUint64 reported af=%v cor=%v", af, cor)
	}
	if got != want {
		t.Errorf("ReadUint64 = %#x, want %#x", got, want)
	}

	// Little-endian: the low byte lands at the lowest address.
	data, _, _ := m.Read(8, 1)
	if data[0] != 0x08 {
		t.Errorf("first byte = %#x, want 0x08 (little-endian)", data[0])
	}
}

func TestReadWriteUint32(t *testing.T) {
	m := New(4096)
	const want = uint32(0xdeadbeef)
	if af := m.WriteUint32(16, want); af {
		t.Fatalf("WriteUint32 reported access fault")
	}
	got, af, cor := m.ReadUint32(16)
	if af || cor {
		t.Fatalf("ReadUint32 reported af=%v cor=%v", af, cor)
	}
	if got != want {
		t.Errorf("ReadUint32 = %#x, want %#x", got, want)
	}
}

func TestReadUint64OutOfRange(t *testing.T) {
	m := New(16)
	if _, af, _ := m.ReadUint64(12); !af {
		t.Errorf("ReadUint64 straddling the end should report an access fault")
	}
}

func TestWriteAtomic(t *testing.T) {
	m := New(4096)
	const want = uint64(0x1122334455667788)
	if af := m.WriteAtomic(24, want); af {
		t.Fatalf("WriteAtomic reported access fault")
	}
	got, af, _ := m.ReadUint64(24)
	if af || got != want {
		t.Errorf("ReadUint64 after WriteAtomic = %#x, af=%v, want %#x", got, af, want)
	}
}
