// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
)

// headerReserve is the size of the reserved header carved out of the
// front of each device memory region for runtime bookkeeping.
const headerReserve = 4096

// A DeviceMemory is one large device allocation split into the
// framebuffer (device-private) and zero-copy (host-pinned,
// device-visible) regions. Each region carves a reserved header from
// its front and exposes the remainder through a sub-allocator.
type DeviceMemory struct {
	Framebuffer *Suballocator
	ZeroCopy    *Suballocator
}

// NewDeviceMemory lays out a device allocation starting at base:
// fbBytes of framebuffer followed by zcBytes of zero-copy memory.
func NewDeviceMemory(base uint64, fbBytes, zcBytes int64) (*DeviceMemory, error) {
	fb, err := newSuballocator("framebuffer", base, fbBytes)
	if err != nil {
		return nil, err
	}
	zc, err := newSuballocator("zero-copy", base+uint64(fbBytes), zcBytes)
	if err != nil {
		return nil, err
	}
	return &DeviceMemory{Framebuffer: fb, ZeroCopy: zc}, nil
}

// span is a free range in a sub-allocator, addressed relative to the
// region base.
type span struct {
	off  int64
	size int64
}

// A Suballocator hands out ranges of a fixed device memory region
// first-fit. Frees coalesce with their neighbors.
type Suballocator struct {
	name string
	base uint64

	mu     sync.Mutex
	free   []span
	allocs map[uint64]int64
}

func newSuballocator(name string, base uint64, size int64) (*Suballocator, error) {
	if size <= headerReserve {
		return nil, errors.E(errors.Invalid, "stream: region smaller than its reserved header")
	}
	return &Suballocator{
		name:   name,
		base:   base,
		free:   []span{{off: headerReserve, size: size - headerReserve}},
		allocs: make(map[uint64]int64),
	}, nil
}

// Alloc returns the device address of a fresh range of the given size
// and alignment. Alignment must be a power of two; zero selects
// 256-byte alignment, the device texture default.
func (a *Suballocator) Alloc(size int64, align int64) (uint64, error) {
	if size <= 0 {
		return 0, errors.E(errors.Invalid, "stream: non-positive allocation")
	}
	if align == 0 {
		align = 256
	}
	must.True(align&(align-1) == 0, "alignment not a power of two")
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.free {
		start := (int64(a.base)+s.off+align-1) &^ (align - 1)
		pad := start - int64(a.base) - s.off
		if pad+size > s.size {
			continue
		}
		// Split the span: padding stays free, the tail returns to the
		// list.
		tail := span{off: s.off + pad + size, size: s.size - pad - size}
		switch {
		case pad == 0 && tail.size == 0:
			a.free = append(a.free[:i], a.free[i+1:]...)
		case pad == 0:
			a.free[i] = tail
		case tail.size == 0:
			a.free[i] = span{off: s.off, size: pad}
		default:
			a.free[i] = span{off: s.off, size: pad}
			a.free = append(a.free, span{})
			copy(a.free[i+2:], a.free[i+1:])
			a.free[i+1] = tail
		}
		addr := a.base + uint64(s.off+pad)
		a.allocs[addr] = size
		return addr, nil
	}
	return 0, errors.E("stream: " + a.name + " memory exhausted")
}

// Free returns a previously allocated range, coalescing it with
// adjacent free spans.
func (a *Suballocator) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.allocs[addr]
	if !ok {
		return errors.E(errors.Invalid, "stream: free of unallocated address")
	}
	delete(a.allocs, addr)
	freed := span{off: int64(addr - a.base), size: size}
	// Insert sorted by offset, then coalesce with neighbors.
	i := 0
	for i < len(a.free) && a.free[i].off < freed.off {
		i++
	}
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = freed
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// Available returns the total free bytes in the region.
func (a *Suballocator) Available() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, s := range a.free {
		n += s.size
	}
	return n
}
