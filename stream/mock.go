// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ExecutedWork is one item retired by the mock device, stamped with a
// global sequence number so tests can assert cross-stream ordering.
type ExecutedWork struct {
	Stream StreamHandle
	Work   Work
	Seq    int64
}

// mockItem is a queue entry on a mock stream: either work or a marker.
type mockItem struct {
	work   Work
	marker MarkerID
	isMark bool
}

// MockBackend is an in-process DeviceBackend: each stream is a
// goroutine draining a FIFO, executing work in submission order and
// invoking the completion callback from its own goroutine, which
// stands in for the undefined device thread of the real callback
// model.
type MockBackend struct {
	device DeviceID

	mu       sync.Mutex
	cb       func(Completion)
	streams  map[StreamHandle]chan mockItem
	next     StreamHandle
	executed []ExecutedWork
	hostMem  map[uint64]int64
	peers    map[DeviceID]bool
	closed   bool

	// SubmitErr, when set, is returned by the next Submit call,
	// simulating a device-API failure on the submit path.
	SubmitErr error
	// WorkErr maps a kernel func id to an error delivered through
	// that work item's completion callback.
	WorkErr map[int]error

	ctxDepth int32
	seq      int64
	wg       sync.WaitGroup
}

var _ DeviceBackend = (*MockBackend)(nil)

// NewMockBackend returns a mock device.
func NewMockBackend(device DeviceID) *MockBackend {
	return &MockBackend{
		device:  device,
		streams: make(map[StreamHandle]chan mockItem),
		hostMem: make(map[uint64]int64),
		peers:   make(map[DeviceID]bool),
		WorkErr: make(map[int]error),
	}
}

// Device implements DeviceBackend.
func (m *MockBackend) Device() DeviceID { return m.device }

// SetCallback implements DeviceBackend.
func (m *MockBackend) SetCallback(cb func(Completion)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

// CreateStream implements DeviceBackend.
func (m *MockBackend) CreateStream() (StreamHandle, error) {
	if err := m.checkContext(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.next++
	h := m.next
	c := make(chan mockItem, 128)
	m.streams[h] = c
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run(h, c)
	return h, nil
}

// run is a mock stream: it retires items in FIFO order.
func (m *MockBackend) run(h StreamHandle, c chan mockItem) {
	defer m.wg.Done()
	var pendingErr error
	for item := range c {
		if item.isMark {
			m.mu.Lock()
			cb := m.cb
			m.mu.Unlock()
			cb(Completion{Marker: item.marker, Err: pendingErr})
			pendingErr = nil
			continue
		}
		if k, ok := item.work.(Kernel); ok {
			m.mu.Lock()
			if err := m.WorkErr[k.FuncID]; err != nil {
				pendingErr = err
			}
			m.mu.Unlock()
		}
		seq := atomic.AddInt64(&m.seq, 1)
		m.mu.Lock()
		m.executed = append(m.executed, ExecutedWork{Stream: h, Work: item.work, Seq: seq})
		m.mu.Unlock()
	}
}

// Submit implements DeviceBackend.
func (m *MockBackend) Submit(h StreamHandle, w Work) error {
	if err := m.checkContext(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.SubmitErr; err != nil {
		m.SubmitErr = nil
		m.mu.Unlock()
		return err
	}
	c, ok := m.streams[h]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock: no stream %d", h)
	}
	c <- mockItem{work: w}
	return nil
}

// PostMarker implements DeviceBackend.
func (m *MockBackend) PostMarker(h StreamHandle, marker MarkerID) error {
	if err := m.checkContext(); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.streams[h]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock: no stream %d", h)
	}
	c <- mockItem{marker: marker, isMark: true}
	return nil
}

// RegisterHostMemory implements DeviceBackend.
func (m *MockBackend) RegisterHostMemory(base uint64, size int64) error {
	if err := m.checkContext(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostMem[base] = size
	return nil
}

// EnablePeer implements DeviceBackend.
func (m *MockBackend) EnablePeer(dev DeviceID) error {
	if err := m.checkContext(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[dev] = true
	return nil
}

// PushContext implements DeviceBackend.
func (m *MockBackend) PushContext() error {
	atomic.AddInt32(&m.ctxDepth, 1)
	return nil
}

// PopContext implements DeviceBackend.
func (m *MockBackend) PopContext() {
	if atomic.AddInt32(&m.ctxDepth, -1) < 0 {
		panic("mock: context pop without push")
	}
}

// checkContext enforces that every device call runs with the context
// pushed.
func (m *MockBackend) checkContext() error {
	if atomic.LoadInt32(&m.ctxDepth) <= 0 {
		return fmt.Errorf("mock: device call without current context")
	}
	return nil
}

// Sync implements DeviceBackend: it closes all stream queues and
// waits for them to drain.
func (m *MockBackend) Sync() error {
	if err := m.checkContext(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for _, c := range m.streams {
			close(c)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// Executed returns the work retired so far, in global retirement
// order.
func (m *MockBackend) Executed() []ExecutedWork {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutedWork, len(m.executed))
	copy(out, m.executed)
	return out
}

// Pinned reports whether a host range is registered.
func (m *MockBackend) Pinned(base uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hostMem[base]
	return ok
}

// Peered reports whether peer access to dev is enabled.
func (m *MockBackend) Peered(dev DeviceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[dev]
}

// ContextBalanced reports whether every PushContext has been popped.
func (m *MockBackend) ContextBalanced() bool {
	return atomic.LoadInt32(&m.ctxDepth) == 0
}
