// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stream implements the per-device scheduler that multiplexes
// compute kernels and DMA copies onto a bounded pool of device
// streams, observes their completion through device callbacks, and
// propagates completion events back into the dependence graph.
//
// The device itself is abstracted behind the DeviceBackend capability
// so that the scheduler carries no vendor API bindings; a mock backend
// drives the same machinery in tests.
package stream

import "fmt"

// DeviceID identifies an accelerator device.
type DeviceID int

// StreamHandle names a device queue created by the backend.
type StreamHandle int

// MarkerID names a marker posted to a device stream. The device
// invokes the completion callback with the marker's id when the stream
// reaches it.
type MarkerID uint64

// CopyKind selects the DMA channel a copy is routed to.
type CopyKind int

const (
	// HostToDevice transfers from host memory to the framebuffer.
	HostToDevice CopyKind = iota
	// DeviceToHost transfers from the framebuffer to host memory.
	DeviceToHost
	// DeviceToDevice transfers within the framebuffer.
	DeviceToDevice
	// PeerToPeer transfers to another device's framebuffer.
	PeerToPeer

	numCopyKinds
)

var copyKindStrings = [...]string{
	HostToDevice:   "h2d",
	DeviceToHost:   "d2h",
	DeviceToDevice: "d2d",
	PeerToPeer:     "peer",
}

// String returns the copy kind's conventional abbreviation.
func (k CopyKind) String() string { return copyKindStrings[k] }

// A Kernel is a compute launch. FuncID zero is reserved for the kill
// sentinel that shuts the scheduler down.
type Kernel struct {
	FuncID int
	Args   []byte
}

// A Copy is a DMA transfer between two addresses.
type Copy struct {
	Src, Dst uint64
	Bytes    int64
	Kind     CopyKind
}

// A Fill writes a repeated byte pattern to a destination range.
type Fill struct {
	Dst     uint64
	Bytes   int64
	Pattern []byte
}

// Work is the union of the item kinds a stream accepts.
type Work interface {
	isWork()
	String() string
}

func (Kernel) isWork() {}
func (Copy) isWork()   {}
func (Fill) isWork()   {}

func (k Kernel) String() string {
	return fmt.Sprintf("kernel(func=%d, %d arg bytes)", k.FuncID, len(k.Args))
}

func (c Copy) String() string {
	return fmt.Sprintf("copy(%s, %d bytes)", c.Kind, c.Bytes)
}

func (f Fill) String() string {
	return fmt.Sprintf("fill(%d bytes)", f.Bytes)
}

// A Completion is delivered by the device when a stream reaches a
// posted marker. Completions arrive on an undefined thread; the
// receiver may not call back into the device and should only record
// the completion and wake its worker.
type Completion struct {
	Marker MarkerID
	Err    error
}

// DeviceBackend is the capability the scheduler requires of a device.
// Implementations wrap a vendor API; the scheduler never calls one
// directly.
type DeviceBackend interface {
	// Device returns the backend's device identity.
	Device() DeviceID

	// SetCallback installs the completion callback invoked when a
	// stream reaches a posted marker. It must be called before any
	// marker is posted.
	SetCallback(func(Completion))

	// CreateStream creates a device stream.
	CreateStream() (StreamHandle, error)

	// Submit enqueues work on a stream. Work on one stream executes
	// in submission order.
	Submit(StreamHandle, Work) error

	// PostMarker enqueues a marker on a stream; the callback fires
	// when all previously submitted work on the stream has finished.
	PostMarker(StreamHandle, MarkerID) error

	// RegisterHostMemory pins a host memory range for fast transfers.
	RegisterHostMemory(base uint64, size int64) error

	// EnablePeer enables peer-to-peer access to another device.
	EnablePeer(DeviceID) error

	// PushContext makes the backend's device context current on the
	// calling thread; PopContext restores the previous one. Every
	// device call must run between the two.
	PushContext() error
	PopContext()

	// Sync blocks until the device has drained all submitted work.
	Sync() error
}

// AutoContext runs fn with the backend's device context pushed,
// guaranteeing the pop on every exit path, panics included.
func AutoContext(b DeviceBackend, fn func() error) error {
	if err := b.PushContext(); err != nil {
		return err
	}
	defer b.PopContext()
	return fn()
}
