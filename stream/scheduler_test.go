// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomrt/loom/event"
)

func waitEvent(t *testing.T, ev event.Event) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ev.Wait(ctx)
}

func newTestScheduler(t *testing.T, config Config) (*Scheduler, *MockBackend) {
	t.Helper()
	backend := NewMockBackend(0)
	s, err := NewScheduler(backend, config)
	if err != nil {
		t.Fatal(err)
	}
	return s, backend
}

// TestSameStreamOrder verifies that work submitted to the same stream
// executes in submission order.
func TestSameStreamOrder(t *testing.T) {
	s, backend := newTestScheduler(t, Config{TaskStreams: 1})
	var last event.Event
	for i := 1; i <= 8; i++ {
		ev, err := s.SubmitKernel(Kernel{FuncID: i})
		if err != nil {
			t.Fatal(err)
		}
		last = ev
	}
	if err := waitEvent(t, last); err != nil {
		t.Fatal(err)
	}
	var got []int
	for _, w := range backend.Executed() {
		if k, ok := w.Work.(Kernel); ok {
			got = append(got, k.FuncID)
		}
	}
	for i, id := range got {
		if id != i+1 {
			t.Errorf("position %d: got kernel %d", i, id)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !backend.ContextBalanced() {
		t.Error("device context push/pop unbalanced")
	}
}

// TestKernelDependsOnKernel chains K2 on K1's completion event across
// streams: K2's execution must observe that K1 has already finished.
func TestKernelDependsOnKernel(t *testing.T) {
	s, backend := newTestScheduler(t, Config{TaskStreams: 4})
	ev1, err := s.SubmitKernel(Kernel{FuncID: 1})
	if err != nil {
		t.Fatal(err)
	}
	// The dependence is expressed through the completion-event graph:
	// K2 is not submitted until K1's fence has fired.
	if err := waitEvent(t, ev1); err != nil {
		t.Fatal(err)
	}
	ev2, err := s.SubmitKernel(Kernel{FuncID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, ev2); err != nil {
		t.Fatal(err)
	}
	var seq1, seq2 int64
	for _, w := range backend.Executed() {
		if k, ok := w.Work.(Kernel); ok {
			switch k.FuncID {
			case 1:
				seq1 = w.Seq
			case 2:
				seq2 = w.Seq
			}
		}
	}
	if seq1 == 0 || seq2 == 0 {
		t.Fatal("kernels did not execute")
	}
	if seq1 >= seq2 {
		t.Errorf("K1 (seq %d) did not finish before K2 (seq %d)", seq1, seq2)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestDMARouting verifies that each copy kind lands on its dedicated
// stream and fills use the device-to-device stream.
func TestDMARouting(t *testing.T) {
	s, backend := newTestScheduler(t, Config{})
	kinds := []CopyKind{HostToDevice, DeviceToHost, DeviceToDevice}
	var last event.Event
	for _, kind := range kinds {
		ev, err := s.SubmitCopy(Copy{Src: 0x1000, Dst: 0x2000, Bytes: 64, Kind: kind})
		if err != nil {
			t.Fatal(err)
		}
		last = ev
	}
	fillEv, err := s.SubmitFill(Fill{Dst: 0x3000, Bytes: 32, Pattern: []byte{0xab}})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, last); err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, fillEv); err != nil {
		t.Fatal(err)
	}
	streamsByKind := make(map[CopyKind]StreamHandle)
	var fillStream StreamHandle
	for _, w := range backend.Executed() {
		switch work := w.Work.(type) {
		case Copy:
			streamsByKind[work.Kind] = w.Stream
		case Fill:
			fillStream = w.Stream
		}
	}
	seen := make(map[StreamHandle]CopyKind)
	for kind, h := range streamsByKind {
		if prev, ok := seen[h]; ok {
			t.Errorf("kinds %s and %s share stream %d", prev, kind, h)
		}
		seen[h] = kind
	}
	if fillStream != streamsByKind[DeviceToDevice] {
		t.Errorf("fill ran on stream %d, want the d2d stream %d", fillStream, streamsByKind[DeviceToDevice])
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryFence(t *testing.T) {
	s, _ := newTestScheduler(t, Config{TaskStreams: 2})
	for i := 1; i <= 6; i++ {
		if _, err := s.SubmitKernel(Kernel{FuncID: i}); err != nil {
			t.Fatal(err)
		}
	}
	fence, err := s.MemoryFence()
	if err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, fence); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats.Kernels.Get(); got != 6 {
		t.Errorf("got %d kernels, want 6", got)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestCallbackErrorFailsFence verifies that a stream-callback error
// marks the corresponding work-fence as failed without killing the
// scheduler.
func TestCallbackErrorFailsFence(t *testing.T) {
	s, backend := newTestScheduler(t, Config{TaskStreams: 1})
	boom := errors.New("ECC error")
	backend.WorkErr[7] = boom
	ev, err := s.SubmitKernel(Kernel{FuncID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if got := waitEvent(t, ev); got == nil {
		t.Fatal("fence did not fail")
	}
	if got, want := ev.PollState(), event.Failed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The scheduler is still usable.
	ev, err = s.SubmitKernel(Kernel{FuncID: 8})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, ev); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestSubmitErrorFatal verifies that a device error on the submit path
// is fatal to the scheduler.
func TestSubmitErrorFatal(t *testing.T) {
	s, backend := newTestScheduler(t, Config{})
	backend.SubmitErr = errors.New("out of device memory")
	if _, err := s.SubmitKernel(Kernel{FuncID: 1}); err == nil {
		t.Fatal("expected submit error")
	}
	// The device context is unsafe to reuse: everything after fails.
	if _, err := s.SubmitKernel(Kernel{FuncID: 2}); err == nil {
		t.Fatal("dead scheduler accepted work")
	}
	if _, err := s.MemoryFence(); err == nil {
		t.Fatal("dead scheduler posted fence")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterHostMemoryIdempotent(t *testing.T) {
	s, backend := newTestScheduler(t, Config{})
	for i := 0; i < 3; i++ {
		if err := s.RegisterHostMemory(0x10000, 4096); err != nil {
			t.Fatal(err)
		}
	}
	if !backend.Pinned(0x10000) {
		t.Error("host memory not registered")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestEnablePeerBothWays(t *testing.T) {
	s0, b0 := newTestScheduler(t, Config{})
	b1 := NewMockBackend(1)
	s1, err := NewScheduler(b1, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s0.EnablePeer(s1); err != nil {
		t.Fatal(err)
	}
	if !b0.Peered(1) || !b1.Peered(0) {
		t.Error("peer access not recorded on both devices")
	}
	// Peer copies are now accepted.
	ev, err := s0.SubmitCopy(Copy{Src: 1, Dst: 2, Bytes: 8, Kind: PeerToPeer})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, ev); err != nil {
		t.Fatal(err)
	}
	if err := s0.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestArgStagingGrowth overflows the initial staging buffer and
// verifies both the doubling growth and the staged contents.
func TestArgStagingGrowth(t *testing.T) {
	s, backend := newTestScheduler(t, Config{TaskStreams: 1, KernelArgBytes: 16})
	args := bytes.Repeat([]byte{0x5a}, 64)
	ev, err := s.SubmitKernel(Kernel{FuncID: 1, Args: args})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitEvent(t, ev); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats.ArgBufGrows.Get(); got == 0 {
		t.Error("staging buffer did not grow")
	}
	for _, w := range backend.Executed() {
		if k, ok := w.Work.(Kernel); ok && k.FuncID == 1 {
			if !bytes.Equal(k.Args, args) {
				t.Error("staged arguments corrupted")
			}
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
