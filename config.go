// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loom

import (
	"fmt"
	"io/ioutil"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"gopkg.in/yaml.v3"

	"github.com/loomrt/loom/harden"
)

// DMA worker modes. Start validates and records the mode; in both
// modes each device's scheduler drains its own completions on its own
// worker, and no worker is shared across devices.
const (
	// DMAShared is the "shared" mode.
	DMAShared = "shared"
	// DMAPerDevice is the "per-device-thread" mode.
	DMAPerDevice = "per-device-thread"
)

// Config enumerates the runtime's configuration. Zero values select
// the defaults.
type Config struct {
	// DeviceCount is the number of accelerators to use. Start uses at
	// most this many of the backends it is given; zero, or a larger
	// value, uses all of them.
	DeviceCount int `yaml:"device_count"`
	// TaskStreamsPerDevice is the number of compute streams
	// multiplexed per device.
	TaskStreamsPerDevice int `yaml:"task_streams_per_device"`
	// FramebufferReserveBytes is the size of the device-private
	// memory carve-out.
	FramebufferReserveBytes int64 `yaml:"framebuffer_reserve_bytes"`
	// ZerocopyReserveBytes is the size of the host-pinned,
	// device-visible memory carve-out.
	ZerocopyReserveBytes int64 `yaml:"zerocopy_reserve_bytes"`
	// KernelArgInitialBytes is the initial size of each device's
	// pinned kernel-argument staging buffer.
	KernelArgInitialBytes int `yaml:"kernel_arg_initial_bytes"`
	// DMAWorkerMode names the DMA worker mode; it is validated and
	// recorded, and does not change how completions are drained.
	DMAWorkerMode string `yaml:"dma_worker_mode"`
	// ContextSyncThreads bounds the threads used for explicit device
	// synchronization at shutdown.
	ContextSyncThreads int `yaml:"context_sync_threads"`
	// Procs bounds the CPU work queue.
	Procs int `yaml:"procs"`

	// Testing knobs.
	RandomSeed int64 `yaml:"random_seed"`
	ShowGraph  bool  `yaml:"show_graph"`
	SkipCheck  bool  `yaml:"skip_check"`

	// Harden, if set, receives completed operations' durable outputs
	// during the hardening phase. It is wired programmatically, not
	// from the configuration file.
	Harden harden.Store `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TaskStreamsPerDevice:    4,
		FramebufferReserveBytes: int64(32 * data.MiB),
		ZerocopyReserveBytes:    int64(16 * data.MiB),
		KernelArgInitialBytes:   8192,
		DMAWorkerMode:           DMAShared,
		ContextSyncThreads:      2,
		Procs:                   4,
	}
}

// fill replaces zero values with the defaults.
func (c *Config) fill() {
	def := DefaultConfig()
	if c.TaskStreamsPerDevice <= 0 {
		c.TaskStreamsPerDevice = def.TaskStreamsPerDevice
	}
	if c.FramebufferReserveBytes <= 0 {
		c.FramebufferReserveBytes = def.FramebufferReserveBytes
	}
	if c.ZerocopyReserveBytes <= 0 {
		c.ZerocopyReserveBytes = def.ZerocopyReserveBytes
	}
	if c.KernelArgInitialBytes <= 0 {
		c.KernelArgInitialBytes = def.KernelArgInitialBytes
	}
	if c.DMAWorkerMode == "" {
		c.DMAWorkerMode = def.DMAWorkerMode
	}
	if c.ContextSyncThreads <= 0 {
		c.ContextSyncThreads = def.ContextSyncThreads
	}
	if c.Procs <= 0 {
		c.Procs = def.Procs
	}
}

// validate rejects configurations the runtime cannot honor.
func (c *Config) validate() error {
	if c.SkipCheck {
		return nil
	}
	if c.DMAWorkerMode != DMAShared && c.DMAWorkerMode != DMAPerDevice {
		return errors.E(errors.Invalid, fmt.Sprintf("loom: unknown dma_worker_mode %q", c.DMAWorkerMode))
	}
	if c.DeviceCount < 0 {
		return errors.E(errors.Invalid, "loom: negative device_count")
	}
	return nil
}

// String summarizes the configuration.
func (c Config) String() string {
	return fmt.Sprintf("devices=%d streams=%d fb=%s zc=%s dma=%s",
		c.DeviceCount, c.TaskStreamsPerDevice,
		data.Size(c.FramebufferReserveBytes), data.Size(c.ZerocopyReserveBytes),
		c.DMAWorkerMode)
}

// LoadConfig reads a YAML configuration file, filling unset fields
// with defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, errors.E(errors.Invalid, "loom: parse config", err)
	}
	c.fill()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
