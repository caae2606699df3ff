// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package ethcore implements the mining supervisor core: the Farm worker
// aggregate, the Miner base lifecycle and the value types shared with the
// pool layer.
package ethcore

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MinerType selects which sealer families the pool manager spins up.
type MinerType int

const (
	MinerTypeMixed MinerType = iota
	MinerTypeCL
	MinerTypeCUDA
)

func (t MinerType) String() string {
	switch t {
	case MinerTypeCL:
		return "opencl"
	case MinerTypeCUDA:
		return "cuda"
	default:
		return "mixed"
	}
}

// WorkPackage is an immutable snapshot of a mining job handed down from the
// pool. An empty package (zero header) is the canonical suspend signal.
type WorkPackage struct {
	Header      common.Hash // challenge digest
	Seed        common.Hash // epoch seed as delivered by the pool, if any
	Boundary    common.Hash // 256-bit difficulty target, lower is harder
	Job         string      // pool assigned job identifier
	Epoch       int
	BlockNumber uint64

	// StartNonce is only set in delegated-nonce mode where the pool carves
	// the nonce space itself. ExSizeBytes is the server supplied prefix width.
	StartNonce  uint64
	ExSizeBytes int
}

// IsEmpty reports whether the package is the suspend signal.
func (wp *WorkPackage) IsEmpty() bool {
	return wp.Header == (common.Hash{})
}

// Solution is a candidate proof produced by a miner, consumed by the Farm and
// forwarded to the pool layer.
type Solution struct {
	Nonce    uint64
	MixHash  common.Hash
	Work     WorkPackage
	Tstamp   time.Time
	MinerIdx int
	Stale    bool
}

// DeviceType classifies a compute device.
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceCPU
	DeviceGPU
	DeviceAccelerator
)

// DeviceSubscription records which backend claimed a device.
type DeviceSubscription int

const (
	SubscriptionNone DeviceSubscription = iota
	SubscriptionOpenCL
	SubscriptionCUDA
)

// DeviceDescriptor describes a compute device. The driver fills it in once
// when the miner's worker starts; it does not change afterwards.
type DeviceDescriptor struct {
	Type         DeviceType
	Subscription DeviceSubscription
	UniqueID     string // PCI id for GPUs
	TotalMemory  uint64
	Name         string
}

// HwVendor identifies the hardware monitoring backend a device reports under.
type HwVendor int

const (
	HwVendorUnknown HwVendor = iota
	HwVendorNvidia
	HwVendorAMD
)

// HwMonitorInfo tells the telemetry collector how to probe a miner's device.
type HwMonitorInfo struct {
	Vendor      HwVendor
	DevicePciID string
	DeviceIndex int // vendor device index; -1 when unmapped
}

// HwMonitor is one hardware telemetry reading.
type HwMonitor struct {
	TempC  int
	FanP   int
	PowerW float64
}

func (hw HwMonitor) String() string {
	return fmt.Sprintf("%dC %d%% %.0fW", hw.TempC, hw.FanP, hw.PowerW)
}

// WorkingProgress is a snapshot of farm-wide mining progress, replaced
// atomically by the telemetry loop on every collection tick.
type WorkingProgress struct {
	HashRate float64 // hashes per second across all unpaused miners

	MinersHashRates []float64
	MiningIsPaused  []bool
	MinerMonitors   []HwMonitor
}

func (p *WorkingProgress) String() string {
	s := fmt.Sprintf("Speed %.2f Mh/s", p.HashRate/1e6)
	for i, hr := range p.MinersHashRates {
		s += fmt.Sprintf(" gpu%d %.2f", i, hr/1e6)
		if p.MiningIsPaused[i] {
			s += " (paused)"
		}
		if i < len(p.MinerMonitors) {
			s += " " + p.MinerMonitors[i].String()
		}
	}
	return s
}
