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

package ethcore

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const simBatchSize = 1 << 12

// SimDriver is a CPU stand-in for a GPU kernel. It scans nonces with a plain
// keccak256 over header and nonce, throttled to a configurable synthetic
// hashrate, so the whole supervisor stack can run and be benchmarked on a
// machine without devices.
type SimDriver struct {
	index     int
	hashRate  float64 // target hashes per second
	epochWait time.Duration

	kick chan struct{}
}

// NewSimDriver builds a simulated device with the given synthetic hashrate.
func NewSimDriver(index int, hashRate float64) *SimDriver {
	if hashRate <= 0 {
		hashRate = 1e5
	}
	return &SimDriver{
		index:     index,
		hashRate:  hashRate,
		epochWait: 250 * time.Millisecond,
		kick:      make(chan struct{}, 1),
	}
}

// InitDevice implements Driver.
func (d *SimDriver) InitDevice(desc *DeviceDescriptor) error {
	desc.Type = DeviceCPU
	desc.Subscription = SubscriptionNone
	desc.Name = "SimulatorDevice"
	desc.TotalMemory = 8 << 30
	return nil
}

// InitEpoch implements Driver. Generation is simulated with a short wait.
func (d *SimDriver) InitEpoch(ctx *EpochContext) error {
	time.Sleep(d.epochWait)
	return nil
}

// HwMonInfo implements Driver. The simulator has nothing to probe.
func (d *SimDriver) HwMonInfo() HwMonitorInfo {
	return HwMonitorInfo{Vendor: HwVendorUnknown, DeviceIndex: -1}
}

// Kick implements Driver.
func (d *SimDriver) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Search implements Driver: scan nonces in batches, pacing to the synthetic
// hashrate, until kicked. The nonce wraps modulo 2^64 by construction.
func (d *SimDriver) Search(wp *WorkPackage, start uint64, host SearchHost) {
	// Drain a stale kick left over from a previous package.
	select {
	case <-d.kick:
	default:
	}

	var (
		nonce     = start
		batchTime = time.Duration(float64(simBatchSize) / d.hashRate * float64(time.Second))
		timer     = time.NewTimer(batchTime)
	)
	defer timer.Stop()

	for {
		select {
		case <-d.kick:
			return
		case <-timer.C:
		}

		for i := 0; i < simBatchSize; i++ {
			if hash := simHash(wp.Header, nonce); bytes.Compare(hash[:], wp.Boundary[:]) <= 0 {
				host.Found(nonce, simMix(hash))
			}
			nonce++
		}
		host.CountHashes(simBatchSize, 1)
		timer.Reset(batchTime)
	}
}

// simHash is the simulator's proof function: keccak256(header || nonce).
func simHash(header common.Hash, nonce uint64) common.Hash {
	var seed [40]byte
	copy(seed[:32], header[:])
	binary.BigEndian.PutUint64(seed[32:], nonce)

	var out common.Hash
	keccak := sha3.NewLegacyKeccak256()
	keccak.Write(seed[:])
	keccak.Sum(out[:0])
	return out
}

// simMix derives a deterministic stand-in mix digest from the result hash.
func simMix(hash common.Hash) common.Hash {
	var out common.Hash
	keccak := sha3.NewLegacyKeccak256()
	keccak.Write(hash[:])
	keccak.Sum(out[:0])
	return out
}

// SimSealer returns a registry entry hosting the given number of simulated
// devices, each pacing to hashRate.
func SimSealer(instances int, hashRate float64) SealerDescriptor {
	return SealerDescriptor{
		Instances: func() int { return instances },
		Create: func(farm FarmBackend, index int) *Miner {
			return NewMiner("sim", index, NewSimDriver(index, hashRate), farm)
		},
	}
}
