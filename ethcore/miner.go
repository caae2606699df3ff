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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// PauseReason is one independent cause for a miner to stop searching. A miner
// can be paused for several reasons at a time and resumes only when all of
// them are cleared.
type PauseReason uint

const (
	PauseDueToOverheating PauseReason = iota
	PauseDueToAPIRequest
	PauseDueToFarmPaused
	PauseDueToInsufficientMemory
	PauseDueToInitEpochError
	pauseReasonMax
)

func (r PauseReason) String() string {
	switch r {
	case PauseDueToOverheating:
		return "overheating"
	case PauseDueToAPIRequest:
		return "api request"
	case PauseDueToFarmPaused:
		return "farm paused"
	case PauseDueToInsufficientMemory:
		return "insufficient memory"
	case PauseDueToInitEpochError:
		return "epoch init error"
	default:
		return "unknown"
	}
}

// FarmBackend is the narrow contract a miner uses to call back into the farm
// that owns it. Sealer factories receive it at construction time.
type FarmBackend interface {
	SubmitProof(Solution)
	FailedSolution(minerIndex int)
	NonceScrambler() uint64
	SegmentWidth() uint
	TStart() int
	TStop() int
}

// Driver is the device specific part of a miner: kernel setup and the actual
// search loop. The GPU implementations live outside this package; the sim
// driver ships with it.
type Driver interface {
	// InitDevice prepares the device and fills in the descriptor.
	InitDevice(desc *DeviceDescriptor) error

	// InitEpoch (re)builds per-epoch device state for the given context.
	InitEpoch(ctx *EpochContext) error

	// Search scans nonces from start for the given package, reporting batch
	// completions and found solutions through the host. It returns when
	// kicked or when its segment is exhausted.
	Search(wp *WorkPackage, start uint64, host SearchHost)

	// Kick aborts an in-flight Search as soon as possible.
	Kick()

	// HwMonInfo reports how the telemetry collector should probe the device.
	HwMonInfo() HwMonitorInfo
}

// SearchHost is handed to a Driver so it can report back without holding a
// reference to the Miner.
type SearchHost interface {
	// Found reports a candidate solution for the package being searched.
	Found(nonce uint64, mix common.Hash)

	// CountHashes accrues groupSize*increment hashes to the rate estimator.
	CountHashes(groupSize, increment uint32)
}

// Miner hosts one worker: a device driver plus the common lifecycle state
// the Farm drives. The zero value is not usable; construct with NewMiner.
//
// All cross-thread access is synchronised here; drivers are only ever called
// from the miner's own goroutine except for Kick and HwMonInfo, which the
// farm's telemetry loop calls.
type Miner struct {
	name   string
	index  int
	driver Driver
	farm   FarmBackend

	descriptor DeviceDescriptor

	workMu   sync.Mutex
	work     WorkPackage
	workCond *sync.Cond

	// package currently being searched; only touched on the worker goroutine
	searching WorkPackage

	pauseMu    sync.Mutex
	pauseFlags uint // bitset over PauseReason

	// rolling hashrate estimator, read-and-reset by the telemetry loop
	rateMu    sync.Mutex
	hashes    uint64
	rateStart time.Time

	quit    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewMiner wires a driver to the farm backend. The miner does not search
// until Start is called and a non-empty work package arrives.
func NewMiner(name string, index int, driver Driver, farm FarmBackend) *Miner {
	m := &Miner{
		name:      fmt.Sprintf("%s%d", name, index),
		index:     index,
		driver:    driver,
		farm:      farm,
		rateStart: time.Now(),
		quit:      make(chan struct{}),
	}
	m.workCond = sync.NewCond(&m.workMu)
	return m
}

// Index returns the ordinal index of the instance, not the device.
func (m *Miner) Index() int { return m.index }

// Name returns the instance name, e.g. "cuda0".
func (m *Miner) Name() string { return m.name }

// Descriptor returns the device descriptor filled in by the driver.
func (m *Miner) Descriptor() DeviceDescriptor { return m.descriptor }

// HwMonInfo exposes the driver's telemetry mapping.
func (m *Miner) HwMonInfo() HwMonitorInfo { return m.driver.HwMonInfo() }

// Start spins up the worker goroutine. It pauses waiting for work.
func (m *Miner) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.workLoop()
}

// Stop tears the worker down and joins its goroutine.
func (m *Miner) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.quit)
	m.driver.Kick()
	m.workCond.Broadcast()
	m.wg.Wait()
}

// SetWork atomically replaces the current work package and signals the
// search loop. An empty package suspends the search without stopping the
// worker.
func (m *Miner) SetWork(wp WorkPackage) {
	m.workMu.Lock()
	m.work = wp
	m.workMu.Unlock()

	m.driver.Kick()
	m.workCond.Broadcast()
}

// Work returns a copy of the current work package.
func (m *Miner) Work() WorkPackage {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	return m.work
}

// Pause sets one pause reason and interrupts the search.
func (m *Miner) Pause(reason PauseReason) {
	m.pauseMu.Lock()
	m.pauseFlags |= 1 << reason
	m.pauseMu.Unlock()

	m.driver.Kick()
	m.workCond.Broadcast()
}

// Resume clears one pause reason. The miner resumes searching only once no
// reason remains set.
func (m *Miner) Resume(reason PauseReason) {
	m.pauseMu.Lock()
	m.pauseFlags &^= 1 << reason
	m.pauseMu.Unlock()

	m.workCond.Broadcast()
}

// Paused reports whether any pause reason is set.
func (m *Miner) Paused() bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.pauseFlags != 0
}

// PauseTest reports whether the given reason is currently active.
func (m *Miner) PauseTest(reason PauseReason) bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.pauseFlags&(1<<reason) != 0
}

// PausedReason renders the active pause reasons for humans.
func (m *Miner) PausedReason() string {
	m.pauseMu.Lock()
	flags := m.pauseFlags
	m.pauseMu.Unlock()

	var reasons []string
	for r := PauseReason(0); r < pauseReasonMax; r++ {
		if flags&(1<<r) != 0 {
			reasons = append(reasons, r.String())
		}
	}
	return strings.Join(reasons, ", ")
}

// SetTemperature feeds the latest device temperature back into the miner so
// it can apply thermal pause control. tstop <= tstart disables the control.
func (m *Miner) SetTemperature(tempC int) {
	tstart, tstop := m.farm.TStart(), m.farm.TStop()
	if tstop == 0 || tstop <= tstart {
		return
	}
	if tempC >= tstop && !m.PauseTest(PauseDueToOverheating) {
		log.Warn("Miner overheated, pausing", "miner", m.name, "temp", tempC, "tstop", tstop)
		m.Pause(PauseDueToOverheating)
	} else if tempC <= tstart && m.PauseTest(PauseDueToOverheating) {
		log.Info("Miner cooled down, resuming", "miner", m.name, "temp", tempC, "tstart", tstart)
		m.Resume(PauseDueToOverheating)
	}
}

// RetrieveHashRate reads the rate accrued since the previous read and resets
// the window, yielding non-overlapping measurements.
func (m *Miner) RetrieveHashRate() float64 {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.rateStart).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(m.hashes) / elapsed
	}
	m.hashes = 0
	m.rateStart = now
	return rate
}

// CountHashes implements SearchHost.
func (m *Miner) CountHashes(groupSize, increment uint32) {
	m.rateMu.Lock()
	m.hashes += uint64(groupSize) * uint64(increment)
	m.rateMu.Unlock()
}

// Found implements SearchHost. The solution carries the package the search
// ran against. It is flagged stale when newer work already superseded that
// package; whether a stale share still pays is the pool's call.
func (m *Miner) Found(nonce uint64, mix common.Hash) {
	current := m.Work()
	m.farm.SubmitProof(Solution{
		Nonce:    nonce,
		MixHash:  mix,
		Work:     m.searching,
		Tstamp:   time.Now(),
		MinerIdx: m.index,
		Stale:    !current.IsEmpty() && current.Header != m.searching.Header,
	})
}

// startNonce returns the base of this miner's scan segment for the package.
func (m *Miner) startNonce(wp *WorkPackage) uint64 {
	if wp.StartNonce != 0 {
		// Delegated-nonce mode: the pool picked the base itself.
		return wp.StartNonce
	}
	return m.farm.NonceScrambler() + uint64(m.index)<<m.farm.SegmentWidth()
}

// waitForWork blocks until a non-empty work package is available and the
// miner is not paused. Returns false when the miner is quitting.
func (m *Miner) waitForWork() (WorkPackage, bool) {
	m.workMu.Lock()
	defer m.workMu.Unlock()
	for {
		select {
		case <-m.quit:
			return WorkPackage{}, false
		default:
		}
		if m.work.IsEmpty() || m.Paused() {
			m.workCond.Wait()
			continue
		}
		return m.work, true
	}
}

// workLoop is the worker goroutine: wait for work, switch epochs when they
// change, then hand the package to the driver until kicked. A search that
// returns with the same package still current is simply restarted.
func (m *Miner) workLoop() {
	defer m.wg.Done()

	if err := m.driver.InitDevice(&m.descriptor); err != nil {
		log.Error("Device initialization failed", "miner", m.name, "err", err)
		return
	}
	log.Debug("Miner ready", "miner", m.name, "device", m.descriptor.Name)

	epoch := -1
	for {
		wp, ok := m.waitForWork()
		if !ok {
			return
		}
		if wp.Epoch != epoch {
			if !m.switchEpoch(wp.Epoch) {
				// Pause bit is set; wait for operator action or fresh work.
				continue
			}
			epoch = wp.Epoch
		}
		m.searching = wp
		m.driver.Search(&wp, m.startNonce(&wp), m)
	}
}

// switchEpoch tears down and rebuilds per-epoch device state. Failures pause
// the miner instead of propagating: the farm keeps the other workers running.
func (m *Miner) switchEpoch(epoch int) bool {
	ctx := EpochContextFor(epoch)
	start := time.Now()
	if err := m.driver.InitEpoch(ctx); err != nil {
		if ctx.DAGSize > m.descriptor.TotalMemory && m.descriptor.TotalMemory > 0 {
			log.Error("Epoch does not fit in device memory", "miner", m.name, "epoch", epoch,
				"dag", ctx.DAGSize, "memory", m.descriptor.TotalMemory)
			m.Pause(PauseDueToInsufficientMemory)
		} else {
			log.Error("Epoch initialization failed", "miner", m.name, "epoch", epoch, "err", err)
			m.Pause(PauseDueToInitEpochError)
		}
		return false
	}
	log.Info("Epoch initialized", "miner", m.name, "epoch", epoch,
		"elapsed", common.PrettyDuration(time.Since(start)))
	return true
}
