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
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/goethminer/goethminer/hwmon"
)

const defaultSegmentWidth = 40 // ~1TH of nonce space per worker

var farmHashRateGauge = metrics.GetOrRegisterGaugeFloat64("farm/hashrate", nil)

// SealerDescriptor registers one worker family: how many device instances it
// can host and how to build a miner for one of them.
type SealerDescriptor struct {
	Instances func() int
	Create    func(farm FarmBackend, index int) *Miner
}

// FarmConfig carries the knobs the farm is built with.
type FarmConfig struct {
	// HwMon enables hardware telemetry collection; PowerMon additionally
	// samples power draw.
	HwMon    bool
	PowerMon bool

	// CollectInterval is the telemetry cadence. Zero means 5s.
	CollectInterval time.Duration

	// TStart/TStop bound thermal pause control. TStop <= TStart disables it.
	TStart int
	TStop  int
}

// Farm owns a dynamic set of miners: it broadcasts work to them, partitions
// the nonce space, aggregates telemetry on a fixed cadence and fans found
// solutions in to a single registered handler.
//
// The farm outlives all workers and pool sessions; create one per process
// and Close it last.
type Farm struct {
	cfg FarmConfig

	// minerWork guards the miner set and the farm-wide current package.
	minerWork  sync.Mutex
	miners     []*Miner
	work       WorkPackage
	lastSealer string

	sealers map[string]SealerDescriptor

	isMining atomic.Bool
	progress atomic.Value // *WorkingProgress

	onSolutionFound func(Solution)
	onMinerRestart  func()

	stats *SolutionStats

	scrambler    atomic.Uint64
	segmentWidth atomic.Uint32

	tstart atomic.Int32
	tstop  atomic.Int32

	poolMu        sync.Mutex
	poolAddresses string

	// hardware monitor backends; absent ones stay nil
	nvidia   hwmon.Probe
	amd      hwmon.Probe
	amdSysfs hwmon.Probe

	restartCh chan struct{}
	quit      chan struct{}
	wg        sync.WaitGroup

	launched time.Time
}

// NewFarm builds the farm and starts its telemetry loop. The loop runs for
// the whole lifetime of the farm regardless of mining state.
func NewFarm(cfg FarmConfig) *Farm {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 5 * time.Second
	}
	f := &Farm{
		cfg:       cfg,
		sealers:   make(map[string]SealerDescriptor),
		stats:     NewSolutionStats(),
		restartCh: make(chan struct{}, 1),
		quit:      make(chan struct{}),
		launched:  time.Now(),
	}
	f.segmentWidth.Store(defaultSegmentWidth)
	f.tstart.Store(int32(cfg.TStart))
	f.tstop.Store(int32(cfg.TStop))
	f.progress.Store(&WorkingProgress{})
	f.Shuffle()

	if cfg.HwMon {
		var err error
		if f.nvidia, err = hwmon.NewNvidiaProbe(); err != nil {
			log.Debug("NVML telemetry unavailable", "err", err)
		}
		if f.amd, err = hwmon.NewAMDProbe(); err != nil {
			log.Debug("ADL telemetry unavailable", "err", err)
		}
		if f.amdSysfs, err = hwmon.NewSysfsProbe(); err != nil {
			log.Debug("AMD sysfs telemetry unavailable", "err", err)
		}
	}

	f.wg.Add(1)
	go f.supervise()
	return f
}

// Close stops mining and terminates the telemetry loop.
func (f *Farm) Close() {
	f.Stop()
	close(f.quit)
	f.wg.Wait()
}

// SetSealers replaces the sealer registry. Running workers are unaffected.
func (f *Farm) SetSealers(sealers map[string]SealerDescriptor) {
	f.minerWork.Lock()
	defer f.minerWork.Unlock()
	f.sealers = sealers
}

// OnSolutionFound registers the single solution handler. Must be called
// before workers start.
func (f *Farm) OnSolutionFound(handler func(Solution)) {
	f.onSolutionFound = handler
}

// OnMinerRestart registers the restart handler invoked by Restart.
func (f *Farm) OnMinerRestart(handler func()) {
	f.onMinerRestart = handler
}

// Start spins up the miners of the given sealer. With mixed unset the
// current worker set is replaced; with mixed set the new family is appended
// after the existing workers. Returns false if the sealer is unknown.
//
// Requesting the most recently started sealer again while workers exist is a
// no-op, mixed or not. An earlier sealer requested again with mixed set is
// appended once more instead of being deduplicated.
func (f *Farm) Start(sealer string, mixed bool) bool {
	f.minerWork.Lock()
	defer f.minerWork.Unlock()

	if len(f.miners) > 0 && f.lastSealer == sealer {
		return true
	}
	desc, ok := f.sealers[sealer]
	if !ok {
		return false
	}

	if !mixed {
		f.stopMinersLocked()
	}
	start := len(f.miners)
	count := desc.Instances()
	for i := start; i < start+count; i++ {
		m := desc.Create(f, i)
		f.miners = append(f.miners, m)
		m.Start()
		if !f.work.IsEmpty() {
			m.SetWork(f.work)
		}
	}
	log.Info("Spinning up miners", "sealer", sealer, "instances", count, "total", len(f.miners))

	f.isMining.Store(true)
	f.lastSealer = sealer
	return true
}

// Stop tears down all workers. Safe to call when not mining.
func (f *Farm) Stop() {
	if !f.IsMining() {
		return
	}
	f.minerWork.Lock()
	defer f.minerWork.Unlock()
	f.stopMinersLocked()
	f.isMining.Store(false)
}

func (f *Farm) stopMinersLocked() {
	for _, m := range f.miners {
		m.Stop()
	}
	f.miners = nil
	f.lastSealer = ""
}

// IsMining reports whether the worker set is non-empty.
func (f *Farm) IsMining() bool { return f.isMining.Load() }

// MinerCount returns the number of hosted workers.
func (f *Farm) MinerCount() int {
	f.minerWork.Lock()
	defer f.minerWork.Unlock()
	return len(f.miners)
}

// SetWork copies the package into every worker's current-work slot under the
// work lock; it is visible to all of them before the call returns. An empty
// package suspends searching without stopping the workers.
func (f *Farm) SetWork(wp WorkPackage) {
	f.minerWork.Lock()
	defer f.minerWork.Unlock()
	f.work = wp
	for _, m := range f.miners {
		m.SetWork(wp)
	}
}

// Work returns a copy of the farm-wide current package.
func (f *Farm) Work() WorkPackage {
	f.minerWork.Lock()
	defer f.minerWork.Unlock()
	return f.work
}

// Restart invokes the registered restart handler synchronously.
func (f *Farm) Restart() {
	if f.onMinerRestart != nil {
		f.onMinerRestart()
	}
}

// RestartAsync schedules a restart on the supervisor loop. Multiple requests
// coalesce while one is pending.
func (f *Farm) RestartAsync() {
	select {
	case f.restartCh <- struct{}{}:
	default:
	}
}

// MiningProgress returns the snapshot computed by the last telemetry tick.
// It never blocks on workers.
func (f *Farm) MiningProgress() *WorkingProgress {
	return f.progress.Load().(*WorkingProgress)
}

// SolutionStats exposes the per-miner outcome counters.
func (f *Farm) SolutionStats() *SolutionStats { return f.stats }

// AcceptedSolution records a pool accept against the given miner.
func (f *Farm) AcceptedSolution(minerIdx int, stale bool) {
	f.stats.Accepted(minerIdx, stale)
}

// RejectedSolution records a pool reject against the given miner.
func (f *Farm) RejectedSolution(minerIdx int) {
	f.stats.Rejected(minerIdx)
}

// PauseMiner pauses one worker on operator request.
func (f *Farm) PauseMiner(index int) error {
	m, err := f.miner(index)
	if err != nil {
		return err
	}
	m.Pause(PauseDueToAPIRequest)
	return nil
}

// ResumeMiner clears an operator pause on one worker.
func (f *Farm) ResumeMiner(index int) error {
	m, err := f.miner(index)
	if err != nil {
		return err
	}
	m.Resume(PauseDueToAPIRequest)
	return nil
}

func (f *Farm) miner(index int) (*Miner, error) {
	f.minerWork.Lock()
	defer f.minerWork.Unlock()
	if index < 0 || index >= len(f.miners) {
		return nil, fmt.Errorf("no miner at index %d", index)
	}
	return f.miners[index], nil
}

// Shuffle re-randomizes the nonce scrambler. All nonces are equally likely
// to solve the problem; the randomized base just keeps multiple rigs from
// scanning identical ranges.
func (f *Farm) Shuffle() {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err == nil {
		f.scrambler.Store(binary.BigEndian.Uint64(buf[:]))
	}
}

// NonceScrambler implements FarmBackend.
func (f *Farm) NonceScrambler() uint64 { return f.scrambler.Load() }

// SetNonceScrambler overrides the randomized scan base.
func (f *Farm) SetNonceScrambler(n uint64) { f.scrambler.Store(n) }

// SegmentWidth implements FarmBackend: the per-worker segment size as an
// exponent of two.
func (f *Farm) SegmentWidth() uint { return uint(f.segmentWidth.Load()) }

// SetSegmentWidth overrides the per-worker segment exponent.
func (f *Farm) SetSegmentWidth(w uint) { f.segmentWidth.Store(uint32(w)) }

// NonceSegment describes one worker's scan range.
type NonceSegment struct {
	GPU   int    `json:"gpu"`
	Start uint64 `json:"start"`
	Stop  uint64 `json:"stop"`
}

// NonceSegments describes the range every worker is scanning. Overflow wraps
// modulo 2^64, same as the scan itself.
func (f *Farm) NonceSegments() []NonceSegment {
	f.minerWork.Lock()
	count := len(f.miners)
	f.minerWork.Unlock()

	base, width := f.NonceScrambler(), f.SegmentWidth()
	segments := make([]NonceSegment, 0, count)
	for i := 0; i < count; i++ {
		start := base + uint64(i)<<width
		segments = append(segments, NonceSegment{GPU: i, Start: start, Stop: start + 1<<width})
	}
	return segments
}

// SetTStartTStop updates the thermal pause bounds. tstop <= tstart disables
// thermal control.
func (f *Farm) SetTStartTStop(tstart, tstop int) {
	f.tstart.Store(int32(tstart))
	f.tstop.Store(int32(tstop))
}

// TStart implements FarmBackend.
func (f *Farm) TStart() int { return int(f.tstart.Load()) }

// TStop implements FarmBackend.
func (f *Farm) TStop() int { return int(f.tstop.Load()) }

// SetPoolAddresses records the endpoint shown by the stats surface.
func (f *Farm) SetPoolAddresses(host string, port int) {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	if host == "" {
		f.poolAddresses = ""
		return
	}
	f.poolAddresses = fmt.Sprintf("%s:%d", host, port)
}

// PoolAddresses returns the recorded pool endpoint.
func (f *Farm) PoolAddresses() string {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	return f.poolAddresses
}

// Launched returns the farm construction time.
func (f *Farm) Launched() time.Time { return f.launched }

// LaunchedFormatted renders the farm uptime as "Time: HH:MM".
func (f *Farm) LaunchedFormatted() string {
	d := time.Since(f.launched)
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if hours >= 100 {
		return fmt.Sprintf("Time: %03d:%02d", hours, mins)
	}
	return fmt.Sprintf("Time: %02d:%02d", hours, mins)
}

// SubmitProof implements FarmBackend: fan a miner's solution in to the
// registered handler. A misbehaving handler must not take the farm down
// with it.
func (f *Farm) SubmitProof(s Solution) {
	defer func() {
		if err := recover(); err != nil {
			log.Error("Solution handler crashed", "miner", s.MinerIdx, "err", err)
		}
	}()
	f.onSolutionFound(s)
}

// FailedSolution implements FarmBackend.
func (f *Farm) FailedSolution(minerIdx int) {
	f.stats.Failed(minerIdx)
}

// supervise runs the telemetry loop and serializes restart requests. This is
// the farm's only long-lived goroutine.
func (f *Farm) supervise() {
	defer f.wg.Done()

	collect := time.NewTicker(f.cfg.CollectInterval)
	defer collect.Stop()

	for {
		select {
		case <-collect.C:
			f.collectData()
		case <-f.restartCh:
			log.Info("Restart miners...")
			f.Restart()
		case <-f.quit:
			return
		}
	}
}

// collectData assembles a fresh WorkingProgress snapshot: hashrates of all
// unpaused workers plus hardware telemetry when enabled. Probe failures are
// non-fatal; missing values stay zero.
func (f *Farm) collectData() {
	f.minerWork.Lock()
	miners := make([]*Miner, len(f.miners))
	copy(miners, f.miners)
	f.minerWork.Unlock()

	progress := &WorkingProgress{
		MinersHashRates: make([]float64, 0, len(miners)),
		MiningIsPaused:  make([]bool, 0, len(miners)),
	}
	for _, m := range miners {
		if !m.Paused() {
			hr := m.RetrieveHashRate()
			progress.HashRate += hr
			progress.MinersHashRates = append(progress.MinersHashRates, hr)
			progress.MiningIsPaused = append(progress.MiningIsPaused, false)
		} else {
			progress.MinersHashRates = append(progress.MinersHashRates, 0)
			progress.MiningIsPaused = append(progress.MiningIsPaused, true)
		}

		if f.cfg.HwMon {
			hw := f.probe(m.HwMonInfo())
			m.SetTemperature(hw.TempC)
			progress.MinerMonitors = append(progress.MinerMonitors, hw)
		}
	}
	farmHashRateGauge.Update(progress.HashRate)
	f.progress.Store(progress)
}

// probe reads one device's telemetry from whichever backends claim it. For
// AMD the sysfs values overwrite the vendor library's when present.
func (f *Farm) probe(info HwMonitorInfo) HwMonitor {
	var hw HwMonitor
	if info.DeviceIndex < 0 {
		return hw
	}
	apply := func(p hwmon.Probe) {
		if p == nil {
			return
		}
		sample, ok := p.Sample(info.DeviceIndex)
		if !ok {
			return
		}
		hw.TempC = sample.TempC
		hw.FanP = sample.FanPercent
		if f.cfg.PowerMon {
			hw.PowerW = sample.PowerW
		}
	}
	switch info.Vendor {
	case HwVendorNvidia:
		apply(f.nvidia)
	case HwVendorAMD:
		apply(f.amd)
		apply(f.amdSysfs)
	}
	return hw
}
