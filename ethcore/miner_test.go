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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDriver is a controllable stand-in for a GPU kernel.
type testDriver struct {
	mu       sync.Mutex
	epochs   []int
	starts   []uint64
	epochErr error
	memory   uint64

	kick      chan struct{}
	searching chan struct{} // one token per Search entry
}

func newTestDriver() *testDriver {
	return &testDriver{
		memory:    1 << 40,
		kick:      make(chan struct{}, 1),
		searching: make(chan struct{}, 16),
	}
}

func (d *testDriver) InitDevice(desc *DeviceDescriptor) error {
	desc.Type = DeviceGPU
	desc.Name = "TestDevice"
	desc.TotalMemory = d.memory
	return nil
}

func (d *testDriver) InitEpoch(ctx *EpochContext) error {
	d.mu.Lock()
	d.epochs = append(d.epochs, ctx.Epoch)
	err := d.epochErr
	d.mu.Unlock()
	return err
}

func (d *testDriver) Search(wp *WorkPackage, start uint64, host SearchHost) {
	// Drain a stale kick left over from a previous package, as SimDriver does.
	select {
	case <-d.kick:
	default:
	}
	d.mu.Lock()
	d.starts = append(d.starts, start)
	d.mu.Unlock()
	select {
	case d.searching <- struct{}{}:
	default:
	}
	<-d.kick
}

func (d *testDriver) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *testDriver) HwMonInfo() HwMonitorInfo {
	return HwMonitorInfo{Vendor: HwVendorNvidia, DeviceIndex: 0}
}

func (d *testDriver) initEpochs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.epochs...)
}

func (d *testDriver) searchStarts() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.starts...)
}

func (d *testDriver) waitSearching(t *testing.T) {
	t.Helper()
	select {
	case <-d.searching:
	case <-time.After(2 * time.Second):
		t.Fatal("miner never started searching")
	}
}

// testBackend satisfies FarmBackend without dragging a full farm in.
type testBackend struct {
	mu        sync.Mutex
	solutions []Solution
	failures  []int

	scrambler uint64
	width     uint
	tstart    int
	tstop     int
}

func (b *testBackend) SubmitProof(s Solution) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.solutions = append(b.solutions, s)
}

func (b *testBackend) FailedSolution(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, idx)
}

func (b *testBackend) NonceScrambler() uint64 { return b.scrambler }
func (b *testBackend) SegmentWidth() uint     { return b.width }
func (b *testBackend) TStart() int            { return b.tstart }
func (b *testBackend) TStop() int             { return b.tstop }

func (b *testBackend) submitted() []Solution {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Solution(nil), b.solutions...)
}

func testWork(epoch int, tag byte) WorkPackage {
	var header common.Hash
	header[0] = 0x1
	header[31] = tag
	return WorkPackage{Header: header, Boundary: common.HexToHash("0x0000ffff"), Epoch: epoch}
}

func TestMinerPauseResume(t *testing.T) {
	m := NewMiner("test", 0, newTestDriver(), &testBackend{width: 40})

	assert.False(t, m.Paused())

	m.Pause(PauseDueToAPIRequest)
	assert.True(t, m.Paused())
	assert.True(t, m.PauseTest(PauseDueToAPIRequest))

	// Pausing for a second reason keeps the miner paused after the first
	// one clears.
	m.Pause(PauseDueToOverheating)
	m.Resume(PauseDueToAPIRequest)
	assert.True(t, m.Paused())
	assert.Equal(t, "overheating", m.PausedReason())

	m.Resume(PauseDueToOverheating)
	assert.False(t, m.Paused())
}

func TestMinerThermalControl(t *testing.T) {
	backend := &testBackend{width: 40, tstart: 40, tstop: 60}
	m := NewMiner("test", 0, newTestDriver(), backend)

	m.SetTemperature(59)
	assert.False(t, m.PauseTest(PauseDueToOverheating))

	m.SetTemperature(61)
	assert.True(t, m.PauseTest(PauseDueToOverheating))

	// Between the bounds nothing changes.
	m.SetTemperature(50)
	assert.True(t, m.PauseTest(PauseDueToOverheating))

	m.SetTemperature(39)
	assert.False(t, m.PauseTest(PauseDueToOverheating))
}

func TestMinerThermalControlDisabled(t *testing.T) {
	// tstop <= tstart disables thermal pausing entirely.
	backend := &testBackend{width: 40, tstart: 60, tstop: 40}
	m := NewMiner("test", 0, newTestDriver(), backend)

	m.SetTemperature(200)
	assert.False(t, m.Paused())

	m = NewMiner("test", 0, newTestDriver(), &testBackend{width: 40})
	m.SetTemperature(200)
	assert.False(t, m.Paused())
}

func TestMinerWorkRoundtrip(t *testing.T) {
	m := NewMiner("test", 0, newTestDriver(), &testBackend{width: 40})

	wp := testWork(7, 1)
	m.SetWork(wp)
	assert.Equal(t, wp, m.Work())
}

func TestMinerEpochSwitch(t *testing.T) {
	driver := newTestDriver()
	m := NewMiner("test", 0, driver, &testBackend{width: 40})
	m.Start()
	defer m.Stop()

	m.SetWork(testWork(100, 1))
	driver.waitSearching(t)

	m.SetWork(testWork(101, 2))
	driver.waitSearching(t)

	require.Equal(t, []int{100, 101}, driver.initEpochs())

	// Same epoch again: no re-init.
	m.SetWork(testWork(101, 3))
	driver.waitSearching(t)
	assert.Equal(t, []int{100, 101}, driver.initEpochs())
}

func TestMinerEpochInitFailure(t *testing.T) {
	driver := newTestDriver()
	driver.epochErr = errors.New("kernel build failed")
	m := NewMiner("test", 0, driver, &testBackend{width: 40})
	m.Start()
	defer m.Stop()

	m.SetWork(testWork(5, 1))

	require.Eventually(t, func() bool {
		return m.PauseTest(PauseDueToInitEpochError)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, driver.searchStarts())
}

func TestMinerEpochInitOutOfMemory(t *testing.T) {
	driver := newTestDriver()
	driver.epochErr = errors.New("allocation failed")
	driver.memory = 1 << 20 // far below any DAG
	m := NewMiner("test", 0, driver, &testBackend{width: 40})
	m.Start()
	defer m.Stop()

	m.SetWork(testWork(5, 1))

	require.Eventually(t, func() bool {
		return m.PauseTest(PauseDueToInsufficientMemory)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMinerStartNonce(t *testing.T) {
	backend := &testBackend{scrambler: 0x1000, width: 40}
	driver := newTestDriver()
	m := NewMiner("test", 2, driver, backend)
	m.Start()
	defer m.Stop()

	m.SetWork(testWork(0, 1))
	driver.waitSearching(t)

	starts := driver.searchStarts()
	require.NotEmpty(t, starts)
	assert.Equal(t, uint64(0x20000001000), starts[0])
}

func TestMinerDelegatedStartNonce(t *testing.T) {
	driver := newTestDriver()
	m := NewMiner("test", 3, driver, &testBackend{scrambler: 0x1000, width: 40})
	m.Start()
	defer m.Stop()

	wp := testWork(0, 1)
	wp.StartNonce = 0xdead0000
	m.SetWork(wp)
	driver.waitSearching(t)

	starts := driver.searchStarts()
	require.NotEmpty(t, starts)
	assert.Equal(t, uint64(0xdead0000), starts[0])
}

func TestMinerHashRateWindow(t *testing.T) {
	m := NewMiner("test", 0, newTestDriver(), &testBackend{width: 40})

	m.CountHashes(1024, 8)
	time.Sleep(20 * time.Millisecond)
	rate := m.RetrieveHashRate()
	assert.Greater(t, rate, 0.0)

	// The window resets on read; an immediate second read sees nothing.
	assert.Equal(t, 0.0, m.RetrieveHashRate())
}

func TestMinerStaleMarking(t *testing.T) {
	backend := &testBackend{width: 40}
	m := NewMiner("test", 1, newTestDriver(), backend)

	wp1 := testWork(0, 1)
	m.searching = wp1
	m.SetWork(wp1)
	m.Found(42, common.Hash{})

	m.SetWork(testWork(0, 2))
	m.Found(43, common.Hash{})

	sols := backend.submitted()
	require.Len(t, sols, 2)
	assert.False(t, sols[0].Stale)
	assert.True(t, sols[1].Stale)
	assert.Equal(t, 1, sols[0].MinerIdx)
	assert.Equal(t, wp1.Header, sols[1].Work.Header)
}

func TestMinerPausedStopsSearch(t *testing.T) {
	driver := newTestDriver()
	m := NewMiner("test", 0, driver, &testBackend{width: 40})
	m.Start()
	defer m.Stop()

	m.SetWork(testWork(0, 1))
	driver.waitSearching(t)

	m.Pause(PauseDueToAPIRequest)
	// The search was kicked; with the pause bit set no new search starts.
	time.Sleep(50 * time.Millisecond)
	before := len(driver.searchStarts())

	m.Resume(PauseDueToAPIRequest)
	driver.waitSearching(t)
	assert.Greater(t, len(driver.searchStarts()), before)
}
