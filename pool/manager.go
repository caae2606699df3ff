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

package pool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/goethminer/goethminer/ethcore"
	"github.com/holiman/uint256"
)

const (
	// submitTimesCapacity bounds the queue pairing submissions with their
	// responses. Overflow drops the oldest entry, like the ring it replaces.
	submitTimesCapacity = 50

	defaultTickInterval = time.Second
	defaultReportTicks  = 60
)

// difficultyDividend is the numerator of the share difficulty formula,
// 0xffff * 2^240.
var difficultyDividend = func() *uint256.Int {
	d := new(uint256.Int).SetUint64(0xffff)
	return d.Lsh(d, 240)
}()

// Config carries the manager's knobs.
type Config struct {
	MinerType ethcore.MinerType

	// MaxTries is the retry budget per endpoint before the rotation
	// advances.
	MaxTries uint

	// FailoverTimeout is how long to stay on a secondary endpoint before
	// forcing a return to the primary. Zero disables reclamation.
	FailoverTimeout time.Duration

	// TickInterval is the work-loop cadence. Zero means 1s.
	TickInterval time.Duration

	// ReportTicks is the number of work-loop ticks between hashrate
	// reports. Zero means 60.
	ReportTicks int
}

// Manager maintains exactly one logical work feed by driving the rotation
// list through a Client, retrying, rotating on exhaustion and optionally
// reclaiming the primary endpoint after a timeout.
type Manager struct {
	cfg    Config
	client Client
	farm   *ethcore.Farm

	// mu guards the rotation list and the retry state. Everything mutating
	// them is either the work-loop or serialized against it here.
	mu          sync.Mutex
	connections []*Connection
	activeIdx   int
	attempt     uint
	activeHost  string

	submitTimes *submitRing

	lastBoundary common.Hash
	lastEpoch    int

	running  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the manager between a client and a farm. The farm's
// solution and restart handlers are claimed here; they must not be
// registered elsewhere.
func NewManager(client Client, farm *ethcore.Farm, cfg Config) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.ReportTicks <= 0 {
		cfg.ReportTicks = defaultReportTicks
	}
	m := &Manager{
		cfg:         cfg,
		client:      client,
		farm:        farm,
		submitTimes: newSubmitRing(submitTimesCapacity),
		lastEpoch:   -1,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	farm.OnSolutionFound(m.solutionFound)
	farm.OnMinerRestart(m.minerRestart)
	return m
}

// AddConnection appends an endpoint to the rotation list.
func (m *Manager) AddConnection(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, conn)
}

// RemoveConnection drops the endpoint at idx from the rotation list.
func (m *Manager) RemoveConnection(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.connections) {
		return fmt.Errorf("no connection at index %d", idx)
	}
	m.connections = append(m.connections[:idx], m.connections[idx+1:]...)
	if m.activeIdx > idx {
		m.activeIdx--
	}
	// Removing the active tail entry must not leave the index dangling.
	if m.activeIdx >= len(m.connections) && len(m.connections) > 0 {
		m.activeIdx = len(m.connections) - 1
	}
	return nil
}

// ClearConnections empties the rotation list and drops the transport.
func (m *Manager) ClearConnections() {
	m.mu.Lock()
	m.connections = nil
	m.activeIdx = 0
	m.attempt = 0
	m.mu.Unlock()

	m.farm.SetPoolAddresses("", 0)
	if m.client.Connected() {
		m.client.Disconnect()
	}
}

// SetActiveConnection switches the rotation to the endpoint at idx. The
// work-loop picks up the change after the forced disconnect.
func (m *Manager) SetActiveConnection(idx int) error {
	m.mu.Lock()
	if idx < 0 || idx >= len(m.connections) {
		m.mu.Unlock()
		return fmt.Errorf("no connection at index %d", idx)
	}
	if idx == m.activeIdx {
		m.mu.Unlock()
		return nil
	}
	m.activeIdx = idx
	m.attempt = 0
	m.mu.Unlock()

	m.client.Disconnect()
	if m.farm.IsMining() {
		log.Info("Suspend mining due connection change...")
		m.farm.SetWork(ethcore.WorkPackage{})
	}
	return nil
}

// ConnectionInfo is the control-plane view of one rotation entry.
type ConnectionInfo struct {
	Index  int    `json:"index"`
	Active bool   `json:"active"`
	URI    string `json:"uri"`
}

// Connections returns the rotation list for the control plane.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(m.connections))
	for i, c := range m.connections {
		out = append(out, ConnectionInfo{Index: i, Active: i == m.activeIdx, URI: c.String()})
	}
	return out
}

// ActiveConnection returns a copy of the endpoint currently driven, if any.
func (m *Manager) ActiveConnection() (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.connections) == 0 {
		return Connection{}, false
	}
	return *m.connections[m.activeIdx], true
}

// Running reports whether the work-loop is live.
func (m *Manager) Running() bool { return m.running.Load() }

// Start spins up the work-loop and the event loop. It fails when the
// rotation list is empty.
func (m *Manager) Start() error {
	m.mu.Lock()
	count := len(m.connections)
	m.mu.Unlock()
	if count == 0 {
		log.Warn("Manager has no connections defined!")
		return errors.New("no connections defined")
	}
	m.running.Store(true)
	m.wg.Add(2)
	go m.workLoop()
	go m.eventLoop()
	return nil
}

// Stop terminates the manager: transport down, farm stopped, loops joined.
// Also used to reap the event loop after the work-loop exited on its own.
func (m *Manager) Stop() {
	if m.running.Swap(false) {
		log.Info("Shutting down...")
	}
	if m.client.Connected() {
		m.client.Disconnect()
	}
	if m.farm.IsMining() {
		log.Info("Shutting down miners...")
		m.farm.Stop()
	}
	m.quitOnce.Do(func() { close(m.quit) })
	m.wg.Wait()
	m.doneOnce.Do(func() { close(m.done) })
}

// Done is closed once the manager has terminated, either by Stop or by
// exhausting the rotation list.
func (m *Manager) Done() <-chan struct{} { return m.done }

// workLoop drives the rotation state machine on a fixed cadence and pushes
// periodic hashrate reports.
func (m *Manager) workLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	reportCounter := 0
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}
		if !m.running.Load() {
			return
		}

		// Take action only when the transport is settled; a pending
		// connect or disconnect finishes on its own time.
		if !m.client.PendingState() && !m.client.Connected() {
			if !m.rotate() {
				log.Info("No more connections to try. Exiting...")
				if m.farm.IsMining() {
					log.Info("Shutting down miners...")
					m.farm.Stop()
				}
				m.running.Store(false)
				m.doneOnce.Do(func() { close(m.done) })
				return
			}
		}

		reportCounter++
		if reportCounter >= m.cfg.ReportTicks {
			reportCounter = 0
			progress := m.farm.MiningProgress()
			m.client.SubmitHashrate(hashrateHex(uint64(progress.HashRate)))
		}
	}
}

// rotate performs one reconnect step: evict unrecoverable endpoints, advance
// past exhausted ones, then dial the active endpoint. It returns false when
// the rotation is finished for good (list empty or exit sentinel reached).
func (m *Manager) rotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// An unrecoverable endpoint is discarded before anything else.
	if len(m.connections) > 0 && m.connections[m.activeIdx].IsUnrecoverable() {
		evicted := m.connections[m.activeIdx]
		m.client.UnsetConnection()
		m.connections = append(m.connections[:m.activeIdx], m.connections[m.activeIdx+1:]...)
		m.attempt = 0
		if m.activeIdx > 0 {
			m.activeIdx--
		}
		log.Warn("Discarded unrecoverable pool", "pool", evicted.Endpoint())
	}

	// Advance the rotation once the retry budget is spent.
	if m.attempt >= m.cfg.MaxTries {
		m.attempt = 0
		m.activeIdx++
		if m.activeIdx >= len(m.connections) {
			m.activeIdx = 0
		}
		if m.farm.IsMining() {
			log.Info("Suspend mining due connection change...")
			m.farm.SetWork(ethcore.WorkPackage{})
		}
	}

	if len(m.connections) == 0 || m.connections[m.activeIdx].IsExit() {
		return false
	}

	conn := m.connections[m.activeIdx]
	m.attempt++
	m.client.SetConnection(conn)
	m.farm.SetPoolAddresses(conn.Host(), conn.Port())
	log.Info("Selected pool", "pool", conn.Endpoint(), "attempt", m.attempt)
	m.client.Connect()
	return true
}

// eventLoop consumes the client's event stream and the failover timer. All
// event driven transitions run here, one at a time.
func (m *Manager) eventLoop() {
	defer m.wg.Done()

	failover := time.NewTimer(time.Hour)
	stopTimer(failover)
	defer failover.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-failover.C:
			m.failoverTimeout()
		case ev := <-m.client.Events():
			switch ev.Kind {
			case EventConnected:
				m.connected(failover)
			case EventDisconnected:
				m.disconnected()
			case EventWorkReceived:
				m.workReceived(ev.Work)
			case EventSolutionAccepted:
				m.solutionAccepted(ev.Stale)
			case EventSolutionRejected:
				m.solutionRejected(ev.Stale)
			}
		}
	}
}

func (m *Manager) connected(failover *time.Timer) {
	m.mu.Lock()
	if len(m.connections) == 0 {
		m.mu.Unlock()
		return
	}
	conn := m.connections[m.activeIdx]
	m.activeHost = conn.Host()
	idx := m.activeIdx
	m.mu.Unlock()

	log.Info("Established connection", "pool", conn.Endpoint(), "endpoint", m.client.ActiveEndpoint())

	// Rough implementation of a return to the primary pool after the
	// configured time on a secondary. Note the timer is only rearmed on the
	// next connect: if the secondary flaps without reconnecting we stay put.
	if idx != 0 && m.cfg.FailoverTimeout > 0 {
		stopTimer(failover)
		failover.Reset(m.cfg.FailoverTimeout)
	} else {
		stopTimer(failover)
	}

	if !m.farm.IsMining() {
		m.startSealers()
	}
}

func (m *Manager) disconnected() {
	m.mu.Lock()
	host := m.activeHost
	m.mu.Unlock()
	log.Info("Disconnected", "pool", host, "endpoint", m.client.ActiveEndpoint())

	// Outstanding round-trip timings are now un-pairable; drop them.
	m.submitTimes.drain()

	// Mining is NOT stopped here; the work-loop decides between a fast
	// reconnect and a failover.
}

func (m *Manager) workReceived(wp ethcore.WorkPackage) {
	m.mu.Lock()
	host := m.activeHost
	m.mu.Unlock()
	log.Info("Job received", "job", wp.Header.TerminalString(), "pool", host)

	if wp.Boundary != m.lastBoundary {
		m.lastBoundary = wp.Boundary
		divisor := new(uint256.Int).SetBytes(wp.Boundary[:])
		if !divisor.IsZero() {
			q := new(uint256.Int).Div(difficultyDividend, divisor)
			diff, _ := new(big.Float).SetInt(q.ToBig()).Float64()
			log.Info("Pool difficulty", "difficulty", fmt.Sprintf("%.2f Gh", diff/1e9))
		}
	}
	if wp.Epoch != m.lastEpoch {
		m.lastEpoch = wp.Epoch
		log.Info("New epoch", "epoch", wp.Epoch)
	}
	m.farm.SetWork(wp)
}

func (m *Manager) solutionAccepted(stale bool) {
	entry, ok := m.submitTimes.pop()
	miner := entry.miner
	if !ok {
		miner = 0
	}
	logCtx := []interface{}{"stale", stale, "pool", m.client.ActiveEndpoint()}
	if ok {
		logCtx = append(logCtx, "latency", time.Since(entry.at).Round(time.Millisecond))
	} else {
		// No pending submission to pair with; the latency is unknown,
		// not zero.
		logCtx = append(logCtx, "latency", "unknown")
	}
	log.Info("Solution accepted", logCtx...)
	m.farm.AcceptedSolution(miner, stale)
}

func (m *Manager) solutionRejected(stale bool) {
	entry, ok := m.submitTimes.pop()
	miner := entry.miner
	if !ok {
		miner = 0
	}
	logCtx := []interface{}{"stale", stale, "pool", m.client.ActiveEndpoint()}
	if ok {
		logCtx = append(logCtx, "latency", time.Since(entry.at).Round(time.Millisecond))
	} else {
		logCtx = append(logCtx, "latency", "unknown")
	}
	log.Warn("Solution rejected", logCtx...)
	m.farm.RejectedSolution(miner)
}

func (m *Manager) failoverTimeout() {
	m.mu.Lock()
	idx := m.activeIdx
	if idx != 0 {
		m.activeIdx = 0
		m.attempt = 0
	}
	m.mu.Unlock()

	if idx != 0 && m.running.Load() {
		log.Info("Failover timeout reached, retrying connection to primary pool")
		m.client.Disconnect()
	}
}

// solutionFound is the farm's solution handler, invoked on miner
// goroutines. Solutions pass through only while the client is properly
// connected; otherwise logging a submission would never see a response.
func (m *Manager) solutionFound(sol ethcore.Solution) {
	if !m.client.Connected() {
		log.Warn("Solution wasted, waiting for connection", "nonce", fmt.Sprintf("%#x", sol.Nonce))
		return
	}
	m.submitTimes.push(submitEntry{at: time.Now(), miner: sol.MinerIdx})
	if sol.Stale {
		log.Warn("Stale solution", "nonce", fmt.Sprintf("%#x", sol.Nonce), "miner", sol.MinerIdx)
	} else {
		log.Info("Solution found", "nonce", fmt.Sprintf("%#x", sol.Nonce), "miner", sol.MinerIdx)
	}
	m.client.SubmitSolution(sol)
}

// minerRestart is the farm's restart handler.
func (m *Manager) minerRestart() {
	if m.farm.IsMining() {
		log.Info("Shutting down miners...")
		m.farm.Stop()
	}
	m.startSealers()
}

func (m *Manager) startSealers() {
	log.Info("Spinning up miners...")
	switch m.cfg.MinerType {
	case ethcore.MinerTypeCL:
		m.farm.Start("opencl", false)
	case ethcore.MinerTypeCUDA:
		m.farm.Start("cuda", false)
	default:
		m.farm.Start("cuda", false)
		m.farm.Start("opencl", true)
	}
}

// hashrateHex formats a rate as the 32-byte big-endian hex word the
// eth_submitHashrate call expects.
func hashrateHex(rate uint64) string {
	return fmt.Sprintf("0x%064x", rate)
}

// stopTimer stops a timer and drains a pending fire so Reset is safe.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// submitEntry pairs a submission timestamp with the miner that produced it.
type submitEntry struct {
	at    time.Time
	miner int
}

// submitRing is the bounded FIFO pairing solution submissions with pool
// responses. Producers are miner goroutines, the consumer is the event
// loop. When full the oldest entry is overwritten, matching the submission
// the pool will also never answer first.
type submitRing struct {
	mu      sync.Mutex
	entries []submitEntry
	head    int
	count   int
}

func newSubmitRing(capacity int) *submitRing {
	return &submitRing{entries: make([]submitEntry, capacity)}
}

func (r *submitRing) push(e submitEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.count) % len(r.entries)
	r.entries[tail] = e
	if r.count == len(r.entries) {
		r.head = (r.head + 1) % len(r.entries) // drop oldest
	} else {
		r.count++
	}
}

func (r *submitRing) pop() (submitEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return submitEntry{}, false
	}
	e := r.entries[r.head]
	r.head = (r.head + 1) % len(r.entries)
	r.count--
	return e, true
}

func (r *submitRing) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.count = 0, 0
}

func (r *submitRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
