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
	crand "crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/goethminer/goethminer/ethcore"
	"github.com/holiman/uint256"
)

// SimulateClient is an in-process pool for benchmarking and tests: it feeds
// itself work of a fixed difficulty and accepts every submission after a
// simulated round-trip.
type SimulateClient struct {
	difficulty uint64
	block      uint64
	latency    time.Duration

	connected atomic.Bool

	mu   sync.Mutex
	conn *Connection

	events chan ClientEvent
	wg     sync.WaitGroup
}

// NewSimulateClient builds a simulated pool issuing work of the given share
// difficulty at the given block height.
func NewSimulateClient(difficulty, block uint64) *SimulateClient {
	if difficulty == 0 {
		difficulty = 1
	}
	return &SimulateClient{
		difficulty: difficulty,
		block:      block,
		latency:    50 * time.Millisecond,
		events:     make(chan ClientEvent, clientEventBuffer),
	}
}

// SetConnection implements Client.
func (c *SimulateClient) SetConnection(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// UnsetConnection implements Client.
func (c *SimulateClient) UnsetConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
}

// Connect implements Client: immediately up, one work package on the wire.
func (c *SimulateClient) Connect() {
	if c.connected.Swap(true) {
		return
	}
	c.emit(ClientEvent{Kind: EventConnected})
	c.emit(ClientEvent{Kind: EventWorkReceived, Work: c.makeWork()})
}

// Disconnect implements Client.
func (c *SimulateClient) Disconnect() {
	if !c.connected.Swap(false) {
		return
	}
	c.emit(ClientEvent{Kind: EventDisconnected})
}

// Connected implements Client.
func (c *SimulateClient) Connected() bool { return c.connected.Load() }

// PendingState implements Client; the simulator transitions instantly.
func (c *SimulateClient) PendingState() bool { return false }

// ActiveEndpoint implements Client.
func (c *SimulateClient) ActiveEndpoint() string { return "" }

// SubmitSolution implements Client: every share is accepted after the
// simulated latency, then a new job is issued.
func (c *SimulateClient) SubmitSolution(sol ethcore.Solution) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		time.Sleep(c.latency)
		if !c.connected.Load() {
			return
		}
		c.emit(ClientEvent{Kind: EventSolutionAccepted, Stale: sol.Stale})
		c.emit(ClientEvent{Kind: EventWorkReceived, Work: c.makeWork()})
	}()
}

// SubmitHashrate implements Client.
func (c *SimulateClient) SubmitHashrate(rate string) {
	log.Debug("Simulated hashrate report", "rate", rate)
}

// Events implements Client.
func (c *SimulateClient) Events() <-chan ClientEvent { return c.events }

// Close waits for in-flight verdicts.
func (c *SimulateClient) Close() {
	c.Disconnect()
	c.wg.Wait()
}

func (c *SimulateClient) emit(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
	}
}

// makeWork issues a fresh random-header package whose boundary encodes the
// configured share difficulty.
func (c *SimulateClient) makeWork() ethcore.WorkPackage {
	var header common.Hash
	crand.Read(header[:])

	return ethcore.WorkPackage{
		Header:      header,
		Seed:        ethcore.SeedHash(int(c.block / ethcore.EpochLength)),
		Boundary:    DifficultyBoundary(c.difficulty),
		Epoch:       int(c.block / ethcore.EpochLength),
		BlockNumber: c.block,
	}
}

// DifficultyBoundary converts a share difficulty into its 256-bit boundary,
// (2^256 - 1) / difficulty.
func DifficultyBoundary(difficulty uint64) common.Hash {
	if difficulty == 0 {
		return common.Hash{}
	}
	max := new(uint256.Int).SetAllOne()
	max.Div(max, new(uint256.Int).SetUint64(difficulty))
	return common.Hash(max.Bytes32())
}
