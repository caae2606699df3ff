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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goethminer/goethminer/ethcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient scripts transport behaviour per host.
type fakeClient struct {
	mu        sync.Mutex
	conn      *Connection
	connected bool
	fail      map[string]bool // hosts refusing connections
	connects  map[string]int
	unsets    int
	submitted []ethcore.Solution
	hashrates []string

	events chan ClientEvent
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		fail:     make(map[string]bool),
		connects: make(map[string]int),
		events:   make(chan ClientEvent, 64),
	}
}

func (c *fakeClient) SetConnection(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *fakeClient) UnsetConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.unsets++
}

func (c *fakeClient) Connect() {
	c.mu.Lock()
	host := ""
	if c.conn != nil {
		host = c.conn.Host()
	}
	c.connects[host]++
	if c.fail[host] {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.mu.Unlock()
	c.events <- ClientEvent{Kind: EventConnected}
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.events <- ClientEvent{Kind: EventDisconnected}
	}
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) PendingState() bool { return false }

func (c *fakeClient) ActiveEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.Endpoint()
}

func (c *fakeClient) SubmitSolution(sol ethcore.Solution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, sol)
}

func (c *fakeClient) SubmitHashrate(rate string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashrates = append(c.hashrates, rate)
}

func (c *fakeClient) Events() <-chan ClientEvent { return c.events }

func (c *fakeClient) setFailing(host string, failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[host] = failing
}

func (c *fakeClient) unsetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsets
}

func (c *fakeClient) connectCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[host]
}

func (c *fakeClient) connectedHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ""
	}
	return c.conn.Host()
}

func (c *fakeClient) submissions() []ethcore.Solution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ethcore.Solution(nil), c.submitted...)
}

func (c *fakeClient) hashrateReports() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hashrates...)
}

func mustConn(t *testing.T, uri string) *Connection {
	t.Helper()
	conn, err := ParseConnection(uri)
	require.NoError(t, err)
	return conn
}

func newTestManager(t *testing.T, client Client, cfg Config, uris ...string) (*Manager, *ethcore.Farm) {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	farm := ethcore.NewFarm(ethcore.FarmConfig{CollectInterval: 50 * time.Millisecond})
	t.Cleanup(farm.Close)

	mgr := NewManager(client, farm, cfg)
	for _, uri := range uris {
		mgr.AddConnection(mustConn(t, uri))
	}
	t.Cleanup(mgr.Stop)
	return mgr, farm
}

func activeIndex(mgr *Manager) int {
	for _, info := range mgr.Connections() {
		if info.Active {
			return info.Index
		}
	}
	return -1
}

func TestManagerRequiresConnections(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeClient(), Config{MaxTries: 1})
	assert.Error(t, mgr.Start())
}

func TestManagerFailoverRotation(t *testing.T) {
	client := newFakeClient()
	client.setFailing("a", true)

	mgr, _ := newTestManager(t, client, Config{MaxTries: 2, FailoverTimeout: 150 * time.Millisecond},
		"stratum+tcp://a:4444", "stratum+tcp://b:4444", "stratum+tcp://c:4444")
	require.NoError(t, mgr.Start())

	// The primary is tried exactly MaxTries times, then the rotation
	// advances and the secondary connects.
	require.Eventually(t, func() bool {
		return client.connectedHost() == "b"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, client.connectCount("a"))
	assert.Equal(t, 1, activeIndex(mgr))

	// The failover timer was armed on connect; once it fires the manager
	// drops the secondary and reclaims the primary.
	client.setFailing("a", false)
	require.Eventually(t, func() bool {
		return client.connectedHost() == "a" && activeIndex(mgr) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerNoFailoverTimerWithoutTimeout(t *testing.T) {
	client := newFakeClient()
	client.setFailing("a", true)

	mgr, _ := newTestManager(t, client, Config{MaxTries: 1},
		"stratum+tcp://a:4444", "stratum+tcp://b:4444")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		return client.connectedHost() == "b"
	}, 2*time.Second, 5*time.Millisecond)

	// Without a timeout the manager stays on the secondary for good.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, "b", client.connectedHost())
	assert.Equal(t, 1, activeIndex(mgr))
}

func TestManagerUnrecoverableEviction(t *testing.T) {
	client := newFakeClient()

	mgr, _ := newTestManager(t, client, Config{MaxTries: 3},
		"stratum+tcp://bad:4444", "stratum+tcp://good:4444")

	conns := mgr.Connections()
	require.Len(t, conns, 2)
	badConn, ok := mgr.ActiveConnection()
	require.True(t, ok)
	require.Equal(t, "bad", badConn.Host())

	// Flag the primary unrecoverable, as a client would after a credential
	// rejection.
	mgr.mu.Lock()
	mgr.connections[0].MarkUnrecoverable()
	mgr.mu.Unlock()

	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		return client.connectedHost() == "good"
	}, 2*time.Second, 5*time.Millisecond)

	infos := mgr.Connections()
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].URI, "good")
	assert.Equal(t, 0, activeIndex(mgr))
	assert.GreaterOrEqual(t, client.unsetCount(), 1)
	assert.Zero(t, client.connectCount("bad"))
}

func TestManagerExitSentinel(t *testing.T) {
	client := newFakeClient()
	client.setFailing("a", true)

	mgr, farm := newTestManager(t, client, Config{MaxTries: 1},
		"stratum+tcp://a:4444", "exit")
	require.NoError(t, mgr.Start())

	select {
	case <-mgr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager never terminated on the exit sentinel")
	}
	assert.False(t, mgr.Running())
	assert.False(t, farm.IsMining())
}

func TestManagerSolutionPassthrough(t *testing.T) {
	client := newFakeClient()

	mgr, farm := newTestManager(t, client, Config{MaxTries: 3}, "stratum+tcp://a:4444")
	require.NoError(t, mgr.Start())

	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	farm.SubmitProof(ethcore.Solution{Nonce: 7, MinerIdx: 2, Stale: true})
	sols := client.submissions()
	require.Len(t, sols, 1)
	assert.Equal(t, uint64(7), sols[0].Nonce)
	assert.Equal(t, 1, mgr.submitTimes.len())

	// The accepted-stale verdict pairs with the submission: stale counter
	// moves, the fresh-accept counter does not.
	client.events <- ClientEvent{Kind: EventSolutionAccepted, Stale: true}
	require.Eventually(t, func() bool {
		return farm.SolutionStats().AcceptedStales(2) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint(0), farm.SolutionStats().Accepts(2))
	assert.Equal(t, 0, mgr.submitTimes.len())
}

func TestManagerSolutionDroppedWhenDisconnected(t *testing.T) {
	client := newFakeClient()
	client.setFailing("a", true)

	mgr, farm := newTestManager(t, client, Config{MaxTries: 100}, "stratum+tcp://a:4444")
	require.NoError(t, mgr.Start())

	// Solutions are dropped, not queued, while the feed is down.
	farm.SubmitProof(ethcore.Solution{Nonce: 9})
	assert.Empty(t, client.submissions())
	assert.Equal(t, 0, mgr.submitTimes.len())
}

func TestManagerVerdictWithoutSubmission(t *testing.T) {
	client := newFakeClient()

	mgr, farm := newTestManager(t, client, Config{MaxTries: 3}, "stratum+tcp://a:4444")
	require.NoError(t, mgr.Start())
	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	// A verdict with nothing queued is recorded with unknown latency
	// against miner 0 rather than inventing a zero round-trip.
	client.events <- ClientEvent{Kind: EventSolutionRejected}
	require.Eventually(t, func() bool {
		return farm.SolutionStats().Rejects(0) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_ = mgr
}

func TestManagerDisconnectDrainsSubmitTimes(t *testing.T) {
	client := newFakeClient()

	mgr, farm := newTestManager(t, client, Config{MaxTries: 100}, "stratum+tcp://a:4444")
	require.NoError(t, mgr.Start())
	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	farm.SubmitProof(ethcore.Solution{Nonce: 1})
	farm.SubmitProof(ethcore.Solution{Nonce: 2})
	require.Equal(t, 2, mgr.submitTimes.len())

	// Prevent an instant reconnect so the drained state is observable.
	client.setFailing("a", true)
	client.Disconnect()
	require.Eventually(t, func() bool {
		return mgr.submitTimes.len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerHashrateReporting(t *testing.T) {
	client := newFakeClient()

	mgr, _ := newTestManager(t, client, Config{MaxTries: 3, ReportTicks: 2}, "stratum+tcp://a:4444")
	require.NoError(t, mgr.Start())

	require.Eventually(t, func() bool {
		return len(client.hashrateReports()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	rate := client.hashrateReports()[0]
	// A 32 byte big-endian hex word.
	require.Len(t, rate, 2+64)
	assert.Equal(t, "0x", rate[:2])
}

func TestManagerWorkForwarding(t *testing.T) {
	client := newFakeClient()

	mgr, farm := newTestManager(t, client, Config{MaxTries: 3}, "stratum+tcp://a:4444")
	require.NoError(t, mgr.Start())
	require.Eventually(t, client.Connected, 2*time.Second, 5*time.Millisecond)

	wp := ethcore.WorkPackage{Boundary: DifficultyBoundary(1 << 20), Epoch: 3}
	wp.Header[0] = 0xaa
	client.events <- ClientEvent{Kind: EventWorkReceived, Work: wp}

	require.Eventually(t, func() bool {
		return farm.Work().Header == wp.Header
	}, 2*time.Second, 5*time.Millisecond)
	_ = mgr
}

func TestManagerSetActiveConnection(t *testing.T) {
	client := newFakeClient()

	mgr, _ := newTestManager(t, client, Config{MaxTries: 3},
		"stratum+tcp://a:4444", "stratum+tcp://b:4444")
	require.NoError(t, mgr.Start())
	require.Eventually(t, func() bool {
		return client.connectedHost() == "a"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.SetActiveConnection(1))
	require.Eventually(t, func() bool {
		return client.connectedHost() == "b"
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, mgr.SetActiveConnection(9))
}

func TestManagerRemoveConnection(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeClient(), Config{MaxTries: 3},
		"stratum+tcp://a:4444", "stratum+tcp://b:4444")

	require.NoError(t, mgr.RemoveConnection(1))
	assert.Len(t, mgr.Connections(), 1)
	assert.Error(t, mgr.RemoveConnection(5))
}

func TestManagerRemoveActiveTailConnection(t *testing.T) {
	mgr, _ := newTestManager(t, newFakeClient(), Config{MaxTries: 3},
		"stratum+tcp://a:4444", "stratum+tcp://b:4444")

	mgr.mu.Lock()
	mgr.activeIdx = 1
	mgr.mu.Unlock()

	// Dropping the active tail entry must leave the index in range.
	require.NoError(t, mgr.RemoveConnection(1))
	assert.Equal(t, 0, activeIndex(mgr))
}

func TestSubmitRingDropsOldest(t *testing.T) {
	ring := newSubmitRing(submitTimesCapacity)

	for i := 0; i < submitTimesCapacity+1; i++ {
		ring.push(submitEntry{miner: i})
	}
	// The queue never exceeds its bound; entry 0 was overwritten.
	require.Equal(t, submitTimesCapacity, ring.len())

	first, ok := ring.pop()
	require.True(t, ok)
	assert.Equal(t, 1, first.miner)

	ring.drain()
	assert.Equal(t, 0, ring.len())
	_, ok = ring.pop()
	assert.False(t, ok)
}

func TestHashrateHex(t *testing.T) {
	assert.Equal(t,
		"0x0000000000000000000000000000000000000000000000000000000000123abc",
		hashrateHex(0x123abc))
	assert.Equal(t, fmt.Sprintf("0x%064x", uint64(0)), hashrateHex(0))
}
