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
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/goethminer/goethminer/ethcore"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// request ids marking the four in-flight request kinds
	idLogin    = 1
	idGetWork  = 5
	idHashrate = 6
	idSubmit   = 40

	clientEventBuffer = 128
)

// defaultBoundary is assumed when the pool does not state one: share
// difficulty ~4.3G, the getwork convention.
var defaultBoundary = common.HexToHash(
	"0x00000000ffff0000000000000000000000000000000000000000000000000000")

// stratumRequest is one JSON line in either direction.
type stratumRequest struct {
	ID      int             `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  []string        `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// StratumClient speaks the eth-proxy flavour of stratum over a plain TCP
// line protocol: login, work notifications as three-element hash arrays,
// solution submission with boolean verdicts.
type StratumClient struct {
	mu   sync.Mutex
	conn *Connection // endpoint to dial
	sock net.Conn
	enc  *json.Encoder

	connected     atomic.Bool
	connecting    atomic.Bool
	disconnecting atomic.Bool

	// staleness of in-flight submissions, popped FIFO when verdicts arrive;
	// the wire protocol itself carries no stale marker
	staleMu sync.Mutex
	stales  []bool

	events chan ClientEvent
	wg     sync.WaitGroup
}

// NewStratumClient builds an unconnected client. The manager points it at
// endpoints via SetConnection.
func NewStratumClient() *StratumClient {
	return &StratumClient{events: make(chan ClientEvent, clientEventBuffer)}
}

// SetConnection implements Client.
func (c *StratumClient) SetConnection(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// UnsetConnection implements Client.
func (c *StratumClient) UnsetConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
}

// Connected implements Client.
func (c *StratumClient) Connected() bool { return c.connected.Load() }

// PendingState implements Client: true during both connect and disconnect.
func (c *StratumClient) PendingState() bool {
	return c.connecting.Load() || c.disconnecting.Load()
}

// ActiveEndpoint implements Client.
func (c *StratumClient) ActiveEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return ""
	}
	return c.sock.RemoteAddr().String()
}

// Connect implements Client. The dial runs asynchronously; the outcome is
// observable through Connected/PendingState and the event stream.
func (c *StratumClient) Connect() {
	if !c.connecting.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.connecting.Store(false)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sock, err := net.DialTimeout("tcp", conn.Endpoint(), dialTimeout)
		if err != nil {
			log.Warn("Pool dial failed", "pool", conn.Endpoint(), "err", err)
			c.connecting.Store(false)
			return
		}
		c.mu.Lock()
		c.sock = sock
		c.enc = json.NewEncoder(sock)
		c.mu.Unlock()

		c.connected.Store(true)
		c.connecting.Store(false)

		c.send(stratumRequest{ID: idLogin, JSONRPC: "2.0", Method: "eth_submitLogin",
			Params: []string{conn.User(), conn.Pass()}})
		c.send(stratumRequest{ID: idGetWork, JSONRPC: "2.0", Method: "eth_getWork"})

		c.emit(ClientEvent{Kind: EventConnected})

		c.wg.Add(1)
		go c.readLoop(sock)
	}()
}

// Disconnect implements Client.
func (c *StratumClient) Disconnect() {
	if !c.connected.Load() {
		return
	}
	c.disconnecting.Store(true)
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		sock.Close() // the read loop observes the close and finishes up
	}
}

// SubmitSolution implements Client.
func (c *StratumClient) SubmitSolution(sol ethcore.Solution) {
	c.staleMu.Lock()
	c.stales = append(c.stales, sol.Stale)
	c.staleMu.Unlock()
	c.send(stratumRequest{ID: idSubmit, JSONRPC: "2.0", Method: "eth_submitWork",
		Params: []string{
			fmt.Sprintf("0x%016x", sol.Nonce),
			sol.Work.Header.Hex(),
			sol.MixHash.Hex(),
		}})
}

// SubmitHashrate implements Client.
func (c *StratumClient) SubmitHashrate(rate string) {
	if !c.connected.Load() {
		return
	}
	c.send(stratumRequest{ID: idHashrate, JSONRPC: "2.0", Method: "eth_submitHashrate",
		Params: []string{rate, "0x0"}})
}

// Events implements Client.
func (c *StratumClient) Events() <-chan ClientEvent { return c.events }

// Close tears the transport down and waits for the read loop.
func (c *StratumClient) Close() {
	c.Disconnect()
	c.wg.Wait()
}

func (c *StratumClient) send(req stratumRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil || c.enc == nil {
		return
	}
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.enc.Encode(&req); err != nil {
		log.Warn("Pool send failed", "method", req.Method, "err", err)
	}
}

// emit delivers an event without ever blocking the transport; the manager
// drains promptly, so a full buffer means it is gone and dropping is fine.
func (c *StratumClient) emit(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
		log.Warn("Dropped pool client event", "kind", ev.Kind)
	}
}

// readLoop decodes server lines until the socket dies, then completes the
// disconnect transition.
func (c *StratumClient) readLoop(sock net.Conn) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(sock)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg stratumRequest
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug("Undecodable pool message", "err", err)
			continue
		}
		c.handleMessage(&msg)
	}

	c.mu.Lock()
	c.sock = nil
	c.enc = nil
	c.mu.Unlock()
	sock.Close()

	c.staleMu.Lock()
	c.stales = nil
	c.staleMu.Unlock()

	c.connected.Store(false)
	c.disconnecting.Store(false)
	c.emit(ClientEvent{Kind: EventDisconnected})
}

func (c *StratumClient) handleMessage(msg *stratumRequest) {
	switch {
	case msg.Method == "eth_getWork" || c.looksLikeWork(msg):
		var params []string
		payload := msg.Result
		if payload == nil {
			params = msg.Params
		} else if err := json.Unmarshal(payload, &params); err != nil {
			return
		}
		if wp, ok := c.parseWork(params); ok {
			c.emit(ClientEvent{Kind: EventWorkReceived, Work: wp})
		}

	case msg.ID == idSubmit:
		var accepted bool
		if err := json.Unmarshal(msg.Result, &accepted); err != nil {
			accepted = false
		}
		kind := EventSolutionRejected
		if accepted && msg.Error == nil {
			kind = EventSolutionAccepted
		}
		c.staleMu.Lock()
		stale := false
		if len(c.stales) > 0 {
			stale, c.stales = c.stales[0], c.stales[1:]
		}
		c.staleMu.Unlock()
		c.emit(ClientEvent{Kind: kind, Stale: stale})

	case msg.ID == idLogin && msg.Error != nil:
		log.Warn("Pool login rejected", "err", string(msg.Error))
		c.Disconnect()
	}
}

// looksLikeWork matches unsolicited work pushes: a result array of at least
// three hash words.
func (c *StratumClient) looksLikeWork(msg *stratumRequest) bool {
	if msg.ID != 0 && msg.ID != idGetWork {
		return false
	}
	var params []string
	if msg.Result == nil || json.Unmarshal(msg.Result, &params) != nil {
		return false
	}
	return len(params) >= 3
}

// parseWork converts the getwork triple [header, seed, boundary] plus an
// optional block number into a WorkPackage.
func (c *StratumClient) parseWork(params []string) (ethcore.WorkPackage, bool) {
	if len(params) < 3 {
		return ethcore.WorkPackage{}, false
	}
	wp := ethcore.WorkPackage{
		Header:   common.HexToHash(params[0]),
		Seed:     common.HexToHash(params[1]),
		Boundary: common.HexToHash(params[2]),
	}
	if wp.Boundary == (common.Hash{}) {
		wp.Boundary = defaultBoundary
	}
	if epoch := ethcore.EpochFromSeed(wp.Seed); epoch >= 0 {
		wp.Epoch = epoch
	}
	if len(params) >= 4 {
		var height uint64
		if _, err := fmt.Sscanf(params[3], "0x%x", &height); err == nil {
			wp.BlockNumber = height
		}
	}
	return wp, true
}
