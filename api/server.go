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

// Package api exposes the supervisor core to operators as JSON-RPC over
// TCP. Serialization and transport live here; the core only provides plain
// methods.
package api

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goethminer/goethminer/ethcore"
	"github.com/goethminer/goethminer/pool"
)

// ErrReadOnly is returned for mutating calls on a read-only server.
var ErrReadOnly = errors.New("api server is read-only")

// Server accepts JSON-RPC connections and serves the miner namespace.
type Server struct {
	address  string
	readonly bool

	listener net.Listener
	rpc      *rpc.Server
	running  atomic.Bool
}

// NewServer builds a server exposing the given farm and manager on address.
func NewServer(farm *ethcore.Farm, mgr *pool.Manager, address string, readonly bool) *Server {
	srv := &Server{
		address:  address,
		readonly: readonly,
		rpc:      rpc.NewServer(),
	}
	srv.rpc.RegisterName("miner", &MinerAPI{farm: farm, mgr: mgr, srv: srv})
	return srv
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.running.Store(true)
	log.Info("API server listening", "endpoint", listener.Addr())

	go func() {
		if err := s.rpc.ServeListener(listener); err != nil && s.running.Load() {
			log.Warn("API server terminated", "err", err)
		}
	}()
	return nil
}

// Stop closes the listener and drops all sessions.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.listener.Close()
	s.rpc.Stop()
}

// Running reports whether the server accepts connections.
func (s *Server) Running() bool { return s.running.Load() }

// MinerAPI is the miner namespace served to operators.
type MinerAPI struct {
	farm *ethcore.Farm
	mgr  *pool.Manager
	srv  *Server
}

// Progress returns the latest telemetry snapshot.
func (api *MinerAPI) Progress() *ethcore.WorkingProgress {
	return api.farm.MiningProgress()
}

// SolutionStat is the per-miner slice of the solution counters.
type SolutionStat struct {
	Accepted      uint   `json:"accepted"`
	AcceptedStale uint   `json:"acceptedStale"`
	Rejected      uint   `json:"rejected"`
	Failed        uint   `json:"failed"`
	Summary       string `json:"summary"`
}

// SolutionStats returns solution counters per miner plus the aggregate.
func (api *MinerAPI) SolutionStats() map[string]SolutionStat {
	stats := api.farm.SolutionStats()
	out := make(map[string]SolutionStat)
	for i := 0; i < api.farm.MinerCount(); i++ {
		out[fmt.Sprintf("gpu%d", i)] = SolutionStat{
			Accepted:      stats.Accepts(i),
			AcceptedStale: stats.AcceptedStales(i),
			Rejected:      stats.Rejects(i),
			Failed:        stats.Failures(i),
			Summary:       stats.Summary(i),
		}
	}
	out["total"] = SolutionStat{
		Accepted:      stats.TotalAccepts(),
		AcceptedStale: stats.TotalAcceptedStales(),
		Rejected:      stats.TotalRejects(),
		Failed:        stats.TotalFailures(),
	}
	return out
}

// Stat1 renders the legacy single-shot stats array most farm dashboards
// still scrape: uptime, aggregate rates, per-device rates and monitors, the
// active pool.
func (api *MinerAPI) Stat1() []string {
	var (
		progress = api.farm.MiningProgress()
		stats    = api.farm.SolutionStats()
	)
	rates := ""
	monitors := ""
	for i, hr := range progress.MinersHashRates {
		if i > 0 {
			rates += ";"
			monitors += ";"
		}
		rates += fmt.Sprintf("%.0f", hr/1e3)
		if i < len(progress.MinerMonitors) {
			hw := progress.MinerMonitors[i]
			monitors += fmt.Sprintf("%d;%d", hw.TempC, hw.FanP)
		} else {
			monitors += "0;0"
		}
	}
	return []string{
		"goethminer",
		api.farm.LaunchedFormatted(),
		fmt.Sprintf("%.0f;%d;%d", progress.HashRate/1e3, stats.TotalAccepts(), stats.TotalRejects()),
		rates,
		monitors,
		api.farm.PoolAddresses(),
		fmt.Sprintf("%d;%d", stats.TotalFailures(), stats.TotalAcceptedStales()),
	}
}

// Connections lists the rotation entries.
func (api *MinerAPI) Connections() []pool.ConnectionInfo {
	return api.mgr.Connections()
}

// AddConnection appends a pool URI to the rotation.
func (api *MinerAPI) AddConnection(uri string) error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	conn, err := pool.ParseConnection(uri)
	if err != nil {
		return err
	}
	api.mgr.AddConnection(conn)
	return nil
}

// RemoveConnection drops the rotation entry at idx.
func (api *MinerAPI) RemoveConnection(idx int) error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	return api.mgr.RemoveConnection(idx)
}

// SetActiveConnection switches the rotation to the entry at idx.
func (api *MinerAPI) SetActiveConnection(idx int) error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	return api.mgr.SetActiveConnection(idx)
}

// ScramblerInfo describes the nonce space partitioning.
type ScramblerInfo struct {
	NonceScrambler uint64                 `json:"noncescrambler"`
	SegmentWidth   uint                   `json:"segmentwidth"`
	Segments       []ethcore.NonceSegment `json:"segments"`
}

// NonceScrambler returns the scan base, width and per-worker segments.
func (api *MinerAPI) NonceScrambler() ScramblerInfo {
	return ScramblerInfo{
		NonceScrambler: api.farm.NonceScrambler(),
		SegmentWidth:   api.farm.SegmentWidth(),
		Segments:       api.farm.NonceSegments(),
	}
}

// SetNonceScrambler overrides the scan base and segment width.
func (api *MinerAPI) SetNonceScrambler(base uint64, width uint) error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	api.farm.SetNonceScrambler(base)
	if width > 0 {
		api.farm.SetSegmentWidth(width)
	}
	return nil
}

// PauseMiner pauses one worker.
func (api *MinerAPI) PauseMiner(idx int) error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	return api.farm.PauseMiner(idx)
}

// ResumeMiner clears an operator pause on one worker.
func (api *MinerAPI) ResumeMiner(idx int) error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	return api.farm.ResumeMiner(idx)
}

// Restart schedules a full worker restart.
func (api *MinerAPI) Restart() error {
	if api.srv.readonly {
		return ErrReadOnly
	}
	api.farm.RestartAsync()
	return nil
}
