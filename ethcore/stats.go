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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

var (
	acceptedMeter      = metrics.GetOrRegisterMeter("farm/solutions/accepted", nil)
	acceptedStaleMeter = metrics.GetOrRegisterMeter("farm/solutions/acceptedstale", nil)
	rejectedMeter      = metrics.GetOrRegisterMeter("farm/solutions/rejected", nil)
	failedMeter        = metrics.GetOrRegisterMeter("farm/solutions/failed", nil)
)

// SolutionStats tracks per-miner solution outcomes. Vectors grow on demand by
// miner index; reads of unknown indices return zero. The stats never gate
// core behaviour, they only feed the control plane.
type SolutionStats struct {
	mu             sync.Mutex
	accepts        []uint
	acceptedStales []uint
	rejects        []uint
	failures       []uint
	lastUpdated    []time.Time
	initialized    time.Time
}

func NewSolutionStats() *SolutionStats {
	return &SolutionStats{initialized: time.Now()}
}

func growUint(v []uint, idx int) []uint {
	for len(v) <= idx {
		v = append(v, 0)
	}
	return v
}

func (s *SolutionStats) touch(idx int) {
	for len(s.lastUpdated) <= idx {
		s.lastUpdated = append(s.lastUpdated, s.initialized)
	}
	s.lastUpdated[idx] = time.Now()
}

// Accepted records a pool accept for the given miner, stale or fresh.
func (s *SolutionStats) Accepted(idx int, stale bool) {
	if idx < 0 {
		idx = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stale {
		s.acceptedStales = growUint(s.acceptedStales, idx)
		s.acceptedStales[idx]++
		acceptedStaleMeter.Mark(1)
	} else {
		s.accepts = growUint(s.accepts, idx)
		s.accepts[idx]++
		acceptedMeter.Mark(1)
	}
	s.touch(idx)
}

// Rejected records a pool reject for the given miner.
func (s *SolutionStats) Rejected(idx int) {
	if idx < 0 {
		idx = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = growUint(s.rejects, idx)
	s.rejects[idx]++
	rejectedMeter.Mark(1)
	s.touch(idx)
}

// Failed records a solution the miner itself could not stand behind.
func (s *SolutionStats) Failed(idx int) {
	if idx < 0 {
		idx = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = growUint(s.failures, idx)
	s.failures[idx]++
	failedMeter.Mark(1)
	s.touch(idx)
}

// Reset clears all counters.
func (s *SolutionStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts, s.acceptedStales, s.rejects, s.failures = nil, nil, nil, nil
	s.lastUpdated = nil
}

func at(v []uint, idx int) uint {
	if idx < 0 || idx >= len(v) {
		return 0
	}
	return v[idx]
}

func sum(v []uint) uint {
	var t uint
	for _, n := range v {
		t += n
	}
	return t
}

func (s *SolutionStats) Accepts(idx int) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.accepts, idx)
}

func (s *SolutionStats) AcceptedStales(idx int) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.acceptedStales, idx)
}

func (s *SolutionStats) Rejects(idx int) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.rejects, idx)
}

func (s *SolutionStats) Failures(idx int) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.failures, idx)
}

func (s *SolutionStats) TotalAccepts() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum(s.accepts)
}

func (s *SolutionStats) TotalAcceptedStales() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum(s.acceptedStales)
}

func (s *SolutionStats) TotalRejects() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum(s.rejects)
}

func (s *SolutionStats) TotalFailures() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum(s.failures)
}

// LastUpdated returns the time of the miner's most recent outcome, or the
// stats creation time if it never had one.
func (s *SolutionStats) LastUpdated(idx int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.lastUpdated) {
		return s.initialized
	}
	return s.lastUpdated[idx]
}

// Summary renders one miner's counters as "A12:R1:F3", omitting zero fields
// past the accepts.
func (s *SolutionStats) Summary(idx int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := fmt.Sprintf("A%d", at(s.accepts, idx)+at(s.acceptedStales, idx))
	if r := at(s.rejects, idx); r > 0 {
		out += fmt.Sprintf(":R%d", r)
	}
	if f := at(s.failures, idx); f > 0 {
		out += fmt.Sprintf(":F%d", f)
	}
	return out
}
