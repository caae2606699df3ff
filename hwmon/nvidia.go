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

package hwmon

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// nvidiaProbe reads NVIDIA device telemetry through the management CLI,
// which fronts the same NVML counters the native wrapper would.
type nvidiaProbe struct {
	tool string
}

// NewNvidiaProbe returns the NVIDIA backend, or an error when the
// management tool is not installed.
func NewNvidiaProbe() (Probe, error) {
	tool, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil, err
	}
	return &nvidiaProbe{tool: tool}, nil
}

func (p *nvidiaProbe) Name() string { return "nvml" }

func (p *nvidiaProbe) Sample(deviceIndex int) (Sample, bool) {
	out, err := exec.Command(p.tool,
		"--query-gpu=temperature.gpu,fan.speed,power.draw",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(deviceIndex)).Output()
	if err != nil {
		log.Trace("NVML query failed", "device", deviceIndex, "err", err)
		return Sample{}, false
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(fields) < 3 {
		return Sample{}, false
	}
	var s Sample
	s.TempC, _ = strconv.Atoi(strings.TrimSpace(fields[0]))
	s.FanPercent, _ = strconv.Atoi(strings.TrimSpace(fields[1]))
	s.PowerW, _ = strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	return s, true
}
