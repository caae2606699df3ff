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
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// amdProbe reads AMD device telemetry through the vendor management CLI.
type amdProbe struct {
	tool string
}

// NewAMDProbe returns the AMD vendor backend, or an error when the
// management tool is not installed.
func NewAMDProbe() (Probe, error) {
	tool, err := exec.LookPath("rocm-smi")
	if err != nil {
		return nil, err
	}
	return &amdProbe{tool: tool}, nil
}

func (p *amdProbe) Name() string { return "adl" }

func (p *amdProbe) Sample(deviceIndex int) (Sample, bool) {
	out, err := exec.Command(p.tool, "-d", strconv.Itoa(deviceIndex),
		"--showtemp", "--showfan", "--showpower", "--json").Output()
	if err != nil {
		log.Trace("AMD vendor query failed", "device", deviceIndex, "err", err)
		return Sample{}, false
	}
	var report map[string]map[string]string
	if err := json.Unmarshal(out, &report); err != nil {
		return Sample{}, false
	}
	card, ok := report[fmt.Sprintf("card%d", deviceIndex)]
	if !ok {
		return Sample{}, false
	}
	var s Sample
	for key, val := range card {
		key = strings.ToLower(key)
		switch {
		case strings.Contains(key, "temperature"):
			if t, err := strconv.ParseFloat(val, 64); err == nil {
				s.TempC = int(t)
			}
		case strings.Contains(key, "fan speed") && strings.Contains(key, "%"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				s.FanPercent = int(f)
			}
		case strings.Contains(key, "power"):
			s.PowerW, _ = strconv.ParseFloat(val, 64)
		}
	}
	return s, true
}
