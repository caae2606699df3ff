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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/host"
)

// sysfsProbe reads AMD device telemetry straight from the kernel hwmon
// tree. On AMD rigs these values are fresher than the vendor library's and
// overwrite them in the collector.
type sysfsProbe struct {
	// hwmon directory per card index, e.g. /sys/class/drm/card0/device/hwmon/hwmon2
	cards map[int]string
}

// NewSysfsProbe discovers amdgpu hwmon directories. An error means no AMD
// device exposes one.
func NewSysfsProbe() (Probe, error) {
	matches, _ := filepath.Glob("/sys/class/drm/card[0-9]*/device/hwmon/hwmon[0-9]*")
	cards := make(map[int]string)
	for _, dir := range matches {
		var card int
		if _, err := fmt.Sscanf(dir, "/sys/class/drm/card%d/", &card); err != nil {
			continue
		}
		if _, ok := cards[card]; !ok {
			cards[card] = dir
		}
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("no amdgpu hwmon entries")
	}
	return &sysfsProbe{cards: cards}, nil
}

func (p *sysfsProbe) Name() string { return "amdsysfs" }

func (p *sysfsProbe) Sample(deviceIndex int) (Sample, bool) {
	dir, ok := p.cards[deviceIndex]
	if !ok {
		return Sample{}, false
	}
	var s Sample

	// temp1_input is in millidegrees
	if v, err := readSysfsInt(filepath.Join(dir, "temp1_input")); err == nil {
		s.TempC = v / 1000
	} else if temps, err := host.SensorsTemperatures(); err == nil {
		// Fall back to the host sensor aggregate when the card file is gone.
		for _, t := range temps {
			if strings.Contains(t.SensorKey, "amdgpu") {
				s.TempC = int(t.Temperature)
				break
			}
		}
	}

	// fan percentage from pwm1 relative to pwm1_max
	if pwm, err := readSysfsInt(filepath.Join(dir, "pwm1")); err == nil {
		max, err := readSysfsInt(filepath.Join(dir, "pwm1_max"))
		if err != nil || max == 0 {
			max = 255
		}
		s.FanPercent = pwm * 100 / max
	}

	// power1_average is in microwatts
	if v, err := readSysfsInt(filepath.Join(dir, "power1_average")); err == nil {
		s.PowerW = float64(v) / 1e6
	}
	return s, true
}

func readSysfsInt(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}
