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

// Package hwmon provides the hardware telemetry probes the farm polls on its
// collection cadence. Each backend is optional; a missing one is reported at
// construction and simply yields no samples.
package hwmon

// Sample is one telemetry reading for a device.
type Sample struct {
	TempC      int
	FanPercent int
	PowerW     float64
}

// Probe reads telemetry for devices of one vendor backend, keyed by the
// vendor device index. A false return means the device is unknown to this
// backend or the read failed; both are non-fatal.
type Probe interface {
	Name() string
	Sample(deviceIndex int) (Sample, bool)
}
