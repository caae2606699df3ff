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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSysfsInt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp1_input")
	require.NoError(t, os.WriteFile(path, []byte("63000\n"), 0644))

	v, err := readSysfsInt(path)
	require.NoError(t, err)
	assert.Equal(t, 63000, v)

	_, err = readSysfsInt(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSysfsProbeSample(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "temp1_input"), []byte("63000"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pwm1"), []byte("128"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pwm1_max"), []byte("255"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "power1_average"), []byte("87000000"), 0644))

	probe := &sysfsProbe{cards: map[int]string{0: dir}}

	sample, ok := probe.Sample(0)
	require.True(t, ok)
	assert.Equal(t, 63, sample.TempC)
	assert.Equal(t, 50, sample.FanPercent)
	assert.InDelta(t, 87.0, sample.PowerW, 0.01)

	// Devices the backend does not map are simply absent.
	_, ok = probe.Sample(3)
	assert.False(t, ok)
}
