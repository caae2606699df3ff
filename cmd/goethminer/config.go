// Copyright 2017 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	cli "gopkg.in/urfave/cli.v1"
)

var (
	dumpConfigCommand = cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		ArgsUsage:   "",
		Category:    "MISCELLANEOUS COMMANDS",
		Description: `The dumpconfig command shows configuration values.`,
	}

	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// minerConfig is the persistable configuration of the binary. Flags override
// file values.
type minerConfig struct {
	// Pools is the ordered rotation list of pool URIs. The reserved host
	// "exit" terminates the rotation gracefully.
	Pools []string

	MinerType          string // cl, cuda or mixed
	MaxTries           uint   // retry budget per endpoint
	FailoverTimeoutMin uint   // minutes on a secondary before reclaiming the primary
	ReportTicks        int    // work-loop ticks between hashrate reports

	HwMon    bool
	PowerMon bool
	TStart   int
	TStop    int

	SegmentWidth uint // per-worker nonce segment as an exponent of 2

	APIBind     string
	APIReadOnly bool

	// Simulation: device count, synthetic per-device hashrate in Mh/s and
	// the simulated pool's share difficulty.
	SimDevices    int
	SimHashRateMH float64
	SimDifficulty uint64
}

func defaultConfig() minerConfig {
	return minerConfig{
		MinerType:     "cuda",
		MaxTries:      3,
		SimDevices:    1,
		SimHashRateMH: 25,
		SimDifficulty: 1 << 24,
	}
}

func loadConfig(file string, cfg *minerConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func makeConfig(ctx *cli.Context) minerConfig {
	cfg := defaultConfig()

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			fatalf("%v", err)
		}
	}

	// Apply flags.
	if pools := ctx.GlobalStringSlice(poolFlag.Name); len(pools) > 0 {
		cfg.Pools = pools
	}
	if ctx.GlobalIsSet(minerTypeFlag.Name) {
		cfg.MinerType = ctx.GlobalString(minerTypeFlag.Name)
	}
	if ctx.GlobalIsSet(maxTriesFlag.Name) {
		cfg.MaxTries = uint(ctx.GlobalUint(maxTriesFlag.Name))
	}
	if ctx.GlobalIsSet(failoverTimeoutFlag.Name) {
		cfg.FailoverTimeoutMin = uint(ctx.GlobalUint(failoverTimeoutFlag.Name))
	}
	if ctx.GlobalIsSet(hwmonFlag.Name) {
		cfg.HwMon = true
	}
	if ctx.GlobalIsSet(powerMonFlag.Name) {
		cfg.HwMon = true
		cfg.PowerMon = true
	}
	if ctx.GlobalIsSet(tstartFlag.Name) {
		cfg.TStart = ctx.GlobalInt(tstartFlag.Name)
	}
	if ctx.GlobalIsSet(tstopFlag.Name) {
		cfg.TStop = ctx.GlobalInt(tstopFlag.Name)
	}
	if ctx.GlobalIsSet(segmentWidthFlag.Name) {
		cfg.SegmentWidth = uint(ctx.GlobalUint(segmentWidthFlag.Name))
	}
	if ctx.GlobalIsSet(apiBindFlag.Name) {
		cfg.APIBind = ctx.GlobalString(apiBindFlag.Name)
	}
	if ctx.GlobalIsSet(apiReadOnlyFlag.Name) {
		cfg.APIReadOnly = true
	}
	if ctx.GlobalIsSet(simDevicesFlag.Name) {
		cfg.SimDevices = ctx.GlobalInt(simDevicesFlag.Name)
	}
	if ctx.GlobalIsSet(simHashRateFlag.Name) {
		cfg.SimHashRateMH = ctx.GlobalFloat64(simHashRateFlag.Name)
	}
	if ctx.GlobalIsSet(simDifficultyFlag.Name) {
		cfg.SimDifficulty = ctx.GlobalUint64(simDifficultyFlag.Name)
	}
	return cfg
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg := makeConfig(ctx)
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	io.WriteString(os.Stdout, string(out))
	return nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}
