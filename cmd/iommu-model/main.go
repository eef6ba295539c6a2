/*
 * rviommu - Main process.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	getopt "github.com/pborman/getopt/v2"

	"github.com/openiommu/rviommu/command/reader"
	"github.com/openiommu/rviommu/emu/hostbridge"
	"github.com/openiommu/rviommu/emu/iommu"
	"github.com/openiommu/rviommu/emu/memdev"
	"github.com/openiommu/rviommu/emu/regs"
	"github.com/openiommu/rviommu/scenario"
	logger "github.com/openiommu/rviommu/util/logger"
)

const defaultMemSize = 1 << 24

// consoleHostBridge is a standalone-session stand-in for the host bridge
// named as a non-goal: it logs what the model sends it instead of feeding
// those messages back through a real transport.
type consoleHostBridge struct{}

func (consoleHostBridge) SendToHostBridge(msg hostbridge.OutMessage) {
	slog.Info("hostbridge: outbound message", "kind", msg.Kind, "itag", msg.ITAG, "rid", msg.RID)
}

func (consoleHostBridge) GlobalObservabilitySync(pr, pw bool) {
	slog.Info("hostbridge: observability sync", "pr", pr, "pw", pw)
}

// defaultReset is the configuration a session without a --scenario starts
// from: Bare mode, ATS but no PMON, so the console's "regs"/"tick" commands have
// something legal to inspect before the operator programs ddtp by hand.
func defaultReset() regs.ResetConfig {
	return regs.ResetConfig{
		NumVecBits: 4,
		ResetMode:  regs.ModeBare,
		Caps: regs.Capabilities{
			Pas: 46, Sv39: true, Sv39x4: true, Ats: true, MSIFlat: true,
		},
	}
}

func main() {
	optMemSize := getopt.StringLong("mem-size", 'm', "", "Backing memory size in bytes")
	optScenario := getopt.StringLong("scenario", 's', "", "Scenario fixture to load before the console starts")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optDebug := getopt.BoolLong("debug", 'd', "Echo log records to stderr regardless of level")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	memSize := uint64(defaultMemSize)
	if *optMemSize != "" {
		v, err := strconv.ParseUint(*optMemSize, 0, 64)
		if err != nil {
			fmt.Println("invalid --mem-size: " + err.Error())
			os.Exit(1)
		}
		memSize = v
	}

	var file io.Writer
	if *optLogFile != "" {
		f, err := os.Create(*optLogFile)
		if err != nil {
			fmt.Println("cannot create log file: " + err.Error())
			os.Exit(1)
		}
		defer f.Close()
		file = f
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	log := slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, *optDebug))
	slog.SetDefault(log)

	log.Info("rviommu started")

	mem := memdev.New(memSize)
	m := iommu.New(mem, consoleHostBridge{})

	cfg := defaultReset()
	var sc *scenario.Scenario
	if *optScenario != "" {
		loaded, err := scenario.Load(*optScenario)
		if err != nil {
			log.Error(err.Error())
			os.Exit(1)
		}
		sc = loaded
		built, err := sc.Reset.Build()
		if err != nil {
			log.Error(err.Error())
			os.Exit(1)
		}
		cfg = built
	}

	if err := m.Reset(cfg); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}

	if sc != nil {
		for _, rw := range sc.RegWrites {
			m.WriteRegister(rw.Offset, rw.Size, rw.Value)
		}
		for _, w := range sc.Writes {
			switch w.Width {
			case 4:
				mem.WriteUint32(w.Addr, uint32(w.Value))
			default:
				mem.WriteUint64(w.Addr, w.Value)
			}
		}
		log.Info("loaded scenario", "name", sc.Name, "steps", len(sc.Steps))
	}

	fmt.Println("rviommu console ready; type 'help' for commands")
	reader.ConsoleReader(m)

	log.Info("rviommu shutting down")
}
