// Package reader implements the interactive console loop for inspecting and
// driving a running IOMMU instance, following the teacher's liner-based
// ConsoleReader shape with a small IOMMU-specific command table standing in
// for the teacher's device command/parser package.
package reader

/*
 * rviommu - interactive console
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

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/openiommu/rviommu/emu/iommu"
	"github.com/openiommu/rviommu/emu/regs"
	"github.com/openiommu/rviommu/scenario"
)

// cmd is one console verb: a name, a minimum unambiguous-abbreviation
// length, and the handler it dispatches to.
type cmd struct {
	name    string
	min     int
	process func(args []string, m *iommu.IOMMU) (bool, error)
}

var cmdList = []cmd{
	{name: "regs", min: 1, process: showRegs},
	{name: "run", min: 1, process: runScenarioFile},
	{name: "tick", min: 1, process: tick},
	{name: "help", min: 1, process: help},
	{name: "quit", min: 1, process: quit},
	{name: "exit", min: 1, process: quit},
}

// ConsoleReader runs the interactive command loop against m until the user
// quits or aborts the prompt (Ctrl-D/Ctrl-C), following the teacher's
// liner.Prompt/AppendHistory/ErrPromptAborted loop.
func ConsoleReader(m *iommu.IOMMU) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(partial string) []string {
		return completeCmd(partial)
	})

	for {
		command, err := line.Prompt("iommu> ")
		if err == nil {
			line.AppendHistory(command)
			quit, err := processCommand(command, m)
			if err != nil {
				fmt.Println("Error: " + err.Error())
			}
			if quit {
				return
			}
			continue
		}

		if errors.Is(err, liner.ErrPromptAborted) {
			return
		}
		slog.Error("error reading line: " + err.Error())
	}
}

// processCommand matches the leading word of commandLine against cmdList and
// runs its handler on the remaining whitespace-separated arguments.
func processCommand(commandLine string, m *iommu.IOMMU) (bool, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return false, nil
	}

	match := matchList(fields[0])
	if len(match) == 0 {
		return false, errors.New("command not found: " + fields[0])
	}
	if len(match) > 1 {
		return false, errors.New("ambiguous command: " + fields[0])
	}
	return match[0].process(fields[1:], m)
}

// Called to complete a command line, during line editing.
func completeCmd(partial string) []string {
	fields := strings.Fields(partial)
	name := ""
	if len(fields) > 0 && !strings.HasSuffix(partial, " ") {
		name = fields[0]
	}
	var out []string
	for _, c := range matchList(name) {
		out = append(out, c.name)
	}
	return out
}

// matchCommand checks if name is a valid, minimum-length abbreviation of c.
func matchCommand(c cmd, name string) bool {
	if len(name) > len(c.name) || len(name) < c.min {
		return false
	}
	return c.name[:len(name)] == name
}

func matchList(name string) []cmd {
	if name == "" {
		return cmdList
	}
	var match []cmd
	for _, c := range cmdList {
		if matchCommand(c, name) {
			match = append(match, c)
		}
	}
	return match
}

// formatReg64 renders a 64-bit register as two space-separated 8-hex-digit
// words, high word first, so queue-base and ddtp dumps line up in columns.
func formatReg64(v uint64) string {
	return fmt.Sprintf("%08X %08X", uint32(v>>32), uint32(v))
}

func formatReg32(v uint32) string {
	return fmt.Sprintf("%08X", v)
}

// showRegs prints the registers a session typically cares about: ddtp, the
// three queue bases/heads/tails and their status registers, and ipsr.
func showRegs(_ []string, m *iommu.IOMMU) (bool, error) {
	r := m.Regs
	fmt.Printf("ddtp:  %s\n", formatReg64(r.Read(regs.OffDdtp, 8)))
	fmt.Printf("cqb:   %s  cqh: %#x  cqt: %#x  cqcsr: %s\n",
		formatReg64(r.Read(regs.OffCqb, 8)), r.Cqh(), r.Cqt(), formatReg32(uint32(r.Read(regs.OffCqcsr, 4))))
	fmt.Printf("fqb:   %s  fqh: %#x  fqt: %#x  fqcsr: %s\n",
		formatReg64(r.Read(regs.OffFqb, 8)), r.Fqh(), r.Fqt(), formatReg32(uint32(r.Read(regs.OffFqcsr, 4))))
	fmt.Printf("pqb:   %s  pqh: %#x  pqt: %#x  pqcsr: %s\n",
		formatReg64(r.Read(regs.OffPqb, 8)), r.Pqh(), r.Pqt(), formatReg32(uint32(r.Read(regs.OffPqcsr, 4))))
	fmt.Printf("ipsr:  %s\n", formatReg32(uint32(r.Read(regs.OffIpsr, 4))))
	return false, nil
}

// runScenarioFile loads a YAML fixture and reports its shape; it does not
// drive it against the session's live instance, since a scenario carries its
// own reset configuration.
func runScenarioFile(args []string, _ *iommu.IOMMU) (bool, error) {
	if len(args) != 1 {
		return false, errors.New("usage: run <scenario.yaml>")
	}
	sc, err := scenario.Load(args[0])
	if err != nil {
		return false, err
	}
	fmt.Printf("loaded scenario %q with %d step(s)\n", sc.Name, len(sc.Steps))
	return false, nil
}

// tick calls the model's Tick the given number of times (default 1).
func tick(args []string, m *iommu.IOMMU) (bool, error) {
	n := 1
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return false, errors.New("tick count must be a number: " + args[0])
		}
		n = v
	}
	for i := 0; i < n; i++ {
		m.Tick()
	}
	fmt.Printf("ticked %d time(s)\n", n)
	return false, nil
}

func help(_ []string, _ *iommu.IOMMU) (bool, error) {
	fmt.Println("commands: regs, run <scenario.yaml>, tick [n], help, quit")
	return false, nil
}

func quit(_ []string, _ *iommu.IOMMU) (bool, error) {
	return true, nil
}
