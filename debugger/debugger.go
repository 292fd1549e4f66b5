// Package debugger implements micro-wibble's interactive debugger:
// breakpoints keyed on pool byte offsets, watchpoints on global slots,
// a small expression evaluator, a command dispatcher, and TUI/GUI
// front ends over a service.Session.
//
// Debugger dispatches gdb-style commands against a service.Session
// wrapping a micro-wibble VM, using pool byte offsets in place of
// addresses and globals in place of registers.
package debugger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wibblevm/microwibble/service"
	"github.com/wibblevm/microwibble/vm"
)

// StepMode is the debugger's current single-step discipline.
type StepMode int

const (
	StepNone StepMode = iota
	StepSingle
	StepOver
	StepOut
)

// Debugger drives a service.Session one command at a time, tracking
// breakpoints, watchpoints, and command history the way an external
// REPL (the tui/gui front ends, or a scripted test) would expect.
type Debugger struct {
	Session *service.Session

	Breakpoints *BreakpointManager
	Watchpoints *WatchpointManager
	History     *CommandHistory

	StepMode      StepMode
	StepOverDepth int

	LastCommand string
	Output      strings.Builder
}

// NewDebugger wraps sess with debugger-level bookkeeping. Call tracing
// is switched on for the session's VM so the 'calls' command has
// transitions to show.
func NewDebugger(sess *service.Session) *Debugger {
	sess.VM().Calls.Enabled = true
	return &Debugger{
		Session:     sess,
		Breakpoints: NewBreakpointManager(),
		Watchpoints: NewWatchpointManager(),
		History:     NewCommandHistory(),
	}
}

// Printf appends formatted output to the debugger's output buffer, for
// a front end to drain and display.
func (d *Debugger) Printf(format string, args ...any) {
	fmt.Fprintf(&d.Output, format, args...)
}

// Println appends a line of output.
func (d *Debugger) Println(s string) {
	d.Output.WriteString(s)
	d.Output.WriteByte('\n')
}

// DrainOutput returns and clears the accumulated output buffer.
func (d *Debugger) DrainOutput() string {
	s := d.Output.String()
	d.Output.Reset()
	return s
}

// ExecuteCommand parses and dispatches one command line, repeating the
// last command on an empty line (gdb's convention for "step again").
func (d *Debugger) ExecuteCommand(cmdLine string) error {
	cmdLine = strings.TrimSpace(cmdLine)
	if cmdLine == "" {
		cmdLine = d.LastCommand
	}
	if cmdLine != "" {
		d.History.Add(cmdLine)
		d.LastCommand = cmdLine
	}

	parts := strings.Fields(cmdLine)
	if len(parts) == 0 {
		return nil
	}
	return d.handleCommand(strings.ToLower(parts[0]), parts[1:])
}

func (d *Debugger) handleCommand(cmd string, args []string) error {
	switch cmd {
	case "run", "r":
		return d.cmdRun(args)
	case "continue", "c":
		return d.cmdContinue(args)
	case "step", "s", "si":
		return d.cmdStep(args)
	case "next", "n":
		return d.cmdNext(args)
	case "finish", "fin":
		return d.cmdFinish(args)

	case "break", "b":
		return d.cmdBreak(args, false)
	case "tbreak", "tb":
		return d.cmdBreak(args, true)
	case "delete", "d":
		return d.cmdDelete(args)
	case "enable":
		return d.cmdEnableDisable(args, true)
	case "disable":
		return d.cmdEnableDisable(args, false)

	case "watch", "w":
		return d.cmdWatch(args)
	case "unwatch":
		return d.cmdUnwatch(args)

	case "print", "p":
		return d.cmdPrint(args)
	case "global", "g":
		return d.cmdGlobal(args)
	case "info", "i":
		return d.cmdInfo(args)
	case "calls", "bt":
		return d.cmdCalls(args)

	case "help", "h", "?":
		d.Println(HelpText)
		return nil

	default:
		return fmt.Errorf("debugger: unknown command %q (try 'help')", cmd)
	}
}

func (d *Debugger) cmdRun(args []string) error {
	result := d.Session.Run(context.Background())
	d.reportRun(result)
	return nil
}

func (d *Debugger) cmdContinue(args []string) error {
	if d.Session.State() == vm.StateHalted || d.Session.State() == vm.StateFaulted {
		return fmt.Errorf("debugger: program is not running")
	}
	d.StepMode = StepNone
	result := d.runToStopPoint(context.Background())
	d.reportRun(result)
	return nil
}

func (d *Debugger) cmdStep(args []string) error {
	d.StepMode = StepSingle
	result, _ := d.Session.Step()
	d.reportRun(result)
	return nil
}

func (d *Debugger) cmdNext(args []string) error {
	d.StepMode = StepOver
	startDepth := d.Session.CallDepth()
	for {
		result, runnable := d.Session.Step()
		if !runnable {
			d.reportRun(result)
			return nil
		}
		if d.Session.CallDepth() <= startDepth {
			d.Printf("stepped to pc=%d\n", d.Session.PC())
			return nil
		}
	}
}

func (d *Debugger) cmdFinish(args []string) error {
	d.StepMode = StepOut
	startDepth := d.Session.CallDepth()
	for {
		result, runnable := d.Session.Step()
		if !runnable {
			d.reportRun(result)
			return nil
		}
		if d.Session.CallDepth() < startDepth {
			d.Printf("returned to pc=%d\n", d.Session.PC())
			return nil
		}
	}
}

// runToStopPoint single-steps until a breakpoint or satisfied
// watchpoint is hit, or the VM stops being runnable. This is how
// 'continue' is implemented, since the VM itself has no notion of
// breakpoints: it is the debugger's job to interleave Step with
// Breakpoints.Hit/Watchpoints.Check.
func (d *Debugger) runToStopPoint(ctx context.Context) vm.RunResult {
	for {
		select {
		case <-ctx.Done():
			return vm.RunResult{Outcome: vm.OutcomeCancelled}
		default:
		}

		result, runnable := d.Session.Step()
		if !runnable {
			return result
		}
		if bp, hit := d.Breakpoints.Hit(d.Session.PC()); hit {
			d.Printf("breakpoint %d hit at pc=%d\n", bp.ID, bp.Addr)
			return vm.RunResult{Outcome: vm.OutcomeCancelled}
		}
		if wp, changed := d.Watchpoints.Check(d.Session); changed {
			d.Printf("watchpoint %d (%s) changed to %d\n", wp.ID, wp.Expression, wp.LastValue)
			return vm.RunResult{Outcome: vm.OutcomeCancelled}
		}
	}
}

func (d *Debugger) reportRun(result vm.RunResult) {
	switch result.Outcome {
	case vm.OutcomeHalted:
		d.Printf("halted: %v\n", result.Values)
	case vm.OutcomeFaulted:
		d.Printf("faulted: %v\n", result.Fault)
	case vm.OutcomeCpuExhausted:
		d.Println("cpu budget exhausted")
	case vm.OutcomeCancelled:
		d.Println("stopped")
	}
}

func (d *Debugger) cmdBreak(args []string, temporary bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: break <offset>")
	}
	addr, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	bp := d.Breakpoints.Add(addr, temporary)
	d.Printf("breakpoint %d at offset %d\n", bp.ID, bp.Addr)
	return nil
}

func (d *Debugger) cmdDelete(args []string) error {
	if len(args) == 0 {
		d.Breakpoints.Clear()
		d.Println("all breakpoints deleted")
		return nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("debugger: invalid breakpoint id %q", args[0])
	}
	if err := d.Breakpoints.DeleteByID(id); err != nil {
		return err
	}
	d.Printf("breakpoint %d deleted\n", id)
	return nil
}

func (d *Debugger) cmdEnableDisable(args []string, enabled bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: enable|disable <breakpoint-id>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("debugger: invalid breakpoint id %q", args[0])
	}
	return d.Breakpoints.SetEnabled(id, enabled)
}

func (d *Debugger) cmdWatch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: watch $<global-index>")
	}
	expr := strings.Join(args, " ")
	idx, err := parseGlobalRef(expr)
	if err != nil {
		return err
	}
	wp := d.Watchpoints.Add(expr, idx)
	if err := d.Watchpoints.Init(wp.ID, d.Session); err != nil {
		d.Watchpoints.Delete(wp.ID)
		return err
	}
	d.Printf("watchpoint %d: %s\n", wp.ID, expr)
	return nil
}

func (d *Debugger) cmdUnwatch(args []string) error {
	if len(args) == 0 {
		d.Watchpoints.Clear()
		d.Println("all watchpoints deleted")
		return nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("debugger: invalid watchpoint id %q", args[0])
	}
	return d.Watchpoints.Delete(id)
}

func (d *Debugger) cmdPrint(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: print <expression>")
	}
	expr := strings.Join(args, " ")
	v, err := EvalExpression(expr, d.Session)
	if err != nil {
		return err
	}
	d.Printf("%s = %d\n", expr, v)
	return nil
}

func (d *Debugger) cmdGlobal(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: global <index> [value]")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("debugger: invalid global index %q", args[0])
	}
	if len(args) == 1 {
		v, err := d.Session.ReadGlobal(idx)
		if err != nil {
			return err
		}
		d.Printf("$%d = %d\n", idx, v)
		return nil
	}
	v, err := strconv.ParseInt(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("debugger: invalid value %q", args[1])
	}
	return d.Session.WriteGlobal(idx, v)
}

func (d *Debugger) cmdInfo(args []string) error {
	d.Printf("state=%v pc=%d depth=%d\n", d.Session.State(), d.Session.PC(), d.Session.CallDepth())
	for _, bp := range d.Breakpoints.All() {
		d.Printf("  breakpoint %d at offset %d (enabled=%v hits=%d)\n", bp.ID, bp.Addr, bp.Enabled, bp.HitCount)
	}
	for _, wp := range d.Watchpoints.All() {
		d.Printf("  watchpoint %d: %s (enabled=%v hits=%d)\n", wp.ID, wp.Expression, wp.Enabled, wp.HitCount)
	}
	return nil
}

// cmdCalls shows the most recent CALL/RET transitions the VM recorded,
// newest last; an optional count argument widens or narrows the window
// (default 20).
func (d *Debugger) cmdCalls(args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("debugger: invalid count %q", args[0])
		}
		limit = n
	}
	events := d.Session.VM().Calls.Events()
	if len(events) == 0 {
		d.Println("no call transitions recorded")
		return nil
	}
	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	for _, e := range events[start:] {
		d.Printf("%5d %-6s caller_pc=%d callee_pc=%d depth=%d n=%d\n",
			e.Sequence, e.Kind, e.CallerPC, e.CalleePC, e.Depth, e.ArgOrRet)
	}
	return nil
}

func parseOffset(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, hexOrDec(s), 64)
	if err != nil {
		return 0, fmt.Errorf("debugger: invalid offset %q", s)
	}
	return v, nil
}

func hexOrDec(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}

func parseGlobalRef(expr string) (int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(expr), "$")
	idx, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("debugger: watch expression must be a global reference like $0, got %q", expr)
	}
	return idx, nil
}

// HelpText lists every command the dispatcher understands.
const HelpText = `commands:
  run (r)                 run from the current state, ignoring breakpoints
  continue (c)            run until a breakpoint/watchpoint/halt
  step (s)                execute one instruction
  next (n)                step, treating calls as one step
  finish (fin)            run until the current frame returns
  break (b) <offset>      set a breakpoint at a pool byte offset
  tbreak (tb) <offset>    set a one-shot breakpoint
  delete (d) [id]         delete one or all breakpoints
  enable/disable <id>     toggle a breakpoint
  watch (w) $<n>          watch global n for value changes
  unwatch [id]            delete one or all watchpoints
  print (p) <expr>        evaluate an expression ($n globals, @n locals)
  global (g) <n> [value]  read or write global n
  info (i)                show VM state, breakpoints, watchpoints
  calls (bt) [n]          show the last n recorded call/return transitions
  help (h)                show this text`
