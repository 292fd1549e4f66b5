package debugger_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/wibblevm/microwibble/asm"
	"github.com/wibblevm/microwibble/debugger"
	"github.com/wibblevm/microwibble/service"
	"github.com/wibblevm/microwibble/vm"
)

func newTestDebugger(t *testing.T, src string) *debugger.Debugger {
	t.Helper()
	img, err := asm.Assemble(src, "test.mwasm")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m, err := vm.NewVM(img, vm.Config{HeapSizeWords: 256, MaxCallDepth: 16})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	return debugger.NewDebugger(service.NewSession(m))
}

const addProgram = `
.global 1
.func main locals=0 stack=4
LD #3
LD #4
BIN ADD
ST $0
LD $0
RET 1
.endfunc
`

func TestDebuggerRunHalts(t *testing.T) {
	d := newTestDebugger(t, addProgram)
	if err := d.ExecuteCommand("run"); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := d.DrainOutput()
	if out == "" {
		t.Error("expected run output")
	}
	if d.Session.State() != vm.StateHalted {
		t.Fatalf("state = %v, want Halted", d.Session.State())
	}
}

func TestDebuggerStep(t *testing.T) {
	d := newTestDebugger(t, addProgram)
	startPC := d.Session.PC()
	if err := d.ExecuteCommand("step"); err != nil {
		t.Fatalf("step: %v", err)
	}
	if d.Session.PC() == startPC {
		t.Error("expected PC to advance after step")
	}
}

func TestDebuggerBreakpointLifecycle(t *testing.T) {
	d := newTestDebugger(t, addProgram)
	if err := d.ExecuteCommand("break 0"); err != nil {
		t.Fatalf("break: %v", err)
	}
	all := d.Breakpoints.All()
	if len(all) != 1 {
		t.Fatalf("breakpoints = %d, want 1", len(all))
	}
	id := all[0].ID

	if err := d.ExecuteCommand("disable " + strconv.Itoa(id)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if d.Breakpoints.All()[0].Enabled {
		t.Error("expected breakpoint disabled")
	}

	if err := d.ExecuteCommand("delete " + strconv.Itoa(id)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(d.Breakpoints.All()) != 0 {
		t.Error("expected breakpoint removed")
	}
}

func TestDebuggerWatchAndGlobal(t *testing.T) {
	d := newTestDebugger(t, addProgram)
	if err := d.ExecuteCommand("watch $0"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := d.ExecuteCommand("run"); err != nil {
		t.Fatalf("run: %v", err)
	}
	d.DrainOutput()

	if err := d.ExecuteCommand("global 0"); err != nil {
		t.Fatalf("global: %v", err)
	}
	out := d.DrainOutput()
	if out == "" {
		t.Error("expected global output")
	}
}

func TestDebuggerPrintExpression(t *testing.T) {
	d := newTestDebugger(t, addProgram)
	if err := d.ExecuteCommand("run"); err != nil {
		t.Fatalf("run: %v", err)
	}
	d.DrainOutput()

	if err := d.ExecuteCommand("print $0 + 1"); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := d.DrainOutput()
	if out != "$0 + 1 = 8\n" {
		t.Errorf("print output = %q, want %q", out, "$0 + 1 = 8\n")
	}
}

func TestDebuggerUnknownCommand(t *testing.T) {
	d := newTestDebugger(t, addProgram)
	if err := d.ExecuteCommand("bogus"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestDebuggerCallsCommand(t *testing.T) {
	d := newTestDebugger(t, `
.global 0
.func square locals=1 stack=4
LD @0
LD @0
BIN MUL
RET 1
.endfunc

.func main locals=0 stack=4
LD #6
LDC square
CALL #1
RET 1
.endfunc
`)
	if err := d.ExecuteCommand("run"); err != nil {
		t.Fatalf("run: %v", err)
	}
	d.DrainOutput()

	if err := d.ExecuteCommand("calls"); err != nil {
		t.Fatalf("calls: %v", err)
	}
	out := d.DrainOutput()
	if !strings.Contains(out, "call") || !strings.Contains(out, "return") {
		t.Errorf("calls output = %q, want recorded call and return transitions", out)
	}
}
