package debugger

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// TUI is a terminal front end for Debugger: a status/globals/
// breakpoints/output panel quartet, since micro-wibble has no source
// map and no register file to show instead. The panel titled
// "Disassembly" shows the pc, state and call depth, not an instruction
// listing.
type TUI struct {
	Debugger *Debugger
	App      *tview.Application

	MainLayout      *tview.Flex
	DisasmView      *tview.TextView
	GlobalsView     *tview.TextView
	BreakpointsView *tview.TextView
	OutputView      *tview.TextView
	CommandInput    *tview.InputField

	GlobalWatchList []int // global indices shown in GlobalsView
}

// NewTUI builds a TUI over d with default panel layout.
func NewTUI(d *Debugger) *TUI {
	t := &TUI{Debugger: d, App: tview.NewApplication()}
	t.initializeViews()
	t.buildLayout()
	t.setupKeyBindings()
	return t
}

func (t *TUI) initializeViews() {
	t.DisasmView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	t.DisasmView.SetBorder(true).SetTitle(" Disassembly ")

	t.GlobalsView = tview.NewTextView().SetDynamicColors(true)
	t.GlobalsView.SetBorder(true).SetTitle(" Globals ")

	t.BreakpointsView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	t.BreakpointsView.SetBorder(true).SetTitle(" Breakpoints / Watchpoints ")

	t.OutputView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	t.OutputView.SetBorder(true).SetTitle(" Output ")

	t.CommandInput = tview.NewInputField().SetLabel("> ")
	t.CommandInput.SetBorder(true).SetTitle(" Command ")
	t.CommandInput.SetDoneFunc(t.handleCommand)
}

func (t *TUI) buildLayout() {
	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.GlobalsView, 0, 1, false).
		AddItem(t.BreakpointsView, 0, 1, false)

	content := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(t.DisasmView, 0, 2, false).
		AddItem(right, 0, 1, false)

	t.MainLayout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(content, 0, 4, false).
		AddItem(t.OutputView, 8, 0, false).
		AddItem(t.CommandInput, 3, 0, true)
}

func (t *TUI) setupKeyBindings() {
	t.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF1:
			t.executeCommand("help")
			return nil
		case tcell.KeyF5:
			t.executeCommand("continue")
			return nil
		case tcell.KeyF9:
			t.executeCommand("break")
			return nil
		case tcell.KeyF10:
			t.executeCommand("next")
			return nil
		case tcell.KeyF11:
			t.executeCommand("step")
			return nil
		case tcell.KeyCtrlC:
			t.App.Stop()
			return nil
		case tcell.KeyCtrlL:
			t.RefreshAll()
			return nil
		}
		return event
	})
}

func (t *TUI) handleCommand(key tcell.Key) {
	if key != tcell.KeyEnter {
		return
	}
	cmd := t.CommandInput.GetText()
	if cmd != "" {
		t.executeCommand(cmd)
		t.CommandInput.SetText("")
	}
}

func (t *TUI) executeCommand(cmd string) {
	t.Debugger.Output.Reset()
	err := t.Debugger.ExecuteCommand(cmd)
	output := t.Debugger.DrainOutput()

	if err != nil {
		t.WriteOutput(fmt.Sprintf("[red]error:[white] %v\n", err))
	}
	if output != "" {
		t.WriteOutput(output)
	}
	t.RefreshAll()
}

// WriteOutput appends text to the output panel and scrolls to it.
func (t *TUI) WriteOutput(text string) {
	fmt.Fprint(t.OutputView, text)
	t.OutputView.ScrollToEnd()
}

// RefreshAll redraws every panel from current session state.
func (t *TUI) RefreshAll() {
	t.updateDisasmView()
	t.updateGlobalsView()
	t.updateBreakpointsView()
	t.App.Draw()
}

func (t *TUI) updateDisasmView() {
	t.DisasmView.Clear()
	fmt.Fprintf(t.DisasmView, "pc=%d state=%v depth=%d\n",
		t.Debugger.Session.PC(), t.Debugger.Session.State(), t.Debugger.Session.CallDepth())
}

func (t *TUI) updateGlobalsView() {
	t.GlobalsView.Clear()
	for _, idx := range t.GlobalWatchList {
		v, err := t.Debugger.Session.ReadGlobal(idx)
		if err != nil {
			fmt.Fprintf(t.GlobalsView, "$%d = <error>\n", idx)
			continue
		}
		fmt.Fprintf(t.GlobalsView, "$%d = %d\n", idx, v)
	}
}

func (t *TUI) updateBreakpointsView() {
	t.BreakpointsView.Clear()
	for _, bp := range t.Debugger.Breakpoints.All() {
		status := "enabled"
		if !bp.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(t.BreakpointsView, "#%d @%d %s hits=%d\n", bp.ID, bp.Addr, status, bp.HitCount)
	}
	for _, wp := range t.Debugger.Watchpoints.All() {
		fmt.Fprintf(t.BreakpointsView, "watch %d: %s hits=%d\n", wp.ID, wp.Expression, wp.HitCount)
	}
}

// Run starts the tview event loop and blocks until Stop is called.
func (t *TUI) Run() error {
	t.RefreshAll()
	return t.App.SetRoot(t.MainLayout, true).SetFocus(t.CommandInput).Run()
}

// Stop ends the event loop.
func (t *TUI) Stop() {
	t.App.Stop()
}
