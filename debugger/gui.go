package debugger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
)

// GUI is a desktop front end for Debugger: a status/globals/
// breakpoints/console panel set, matching what TUI shows (the panel
// titled "Disassembly" shows the pc, state and call depth).
type GUI struct {
	Debugger *Debugger
	App      fyne.App
	Window   fyne.Window

	DisasmView      *widget.TextGrid
	GlobalsView     *widget.TextGrid
	BreakpointsList *widget.List
	ConsoleOutput   *widget.TextGrid
	StatusLabel     *widget.Label
	Toolbar         *widget.Toolbar

	GlobalWatchList []int

	breakpointLines []string
	consoleBuffer   strings.Builder
	consoleMutex    sync.Mutex
}

// RunGUI runs the desktop debugger and blocks until the window closes.
func RunGUI(dbg *Debugger) error {
	gui := newGUI(dbg)
	gui.Window.ShowAndRun()
	return nil
}

func newGUI(d *Debugger) *GUI {
	myApp := app.New()
	myWindow := myApp.NewWindow("micro-wibble debugger")

	g := &GUI{Debugger: d, App: myApp, Window: myWindow}
	g.initializeViews()
	g.buildLayout()
	g.setupToolbar()
	myWindow.Resize(fyne.NewSize(1200, 800))
	return g
}

func (g *GUI) initializeViews() {
	g.DisasmView = widget.NewTextGrid()
	g.updateDisasm()

	g.GlobalsView = widget.NewTextGrid()
	g.updateGlobals()

	g.breakpointLines = []string{}
	g.BreakpointsList = widget.NewList(
		func() int { return len(g.breakpointLines) },
		func() fyne.CanvasObject { return widget.NewLabel("template") },
		func(id widget.ListItemID, obj fyne.CanvasObject) {
			obj.(*widget.Label).SetText(g.breakpointLines[id])
		},
	)

	g.ConsoleOutput = widget.NewTextGrid()
	g.ConsoleOutput.SetText("")

	g.StatusLabel = widget.NewLabel("ready")
}

func (g *GUI) buildLayout() {
	disasmPanel := container.NewBorder(
		widget.NewLabel("Disassembly"), nil, nil, nil, container.NewScroll(g.DisasmView))
	globalsPanel := container.NewBorder(
		widget.NewLabel("Globals"), nil, nil, nil, container.NewScroll(g.GlobalsView))
	breakpointsPanel := container.NewBorder(
		widget.NewLabel("Breakpoints"), nil, nil, nil, container.NewScroll(g.BreakpointsList))
	consolePanel := container.NewBorder(
		widget.NewLabel("Console"), nil, nil, nil, container.NewScroll(g.ConsoleOutput))

	rightTop := container.NewVSplit(globalsPanel, breakpointsPanel)
	rightTop.SetOffset(0.6)

	rightPanel := container.NewVSplit(rightTop, consolePanel)
	rightPanel.SetOffset(0.6)

	mainSplit := container.NewHSplit(disasmPanel, rightPanel)
	mainSplit.SetOffset(0.55)

	statusBar := container.NewBorder(nil, nil, nil, nil, g.StatusLabel)
	content := container.NewBorder(g.Toolbar, statusBar, nil, nil, mainSplit)
	g.Window.SetContent(content)
}

func (g *GUI) setupToolbar() {
	g.Toolbar = widget.NewToolbar(
		widget.NewToolbarAction(theme.MediaPlayIcon(), func() { g.runProgram() }),
		widget.NewToolbarAction(theme.MediaSkipNextIcon(), func() { g.stepProgram() }),
		widget.NewToolbarAction(theme.MediaFastForwardIcon(), func() { g.continueProgram() }),
		widget.NewToolbarAction(theme.MediaStopIcon(), func() { g.stopProgram() }),
		widget.NewToolbarSeparator(),
		widget.NewToolbarAction(theme.ContentClearIcon(), func() { g.clearBreakpoints() }),
	)
}

func (g *GUI) updateDisasm() {
	g.DisasmView.SetText(fmt.Sprintf("pc=%d state=%v depth=%d",
		g.Debugger.Session.PC(), g.Debugger.Session.State(), g.Debugger.Session.CallDepth()))
}

func (g *GUI) updateGlobals() {
	var b strings.Builder
	for _, idx := range g.GlobalWatchList {
		v, err := g.Debugger.Session.ReadGlobal(idx)
		if err != nil {
			fmt.Fprintf(&b, "$%d = <error>\n", idx)
			continue
		}
		fmt.Fprintf(&b, "$%d = %d\n", idx, v)
	}
	g.GlobalsView.SetText(b.String())
}

func (g *GUI) updateBreakpoints() {
	g.breakpointLines = g.breakpointLines[:0]
	for _, bp := range g.Debugger.Breakpoints.All() {
		g.breakpointLines = append(g.breakpointLines,
			fmt.Sprintf("#%d @%d hits=%d", bp.ID, bp.Addr, bp.HitCount))
	}
	for _, wp := range g.Debugger.Watchpoints.All() {
		g.breakpointLines = append(g.breakpointLines,
			fmt.Sprintf("watch %d: %s hits=%d", wp.ID, wp.Expression, wp.HitCount))
	}
	g.BreakpointsList.Refresh()
}

func (g *GUI) updateConsole() {
	g.consoleMutex.Lock()
	defer g.consoleMutex.Unlock()
	g.ConsoleOutput.SetText(g.consoleBuffer.String())
}

func (g *GUI) appendConsole(s string) {
	g.consoleMutex.Lock()
	g.consoleBuffer.WriteString(s)
	g.consoleMutex.Unlock()
	g.updateConsole()
}

func (g *GUI) runProgram() {
	result := g.Debugger.Session.Run(context.Background())
	g.Debugger.reportRun(result)
	g.appendConsole(g.Debugger.DrainOutput())
	g.refreshViews()
}

func (g *GUI) stepProgram() {
	if err := g.Debugger.cmdStep(nil); err != nil {
		g.appendConsole(fmt.Sprintf("error: %v\n", err))
	}
	g.appendConsole(g.Debugger.DrainOutput())
	g.refreshViews()
}

func (g *GUI) continueProgram() {
	if err := g.Debugger.cmdContinue(nil); err != nil {
		g.appendConsole(fmt.Sprintf("error: %v\n", err))
	}
	g.appendConsole(g.Debugger.DrainOutput())
	g.refreshViews()
}

func (g *GUI) stopProgram() {
	g.Debugger.Session.Cancel()
	g.StatusLabel.SetText("stopped")
}

func (g *GUI) clearBreakpoints() {
	g.Debugger.Breakpoints.Clear()
	g.Debugger.Watchpoints.Clear()
	g.refreshViews()
}

func (g *GUI) refreshViews() {
	g.updateDisasm()
	g.updateGlobals()
	g.updateBreakpoints()
	g.StatusLabel.SetText(fmt.Sprintf("state=%v", g.Debugger.Session.State()))
}
