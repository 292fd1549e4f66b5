package debugger_test

import (
	"testing"

	"github.com/wibblevm/microwibble/asm"
	"github.com/wibblevm/microwibble/debugger"
	"github.com/wibblevm/microwibble/service"
	"github.com/wibblevm/microwibble/vm"
)

func newWatchSession(t *testing.T) *service.Session {
	t.Helper()
	img, err := asm.Assemble(`
.global 1
.func main locals=0 stack=4
LD #1
ST $0
LD #2
ST $0
RET 0
.endfunc
`, "watch.mwasm")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m, err := vm.NewVM(img, vm.Config{HeapSizeWords: 256})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	return service.NewSession(m)
}

func TestWatchpointManagerDetectsChange(t *testing.T) {
	sess := newWatchSession(t)
	wm := debugger.NewWatchpointManager()
	wp := wm.Add("$0", 0)
	if err := wm.Init(wp.ID, sess); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, changed := wm.Check(sess); changed {
		t.Error("expected no change before anything runs")
	}

	for {
		result, runnable := sess.Step()
		if !runnable {
			if result.Outcome != vm.OutcomeHalted {
				t.Fatalf("unexpected outcome %v", result.Outcome)
			}
			break
		}
		if _, changed := wm.Check(sess); changed {
			return
		}
	}
	t.Error("expected watchpoint to detect a global change before halt")
}

func TestWatchpointManagerDisabledSkipped(t *testing.T) {
	sess := newWatchSession(t)
	wm := debugger.NewWatchpointManager()
	wp := wm.Add("$0", 0)
	wm.Init(wp.ID, sess)
	wm.SetEnabled(wp.ID, false)

	for i := 0; i < 10; i++ {
		_, runnable := sess.Step()
		if _, changed := wm.Check(sess); changed {
			t.Fatal("expected disabled watchpoint never to report a change")
		}
		if !runnable {
			break
		}
	}
}

func TestWatchpointManagerDeleteAndClear(t *testing.T) {
	wm := debugger.NewWatchpointManager()
	wp := wm.Add("$0", 0)

	if err := wm.Delete(wp.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if wm.Get(wp.ID) != nil {
		t.Error("expected watchpoint removed")
	}

	wm.Add("$1", 1)
	wm.Add("$2", 2)
	wm.Clear()
	if len(wm.All()) != 0 {
		t.Error("expected Clear to remove everything")
	}
}
