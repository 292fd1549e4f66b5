package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/wibblevm/microwibble/gc"
	"github.com/wibblevm/microwibble/native"
	"github.com/wibblevm/microwibble/vm"
	"github.com/wibblevm/microwibble/word"
)

// serviceLog is the session layer's debug logger, gated by an
// environment variable — disabled (io.Discard) unless MICROWIBBLE_DEBUG
// is set, so a production embedding pays nothing for it.
var serviceLog = func() *log.Logger {
	if os.Getenv("MICROWIBBLE_DEBUG") != "" {
		return log.New(os.Stderr, "SESSION: ", log.Ltime|log.Lmicroseconds|log.Lshortfile)
	}
	return log.New(io.Discard, "", 0)
}()

// StateChangedFunc is called after every state-changing Session
// operation (Run, Resume, Step), letting a GUI front end refresh its
// view without polling. Cancel does not call it itself; the cancelled
// Run or Resume does when it returns.
type StateChangedFunc func()

// Session wraps a *vm.VM with the locking discipline a shared front end
// (TUI, GUI, HTTP handler) needs: a single RWMutex protects every field
// here. The lock-ordering contract is simple: the session always
// acquires s.mu before any Debugger method that uses its own mutex.
type Session struct {
	mu       sync.RWMutex
	machine  *vm.VM
	cancel   context.CancelFunc
	onChange StateChangedFunc
}

// NewSession wraps an already-constructed VM. Callers that need to
// parse an image first should use vm.NewVM and pass the result here.
func NewSession(machine *vm.VM) *Session {
	return &Session{machine: machine}
}

// VM returns the underlying VM, for callers (tests, the debugger
// package) that need direct access beyond what Session exposes.
func (s *Session) VM() *vm.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine
}

// SetStateChanged installs a callback fired after Run/Resume/Step.
func (s *Session) SetStateChanged(f StateChangedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = f
}

// Natives exposes the native registry so a host can register modules
// before the first Run.
func (s *Session) Natives() *native.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.Natives()
}

// Run starts the VM and blocks until it halts, faults, is cancelled,
// or exhausts its instruction budget. The context.CancelFunc is
// stashed so a concurrent call to Cancel can stop it early.
func (s *Session) Run(ctx context.Context) vm.RunResult {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	serviceLog.Printf("run: starting")
	result := s.machine.Run(runCtx)
	serviceLog.Printf("run: outcome=%v", result.Outcome)
	s.notify()
	return result
}

// Resume continues a suspended VM.
func (s *Session) Resume(ctx context.Context) vm.RunResult {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	serviceLog.Printf("resume: starting")
	result := s.machine.Resume(runCtx)
	serviceLog.Printf("resume: outcome=%v", result.Outcome)
	s.notify()
	return result
}

// Step executes exactly one instruction, for the debugger's
// step/step-over/step-out commands, bypassing the instruction budget
// and cancellation model that Run/Resume enforce.
func (s *Session) Step() (vm.RunResult, bool) {
	s.mu.Lock()
	result, runnable := s.machine.Step()
	s.mu.Unlock()
	s.notify()
	return result, runnable
}

// PC returns the current frame's program counter.
func (s *Session) PC() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.PC()
}

// CallDepth returns the current frame-chain depth.
func (s *Session) CallDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.CallDepth()
}

// Cancel requests cooperative suspension of an in-flight Run/Resume;
// the VM observes it at its next instruction boundary. Cancel is a
// no-op if nothing is currently running.
func (s *Session) Cancel() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// State returns the VM's current execution state.
func (s *Session) State() vm.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.State()
}

// ReadGlobal and WriteGlobal expose the VM's globals for inspection,
// serialized through the session mutex against Step and each other.
// Run and Resume do not hold that mutex while the VM executes, so
// reading globals while a Run is in flight on another goroutine can
// observe a torn view of VM state, since vm.VM itself assumes one
// active caller at a time.
func (s *Session) ReadGlobal(i int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := s.machine.ReadGlobal(i)
	if err != nil {
		return 0, fmt.Errorf("session: read global %d: %w", i, err)
	}
	return word.AsInt(w), nil
}

// ReadLocal reads local i of the current frame, for debugger
// inspection of a paused VM.
func (s *Session) ReadLocal(i int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := s.machine.ReadLocal(i)
	if err != nil {
		return 0, fmt.Errorf("session: read local %d: %w", i, err)
	}
	return word.AsInt(w), nil
}

func (s *Session) WriteGlobal(i int, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.WriteGlobal(i, word.FromInt(v))
}

// GCStats returns the collector's cumulative statistics.
func (s *Session) GCStats() GCStatsInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.machine.GCStats()
	return toGCStatsInfo(st)
}

// HeapInfo returns current heap occupancy and allocator statistics.
func (s *Session) HeapInfo() HeapInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alloc := s.machine.AllocStats()
	return HeapInfo{
		UsedWords:        s.machine.HeapUsedWords(),
		SizeWords:        s.machine.HeapSizeWords(),
		TotalAllocations: alloc.TotalAllocations,
		FreeListReuses:   alloc.FreeListReuses,
		HighWaterWords:   alloc.HighWaterWords,
	}
}

// LastFault returns the most recent fault, if any.
func (s *Session) LastFault() *FaultInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f := s.machine.LastFault(); f != nil {
		return toFaultInfo(f)
	}
	return nil
}

func (s *Session) notify() {
	s.mu.RLock()
	cb := s.onChange
	s.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func toGCStatsInfo(st gc.Stats) GCStatsInfo {
	return GCStatsInfo{
		Sweeps:           st.Sweeps,
		ObjectsMarked:    st.ObjectsMarked,
		ObjectsCollected: st.ObjectsCollected,
		ObjectsLive:      st.ObjectsLive,
		WordsLive:        st.WordsLive,
	}
}

