package debugger

import (
	"fmt"
	"sync"

	"github.com/wibblevm/microwibble/service"
)

// WatchKind distinguishes what a Watchpoint observes. Only globals are
// watchable today; WatchKind exists so a future kind (a local slot, a
// heap slot) can be added without breaking the Watchpoint shape.
type WatchKind int

const (
	WatchGlobal WatchKind = iota
)

// Watchpoint monitors a global slot for value changes. It detects
// value change only: it cannot distinguish a read from a write
// without instrumenting the interpreter's store path, so every
// Watchpoint behaves as read-or-write (value-change) detection.
type Watchpoint struct {
	ID         int
	Kind       WatchKind
	Expression string
	Index      int
	Enabled    bool
	LastValue  int64
	HitCount   int
}

// WatchpointManager tracks every watchpoint.
type WatchpointManager struct {
	mu          sync.RWMutex
	watchpoints map[int]*Watchpoint
	nextID      int
}

// NewWatchpointManager creates an empty WatchpointManager.
func NewWatchpointManager() *WatchpointManager {
	return &WatchpointManager{watchpoints: make(map[int]*Watchpoint), nextID: 1}
}

// Add registers a watch on global slot index.
func (wm *WatchpointManager) Add(expression string, index int) *Watchpoint {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	wp := &Watchpoint{ID: wm.nextID, Kind: WatchGlobal, Expression: expression, Index: index, Enabled: true}
	wm.watchpoints[wp.ID] = wp
	wm.nextID++
	return wp
}

// Delete removes a watchpoint by ID.
func (wm *WatchpointManager) Delete(id int) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, ok := wm.watchpoints[id]; !ok {
		return fmt.Errorf("debugger: watchpoint %d not found", id)
	}
	delete(wm.watchpoints, id)
	return nil
}

// SetEnabled toggles a watchpoint by ID.
func (wm *WatchpointManager) SetEnabled(id int, enabled bool) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wp, ok := wm.watchpoints[id]
	if !ok {
		return fmt.Errorf("debugger: watchpoint %d not found", id)
	}
	wp.Enabled = enabled
	return nil
}

// Get returns a watchpoint by ID.
func (wm *WatchpointManager) Get(id int) *Watchpoint {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.watchpoints[id]
}

// All returns every watchpoint.
func (wm *WatchpointManager) All() []*Watchpoint {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make([]*Watchpoint, 0, len(wm.watchpoints))
	for _, wp := range wm.watchpoints {
		out = append(out, wp)
	}
	return out
}

// Clear removes every watchpoint.
func (wm *WatchpointManager) Clear() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.watchpoints = make(map[int]*Watchpoint)
}

// Init records the current value of a watchpoint as its baseline, so
// the first Check after creation does not spuriously report a change.
func (wm *WatchpointManager) Init(id int, sess *service.Session) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wp, ok := wm.watchpoints[id]
	if !ok {
		return fmt.Errorf("debugger: watchpoint %d not found", id)
	}
	v, err := sess.ReadGlobal(wp.Index)
	if err != nil {
		return err
	}
	wp.LastValue = v
	return nil
}

// Check scans every enabled watchpoint against sess's current state
// and returns the first whose value has changed since it was last
// observed.
func (wm *WatchpointManager) Check(sess *service.Session) (*Watchpoint, bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	for _, wp := range wm.watchpoints {
		if !wp.Enabled {
			continue
		}
		v, err := sess.ReadGlobal(wp.Index)
		if err != nil {
			continue
		}
		if v != wp.LastValue {
			wp.HitCount++
			wp.LastValue = v
			return wp, true
		}
	}
	return nil, false
}
