package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/wibblevm/microwibble/service"
	"github.com/wibblevm/microwibble/vm"
)

// ErrSessionNotFound is returned when a session ID doesn't resolve to
// an active session.
var ErrSessionNotFound = errors.New("api: session not found")

// Session is one active, network-addressable micro-wibble session:
// a service.Session plus the bookkeeping the API needs to route
// requests and broadcast events for it.
type Session struct {
	ID        string
	Service   *service.Session
	CreatedAt time.Time
}

// SessionManager tracks every live Session, keyed by a random hex ID.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	broadcaster *Broadcaster
}

// NewSessionManager creates an empty SessionManager that broadcasts
// state changes through broadcaster.
func NewSessionManager(broadcaster *Broadcaster) *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session), broadcaster: broadcaster}
}

// CreateSession parses imageBytes as a micro-wibble image and
// registers a new Session for it.
func (sm *SessionManager) CreateSession(imageBytes []byte, cfg vm.Config) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	machine, err := vm.NewVM(imageBytes, cfg)
	if err != nil {
		return nil, err
	}

	svc := service.NewSession(machine)
	if sm.broadcaster != nil {
		sid := id
		svc.SetStateChanged(func() {
			sm.broadcaster.BroadcastState(sid, stateName(svc.State()))
			if f := svc.LastFault(); f != nil {
				sm.broadcaster.BroadcastFault(sid, f.Kind, f.Reason)
			}
		})
	}

	session := &Session{ID: id, Service: svc, CreatedAt: time.Now()}

	sm.mu.Lock()
	sm.sessions[id] = session
	sm.mu.Unlock()

	return session, nil
}

// GetSession looks up a Session by ID.
func (sm *SessionManager) GetSession(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// DestroySession removes a Session.
func (sm *SessionManager) DestroySession(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(sm.sessions, id)
	return nil
}

// ListSessions returns every active session ID.
func (sm *SessionManager) ListSessions() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

func generateSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func stateName(s vm.State) string {
	switch s {
	case vm.StateReady:
		return "ready"
	case vm.StateRunning:
		return "running"
	case vm.StateHalted:
		return "halted"
	case vm.StateFaulted:
		return "faulted"
	case vm.StateCancelled:
		return "cancelled"
	case vm.StateCpuExhausted:
		return "cpu_exhausted"
	default:
		return "unknown"
	}
}
