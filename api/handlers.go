package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/wibblevm/microwibble/service"
	"github.com/wibblevm/microwibble/vm"
)

// handleCreateSession handles POST /api/v1/session: parse the posted
// image and register a new running session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.HeapSizeWords == 0 {
		req.HeapSizeWords = 1 << 16
	}

	cfg := vm.Config{
		HeapSizeWords:     req.HeapSizeWords,
		InstructionBudget: req.InstructionBudget,
		MaxCallDepth:      req.MaxCallDepth,
	}
	sess, err := s.sessions.CreateSession(req.Image, cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to load image: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, SessionCreateResponse{SessionID: sess.ID, CreatedAt: sess.CreatedAt})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.sessions.ListSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids, "count": len(ids)})
}

func (s *Server) handleGetSessionStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID: sessionID,
		State:     stateName(sess.Service.State()),
		Fault:     sess.Service.LastFault(),
		GCStats:   sess.Service.GCStats(),
		Heap:      sess.Service.HeapInfo(),
	})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.sessions.DestroySession(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "session destroyed"})
}

// handleRun handles POST /api/v1/session/{id}/run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	result := sess.Service.Run(r.Context())
	writeJSON(w, http.StatusOK, RunResponse{RunOutcomeInfo: service.ToRunOutcomeInfo(result)})
}

// handleResume handles POST /api/v1/session/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	result := sess.Service.Resume(r.Context())
	writeJSON(w, http.StatusOK, RunResponse{RunOutcomeInfo: service.ToRunOutcomeInfo(result)})
}

// handleCancel handles POST /api/v1/session/{id}/cancel: cooperative
// cancellation of an in-flight run.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.Service.Cancel()
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleGlobal handles GET/PUT /api/v1/session/{id}/globals/{index}.
func (s *Server) handleGlobal(w http.ResponseWriter, r *http.Request, sessionID, indexStr string) {
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid global index")
		return
	}

	switch r.Method {
	case http.MethodGet:
		v, err := sess.Service.ReadGlobal(index)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, GlobalResponse{Index: index, Value: v})

	case http.MethodPut:
		var req GlobalWriteRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := sess.Service.WriteGlobal(index, req.Value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
