package api

import (
	"time"

	"github.com/wibblevm/microwibble/service"
)

// SessionCreateRequest is the POST /api/v1/session body. Image holds
// an already-assembled micro-wibble image; as a []byte field it goes
// over the wire as a base64 string (encoding/json's standard form).
type SessionCreateRequest struct {
	Image             []byte `json:"image"`
	HeapSizeWords     uint64 `json:"heapSizeWords,omitempty"`
	InstructionBudget uint64 `json:"instructionBudget,omitempty"`
	MaxCallDepth      int    `json:"maxCallDepth,omitempty"`
}

// SessionCreateResponse is returned from a successful session create.
type SessionCreateResponse struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStatusResponse reports a session's current state.
type SessionStatusResponse struct {
	SessionID string              `json:"sessionId"`
	State     string              `json:"state"`
	Fault     *service.FaultInfo  `json:"fault,omitempty"`
	GCStats   service.GCStatsInfo `json:"gcStats"`
	Heap      service.HeapInfo    `json:"heap"`
}

// RunResponse is returned from /run and /resume.
type RunResponse struct {
	service.RunOutcomeInfo
}

// GlobalResponse reports one global's value.
type GlobalResponse struct {
	Index int   `json:"index"`
	Value int64 `json:"value"`
}

// GlobalWriteRequest is the PUT body for writing a global.
type GlobalWriteRequest struct {
	Value int64 `json:"value"`
}

// SuccessResponse is a generic success envelope.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is a generic error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
