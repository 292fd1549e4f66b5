package service

import (
	"bytes"
	"io"
	"sync"
)

// EventFunc is called with the name of an event and its string payload
// whenever an EventEmittingWriter is written to. The api package wires
// this to its WebSocket broadcaster; the debugger's GUI wires it to a
// Fyne widget refresh. This package has no GUI-framework dependency of
// its own, so the emit step is a plain callback rather than a direct
// call into any particular front end's event bus.
type EventFunc func(event, payload string)

// EventEmittingWriter buffers everything written to it and, if a
// non-nil EventFunc was supplied, also emits an event carrying the
// newly written bytes. Used to give a trace/log stream (an execution
// trace, or a guest program's native-module output) both a pull
// interface (GetBufferAndClear) and a push interface (EventFunc)
// without the producer needing to know which front end is listening.
type EventEmittingWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	event string
	emit  EventFunc
}

// NewEventEmittingWriter creates a writer that emits event whenever
// written to, via emit (nil disables emission; the buffer still
// fills).
func NewEventEmittingWriter(event string, emit EventFunc) *EventEmittingWriter {
	return &EventEmittingWriter{event: event, emit: emit}
}

// Write implements io.Writer.
func (w *EventEmittingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	if err == nil && n > 0 && w.emit != nil {
		w.emit(w.event, string(p))
	}
	return n, err
}

// GetBufferAndClear returns the buffered contents and resets the
// buffer, for a poll-based front end that doesn't use EventFunc.
func (w *EventEmittingWriter) GetBufferAndClear() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.buf.String()
	w.buf.Reset()
	return out
}

var _ io.Writer = (*EventEmittingWriter)(nil)
