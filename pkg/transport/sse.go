// Package transport delivers queued JSON-RPC responses over SSE and
// streamable HTTP. Both variants share one drain loop against storage.
package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SSE event types used on the wire.
const (
	// SSEEventEndpoint announces the session-bound POST URL on classic SSE.
	SSEEventEndpoint = "endpoint"
	// SSEEventMessage carries a queued JSON-RPC payload.
	SSEEventMessage = "message"
)

// keepaliveComment is the heartbeat frame emitted on idle connections.
const keepaliveComment = ": keepalive\n\n"

// SSEMessage is a single server-sent event.
type SSEMessage struct {
	EventType string
	Data      string
	CreatedAt time.Time
}

// NewSSEMessage creates an SSE message with the current timestamp.
func NewSSEMessage(eventType, data string) *SSEMessage {
	return &SSEMessage{
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// ToSSEString formats the message as an SSE wire frame. Multi-line data is
// split into one data: line per line.
func (m *SSEMessage) ToSSEString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("event: %s\n", m.EventType))
	for _, line := range strings.Split(m.Data, "\n") {
		sb.WriteString(fmt.Sprintf("data: %s\n", line))
	}
	sb.WriteString("\n")
	return sb.String()
}

// setSSEHeaders sets standard Server-Sent Events response headers.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// getFlusher returns the http.Flusher for w, or an error when streaming is
// not supported by the writer.
func getFlusher(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return flusher, nil
}
