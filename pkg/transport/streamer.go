package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/protocol"
	"github.com/agencyhub/mcpgate/pkg/session"
	"github.com/agencyhub/mcpgate/pkg/storage"
	"github.com/agencyhub/mcpgate/pkg/telemetry"
)

// StreamConfig tunes the drain loop.
type StreamConfig struct {
	// KeepaliveInterval is the idle poll interval and heartbeat cadence.
	KeepaliveInterval time.Duration

	// MaxKeepaliveInterval caps the adaptive backoff.
	MaxKeepaliveInterval time.Duration

	// SwitchIntervalAfter is how long a connection stays idle before the
	// poll interval starts doubling.
	SwitchIntervalAfter time.Duration

	// MaxConnectionTime bounds the lifetime of one streaming connection.
	MaxConnectionTime time.Duration

	// TestMode makes the drain loop perform a single pass and return, so
	// tests never stall on timed sleeps.
	TestMode bool
}

// DefaultStreamConfig returns production drain-loop settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		KeepaliveInterval:    10 * time.Second,
		MaxKeepaliveInterval: 60 * time.Second,
		SwitchIntervalAfter:  60 * time.Second,
		MaxConnectionTime:    5 * time.Minute,
	}
}

// Streamer serves the streaming endpoints, draining the per-session queue.
type Streamer struct {
	store    storage.Storage
	sessions *session.Manager
	baseURL  string
	config   StreamConfig
}

// NewStreamer creates a Streamer. Zero config fields get defaults.
func NewStreamer(store storage.Storage, sessions *session.Manager, baseURL string, config StreamConfig) *Streamer {
	defaults := DefaultStreamConfig()
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if config.MaxKeepaliveInterval <= 0 {
		config.MaxKeepaliveInterval = defaults.MaxKeepaliveInterval
	}
	if config.SwitchIntervalAfter <= 0 {
		config.SwitchIntervalAfter = defaults.SwitchIntervalAfter
	}
	if config.MaxConnectionTime <= 0 {
		config.MaxConnectionTime = defaults.MaxConnectionTime
	}
	return &Streamer{store: store, sessions: sessions, baseURL: baseURL, config: config}
}

// SSEHandler serves GET /mcp/{uuid}/sse. It announces the session-bound POST
// URL in an endpoint event, then streams queued messages.
func (s *Streamer) SSEHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)
	sess, err := s.sessions.Validate(r.Context(), sessionID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, protocol.CodeSessionRequired, "valid session required")
		return
	}

	flusher, err := getFlusher(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	endpoint := s.baseURL + "/mcp/" + chi.URLParam(r, "uuid") + "/" + sess.ID
	if _, err := w.Write([]byte(NewSSEMessage(SSEEventEndpoint, endpoint).ToSSEString())); err != nil {
		return
	}
	flusher.Flush()

	s.drain(r.Context(), w, flusher, sess.ID)
}

// StreamableHandler serves GET /mcp/{uuid} with Accept: text/event-stream,
// the streamable-HTTP transport fold-in. No endpoint event is sent.
func (s *Streamer) StreamableHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFromRequest(r)
	sess, err := s.sessions.Validate(r.Context(), sessionID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, protocol.CodeSessionRequired, "valid session required")
		return
	}
	if !protocol.SupportsStreamableHTTP(sess.ProtocolVersion) {
		writeRPCError(w, http.StatusBadRequest, protocol.CodeInvalidRequest,
			"streamable HTTP requires protocol version 2025-03-26 or later")
		return
	}

	flusher, err := getFlusher(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	s.drain(r.Context(), w, flusher, sess.ID)
}

// drain loops over the session queue until the connection lifetime elapses
// or the client disconnects. Messages are deleted only after a successful
// emit, so a failed write leaves them for redelivery on reconnect.
func (s *Streamer) drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string) {
	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	deadline := time.Now().Add(s.config.MaxConnectionTime)
	idleSince := time.Now()
	interval := s.config.KeepaliveInterval

	for {
		delivered, err := s.deliverPending(ctx, w, flusher, sessionID)
		if err != nil {
			// Emit failed; keep the message for the next connection.
			logger.Debugw("stream write failed", "session_id", sessionID, "error", err.Error())
			return
		}

		if delivered {
			idleSince = time.Now()
			interval = s.config.KeepaliveInterval
		} else {
			if _, err := w.Write([]byte(keepaliveComment)); err != nil {
				return
			}
			flusher.Flush()
		}

		if s.config.TestMode {
			return
		}
		if time.Now().After(deadline) {
			return
		}

		if !delivered {
			if time.Since(idleSince) > s.config.SwitchIntervalAfter {
				interval *= 2
				if interval > s.config.MaxKeepaliveInterval {
					interval = s.config.MaxKeepaliveInterval
				}
			}
			// Never sleep past the connection deadline.
			sleep := interval
			if remaining := time.Until(deadline); remaining < sleep {
				sleep = remaining
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}
}

// deliverPending emits all queued messages in order, deleting each one after
// its frame is flushed. Returns whether anything was delivered.
func (s *Streamer) deliverPending(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string) (bool, error) {
	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		logger.Warnw("failed to list queued messages", "session_id", sessionID, "error", err.Error())
		return false, nil
	}

	delivered := false
	for _, msg := range messages {
		frame := NewSSEMessage(SSEEventMessage, string(msg.Payload)).ToSSEString()
		if _, err := w.Write([]byte(frame)); err != nil {
			return delivered, err
		}
		flusher.Flush()

		if err := s.store.DeleteMessage(ctx, sessionID, msg.ID); err != nil {
			logger.Warnw("failed to delete delivered message",
				"session_id", sessionID,
				"message_id", msg.ID,
				"error", err.Error(),
			)
		}
		telemetry.MessagesDelivered.Inc()
		delivered = true
	}
	return delivered, nil
}

// sessionIDFromRequest resolves the session id from the session_id query
// parameter or the Mcp-Session-Id header.
func sessionIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id
	}
	return r.Header.Get("Mcp-Session-Id")
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	msg, err := protocol.NewErrorMessage(nil, code, message, nil)
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}
