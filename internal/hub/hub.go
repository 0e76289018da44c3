package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/trace"
)

// Liveness constants.
const (
	HeartbeatInterval = 10 * time.Second
	HeartbeatTimeout  = 30 * time.Second

	// AckDeadline bounds delivery of the connection ack.
	AckDeadline = 500 * time.Millisecond

	writeTimeout    = 5 * time.Second
	defaultSendBuf  = 64
	defaultFrameBuf = 128
	frameFanIn      = 256
	eventBuf        = 32
)

// SessionEventKind tags session lifecycle events.
type SessionEventKind int

const (
	Connected SessionEventKind = iota
	Disconnected
	ConfigReceived
)

// SessionEvent is published on connect, disconnect, and client config
// messages.
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID string
	Config    json.RawMessage // only for ConfigReceived
}

// Hub accepts WebSocket clients and fans frames into the pipeline. Outbound
// transcripts and commands broadcast to every live session.
type Hub struct {
	monitor *resilience.Monitor
	metrics *observe.Metrics

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	frameBuf          int

	mu       sync.RWMutex
	sessions map[string]*Session

	frames chan audio.Frame
	events chan SessionEvent

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithHeartbeat overrides the liveness cadence (mainly for tests).
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(h *Hub) {
		h.heartbeatInterval = interval
		h.heartbeatTimeout = timeout
	}
}

// WithFrameBuffer overrides the per-session frame buffer capacity.
func WithFrameBuffer(n int) Option {
	return func(h *Hub) { h.frameBuf = n }
}

// New creates a hub.
func New(monitor *resilience.Monitor, metrics *observe.Metrics, opts ...Option) *Hub {
	h := &Hub{
		monitor:           monitor,
		metrics:           metrics,
		heartbeatInterval: HeartbeatInterval,
		heartbeatTimeout:  HeartbeatTimeout,
		frameBuf:          defaultFrameBuf,
		sessions:          make(map[string]*Session),
		frames:            make(chan audio.Frame, frameFanIn),
		events:            make(chan SessionEvent, eventBuf),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Start launches the liveness sweeper.
func (h *Hub) Start(ctx context.Context) {
	go h.heartbeatLoop(ctx)
}

// Frames returns the fan-in channel of inbound audio frames. Within one
// session, frames preserve arrival order.
func (h *Hub) Frames() <-chan audio.Frame { return h.frames }

// Events returns the session lifecycle event channel.
func (h *Hub) Events() <-chan SessionEvent { return h.events }

// ActiveCount returns the number of live sessions.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeWS upgrades one client connection and runs its loops until it ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}

	log := trace.Logger(r.Context())

	s := newSession(uuid.NewString(), conn, context.Background(), defaultSendBuf, h.frameBuf)

	// The ack must land within AckDeadline of acceptance.
	ackCtx, cancel := context.WithTimeout(s.ctx, AckDeadline)
	ack := NewOutbound(TypeAck, AckPayload{ClientID: s.ID, Status: "connected"})
	err = wsjson.Write(ackCtx, conn, ack)
	cancel()
	if err != nil {
		log.Error("ack delivery failed", "session", s.ID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "ack failed")
		s.cancel()
		return
	}

	h.register(s)
	log.Info("client connected", "session", s.ID)

	go h.sendLoop(s)
	go h.forwardFrames(s)

	h.readLoop(s)
	h.terminate(s, "read loop ended")
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.metrics.ActiveConnections.Add(context.Background(), 1)
	h.publish(SessionEvent{Kind: Connected, SessionID: s.ID})
}

// readLoop consumes inbound messages until the connection fails or closes.
func (h *Hub) readLoop(s *Session) {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			slog.Debug("websocket read error", "session", s.ID, "error", err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			h.handleFrame(s, data)
		case websocket.MessageText:
			h.handleControl(s, data)
		}
	}
}

func (h *Hub) handleFrame(s *Session, data []byte) {
	h.metrics.FramesReceived.Add(s.ctx, 1)

	dropped, newBurst := s.bufferFrame(audio.NewFrame(s.ID, data))
	if dropped {
		h.metrics.RecordQueueDrop(s.ctx, "audio_buffer")
		if newBurst {
			h.monitor.Warn("audio_buffer", "audio buffer overflow for session "+s.ID)
		}
	}
}

func (h *Hub) handleControl(s *Session, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed control message dropped", "session", s.ID, "error", err)
		return
	}

	switch msg.Type {
	case TypeHeartbeat:
		s.touch()
		s.queue(NewOutbound(TypeHeartbeat, nil))
	case TypeConfig:
		h.publish(SessionEvent{Kind: ConfigReceived, SessionID: s.ID, Config: msg.Payload})
	default:
		slog.Warn("unknown control message dropped", "session", s.ID, "type", msg.Type)
	}
}

// forwardFrames moves one session's buffered frames into the shared fan-in
// channel, preserving per-session order.
func (h *Hub) forwardFrames(s *Session) {
	for {
		select {
		case f := <-s.frames:
			select {
			case h.frames <- f:
			case <-s.ctx.Done():
				return
			case <-h.done:
				return
			}
		case <-s.ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

// sendLoop writes queued messages to the socket in order.
func (h *Hub) sendLoop(s *Session) {
	for {
		select {
		case msg := <-s.sendCh:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := wsjson.Write(ctx, s.conn, msg)
			cancel()
			if err != nil {
				h.monitor.RecordFailure("client_send", err)
				h.terminate(s, "write failed")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Broadcast fans one message out to every live session. Delivery is
// best-effort per session; a full queue records a failure and drops.
func (h *Hub) Broadcast(msg Outbound) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		out := msg
		out.ClientID = s.ID
		if !s.queue(out) {
			h.monitor.RecordFailure("client_send", nil)
			slog.Debug("send queue full, message dropped", "session", s.ID, "type", msg.Type)
		}
	}
}

// heartbeatLoop marks sessions not-alive each interval, pings them, and
// terminates peers that stay silent past the timeout.
func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, s := range targets {
		if now.Sub(s.lastHeartbeat()) > h.heartbeatTimeout {
			h.terminate(s, "heartbeat timeout")
			continue
		}

		if !s.alive.Swap(false) {
			h.terminate(s, "stale: no heartbeat response")
			continue
		}

		// Protocol-level ping; a pong revives the session.
		go func(s *Session) {
			ctx, cancel := context.WithTimeout(s.ctx, h.heartbeatInterval)
			defer cancel()
			if err := s.conn.Ping(ctx); err == nil {
				s.touch()
			}
		}(s)
	}
}

// terminate closes one session exactly once: socket closed, buffers
// released, session-scoped work cancelled, disconnect event published.
func (h *Hub) terminate(s *Session, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		h.mu.Lock()
		delete(h.sessions, s.ID)
		h.mu.Unlock()

		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, reason)

		// Release buffered frames.
		for {
			select {
			case <-s.frames:
				continue
			default:
			}
			break
		}

		h.metrics.ActiveConnections.Add(context.Background(), -1)
		h.publish(SessionEvent{Kind: Disconnected, SessionID: s.ID})
		slog.Info("client disconnected", "session", s.ID, "reason", reason)
	})
}

// Close terminates every session and stops hub loops.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.RLock()
		targets := make([]*Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			targets = append(targets, s)
		}
		h.mu.RUnlock()

		for _, s := range targets {
			h.terminate(s, "server shutdown")
		}
	})
}

func (h *Hub) publish(ev SessionEvent) {
	select {
	case h.events <- ev:
	default:
		slog.Debug("session event dropped, channel full", "session", ev.SessionID)
	}
}
