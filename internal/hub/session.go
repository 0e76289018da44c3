package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/GriffinCanCode/earshot/internal/audio"
)

// Session is one connected client. It owns the outbound message queue and a
// bounded inbound frame buffer with a drop-oldest overflow policy. The read
// loop is the only frame producer; the hub's forwarder is the only consumer.
type Session struct {
	ID   string
	conn *websocket.Conn

	sendCh chan Outbound
	frames chan audio.Frame

	alive      atomic.Bool
	lastBeatNS atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	overflow  atomic.Bool // one buffer warning per burst
	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, parent context.Context, sendBuf, frameBuf int) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:     id,
		conn:   conn,
		sendCh: make(chan Outbound, sendBuf),
		frames: make(chan audio.Frame, frameBuf),
		ctx:    ctx,
		cancel: cancel,
	}
	s.alive.Store(true)
	s.touch()
	return s
}

// touch refreshes the liveness clock.
func (s *Session) touch() {
	s.alive.Store(true)
	s.lastBeatNS.Store(time.Now().UnixNano())
}

// lastHeartbeat returns the instant of the last sign of life.
func (s *Session) lastHeartbeat() time.Time {
	return time.Unix(0, s.lastBeatNS.Load())
}

// bufferFrame enqueues one frame, dropping the oldest on overflow. Reports
// whether an overflow drop occurred and whether it starts a new burst.
func (s *Session) bufferFrame(f audio.Frame) (dropped, newBurst bool) {
	select {
	case s.frames <- f:
		s.overflow.Store(false)
		return false, false
	default:
	}

	// Full: evict the oldest, then retry once.
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
	return true, !s.overflow.Swap(true)
}

// queue enqueues an outbound message, best-effort. A full queue drops the
// message rather than blocking the pipeline.
func (s *Session) queue(msg Outbound) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.sendCh <- msg:
		return true
	default:
		return false
	}
}
