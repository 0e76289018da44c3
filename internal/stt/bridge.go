package stt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/resilience"
)

// BridgeState is the transcription bridge lifecycle state.
type BridgeState int32

const (
	Idle BridgeState = iota
	Connecting
	Connected
	Closing
	ClosedState
)

func (s BridgeState) String() string {
	return [...]string{"idle", "connecting", "connected", "closing", "closed"}[s]
}

// Retry queue defaults.
const (
	DefaultQueueCapacity = 128
	DefaultMaxRetries    = 5
	DefaultBaseDelay     = time.Second
	dialTimeout          = 5 * time.Second
)

// breaker / failure-counter operation names
const (
	opSend  = "stt_send"
	opQueue = "stt_queue"
)

type queueItem struct {
	pcm     []byte
	retries int
}

// Bridge owns the single live STT stream for the listener. It opens the
// stream lazily on the first non-filtered frame, mints a fresh audio segment
// id per open, and absorbs transport failures into a bounded retry queue so
// upstream never observes an error.
type Bridge struct {
	provider Provider
	monitor  *resilience.Monitor
	metrics  *observe.Metrics
	cfg      StreamConfig

	queueCap   int
	maxRetries int
	baseDelay  time.Duration

	mu         sync.Mutex
	state      BridgeState
	stream     Stream
	segmentID  string
	queue      []queueItem
	overflowed bool

	partials chan Transcript
	finals   chan Transcript

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithQueueCapacity sets the retry queue bound.
func WithQueueCapacity(n int) BridgeOption {
	return func(b *Bridge) { b.queueCap = n }
}

// WithRetryPolicy sets the per-item retry limit and backoff base.
func WithRetryPolicy(maxRetries int, baseDelay time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.maxRetries = maxRetries
		b.baseDelay = baseDelay
	}
}

// NewBridge creates a bridge. The transcript channels exist from
// construction, so consumers can subscribe before any stream is opened.
func NewBridge(provider Provider, monitor *resilience.Monitor, metrics *observe.Metrics, cfg StreamConfig, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		provider:   provider,
		monitor:    monitor,
		metrics:    metrics,
		cfg:        cfg,
		queueCap:   DefaultQueueCapacity,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		partials:   make(chan Transcript, 64),
		finals:     make(chan Transcript, 64),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the retry drain worker.
func (b *Bridge) Start(ctx context.Context) {
	go b.drainLoop(ctx)
}

// Partials returns the channel of interim transcripts.
func (b *Bridge) Partials() <-chan Transcript { return b.partials }

// Finals returns the channel of stable transcripts.
func (b *Bridge) Finals() <-chan Transcript { return b.finals }

// State returns the current lifecycle state.
func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SegmentID returns the id of the current (or most recent) STT session.
func (b *Bridge) SegmentID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segmentID
}

// QueueLen returns the retry queue depth.
func (b *Bridge) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Send forwards one PCM chunk to the STT service. When the stream is not
// available the chunk lands on the retry queue; Send never returns an error.
func (b *Bridge) Send(ctx context.Context, pcm []byte) {
	if err := b.trySend(ctx, pcm); err != nil {
		b.enqueue(pcm)
	}
}

// trySend delivers one chunk over a connected stream, opening it if needed.
func (b *Bridge) trySend(ctx context.Context, pcm []byte) error {
	stream, err := b.ensure(ctx)
	if err != nil {
		b.monitor.RecordFailure(opSend, err)
		return err
	}
	if err := stream.Send(pcm); err != nil {
		b.monitor.RecordFailure(opSend, err)
		b.dropStream(stream)
		return err
	}
	b.monitor.RecordSuccess(opSend)
	return nil
}

// ensure returns the connected stream, dialing one if idle. The open is
// gated by the stt circuit breaker; the result consumer is running before
// ensure returns so no early transcript can be missed.
func (b *Bridge) ensure(ctx context.Context) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Connected && b.stream != nil {
		return b.stream, nil
	}
	if b.state == Closing || b.state == ClosedState {
		return nil, context.Canceled
	}

	br := b.monitor.Breaker("stt")
	if err := br.Allow(); err != nil {
		return nil, err
	}

	b.setState(Connecting)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	stream, err := b.provider.Open(dialCtx, b.cfg)
	br.Record(err)
	if err != nil {
		b.setState(Idle)
		return nil, err
	}

	b.stream = stream
	b.segmentID = uuid.NewString()
	b.setState(Connected)
	go b.consume(stream, b.segmentID)

	return stream, nil
}

// dropStream detaches a failed stream; the next frame re-enters Connecting.
func (b *Bridge) dropStream(stream Stream) {
	b.mu.Lock()
	if b.stream == stream {
		b.stream = nil
		if b.state == Connected {
			b.setState(Idle)
		}
	}
	b.mu.Unlock()

	go func() { _ = stream.Close() }()
}

// consume routes one stream's results into the transcript channels. Every
// transcript from this session carries segID.
func (b *Bridge) consume(stream Stream, segID string) {
	for {
		select {
		case r, ok := <-stream.Results():
			if !ok {
				slog.Info("stt stream closed", "segment", segID)
				b.dropStream(stream)
				return
			}
			text := strings.TrimSpace(r.Text)
			if text == "" {
				continue
			}
			b.emit(Transcript{
				ID:             uuid.NewString(),
				Text:           text,
				Confidence:     r.Confidence,
				Timestamp:      time.Now(),
				IsPartial:      !r.IsFinal,
				AudioSegmentID: segID,
			})
		case err := <-stream.Errors():
			if err != nil {
				slog.Error("stt stream error", "segment", segID, "error", err)
				b.monitor.RecordFailure(opSend, err)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) emit(t Transcript) {
	if t.IsPartial {
		b.metrics.RecordTranscript(context.Background(), "partial")
		select {
		case b.partials <- t:
		default:
			slog.Debug("partial transcript dropped, channel full")
		}
		return
	}

	b.metrics.RecordTranscript(context.Background(), "final")
	select {
	case b.finals <- t:
	case <-b.done:
	}
}

// enqueue appends a chunk to the bounded retry queue, dropping the oldest on
// overflow with one warning per burst.
func (b *Bridge) enqueue(pcm []byte) {
	b.mu.Lock()
	if len(b.queue) >= b.queueCap {
		b.queue = b.queue[1:]
		if !b.overflowed {
			b.overflowed = true
			b.monitor.Warn(opQueue, "queue_overflow")
		}
		b.metrics.RecordQueueDrop(context.Background(), "stt_retry")
	}
	b.queue = append(b.queue, queueItem{pcm: pcm})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the queue head. Returns false when empty.
func (b *Bridge) dequeue() (queueItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		b.overflowed = false
		return queueItem{}, false
	}
	item := b.queue[0]
	b.queue = b.queue[1:]
	return item, true
}

// requeueFront puts a failed item back at the head so order is preserved.
func (b *Bridge) requeueFront(item queueItem) {
	b.mu.Lock()
	b.queue = append([]queueItem{item}, b.queue...)
	b.mu.Unlock()
}

// drainLoop is the single retry worker. Each item waits
// baseDelay·2^retries, then one send is attempted; failures increment the
// count until the item is discarded.
func (b *Bridge) drainLoop(ctx context.Context) {
	for {
		item, ok := b.dequeue()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}

		delay := b.baseDelay << item.retries
		select {
		case <-time.After(delay):
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}

		if err := b.trySend(ctx, item.pcm); err != nil {
			item.retries++
			if item.retries >= b.maxRetries {
				slog.Warn("stt segment discarded after retries", "retries", item.retries)
				b.monitor.Warn(opQueue, "segment_discarded")
				b.metrics.RecordQueueDrop(ctx, "stt_discard")
				continue
			}
			b.requeueFront(item)
		}
	}
}

// Close shuts the bridge down, closing any live stream.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.setState(Closing)
		stream := b.stream
		b.stream = nil
		b.mu.Unlock()

		close(b.done)
		if stream != nil {
			_ = stream.Close()
		}

		b.mu.Lock()
		b.setState(ClosedState)
		b.mu.Unlock()
	})
}

// setState must be called with b.mu held.
func (b *Bridge) setState(s BridgeState) {
	if b.state != s {
		slog.Debug("stt bridge state", "from", b.state.String(), "to", s.String())
		b.state = s
	}
}
