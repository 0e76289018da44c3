package stt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/resilience"
)

// fakeStream is an in-memory Stream for bridge tests.
type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	results chan Result
	errs    chan error
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		results: make(chan Result, 16),
		errs:    make(chan error, 4),
	}
}

func (s *fakeStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeStream) Results() <-chan Result { return s.results }
func (s *fakeStream) Errors() <-chan error   { return s.errs }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeProvider hands out fakeStreams, optionally failing the first opens.
type fakeProvider struct {
	mu        sync.Mutex
	failOpens int
	opens     int
	streams   []*fakeStream
}

func (p *fakeProvider) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.opens <= p.failOpens {
		return nil, errors.New("stt unavailable")
	}
	s := newFakeStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *fakeProvider) lastStream() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

func newTestBridge(t *testing.T, p Provider, opts ...BridgeOption) (*Bridge, *resilience.Monitor) {
	t.Helper()
	mon := resilience.NewMonitor(resilience.DefaultConfig())
	base := []BridgeOption{WithRetryPolicy(5, 5*time.Millisecond)}
	b := NewBridge(p, mon, testMetrics(t), StreamConfig{SampleRate: 16000, Channels: 1}, append(base, opts...)...)
	t.Cleanup(b.Close)
	return b, mon
}

func TestBridgeLazyOpen(t *testing.T) {
	p := &fakeProvider{}
	b, _ := newTestBridge(t, p)
	b.Start(context.Background())

	if b.State() != Idle {
		t.Fatalf("initial state = %v, want idle", b.State())
	}
	if p.openCount() != 0 {
		t.Fatal("stream opened before first frame")
	}

	b.Send(context.Background(), []byte{1, 2})

	if b.State() != Connected {
		t.Errorf("state after send = %v, want connected", b.State())
	}
	if p.openCount() != 1 {
		t.Errorf("opens = %d, want 1", p.openCount())
	}
	if p.lastStream().sentCount() != 1 {
		t.Errorf("sent = %d, want 1", p.lastStream().sentCount())
	}
}

func TestBridgeSegmentIDPerOpen(t *testing.T) {
	p := &fakeProvider{}
	b, _ := newTestBridge(t, p)
	b.Start(context.Background())

	b.Send(context.Background(), []byte{1})
	first := b.SegmentID()
	if first == "" {
		t.Fatal("no segment id after open")
	}

	// Simulate stream failure, forcing a reopen on the next frame.
	p.lastStream().mu.Lock()
	p.lastStream().sendErr = errors.New("broken pipe")
	p.lastStream().mu.Unlock()

	b.Send(context.Background(), []byte{2}) // fails, queued
	waitFor(t, func() bool { return b.State() == Connected })

	if second := b.SegmentID(); second == first {
		t.Error("segment id not refreshed on reopen")
	}
}

func TestBridgeTranscriptsCarrySegmentID(t *testing.T) {
	p := &fakeProvider{}
	b, _ := newTestBridge(t, p)
	b.Start(context.Background())

	b.Send(context.Background(), []byte{1})
	seg := b.SegmentID()

	s := p.lastStream()
	s.results <- Result{Text: " partial guess ", Confidence: 0.4, IsFinal: false}
	s.results <- Result{Text: "hello there", Confidence: 0.9, IsFinal: true}
	s.results <- Result{Text: "   ", Confidence: 0.9, IsFinal: true} // dropped

	select {
	case tr := <-b.Partials():
		if tr.Text != "partial guess" || !tr.IsPartial || tr.AudioSegmentID != seg {
			t.Errorf("partial = %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no partial transcript")
	}

	select {
	case tr := <-b.Finals():
		if tr.Text != "hello there" || tr.IsPartial || tr.AudioSegmentID != seg {
			t.Errorf("final = %+v", tr)
		}
		if tr.ID == "" || tr.Timestamp.IsZero() {
			t.Errorf("final missing id/timestamp: %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no final transcript")
	}

	select {
	case tr := <-b.Finals():
		t.Fatalf("empty transcript forwarded: %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeQueuesWhileDown(t *testing.T) {
	p := &fakeProvider{failOpens: 1 << 30}
	b, _ := newTestBridge(t, p)
	// Worker not started: queue should just accumulate.

	for i := 0; i < 10; i++ {
		b.Send(context.Background(), []byte{byte(i)})
	}

	if got := b.QueueLen(); got != 10 {
		t.Errorf("queue len = %d, want 10", got)
	}
}

func TestBridgeQueueOverflowDropsOldest(t *testing.T) {
	p := &fakeProvider{failOpens: 1 << 30}
	b, mon := newTestBridge(t, p, WithQueueCapacity(3))

	for i := 0; i < 5; i++ {
		b.Send(context.Background(), []byte{byte(i)})
	}

	if got := b.QueueLen(); got != 3 {
		t.Errorf("queue len = %d, want 3", got)
	}

	sawOverflow := false
	for {
		select {
		case w := <-mon.Warnings():
			if w.Message == "queue_overflow" {
				sawOverflow = true
			}
			continue
		default:
		}
		break
	}
	if !sawOverflow {
		t.Error("no queue_overflow warning")
	}
}

func TestBridgeDrainsInOrderOnRecovery(t *testing.T) {
	p := &fakeProvider{failOpens: 1 << 30}
	mon := resilience.NewMonitor(resilience.Config{FailureThreshold: 1000, ResetTimeout: time.Hour, HalfOpenProbeCount: 1})
	b := NewBridge(p, mon, testMetrics(t), StreamConfig{}, WithRetryPolicy(5, time.Millisecond))
	t.Cleanup(b.Close)
	b.Start(context.Background())

	// Outage: every frame lands on the retry queue.
	for i := 0; i < 5; i++ {
		b.Send(context.Background(), []byte{byte(i)})
	}

	// Recovery: subsequent opens succeed and the queue drains in order.
	p.mu.Lock()
	p.failOpens = 0
	p.mu.Unlock()

	waitFor(t, func() bool {
		s := p.lastStream()
		return s != nil && s.sentCount() == 5
	})

	s := p.lastStream()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, chunk := range s.sent {
		if len(chunk) != 1 || chunk[0] != byte(i) {
			t.Fatalf("chunk %d = %v, out of order", i, chunk)
		}
	}
}

func TestBridgeDiscardsAfterMaxRetries(t *testing.T) {
	p := &fakeProvider{failOpens: 1 << 30}
	b, mon := newTestBridge(t, p, WithRetryPolicy(2, time.Millisecond))
	b.Start(context.Background())

	b.Send(context.Background(), []byte{1})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case w := <-mon.Warnings():
			if w.Message == "segment_discarded" {
				if b.QueueLen() != 0 {
					t.Errorf("queue len = %d after discard, want 0", b.QueueLen())
				}
				return
			}
		case <-deadline:
			t.Fatal("segment never discarded")
		}
	}
}

func TestBridgeRetryBackoffSpacing(t *testing.T) {
	p := &recordingFailProvider{}
	mon := resilience.NewMonitor(resilience.DefaultConfig())
	b := NewBridge(p, mon, testMetrics(t), StreamConfig{},
		WithRetryPolicy(2, 30*time.Millisecond))
	t.Cleanup(b.Close)
	b.Start(context.Background())

	b.Send(context.Background(), []byte{1})

	waitFor(t, func() bool { return len(p.attemptTimes()) >= 3 })
	at := p.attemptTimes()

	// Queued attempt k waits base·2^(k-1) after the previous one; the
	// direct send is attempt 0.
	if d := at[1].Sub(at[0]); d < 30*time.Millisecond {
		t.Errorf("first retry after %v, want >= 30ms", d)
	}
	if d := at[2].Sub(at[1]); d < 60*time.Millisecond {
		t.Errorf("second retry after %v, want >= 60ms", d)
	}
}

// recordingFailProvider always fails Open and records attempt times.
type recordingFailProvider struct {
	mu       sync.Mutex
	attempts []time.Time
}

func (p *recordingFailProvider) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	p.mu.Lock()
	p.attempts = append(p.attempts, time.Now())
	p.mu.Unlock()
	return nil, errors.New("down")
}

func (p *recordingFailProvider) attemptTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.attempts))
	copy(out, p.attempts)
	return out
}

func TestBridgeCircuitBreakerGatesOpen(t *testing.T) {
	p := &fakeProvider{failOpens: 1 << 30}
	mon := resilience.NewMonitor(resilience.Config{FailureThreshold: 2, ResetTimeout: time.Hour, HalfOpenProbeCount: 1})
	b := NewBridge(p, mon, testMetrics(t), StreamConfig{}, WithRetryPolicy(0, time.Millisecond))
	t.Cleanup(b.Close)

	for i := 0; i < 5; i++ {
		b.Send(context.Background(), []byte{1})
	}

	if p.openCount() != 2 {
		t.Errorf("opens = %d, want 2 (breaker open afterwards)", p.openCount())
	}
	if mon.Breaker("stt").State() != resilience.Open {
		t.Errorf("breaker state = %v, want open", mon.Breaker("stt").State())
	}
}

func TestTranscriptJSONRoundTrip(t *testing.T) {
	in := Transcript{
		ID:             "t-1",
		Text:           "can you hear me?",
		Confidence:     0.87,
		Timestamp:      time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC),
		IsPartial:      false,
		AudioSegmentID: "seg-9",
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Transcript
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !in.Equal(out) {
		t.Errorf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
