package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/GriffinCanCode/earshot/internal/attention"
	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/config"
	"github.com/GriffinCanCode/earshot/internal/dispatch"
	"github.com/GriffinCanCode/earshot/internal/hub"
	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/stt"
	"github.com/GriffinCanCode/earshot/internal/syncx"
	"github.com/GriffinCanCode/earshot/internal/voice"
)

// memStream is an in-memory STT stream for pipeline tests.
type memStream struct {
	mu      sync.Mutex
	sent    int
	results chan stt.Result
	errs    chan error
}

func newMemStream() *memStream {
	return &memStream{results: make(chan stt.Result, 8), errs: make(chan error, 1)}
}

func (s *memStream) Send(chunk []byte) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *memStream) Results() <-chan stt.Result { return s.results }
func (s *memStream) Errors() <-chan error       { return s.errs }
func (s *memStream) Close() error               { return nil }

type memProvider struct {
	mu     sync.Mutex
	opens  int
	stream *memStream
	fail   bool
}

func (p *memProvider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errors.New("down")
	}
	p.opens++
	p.stream = newMemStream()
	return p.stream, nil
}

func (p *memProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

type cmdRecorder struct {
	mu   sync.Mutex
	cmds []dispatch.Command
}

func (r *cmdRecorder) send(c dispatch.Command) {
	r.mu.Lock()
	r.cmds = append(r.cmds, c)
	r.mu.Unlock()
}

func (r *cmdRecorder) commands() []dispatch.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Command, len(r.cmds))
	copy(out, r.cmds)
	return out
}

func tone(n int, period float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.8 * math.Sin(2*math.Pi*float64(i)/period)
	}
	return out
}

func newTestPipeline(t *testing.T, provider stt.Provider, cfg config.Config) (*Pipeline, *cmdRecorder, *voice.Registry) {
	t.Helper()

	mon := resilience.NewMonitor(resilience.DefaultConfig())
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}

	reg := voice.NewRegistry(cfg.Sensitivity)
	bridge := stt.NewBridge(provider, mon, met, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	t.Cleanup(bridge.Close)
	h := hub.New(mon, met)
	t.Cleanup(h.Close)
	eng := attention.NewEngine(mon, met, nil)
	rec := &cmdRecorder{}
	disp := dispatch.New(rec.send, met, cfg.Sensitivity, cfg.SilenceTimeout())
	t.Cleanup(disp.Close)

	p := New(h, reg, bridge, eng, disp, mon, met, syncx.NewGuard(cfg))
	return p, rec, reg
}

func TestIgnoredSpeakerSkipsSTT(t *testing.T) {
	provider := &memProvider{}
	cfg := config.Default()
	p, rec, reg := newTestPipeline(t, provider, cfg)

	training := tone(1600, 20)
	if _, err := reg.Add("roommate", "Roommate", [][]float64{training}); err != nil {
		t.Fatal(err)
	}

	// A frame identical to the training audio is filtered out.
	pcm := audio.EncodePCM16(training)
	p.processFrame(context.Background(), audio.NewFrame("c1", pcm))

	if provider.openCount() != 0 {
		t.Errorf("STT opened for ignored speaker: opens = %d", provider.openCount())
	}
	if len(rec.commands()) != 0 {
		t.Errorf("commands emitted for ignored frame: %+v", rec.commands())
	}
}

func TestUnmatchedFrameReachesSTT(t *testing.T) {
	provider := &memProvider{}
	p, _, reg := newTestPipeline(t, provider, config.Default())

	if _, err := reg.Add("roommate", "", [][]float64{tone(1600, 20)}); err != nil {
		t.Fatal(err)
	}

	// Silence fingerprints to the zero vector, which matches nothing.
	silence := make([]float64, 1600)
	p.processFrame(context.Background(), audio.NewFrame("c1", audio.EncodePCM16(silence)))

	if provider.openCount() != 1 {
		t.Errorf("opens = %d, want 1", provider.openCount())
	}
}

func TestFinalTranscriptDrivesDispatcher(t *testing.T) {
	provider := &memProvider{}
	cfg := config.Default() // sensitivity 0.7, keywords include "hey"
	p, rec, _ := newTestPipeline(t, provider, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.bridge.Start(ctx)
	p.Run(ctx)

	// Non-matching audio opens the stream.
	p.processFrame(ctx, audio.NewFrame("c1", audio.EncodePCM16(tone(1600, 7))))
	if provider.openCount() != 1 {
		t.Fatalf("opens = %d, want 1", provider.openCount())
	}

	// A partial must not move the dispatcher.
	provider.stream.results <- stt.Result{Text: "hey th", Confidence: 0.4, IsFinal: false}
	time.Sleep(50 * time.Millisecond)
	if len(rec.commands()) != 0 {
		t.Fatalf("partial caused commands: %+v", rec.commands())
	}

	// The final triggers one DIM.
	provider.stream.results <- stt.Result{Text: "hey there", Confidence: 0.9, IsFinal: true}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.commands()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	cmds := rec.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %+v, want one DIM", cmds)
	}
	if cmds[0].Type != dispatch.Dim || cmds[0].TriggerReason != attention.Definitely || cmds[0].Confidence != 0.95 {
		t.Errorf("command = %+v", cmds[0])
	}
}

func TestApplyConfigPropagates(t *testing.T) {
	provider := &memProvider{}
	p, _, reg := newTestPipeline(t, provider, config.Default())

	next := config.Default()
	next.Sensitivity = 0.2
	next.SilenceTimeoutMs = 8000
	next.AttentionKeywords = []string{"oi"}
	p.ApplyConfig(next)

	if p.Config().Sensitivity != 0.2 {
		t.Errorf("config sensitivity = %v", p.Config().Sensitivity)
	}
	if reg.Sensitivity() != 0.2 {
		t.Errorf("registry sensitivity = %v", reg.Sensitivity())
	}
	if kws := p.engine.Keywords(); len(kws) != 1 || kws[0] != "oi" {
		t.Errorf("engine keywords = %v", kws)
	}
}
