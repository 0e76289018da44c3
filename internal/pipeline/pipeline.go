// Package pipeline coordinates the audio path: hub frames through the voice
// filter into the STT bridge, and transcripts through attention detection
// into volume commands.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/GriffinCanCode/earshot/internal/attention"
	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/config"
	"github.com/GriffinCanCode/earshot/internal/dispatch"
	"github.com/GriffinCanCode/earshot/internal/hub"
	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/stt"
	"github.com/GriffinCanCode/earshot/internal/syncx"
	"github.com/GriffinCanCode/earshot/internal/trace"
	"github.com/GriffinCanCode/earshot/internal/voice"
)

// Pipeline is the single consumer of hub frames and bridge transcripts. The
// dispatcher's send capability points back at the hub; the hub never calls
// into the pipeline.
type Pipeline struct {
	hub        *hub.Hub
	registry   *voice.Registry
	bridge     *stt.Bridge
	engine     *attention.Engine
	dispatcher *dispatch.Dispatcher
	monitor    *resilience.Monitor
	metrics    *observe.Metrics
	cfg        *syncx.Guard[config.Config]
}

// New wires the pipeline. All dependencies are injected; nothing global.
func New(h *hub.Hub, reg *voice.Registry, bridge *stt.Bridge, eng *attention.Engine, disp *dispatch.Dispatcher, mon *resilience.Monitor, met *observe.Metrics, cfg *syncx.Guard[config.Config]) *Pipeline {
	return &Pipeline{
		hub:        h,
		registry:   reg,
		bridge:     bridge,
		engine:     eng,
		dispatcher: disp,
		monitor:    mon,
		metrics:    met,
		cfg:        cfg,
	}
}

// Run starts all pipeline loops; they stop when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	go p.frameLoop(ctx)
	go p.partialLoop(ctx)
	go p.finalLoop(ctx)
	go p.warningLoop(ctx)
	go p.eventLoop(ctx)
}

// frameLoop gates inbound frames on the ignore filter before streaming them
// to the STT service.
func (p *Pipeline) frameLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.hub.Frames():
			if !ok {
				return
			}
			p.processFrame(ctx, f)
		}
	}
}

func (p *Pipeline) processFrame(ctx context.Context, f audio.Frame) {
	// Each frame gets a trace rooted at its session.
	ctx = trace.WithContext(ctx, trace.Begin(f.ClientID))
	ctx, stage := trace.StartStage(ctx, "voice_filter")
	stage.SetAttr("bytes", len(f.PCM))
	defer stage.End()

	samples := audio.DecodePCM16(f.PCM)
	if res := p.registry.Match(samples); res.IsMatch {
		p.metrics.FramesFiltered.Add(ctx, 1)
		stage.SetAttr("filtered", true)
		trace.Logger(ctx).Debug("frame matched ignore profile", "profile", res.ProfileID, "confidence", res.Confidence)
		return
	}

	p.bridge.Send(ctx, f.PCM)
}

// partialLoop broadcasts interim transcripts for display only.
func (p *Pipeline) partialLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.bridge.Partials():
			if !ok {
				return
			}
			p.hub.Broadcast(hub.NewOutbound(hub.TypeTranscript, t))
		}
	}
}

// finalLoop broadcasts finals and feeds them to attention detection.
func (p *Pipeline) finalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.bridge.Finals():
			if !ok {
				return
			}
			p.hub.Broadcast(hub.NewOutbound(hub.TypeTranscript, t))

			// Transcripts get a trace rooted at their audio segment.
			tctx := trace.WithContext(ctx, trace.Begin(t.AudioSegmentID).Hop("attention"))
			sensitivity := p.cfg.Get().Sensitivity
			verdict := p.engine.Analyze(tctx, t, sensitivity)
			trace.Logger(tctx).Debug("attention verdict", "kind", string(verdict.Kind), "confidence", verdict.Confidence, "llm", verdict.UsedLLM)
			p.dispatcher.HandleVerdict(verdict)
		}
	}
}

// warningLoop mirrors resilience warnings to connected clients.
func (p *Pipeline) warningLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-p.monitor.Warnings():
			p.hub.Broadcast(hub.NewOutbound(hub.TypeWarning, w))
		}
	}
}

// eventLoop consumes session lifecycle events.
func (p *Pipeline) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.hub.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case hub.ConfigReceived:
				// Client-side settings are not interpreted by the server.
				slog.Info("client config received", "session", ev.SessionID)
			case hub.Connected, hub.Disconnected:
			}
		}
	}
}

// ApplyConfig pushes a new configuration to every component.
func (p *Pipeline) ApplyConfig(cfg config.Config) {
	p.cfg.Set(cfg)
	p.registry.SetSensitivity(cfg.Sensitivity)
	p.dispatcher.SetSensitivity(cfg.Sensitivity)
	p.dispatcher.SetSilenceTimeout(cfg.SilenceTimeout())
	p.engine.SetKeywords(cfg.AttentionKeywords)
	p.engine.SetUserName(cfg.UserName)
	if cfg.LLMEnabled {
		p.engine.EnableLLM()
	} else {
		p.engine.DisableLLM()
	}
	slog.Info("configuration applied", "sensitivity", cfg.Sensitivity, "silence_timeout_ms", cfg.SilenceTimeoutMs, "llm", cfg.LLMEnabled)
}

// Config returns the current configuration snapshot.
func (p *Pipeline) Config() config.Config {
	return p.cfg.Get()
}
