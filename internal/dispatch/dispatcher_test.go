package dispatch

import (
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/GriffinCanCode/earshot/internal/attention"
	"github.com/GriffinCanCode/earshot/internal/observe"
)

type recorder struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *recorder) send(c Command) {
	r.mu.Lock()
	r.cmds = append(r.cmds, c)
	r.mu.Unlock()
}

func (r *recorder) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.cmds))
	copy(out, r.cmds)
	return out
}

func newTestDispatcher(t *testing.T, sensitivity float64, timeout time.Duration) (*Dispatcher, *recorder) {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	r := &recorder{}
	d := New(r.send, m, sensitivity, timeout)
	t.Cleanup(d.Close)
	return d, r
}

func verdict(k attention.Kind) attention.Verdict {
	return attention.Verdict{Kind: k, Confidence: 0.9}
}

func TestDefinitelyDimsAndArmsTimer(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, time.Hour)

	d.HandleVerdict(verdict(attention.Definitely))

	cmds := r.commands()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	c := cmds[0]
	if c.Type != Dim || c.TriggerReason != attention.Definitely || c.Confidence != 0.95 {
		t.Errorf("command = %+v", c)
	}
	if c.Timestamp.IsZero() {
		t.Error("missing timestamp")
	}
	if d.State() != Dimmed {
		t.Errorf("state = %v, want dimmed", d.State())
	}
	if !d.TimerPending() {
		t.Error("no silence timer armed")
	}
}

func TestDefinitelyWhileDimmedDebounces(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, time.Hour)

	d.HandleVerdict(verdict(attention.Definitely))
	d.HandleVerdict(verdict(attention.Definitely))

	if got := len(r.commands()); got != 1 {
		t.Errorf("got %d commands, want 1 (debounced)", got)
	}
	if !d.TimerPending() {
		t.Error("timer should be reset, not cleared")
	}
}

func TestProbablyRespectsSensitivity(t *testing.T) {
	// Below threshold: nothing happens.
	d, r := newTestDispatcher(t, 0.4, time.Hour)
	d.HandleVerdict(verdict(attention.Probably))

	if len(r.commands()) != 0 {
		t.Errorf("commands emitted at sensitivity 0.4: %+v", r.commands())
	}
	if d.State() != Normal {
		t.Errorf("state = %v, want normal", d.State())
	}

	// Above threshold: one DIM at confidence 0.7.
	d2, r2 := newTestDispatcher(t, 0.8, time.Hour)
	d2.HandleVerdict(verdict(attention.Probably))

	cmds := r2.commands()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	if cmds[0].Type != Dim || cmds[0].TriggerReason != attention.Probably || cmds[0].Confidence != 0.7 {
		t.Errorf("command = %+v", cmds[0])
	}
	if !d2.TimerPending() {
		t.Error("no timer after conditional dim")
	}
}

func TestIgnoreInNormalDoesNothing(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, time.Hour)

	d.HandleVerdict(verdict(attention.Ignore))

	if len(r.commands()) != 0 {
		t.Error("command emitted for IGNORE in normal")
	}
	if d.TimerPending() {
		t.Error("timer armed for IGNORE in normal")
	}
}

func TestIgnoreInDimmedArmsTimerOnce(t *testing.T) {
	d, _ := newTestDispatcher(t, 0.7, time.Hour)
	d.HandleVerdict(verdict(attention.Definitely))

	// DIM armed the silence timer; IGNORE while it is pending leaves it armed.
	if !d.TimerPending() {
		t.Fatal("precondition: timer armed")
	}

	d.HandleVerdict(verdict(attention.Ignore))
	if !d.TimerPending() {
		t.Error("timer cleared by IGNORE while pending")
	}
}

func TestAutoRestoreAfterSilence(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, 50*time.Millisecond)

	d.HandleVerdict(verdict(attention.Definitely))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.commands()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cmds := r.commands()
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want dim+restore", len(cmds))
	}
	c := cmds[1]
	if c.Type != Restore || c.TriggerReason != attention.Ignore || c.Confidence != 1.0 {
		t.Errorf("restore = %+v", c)
	}
	if d.State() != Normal {
		t.Errorf("state = %v, want normal", d.State())
	}
	if d.TimerPending() {
		t.Error("timer still pending after restore")
	}

	// No duplicate restore later.
	time.Sleep(100 * time.Millisecond)
	if got := len(r.commands()); got != 2 {
		t.Errorf("got %d commands after settle, want 2", got)
	}
}

func TestVerdictResetsSilenceTimer(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, 80*time.Millisecond)

	d.HandleVerdict(verdict(attention.Definitely))
	time.Sleep(50 * time.Millisecond)
	d.HandleVerdict(verdict(attention.Definitely)) // resets timer
	time.Sleep(50 * time.Millisecond)

	// Only 100ms since the first dim but 50ms since reset: still dimmed.
	if d.State() != Dimmed {
		t.Fatal("restored despite timer reset")
	}

	time.Sleep(100 * time.Millisecond)
	if d.State() != Normal {
		t.Error("never restored after reset timer expired")
	}
	if got := len(r.commands()); got != 2 {
		t.Errorf("got %d commands, want 2", got)
	}
}

func TestForceRestore(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, time.Hour)

	// No-op in normal.
	d.ForceRestore()
	if len(r.commands()) != 0 {
		t.Error("force restore emitted in normal state")
	}

	d.HandleVerdict(verdict(attention.Definitely))
	d.ForceRestore()

	cmds := r.commands()
	if len(cmds) != 2 || cmds[1].Type != Restore {
		t.Fatalf("commands = %+v", cmds)
	}
	if d.State() != Normal || d.TimerPending() {
		t.Error("force restore left dirty state")
	}
}

func TestForceDim(t *testing.T) {
	d, r := newTestDispatcher(t, 0.7, time.Hour)

	d.ForceDim()

	cmds := r.commands()
	if len(cmds) != 1 || cmds[0].Type != Dim {
		t.Fatalf("commands = %+v", cmds)
	}
	if d.State() != Dimmed || !d.TimerPending() {
		t.Error("force dim did not dim and arm timer")
	}

	// Unconditional: fires again while already dimmed.
	d.ForceDim()
	if got := len(r.commands()); got != 2 {
		t.Errorf("got %d commands, want 2", got)
	}
}

func TestCommandMetadataBounds(t *testing.T) {
	d, r := newTestDispatcher(t, 0.9, 30*time.Millisecond)

	d.HandleVerdict(verdict(attention.Definitely))
	d.HandleVerdict(verdict(attention.Ignore))
	time.Sleep(150 * time.Millisecond)
	d.HandleVerdict(verdict(attention.Probably))

	for i, c := range r.commands() {
		if c.Confidence < 0 || c.Confidence > 1 {
			t.Errorf("command %d confidence = %v", i, c.Confidence)
		}
		switch c.TriggerReason {
		case attention.Ignore, attention.Probably, attention.Definitely:
		default:
			t.Errorf("command %d trigger = %q", i, c.TriggerReason)
		}
		if c.Timestamp.IsZero() {
			t.Errorf("command %d missing timestamp", i)
		}
	}
}
