// Package dispatch turns attention verdicts into volume commands, with
// debouncing and silence-timeout auto-restore.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GriffinCanCode/earshot/internal/attention"
	"github.com/GriffinCanCode/earshot/internal/observe"
)

// CommandType is the volume action requested of the client.
type CommandType string

const (
	Dim     CommandType = "LOWER_VOLUME"
	Restore CommandType = "RESTORE_VOLUME"
)

// Command is one volume instruction sent to clients.
type Command struct {
	Type          CommandType    `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	TriggerReason attention.Kind `json:"triggerReason"`
	Confidence    float64        `json:"confidence"`
}

// State is the dispatcher's volume state.
type State int

const (
	Normal State = iota
	Dimmed
)

func (s State) String() string {
	return [...]string{"normal", "dimmed"}[s]
}

// DefaultSilenceTimeout is the auto-restore delay.
const DefaultSilenceTimeout = 5 * time.Second

// Dispatcher holds the normal/dimmed state machine. Commands leave through
// the send capability handed in at construction; the dispatcher never calls
// back into the connection layer. At most one silence timer is pending at
// any moment.
type Dispatcher struct {
	send    func(Command)
	metrics *observe.Metrics

	mu             sync.Mutex
	state          State
	sensitivity    float64
	silenceTimeout time.Duration
	timer          *time.Timer
	timerGen       uint64
	lastCommandAt  time.Time
}

// New creates a dispatcher in the normal state.
func New(send func(Command), metrics *observe.Metrics, sensitivity float64, silenceTimeout time.Duration) *Dispatcher {
	if silenceTimeout <= 0 {
		silenceTimeout = DefaultSilenceTimeout
	}
	return &Dispatcher{
		send:           send,
		metrics:        metrics,
		sensitivity:    sensitivity,
		silenceTimeout: silenceTimeout,
	}
}

// State returns the current volume state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// TimerPending reports whether a silence timer is armed.
func (d *Dispatcher) TimerPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// SetSensitivity updates the escalation threshold for PROBABLY_TO_ME.
func (d *Dispatcher) SetSensitivity(v float64) {
	d.mu.Lock()
	d.sensitivity = v
	d.mu.Unlock()
}

// SetSilenceTimeout updates the auto-restore delay for future timers.
func (d *Dispatcher) SetSilenceTimeout(v time.Duration) {
	d.mu.Lock()
	d.silenceTimeout = v
	d.mu.Unlock()
}

// HandleVerdict applies one verdict to the state machine.
func (d *Dispatcher) HandleVerdict(v attention.Verdict) {
	d.mu.Lock()
	var cmd *Command

	switch v.Kind {
	case attention.Definitely:
		if d.state == Normal {
			cmd = d.dimLocked(v.Kind, 0.95)
		}
		d.startTimerLocked()

	case attention.Probably:
		if d.sensitivity > 0.5 {
			if d.state == Normal {
				cmd = d.dimLocked(v.Kind, 0.7)
			}
			d.startTimerLocked()
		}

	case attention.Ignore:
		if d.state == Dimmed && d.timer == nil {
			d.startTimerLocked()
		}
	}
	d.mu.Unlock()

	d.emit(cmd)
}

// ForceRestore cancels any timer and restores if dimmed.
func (d *Dispatcher) ForceRestore() {
	d.mu.Lock()
	d.cancelTimerLocked()
	var cmd *Command
	if d.state == Dimmed {
		cmd = d.restoreLocked()
	}
	d.mu.Unlock()

	d.emit(cmd)
}

// ForceDim emits a DIM unconditionally and arms a fresh timer.
func (d *Dispatcher) ForceDim() {
	d.mu.Lock()
	d.cancelTimerLocked()
	cmd := d.dimLocked(attention.Definitely, 1.0)
	d.startTimerLocked()
	d.mu.Unlock()

	d.emit(cmd)
}

// Close cancels any pending timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.cancelTimerLocked()
	d.mu.Unlock()
}

// dimLocked builds the DIM command and flips state. Caller holds d.mu.
func (d *Dispatcher) dimLocked(reason attention.Kind, confidence float64) *Command {
	d.state = Dimmed
	d.lastCommandAt = time.Now()
	return &Command{
		Type:          Dim,
		Timestamp:     d.lastCommandAt,
		TriggerReason: reason,
		Confidence:    confidence,
	}
}

// restoreLocked builds the RESTORE command and flips state. Caller holds d.mu.
func (d *Dispatcher) restoreLocked() *Command {
	d.state = Normal
	d.lastCommandAt = time.Now()
	return &Command{
		Type:          Restore,
		Timestamp:     d.lastCommandAt,
		TriggerReason: attention.Ignore,
		Confidence:    1.0,
	}
}

// startTimerLocked (re)arms the silence timer. Caller holds d.mu. The
// generation counter keeps a cancelled timer from firing a stale restore.
func (d *Dispatcher) startTimerLocked() {
	d.cancelTimerLocked()
	d.timerGen++
	gen := d.timerGen
	d.timer = time.AfterFunc(d.silenceTimeout, func() { d.onTimeout(gen) })
}

// cancelTimerLocked stops a pending timer. Caller holds d.mu.
func (d *Dispatcher) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerGen++
}

// onTimeout fires auto-restore when the timer expires while dimmed.
func (d *Dispatcher) onTimeout(gen uint64) {
	d.mu.Lock()
	if gen != d.timerGen {
		d.mu.Unlock()
		return
	}
	d.timer = nil

	var cmd *Command
	if d.state == Dimmed {
		cmd = d.restoreLocked()
	}
	d.mu.Unlock()

	d.emit(cmd)
}

func (d *Dispatcher) emit(cmd *Command) {
	if cmd == nil {
		return
	}
	slog.Info("volume command", "type", string(cmd.Type), "reason", string(cmd.TriggerReason), "confidence", cmd.Confidence)
	if cmd.Type == Dim {
		d.metrics.RecordCommand(context.Background(), "dim")
	} else {
		d.metrics.RecordCommand(context.Background(), "restore")
	}
	d.send(*cmd)
}
