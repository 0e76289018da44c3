package attention

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/earshot/internal/observe"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/stt"
)

const (
	// DefaultUncertaintyThreshold gates LLM consultation.
	DefaultUncertaintyThreshold = 0.5

	// contextSize bounds the stored final-transcript history.
	contextSize = 10

	// promptContext is how many recent finals accompany an LLM prompt.
	promptContext = 5
)

// DefaultKeywords are the attention keywords active until configured.
func DefaultKeywords() []string {
	return []string{"hey", "hello", "excuse me", "hi"}
}

// Engine classifies final transcripts. All methods are safe for concurrent
// use. It never returns an error to the caller: when the LLM fails, the
// rule-based result stands.
type Engine struct {
	monitor *resilience.Monitor
	metrics *observe.Metrics

	mu                   sync.RWMutex
	keywords             map[string]struct{}
	userName             string
	questionPatterns     []string
	addressPatterns      []string
	uncertaintyThreshold float64
	llmEnabled           bool
	llm                  LLMClient
	history              []string
}

// NewEngine creates an engine with the default keyword set. llm may be nil;
// EnableLLM has no effect until a client is attached.
func NewEngine(monitor *resilience.Monitor, metrics *observe.Metrics, llm LLMClient) *Engine {
	e := &Engine{
		monitor:              monitor,
		metrics:              metrics,
		keywords:             make(map[string]struct{}),
		uncertaintyThreshold: DefaultUncertaintyThreshold,
		llm:                  llm,
	}
	for _, k := range DefaultKeywords() {
		e.keywords[k] = struct{}{}
	}
	return e
}

// Analyze classifies one final transcript at the given sensitivity. Partial
// transcripts must not be passed in.
func (e *Engine) Analyze(ctx context.Context, t stt.Transcript, sensitivity float64) Verdict {
	text := strings.TrimSpace(t.Text)
	lowered := strings.ToLower(text)

	e.mu.RLock()
	keywords := make([]string, 0, len(e.keywords))
	for k := range e.keywords {
		keywords = append(keywords, k)
	}
	userName := strings.ToLower(e.userName)
	questionPatterns := e.questionPatterns
	addressPatterns := e.addressPatterns
	threshold := e.uncertaintyThreshold
	llmEnabled := e.llmEnabled && e.llm != nil
	recent := e.recentLocked()
	e.mu.RUnlock()

	verdict := e.classify(ctx, text, lowered, keywords, userName, questionPatterns, addressPatterns, threshold, llmEnabled, recent, sensitivity)

	e.remember(text)
	return verdict
}

func (e *Engine) classify(ctx context.Context, text, lowered string, keywords []string, userName string, questionPatterns, addressPatterns []string, threshold float64, llmEnabled bool, recent []string, sensitivity float64) Verdict {
	// 1. Keyword or name match.
	var matched []string
	for _, k := range keywords {
		if strings.Contains(lowered, k) {
			matched = append(matched, k)
		}
	}
	if userName != "" && strings.Contains(lowered, userName) {
		matched = append(matched, userName)
	}
	if len(matched) > 0 {
		return Verdict{Kind: Definitely, Confidence: 0.95, MatchedKeywords: matched}
	}

	// 2. Question or direct-address patterns.
	var patterns []string
	if ok, p := isQuestion(lowered, questionPatterns); ok {
		patterns = append(patterns, p)
	}
	if ok, p := isDirectAddress(lowered, userName, addressPatterns); ok {
		patterns = append(patterns, p)
	}
	if len(patterns) > 0 {
		return Verdict{Kind: Probably, Confidence: 0.7, MatchedPatterns: patterns}
	}

	// 3. Soft signals.
	conf := ruleConfidence(text, lowered)
	ruleVerdict := Verdict{Kind: Ignore, Confidence: 1 - conf}

	if conf >= threshold || !llmEnabled {
		return ruleVerdict
	}

	// 4. LLM fallback; any failure silently keeps the rule verdict.
	verdict := ruleVerdict
	_ = e.monitor.WithFallback("llm",
		func() error {
			start := time.Now()
			res, err := e.llm.Classify(ctx, text, recent)
			e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				return err
			}
			verdict = mapLLMResult(res, sensitivity)
			return nil
		},
		func() error {
			e.monitor.Warn("llm", "llm_fallback")
			slog.Debug("llm unavailable, keeping rule verdict", "text_len", len(text))
			verdict = ruleVerdict
			return nil
		},
	)
	return verdict
}

// mapLLMResult converts an LLM judgment to a verdict via the
// sensitivity-adjusted confidence.
func mapLLMResult(res LLMResult, sensitivity float64) Verdict {
	adjusted := res.Confidence * sensitivity
	v := Verdict{UsedLLM: true, Reason: res.Reason}
	switch {
	case adjusted >= 0.8:
		v.Kind = Definitely
		v.Confidence = adjusted
	case adjusted >= 0.5:
		v.Kind = Probably
		v.Confidence = adjusted
	default:
		v.Kind = Ignore
		v.Confidence = 1 - adjusted
	}
	return v
}

// remember appends one final transcript to the bounded history.
func (e *Engine) remember(text string) {
	if text == "" {
		return
	}
	e.mu.Lock()
	e.history = append(e.history, text)
	if len(e.history) > contextSize {
		e.history = e.history[len(e.history)-contextSize:]
	}
	e.mu.Unlock()
}

// recentLocked returns the last promptContext entries. Caller holds e.mu.
func (e *Engine) recentLocked() []string {
	start := 0
	if len(e.history) > promptContext {
		start = len(e.history) - promptContext
	}
	out := make([]string, len(e.history)-start)
	copy(out, e.history[start:])
	return out
}

// AddKeyword registers a normalized attention keyword.
func (e *Engine) AddKeyword(k string) {
	k = strings.ToLower(strings.TrimSpace(k))
	if k == "" {
		return
	}
	e.mu.Lock()
	e.keywords[k] = struct{}{}
	e.mu.Unlock()
}

// RemoveKeyword deletes a keyword, reporting whether it existed.
func (e *Engine) RemoveKeyword(k string) bool {
	k = strings.ToLower(strings.TrimSpace(k))
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.keywords[k]
	delete(e.keywords, k)
	return ok
}

// SetKeywords replaces the keyword set (normalized, deduplicated).
func (e *Engine) SetKeywords(keywords []string) {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = struct{}{}
		}
	}
	e.mu.Lock()
	e.keywords = set
	e.mu.Unlock()
}

// Keywords returns the current keyword set.
func (e *Engine) Keywords() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.keywords))
	for k := range e.keywords {
		out = append(out, k)
	}
	return out
}

// SetUserName sets the listener's name for keyword and greeting matching.
func (e *Engine) SetUserName(name string) {
	e.mu.Lock()
	e.userName = strings.TrimSpace(name)
	e.mu.Unlock()
}

// AddQuestionPattern registers an extra lowercase substring treated as a
// question indicator.
func (e *Engine) AddQuestionPattern(p string) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return
	}
	e.mu.Lock()
	e.questionPatterns = append(e.questionPatterns, p)
	e.mu.Unlock()
}

// AddDirectAddressPattern registers an extra lowercase substring treated as
// direct address.
func (e *Engine) AddDirectAddressPattern(p string) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return
	}
	e.mu.Lock()
	e.addressPatterns = append(e.addressPatterns, p)
	e.mu.Unlock()
}

// SetUncertaintyThreshold sets the rule-confidence bar below which the LLM
// is consulted.
func (e *Engine) SetUncertaintyThreshold(v float64) {
	e.mu.Lock()
	e.uncertaintyThreshold = v
	e.mu.Unlock()
}

// EnableLLM turns the LLM fallback on.
func (e *Engine) EnableLLM() {
	e.mu.Lock()
	e.llmEnabled = true
	e.mu.Unlock()
}

// DisableLLM turns the LLM fallback off.
func (e *Engine) DisableLLM() {
	e.mu.Lock()
	e.llmEnabled = false
	e.mu.Unlock()
}

// SetLLM swaps the LLM client (nil disables consultation regardless of the
// enabled flag).
func (e *Engine) SetLLM(c LLMClient) {
	e.mu.Lock()
	e.llm = c
	e.mu.Unlock()
}
