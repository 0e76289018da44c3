package attention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LLMResult is the model's judgment about one transcript.
type LLMResult struct {
	Directed   bool    `json:"directed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// LLMClient asks an external model whether speech is directed at the
// listener. recent carries up to the last few final transcripts for context.
type LLMClient interface {
	Classify(ctx context.Context, text string, recent []string) (LLMResult, error)
}

// DefaultLLMTimeout bounds one model call.
const DefaultLLMTimeout = 10 * time.Second

// OllamaClient implements LLMClient against an Ollama-style /api/generate
// endpoint.
type OllamaClient struct {
	endpoint string
	model    string
	http     *http.Client
}

// NewOllamaClient creates a client for the given endpoint and model.
func NewOllamaClient(endpoint, model string) *OllamaClient {
	return &OllamaClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		http:     &http.Client{Timeout: DefaultLLMTimeout},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Classify sends the transcript plus recent context and parses the model's
// JSON judgment out of the response text.
func (c *OllamaClient) Classify(ctx context.Context, text string, recent []string) (LLMResult, error) {
	prompt := buildPrompt(text, recent)

	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: 0.1, NumPredict: 100},
	})
	if err != nil {
		return LLMResult{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return LLMResult{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return LLMResult{}, fmt.Errorf("llm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LLMResult{}, fmt.Errorf("llm: status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LLMResult{}, fmt.Errorf("llm: decode response: %w", err)
	}

	return ParseLLMResponse(out.Response), nil
}

func buildPrompt(text string, recent []string) string {
	var sb strings.Builder
	sb.WriteString("You observe speech near a person wearing headphones. Decide whether the last utterance is directed at them.\n")
	if len(recent) > 0 {
		sb.WriteString("Recent speech:\n")
		for _, r := range recent {
			sb.WriteString("- ")
			sb.WriteString(r)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Utterance: \"")
	sb.WriteString(text)
	sb.WriteString("\"\n")
	sb.WriteString(`Answer with only JSON: {"directed": true|false, "confidence": 0.0-1.0, "reason": "short explanation"}`)
	return sb.String()
}

var (
	jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)
	directedRe   = regexp.MustCompile(`"?directed"?\s*:\s*(true|false)`)
	confidenceRe = regexp.MustCompile(`"?confidence"?\s*:\s*([0-9.]+)`)
	reasonRe     = regexp.MustCompile(`"?reason"?\s*:\s*"([^"]*)"`)
)

// ParseLLMResponse extracts the judgment from the model's response text.
// Well-formed JSON is preferred; otherwise a permissive regex extraction
// runs. Unparseable responses yield a non-directed result with reason
// "could not parse".
func ParseLLMResponse(s string) LLMResult {
	if raw := jsonObjectRe.FindString(s); raw != "" {
		var res LLMResult
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			return clampLLM(res)
		}
	}

	if m := directedRe.FindStringSubmatch(s); m != nil {
		res := LLMResult{Directed: m[1] == "true"}
		if c := confidenceRe.FindStringSubmatch(s); c != nil {
			if f, err := strconv.ParseFloat(c[1], 64); err == nil {
				res.Confidence = f
			}
		}
		if r := reasonRe.FindStringSubmatch(s); r != nil {
			res.Reason = r[1]
		}
		return clampLLM(res)
	}

	return LLMResult{Reason: "could not parse"}
}

func clampLLM(r LLMResult) LLMResult {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r
}
