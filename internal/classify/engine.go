package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pelangilabs/concierge/internal/conversation"
	"github.com/pelangilabs/concierge/internal/providers"
)

// Engine implements the LLM-backed classification call shapes plus the
// fast-tier context classifier. All calls return the common Result shape.
type Engine struct {
	provider providers.Provider
	fallback providers.Provider // smart-fallback backend; nil = reuse provider

	model         string // combined classify+respond model
	classifyModel string // cheap classify-only model (split-model mode)
	fallbackModel string // smart-fallback model

	mu      sync.RWMutex
	tiers   *TierSet
	intents []string // known intent names, listed in the classification prompt
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Provider      providers.Provider
	Fallback      providers.Provider
	Model         string
	ClassifyModel string
	FallbackModel string
	Tiers         *TierSet
	Intents       []string
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		provider:      cfg.Provider,
		fallback:      cfg.Fallback,
		model:         cfg.Model,
		classifyModel: cfg.ClassifyModel,
		fallbackModel: cfg.FallbackModel,
		tiers:         cfg.Tiers,
		intents:       cfg.Intents,
	}
	if e.fallback == nil {
		e.fallback = cfg.Provider
	}
	return e
}

// Available reports whether a response backend is configured.
func (e *Engine) Available() bool {
	return e.provider != nil
}

// ClassifyMessageWithContext runs the fast tiers against text. lastIntent is
// the guest's previously classified intent ("" when none yet).
// If no tier matches it returns a zero-confidence "unknown" result with
// Source "none"; the caller decides whether to fall back to the LLM.
func (e *Engine) ClassifyMessageWithContext(ctx context.Context, text, lastIntent string) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	tiers := e.tiers
	e.mu.RUnlock()
	if tiers != nil {
		if r, ok := tiers.Match(text); ok {
			r.ResponseTime = time.Since(start).Milliseconds()
			// Sticky context: a repeat of the guest's previous turn's intent
			// is slightly more believable.
			if lastIntent != "" && lastIntent == r.Intent && r.Confidence < 0.95 {
				r.Confidence += 0.02
			}
			return r, nil
		}
	}
	return &Result{
		Intent:           "unknown",
		Confidence:       0,
		Source:           SourceNone,
		ResponseTime:     time.Since(start).Milliseconds(),
		DetectedLanguage: DetectLanguage(text),
	}, nil
}

// ReplaceTiers swaps the fast-tier pattern set (config hot reload).
func (e *Engine) ReplaceTiers(tiers *TierSet, intents []string) {
	e.mu.Lock()
	e.tiers = tiers
	e.intents = intents
	e.mu.Unlock()
}

func (e *Engine) intentNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.intents
}

// ClassifyOnly runs a cheap LLM classification without generating a reply.
func (e *Engine) ClassifyOnly(ctx context.Context, text, systemPrompt string, history []conversation.Message) (*Result, error) {
	model := e.classifyModel
	if model == "" {
		model = e.model
	}
	return e.call(ctx, e.provider, model, classifyInstructions(e.intentNames(), false), systemPrompt, text, "", history)
}

// GenerateReplyOnly generates a reply for an already-classified message.
// category seeds the prompt; timeContext is injected for time-sensitive intents.
func (e *Engine) GenerateReplyOnly(ctx context.Context, text, category, systemPrompt, timeContext string, history []conversation.Message) (*Result, error) {
	instr := replyInstructions(category)
	return e.call(ctx, e.provider, e.model, instr, systemPrompt, text, timeContext, history)
}

// ClassifyAndRespond runs the combined classify+reply call.
func (e *Engine) ClassifyAndRespond(ctx context.Context, text, systemPrompt string, history []conversation.Message) (*Result, error) {
	return e.call(ctx, e.provider, e.model, classifyInstructions(e.intentNames(), true), systemPrompt, text, "", history)
}

// ClassifyAndRespondWithSmartFallback runs the combined call against the
// smart-fallback backend (layer-2 confidence escalation).
func (e *Engine) ClassifyAndRespondWithSmartFallback(ctx context.Context, text, systemPrompt string, history []conversation.Message) (*Result, error) {
	model := e.fallbackModel
	if model == "" {
		model = e.model
	}
	return e.call(ctx, e.fallback, model, classifyInstructions(e.intentNames(), true), systemPrompt, text, "", history)
}

func (e *Engine) call(ctx context.Context, p providers.Provider, model, instructions, systemPrompt, text, timeContext string, history []conversation.Message) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("classify: no provider configured")
	}

	system := systemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += instructions
	if timeContext != "" {
		system += "\n\nCurrent time context: " + timeContext
	}

	msgs := []providers.Message{{Role: "system", Content: system}}
	for _, m := range history {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, providers.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: text})

	start := time.Now()
	resp, err := p.Chat(ctx, providers.ChatRequest{
		Messages: msgs,
		Model:    model,
		Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %s call: %w", p.Name(), err)
	}
	elapsed := time.Since(start).Milliseconds()

	r := parsePayload(resp.Content)
	r.Model = model
	if r.Model == "" {
		r.Model = p.DefaultModel()
	}
	r.Source = SourceLLM
	r.ResponseTime = elapsed
	if r.DetectedLanguage == "" {
		r.DetectedLanguage = DetectLanguage(text)
	}
	return r, nil
}

// parsePayload extracts the structured classification from an LLM response.
// Tolerates markdown fences and leading prose; a response that is not valid
// JSON becomes a low-confidence unknown with the raw text as reply.
func parsePayload(content string) *Result {
	raw := strings.TrimSpace(content)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			var payload struct {
				Intent     string  `json:"intent"`
				Action     string  `json:"action"`
				Response   string  `json:"response"`
				Confidence float64 `json:"confidence"`
				Language   string  `json:"language"`
			}
			if err := json.Unmarshal([]byte(raw[i:j+1]), &payload); err == nil && payload.Intent != "" {
				return &Result{
					Intent:           payload.Intent,
					Action:           payload.Action,
					Response:         payload.Response,
					Confidence:       clamp01(payload.Confidence),
					DetectedLanguage: payload.Language,
				}
			}
		}
	}

	slog.Debug("classify: unstructured LLM response, treating as reply text", "len", len(raw))
	return &Result{
		Intent:     "unknown",
		Response:   raw,
		Confidence: 0.3,
	}
}

func classifyInstructions(intents []string, withReply bool) string {
	var b strings.Builder
	b.WriteString("Classify the guest's message into exactly one intent from this list: ")
	b.WriteString(strings.Join(intents, ", "))
	b.WriteString(".\nRespond with a single JSON object: ")
	if withReply {
		b.WriteString(`{"intent": "...", "action": "...", "response": "<your reply to the guest>", "confidence": 0.0-1.0, "language": "en|ms|zh"}`)
	} else {
		b.WriteString(`{"intent": "...", "action": "...", "confidence": 0.0-1.0, "language": "en|ms|zh"}`)
	}
	b.WriteString("\nNo other text.")
	return b.String()
}

func replyInstructions(category string) string {
	return fmt.Sprintf(
		"The guest's message has already been classified as %q. Write a short, helpful reply in the guest's language.\n"+
			`Respond with a single JSON object: {"intent": %q, "response": "<your reply>", "confidence": 0.0-1.0, "language": "en|ms|zh"}. No other text.`,
		category, category)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
