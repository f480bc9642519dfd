package classify

import (
	"context"
	"strings"
	"testing"

	"github.com/pelangilabs/concierge/internal/providers"
)

type scriptedProvider struct {
	name    string
	content string
	lastReq providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.lastReq = req
	return &providers.ChatResponse{Content: p.content}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }
func (p *scriptedProvider) Name() string         { return p.name }

func TestEngineAvailable(t *testing.T) {
	if (&Engine{}).Available() {
		t.Error("engine without provider must be unavailable")
	}
	e := NewEngine(EngineConfig{Provider: &scriptedProvider{}})
	if !e.Available() {
		t.Error("engine with provider must be available")
	}
}

func TestClassifyMessageWithContextNoMatch(t *testing.T) {
	ts, err := NewTierSet(testPatterns())
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(EngineConfig{Provider: &scriptedProvider{}, Tiers: ts})

	r, err := e.ClassifyMessageWithContext(context.Background(), "qqq zzz", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "unknown" || r.Source != SourceNone || r.Confidence != 0 {
		t.Errorf("no-match result = %+v", r)
	}
}

func TestClassifyMessageWithContextStickyBoost(t *testing.T) {
	ts, err := NewTierSet(testPatterns())
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(EngineConfig{Provider: &scriptedProvider{}, Tiers: ts})

	r, err := e.ClassifyMessageWithContext(context.Background(), "the wifi again?", "wifi")
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "wifi" {
		t.Fatalf("intent = %q", r.Intent)
	}
	if r.Confidence <= 0.70 || r.Confidence >= 0.75 {
		t.Errorf("confidence = %v, want 0.70 + 0.02 sticky boost", r.Confidence)
	}

	// A different previous intent earns no boost.
	r, err = e.ClassifyMessageWithContext(context.Background(), "the wifi again?", "breakfast")
	if err != nil {
		t.Fatal(err)
	}
	if r.Confidence <= 0.69 || r.Confidence >= 0.71 {
		t.Errorf("confidence = %v, want unboosted 0.70", r.Confidence)
	}
}

func TestClassifyAndRespondParsesPayload(t *testing.T) {
	p := &scriptedProvider{
		name:    "openai",
		content: "```json\n{\"intent\": \"wifi\", \"action\": \"static_reply\", \"response\": \"On the card.\", \"confidence\": 0.92, \"language\": \"en\"}\n```",
	}
	e := NewEngine(EngineConfig{Provider: p, Model: "gpt-4o-mini", Intents: []string{"wifi", "greeting"}})

	r, err := e.ClassifyAndRespond(context.Background(), "wifi?", "base prompt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "wifi" || r.Action != "static_reply" || r.Response != "On the card." {
		t.Errorf("result = %+v", r)
	}
	if r.Confidence != 0.92 || r.Source != SourceLLM || r.Model != "gpt-4o-mini" {
		t.Errorf("result meta = %+v", r)
	}

	system := p.lastReq.Messages[0]
	if system.Role != "system" || !strings.Contains(system.Content, "base prompt") {
		t.Errorf("system message = %+v", system)
	}
	if !strings.Contains(system.Content, "wifi, greeting") {
		t.Error("intent list missing from classification instructions")
	}
}

func TestUnstructuredResponseBecomesReplyText(t *testing.T) {
	p := &scriptedProvider{name: "openai", content: "Sure, the WiFi password is on your card!"}
	e := NewEngine(EngineConfig{Provider: p, Model: "m"})

	r, err := e.ClassifyAndRespond(context.Background(), "wifi?", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "unknown" || r.Confidence != 0.3 {
		t.Errorf("result = %+v", r)
	}
	if r.Response != "Sure, the WiFi password is on your card!" {
		t.Errorf("response = %q", r.Response)
	}
}

func TestSmartFallbackUsesFallbackProvider(t *testing.T) {
	primary := &scriptedProvider{name: "openai", content: `{"intent": "a", "confidence": 0.5}`}
	fb := &scriptedProvider{name: "fallback", content: `{"intent": "b", "confidence": 0.9}`}
	e := NewEngine(EngineConfig{Provider: primary, Fallback: fb, Model: "m", FallbackModel: "fm"})

	r, err := e.ClassifyAndRespondWithSmartFallback(context.Background(), "hm", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != "b" || r.Model != "fm" {
		t.Errorf("result = %+v", r)
	}
	if fb.lastReq.Model != "fm" {
		t.Errorf("fallback call model = %q", fb.lastReq.Model)
	}
	if primary.lastReq.Model != "" {
		t.Error("primary provider must not be called")
	}
}

func TestGenerateReplyOnlyInjectsTimeContext(t *testing.T) {
	p := &scriptedProvider{name: "openai", content: `{"intent": "checkin_time", "response": "From 2pm.", "confidence": 0.9}`}
	e := NewEngine(EngineConfig{Provider: p, Model: "m"})

	_, err := e.GenerateReplyOnly(context.Background(), "when can I check in", "checkin_time", "", "afternoon, Monday 15:00", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(p.lastReq.Messages[0].Content, "afternoon, Monday 15:00") {
		t.Error("time context missing from system message")
	}
}

func TestParsePayloadClampsConfidence(t *testing.T) {
	r := parsePayload(`{"intent": "x", "confidence": 1.7}`)
	if r.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", r.Confidence)
	}
	r = parsePayload(`{"intent": "x", "confidence": -0.2}`)
	if r.Confidence != 0 {
		t.Errorf("confidence = %v, want clamped to 0", r.Confidence)
	}
}
