package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pelangilabs/concierge/internal/analytics"
	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/conversation"
)

// runRoutingMode picks the classification strategy: the tiered pipeline when
// enabled, then split-model, then the single combined LLM call. The returned
// result always has Source set to the path that produced it.
func (r *Router) runRoutingMode(ctx context.Context, st *PipelineState, ack *ackTimer, history []conversation.Message, systemPrompt string) (*classify.Result, error) {
	switch {
	case r.cfg.TieredPipeline():
		return r.runTiered(ctx, st, ack, history, systemPrompt)
	case r.cfg.SplitModel():
		return r.runSplitModel(ctx, st, history, systemPrompt)
	default:
		res, err := r.classifier.ClassifyAndRespond(ctx, st.ProcessText, systemPrompt, history)
		if err != nil {
			return nil, err
		}
		res.Source = "llm"
		st.Dev.Source = res.Source
		return res, nil
	}
}

// runTiered tries the fast tiers first. A tier hit that routes to a
// non-reply action skips the LLM entirely; a hit that still needs reply
// text gets one from a reply-only call. No hit falls back to the full
// combined call.
func (r *Router) runTiered(ctx context.Context, st *PipelineState, ack *ackTimer, history []conversation.Message, systemPrompt string) (*classify.Result, error) {
	fast, err := r.classifier.ClassifyMessageWithContext(ctx, st.ProcessText, r.convos.LastIntent(st.Phone))
	if err != nil {
		return nil, err
	}

	if fast.Source != classify.SourceNone {
		route := r.resolveRoute(fast)
		if !isReplyAction(route.Action) {
			// The guest's reply is decided without an LLM call; the thinking
			// placeholder must not outlive the decision.
			ack.Cancel()
			st.Dev.Source = fast.Source
			slog.Debug("fast tier short-circuit", "intent", fast.Intent, "action", route.Action, "source", fast.Source)
			return fast, nil
		}

		reply, err := r.classifier.GenerateReplyOnly(ctx, st.ProcessText, fast.Intent, systemPrompt, r.timeContextFor(fast.Intent), history)
		if err != nil {
			return nil, err
		}
		// Intent and confidence come from the tier; only the text, model,
		// and detected language come from the reply call.
		fast.Response = reply.Response
		fast.Model = reply.Model
		fast.ResponseTime += reply.ResponseTime
		if reply.DetectedLanguage != "" {
			fast.DetectedLanguage = reply.DetectedLanguage
		}
		fast.Source = fast.Source + "+llm-reply"
		st.Dev.Source = fast.Source
		return fast, nil
	}

	res, err := r.classifier.ClassifyAndRespond(ctx, st.ProcessText, systemPrompt, history)
	if err != nil {
		return nil, err
	}
	res.Source = "tiered-llm-fallback"
	res.ResponseTime += fast.ResponseTime
	st.Dev.Source = res.Source
	return res, nil
}

// runSplitModel classifies with the cheap model first; only intents that
// route to a reply action pay for the main-model reply call.
func (r *Router) runSplitModel(ctx context.Context, st *PipelineState, history []conversation.Message, systemPrompt string) (*classify.Result, error) {
	cls, err := r.classifier.ClassifyOnly(ctx, st.ProcessText, systemPrompt, history)
	if err != nil {
		return nil, err
	}

	route := r.resolveRoute(cls)
	if !isReplyAction(route.Action) {
		cls.Source = "split-model-fast"
		st.Dev.Source = cls.Source
		return cls, nil
	}

	reply, err := r.classifier.GenerateReplyOnly(ctx, st.ProcessText, cls.Intent, systemPrompt, r.timeContextFor(cls.Intent), history)
	if err != nil {
		return nil, err
	}
	cls.Response = reply.Response
	cls.Model = fmt.Sprintf("%s → %s", cls.Model, reply.Model)
	cls.ResponseTime += reply.ResponseTime
	if reply.DetectedLanguage != "" {
		cls.DetectedLanguage = reply.DetectedLanguage
	}
	cls.Source = "split-model"
	st.Dev.Source = cls.Source
	return cls, nil
}

// applySmartFallback is the layer-2 confidence escalation: a result below
// the confidence threshold gets a second opinion from the fallback backend,
// which replaces the original only when strictly more confident. The
// pipeline confidence never decreases here.
func (r *Router) applySmartFallback(ctx context.Context, st *PipelineState, res *classify.Result, history []conversation.Message, systemPrompt string) (*classify.Result, error) {
	if res.Confidence >= r.cfg.ConfidenceThreshold() {
		return res, nil
	}
	// The backend can drop out mid-message; keep the layer-1 result then.
	if !r.classifier.Available() {
		slog.Warn("fallback backend unavailable, keeping layer-1 result",
			"intent", res.Intent, "confidence", res.Confidence)
		return res, nil
	}

	fb, err := r.classifier.ClassifyAndRespondWithSmartFallback(ctx, st.ProcessText, systemPrompt, history)
	if err != nil {
		return nil, err
	}

	r.events.Track(analytics.Event{
		Type:       analytics.EventIntentPrediction,
		Phone:      st.Phone,
		Intent:     res.Intent,
		Confidence: res.Confidence,
		Payload: map[string]interface{}{
			"fallback_intent":     fb.Intent,
			"fallback_confidence": fb.Confidence,
			"replaced":            fb.Confidence > res.Confidence,
		},
	})

	if fb.Confidence <= res.Confidence {
		slog.Debug("smart fallback kept original result",
			"intent", res.Intent, "confidence", res.Confidence, "fallback_confidence", fb.Confidence)
		res.ResponseTime += fb.ResponseTime
		return res, nil
	}

	slog.Debug("smart fallback replaced result",
		"intent", res.Intent, "confidence", res.Confidence,
		"new_intent", fb.Intent, "new_confidence", fb.Confidence)
	fb.ResponseTime += res.ResponseTime
	fb.Source = st.Dev.Source + "+layer2"
	st.Dev.Source = fb.Source
	return fb, nil
}

// timeContextFor returns the current-time prompt line for time-sensitive
// intents (check-in windows, breakfast hours), "" otherwise.
func (r *Router) timeContextFor(intent string) string {
	if !r.cfg.TimeSensitive(intent) {
		return ""
	}
	now := time.Now()
	return fmt.Sprintf("%s, %s %s", dayPart(now.Hour()), now.Weekday(), now.Format("15:04"))
}

func dayPart(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}
