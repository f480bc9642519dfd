package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pelangilabs/concierge/internal/analytics"
	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/i18n"
)

// Router runs the per-message pipeline. All collaborators are injected;
// the Router itself holds no per-message state and is safe for concurrent
// ClassifyAndRoute calls on different messages.
type Router struct {
	cfg        ConfigProvider
	classifier Classifier
	kb         Knowledge
	templates  Templates
	transport  Transport
	convos     ConversationStore
	booking    BookingEngine
	workflows  WorkflowEngine
	escalator  Escalator
	events     EventSink
}

// Deps wires a Router.
type Deps struct {
	Config     ConfigProvider
	Classifier Classifier
	Knowledge  Knowledge
	Templates  Templates
	Transport  Transport
	Convos     ConversationStore
	Booking    BookingEngine
	Workflows  WorkflowEngine
	Escalator  Escalator
	Events     EventSink
}

func New(d Deps) *Router {
	return &Router{
		cfg:        d.Config,
		classifier: d.Classifier,
		kb:         d.Knowledge,
		templates:  d.Templates,
		transport:  d.Transport,
		convos:     d.Convos,
		booking:    d.Booking,
		workflows:  d.Workflows,
		escalator:  d.Escalator,
		events:     d.Events,
	}
}

// ClassifyAndRoute runs the full pipeline for one inbound message:
// availability gate, context preparation, ack scheduling, classification,
// confidence escalation, route resolution, and action dispatch. On success
// st.Response holds exactly one reply for the caller to send; on error no
// reply was chosen and the caller decides how to fail.
func (r *Router) ClassifyAndRoute(ctx context.Context, st *PipelineState) error {
	if st.ProcessText == "" {
		st.ProcessText = normalizeText(st.Text)
	}
	if st.Lang == "" {
		st.Lang = r.convos.Language(st.Phone)
	}

	if !r.classifier.Available() {
		slog.Warn("classifier backend unavailable, sending canned reply", "phone", st.Phone)
		st.Response = r.templates.Lookup(i18n.KeyUnavailable, st.Lang)
		return nil
	}

	history := r.convos.History(st.Phone)
	sum := r.kb.Summarize(history)
	st.Dev.KBFiles = r.kb.GuessTopics(st.ProcessText)
	systemPrompt := r.kb.BuildPrompt(st.Dev.KBFiles)

	// The ack fires only if classification is still running when the delay
	// elapses. A classification finishing at the same instant may race the
	// timer; at worst the guest sees one extra placeholder message.
	ack := r.scheduleAck(st)
	defer ack.Cancel()

	res, err := r.runRoutingMode(ctx, st, ack, sum.Messages, systemPrompt)
	if err != nil {
		return err
	}

	res, err = r.applySmartFallback(ctx, st, res, sum.Messages, systemPrompt)
	if err != nil {
		return err
	}
	ack.Cancel()

	route := r.resolveRoute(res)
	st.Dev.Model = res.Model
	st.Dev.ResponseTimeMS = res.ResponseTime
	st.Dev.RoutedAction = route.Action

	msgType := MessageTypeOf(st.ProcessText)
	st.Diary.Intent = res.Intent
	st.Diary.Action = route.Action
	st.Diary.MessageType = msgType
	st.Diary.Confidence = res.Confidence

	repeat := r.convos.CheckRepeat(st.Phone, res.Intent)
	r.convos.RecordIntent(st.Phone, res.Intent)
	r.updateConversationLanguage(st, res)

	r.events.Track(analytics.Event{
		Type:       analytics.EventIntentClassified,
		Phone:      st.Phone,
		Intent:     res.Intent,
		Action:     route.Action,
		Confidence: res.Confidence,
		Payload:    map[string]interface{}{"source": res.Source, "model": res.Model, "response_time_ms": res.ResponseTime},
	})

	if err := r.dispatch(ctx, st, res, route, msgType, repeat); err != nil {
		return err
	}

	slog.Info("message routed",
		"phone", st.Phone,
		"intent", res.Intent,
		"action", route.Action,
		"confidence", res.Confidence,
		"source", res.Source,
		"lang", st.Lang,
		"escalated", st.Diary.Escalated)

	r.events.RecordDiary(analytics.DiaryEntry{
		Phone:           st.Phone,
		Intent:          st.Diary.Intent,
		Action:          st.Diary.Action,
		MessageType:     st.Diary.MessageType,
		Confidence:      st.Diary.Confidence,
		Escalated:       st.Diary.Escalated,
		WorkflowStarted: st.Diary.WorkflowStarted,
		BookingStarted:  st.Diary.BookingStarted,
	})
	return nil
}

// resolveRoute decides the action for a classification result. A configured
// route for the intent always wins over whatever action the classifier
// suggested; an unmapped intent falls back to the classifier's suggestion,
// then to the LLM reply.
func (r *Router) resolveRoute(res *classify.Result) Route {
	if route, ok := r.cfg.Route(res.Intent); ok && route.Action != "" {
		return route
	}
	if res.Action != "" {
		return Route{Action: res.Action}
	}
	return Route{Action: ActionLLMReply}
}

// resolveReplyLanguage picks the language for the outgoing reply: the
// classifier's detected language when it is supported and confident enough,
// otherwise the stored conversation language.
func (r *Router) resolveReplyLanguage(res *classify.Result, convoLang string) string {
	d := res.DetectedLanguage
	if d != "" && d != classify.LangUnknown && classify.SupportedLanguage(d) &&
		res.Confidence >= r.cfg.ReplyLanguageThreshold() {
		return d
	}
	return convoLang
}

// updateConversationLanguage persists the detected language when it clears
// the stricter conversation threshold. Best effort; never fails the pipeline.
func (r *Router) updateConversationLanguage(st *PipelineState, res *classify.Result) {
	d := res.DetectedLanguage
	if d == "" || d == classify.LangUnknown || !classify.SupportedLanguage(d) {
		return
	}
	if res.Confidence < r.cfg.ConvoLanguageThreshold() {
		return
	}
	if d != st.Lang {
		slog.Debug("conversation language updated", "phone", st.Phone, "from", st.Lang, "to", d, "confidence", res.Confidence)
	}
	r.convos.SetLanguage(st.Phone, d)
	st.Lang = d
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
