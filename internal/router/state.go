// Package router implements the conversational message router: per inbound
// WhatsApp message it classifies intent, applies confidence escalation, and
// dispatches to one of the business actions (static reply, booking flow,
// workflow, staff escalation, payment forwarding, LLM reply).
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pelangilabs/concierge/internal/analytics"
	"github.com/pelangilabs/concierge/internal/booking"
	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/conversation"
	"github.com/pelangilabs/concierge/internal/escalation"
	"github.com/pelangilabs/concierge/internal/kb"
	"github.com/pelangilabs/concierge/internal/workflow"
)

// Dispatchable actions. Unmatched actions fall through to the LLM reply.
const (
	ActionStaticReply    = "static_reply"
	ActionStartBooking   = "start_booking"
	ActionEscalate       = "escalate"
	ActionForwardPayment = "forward_payment"
	ActionWorkflow       = "workflow"
	ActionLLMReply       = "llm_reply"
	ActionReply          = "reply"
)

// isReplyAction reports whether an action needs generated reply text,
// which decides whether the fast tiers may skip the LLM entirely.
func isReplyAction(action string) bool {
	return action == ActionLLMReply || action == ActionReply
}

// Route maps an intent to a configured action.
type Route struct {
	Action     string `json:"action"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Envelope carries transport metadata for the inbound message.
type Envelope struct {
	InstanceID string
	PushName   string
}

// DiaryEvent is the per-message audit record built up through the pipeline.
type DiaryEvent struct {
	Intent          string
	Action          string
	MessageType     string
	Confidence      float64
	Escalated       bool
	WorkflowStarted bool
	BookingStarted  bool
}

// DevMetadata is the diagnostic record for one pipeline invocation.
type DevMetadata struct {
	KBFiles        []string
	Source         string // which classification path ran, e.g. "fuzzy+llm-reply"
	Model          string
	ResponseTimeMS int64
	RoutedAction   string
}

// PipelineState is the mutable per-message context owned by the router for
// the duration of one ClassifyAndRoute invocation. The caller creates it,
// persists/sends Response afterwards, and discards it.
type PipelineState struct {
	Phone       string
	Text        string // raw message
	ProcessText string // normalized body
	Lang        string // resolved language tag: en|ms|zh
	Msg         Envelope
	Convo       *conversation.Conversation // not owned; mutated via store calls

	Diary DiaryEvent
	Dev   DevMetadata

	// Response is the output field, written exactly once by the dispatcher.
	Response string
}

// Classifier is the classification backend contract (classify.Engine).
type Classifier interface {
	Available() bool
	ClassifyMessageWithContext(ctx context.Context, text, lastIntent string) (*classify.Result, error)
	ClassifyOnly(ctx context.Context, text, systemPrompt string, history []conversation.Message) (*classify.Result, error)
	GenerateReplyOnly(ctx context.Context, text, category, systemPrompt, timeContext string, history []conversation.Message) (*classify.Result, error)
	ClassifyAndRespond(ctx context.Context, text, systemPrompt string, history []conversation.Message) (*classify.Result, error)
	ClassifyAndRespondWithSmartFallback(ctx context.Context, text, systemPrompt string, history []conversation.Message) (*classify.Result, error)
}

// Knowledge prepares the LLM context (kb.Knowledge).
type Knowledge interface {
	Summarize(history []conversation.Message) kb.SummaryResult
	GuessTopics(text string) []string
	BuildPrompt(files []string) string
}

// Templates resolves localized text (i18n.Catalog).
type Templates interface {
	Lookup(key, lang string) string
	StaticReply(intent, lang string) (string, bool)
}

// Transport sends outbound WhatsApp messages (bridge.Client).
type Transport interface {
	SendMessage(ctx context.Context, to, text, instanceID string) error
	SendTyping(ctx context.Context, phone, instanceID string) error
}

// ConversationStore is the per-guest state contract (conversation.Store).
type ConversationStore interface {
	History(phone string) []conversation.Message
	Language(phone string) string
	SetLanguage(phone, lang string)
	SetBookingState(phone string, state json.RawMessage) error
	SetWorkflowState(phone string, state json.RawMessage) error
	IncrementUnknown(phone string) int
	ResetUnknown(phone string)
	CheckRepeat(phone, intent string) conversation.RepeatCheck
	RecordIntent(phone, intent string)
	LastIntent(phone string) string
}

// BookingEngine starts and advances the booking flow (booking.Engine).
type BookingEngine interface {
	CreateState() *booking.State
	HandleStep(ctx context.Context, st *booking.State, text, lang string, history []conversation.Message) (*booking.StepResult, error)
}

// WorkflowEngine runs configured workflows (workflow.Engine).
type WorkflowEngine interface {
	CreateState(id string) (*workflow.State, error)
	ExecuteStep(ctx context.Context, st *workflow.State, in workflow.StepInput) (*workflow.StepResult, error)
	ForwardSummary(ctx context.Context, workflowID, summary, instanceID string) error
}

// Escalator notifies staff (escalation.Notifier).
type Escalator interface {
	ShouldEscalate(ctx context.Context, unknownCount int) string
	EscalateToStaff(ctx context.Context, n escalation.Notice) error
}

// EventSink records fire-and-forget analytics (analytics.Collector).
// Implementations must never block or fail.
type EventSink interface {
	Track(ev analytics.Event)
	RecordDiary(d analytics.DiaryEntry)
}

// ConfigProvider exposes the runtime routing configuration. Accessors are
// synchronous and safe for concurrent use; implementations may hot-reload
// behind them.
type ConfigProvider interface {
	TieredPipeline() bool
	SplitModel() bool

	// ConfidenceThreshold gates layer-2 smart-fallback escalation (default 0.80).
	ConfidenceThreshold() float64
	// LowConfidenceThreshold gates unknown-intent counting in llm_reply (default 0.40).
	LowConfidenceThreshold() float64
	// ReplyLanguageThreshold lets a detected language pick the reply language (default 0.70).
	ReplyLanguageThreshold() float64
	// ConvoLanguageThreshold lets a detected language overwrite the stored
	// conversation language (default 0.80). Deliberately independent of
	// ReplyLanguageThreshold.
	ConvoLanguageThreshold() float64

	AckDelay() time.Duration
	Route(intent string) (Route, bool)
	TimeSensitive(intent string) bool
	PaymentRecipient() string
}
