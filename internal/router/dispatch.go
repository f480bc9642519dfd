package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pelangilabs/concierge/internal/analytics"
	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/conversation"
	"github.com/pelangilabs/concierge/internal/escalation"
	"github.com/pelangilabs/concierge/internal/i18n"
	"github.com/pelangilabs/concierge/internal/workflow"
)

// dispatch executes the resolved action. Every branch writes st.Response
// exactly once before returning nil.
func (r *Router) dispatch(ctx context.Context, st *PipelineState, res *classify.Result, route Route, msgType string, repeat conversation.RepeatCheck) error {
	switch route.Action {
	case ActionStaticReply:
		return r.dispatchStaticReply(ctx, st, res, msgType, repeat)
	case ActionStartBooking:
		return r.dispatchStartBooking(ctx, st, res)
	case ActionEscalate:
		return r.dispatchEscalate(ctx, st, res)
	case ActionForwardPayment:
		return r.dispatchForwardPayment(ctx, st, res)
	case ActionWorkflow:
		return r.dispatchWorkflow(ctx, st, res, route)
	default:
		return r.dispatchLLMReply(ctx, st, res)
	}
}

// staticRule decides side effects for a static reply. Rules are evaluated
// in order and the first match wins; the reply text is the same either way.
type staticRule struct {
	name           string
	match          func(msgType string, repeat conversation.RepeatCheck) bool
	escalateReason string
}

var staticReplyRules = []staticRule{
	{
		name: "complaint",
		match: func(msgType string, _ conversation.RepeatCheck) bool {
			return msgType == MessageTypeComplaint
		},
		escalateReason: escalation.ReasonComplaint,
	},
	{
		name: "problem",
		match: func(msgType string, _ conversation.RepeatCheck) bool {
			return msgType == MessageTypeProblem
		},
	},
	{
		name: "repeated",
		match: func(_ string, repeat conversation.RepeatCheck) bool {
			return repeat.IsRepeat && repeat.Count >= 2
		},
		escalateReason: escalation.ReasonUnknownRepeated,
	},
	{
		name: "repeated_once",
		match: func(_ string, repeat conversation.RepeatCheck) bool {
			return repeat.IsRepeat
		},
	},
}

func (r *Router) dispatchStaticReply(ctx context.Context, st *PipelineState, res *classify.Result, msgType string, repeat conversation.RepeatCheck) error {
	lang := r.resolveReplyLanguage(res, st.Lang)

	reply, ok := r.templates.StaticReply(res.Intent, lang)
	if !ok {
		slog.Warn("no static template for intent, falling back", "intent", res.Intent, "lang", lang)
		reply = res.Response
		if reply == "" {
			reply = r.templates.Lookup(i18n.KeyDefaultReply, lang)
		}
	}
	st.Response = reply
	r.convos.ResetUnknown(st.Phone)

	for _, rule := range staticReplyRules {
		if !rule.match(msgType, repeat) {
			continue
		}
		slog.Debug("static reply rule matched", "rule", rule.name, "intent", res.Intent, "repeat_count", repeat.Count)
		if rule.escalateReason != "" {
			return r.escalate(ctx, st, res, rule.escalateReason)
		}
		return nil
	}
	return nil
}

func (r *Router) dispatchStartBooking(ctx context.Context, st *PipelineState, res *classify.Result) error {
	lang := r.resolveReplyLanguage(res, st.Lang)

	bst := r.booking.CreateState()
	step, err := r.booking.HandleStep(ctx, bst, st.Text, lang, r.convos.History(st.Phone))
	if err != nil {
		return fmt.Errorf("start booking: %w", err)
	}

	raw, err := json.Marshal(step.NewState)
	if err != nil {
		return fmt.Errorf("marshal booking state: %w", err)
	}
	if err := r.convos.SetBookingState(st.Phone, raw); err != nil {
		return fmt.Errorf("persist booking state: %w", err)
	}

	st.Response = step.Response
	st.Diary.BookingStarted = true
	r.convos.ResetUnknown(st.Phone)
	r.events.Track(analytics.Event{
		Type:   analytics.EventBookingStarted,
		Phone:  st.Phone,
		Intent: res.Intent,
	})
	return nil
}

func (r *Router) dispatchEscalate(ctx context.Context, st *PipelineState, res *classify.Result) error {
	lang := r.resolveReplyLanguage(res, st.Lang)
	reply := res.Response
	if reply == "" {
		reply = r.templates.Lookup(i18n.KeyEscalated, lang)
	}
	st.Response = reply
	r.convos.ResetUnknown(st.Phone)
	return r.escalate(ctx, st, res, escalation.ReasonComplaint)
}

func (r *Router) dispatchForwardPayment(ctx context.Context, st *PipelineState, res *classify.Result) error {
	lang := r.resolveReplyLanguage(res, st.Lang)

	recipient := r.cfg.PaymentRecipient()
	if recipient == "" {
		slog.Warn("payment forward skipped, no recipient configured", "phone", st.Phone)
	} else {
		notif := fmt.Sprintf("💰 Payment notification from %s (%s):\n%s", st.Msg.PushName, st.Phone, st.Text)
		if err := r.transport.SendMessage(ctx, recipient, notif, st.Msg.InstanceID); err != nil {
			slog.Warn("payment forward failed", "phone", st.Phone, "error", err)
		}
	}

	reply := res.Response
	if reply == "" {
		reply = r.templates.Lookup(i18n.KeyPaymentAck, lang)
	}
	st.Response = reply
	r.convos.ResetUnknown(st.Phone)
	return nil
}

func (r *Router) dispatchWorkflow(ctx context.Context, st *PipelineState, res *classify.Result, route Route) error {
	if route.WorkflowID == "" {
		slog.Error("workflow route without workflow id, falling back to reply", "intent", res.Intent)
		return r.dispatchLLMReply(ctx, st, res)
	}

	wst, err := r.workflows.CreateState(route.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			slog.Error("configured workflow does not exist, falling back to reply",
				"workflow", route.WorkflowID, "intent", res.Intent)
			return r.dispatchLLMReply(ctx, st, res)
		}
		return fmt.Errorf("create workflow state: %w", err)
	}

	lang := r.resolveReplyLanguage(res, st.Lang)
	step, err := r.workflows.ExecuteStep(ctx, wst, workflow.StepInput{
		Text:       st.Text,
		Lang:       lang,
		Phone:      st.Phone,
		PushName:   st.Msg.PushName,
		InstanceID: st.Msg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("workflow %s step: %w", route.WorkflowID, err)
	}

	if step.ShouldForward {
		if err := r.workflows.ForwardSummary(ctx, step.WorkflowID, step.ConversationSummary, st.Msg.InstanceID); err != nil {
			slog.Warn("workflow summary forward failed", "workflow", step.WorkflowID, "error", err)
		}
		if err := r.convos.SetWorkflowState(st.Phone, nil); err != nil {
			return fmt.Errorf("clear workflow state: %w", err)
		}
	} else if step.NewState != nil {
		raw, err := json.Marshal(step.NewState)
		if err != nil {
			return fmt.Errorf("marshal workflow state: %w", err)
		}
		if err := r.convos.SetWorkflowState(st.Phone, raw); err != nil {
			return fmt.Errorf("persist workflow state: %w", err)
		}
	}

	st.Response = step.Response
	st.Diary.WorkflowStarted = true
	r.convos.ResetUnknown(st.Phone)
	r.events.Track(analytics.Event{
		Type:    analytics.EventWorkflowStarted,
		Phone:   st.Phone,
		Intent:  res.Intent,
		Payload: map[string]interface{}{"workflow": route.WorkflowID, "step": step.StepID},
	})
	return nil
}

// dispatchLLMReply is the default branch. Low-confidence results feed the
// unknown-intent counter, which escalates after repeated misses; anything
// confident enough resets it.
func (r *Router) dispatchLLMReply(ctx context.Context, st *PipelineState, res *classify.Result) error {
	reply := res.Response
	if reply == "" {
		lang := r.resolveReplyLanguage(res, st.Lang)
		slog.Warn("empty generated reply, using default template", "intent", res.Intent, "lang", lang)
		reply = r.templates.Lookup(i18n.KeyDefaultReply, lang)
	}
	st.Response = reply

	if res.Confidence < r.cfg.LowConfidenceThreshold() {
		count := r.convos.IncrementUnknown(st.Phone)
		if reason := r.escalator.ShouldEscalate(ctx, count); reason != "" {
			if err := r.escalate(ctx, st, res, reason); err != nil {
				return err
			}
			r.convos.ResetUnknown(st.Phone)
		}
		return nil
	}

	r.convos.ResetUnknown(st.Phone)
	return nil
}

// escalate notifies staff and records the escalation. A failed staff
// notification is a hard error: the guest's reply is already chosen, but
// the caller must know staff were not reached.
func (r *Router) escalate(ctx context.Context, st *PipelineState, res *classify.Result, reason string) error {
	err := r.escalator.EscalateToStaff(ctx, escalation.Notice{
		Phone:           st.Phone,
		PushName:        st.Msg.PushName,
		Reason:          reason,
		OriginalMessage: st.Text,
		InstanceID:      st.Msg.InstanceID,
		RecentMessages:  r.convos.History(st.Phone),
	})
	if err != nil {
		return fmt.Errorf("escalation (%s): %w", reason, err)
	}

	st.Diary.Escalated = true
	r.events.Track(analytics.Event{
		Type:    analytics.EventEscalation,
		Phone:   st.Phone,
		Intent:  res.Intent,
		Payload: map[string]interface{}{"reason": reason},
	})
	return nil
}
