package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pelangilabs/concierge/internal/i18n"
)

// ackTimer is a cancellable delayed acknowledgement. If classification is
// still running when the delay elapses, the guest gets a typing indicator
// and a localized placeholder so the silence does not read as being ignored.
type ackTimer struct {
	timer *time.Timer
	once  sync.Once
	fired chan struct{}
}

// scheduleAck arms the acknowledgement timer for the message. Cancel is
// idempotent. Cancelling does not wait for an in-flight ack send; a timer
// that has already fired delivers the placeholder regardless.
func (r *Router) scheduleAck(st *PipelineState) *ackTimer {
	a := &ackTimer{fired: make(chan struct{})}
	delay := r.cfg.AckDelay()
	if delay <= 0 {
		return a
	}

	phone, lang, instanceID := st.Phone, st.Lang, st.Msg.InstanceID
	a.timer = time.AfterFunc(delay, func() {
		defer close(a.fired)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.transport.SendTyping(ctx, phone, instanceID); err != nil {
			slog.Debug("ack typing indicator failed", "phone", phone, "error", err)
		}
		text := r.templates.Lookup(i18n.KeyThinking, lang)
		if text == "" {
			return
		}
		if err := r.transport.SendMessage(ctx, phone, text, instanceID); err != nil {
			slog.Warn("ack placeholder send failed", "phone", phone, "error", err)
			return
		}
		slog.Debug("ack placeholder sent", "phone", phone, "lang", lang)
	})
	return a
}

// Cancel stops the timer if it has not fired yet.
func (a *ackTimer) Cancel() {
	a.once.Do(func() {
		if a.timer != nil {
			a.timer.Stop()
		}
	})
}
