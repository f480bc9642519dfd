// Package escalation notifies hostel staff when a conversation needs a
// human: explicit complaints, repeated unanswerable messages, or repeated
// identical intents.
package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/pelangilabs/concierge/internal/conversation"
)

// Escalation reasons.
const (
	ReasonComplaint       = "complaint"
	ReasonUnknownRepeated = "unknown_repeated"
)

// Notice describes one escalation to staff.
type Notice struct {
	Phone           string
	PushName        string
	Reason          string
	OriginalMessage string
	InstanceID      string
	RecentMessages  []conversation.Message
}

// Sender delivers staff notifications.
type Sender interface {
	SendMessage(ctx context.Context, to, text, instanceID string) error
}

// Notifier implements the escalation collaborator contract.
type Notifier struct {
	sender           Sender
	staffPhone       string
	unknownThreshold int
}

// NewNotifier creates a Notifier. unknownThreshold is the unknown-intent
// count at which repeated low-confidence replies escalate (0 = default 3).
func NewNotifier(sender Sender, staffPhone string, unknownThreshold int) *Notifier {
	if unknownThreshold <= 0 {
		unknownThreshold = 3
	}
	return &Notifier{sender: sender, staffPhone: staffPhone, unknownThreshold: unknownThreshold}
}

// ShouldEscalate returns a reason when the unknown-intent counter warrants
// staff attention, or "" when it does not.
func (n *Notifier) ShouldEscalate(ctx context.Context, unknownCount int) string {
	if unknownCount >= n.unknownThreshold {
		return ReasonUnknownRepeated
	}
	return ""
}

// EscalateToStaff formats and sends a staff notification.
func (n *Notifier) EscalateToStaff(ctx context.Context, notice Notice) error {
	if n.sender == nil || n.staffPhone == "" {
		return fmt.Errorf("escalation: no staff recipient configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Guest needs attention (%s)\n", notice.Reason)
	fmt.Fprintf(&b, "From: %s (%s)\n", notice.PushName, notice.Phone)
	fmt.Fprintf(&b, "Message: %s\n", notice.OriginalMessage)

	if len(notice.RecentMessages) > 0 {
		b.WriteString("Recent conversation:\n")
		start := len(notice.RecentMessages) - 3
		if start < 0 {
			start = 0
		}
		for _, m := range notice.RecentMessages[start:] {
			content := m.Content
			if r := []rune(content); len(r) > 120 {
				content = string(r[:120]) + "…"
			}
			fmt.Fprintf(&b, "  %s: %s\n", m.Role, content)
		}
	}

	if err := n.sender.SendMessage(ctx, n.staffPhone, b.String(), notice.InstanceID); err != nil {
		return fmt.Errorf("escalate to staff: %w", err)
	}
	return nil
}
