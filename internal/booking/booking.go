// Package booking implements the guest booking flow: a small step machine
// that collects a name and stay dates, then confirms. One step executes per
// inbound message; state is serialized into the conversation store between
// steps.
package booking

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/pelangilabs/concierge/internal/conversation"
)

// Step identifiers.
const (
	StepAskName  = "ask_name"
	StepAskDates = "ask_dates"
	StepConfirm  = "confirm"
	StepDone     = "done"
)

// State is the booking flow state persisted between messages.
type State struct {
	Step     string    `json:"step"`
	Name     string    `json:"name,omitempty"`
	CheckIn  string    `json:"checkIn,omitempty"`
	CheckOut string    `json:"checkOut,omitempty"`
	Nights   int       `json:"nights,omitempty"`
	Created  time.Time `json:"created"`
}

// StepResult is the outcome of executing one booking step.
type StepResult struct {
	NewState *State
	Response string
	Done     bool
}

// Engine drives the booking step machine.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// CreateState returns a fresh booking state at the first step.
func (e *Engine) CreateState() *State {
	return &State{Step: StepAskName, Created: time.Now()}
}

var prompts = map[string]map[string]string{
	StepAskName: {
		"en": "Great, let's get you booked in! What name should the booking be under?",
		"ms": "Baik, mari kita buat tempahan! Atas nama siapa tempahan ini?",
		"zh": "好的，我们来预订！请问预订人的姓名是？",
	},
	StepAskDates: {
		"en": "Thanks %s! What dates would you like to stay? (e.g. 12/9 to 14/9)",
		"ms": "Terima kasih %s! Tarikh menginap anda? (cth. 12/9 hingga 14/9)",
		"zh": "谢谢%s！请问入住日期是？（例如 12/9 至 14/9）",
	},
	StepConfirm: {
		"en": "Booking for %s, %s to %s. Reply YES to confirm.",
		"ms": "Tempahan untuk %s, %s hingga %s. Balas YA untuk sahkan.",
		"zh": "%s 的预订，%s 至 %s。回复“是”以确认。",
	},
	StepDone: {
		"en": "All set! Your booking request has been recorded. Our staff will confirm your capsule shortly.",
		"ms": "Selesai! Permintaan tempahan anda telah direkodkan. Kakitangan kami akan mengesahkan kapsul anda sebentar lagi.",
		"zh": "完成！您的预订请求已记录，工作人员会尽快确认您的舱位。",
	},
	promptCancelled: {
		"en": "No problem, I've cancelled this booking request. Message us anytime to start again.",
		"ms": "Tiada masalah, permintaan tempahan ini telah dibatalkan. Hubungi kami bila-bila masa untuk mula semula.",
		"zh": "没问题，此预订请求已取消。随时联系我们重新预订。",
	},
}

// promptCancelled keys the cancellation text; not a step the flow can sit in.
const promptCancelled = "cancelled"

var yesWords = []string{"yes", "yeah", "yep", "y", "ok", "okay", "confirm", "ya", "sahkan", "是", "好", "确认"}
var noWords = []string{"no", "nope", "n", "cancel", "tak", "tidak", "batal", "不", "否", "取消"}

// containsWord matches whole tokens for latin words and substrings for CJK
// words, which carry no token boundaries.
func containsWord(text string, words []string) bool {
	lower := strings.ToLower(text)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if w[0] >= 0x80 {
			if strings.Contains(lower, w) {
				return true
			}
			continue
		}
		for _, tok := range tokens {
			if tok == w {
				return true
			}
		}
	}
	return false
}

func prompt(step, lang string, args ...interface{}) string {
	langs := prompts[step]
	t, ok := langs[lang]
	if !ok {
		t = langs["en"]
	}
	if len(args) == 0 {
		return t
	}
	return fmt.Sprintf(t, args...)
}

var dateRe = regexp.MustCompile(`\d{1,2}[/-]\d{1,2}(?:[/-]\d{2,4})?`)

// HandleStep executes one booking step with the guest's raw message text.
// It returns the prompt for the next step and the advanced state.
func (e *Engine) HandleStep(ctx context.Context, st *State, text, lang string, history []conversation.Message) (*StepResult, error) {
	if st == nil {
		return nil, fmt.Errorf("booking: nil state")
	}

	next := *st
	switch st.Step {
	case StepAskName:
		// First invocation: the triggering message is the booking request
		// itself, not an answer. Just ask for the name.
		next.Step = StepAskDates
		return &StepResult{NewState: &next, Response: prompt(StepAskName, lang)}, nil

	case StepAskDates:
		name := strings.TrimSpace(text)
		if name == "" {
			return &StepResult{NewState: st, Response: prompt(StepAskName, lang)}, nil
		}
		next.Name = name
		next.Step = StepConfirm
		return &StepResult{NewState: &next, Response: prompt(StepAskDates, lang, name)}, nil

	case StepConfirm:
		dates := dateRe.FindAllString(text, 2)
		if len(dates) < 2 {
			return &StepResult{NewState: st, Response: prompt(StepAskDates, lang, st.Name)}, nil
		}
		next.CheckIn, next.CheckOut = dates[0], dates[1]
		next.Step = StepDone
		return &StepResult{NewState: &next, Response: prompt(StepConfirm, lang, st.Name, dates[0], dates[1])}, nil

	case StepDone:
		// Awaiting the guest's confirmation of the summary.
		switch {
		case containsWord(text, yesWords):
			return &StepResult{NewState: &next, Response: prompt(StepDone, lang), Done: true}, nil
		case containsWord(text, noWords):
			return &StepResult{NewState: &next, Response: prompt(promptCancelled, lang), Done: true}, nil
		default:
			return &StepResult{NewState: st, Response: prompt(StepConfirm, lang, st.Name, st.CheckIn, st.CheckOut)}, nil
		}

	default:
		return nil, fmt.Errorf("booking: unknown step %q", st.Step)
	}
}
