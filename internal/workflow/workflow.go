// Package workflow executes config-defined multi-step guest workflows
// (late check-out requests, lost key reports, ...). Each inbound message
// advances the state by one step; a completed workflow produces a summary
// that can be forwarded to staff.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a workflow id has no definition.
var ErrNotFound = fmt.Errorf("workflow not found")

// ErrStaleState is returned when persisted state points past the end of the
// current definition (the workflow was shortened between messages).
var ErrStaleState = fmt.Errorf("workflow state out of range")

// StepDef is one step of a workflow definition.
type StepDef struct {
	ID     string            `json:"id"`
	Prompt map[string]string `json:"prompt"` // lang → text, "en" required
}

// Definition is a configured workflow.
type Definition struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Steps []StepDef `json:"steps"`
}

// State tracks a guest's progress through a workflow.
type State struct {
	WorkflowID string    `json:"workflowId"`
	StepIndex  int       `json:"stepIndex"`
	Answers    []string  `json:"answers,omitempty"`
	Started    time.Time `json:"started"`
}

// StepInput carries the per-message context into ExecuteStep.
type StepInput struct {
	Text       string
	Lang       string
	Phone      string
	PushName   string
	InstanceID string
}

// StepResult is the outcome of executing one workflow step.
type StepResult struct {
	NewState            *State // nil when the workflow completed
	Response            string
	ShouldForward       bool
	ConversationSummary string
	WorkflowID          string
	StepID              string
}

// Sender delivers workflow summaries to staff.
type Sender interface {
	SendMessage(ctx context.Context, to, text, instanceID string) error
}

// Engine executes configured workflows.
type Engine struct {
	defs       map[string]Definition
	sender     Sender
	staffPhone string
}

func NewEngine(defs []Definition, sender Sender, staffPhone string) *Engine {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &Engine{defs: m, sender: sender, staffPhone: staffPhone}
}

// CreateState initializes state for the given workflow id.
func (e *Engine) CreateState(id string) (*State, error) {
	if _, ok := e.defs[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return &State{WorkflowID: id, Started: time.Now()}, nil
}

// ExecuteStep records the guest's input for the current step and advances.
// When the last step is answered, NewState is nil and ShouldForward is set
// with a summary of all answers.
func (e *Engine) ExecuteStep(ctx context.Context, st *State, in StepInput) (*StepResult, error) {
	if st == nil {
		return nil, fmt.Errorf("workflow: nil state")
	}
	def, ok := e.defs[st.WorkflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, st.WorkflowID)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", def.ID)
	}
	// State persisted under an older definition can index past the current
	// step list after a config reload.
	if st.StepIndex < 0 || st.StepIndex >= len(def.Steps) {
		return nil, fmt.Errorf("%w: %q step %d of %d", ErrStaleState, def.ID, st.StepIndex, len(def.Steps))
	}

	// The first execution is triggered by the message that started the
	// workflow; it prompts for step 0 without recording an answer.
	if st.StepIndex == 0 && len(st.Answers) == 0 {
		step := def.Steps[0]
		next := *st
		return &StepResult{
			NewState:   &next,
			Response:   stepPrompt(step, in.Lang),
			WorkflowID: def.ID,
			StepID:     step.ID,
		}, nil
	}

	step := def.Steps[st.StepIndex]
	next := *st
	next.Answers = append(append([]string{}, st.Answers...), strings.TrimSpace(in.Text))
	next.StepIndex++

	if next.StepIndex >= len(def.Steps) {
		return &StepResult{
			Response:            doneText(in.Lang),
			ShouldForward:       true,
			ConversationSummary: e.summarize(def, next.Answers, in),
			WorkflowID:          def.ID,
			StepID:              step.ID,
		}, nil
	}

	nextStep := def.Steps[next.StepIndex]
	return &StepResult{
		NewState:   &next,
		Response:   stepPrompt(nextStep, in.Lang),
		WorkflowID: def.ID,
		StepID:     nextStep.ID,
	}, nil
}

// ForwardSummary sends a completed workflow summary to the staff recipient.
func (e *Engine) ForwardSummary(ctx context.Context, workflowID, summary, instanceID string) error {
	if e.sender == nil || e.staffPhone == "" {
		return fmt.Errorf("workflow: no staff recipient configured")
	}
	text := fmt.Sprintf("Workflow %s completed:\n%s", workflowID, summary)
	if err := e.sender.SendMessage(ctx, e.staffPhone, text, instanceID); err != nil {
		return fmt.Errorf("forward workflow summary: %w", err)
	}
	return nil
}

func (e *Engine) summarize(def Definition, answers []string, in StepInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: guest %s (%s)\n", def.Name, in.PushName, in.Phone)
	for i, a := range answers {
		stepID := fmt.Sprintf("step%d", i)
		if i < len(def.Steps) {
			stepID = def.Steps[i].ID
		}
		fmt.Fprintf(&b, "- %s: %s\n", stepID, a)
	}
	return b.String()
}

func stepPrompt(s StepDef, lang string) string {
	if t, ok := s.Prompt[lang]; ok && t != "" {
		return t
	}
	return s.Prompt["en"]
}

func doneText(lang string) string {
	switch lang {
	case "ms":
		return "Terima kasih! Permintaan anda telah dihantar kepada kakitangan kami."
	case "zh":
		return "谢谢！您的请求已转交给工作人员。"
	default:
		return "Thank you! Your request has been passed to our staff."
	}
}
