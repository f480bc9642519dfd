package booking

import (
	"context"
	"strings"
	"testing"
)

func TestBookingFlow(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	st := e.CreateState()
	if st.Step != StepAskName {
		t.Fatalf("initial step = %q", st.Step)
	}

	// The triggering message just gets the name prompt.
	r, err := e.HandleStep(ctx, st, "I want to book a capsule", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.NewState.Step != StepAskDates || !strings.Contains(r.Response, "name") {
		t.Fatalf("step 1 = %+v / %q", r.NewState, r.Response)
	}

	r, err = e.HandleStep(ctx, r.NewState, "Sarah Tan", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.NewState.Name != "Sarah Tan" || r.NewState.Step != StepConfirm {
		t.Fatalf("step 2 = %+v", r.NewState)
	}
	if !strings.Contains(r.Response, "Sarah Tan") {
		t.Errorf("dates prompt = %q", r.Response)
	}

	r, err = e.HandleStep(ctx, r.NewState, "12/9 to 14/9", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.NewState.CheckIn != "12/9" || r.NewState.CheckOut != "14/9" || r.NewState.Step != StepDone {
		t.Fatalf("step 3 = %+v", r.NewState)
	}

	r, err = e.HandleStep(ctx, r.NewState, "YES", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Done {
		t.Error("final step must report done")
	}
	if !strings.Contains(r.Response, "recorded") {
		t.Errorf("confirmation reply = %q", r.Response)
	}
}

func TestBookingDeclineCancels(t *testing.T) {
	e := NewEngine()
	st := &State{Step: StepDone, Name: "Sarah", CheckIn: "12/9", CheckOut: "14/9"}

	r, err := e.HandleStep(context.Background(), st, "no, wrong dates", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Done {
		t.Error("declined booking must end the flow")
	}
	if !strings.Contains(r.Response, "cancelled") {
		t.Errorf("decline reply = %q, want cancellation text", r.Response)
	}
	if strings.Contains(r.Response, "recorded") {
		t.Errorf("decline must not confirm the booking: %q", r.Response)
	}
}

func TestBookingAmbiguousConfirmationReprompts(t *testing.T) {
	e := NewEngine()
	st := &State{Step: StepDone, Name: "Sarah", CheckIn: "12/9", CheckOut: "14/9"}

	r, err := e.HandleStep(context.Background(), st, "hmm let me think", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Done {
		t.Error("ambiguous reply must not end the flow")
	}
	if r.NewState.Step != StepDone {
		t.Errorf("step = %q, must stay awaiting confirmation", r.NewState.Step)
	}
	if !strings.Contains(r.Response, "Sarah") || !strings.Contains(r.Response, "12/9") {
		t.Errorf("reprompt = %q, want booking summary again", r.Response)
	}
}

func TestBookingConfirmationWords(t *testing.T) {
	cases := []struct {
		text string
		done bool
		yes  bool
	}{
		{"YES", true, true},
		{"ok sure", true, true},
		{"ya boleh", true, true},
		{"是的", true, true},
		{"nope", true, false},
		{"tidak", true, false},
		{"不要", true, false},
		{"yesterday was fine", false, false}, // "yes" must match whole words only
	}

	e := NewEngine()
	for _, c := range cases {
		st := &State{Step: StepDone, Name: "Sarah", CheckIn: "12/9", CheckOut: "14/9"}
		r, err := e.HandleStep(context.Background(), st, c.text, "en", nil)
		if err != nil {
			t.Fatal(err)
		}
		if r.Done != c.done {
			t.Errorf("%q: done = %v, want %v", c.text, r.Done, c.done)
			continue
		}
		if c.done {
			confirmed := strings.Contains(r.Response, "recorded")
			if confirmed != c.yes {
				t.Errorf("%q: confirmed = %v, want %v (%q)", c.text, confirmed, c.yes, r.Response)
			}
		}
	}
}

func TestBookingInvalidDatesReprompts(t *testing.T) {
	e := NewEngine()
	st := &State{Step: StepConfirm, Name: "Sarah"}

	r, err := e.HandleStep(context.Background(), st, "next weekend sometime", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.NewState.Step != StepConfirm {
		t.Errorf("step advanced on invalid dates: %q", r.NewState.Step)
	}
	if !strings.Contains(r.Response, "Sarah") {
		t.Errorf("reprompt = %q", r.Response)
	}
}

func TestBookingEmptyNameReprompts(t *testing.T) {
	e := NewEngine()
	st := &State{Step: StepAskDates}

	r, err := e.HandleStep(context.Background(), st, "   ", "en", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.NewState.Step != StepAskDates {
		t.Errorf("step advanced on empty name: %q", r.NewState.Step)
	}
}

func TestBookingLocalizedPrompts(t *testing.T) {
	e := NewEngine()
	st := e.CreateState()

	r, err := e.HandleStep(context.Background(), st, "saya nak tempah", "ms", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Response, "tempahan") {
		t.Errorf("malay prompt = %q", r.Response)
	}

	// Unsupported language falls back to English.
	r, err = e.HandleStep(context.Background(), e.CreateState(), "book", "fr", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.Response, "name") {
		t.Errorf("fallback prompt = %q", r.Response)
	}
}

func TestBookingUnknownStep(t *testing.T) {
	e := NewEngine()
	if _, err := e.HandleStep(context.Background(), &State{Step: "bogus"}, "x", "en", nil); err == nil {
		t.Fatal("unknown step must error")
	}
	if _, err := e.HandleStep(context.Background(), nil, "x", "en", nil); err == nil {
		t.Fatal("nil state must error")
	}
}
