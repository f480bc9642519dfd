package conversation

import (
	"encoding/json"
	"testing"
)

func TestAppendMessageTrimsHistory(t *testing.T) {
	s := NewStore("", 3)
	for i := 0; i < 5; i++ {
		s.AppendMessage("601", Message{Role: "guest", Content: string(rune('a' + i))})
	}
	h := s.History("601")
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].Content != "c" || h[2].Content != "e" {
		t.Errorf("history = %v, want last three messages", h)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := NewStore("", 0)
	s.AppendMessage("601", Message{Role: "guest", Content: "hi"})
	h := s.History("601")
	h[0].Content = "mutated"
	if s.History("601")[0].Content != "hi" {
		t.Error("History must return a copy")
	}
}

func TestLanguageDefaults(t *testing.T) {
	s := NewStore("", 0)
	if got := s.Language("never-seen"); got != "en" {
		t.Errorf("language = %q, want en default", got)
	}
	s.SetLanguage("601", "zh")
	if got := s.Language("601"); got != "zh" {
		t.Errorf("language = %q, want zh", got)
	}
}

func TestUnknownCounter(t *testing.T) {
	s := NewStore("", 0)
	if got := s.IncrementUnknown("601"); got != 1 {
		t.Errorf("first increment = %d", got)
	}
	if got := s.IncrementUnknown("601"); got != 2 {
		t.Errorf("second increment = %d", got)
	}
	s.ResetUnknown("601")
	if got := s.UnknownCount("601"); got != 0 {
		t.Errorf("count after reset = %d", got)
	}
}

func TestRepeatTracking(t *testing.T) {
	s := NewStore("", 0)

	if r := s.CheckRepeat("601", "wifi"); r.IsRepeat {
		t.Error("first occurrence must not be a repeat")
	}
	s.RecordIntent("601", "wifi")

	r := s.CheckRepeat("601", "wifi")
	if !r.IsRepeat || r.Count != 1 {
		t.Errorf("second occurrence = %+v, want repeat with count 1", r)
	}
	s.RecordIntent("601", "wifi")

	r = s.CheckRepeat("601", "wifi")
	if !r.IsRepeat || r.Count != 2 {
		t.Errorf("third occurrence = %+v, want repeat with count 2", r)
	}

	if got := s.LastIntent("601"); got != "wifi" {
		t.Errorf("last intent = %q, want wifi", got)
	}
	if got := s.LastIntent("never-seen"); got != "" {
		t.Errorf("last intent for unknown guest = %q, want empty", got)
	}

	// A different intent resets the streak.
	s.RecordIntent("601", "booking")
	if r := s.CheckRepeat("601", "wifi"); r.IsRepeat {
		t.Error("streak must reset after a different intent")
	}
	if r := s.CheckRepeat("601", "booking"); !r.IsRepeat || r.Count != 1 {
		t.Errorf("new streak = %+v", r)
	}
}

func TestFlowStateRoundTrip(t *testing.T) {
	s := NewStore("", 0)
	raw := json.RawMessage(`{"step":"ask_dates"}`)
	if err := s.SetBookingState("601", raw); err != nil {
		t.Fatal(err)
	}
	if got := s.BookingState("601"); string(got) != string(raw) {
		t.Errorf("booking state = %s", got)
	}
	if err := s.SetBookingState("601", nil); err != nil {
		t.Fatal(err)
	}
	if got := s.BookingState("601"); got != nil {
		t.Errorf("cleared booking state = %s", got)
	}
	if got := s.WorkflowState("601"); got != nil {
		t.Errorf("unset workflow state = %s", got)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir, 0)
	s.GetOrCreate("60123456789")
	s.SetPushName("60123456789", "Alex")
	s.SetLanguage("60123456789", "ms")
	s.AppendMessage("60123456789", Message{Role: "guest", Content: "hai"})
	s.RecordIntent("60123456789", "greeting")
	if err := s.Save("60123456789"); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(dir, 0)
	c := s2.GetOrCreate("60123456789")
	if c.PushName != "Alex" || c.Language != "ms" {
		t.Errorf("reloaded conversation = %+v", c)
	}
	if len(c.Messages) != 1 || c.Messages[0].Content != "hai" {
		t.Errorf("reloaded messages = %v", c.Messages)
	}
	if c.LastIntent != "greeting" || c.LastIntentCount != 1 {
		t.Errorf("reloaded intent tracking = %q/%d", c.LastIntent, c.LastIntentCount)
	}
}

func TestSaveUnknownPhoneIsNoop(t *testing.T) {
	s := NewStore(t.TempDir(), 0)
	if err := s.Save("never-seen"); err != nil {
		t.Fatal(err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename("+60 12/34"); got != "_60_12_34" {
		t.Errorf("sanitizeFilename = %q", got)
	}
}
