package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Message is one turn in a guest conversation.
type Message struct {
	Role      string    `json:"role"` // "guest" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RepeatCheck reports whether a guest has repeated the same intent.
// Count is the number of consecutive prior occurrences of the intent,
// so Count=2 means the current message is the third in a row.
type RepeatCheck struct {
	IsRepeat bool `json:"isRepeat"`
	Count    int  `json:"count"`
}

// Conversation stores per-guest dialogue state keyed by phone number.
type Conversation struct {
	Phone    string    `json:"phone"`
	PushName string    `json:"pushName,omitempty"`
	Messages []Message `json:"messages"`
	Language string    `json:"language,omitempty"` // "en", "ms", "zh"
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	BookingState  json.RawMessage `json:"bookingState,omitempty"`
	WorkflowState json.RawMessage `json:"workflowState,omitempty"`

	UnknownCount    int    `json:"unknownCount,omitempty"`
	LastIntent      string `json:"lastIntent,omitempty"`
	LastIntentCount int    `json:"lastIntentCount,omitempty"` // consecutive occurrences of LastIntent
}

// Store handles conversation lifecycle, persistence, and lookup.
type Store struct {
	convos  map[string]*Conversation
	mu      sync.RWMutex
	storage string
	maxHist int
}

// NewStore creates a conversation store. storage may be empty for
// memory-only operation (tests). maxHistory bounds per-guest history
// (0 = default 50).
func NewStore(storage string, maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	s := &Store{
		convos:  make(map[string]*Conversation),
		storage: storage,
		maxHist: maxHistory,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		s.loadAll()
	}
	return s
}

// GetOrCreate returns an existing conversation or creates a new one.
func (s *Store) GetOrCreate(phone string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convos[phone]; ok {
		return c
	}
	c := &Conversation{
		Phone:    phone,
		Messages: []Message{},
		Language: "en",
		Created:  time.Now(),
		Updated:  time.Now(),
	}
	s.convos[phone] = c
	return c
}

// AppendMessage appends a message, trimming history to the configured bound.
func (s *Store) AppendMessage(phone string, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getLocked(phone)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	c.Messages = append(c.Messages, m)
	if len(c.Messages) > s.maxHist {
		c.Messages = c.Messages[len(c.Messages)-s.maxHist:]
	}
	c.Updated = time.Now()
}

// History returns a copy of the message history.
func (s *Store) History(phone string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[phone]
	if !ok {
		return nil
	}
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return msgs
}

// Language returns the stored conversation language ("en" if unknown guest).
func (s *Store) Language(phone string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convos[phone]; ok && c.Language != "" {
		return c.Language
	}
	return "en"
}

// SetLanguage updates the stored conversation language.
func (s *Store) SetLanguage(phone, lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	c.Language = lang
	c.Updated = time.Now()
}

// SetPushName records the guest's WhatsApp display name.
func (s *Store) SetPushName(phone, name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	c.PushName = name
}

// SetBookingState stores the serialized booking-flow state.
func (s *Store) SetBookingState(phone string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	c.BookingState = state
	c.Updated = time.Now()
	return nil
}

// SetWorkflowState stores the serialized workflow state.
func (s *Store) SetWorkflowState(phone string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	c.WorkflowState = state
	c.Updated = time.Now()
	return nil
}

// BookingState returns the serialized booking-flow state, nil when absent.
func (s *Store) BookingState(phone string) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convos[phone]; ok {
		return c.BookingState
	}
	return nil
}

// WorkflowState returns the serialized workflow state, nil when absent.
func (s *Store) WorkflowState(phone string) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convos[phone]; ok {
		return c.WorkflowState
	}
	return nil
}

// IncrementUnknown bumps the unknown-intent counter and returns the new value.
func (s *Store) IncrementUnknown(phone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	c.UnknownCount++
	return c.UnknownCount
}

// ResetUnknown clears the unknown-intent counter.
func (s *Store) ResetUnknown(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	c.UnknownCount = 0
}

// UnknownCount returns the current unknown-intent counter.
func (s *Store) UnknownCount(phone string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convos[phone]; ok {
		return c.UnknownCount
	}
	return 0
}

// CheckRepeat reports whether intent matches the guest's last intent and
// how many consecutive times it has already occurred.
func (s *Store) CheckRepeat(phone, intent string) RepeatCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[phone]
	if !ok || c.LastIntent == "" || c.LastIntent != intent {
		return RepeatCheck{}
	}
	return RepeatCheck{IsRepeat: true, Count: c.LastIntentCount}
}

// LastIntent returns the guest's most recently recorded intent, "" when none.
func (s *Store) LastIntent(phone string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convos[phone]; ok {
		return c.LastIntent
	}
	return ""
}

// RecordIntent updates the last-intent tracking after classification.
func (s *Store) RecordIntent(phone, intent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(phone)
	if c.LastIntent == intent {
		c.LastIntentCount++
	} else {
		c.LastIntent = intent
		c.LastIntentCount = 1
	}
	c.Updated = time.Now()
}

func (s *Store) getLocked(phone string) *Conversation {
	c, ok := s.convos[phone]
	if !ok {
		c = &Conversation{
			Phone:    phone,
			Messages: []Message{},
			Language: "en",
			Created:  time.Now(),
		}
		s.convos[phone] = c
	}
	return c
}

// Save persists a conversation to disk atomically.
func (s *Store) Save(phone string) error {
	if s.storage == "" {
		return nil
	}

	s.mu.RLock()
	c, ok := s.convos[phone]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *c
	snapshot.Messages = make([]Message, len(c.Messages))
	copy(snapshot.Messages, c.Messages)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.storage, sanitizeFilename(phone)+".json")

	// Atomic write: temp file → rename
	tmp, err := os.CreateTemp(s.storage, "convo-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) loadAll() {
	files, err := os.ReadDir(s.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.storage, f.Name()))
		if err != nil {
			continue
		}
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		s.convos[c.Phone] = &c
	}
}

func sanitizeFilename(phone string) string {
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, phone)
}
