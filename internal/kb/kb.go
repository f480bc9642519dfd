// Package kb assembles the per-message LLM context: a bounded summary of
// prior turns plus a system prompt built from knowledge-base topic files
// matching the guest's message.
package kb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelangilabs/concierge/internal/conversation"
)

// SummaryResult is the outcome of bounding a conversation history.
type SummaryResult struct {
	Messages      []conversation.Message
	WasSummarized bool
	OriginalCount int
	ReducedCount  int
}

// Topic maps keywords to a knowledge-base file.
type Topic struct {
	File     string   `json:"file"`
	Keywords []string `json:"keywords"`
}

// Knowledge prepares conversational context for classification calls.
type Knowledge struct {
	dir        string
	basePrompt string
	topics     []Topic
	keepTurns  int // turns kept verbatim when summarizing
}

// New creates a Knowledge helper. dir is the knowledge-base directory
// (topic snippet files); keepTurns bounds the summarized history
// (0 = default 6).
func New(dir, basePrompt string, topics []Topic, keepTurns int) *Knowledge {
	if keepTurns <= 0 {
		keepTurns = 6
	}
	return &Knowledge{dir: dir, basePrompt: basePrompt, topics: topics, keepTurns: keepTurns}
}

// Summarize bounds history to the last keepTurns messages, collapsing older
// turns into a single synthetic summary line. Deterministic for a given
// input, and never fails: the worst case is returning history unchanged.
func (k *Knowledge) Summarize(history []conversation.Message) SummaryResult {
	original := len(history)
	if original <= k.keepTurns {
		return SummaryResult{Messages: history, OriginalCount: original, ReducedCount: original}
	}

	older := history[:original-k.keepTurns]
	recent := history[original-k.keepTurns:]

	var topics []string
	seen := make(map[string]bool)
	for _, m := range older {
		if m.Role != "guest" && m.Role != "user" {
			continue
		}
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 60 {
			line = string(r[:60])
		}
		if !seen[line] {
			seen[line] = true
			topics = append(topics, line)
		}
	}
	if len(topics) > 5 {
		topics = topics[len(topics)-5:]
	}

	summary := conversation.Message{
		Role:    "assistant",
		Content: fmt.Sprintf("[Earlier in this conversation the guest asked about: %s]", strings.Join(topics, "; ")),
	}

	out := make([]conversation.Message, 0, len(recent)+1)
	out = append(out, summary)
	out = append(out, recent...)

	slog.Debug("history summarized",
		"original", original,
		"reduced", len(out),
		"ratio", fmt.Sprintf("%.2f", float64(len(out))/float64(original)),
	)

	return SummaryResult{
		Messages:      out,
		WasSummarized: true,
		OriginalCount: original,
		ReducedCount:  len(out),
	}
}

// GuessTopics returns the knowledge-base filenames whose keywords appear in
// text, in stable (alphabetical) order.
func (k *Knowledge) GuessTopics(text string) []string {
	lower := strings.ToLower(text)
	var files []string
	for _, t := range k.topics {
		for _, kw := range t.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				files = append(files, t.File)
				break
			}
		}
	}
	sort.Strings(files)
	return files
}

// BuildPrompt assembles the system prompt: base prompt plus the contents of
// the selected topic files. Unreadable files are skipped with a log line;
// a missing snippet degrades the prompt, it doesn't fail the message.
func (k *Knowledge) BuildPrompt(files []string) string {
	var b strings.Builder
	b.WriteString(k.basePrompt)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(k.dir, filepath.Base(f)))
		if err != nil {
			slog.Warn("kb: topic file unreadable, skipping", "file", f, "error", err)
			continue
		}
		b.WriteString("\n\n## ")
		b.WriteString(strings.TrimSuffix(filepath.Base(f), filepath.Ext(f)))
		b.WriteString("\n")
		b.Write(data)
	}
	return b.String()
}
