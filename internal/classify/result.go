// Package classify provides message intent classification for the concierge
// pipeline: cheap fast tiers (regex, fuzzy keyword, semantic similarity) and
// LLM-backed classify/reply calls, all producing the same Result shape so
// confidences are comparable across backends.
package classify

// Tier source identifiers.
const (
	SourceRegex    = "regex"
	SourceFuzzy    = "fuzzy"
	SourceSemantic = "semantic"
	SourceLLM      = "llm"
	SourceNone     = "none"
)

// Result is the common output of every classification backend.
// Confidence is always on a 0–1 scale regardless of backend.
type Result struct {
	Intent           string  `json:"intent"`
	Action           string  `json:"action,omitempty"` // backend's suggested action
	Response         string  `json:"response,omitempty"`
	Confidence       float64 `json:"confidence"`
	Model            string  `json:"model,omitempty"`
	ResponseTime     int64   `json:"responseTime"` // milliseconds
	DetectedLanguage string  `json:"detectedLanguage,omitempty"`
	Source           string  `json:"source,omitempty"` // Source* constants
}
