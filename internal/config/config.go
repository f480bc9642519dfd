// Package config holds the runtime configuration: routing table, pipeline
// thresholds, provider credentials, bridge endpoints, intent patterns,
// static replies, knowledge topics, and workflow definitions. The file
// format is JSON5; env vars overlay file values.
package config

import (
	"sync"
	"time"

	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/kb"
	"github.com/pelangilabs/concierge/internal/router"
	"github.com/pelangilabs/concierge/internal/workflow"
)

// Config is the root configuration.
type Config struct {
	Providers ProvidersConfig `json:"providers"`
	Bridge    BridgeConfig    `json:"bridge"`
	Routing   RoutingConfig   `json:"routing"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Storage   StorageConfig   `json:"storage"`
	Report    ReportConfig    `json:"report,omitempty"`

	Intents       []classify.IntentPattern     `json:"intents,omitempty"`
	StaticReplies map[string]map[string]string `json:"static_replies,omitempty"` // intent → lang → text
	Workflows     []workflow.Definition        `json:"workflows,omitempty"`

	mu sync.RWMutex
}

// ProvidersConfig configures the LLM backends.
type ProvidersConfig struct {
	OpenAI   ProviderConfig `json:"openai"`
	Fallback ProviderConfig `json:"fallback,omitempty"` // layer-2 smart-fallback backend
}

// ProviderConfig is one OpenAI-compatible backend.
// APIKey is NEVER read from the config file, env only.
type ProviderConfig struct {
	APIKey        string `json:"-"` // from env CONCIERGE_OPENAI_API_KEY / CONCIERGE_FALLBACK_API_KEY only
	APIBase       string `json:"api_base,omitempty"`
	Model         string `json:"model,omitempty"`
	ClassifyModel string `json:"classify_model,omitempty"` // cheap model for split-model mode
}

// BridgeConfig configures the WhatsApp bridge connection.
type BridgeConfig struct {
	URL              string `json:"url"`         // websocket endpoint, e.g. ws://localhost:8765/ws
	Token            string `json:"-"`           // from env CONCIERGE_BRIDGE_TOKEN only
	InstanceID       string `json:"instance_id"` // default WhatsApp instance
	StaffPhone       string `json:"staff_phone"`
	PaymentRecipient string `json:"payment_recipient,omitempty"`
	RateLimitRPM     int    `json:"rate_limit_rpm,omitempty"` // outbound per-phone messages per minute
}

// RoutingConfig configures the message pipeline.
type RoutingConfig struct {
	TieredPipeline bool `json:"tiered_pipeline"`
	SplitModel     bool `json:"split_model"`

	ConfidenceThreshold    float64 `json:"confidence_threshold,omitempty"`     // layer-2 escalation gate
	LowConfidenceThreshold float64 `json:"low_confidence_threshold,omitempty"` // unknown-intent counting gate
	ReplyLanguageThreshold float64 `json:"reply_language_threshold,omitempty"`
	ConvoLanguageThreshold float64 `json:"convo_language_threshold,omitempty"`

	AckDelayMS       int `json:"ack_delay_ms,omitempty"`
	UnknownThreshold int `json:"unknown_threshold,omitempty"` // unknown count that triggers escalation

	Routes               map[string]router.Route `json:"routes,omitempty"` // intent → action
	TimeSensitiveIntents []string                `json:"time_sensitive_intents,omitempty"`
}

// KnowledgeConfig configures the knowledge base used for LLM prompts.
type KnowledgeConfig struct {
	Dir              string     `json:"dir,omitempty"`
	BasePrompt       string     `json:"base_prompt,omitempty"`
	Topics           []kb.Topic `json:"topics,omitempty"`
	SummaryKeepTurns int        `json:"summary_keep_turns,omitempty"`
}

// StorageConfig configures persistence.
// PostgresDSN is env-only (secret); when set, conversations live in Postgres
// instead of the file store.
type StorageConfig struct {
	Dir           string `json:"dir,omitempty"`            // conversation file store
	AnalyticsPath string `json:"analytics_path,omitempty"` // sqlite file
	PostgresDSN   string `json:"-"`                        // from env CONCIERGE_POSTGRES_DSN only
	MaxHistory    int    `json:"max_history,omitempty"`
}

// ReportConfig configures the daily staff report.
type ReportConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron expression, default "0 8 * * *"
}

// Accessors below implement router.ConfigProvider. They read under the
// config lock so a hot reload never tears a value.

func (c *Config) TieredPipeline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing.TieredPipeline
}

func (c *Config) SplitModel() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing.SplitModel
}

func (c *Config) ConfidenceThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing.ConfidenceThreshold
}

func (c *Config) LowConfidenceThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing.LowConfidenceThreshold
}

func (c *Config) ReplyLanguageThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing.ReplyLanguageThreshold
}

func (c *Config) ConvoLanguageThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing.ConvoLanguageThreshold
}

func (c *Config) AckDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Routing.AckDelayMS) * time.Millisecond
}

func (c *Config) Route(intent string) (router.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.Routing.Routes[intent]
	return r, ok
}

func (c *Config) TimeSensitive(intent string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.Routing.TimeSensitiveIntents {
		if t == intent {
			return true
		}
	}
	return false
}

func (c *Config) PaymentRecipient() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bridge.PaymentRecipient
}

// IntentNames lists configured intents for the classification prompt.
func (c *Config) IntentNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Intents))
	for _, p := range c.Intents {
		names = append(names, p.Intent)
	}
	return names
}

// replaceFrom swaps the reloadable sections in place (hot reload).
// Provider credentials and storage paths need a restart and are kept.
func (c *Config) replaceFrom(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Routing = fresh.Routing
	c.Knowledge = fresh.Knowledge
	c.Intents = fresh.Intents
	c.StaticReplies = fresh.StaticReplies
	c.Workflows = fresh.Workflows
	c.Report = fresh.Report
}
