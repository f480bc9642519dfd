package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"

	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/router"
)

// Default returns a Config with sensible defaults: the tiered pipeline on,
// the documented thresholds, and a starter routing table for the common
// hostel intents.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIBase: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
		},
		Bridge: BridgeConfig{
			URL:          "ws://localhost:8765/ws",
			InstanceID:   "default",
			RateLimitRPM: 20,
		},
		Routing: RoutingConfig{
			TieredPipeline:         true,
			ConfidenceThreshold:    0.80,
			LowConfidenceThreshold: 0.40,
			ReplyLanguageThreshold: 0.70,
			ConvoLanguageThreshold: 0.80,
			AckDelayMS:             3000,
			UnknownThreshold:       3,
			Routes: map[string]router.Route{
				"greeting":     {Action: router.ActionStaticReply},
				"wifi":         {Action: router.ActionStaticReply},
				"checkin_time": {Action: router.ActionStaticReply},
				"booking":      {Action: router.ActionStartBooking},
				"complaint":    {Action: router.ActionEscalate},
				"payment":      {Action: router.ActionForwardPayment},
			},
			TimeSensitiveIntents: []string{"checkin_time", "checkout_time", "breakfast"},
		},
		Knowledge: KnowledgeConfig{
			Dir:              "./kb",
			SummaryKeepTurns: 6,
		},
		Storage: StorageConfig{
			Dir:           "./data/conversations",
			AnalyticsPath: "./data/analytics.db",
			MaxHistory:    50,
		},
		Report: ReportConfig{
			Schedule: "0 8 * * *",
		},
		Intents: []classify.IntentPattern{
			{
				Intent:   "greeting",
				Keywords: []string{"hello", "hi", "hey", "good morning", "good evening", "halo", "你好"},
				Patterns: []string{`^(hi|hello|hey|yo)\b`},
			},
			{
				Intent:    "wifi",
				Keywords:  []string{"wifi", "wi-fi", "internet", "password"},
				Exemplars: []string{"what is the wifi password", "how do I connect to the internet"},
			},
			{
				Intent:    "checkin_time",
				Keywords:  []string{"check in", "check-in", "checkin", "arrive", "arrival"},
				Exemplars: []string{"what time can I check in", "when is check in"},
			},
			{
				Intent:    "booking",
				Keywords:  []string{"book", "booking", "reserve", "reservation", "capsule", "available"},
				Exemplars: []string{"I want to book a capsule", "do you have availability this weekend"},
			},
			{
				Intent:   "payment",
				Keywords: []string{"paid", "payment", "transfer", "transferred", "receipt", "bank in"},
			},
		},
		StaticReplies: map[string]map[string]string{
			"wifi": {
				"en": "Our WiFi network is PelangiGuest and the password is at your capsule's welcome card.",
				"ms": "Rangkaian WiFi kami ialah PelangiGuest dan kata laluan ada pada kad aluan di kapsul anda.",
				"zh": "我们的WiFi网络是PelangiGuest，密码在您舱位的欢迎卡上。",
			},
			"checkin_time": {
				"en": "Check-in is from 2:00 PM and check-out is by 12:00 noon.",
				"ms": "Daftar masuk bermula jam 2:00 petang dan daftar keluar sebelum 12:00 tengah hari.",
				"zh": "入住时间为下午2点起，退房时间为中午12点前。",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; the defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CONCIERGE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CONCIERGE_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("CONCIERGE_MODEL", &c.Providers.OpenAI.Model)
	envStr("CONCIERGE_CLASSIFY_MODEL", &c.Providers.OpenAI.ClassifyModel)

	envStr("CONCIERGE_FALLBACK_API_KEY", &c.Providers.Fallback.APIKey)
	envStr("CONCIERGE_FALLBACK_API_BASE", &c.Providers.Fallback.APIBase)
	envStr("CONCIERGE_FALLBACK_MODEL", &c.Providers.Fallback.Model)

	envStr("CONCIERGE_BRIDGE_URL", &c.Bridge.URL)
	envStr("CONCIERGE_BRIDGE_TOKEN", &c.Bridge.Token)
	envStr("CONCIERGE_INSTANCE_ID", &c.Bridge.InstanceID)
	envStr("CONCIERGE_STAFF_PHONE", &c.Bridge.StaffPhone)
	envStr("CONCIERGE_PAYMENT_RECIPIENT", &c.Bridge.PaymentRecipient)

	envStr("CONCIERGE_DATA_DIR", &c.Storage.Dir)
	envStr("CONCIERGE_ANALYTICS_PATH", &c.Storage.AnalyticsPath)
	envStr("CONCIERGE_POSTGRES_DSN", &c.Storage.PostgresDSN)

	envStr("CONCIERGE_KB_DIR", &c.Knowledge.Dir)

	if v := os.Getenv("CONCIERGE_ACK_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Routing.AckDelayMS = ms
		}
	}
	if v := os.Getenv("CONCIERGE_TIERED_PIPELINE"); v != "" {
		c.Routing.TieredPipeline = v == "true" || v == "1"
	}
	if v := os.Getenv("CONCIERGE_SPLIT_MODEL"); v != "" {
		c.Routing.SplitModel = v == "true" || v == "1"
	}
}
