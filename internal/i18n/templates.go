// Package i18n provides localized message templates for the three guest
// languages. Missing translations fall back to English; a missing key
// returns "" so callers can detect and substitute generated text.
package i18n

import "sync"

// Template keys used by the router.
const (
	KeyUnavailable  = "unavailable"
	KeyThinking     = "thinking"
	KeyDefaultReply = "default_reply"
	KeyEscalated    = "escalated"
	KeyPaymentAck   = "payment_ack"
)

var builtin = map[string]map[string]string{
	KeyUnavailable: {
		"en": "Sorry, our assistant is temporarily unavailable. Please try again shortly or contact the front desk.",
		"ms": "Maaf, pembantu kami tidak tersedia buat masa ini. Sila cuba sebentar lagi atau hubungi kaunter hadapan.",
		"zh": "抱歉，助理暂时无法使用。请稍后再试或联系前台。",
	},
	KeyThinking: {
		"en": "One moment, let me check that for you...",
		"ms": "Sebentar, saya semak untuk anda...",
		"zh": "请稍等，我帮您查一下...",
	},
	KeyDefaultReply: {
		"en": "Thanks for your message! A member of our team will get back to you shortly.",
		"ms": "Terima kasih atas mesej anda! Pasukan kami akan menghubungi anda sebentar lagi.",
		"zh": "感谢您的留言！我们的团队会尽快回复您。",
	},
	KeyEscalated: {
		"en": "I've notified our staff about this. Someone will be with you shortly.",
		"ms": "Saya telah memaklumkan kakitangan kami. Seseorang akan membantu anda sebentar lagi.",
		"zh": "我已通知工作人员，很快会有人为您服务。",
	},
	KeyPaymentAck: {
		"en": "Thank you! We've received your payment notification and will confirm it shortly.",
		"ms": "Terima kasih! Kami telah menerima notifikasi pembayaran anda dan akan mengesahkannya sebentar lagi.",
		"zh": "谢谢！我们已收到您的付款通知，会尽快确认。",
	},
}

// Catalog resolves template keys and per-intent static replies by language.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]map[string]string // key → lang → text
	statics map[string]map[string]string // intent → lang → text
}

// NewCatalog builds a catalog from the builtin templates plus configured
// static replies (intent → lang → text). Configured entries win.
func NewCatalog(statics map[string]map[string]string) *Catalog {
	entries := make(map[string]map[string]string, len(builtin))
	for k, langs := range builtin {
		cp := make(map[string]string, len(langs))
		for l, t := range langs {
			cp[l] = t
		}
		entries[k] = cp
	}
	if statics == nil {
		statics = map[string]map[string]string{}
	}
	return &Catalog{entries: entries, statics: statics}
}

// Lookup returns the template for key in lang, falling back to English.
// Returns "" for unknown keys.
func (c *Catalog) Lookup(key, lang string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	langs, ok := c.entries[key]
	if !ok {
		return ""
	}
	if t, ok := langs[lang]; ok {
		return t
	}
	return langs["en"]
}

// StaticReply returns the configured static reply for intent in lang.
// English is used when the requested language has no translation.
// ok is false when no template exists for the intent at all.
func (c *Catalog) StaticReply(intent, lang string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	langs, ok := c.statics[intent]
	if !ok || len(langs) == 0 {
		return "", false
	}
	if t, ok := langs[lang]; ok && t != "" {
		return t, true
	}
	if t, ok := langs["en"]; ok && t != "" {
		return t, true
	}
	return "", false
}

// ReplaceStatics swaps the static-reply table (config hot reload).
func (c *Catalog) ReplaceStatics(statics map[string]map[string]string) {
	if statics == nil {
		statics = map[string]map[string]string{}
	}
	c.mu.Lock()
	c.statics = statics
	c.mu.Unlock()
}
