package classify

import (
	"strings"
	"unicode"
)

// Supported language tags plus "unknown" for undetectable input.
const (
	LangEnglish = "en"
	LangMalay   = "ms"
	LangChinese = "zh"
	LangUnknown = "unknown"
)

var malayMarkers = []string{
	"saya", "awak", "anda", "boleh", "tak", "tidak", "nak", "hendak",
	"bilik", "tandas", "mana", "berapa", "harga", "terima kasih",
	"selamat", "pagi", "petang", "malam", "ada", "macam",
}

var englishMarkers = []string{
	"the", "is", "are", "can", "how", "what", "where", "when", "you",
	"please", "thanks", "thank", "room", "check", "have", "need", "want",
	"my", "do", "i",
}

// DetectLanguage guesses the guest's language from message text.
// Chinese wins on any Han rune; otherwise marker-word counts decide
// between Malay and English. Returns LangUnknown when nothing matches.
func DetectLanguage(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			return LangChinese
		}
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return LangUnknown
	}
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ".,!?;:()")] = true
	}

	msHits, enHits := 0, 0
	for _, m := range malayMarkers {
		if wordSet[m] {
			msHits++
		}
	}
	for _, m := range englishMarkers {
		if wordSet[m] {
			enHits++
		}
	}

	switch {
	case msHits > enHits:
		return LangMalay
	case enHits > 0:
		return LangEnglish
	}
	return LangUnknown
}

// SupportedLanguage reports whether lang is one of the three reply languages.
func SupportedLanguage(lang string) bool {
	return lang == LangEnglish || lang == LangMalay || lang == LangChinese
}
