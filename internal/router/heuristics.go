package router

import "strings"

// Message tone categories used by the static-reply rules.
const (
	MessageTypeComplaint = "complaint"
	MessageTypeProblem   = "problem"
	MessageTypeNeutral   = "neutral"
)

var complaintMarkers = []string{
	"terrible", "awful", "unacceptable", "worst", "disgusting", "refund",
	"complain", "complaint", "rude", "angry", "ridiculous", "scam",
	"teruk", "mengecewakan", "pulangkan wang",
	"太差", "投诉", "退款", "糟糕",
}

var problemMarkers = []string{
	"broken", "not working", "doesn't work", "can't", "cannot", "stuck",
	"leak", "no hot water", "no water", "wifi down", "wifi not",
	"rosak", "tak boleh", "tidak berfungsi", "bocor",
	"坏了", "不能", "没有热水", "故障",
}

// MessageTypeOf classifies the tone of a message with keyword heuristics.
// Complaint markers win over problem markers.
func MessageTypeOf(text string) string {
	lower := strings.ToLower(text)
	for _, m := range complaintMarkers {
		if strings.Contains(lower, m) {
			return MessageTypeComplaint
		}
	}
	for _, m := range problemMarkers {
		if strings.Contains(lower, m) {
			return MessageTypeProblem
		}
	}
	return MessageTypeNeutral
}
