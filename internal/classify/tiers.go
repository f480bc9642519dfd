package classify

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// IntentPattern defines the fast-tier matching rules for one intent.
// Loaded from configuration; the LLM tier is not involved here.
type IntentPattern struct {
	Intent    string   `json:"intent"`
	Action    string   `json:"action,omitempty"`    // suggested action for this intent
	Keywords  []string `json:"keywords,omitempty"`  // fuzzy tier: substring matches
	Exemplars []string `json:"exemplars,omitempty"` // semantic tier: example phrases
	Patterns  []string `json:"patterns,omitempty"`  // regex tier
}

type compiledPattern struct {
	IntentPattern
	regexps   []*regexp.Regexp
	exemplars []map[string]float64 // token frequency vectors
}

// TierSet runs the cheap classification tiers in fixed order:
// regex (most precise), fuzzy keywords, then semantic similarity.
type TierSet struct {
	patterns []compiledPattern

	// Minimum semantic cosine similarity to accept a match.
	semanticThreshold float64
}

// NewTierSet compiles the intent patterns. Invalid regexes are an error:
// a silently dropped pattern would change routing behaviour.
func NewTierSet(patterns []IntentPattern) (*TierSet, error) {
	ts := &TierSet{semanticThreshold: 0.55}
	for _, p := range patterns {
		cp := compiledPattern{IntentPattern: p}
		for _, src := range p.Patterns {
			re, err := regexp.Compile("(?i)" + src)
			if err != nil {
				return nil, fmt.Errorf("intent %q: compile pattern %q: %w", p.Intent, src, err)
			}
			cp.regexps = append(cp.regexps, re)
		}
		for _, ex := range p.Exemplars {
			cp.exemplars = append(cp.exemplars, tokenVector(ex))
		}
		ts.patterns = append(ts.patterns, cp)
	}
	return ts, nil
}

// Match runs the tiers against text and returns the first hit.
// The returned Result has an empty Response: fast tiers never generate text.
func (ts *TierSet) Match(text string) (*Result, bool) {
	if r, ok := ts.matchRegex(text); ok {
		return r, true
	}
	if r, ok := ts.matchFuzzy(text); ok {
		return r, true
	}
	if r, ok := ts.matchSemantic(text); ok {
		return r, true
	}
	return nil, false
}

func (ts *TierSet) matchRegex(text string) (*Result, bool) {
	for _, p := range ts.patterns {
		for _, re := range p.regexps {
			if re.MatchString(text) {
				return &Result{
					Intent:           p.Intent,
					Action:           p.Action,
					Confidence:       0.95,
					Source:           SourceRegex,
					DetectedLanguage: DetectLanguage(text),
				}, true
			}
		}
	}
	return nil, false
}

// matchFuzzy scores keyword containment. One keyword hit gives 0.7;
// each extra hit adds 0.05 up to 0.9.
func (ts *TierSet) matchFuzzy(text string) (*Result, bool) {
	lower := strings.ToLower(text)

	var best *Result
	for _, p := range ts.patterns {
		hits := 0
		for _, kw := range p.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := math.Min(0.7+0.05*float64(hits-1), 0.9)
		if best == nil || conf > best.Confidence {
			best = &Result{
				Intent:           p.Intent,
				Action:           p.Action,
				Confidence:       conf,
				Source:           SourceFuzzy,
				DetectedLanguage: DetectLanguage(text),
			}
		}
	}
	return best, best != nil
}

func (ts *TierSet) matchSemantic(text string) (*Result, bool) {
	vec := tokenVector(text)
	if len(vec) == 0 {
		return nil, false
	}

	var best *Result
	for _, p := range ts.patterns {
		for _, ex := range p.exemplars {
			sim := cosine(vec, ex)
			if sim < ts.semanticThreshold {
				continue
			}
			if best == nil || sim > best.Confidence {
				best = &Result{
					Intent:           p.Intent,
					Action:           p.Action,
					Confidence:       sim,
					Source:           SourceSemantic,
					DetectedLanguage: DetectLanguage(text),
				}
			}
		}
	}
	return best, best != nil
}

func tokenVector(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:()\"'")
		if len(w) < 2 {
			continue
		}
		vec[w]++
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, av := range a {
		na += av * av
		if bv, ok := b[k]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
