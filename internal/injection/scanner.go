// Package injection implements the stateless prompt-injection scanner. It
// walks every string leaf of the request payload and applies three layers:
// a known-phrase dictionary, weighted regex patterns, and structural checks.
package injection

import (
	"encoding/json"
	"strings"

	"github.com/redteamingai/proxy/internal/core"
)

const detectionThreshold = 40

// Scan analyzes a raw request body. The body is parsed as JSON and every
// string leaf is scanned; when parsing fails the raw text is treated as the
// sole input. The raw text is additionally scanned once as a whole for an
// embedded system role.
func Scan(rawRequest string) core.InjectionResult {
	var res core.InjectionResult

	for _, leaf := range extractStrings(rawRequest) {
		res.Patterns = append(res.Patterns, scanString(leaf)...)
	}

	if embeddedSystemRe.MatchString(rawRequest) {
		res.Patterns = append(res.Patterns, core.MatchedPattern{
			Name:        "embedded_system_role",
			Layer:       LayerStructural,
			Confidence:  embeddedSystemScore,
			MatchedText: truncateMatch(embeddedSystemRe.FindString(rawRequest)),
		})
	}

	total := 0
	for _, p := range res.Patterns {
		total += p.Confidence
	}
	if total > 100 {
		total = 100
	}
	res.Confidence = total
	res.Score = total
	res.InjectionDetected = total >= detectionThreshold
	return res
}

// extractStrings returns every string leaf of the JSON document, traversing
// objects and arrays and ignoring other leaf types. Unparseable input yields
// the raw text itself.
func extractStrings(raw string) []string {
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return []string{raw}
	}
	var out []string
	walkStrings(doc, &out)
	return out
}

func walkStrings(node interface{}, out *[]string) {
	switch v := node.(type) {
	case string:
		*out = append(*out, v)
	case map[string]interface{}:
		for _, child := range v {
			walkStrings(child, out)
		}
	case []interface{}:
		for _, child := range v {
			walkStrings(child, out)
		}
	}
}

// scanString applies the phrase, regex, and per-string structural layers to
// one extracted string.
func scanString(s string) []core.MatchedPattern {
	var matches []core.MatchedPattern
	lower := strings.ToLower(s)

	for _, phrase := range phraseDictionary {
		if idx := strings.Index(lower, phrase); idx >= 0 {
			matches = append(matches, core.MatchedPattern{
				Name:        phraseName(phrase),
				Layer:       LayerPhrase,
				Confidence:  phraseScore,
				MatchedText: truncateMatch(s[idx:]),
			})
		}
	}

	for _, p := range regexPatterns {
		hit := p.re.FindString(s)
		if hit == "" {
			continue
		}
		if p.exclude != nil && p.exclude.MatchString(hit) {
			continue
		}
		matches = append(matches, core.MatchedPattern{
			Name:        p.name,
			Layer:       LayerRegex,
			Confidence:  p.score,
			MatchedText: truncateMatch(hit),
		})
	}

	if len(s) > oversizedStringLen {
		matches = append(matches, core.MatchedPattern{
			Name:        "oversized_string_payload",
			Layer:       LayerStructural,
			Confidence:  oversizedStringScore,
			MatchedText: truncateMatch(s),
		})
	}
	if hit := numberedJailbreakRe.FindString(s); hit != "" {
		matches = append(matches, core.MatchedPattern{
			Name:        "numbered_jailbreak_list",
			Layer:       LayerStructural,
			Confidence:  numberedListScore,
			MatchedText: truncateMatch(hit),
		})
	}

	return matches
}

// PatternNames projects the matched pattern names in order, for the combined
// flags union.
func PatternNames(res core.InjectionResult) []string {
	names := make([]string, 0, len(res.Patterns))
	for _, p := range res.Patterns {
		names = append(names, p.Name)
	}
	return names
}
