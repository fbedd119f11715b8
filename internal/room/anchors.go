package room

import (
	"regexp"
	"strings"
)

// anchorRe matches inline decision anchors: {{DECISION: Question | Opt A | Opt B}}
var anchorRe = regexp.MustCompile(`\{\{DECISION:([^{}]+)\}\}`)

// Anchor is one parsed decision anchor found in the document body.
type Anchor struct {
	Raw      string
	Question string
	Options  []string
}

// Options default to a binary agree/disagree pair when the anchor names none.
var defaultAnchorOptions = []string{"同意 (Agree)", "反对 (Disagree)"}

// Key returns the identifier decisions are stored under: the trimmed
// question text, stable across edits to the option list.
func (a Anchor) Key() string {
	return a.Question
}

// ParseAnchor splits one anchor body into question and options.
func ParseAnchor(raw string) Anchor {
	body := strings.TrimPrefix(raw, "{{DECISION:")
	body = strings.TrimSuffix(body, "}}")
	parts := strings.Split(body, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	a := Anchor{Raw: raw, Question: parts[0]}
	if len(parts) > 1 {
		a.Options = parts[1:]
	} else {
		a.Options = append([]string(nil), defaultAnchorOptions...)
	}
	return a
}

// ExtractAnchors scans content for decision anchors, deduplicated by raw
// anchor text in order of first appearance.
func ExtractAnchors(content string) []Anchor {
	matches := anchorRe.FindAllString(content, -1)
	seen := make(map[string]bool, len(matches))
	var anchors []Anchor
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		anchors = append(anchors, ParseAnchor(m))
	}
	return anchors
}
