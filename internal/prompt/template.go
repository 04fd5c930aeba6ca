// Package prompt builds extraction prompts from templates with named slots.
//
// A slot is written {name}, where name matches [a-z_][a-z0-9_]*. Any other
// brace is literal text, so JSON examples in a template need no escaping.
// Rendering is a single pass: substituted values are never scanned again.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMissingSlot indicates a slot was referenced but not supplied, or a
// required slot is absent from a template.
var ErrMissingSlot = errors.New("missing template slot")

var slotPattern = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// segment is either literal text or a slot reference.
type segment struct {
	text string
	slot string
}

// Template is a parsed prompt template.
type Template struct {
	source   string
	segments []segment
	slots    []string
}

// Parse splits text into literal and slot segments.
func Parse(text string) *Template {
	t := &Template{source: text}
	seen := make(map[string]bool)

	last := 0
	for _, m := range slotPattern.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			t.segments = append(t.segments, segment{text: text[last:m[0]]})
		}
		name := text[m[2]:m[3]]
		t.segments = append(t.segments, segment{slot: name})
		if !seen[name] {
			seen[name] = true
			t.slots = append(t.slots, name)
		}
		last = m[1]
	}
	if last < len(text) {
		t.segments = append(t.segments, segment{text: text[last:]})
	}
	return t
}

// Slots returns slot names in order of first appearance.
func (t *Template) Slots() []string {
	out := make([]string, len(t.slots))
	copy(out, t.slots)
	return out
}

// Has reports whether the template references slot.
func (t *Template) Has(slot string) bool {
	for _, s := range t.slots {
		if s == slot {
			return true
		}
	}
	return false
}

// Source returns the original template text.
func (t *Template) Source() string {
	return t.source
}

// Render substitutes values into the template. Every referenced slot must
// be present in values; unused values are ignored.
func (t *Template) Render(values map[string]string) (string, error) {
	for _, s := range t.slots {
		if _, ok := values[s]; !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingSlot, s)
		}
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.slot != "" {
			b.WriteString(values[seg.slot])
			continue
		}
		b.WriteString(seg.text)
	}
	return b.String(), nil
}
