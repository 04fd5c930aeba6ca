package extraction

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies a rule.
type Category string

const (
	CategoryGitWorkflow   Category = "git-workflow"
	CategoryCodeStyle     Category = "code-style"
	CategoryArchitecture  Category = "architecture"
	CategoryBestPractices Category = "best-practices"
	CategoryTesting       Category = "testing"
	CategoryDocumentation Category = "documentation"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryGitWorkflow,
	CategoryCodeStyle,
	CategoryArchitecture,
	CategoryBestPractices,
	CategoryTesting,
	CategoryDocumentation,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// ErrInvalidCandidate indicates a rule candidate failed validation.
var ErrInvalidCandidate = errors.New("invalid rule candidate")

// RuleCandidate is one extracted rule awaiting approval.
type RuleCandidate struct {
	RuleText   string   `json:"rule_text"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

// Validate checks required fields, the category enum and the confidence range.
func (r RuleCandidate) Validate() error {
	if strings.TrimSpace(r.RuleText) == "" {
		return fmt.Errorf("%w: rule_text is empty", ErrInvalidCandidate)
	}
	if strings.TrimSpace(r.Evidence) == "" {
		return fmt.Errorf("%w: evidence is empty", ErrInvalidCandidate)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidCandidate, r.Category)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidCandidate, r.Confidence)
	}
	return nil
}
