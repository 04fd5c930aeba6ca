// Package secrets redacts credentials from conversation text before it is
// embedded into memory or sent to a language model.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub returns content with every detected secret replaced by a
	// [REDACTED:<rule-id>] marker.
	Scrub(content string) Result

	// Enabled reports whether scrubbing does anything.
	Enabled() bool
}

// Result is the outcome of one Scrub call.
type Result struct {
	Text     string
	Findings []Finding
}

// HasFindings returns true if any secrets were found.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rule IDs that matched, sorted.
func (r Result) RuleIDs() []string {
	seen := make(map[string]struct{}, len(r.Findings))
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		ids = append(ids, f.RuleID)
	}
	sort.Strings(ids)
	return ids
}

// Finding describes one detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// RulesetLoader builds the gitleaks detector.
type RulesetLoader func() (*detect.Detector, error)

// Option configures a GitleaksScrubber.
type Option func(*GitleaksScrubber)

// WithRuleset replaces the gitleaks default ruleset loader.
func WithRuleset(load RulesetLoader) Option {
	return func(s *GitleaksScrubber) { s.load = load }
}

// GitleaksScrubber uses the gitleaks default ruleset.
type GitleaksScrubber struct {
	allow []*regexp.Regexp
	load  RulesetLoader

	once     sync.Once
	initErr  error
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaks creates a scrubber. Secrets matching any allow pattern are
// left in place.
func NewGitleaks(allowPatterns []string, opts ...Option) (*GitleaksScrubber, error) {
	allow := make([]*regexp.Regexp, 0, len(allowPatterns))
	for _, p := range allowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		allow = append(allow, re)
	}
	s := &GitleaksScrubber{allow: allow, load: detect.NewDetectorDefaultConfig}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enabled implements Scrubber.
func (s *GitleaksScrubber) Enabled() bool { return true }

// Scrub implements Scrubber. If the ruleset cannot be loaded, content is
// returned unchanged and Err reports why; callers check Ready first.
func (s *GitleaksScrubber) Scrub(content string) Result {
	if strings.TrimSpace(content) == "" {
		return Result{Text: content}
	}

	findings, err := s.detect(content)
	if err != nil || len(findings) == 0 {
		return Result{Text: content}
	}

	kept := findings[:0]
	for _, f := range findings {
		if f.match == "" || s.allowed(f.match) {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return Result{Text: content}
	}

	// Replace longer matches first so a secret containing another is fully covered.
	sort.SliceStable(kept, func(i, j int) bool {
		return len(kept[i].match) > len(kept[j].match)
	})

	text := content
	out := make([]Finding, 0, len(kept))
	for _, f := range kept {
		text = strings.ReplaceAll(text, f.match, "[REDACTED:"+f.RuleID+"]")
		out = append(out, f.Finding)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })

	return Result{Text: text, Findings: out}
}

// Err returns the error from loading the gitleaks ruleset, if any.
func (s *GitleaksScrubber) Err() error {
	s.once.Do(s.init)
	return s.initErr
}

type detection struct {
	Finding
	match string
}

func (s *GitleaksScrubber) init() {
	s.detector, s.initErr = s.load()
	if s.initErr == nil && s.detector == nil {
		s.initErr = errors.New("gitleaks ruleset loader returned no detector")
	}
}

func (s *GitleaksScrubber) detect(content string) ([]detection, error) {
	s.once.Do(s.init)
	if s.initErr != nil {
		return nil, s.initErr
	}

	s.mu.Lock()
	raw := s.detector.DetectString(content)
	s.mu.Unlock()

	out := make([]detection, 0, len(raw))
	for _, f := range raw {
		out = append(out, detection{
			Finding: Finding{
				RuleID:      f.RuleID,
				Description: f.Description,
				Line:        f.StartLine,
			},
			match: f.Secret,
		})
	}
	return out, nil
}

func (s *GitleaksScrubber) allowed(secret string) bool {
	for _, re := range s.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}

// NoopScrubber passes content through unchanged.
type NoopScrubber struct{}

// Scrub implements Scrubber.
func (NoopScrubber) Scrub(content string) Result { return Result{Text: content} }

// Enabled implements Scrubber.
func (NoopScrubber) Enabled() bool { return false }

// Ready loads the ruleset of s, when it has one, and returns any load
// failure. A scrubber that cannot detect must not be trusted with traffic.
func Ready(s Scrubber) error {
	if c, ok := s.(interface{ Err() error }); ok {
		if err := c.Err(); err != nil {
			return fmt.Errorf("loading secret ruleset: %w", err)
		}
	}
	return nil
}

// New returns a gitleaks scrubber when enabled, else a NoopScrubber.
func New(enabled bool, allowPatterns []string) (Scrubber, error) {
	if !enabled {
		return NoopScrubber{}, nil
	}
	return NewGitleaks(allowPatterns)
}
