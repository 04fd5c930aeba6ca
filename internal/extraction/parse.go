package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

// maxLoggedResponse bounds how much raw model output is logged on failure.
const maxLoggedResponse = 500

// rawCandidate uses pointers so absent fields are distinguishable from
// zero values.
type rawCandidate struct {
	RuleText   *string  `json:"rule_text"`
	Category   *string  `json:"category"`
	Confidence *float64 `json:"confidence"`
	Evidence   *string  `json:"evidence"`
}

// StripFences removes one leading ``` or ```json opener and one trailing
// ``` closer, trimming whitespace around both.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// ParseCandidates decodes model output into validated rule candidates.
// Unparsable output and non-array JSON yield an empty slice; invalid
// entries are dropped individually. It never returns nil.
func ParseCandidates(ctx context.Context, text string, logger *logging.Logger) []RuleCandidate {
	if logger == nil {
		logger = logging.NewNop()
	}

	body := StripFences(text)

	var entries []json.RawMessage
	err := json.Unmarshal([]byte(body), &entries)
	switch {
	case err == nil && entries != nil:
	case err == nil || json.Valid([]byte(body)):
		// null decodes into a nil slice without error.
		logger.Error(ctx, "invalid response format, expected array", zap.String("response", truncate(body)))
		return []RuleCandidate{}
	default:
		logger.Error(ctx, "failed to parse model response as JSON",
			zap.Error(err),
			zap.String("response", truncate(body)),
		)
		return []RuleCandidate{}
	}

	rules := make([]RuleCandidate, 0, len(entries))
	for i, entry := range entries {
		rule, err := decodeCandidate(entry)
		if err != nil {
			logger.Warn(ctx, "dropping invalid rule candidate", zap.Int("index", i), zap.Error(err))
			getMetrics().candidatesDropped.Inc()
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func decodeCandidate(entry json.RawMessage) (RuleCandidate, error) {
	var raw rawCandidate
	if err := json.Unmarshal(entry, &raw); err != nil {
		return RuleCandidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	switch {
	case raw.RuleText == nil:
		return RuleCandidate{}, fmt.Errorf("%w: rule_text missing", ErrInvalidCandidate)
	case raw.Category == nil:
		return RuleCandidate{}, fmt.Errorf("%w: category missing", ErrInvalidCandidate)
	case raw.Confidence == nil:
		return RuleCandidate{}, fmt.Errorf("%w: confidence missing", ErrInvalidCandidate)
	case raw.Evidence == nil:
		return RuleCandidate{}, fmt.Errorf("%w: evidence missing", ErrInvalidCandidate)
	}

	rule := RuleCandidate{
		RuleText:   *raw.RuleText,
		Category:   Category(*raw.Category),
		Confidence: *raw.Confidence,
		Evidence:   *raw.Evidence,
	}
	if err := rule.Validate(); err != nil {
		return RuleCandidate{}, err
	}
	return rule, nil
}

func truncate(s string) string {
	if len(s) <= maxLoggedResponse {
		return s
	}
	return s[:maxLoggedResponse]
}
