package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```json\n[]\n```", "[]"},
		{"```\n[1]\n```", "[1]"},
		{"  [2]  ", "[2]"},
		{"```json[3]", "[3]"},
		{"[4]```", "[4]"},
		{"``````", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripFences(tt.in), tt.in)
	}
}

func TestParseCandidates_FencedArray(t *testing.T) {
	in := "```json\n[{\"rule_text\":\"x\",\"category\":\"testing\",\"confidence\":0.9,\"evidence\":\"e\"}]\n```"

	got := ParseCandidates(context.Background(), in, nil)
	require.Len(t, got, 1)
	assert.Equal(t, RuleCandidate{RuleText: "x", Category: CategoryTesting, Confidence: 0.9, Evidence: "e"}, got[0])
}

func TestParseCandidates_Unparsable(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		message string
	}{
		{"not json", "not json", "failed to parse model response as JSON"},
		{"object not array", `{"rule_text":"x"}`, "invalid response format, expected array"},
		{"string", `"[]"`, "invalid response format, expected array"},
		{"bare string", `"x"`, "invalid response format, expected array"},
		{"empty object", `{}`, "invalid response format, expected array"},
		{"null", `null`, "invalid response format, expected array"},
		{"fenced null", "```json\nnull\n```", "invalid response format, expected array"},
		{"number", `42`, "invalid response format, expected array"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logging.NewTestLogger()
			got := ParseCandidates(context.Background(), tt.in, logger.Logger)
			assert.NotNil(t, got)
			assert.Empty(t, got)
			logger.AssertLogged(t, zapcore.ErrorLevel, tt.message)
		})
	}
}

func TestParseCandidates_EmptyArray(t *testing.T) {
	got := ParseCandidates(context.Background(), "[]", nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestParseCandidates_DropsInvalidEntries(t *testing.T) {
	in := `[
		{"rule_text":"Use pnpm","category":"best-practices","confidence":0.8,"evidence":"use pnpm not npm"},
		{"rule_text":"","category":"testing","confidence":0.9,"evidence":"e"},
		{"rule_text":"Bad category","category":"security","confidence":0.9,"evidence":"e"},
		{"rule_text":"Too sure","category":"testing","confidence":1.5,"evidence":"e"},
		{"rule_text":"Wrong type","category":"testing","confidence":"high","evidence":"e"},
		{"rule_text":"No evidence","category":"testing","confidence":0.7},
		"just a string",
		{"rule_text":"Squash merges","category":"git-workflow","confidence":0,"evidence":"squash please"}
	]`

	logger := logging.NewTestLogger()
	got := ParseCandidates(context.Background(), in, logger.Logger)

	require.Len(t, got, 2)
	assert.Equal(t, "Use pnpm", got[0].RuleText)
	assert.Equal(t, "Squash merges", got[1].RuleText)
	assert.Equal(t, 0.0, got[1].Confidence)
	assert.Equal(t, 6, logger.FilterMessage("dropping invalid rule candidate").Len())
}

func TestRuleCandidate_Validate(t *testing.T) {
	valid := RuleCandidate{RuleText: "r", Category: CategoryCodeStyle, Confidence: 1, Evidence: "e"}
	require.NoError(t, valid.Validate())

	for _, c := range Categories {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("Testing").Valid())

	invalid := valid
	invalid.Evidence = "   "
	assert.ErrorIs(t, invalid.Validate(), ErrInvalidCandidate)
}
