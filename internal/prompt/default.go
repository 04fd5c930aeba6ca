package prompt

import "sync"

// defaultText is the built-in extraction instruction.
const defaultText = `Analyze the following conversation between a developer and an AI coding assistant.

Extract actionable coding rules that should be remembered for future sessions. Focus on:

1. **Repeated Corrections:** Patterns where the developer corrects the AI multiple times (e.g., "use X instead of Y", "always do Z before W")
2. **Workflow Preferences:** Steps the developer explicitly wants followed (e.g., "always create migration files first", "test locally before pushing")
3. **Technical Constraints:** Architecture decisions, technology choices, or technical limitations (e.g., "never use 'use client' with async", "must use pnpm not npm")
4. **Style Preferences:** Code formatting, naming conventions, file organization (e.g., "prefer functional components", "use kebab-case for file names")

For each rule you extract, provide:
- **rule_text**: Clear, actionable statement starting with a verb (e.g., "Use pnpm for all package management")
- **category**: One of: git-workflow, code-style, architecture, best-practices, testing, documentation
- **confidence**: Score from 0-1 based on:
  - 0.9-1.0: Explicitly stated by user multiple times
  - 0.7-0.9: Clearly implied or stated once emphatically
  - 0.5-0.7: Inferred from context
  - Below 0.5: Don't include
- **evidence**: Brief quote from conversation showing where this rule came from

Return JSON array format:
[
  {
    "rule_text": "Always create migration files before applying database changes",
    "category": "best-practices",
    "confidence": 0.95,
    "evidence": "User said: 'NEVER apply migrations directly without creating local migration files first'"
  }
]

Conversation:
{conversation_text}

Context from similar sessions (via mem0):
{mem0_context}

Extract only high-quality, actionable rules. When in doubt, err on the side of caution.
Return ONLY valid JSON array, no markdown formatting.`

var (
	defaultOnce sync.Once
	defaultTpl  *Template
)

// DefaultTemplate returns the built-in extraction template.
func DefaultTemplate() *Template {
	defaultOnce.Do(func() {
		defaultTpl = Parse(defaultText)
	})
	return defaultTpl
}
