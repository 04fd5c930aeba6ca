package conversation

import "strings"

// Normalize maps raw records to turns, dropping those whose text is blank.
// Order is preserved and duplicates are kept.
func Normalize(raw []RawTurn) []Turn {
	turns := make([]Turn, 0, len(raw))
	for _, r := range raw {
		text := r.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, Turn{Role: ParseRole(r.Role), Text: text})
	}
	return turns
}

// Render formats turns as "ROLE: text" blocks separated by a blank line.
func Render(turns []Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = strings.ToUpper(string(t.Role)) + ": " + t.Text
	}
	return strings.Join(lines, "\n\n")
}
