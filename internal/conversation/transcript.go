package conversation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxTranscriptLine bounds a single JSONL record.
const maxTranscriptLine = 10 * 1024 * 1024

// maxStoredErrors limits how many line errors a TranscriptResult keeps.
const maxStoredErrors = 10

// transcriptLine is one JSONL record. Session-log records wrap the turn in
// "message"; plain records carry role/content at the top level.
type transcriptLine struct {
	Type    string          `json:"type,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	RawTurn
}

// TranscriptResult contains turns and any errors encountered while reading.
type TranscriptResult struct {
	Turns      []RawTurn
	ErrorCount int
	Errors     []LineError
}

// LineError is a parse failure at a specific line.
type LineError struct {
	Line  int
	Error string
}

func (r *TranscriptResult) addError(line int, format string, args ...any) {
	r.ErrorCount++
	if len(r.Errors) < maxStoredErrors {
		r.Errors = append(r.Errors, LineError{Line: line, Error: fmt.Sprintf(format, args...)})
	}
}

// ReadTranscriptFile reads a JSONL transcript from path.
func ReadTranscriptFile(path string) (*TranscriptResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()
	return ReadTranscript(f)
}

// ReadTranscript reads one turn per line. Records typed as anything other
// than user or assistant (summaries, tool results, file snapshots) are
// skipped. Malformed lines are counted rather than failing the read.
func ReadTranscript(r io.Reader) (*TranscriptResult, error) {
	result := &TranscriptResult{Turns: make([]RawTurn, 0)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var tl transcriptLine
		if err := json.Unmarshal([]byte(line), &tl); err != nil {
			result.addError(lineNum, "JSON parse error: %v", err)
			continue
		}

		switch tl.Type {
		case "":
			result.Turns = append(result.Turns, tl.RawTurn)
		case "user", "assistant":
			turn := tl.RawTurn
			if len(tl.Message) > 0 {
				if err := json.Unmarshal(tl.Message, &turn); err != nil {
					result.addError(lineNum, "message parse error: %v", err)
					continue
				}
			}
			if turn.Role == "" {
				turn.Role = tl.Type
			}
			result.Turns = append(result.Turns, turn)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning transcript: %w", err)
	}
	return result, nil
}
