// Package conversation turns archived chat records into normalized turns.
//
// Records come from two places: the chat_histories table, where each row
// holds a JSON array of turns, and JSONL transcripts on disk, read by
// ReadTranscript for local extraction runs.
//
// Normalize resolves each record's text (content first, then display),
// maps its role, and drops blank turns. Render formats the result as the
// conversation block of an extraction prompt:
//
//	USER: Always run tests before pushing
//
//	ASSISTANT: Understood
package conversation
