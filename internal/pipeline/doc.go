// Package pipeline runs rule extraction over batches of conversations.
//
// Each conversation passes through the same stages in order:
//
//	normalize -> scrub -> memory add -> memory search -> assemble -> extract
//
// The memory stages are skipped when the gateway is disabled. Whether a
// failed memory or extraction stage degrades to empty output or drops the
// conversation is decided by a single FailurePolicy.
package pipeline
