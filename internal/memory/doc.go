// Package memory is the semantic memory gateway used by the extraction
// pipeline.
//
// A Gateway stores each normalized turn as a document owned by the user and
// retrieves the user's most relevant past turns as prompt context. Every
// operation returns a Result so callers decide in one place how failures
// and the disabled state are handled.
//
// A Gateway built with Disabled never touches a backend: this is the mode
// used when no embedding credential is available.
package memory
