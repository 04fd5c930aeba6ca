// Package extraction asks a language model for coding rules and parses its
// answer into validated rule candidates.
//
// Caller makes one Anthropic Messages call per prompt, rate limited and
// retried on 429, 5xx and connection errors. ParseCandidates tolerates
// markdown fences around the JSON array and drops entries that fail
// validation one by one. Malformed model output never produces an error,
// only an empty or shortened result.
//
// # Usage
//
//	caller, err := extraction.NewCaller(extraction.Config{APIKey: key}, logger)
//	if err != nil {
//	    return err
//	}
//	rules, err := caller.Extract(ctx, prompt)
package extraction
