// Package rules persists extraction inputs and outputs in Postgres.
//
// It reads archived conversations from chat_histories and custom prompt
// templates from extraction_prompts, and writes each extracted rule to
// extracted_rules together with a pending rule_approvals row.
package rules
