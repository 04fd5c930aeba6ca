package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	httpserver "github.com/fyrsmithlabs/rulesmith/internal/http"
	"github.com/fyrsmithlabs/rulesmith/internal/prompt"
	"github.com/fyrsmithlabs/rulesmith/internal/services"
)

type extractOptions struct {
	ids            []string
	userID         string
	promptID       string
	file           string
	conversationID string
	promptFile     string
	timeout        time.Duration
}

func newExtractCmd(opts *cliOptions) *cobra.Command {
	eo := &extractOptions{}

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract rules from chat histories",
		Long: `Extract coding rules from stored chat histories via rulesmithd, or from a
local JSONL transcript with --file.

Examples:
  # Ask the daemon to process two stored histories
  rulesmith extract --user alice --ids 3f1c...,9a8b...

  # Run the pipeline locally on a transcript
  rulesmith extract --user alice --file ~/session.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if eo.userID == "" {
				return errors.New("--user is required")
			}
			if eo.file != "" {
				return extractLocal(cmd, opts, eo)
			}
			if len(eo.ids) == 0 {
				return errors.New("either --ids or --file is required")
			}
			return extractRemote(cmd, opts, httpserver.ExtractRulesRequest{
				ChatHistoryIDs: eo.ids,
				UserID:         eo.userID,
				PromptID:       eo.promptID,
			}, eo.timeout)
		},
	}

	cmd.Flags().StringSliceVar(&eo.ids, "ids", nil, "chat history ids (comma separated)")
	cmd.Flags().StringVar(&eo.userID, "user", "", "user id the memories and rules belong to")
	cmd.Flags().StringVar(&eo.promptID, "prompt-id", "", "extraction_prompts id to use instead of the default template")
	cmd.Flags().StringVar(&eo.file, "file", "", "JSONL transcript to process locally")
	cmd.Flags().StringVar(&eo.conversationID, "conversation", "", "conversation id for --file (default: file name)")
	cmd.Flags().StringVar(&eo.promptFile, "prompt-file", "", "template file for --file runs")
	cmd.Flags().DurationVar(&eo.timeout, "timeout", 5*time.Minute, "request timeout")
	cmd.MarkFlagsMutuallyExclusive("ids", "file")
	return cmd
}

// extractLocal runs the pipeline in-process on a transcript file.
func extractLocal(cmd *cobra.Command, opts *cliOptions, eo *extractOptions) error {
	transcript, err := conversation.ReadTranscriptFile(eo.file)
	if err != nil {
		return err
	}
	if transcript.ErrorCount > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "[rulesmith] skipped %d unreadable transcript line(s)\n", transcript.ErrorCount)
	}

	cfg, logger, err := opts.loadLocal()
	if err != nil {
		return err
	}

	ctx := cmdContext(cmd)
	reg, err := services.Build(ctx, cfg, logger, services.Options{})
	if err != nil {
		return err
	}
	defer reg.Close()

	p := reg.Pipeline()
	if eo.promptFile != "" {
		text, err := os.ReadFile(eo.promptFile)
		if err != nil {
			return fmt.Errorf("reading prompt file: %w", err)
		}
		asm, err := prompt.FromText(string(text))
		if err != nil {
			return fmt.Errorf("prompt file %s: %w", eo.promptFile, err)
		}
		p = p.WithAssembler(asm)
	}

	convID := eo.conversationID
	if convID == "" {
		convID = strings.TrimSuffix(filepath.Base(eo.file), filepath.Ext(eo.file))
	}

	result, err := p.Process(ctx, convID, eo.userID, transcript.Turns)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
