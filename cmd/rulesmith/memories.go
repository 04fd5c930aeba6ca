package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rulesmith/internal/memory"
	"github.com/fyrsmithlabs/rulesmith/internal/services"
)

func newMemoriesCmd(opts *cliOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Inspect a user's stored memories",
		Long: `Inspect the semantic memory backend configured for rulesmithd.

Examples:
  rulesmith memories list --user alice
  rulesmith memories search --user alice --query "commit message style"`,
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user id whose memories to read")
	_ = cmd.MarkPersistentFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List every memory for a user, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGateway(cmd, opts, func(gw *memory.Gateway) error {
				res := gw.ListAll(cmdContext(cmd), userID)
				if res.Err != nil {
					return res.Err
				}
				return printMemories(cmd, res.Value)
			})
		},
	}

	var (
		query string
		limit int
	)
	search := &cobra.Command{
		Use:   "search",
		Short: "Search a user's memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if query == "" {
				query = memory.SearchQuery
			}
			return withGateway(cmd, opts, func(gw *memory.Gateway) error {
				res := gw.Search(cmdContext(cmd), userID, query, limit)
				if res.Err != nil {
					return res.Err
				}
				return printMemories(cmd, res.Value)
			})
		},
	}
	search.Flags().StringVar(&query, "query", "", "search text (default: the extraction query)")
	search.Flags().IntVar(&limit, "limit", memory.SearchLimit, "maximum results")

	cmd.AddCommand(list, search)
	return cmd
}

func withGateway(cmd *cobra.Command, opts *cliOptions, fn func(*memory.Gateway) error) error {
	cfg, logger, err := opts.loadLocal()
	if err != nil {
		return err
	}
	reg, err := services.Build(cmdContext(cmd), cfg, logger, services.Options{MemoryOnly: true})
	if err != nil {
		return err
	}
	defer reg.Close()

	gw := reg.Memory()
	if !gw.Enabled() {
		return errors.New("memory is disabled: no embedding credential (set OPENAI_API_KEY)")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "[rulesmith] memory mode: %s\n", gw.Mode())
	return fn(gw)
}

func printMemories(cmd *cobra.Command, results []memory.SearchResult) error {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		_, err := fmt.Fprintln(out, memory.NoResults)
		return err
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s\n", i+1, r.Score, r.Text)
	}
	return nil
}
