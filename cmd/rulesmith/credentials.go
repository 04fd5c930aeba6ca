package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rulesmith/internal/credentials"
)

// providerEnv pairs each provider with its environment override.
var providerEnv = []struct{ provider, env string }{
	{credentials.ProviderAnthropic, credentials.EnvAnthropic},
	{credentials.ProviderOpenAI, credentials.EnvOpenAI},
	{credentials.ProviderMemory, credentials.EnvMemory},
}

func newCredentialsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect provider credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report where each provider credential resolves from",
		Long: `Resolve each provider credential the way rulesmithd does (environment
first, then the llm_api_keys table) and print its source. Values are never
printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.loadLocal()
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)

			var store credentials.Store
			if cfg.Database.URL.IsSet() {
				db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.URL.Value())
				if err != nil {
					return fmt.Errorf("connecting to database: %w", err)
				}
				defer db.Close()
				store = credentials.NewPostgresStore(db)
			}
			resolver := credentials.NewResolver(store, logger)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSOURCE\tENV")
			for _, p := range providerEnv {
				source := "missing"
				if cred, ok := resolver.Resolve(ctx, p.provider, p.env); ok {
					source = string(cred.Source)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.provider, source, p.env)
			}
			return w.Flush()
		},
	})
	return cmd
}
