package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/rulesmith/internal/http"
)

func newHealthCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check rulesmithd health",
		Long: `Check the health status of the rulesmithd HTTP server.

Examples:
  rulesmith health
  rulesmith health --server http://rules.internal:8000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := strings.TrimRight(opts.serverURL, "/") + "/health"
			client := &http.Client{Timeout: 5 * time.Second}

			req, err := http.NewRequestWithContext(cmdContext(cmd), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if err := checkStatus(resp); err != nil {
				return err
			}

			var health httpserver.HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", health.Status)
			fmt.Fprintf(out, "Version:       %s\n", health.Version)
			fmt.Fprintf(out, "Memory Mode:   %s\n", health.Mem0Mode)
			if health.Database != "" {
				fmt.Fprintf(out, "Database:      %s\n", health.Database)
			}
			fmt.Fprintf(out, "Server URL:    %s\n", opts.serverURL)
			return nil
		},
	}
}

// extractRemote posts an extraction request to the daemon and prints the
// response body as indented JSON.
func extractRemote(cmd *cobra.Command, opts *cliOptions, req httpserver.ExtractRulesRequest, timeout time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(opts.serverURL, "/") + "/api/v1/extract-rules"
	httpReq, err := http.NewRequestWithContext(cmdContext(cmd), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var result httpserver.ExtractRulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// checkStatus turns a non-200 response into an error carrying the
// server's message.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
