package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func newStatusCmd(rt *cliContext) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts from a running magnetd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := rt.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			if addr == "" {
				addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
			}
			apiKey := ""
			if cfg.Auth.Enabled {
				apiKey = cfg.Auth.APIKey
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			report, err := fetchStatus(ctx, http.DefaultClient, addr, apiKey)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), report, asJSON)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of the running server (default http://127.0.0.1:<server.port>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report as JSON")
	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, addr, apiKey string) (torrent.StatusReport, error) {
	var report torrent.StatusReport
	endpoint := strings.TrimRight(addr, "/") + "/v1/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return report, fmt.Errorf("build status request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return report, fmt.Errorf("query %s: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return report, fmt.Errorf("query %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("decode status: %w", err)
	}
	return report, nil
}

func printStatus(w io.Writer, report torrent.StatusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	}
	rows := make([][]string, 0, len(torrent.States))
	for _, state := range torrent.States {
		rows = append(rows, []string{string(state), strconv.Itoa(report.Counts[state])})
	}
	renderTable(w, []string{"State", "Tasks"}, rows, []columnAlignment{alignLeft, alignRight})
	fmt.Fprintf(w, "tracked %d, queued %d, as of %s\n",
		report.Tracked, report.QueueLen, report.Generated.Format(time.RFC3339))
	return nil
}
