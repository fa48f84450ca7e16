package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/janrakshak/identity-sync/internal/diagnostics"
)

var (
	diagComponent string
	diagTable     string
	diagLevel     string
	diagLimit     int
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Show recent diagnostics from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		records, err := fetchDiagnostics(ctx, http.DefaultClient, serverURL, diagnostics.Query{
			Component: diagComponent,
			Table:     diagTable,
			MinLevel:  diagnostics.Level(diagLevel),
			Limit:     diagLimit,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			pterm.Info.Println("No diagnostics recorded.")
			return nil
		}

		return render(cmd.OutOrStdout(), records, diagnosticsTable(records))
	},
}

func init() {
	diagCmd.Flags().StringVar(&diagComponent, "component", "", "only records from this component")
	diagCmd.Flags().StringVar(&diagTable, "table", "", "only records for this table")
	diagCmd.Flags().StringVar(&diagLevel, "level", "", "minimum level (info, warn, error)")
	diagCmd.Flags().IntVar(&diagLimit, "limit", 50, "maximum number of records")
}

func fetchDiagnostics(ctx context.Context, client *http.Client, base string, q diagnostics.Query) ([]diagnostics.Record, error) {
	params := url.Values{}
	if q.Component != "" {
		params.Set("component", q.Component)
	}
	if q.Table != "" {
		params.Set("table", q.Table)
	}
	if q.MinLevel != "" {
		params.Set("level", string(q.MinLevel))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	endpoint := strings.TrimRight(base, "/") + "/debug/diagnostics"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	var body struct {
		Records []diagnostics.Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
	}
	return body.Records, nil
}

func diagnosticsTable(records []diagnostics.Record) pterm.TableData {
	data := pterm.TableData{{"AT", "LEVEL", "COMPONENT", "EVENT", "SUBJECT", "DETAIL"}}
	for _, r := range records {
		subject := r.IdentityID
		if r.Table != "" {
			subject = r.Table
		}
		detail := r.Message
		if r.Err != "" {
			detail = strings.TrimSpace(detail + " " + r.Err)
		}
		data = append(data, []string{
			r.At.Local().Format(time.DateTime), string(r.Level), r.Component, r.Event, subject, detail,
		})
	}
	return data
}
