package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/janrakshak/identity-sync/config"
	"github.com/janrakshak/identity-sync/internal/aggregate"
	"github.com/janrakshak/identity-sync/internal/db"
	"github.com/janrakshak/identity-sync/internal/livefeed"
)

var (
	statsBy      string
	statsWindow  string
	statsTimeCol string
	statsFilter  string
)

var statsCmd = &cobra.Command{
	Use:   "stats <table>",
	Short: "Aggregate a table the way the dashboards do",
	Long: `Loads every row of a table straight from Postgres and prints either
counts by a field (--by) or a timeline (--window).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsBy == "" && statsWindow == "" {
			return fmt.Errorf("one of --by or --window is required")
		}
		filter, err := livefeed.ParseFilter(statsFilter)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		database, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		rows, err := livefeed.NewPostgresLoader(database.Pool).Load(ctx, args[0], filter)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if statsBy != "" {
			counts := aggregate.SortedCounts(aggregate.AggregateByField(rows, statsBy))
			report := map[string]any{"table": args[0], "field": statsBy, "total": len(rows), "counts": counts}
			if err := render(out, report, countsTable(counts, statsBy, len(rows))); err != nil {
				return err
			}
		}
		if statsWindow != "" {
			w, err := aggregate.ParseWindow(statsWindow)
			if err != nil {
				return err
			}
			anchor := time.Now()
			buckets := aggregate.BucketByTime(rows, statsTimeCol, w, anchor)
			avg := aggregate.AveragePerDay(rows, statsTimeCol, w, anchor)
			report := map[string]any{"table": args[0], "window": w.String(), "buckets": buckets, "average_per_day": avg}
			if err := render(out, report, timelineTable(buckets)); err != nil {
				return err
			}
			if outputFormat == "" || outputFormat == "table" {
				pterm.Printf("Average per day: %.2f\n", avg)
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsBy, "by", "", "count rows by this field")
	statsCmd.Flags().StringVar(&statsWindow, "window", "", "timeline window, e.g. 7d or 6m")
	statsCmd.Flags().StringVar(&statsTimeCol, "time-field", "created_at", "timestamp field for --window")
	statsCmd.Flags().StringVar(&statsFilter, "filter", "", "only rows matching column=value")
}

func countsTable(counts []aggregate.Count, field string, total int) pterm.TableData {
	data := pterm.TableData{{strings.ToUpper(field), "COUNT", "SHARE"}}
	for _, c := range counts {
		share := aggregate.Rate(float64(c.Count), float64(total))
		data = append(data, []string{c.Value, strconv.Itoa(c.Count), fmt.Sprintf("%.1f%%", share*100)})
	}
	return data
}

func timelineTable(buckets []aggregate.Bucket) pterm.TableData {
	data := pterm.TableData{{"BUCKET", "START", "COUNT"}}
	for _, b := range buckets {
		data = append(data, []string{b.Label, b.Start.Format(time.DateOnly), strconv.Itoa(b.Count)})
	}
	return data
}
