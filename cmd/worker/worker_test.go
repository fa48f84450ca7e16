package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janrakshak/identity-sync/internal/aggregate"
	"github.com/janrakshak/identity-sync/internal/diagnostics"
	"github.com/janrakshak/identity-sync/internal/livefeed"
)

func TestFetchDiagnostics(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/debug/diagnostics", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []diagnostics.Record{
			{Level: diagnostics.LevelWarn, Component: diagnostics.ComponentFeed, Event: "malformed_event", Table: "flood_reports"},
		}})
	}))
	defer srv.Close()

	records, err := fetchDiagnostics(context.Background(), srv.Client(), srv.URL+"/", diagnostics.Query{
		Component: diagnostics.ComponentFeed,
		MinLevel:  diagnostics.LevelWarn,
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "malformed_event", records[0].Event)
	assert.Equal(t, "component=change_feed&level=warn&limit=5", gotQuery)

	table := diagnosticsTable(records)
	require.Len(t, table, 2)
	assert.Equal(t, "flood_reports", table[1][4])
}

func TestFetchDiagnostics_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchDiagnostics(context.Background(), srv.Client(), srv.URL, diagnostics.Query{})
	assert.ErrorContains(t, err, "500")
}

func TestBuildEvent(t *testing.T) {
	ev, err := buildEvent("flood_reports", "INSERT", "", `{"id":"r1","severity":"high"}`, "id")
	require.NoError(t, err)
	assert.Equal(t, livefeed.Insert, ev.Type)
	assert.Equal(t, "r1", ev.Key)
	assert.Equal(t, "high", ev.Payload["severity"])

	ev, err = buildEvent("flood_reports", "delete", "r1", "", "id")
	require.NoError(t, err)
	assert.Equal(t, livefeed.Delete, ev.Type)

	_, err = buildEvent("flood_reports", "upsert", "r1", "", "id")
	assert.Error(t, err)

	_, err = buildEvent("flood_reports", "update", "r1", "", "id")
	assert.ErrorIs(t, err, livefeed.ErrMalformedEvent)

	_, err = buildEvent("flood_reports", "insert", "", `[1]`, "id")
	assert.Error(t, err)

	ev, err = buildEvent("admin_shelters", "insert", "", `{"id":"wrong","shelter_id":"s7"}`, "shelter_id")
	require.NoError(t, err)
	assert.Equal(t, "s7", ev.Key)

	_, err = buildEvent("admin_shelters", "update", "", `{"shelter_id":9,"capacity":40}`, "")
	assert.ErrorIs(t, err, livefeed.ErrMalformedEvent, "default key column is id")
}

func TestStatsTables(t *testing.T) {
	rows := []aggregate.Row{
		{"severity": "high", "created_at": "2024-03-10T08:00:00Z"},
		{"severity": "high", "created_at": "2024-03-09T08:00:00Z"},
		{"severity": "low", "created_at": "2024-03-01T08:00:00Z"},
		{"created_at": "2024-03-10T09:00:00Z"},
	}

	counts := countsTable(aggregate.SortedCounts(aggregate.AggregateByField(rows, "severity")), "severity", len(rows))
	assert.Equal(t, []string{"SEVERITY", "COUNT", "SHARE"}, counts[0])
	assert.Equal(t, []string{"high", "2", "50.0%"}, counts[1])
	assert.Len(t, counts, 4)

	anchor := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	timeline := timelineTable(aggregate.BucketByTime(rows, "created_at", aggregate.Last7Days, anchor))
	require.Len(t, timeline, 8)
	assert.Equal(t, []string{"Sun", "2024-03-10", "2"}, timeline[7])
}

func TestRender(t *testing.T) {
	defer func(prev string) { outputFormat = prev }(outputFormat)
	counts := []aggregate.Count{{Value: "high", Count: 2}}

	var buf bytes.Buffer
	outputFormat = "yaml"
	require.NoError(t, render(&buf, counts, nil))
	assert.Equal(t, "- value: high\n  count: 2\n", buf.String())

	buf.Reset()
	outputFormat = "json"
	require.NoError(t, render(&buf, counts, nil))
	assert.JSONEq(t, `[{"value":"high","count":2}]`, buf.String())

	outputFormat = "xml"
	assert.Error(t, render(&buf, counts, nil))
}
