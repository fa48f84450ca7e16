package livefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(t EventType, key string, payload Row) ChangeEvent {
	return ChangeEvent{Table: "flood_reports", Type: t, Key: key, Payload: payload}
}

func TestCollection_InsertUpdateDeleteEndsEmpty(t *testing.T) {
	c := NewCollection("flood_reports")

	c.Apply(ev(Insert, "k", Row{"id": "k", "status": "pending"}))
	c.Apply(ev(Update, "k", Row{"status": "verified"}))
	c.Apply(ev(Delete, "k", nil))

	assert.Zero(t, c.Len())
	assert.Empty(t, c.Snapshot())
}

func TestCollection_DeleteThenLateInsertResurrects(t *testing.T) {
	c := NewCollection("flood_reports")

	assert.False(t, c.Apply(ev(Delete, "k", nil)))
	c.Apply(ev(Insert, "k", Row{"id": "k", "v": 1}))

	row, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, Row{"id": "k", "v": 1}, row)
	assert.Equal(t, 1, c.Len())
}

func TestCollection_InsertIsUpsertAndKeepsPosition(t *testing.T) {
	c := NewCollection("admin_shelters")

	c.Apply(ev(Insert, "a", Row{"name": "A"}))
	c.Apply(ev(Insert, "b", Row{"name": "B"}))
	c.Apply(ev(Insert, "a", Row{"name": "A2"}))

	assert.Equal(t, []string{"a", "b"}, c.Keys())
	assert.Equal(t, []Row{{"name": "A2"}, {"name": "B"}}, c.Snapshot())
}

func TestCollection_UpdateMergesOrInserts(t *testing.T) {
	c := NewCollection("admin_shelters")

	c.Apply(ev(Update, "s1", Row{"occupancy": 10.0}))
	row, ok := c.Get("s1")
	require.True(t, ok, "update of a missing key inserts it")
	assert.Equal(t, Row{"occupancy": 10.0}, row)

	c.Apply(ev(Insert, "s2", Row{"name": "School", "capacity": 200.0, "occupancy": 50.0}))
	c.Apply(ev(Update, "s2", Row{"occupancy": 75.0}))

	row, _ = c.Get("s2")
	assert.Equal(t, Row{"name": "School", "capacity": 200.0, "occupancy": 75.0}, row)
	assert.Equal(t, []string{"s1", "s2"}, c.Keys())
}

func TestCollection_SnapshotsAreCopies(t *testing.T) {
	c := NewCollection("admin_alerts")
	payload := Row{"severity": "high"}
	c.Apply(ev(Insert, "a1", payload))

	payload["severity"] = "mutated"
	snap := c.Snapshot()
	snap[0]["severity"] = "changed"

	row, _ := c.Get("a1")
	assert.Equal(t, "high", row["severity"])
}

func TestCollection_ReplaceClearsStale(t *testing.T) {
	c := NewCollection("volunteers")
	c.Apply(ev(Insert, "old", Row{"id": "old"}))
	at := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	c.MarkStale(at)
	c.MarkStale(at.Add(time.Hour))

	stale, since := c.Stale()
	require.True(t, stale)
	assert.Equal(t, at, since)

	before := c.Version()
	c.Replace([]Entry{
		{Key: "v1", Row: Row{"id": "v1"}},
		{Key: "v2", Row: Row{"id": "v2"}},
		{Key: "v1", Row: Row{"id": "v1", "name": "dup"}},
	})

	stale, _ = c.Stale()
	assert.False(t, stale)
	assert.Greater(t, c.Version(), before)
	assert.Equal(t, []string{"v1", "v2"}, c.Keys())
	row, _ := c.Get("v1")
	assert.Equal(t, "dup", row["name"])
	_, ok := c.Get("old")
	assert.False(t, ok)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("district=eq.Chennai")
	require.NoError(t, err)
	assert.Equal(t, Filter{Column: "district", Value: "Chennai"}, f)
	assert.Equal(t, "district=eq.Chennai", f.String())

	f, err = ParseFilter(" state = Kerala ")
	require.NoError(t, err)
	assert.Equal(t, Filter{Column: "state", Value: "Kerala"}, f)

	f, err = ParseFilter("")
	require.NoError(t, err)
	assert.True(t, f.IsZero())

	_, err = ParseFilter("district")
	assert.Error(t, err)
	_, err = ParseFilter("=x")
	assert.Error(t, err)
}

func TestFilter_Matches(t *testing.T) {
	f := Filter{Column: "shelter_id", Value: "12"}

	assert.True(t, f.Matches(Row{"shelter_id": 12.0}))
	assert.True(t, f.Matches(Row{"shelter_id": "12"}))
	assert.False(t, f.Matches(Row{"shelter_id": 13.0}))
	assert.False(t, f.Matches(Row{"other": "12"}))
	assert.True(t, Filter{}.Matches(Row{}))
	assert.True(t, Filter{Column: "active", Value: "true"}.Matches(Row{"active": true}))
}
