package diagnostics

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(capacity int) *Recorder {
	return NewRecorder(capacity, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecorder_FillsDefaults(t *testing.T) {
	r := newTestRecorder(4)
	r.Record(Record{Component: ComponentResolver, Event: "profile_not_found"})

	recs := r.Recent(Query{})
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
	assert.False(t, recs[0].At.IsZero())
	assert.Equal(t, LevelInfo, recs[0].Level)
}

func TestRecorder_RingBufferKeepsNewest(t *testing.T) {
	r := newTestRecorder(3)
	for _, ev := range []string{"a", "b", "c", "d", "e"} {
		r.Record(Record{Component: ComponentFeed, Event: ev})
	}

	recs := r.Recent(Query{})
	require.Len(t, recs, 3)
	assert.Equal(t, "e", recs[0].Event)
	assert.Equal(t, "d", recs[1].Event)
	assert.Equal(t, "c", recs[2].Event)
	assert.Equal(t, 0, r.Count("a"))
	assert.Equal(t, 1, r.Count("e"))
}

func TestRecorder_Query(t *testing.T) {
	r := newTestRecorder(10)
	r.Record(Record{Component: ComponentFeed, Event: "malformed_event", Table: "flood_reports", Level: LevelWarn})
	r.Record(Record{Component: ComponentFeed, Event: "malformed_event", Table: "admin_shelters", Level: LevelWarn})
	r.Record(Record{Component: ComponentBridge, Event: "signed_out"})
	r.Record(Record{Component: ComponentResolver, Event: "lookup_failed", Level: LevelError})

	assert.Len(t, r.Recent(Query{Component: ComponentFeed}), 2)
	assert.Len(t, r.Recent(Query{Table: "admin_shelters"}), 1)
	assert.Len(t, r.Recent(Query{MinLevel: LevelWarn}), 3)
	assert.Len(t, r.Recent(Query{MinLevel: LevelError}), 1)
	assert.Len(t, r.Recent(Query{Limit: 2}), 2)

	r.Reset()
	assert.Empty(t, r.Recent(Query{}))
}
