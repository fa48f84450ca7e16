package livefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want ChangeEvent
	}{
		{
			name: "native shape",
			data: `{"table":"flood_reports","type":"insert","key":"r1","payload":{"id":"r1","severity":"high"}}`,
			want: ChangeEvent{Table: "flood_reports", Type: Insert, Key: "r1", Payload: Row{"id": "r1", "severity": "high"}},
		},
		{
			name: "trigger shape with numeric key",
			data: `{"table":"flood_reports","eventType":"UPDATE","new":{"id":42,"status":"verified"},"old":{"id":42}}`,
			want: ChangeEvent{Table: "flood_reports", Type: Update, Key: "42", Payload: Row{"id": 42.0, "status": "verified"}},
		},
		{
			name: "delete keyed by old row",
			data: `{"eventType":"DELETE","new":null,"old":{"id":"r9"}}`,
			want: ChangeEvent{Table: "flood_reports", Type: Delete, Key: "r9"},
		},
		{
			name: "delete with empty new row",
			data: `{"eventType":"DELETE","new":{},"old":{"id":"a1"}}`,
			want: ChangeEvent{Table: "flood_reports", Type: Delete, Key: "a1"},
		},
		{
			name: "delete without old row falls back to payload",
			data: `{"type":"delete","payload":{"id":"r4"}}`,
			want: ChangeEvent{Table: "flood_reports", Type: Delete, Key: "r4"},
		},
		{
			name: "explicit numeric key",
			data: `{"type":"delete","key":7}`,
			want: ChangeEvent{Table: "flood_reports", Type: Delete, Key: "7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent("flood_reports", "id", []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"type":`,
		"missing key":      `{"type":"insert","payload":{"name":"no id"}}`,
		"empty key":        `{"type":"delete","key":""}`,
		"unknown type":     `{"type":"truncate","key":"r1"}`,
		"wrong table":      `{"table":"admin_alerts","type":"delete","key":"r1"}`,
		"insert no row":    `{"type":"insert","key":"r1"}`,
		"unsupported key":  `{"type":"delete","key":{"nested":true}}`,
		"missing type":     `{"key":"r1","payload":{"id":"r1"}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent("flood_reports", "id", []byte(data))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestKeyOf(t *testing.T) {
	k, ok := KeyOf(3.0)
	assert.True(t, ok)
	assert.Equal(t, "3", k)

	k, ok = KeyOf(2.5)
	assert.True(t, ok)
	assert.Equal(t, "2.5", k)

	k, ok = KeyOf(int64(99))
	assert.True(t, ok)
	assert.Equal(t, "99", k)

	_, ok = KeyOf(nil)
	assert.False(t, ok)
	_, ok = KeyOf("")
	assert.False(t, ok)
}
