// Package livefeed folds per-table change notifications into in-memory,
// insertion-ordered collections.
package livefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type EventType string

const (
	Insert EventType = "insert"
	Update EventType = "update"
	Delete EventType = "delete"
)

// Row is one record of a remote table.
type Row = map[string]any

// ChangeEvent is a single insert, update or delete on a table.
type ChangeEvent struct {
	Table   string    `json:"table"`
	Type    EventType `json:"type"`
	Key     string    `json:"key"`
	Payload Row       `json:"payload,omitempty"`
}

var ErrMalformedEvent = errors.New("malformed change event")

// Validate checks that the event can be applied to a collection for table.
func (e ChangeEvent) Validate(table string) error {
	if e.Table != table {
		return fmt.Errorf("%w: event for table %q on feed %q", ErrMalformedEvent, e.Table, table)
	}
	if e.Key == "" {
		return fmt.Errorf("%w: missing key", ErrMalformedEvent)
	}
	switch e.Type {
	case Insert, Update:
		if e.Payload == nil {
			return fmt.Errorf("%w: %s without payload", ErrMalformedEvent, e.Type)
		}
	case Delete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// wireEvent accepts both the native shape and the trigger shape
// ({"eventType": "INSERT", "new": {...}, "old": {...}}).
type wireEvent struct {
	Table     string `json:"table"`
	Type      string `json:"type"`
	EventType string `json:"eventType"`
	Key       any    `json:"key"`
	Payload   Row    `json:"payload"`
	New       Row    `json:"new"`
	Old       Row    `json:"old"`
}

// DecodeEvent parses a notification payload received on table's feed. When
// the payload carries no explicit key it is read from keyColumn of the new
// row, or of the old row for deletes.
func DecodeEvent(table, keyColumn string, data []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := ChangeEvent{
		Table:   w.Table,
		Type:    EventType(strings.ToLower(firstNonEmpty(w.Type, w.EventType))),
		Payload: w.Payload,
	}
	if ev.Table == "" {
		ev.Table = table
	}
	if ev.Payload == nil {
		ev.Payload = w.New
	}

	var ok bool
	if w.Key != nil {
		ev.Key, ok = KeyOf(w.Key)
	} else {
		// Deletes arrive with an empty new row; the old row holds the key.
		candidates := []Row{ev.Payload, w.Old}
		if ev.Type == Delete {
			candidates = []Row{w.Old, ev.Payload}
		}
		for _, row := range candidates {
			if row == nil {
				continue
			}
			if ev.Key, ok = KeyOf(row[keyColumn]); ok {
				break
			}
		}
	}
	if !ok {
		ev.Key = ""
	}
	if ev.Type == Delete {
		ev.Payload = nil
	}

	if err := ev.Validate(table); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// KeyOf renders a key value as a string. Integral numbers lose their decimal
// point so 42 and "42" address the same row.
func KeyOf(v any) (string, bool) {
	switch k := v.(type) {
	case string:
		return k, k != ""
	case float64:
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return "", false
		}
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case json.Number:
		return k.String(), k != ""
	case int:
		return strconv.Itoa(k), true
	case int32:
		return strconv.FormatInt(int64(k), 10), true
	case int64:
		return strconv.FormatInt(k, 10), true
	case fmt.Stringer:
		s := k.String()
		return s, s != ""
	default:
		return "", false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
