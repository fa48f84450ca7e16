package livefeed

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// Entry is a keyed row, used for ordered iteration and full reloads.
type Entry struct {
	Key string `json:"key"`
	Row Row    `json:"row"`
}

// Collection is a keyed, insertion-ordered view of one table. It has a single
// writer (the feed goroutine); readers get copies.
//
// Events are applied last-write-wins with no per-row version, so a delete
// followed by a late insert for the same key brings the row back.
type Collection struct {
	table string

	mu         sync.RWMutex
	order      []string
	rows       map[string]Row
	stale      bool
	staleSince time.Time
	version    uint64
}

func NewCollection(table string) *Collection {
	return &Collection{
		table: table,
		rows:  make(map[string]Row),
	}
}

func (c *Collection) Table() string {
	return c.table
}

// Apply folds one event into the collection. It reports whether the
// collection changed.
func (c *Collection) Apply(ev ChangeEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case Insert:
		c.put(ev.Key, maps.Clone(ev.Payload))
	case Update:
		merged := maps.Clone(c.rows[ev.Key])
		if merged == nil {
			merged = make(Row, len(ev.Payload))
		}
		maps.Copy(merged, ev.Payload)
		c.put(ev.Key, merged)
	case Delete:
		if _, ok := c.rows[ev.Key]; !ok {
			return false
		}
		delete(c.rows, ev.Key)
		for i, k := range c.order {
			if k == ev.Key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	default:
		return false
	}
	c.version++
	return true
}

// put stores row under key, keeping the original position of existing keys.
func (c *Collection) put(key string, row Row) {
	if _, ok := c.rows[key]; !ok {
		c.order = append(c.order, key)
	}
	c.rows[key] = row
}

// Replace swaps the whole content for entries and clears the stale flag.
// Later duplicates of a key overwrite earlier ones in place.
func (c *Collection) Replace(entries []Entry) {
	order := make([]string, 0, len(entries))
	rows := make(map[string]Row, len(entries))
	for _, e := range entries {
		if _, ok := rows[e.Key]; !ok {
			order = append(order, e.Key)
		}
		rows[e.Key] = maps.Clone(e.Row)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = order
	c.rows = rows
	c.stale = false
	c.staleSince = time.Time{}
	c.version++
}

// MarkStale flags that events may have been missed since at.
func (c *Collection) MarkStale(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stale {
		c.stale = true
		c.staleSince = at
	}
}

// Stale reports whether a transport reconnect happened since the last full
// reload, and since when.
func (c *Collection) Stale() (bool, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale, c.staleSince
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Version increases on every change.
func (c *Collection) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Collection) Get(key string) (Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[key]
	if !ok {
		return nil, false
	}
	return maps.Clone(row), true
}

func (c *Collection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Snapshot returns copies of all rows in insertion order.
func (c *Collection) Snapshot() []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Row, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, maps.Clone(c.rows[k]))
	}
	return out
}

func (c *Collection) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, Entry{Key: k, Row: maps.Clone(c.rows[k])})
	}
	return out
}

// Filter restricts a feed to rows whose Column equals Value. The zero Filter
// matches every row.
type Filter struct {
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ParseFilter accepts "column=value" and "column=eq.value". An empty string
// is the zero Filter.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	col, val, ok := strings.Cut(s, "=")
	col = strings.TrimSpace(col)
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("invalid filter %q, want column=value", s)
	}
	val = strings.TrimPrefix(strings.TrimSpace(val), "eq.")
	return Filter{Column: col, Value: val}, nil
}

func (f Filter) IsZero() bool {
	return f.Column == ""
}

func (f Filter) Matches(row Row) bool {
	if f.IsZero() {
		return true
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	if s, ok := KeyOf(v); ok {
		return s == f.Value
	}
	return fmt.Sprint(v) == f.Value
}

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}
