// Package aggregate computes dashboard statistics from collection snapshots.
// Every function is pure: the same rows and anchor always give the same
// result, and nothing here reads the wall clock.
package aggregate

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Row is one record of a snapshot.
type Row = map[string]any

// Unknown is the category for rows with a missing or empty field.
const Unknown = "unknown"

// AggregateByField counts rows per value of field.
func AggregateByField(rows []Row, field string) map[string]int {
	counts := make(map[string]int)
	for _, row := range rows {
		counts[categoryOf(row, field)]++
	}
	return counts
}

// Count is one category with its number of rows.
type Count struct {
	Value string `json:"value" yaml:"value"`
	Count int    `json:"count" yaml:"count"`
}

// SortedCounts orders counts by descending count, then by value.
func SortedCounts(counts map[string]int) []Count {
	out := make([]Count, 0, len(counts))
	for v, n := range counts {
		out = append(out, Count{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Rate returns numerator/denominator clamped to [0, 1]. A zero, negative or
// non-finite denominator gives 0.
func Rate(numerator, denominator float64) float64 {
	if denominator <= 0 || math.IsNaN(denominator) || math.IsInf(denominator, 0) {
		return 0
	}
	r := numerator / denominator
	switch {
	case math.IsNaN(r), r <= 0:
		return 0
	case r >= 1:
		return 1
	}
	return r
}

// CountWhere counts rows whose field equals one of values.
func CountWhere(rows []Row, field string, values ...string) int {
	want := make(map[string]struct{}, len(values))
	for _, v := range values {
		want[v] = struct{}{}
	}
	n := 0
	for _, row := range rows {
		if _, ok := want[categoryOf(row, field)]; ok {
			n++
		}
	}
	return n
}

// SumField adds up the numeric values of field. Non-numeric values are
// skipped.
func SumField(rows []Row, field string) float64 {
	var sum float64
	for _, row := range rows {
		if v, ok := number(row[field]); ok {
			sum += v
		}
	}
	return sum
}

// Utilization is the share of total capacity in use, e.g. shelter occupancy.
func Utilization(rows []Row, usedField, capacityField string) float64 {
	return Rate(SumField(rows, usedField), SumField(rows, capacityField))
}

func categoryOf(row Row, field string) string {
	v, ok := row[field]
	if !ok || v == nil {
		return Unknown
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case bool:
		s = strconv.FormatBool(t)
	default:
		if f, ok := number(v); ok {
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	if s = strings.TrimSpace(s); s == "" {
		return Unknown
	}
	return s
}

func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
