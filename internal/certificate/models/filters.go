package models

import (
	"fmt"
	"strings"
	"time"
)

// Filters selects records by column. String values match by case-insensitive
// substring containment; other values match by equality. Empty values and
// unknown columns are ignored.
type Filters map[string]any

// Match reports whether r satisfies every filter.
func (f Filters) Match(r CertificateRecord) bool {
	for column, want := range f {
		if !matchColumn(r, column, want) {
			return false
		}
	}
	return true
}

// Active returns the filters that constrain anything.
func (f Filters) Active() Filters {
	out := make(Filters, len(f))
	for column, want := range f {
		if IsColumn(column) && !isEmptyFilter(want) {
			out[column] = want
		}
	}
	return out
}

func isEmptyFilter(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case Status:
		return t == ""
	case time.Time:
		return t.IsZero()
	default:
		return false
	}
}

func matchColumn(r CertificateRecord, column string, want any) bool {
	if isEmptyFilter(want) {
		return true
	}
	field, ok := r.Field(column)
	if !ok {
		return true
	}

	switch v := want.(type) {
	case string:
		return strings.Contains(strings.ToLower(field), strings.ToLower(v))
	case Status:
		return column == ColSituacao && r.Status == v
	case time.Time:
		if column != ColDataValidade || r.ExpiryDate == nil {
			return false
		}
		y1, m1, d1 := r.ExpiryDate.Date()
		y2, m2, d2 := v.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	default:
		return field == fmt.Sprint(v)
	}
}
