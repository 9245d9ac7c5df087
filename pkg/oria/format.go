package oria

import (
	"strings"
	"time"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

// Date formats t for binding to a DATE column. The zero time binds NULL.
func Date(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(dateLayout)
}

// Timestamp formats t in UTC for binding to, or comparing with, a TIMESTAMP
// column. SQLite stores CURRENT_TIMESTAMP in the same layout, so text
// comparison orders correctly there too.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Null binds nil for an empty or blank string.
func Null(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// NullPtr binds nil for a nil pointer.
func NullPtr[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
