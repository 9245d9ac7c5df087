package textnorm

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Layouts accepted for dates in loader inputs, tried in order.
var DateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-06",
	"02-Jan-2006",
	"01/02/06",
	"1/2/06",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate parses s with the first matching layout, DateLayouts when none
// are given. A blank s yields the zero time and no error.
func ParseDate(s string, layouts ...string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if len(layouts) == 0 {
		layouts = DateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("invalid date: %s", s)
}
