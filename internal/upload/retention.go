package upload

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Retention is how many days a finalized transfer stays downloadable.
type Retention int

const (
	OneDay    Retention = 1
	ThreeDays Retention = 3
	SevenDays Retention = 7
)

// Valid reports whether r is one of the offered retention choices.
func (r Retention) Valid() bool {
	switch r {
	case OneDay, ThreeDays, SevenDays:
		return true
	}
	return false
}

func (r Retention) Duration() time.Duration {
	return time.Duration(r) * 24 * time.Hour
}

// ExpiresAt returns the expiration of a transfer created at t.
func (r Retention) ExpiresAt(t time.Time) time.Time {
	return t.AddDate(0, 0, int(r))
}

// ParseRetention parses the client's expiration option ("1", "3" or "7").
func ParseRetention(s string) (Retention, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRetention, s)
	}
	r := Retention(n)
	if !r.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRetention, s)
	}
	return r, nil
}
