package config

import (
	"fmt"
	"strings"
	"time"
)

// Range is an inclusive [Min, Max] delay window.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// ParseRange accepts "2s-6s", "2s,6s" or a single duration.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("empty range")
	}
	lo, hi, ok := strings.Cut(s, ",")
	if !ok {
		lo, hi, ok = strings.Cut(s, "-")
	}
	if !ok {
		hi = lo
	}
	from, err := time.ParseDuration(strings.TrimSpace(lo))
	if err != nil {
		return Range{}, err
	}
	to, err := time.ParseDuration(strings.TrimSpace(hi))
	if err != nil {
		return Range{}, err
	}
	r := Range{Min: from, Max: to}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

func (r Range) Validate() error {
	if r.Min < 0 {
		return fmt.Errorf("range minimum %s is negative", r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("range maximum %s is below minimum %s", r.Max, r.Min)
	}
	return nil
}

func (r Range) String() string {
	return r.Min.String() + "-" + r.Max.String()
}
