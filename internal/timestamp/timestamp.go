// Package timestamp parses the timestamp and time span query parameters
// accepted by the HTTP surface.
package timestamp

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CompactLayout is the absolute form, always interpreted as UTC.
const CompactLayout = "20060102150405"

// ErrEmpty is returned for an empty timestamp or span.
var ErrEmpty = errors.New("no timestamp given")

// Each unit accepts its initial alone or the spelled-out singular/plural,
// so "3d", "3day" and "3days" are equivalent.
var deltaPattern = regexp.MustCompile(`(?i)^` +
	`(?:(0|[1-9]\d*)w(?:eeks?)?)?` +
	`(?:(0|[1-9]\d*)d(?:ays?)?)?` +
	`(?:(0|[1-9]\d*)h(?:ours?)?)?` +
	`(?:(0|[1-9]\d*)m(?:ins?)?)?` +
	`(?:(0|[1-9]\d*)s(?:ecs?)?)?$`)

var deltaUnits = [...]time.Duration{
	7 * 24 * time.Hour,
	24 * time.Hour,
	time.Hour,
	time.Minute,
	time.Second,
}

// Parse reads either a compact UTC timestamp (YYYYMMDDHHMMSS) or a
// relative one such as "-1h30m", which means that long before now.
func Parse(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		d, err := ParseDelta(s[1:])
		if err != nil {
			return time.Time{}, err
		}
		return now.UTC().Add(-d), nil
	}

	t, err := time.ParseInLocation(CompactLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want YYYYMMDDHHMMSS or -<n>w<n>d<n>h<n>m<n>s", s)
	}
	return t, nil
}

// ParseDelta reads the unsigned part of a relative timestamp. At least one
// unit must be present and units must appear in w, d, h, m, s order.
func ParseDelta(s string) (time.Duration, error) {
	match := deltaPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid time delta %q", s)
	}

	var (
		total time.Duration
		found bool
	)
	for i, unit := range deltaUnits {
		group := match[i+1]
		if group == "" {
			continue
		}
		n, err := strconv.ParseInt(group, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time delta %q: %w", s, err)
		}
		found = true
		if n > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("invalid time delta %q: out of range", s)
		}
		part := time.Duration(n) * unit
		if total > math.MaxInt64-part {
			return 0, fmt.Errorf("invalid time delta %q: out of range", s)
		}
		total += part
	}
	if !found {
		return 0, fmt.Errorf("invalid time delta %q: no units given", s)
	}
	return total, nil
}

// Span is a time range where either bound may be open.
type Span struct {
	Start *time.Time
	End   *time.Time
}

// Bounded reports whether at least one side of the span is set.
func (s Span) Bounded() bool {
	return s.Start != nil || s.End != nil
}

// ParseSpan reads "start_end". Either side may be empty, but the
// underscore is required.
func ParseSpan(s string, now time.Time) (Span, error) {
	if s == "" {
		return Span{}, ErrEmpty
	}
	start, end, ok := strings.Cut(s, "_")
	if !ok {
		return Span{}, fmt.Errorf("invalid time span %q: want [start]_[end]", s)
	}

	var span Span
	if start != "" {
		t, err := Parse(start, now)
		if err != nil {
			return Span{}, err
		}
		span.Start = &t
	}
	if end != "" {
		t, err := Parse(end, now)
		if err != nil {
			return Span{}, err
		}
		span.End = &t
	}
	return span, nil
}
