package policy

import (
	"fmt"
	"strings"
	"time"
)

type PeriodKind string

const (
	PeriodCalendarMonth PeriodKind = "calendar-month"
	PeriodCalendarWeek  PeriodKind = "calendar-week"
	PeriodRolling       PeriodKind = "rolling"
)

// Period is the accounting window a budget applies to. Windows are half-open
// [start, end) and computed in UTC.
type Period struct {
	Kind   PeriodKind
	Length time.Duration
}

// ParsePeriod accepts "calendar-month", "calendar-week" or "rolling:<duration>".
func ParsePeriod(raw string) (Period, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch {
	case raw == "" || raw == string(PeriodCalendarMonth):
		return Period{Kind: PeriodCalendarMonth}, nil
	case raw == string(PeriodCalendarWeek):
		return Period{Kind: PeriodCalendarWeek}, nil
	case strings.HasPrefix(raw, string(PeriodRolling)+":"):
		d, err := time.ParseDuration(strings.TrimPrefix(raw, string(PeriodRolling)+":"))
		if err != nil {
			return Period{}, fmt.Errorf("parse rolling period: %w", err)
		}
		if d <= 0 {
			return Period{}, fmt.Errorf("rolling period must be positive, got %s", d)
		}
		return Period{Kind: PeriodRolling, Length: d}, nil
	default:
		return Period{}, fmt.Errorf("unknown accounting period %q", raw)
	}
}

func (p Period) String() string {
	if p.Kind == PeriodRolling {
		return fmt.Sprintf("%s:%s", p.Kind, p.Length)
	}
	return string(p.Kind)
}

// Window returns the period containing now. For rolling periods end is just
// past now so that events emitted at now are included.
func (p Period) Window(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch p.Kind {
	case PeriodCalendarWeek:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case PeriodRolling:
		end := now.Add(time.Nanosecond)
		return end.Add(-p.Length), end
	default:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// UsageWindow is the window budget usage is summed over. A rolling window stays
// open one period length past now so events another writer stamped just after
// now still count.
func (p Period) UsageWindow(now time.Time) (time.Time, time.Time) {
	start, end := p.Window(now)
	if p.Kind == PeriodRolling {
		end = now.UTC().Add(p.Length)
	}
	return start, end
}
