package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NextChange is the soonest future scheduled cap change for a line.
type NextChange struct {
	At      time.Time
	Label   string // "Mon 02 Jan 15:04" in the matrix timezone
	ValueGB string
}

// mondayIndex maps Go's Sunday-based weekday to the matrix's Monday-based
// day index.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// FormatGBValue renders a slot value for display: two decimals when numeric,
// the raw trimmed text otherwise.
func FormatGBValue(v string) string {
	v = strings.TrimSpace(v)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	return fmt.Sprintf("%.2f", f)
}

// NextChangeFor scans the next 7 days across a line's populated week slots
// and returns the soonest firing strictly after now, or nil when the line is
// disabled or no future slot exists in the window.
func NextChangeFor(ls LineSchedule, loc *time.Location, now time.Time) *NextChange {
	if !ls.Enabled {
		return nil
	}

	now = now.In(loc)
	upper := now.AddDate(0, 0, 7)
	nowIdx := mondayIndex(now.Weekday())

	var best *NextChange
	for day, slots := range ls.Week {
		idx, ok := dayIndex[day]
		if !ok {
			continue
		}
		offset := (idx - nowIdx + 7) % 7
		target := now.AddDate(0, 0, offset)

		for _, slot := range slots {
			if !slot.Valid() {
				continue
			}
			hour, minute, _ := ParseSlotTime(slot.Time)
			at := time.Date(target.Year(), target.Month(), target.Day(), hour, minute, 0, 0, loc)
			if !at.After(now) || at.After(upper) {
				continue
			}
			if best == nil || at.Before(best.At) {
				best = &NextChange{
					At:      at,
					Label:   at.Format("Mon 02 Jan 15:04"),
					ValueGB: FormatGBValue(slot.Value),
				}
			}
		}
	}

	return best
}
