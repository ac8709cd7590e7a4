package runner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionState is the market's tradability window.
type SessionState string

const (
	SessionOpen        SessionState = "OPEN"
	SessionMaintenance SessionState = "MAINTENANCE"
	SessionClosed      SessionState = "CLOSED"
)

// HolidayKind partitions exchange holidays by how much of the day
// trades.
type HolidayKind string

const (
	// FullDayClosure trades nothing, including the evening session.
	FullDayClosure HolidayKind = "FULL_DAY_CLOSURE"
	// PartialClosure skips the day session; the evening opens 18:00 ET.
	PartialClosure HolidayKind = "PARTIAL"
	// EarlyClose ends the day session at 13:00 ET.
	EarlyClose HolidayKind = "EARLY_CLOSE"
)

type holidayEntry struct {
	Date string `yaml:"date"` // YYYY-MM-DD in ET
	Kind string `yaml:"kind"`
	Name string `yaml:"name,omitempty"`
}

type holidayFile struct {
	Holidays []holidayEntry `yaml:"holidays"`
}

// Calendar answers CME futures session questions: weekly window Sunday
// 18:00 ET through Friday 17:00 ET, daily maintenance 17:00-18:00 ET
// Monday through Thursday, holidays from a config asset.
type Calendar struct {
	loc      *time.Location
	holidays map[string]HolidayKind // YYYY-MM-DD -> kind
}

// NewCalendar creates a calendar over the given holiday table.
func NewCalendar(holidays map[string]HolidayKind) (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone: %w", err)
	}
	if holidays == nil {
		holidays = make(map[string]HolidayKind)
	}
	return &Calendar{loc: loc, holidays: holidays}, nil
}

// LoadCalendar reads the holiday table from a yaml asset so the table
// updates without a code change.
func LoadCalendar(path string) (*Calendar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read holiday calendar %s: %w", path, err)
	}
	var file holidayFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse holiday calendar %s: %w", path, err)
	}

	holidays := make(map[string]HolidayKind, len(file.Holidays))
	for _, entry := range file.Holidays {
		if _, err := time.Parse("2006-01-02", entry.Date); err != nil {
			return nil, fmt.Errorf("bad holiday date %q: %w", entry.Date, err)
		}
		switch kind := HolidayKind(entry.Kind); kind {
		case FullDayClosure, PartialClosure, EarlyClose:
			holidays[entry.Date] = kind
		default:
			return nil, fmt.Errorf("unknown holiday kind %q for %s", entry.Kind, entry.Date)
		}
	}
	return NewCalendar(holidays)
}

func (c *Calendar) holidayOn(t time.Time) (HolidayKind, bool) {
	kind, ok := c.holidays[t.In(c.loc).Format("2006-01-02")]
	return kind, ok
}

// State classifies t against the session windows.
func (c *Calendar) State(t time.Time) SessionState {
	et := t.In(c.loc)
	day := et.Weekday()
	minutes := et.Hour()*60 + et.Minute()

	if kind, ok := c.holidayOn(et); ok {
		switch kind {
		case FullDayClosure:
			return SessionClosed
		case PartialClosure:
			if minutes < 18*60 {
				return SessionClosed
			}
		case EarlyClose:
			if minutes >= 13*60 && minutes < 18*60 {
				return SessionClosed
			}
		}
	}

	switch day {
	case time.Saturday:
		return SessionClosed
	case time.Sunday:
		if minutes < 18*60 {
			return SessionClosed
		}
		return SessionOpen
	case time.Friday:
		if minutes >= 17*60 {
			return SessionClosed
		}
		return SessionOpen
	default: // Monday through Thursday
		if minutes >= 17*60 && minutes < 18*60 {
			return SessionMaintenance
		}
		return SessionOpen
	}
}

// NextClose returns the next hard session close after t: Friday 17:00
// ET, an EARLY_CLOSE 13:00 ET, or the 17:00 close preceding a
// FULL_DAY_CLOSURE (two-day lookahead for multi-day closures).
func (c *Calendar) NextClose(t time.Time) (time.Time, bool) {
	et := t.In(c.loc)
	for offset := 0; offset <= 3; offset++ {
		day := et.AddDate(0, 0, offset)
		dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)

		var candidates []time.Time
		if kind, ok := c.holidayOn(dayStart); ok && kind == EarlyClose {
			candidates = append(candidates, dayStart.Add(13*time.Hour))
		}
		if dayStart.Weekday() == time.Friday {
			candidates = append(candidates, dayStart.Add(17*time.Hour))
		}
		for lookahead := 1; lookahead <= 2; lookahead++ {
			next := dayStart.AddDate(0, 0, lookahead)
			if kind, ok := c.holidayOn(next); ok && kind == FullDayClosure {
				candidates = append(candidates, dayStart.Add(17*time.Hour))
				break
			}
		}

		for _, candidate := range candidates {
			if candidate.After(et) {
				return candidate, true
			}
		}
	}
	return time.Time{}, false
}

// MinutesUntilClose returns whole minutes until the next hard close,
// or false when none falls inside the scan window.
func (c *Calendar) MinutesUntilClose(t time.Time) (int, bool) {
	closeAt, ok := c.NextClose(t)
	if !ok {
		return 0, false
	}
	return int(closeAt.Sub(t).Minutes()), true
}

// ShouldFlatten reports whether an open position must be force-exited
// ahead of the coming close.
func (c *Calendar) ShouldFlatten(t time.Time, flattenMinutes int) bool {
	if c.State(t) != SessionOpen {
		return false
	}
	mins, ok := c.MinutesUntilClose(t)
	return ok && mins <= flattenMinutes
}
