// Package event turns the trading calendar into the ordered sequence of
// simulation ticks the executor consumes.
package event

import "time"

// Kind discriminates the two tick types the executor dispatches on.
type Kind int

const (
	// Bar ticks dispatch the strategy's handle-bar callback.
	Bar Kind = iota
	// Settle ticks trigger mark-to-market settlement.
	Settle
)

func (k Kind) String() string {
	if k == Settle {
		return "SETTLE"
	}
	return "BAR"
}

// Event is one simulation tick.
type Event struct {
	Time time.Time
	Kind Kind
}

// Source is a finite, non-restartable sequence of ticks in strictly
// increasing time order.
type Source interface {
	Next() (Event, bool)
}

// IsSettlementTime reports whether a timestamp falls in one of the two
// futures settlement windows: [15:00, 20:00) after the day session and
// [03:00, 08:00) after the night session.
func IsSettlementTime(t time.Time) bool {
	h := t.Hour()
	return (h >= 15 && h < 20) || (h >= 3 && h < 8)
}

// FuturesSource emits one tick per minute-calendar entry: a settle tick
// inside a settlement window, a bar tick otherwise.
type FuturesSource struct {
	calendar []time.Time
	next     int
}

// NewFuturesSource creates a source over a pre-sorted minute calendar.
func NewFuturesSource(calendar []time.Time) *FuturesSource {
	return &FuturesSource{calendar: calendar}
}

func (s *FuturesSource) Next() (Event, bool) {
	if s.next >= len(s.calendar) {
		return Event{}, false
	}
	t := s.calendar[s.next]
	s.next++

	kind := Bar
	if IsSettlementTime(t) {
		kind = Settle
	}
	return Event{Time: t, Kind: kind}, true
}

// DailySource emits a bar tick followed by a settle tick for every
// calendar day, for daily-frequency runs.
type DailySource struct {
	calendar []time.Time
	next     int
	settle   bool
}

// NewDailySource creates a source over a pre-sorted daily calendar.
func NewDailySource(calendar []time.Time) *DailySource {
	return &DailySource{calendar: calendar}
}

func (s *DailySource) Next() (Event, bool) {
	if s.next >= len(s.calendar) {
		return Event{}, false
	}
	t := s.calendar[s.next]
	if !s.settle {
		s.settle = true
		return Event{Time: t, Kind: Bar}, true
	}
	s.settle = false
	s.next++
	return Event{Time: t, Kind: Settle}, true
}

// SettlementIndex extracts the settlement timestamps the risk calculator
// indexes by: the in-window subset for minute frequency, the whole
// calendar otherwise.
func SettlementIndex(calendar []time.Time, frequency string) []time.Time {
	if frequency != "1m" {
		out := make([]time.Time, len(calendar))
		copy(out, calendar)
		return out
	}
	var out []time.Time
	for _, t := range calendar {
		if IsSettlementTime(t) {
			out = append(out, t)
		}
	}
	return out
}
