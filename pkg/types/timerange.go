package types

import "time"

// TimeRange is an inclusive interval [From, To] with From <= To. Operations
// on TimeRange are pure; none mutate the receiver.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// NewTimeRange constructs a TimeRange, rejecting from > to.
func NewTimeRange(from, to time.Time) (TimeRange, error) {
	if from.After(to) {
		return TimeRange{}, &InvalidRequestError{Field: "timeRange", Reason: "from must not be after to"}
	}
	return TimeRange{From: from, To: to}, nil
}

// FromDates maps a pair of calendar days to the day-inclusive instant range
// [startOfDay(a, UTC), startOfDay(b+1, UTC)) — i.e. to is exclusive of the
// next day's midnight, which makes day b fully included.
func FromDates(a, b time.Time) (TimeRange, error) {
	start := startOfDayUTC(a)
	end := startOfDayUTC(b).AddDate(0, 0, 1)
	return NewTimeRange(start, end)
}

func startOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Contains reports whether t falls within [From, To] inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// DurationDays returns the whole number of days spanned by the range.
func (r TimeRange) DurationDays() int {
	return int(r.To.Sub(r.From).Hours() / 24)
}

// Overlaps reports whether r and other share at least one instant.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return !r.To.Before(other.From) && !other.To.Before(r.From)
}

// SplitIntoDays tiles the range into contiguous, pairwise-disjoint
// sub-ranges of at most n days each. The union of the returned chunks
// equals the original range; chunks touch only at their shared endpoint.
// from == to yields a single zero-length chunk.
func (r TimeRange) SplitIntoDays(n int) []TimeRange {
	if n <= 0 {
		n = 1
	}
	if r.From.Equal(r.To) {
		return []TimeRange{r}
	}

	var chunks []TimeRange
	cursor := r.From
	step := time.Duration(n) * 24 * time.Hour
	for cursor.Before(r.To) {
		next := cursor.Add(step)
		if next.After(r.To) {
			next = r.To
		}
		chunks = append(chunks, TimeRange{From: cursor, To: next})
		cursor = next
	}
	return chunks
}

// Days returns every UTC calendar day whose midnight falls in [From, To).
// Used for gap identification against a day-keyed master-data series.
func (r TimeRange) Days() []time.Time {
	var days []time.Time
	d := startOfDayUTC(r.From)
	end := startOfDayUTC(r.To)
	for d.Before(end) {
		days = append(days, d)
		d = d.AddDate(0, 0, 1)
	}
	return days
}
