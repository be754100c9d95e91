// Package utils provides small cross-cutting helpers shared by the
// ingestion and forecasting packages: execution-id generation and UTC
// day-floor arithmetic.
package utils

import (
	"time"

	"github.com/google/uuid"
)

// NewExecutionID generates a unique identifier for one pipeline run
// (ingestion or forecast invocation), threaded through logs and reports so a
// single execution can be traced end to end.
func NewExecutionID() string {
	return uuid.NewString()
}

// StartOfDayUTC floors t to UTC midnight.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of UTC calendar days between a and b
// (b - a), which may be negative.
func DaysBetween(a, b time.Time) int {
	return int(StartOfDayUTC(b).Sub(StartOfDayUTC(a)).Hours() / 24)
}
