package writeback

import (
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
)

// OffsetSchedule subtracts a time-of-day dependent offset from displayed counts.
// The hour is taken from the poller's wall clock, never from the device.
type OffsetSchedule struct {
	CutoffHour int
	Before     int64
	After      int64
}

// DefaultOffsetSchedule subtracts 2 before 11:00 and 3 from 11:00 on.
func DefaultOffsetSchedule() OffsetSchedule {
	return OffsetSchedule{CutoffHour: 11, Before: 2, After: 3}
}

// Offset returns the offset in force at t.
func (s OffsetSchedule) Offset(t time.Time) int64 {
	if t.Hour() < s.CutoffHour {
		return s.Before
	}
	return s.After
}

// Adjust applies the offset to a count, clamping at zero.
func (s OffsetSchedule) Adjust(count int64, t time.Time) int64 {
	v := count - s.Offset(t)
	if v < 0 {
		return 0
	}
	return v
}

// Classifier grades alarm durations in seconds.
type Classifier struct {
	EarlyBelow time.Duration
	Target     time.Duration
	LateAbove  time.Duration
}

// DefaultClassifier returns the 10s/13s/16s grading.
func DefaultClassifier() Classifier {
	return Classifier{EarlyBelow: 10 * time.Second, Target: 13 * time.Second, LateAbove: 16 * time.Second}
}

// Classify grades a duration given in whole seconds.
func (c Classifier) Classify(seconds int64) domain.DurationClass {
	d := time.Duration(seconds) * time.Second
	switch {
	case d < c.EarlyBelow:
		return domain.DurationEarly
	case d > c.LateAbove:
		return domain.DurationLate
	default:
		return domain.DurationOnTime
	}
}

// StartOfDay returns local midnight of t's calendar date.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
