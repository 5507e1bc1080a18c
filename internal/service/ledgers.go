package service

import (
	"context"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/nexus-edge/plant-poller/internal/tracker"
	"github.com/nexus-edge/plant-poller/internal/writeback"
)

// CountStore persists count records.
type CountStore interface {
	SaveCount(ctx context.Context, r *domain.CountRecord) error
	LatestCount(ctx context.Context, key domain.Key) (*domain.CountRecord, bool, error)
}

// CountLedger backs the counter tracker with count records.
type CountLedger struct {
	store CountStore
}

// NewCountLedger creates a count ledger.
func NewCountLedger(store CountStore) *CountLedger {
	return &CountLedger{store: store}
}

// LatestCumulative implements tracker.Ledger.
func (l *CountLedger) LatestCumulative(ctx context.Context, key domain.Key) (int64, bool, error) {
	r, found, err := l.store.LatestCount(ctx, key)
	if err != nil || !found {
		return 0, false, err
	}
	return r.Cumulative, true, nil
}

// Append implements tracker.Ledger.
func (l *CountLedger) Append(ctx context.Context, e tracker.Entry) error {
	return l.store.SaveCount(ctx, &domain.CountRecord{
		DeviceID:    e.Key.DeviceID,
		Plant:       e.Reading.Plant,
		Line:        e.Key.Line,
		Machine:     e.Key.Machine,
		Condition:   e.Key.Condition,
		Incremental: e.Incremental,
		Cumulative:  e.Cumulative,
		CreatedAt:   e.Reading.At,
	})
}

// DurationStore persists alarm duration records.
type DurationStore interface {
	SaveDuration(ctx context.Context, r *domain.DurationRecord) error
	LatestDuration(ctx context.Context, deviceID, line string) (*domain.DurationRecord, bool, error)
}

// DurationLedger backs the alarm tracker with classified duration records.
type DurationLedger struct {
	store      DurationStore
	classifier writeback.Classifier
}

// NewDurationLedger creates a duration ledger.
func NewDurationLedger(store DurationStore, classifier writeback.Classifier) *DurationLedger {
	return &DurationLedger{store: store, classifier: classifier}
}

// LatestCumulative implements tracker.Ledger.
func (l *DurationLedger) LatestCumulative(ctx context.Context, key domain.Key) (int64, bool, error) {
	r, found, err := l.store.LatestDuration(ctx, key.DeviceID, key.Line)
	if err != nil || !found {
		return 0, false, err
	}
	return r.Cumulative, true, nil
}

// Append implements tracker.Ledger. Entries without an increment are baselines and
// store a zero duration.
func (l *DurationLedger) Append(ctx context.Context, e tracker.Entry) error {
	duration := e.Reading.Duration
	if e.Initial || e.Incremental == 0 {
		duration = 0
	}
	return l.store.SaveDuration(ctx, &domain.DurationRecord{
		DeviceID:    e.Key.DeviceID,
		Plant:       e.Reading.Plant,
		Line:        e.Key.Line,
		Incremental: e.Incremental,
		Cumulative:  e.Cumulative,
		Duration:    duration,
		Class:       l.classifier.Classify(duration),
		CreatedAt:   e.Reading.At,
	})
}
