package domain

import (
	"encoding/json"
	"time"
)

// RecordKind names a persisted record family.
type RecordKind string

const (
	RecordCount     RecordKind = "count"
	RecordAggregate RecordKind = "aggregate"
	RecordDuration  RecordKind = "duration"
)

// CountRecord is an append-only production count fact.
type CountRecord struct {
	ID          int64     `json:"id"`
	DeviceID    string    `json:"device_id"`
	Plant       string    `json:"plant"`
	Line        string    `json:"line"`
	Machine     string    `json:"machine"`
	Condition   string    `json:"condition"`
	Incremental int64     `json:"incremental"`
	Cumulative  int64     `json:"cumulative"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the tracking key of the record.
func (r *CountRecord) Key() Key {
	return CountKey(r.DeviceID, r.Line, r.Machine, r.Condition)
}

// SideStats summarises one side (or both sides combined) of a batch.
type SideStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	MAE    float64 `json:"mae"`
}

// AggregateRecord is one flushed thickness batch.
type AggregateRecord struct {
	ID               int64           `json:"id"`
	BatchID          string          `json:"batch_id"`
	DeviceID         string          `json:"device_id"`
	Plant            string          `json:"plant"`
	Line             string          `json:"line"`
	MachineID        string          `json:"machine_id"`
	RecipeID         int             `json:"recipe_id"`
	IsAuto           bool            `json:"is_auto"`
	SampleCount      int             `json:"sample_count"`
	Left             SideStats       `json:"left"`
	Right            SideStats       `json:"right"`
	Combined         SideStats       `json:"combined"`
	CorrectionUptime int             `json:"correction_uptime"`
	CorrectionLeft   int             `json:"correction_left"`
	CorrectionRight  int             `json:"correction_right"`
	CorrectionRate   int             `json:"correction_rate"`
	RawBatch         json.RawMessage `json:"raw_batch"`
	StartedAt        time.Time       `json:"started_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DurationClass grades an alarm duration against the target cycle.
type DurationClass string

const (
	DurationEarly  DurationClass = "early"
	DurationOnTime DurationClass = "on_time"
	DurationLate   DurationClass = "late"
)

// DurationRecord is one novel alarm observation for a line.
type DurationRecord struct {
	ID          int64         `json:"id"`
	DeviceID    string        `json:"device_id"`
	Plant       string        `json:"plant"`
	Line        string        `json:"line"`
	Incremental int64         `json:"incremental"`
	Cumulative  int64         `json:"cumulative"`
	Duration    int64         `json:"duration"`
	Class       DurationClass `json:"class"`
	CreatedAt   time.Time     `json:"created_at"`
}
