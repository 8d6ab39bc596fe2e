// Package domain defines the entities, sentinel errors, and ports shared by
// the control plane: background jobs, bus messages, readings, dosing events,
// and the storage and hardware contracts the adapters implement.
package domain

import (
	"context"
	"time"
)

// JobState is a background job lifecycle state. Transitions form
// init -> ready <-> sleeping -> disconnected; lost is only ever written by
// the broker's last-will machinery when the owning process dies.
type JobState string

const (
	StateInit         JobState = "init"
	StateReady        JobState = "ready"
	StateSleeping     JobState = "sleeping"
	StateDisconnected JobState = "disconnected"
	StateLost         JobState = "lost"
)

// ValidTransition reports whether a job may move from one state to the next.
func ValidTransition(from, to JobState) bool {
	switch from {
	case StateInit:
		return to == StateReady || to == StateDisconnected
	case StateReady:
		return to == StateSleeping || to == StateDisconnected
	case StateSleeping:
		return to == StateReady || to == StateDisconnected
	default:
		return false
	}
}

// JobRecord is a row in the job manager registry.
type JobRecord struct {
	ID          int64
	Unit        string
	Experiment  string
	Name        string
	Source      string
	PID         int
	Leader      string
	LongRunning bool
	IsRunning   bool
	StartedAt   time.Time
	EndedAt     *time.Time
}

// JobFilter selects registry rows; empty fields match anything.
type JobFilter struct {
	Unit        string
	Experiment  string
	Name        string
	Source      string
	RunningOnly bool
}

// JobRegistry is the local persistent registry of running jobs.
type JobRegistry interface {
	// Register inserts a live row; ErrDuplicateJob if one already exists for
	// the same (unit, experiment, name).
	Register(ctx context.Context, rec JobRecord) (int64, error)
	// UpsertSetting writes a published setting; a nil value deletes the row.
	UpsertSetting(ctx context.Context, jobID int64, setting string, value *string) error
	ListJobs(ctx context.Context, f JobFilter) ([]JobRecord, error)
	ListSettings(ctx context.Context, jobID int64) (map[string]string, error)
	SetNotRunning(ctx context.Context, jobID int64) error
	// KillJobs resolves live rows matching f and invokes stop on each,
	// returning the number of rows acted on.
	KillJobs(ctx context.Context, f JobFilter, stop func(JobRecord) error) (int, error)
	CountRunning(ctx context.Context, unit, experiment, name string) (int, error)
	Close() error
}

// KV is a process-scoped durable map with named scopes. Keys iterate in
// lexicographic order. Values are opaque blobs with a scope-defined codec.
type KV interface {
	Get(scope, key string) ([]byte, bool, error)
	Put(scope, key string, value []byte) error
	Delete(scope, key string) error
	Keys(scope string) ([]string, error)
	Close() error
}

// Well-known KV scopes.
const (
	ScopeActiveCalibrations  = "active_calibrations"
	ScopeCalibrationSessions = "calibration_sessions"
	ScopePumpThroughput      = "pump_throughput"
	ScopeODBlank             = "od_blank"
)

// RawODReading is one channel's optical density sample.
type RawODReading struct {
	Timestamp      time.Time `json:"timestamp"`
	Angle          string    `json:"angle"`
	OD             float64   `json:"od"`
	Channel        string    `json:"channel"`
	IRLEDIntensity float64   `json:"ir_led_intensity"`
}

// ODReadings aggregates one tick's samples across channels.
type ODReadings struct {
	Timestamp time.Time               `json:"timestamp"`
	ODs       map[string]RawODReading `json:"ods"`
}

// ODFused is the multi-angle fused estimate emitted by estimators.
type ODFused struct {
	Timestamp time.Time `json:"timestamp"`
	ODFused   float64   `json:"od_fused"`
}

// GrowthRate is the filtered specific growth rate in 1/h.
type GrowthRate struct {
	Timestamp  time.Time `json:"timestamp"`
	GrowthRate float64   `json:"growth_rate"`
}

// ODFiltered is the EKF's smoothed optical density estimate.
type ODFiltered struct {
	Timestamp  time.Time `json:"timestamp"`
	ODFiltered float64   `json:"od_filtered"`
}

// Valid photodiode channels and angles.
var (
	PDChannels = []string{"1", "2"}
	PDAngles   = []string{"45", "90", "135", "180", "REF"}
)

// Dosing event names.
const (
	EventAddMedia    = "add_media"
	EventAddAltMedia = "add_alt_media"
	EventRemoveWaste = "remove_waste"
)

// DosingEvent records an executed pump action.
type DosingEvent struct {
	VolumeChangeML float64   `json:"volume_change_ml"`
	Event          string    `json:"event"`
	SourceOfEvent  string    `json:"source_of_event"`
	Timestamp      time.Time `json:"timestamp"`
}

// LogEntry is the JSON body published to .../logs/<level>.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Task      string    `json:"task"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
}
