package models

import "time"

// ImportRun statuses persisted in Postgres.
const (
	RunInProgress = "in-progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// ImportRun is the ledger entry for one fetch-and-dispatch batch.
type ImportRun struct {
	ID            string     `json:"id"`
	SourceLabel   string     `json:"sourceLabel"`
	Status        string     `json:"status"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	DurationMS    *int64     `json:"duration,omitempty"`
	TotalFetched  int        `json:"totalFetched"`
	TotalImported int        `json:"totalImported"`
	NewCount      int        `json:"newCount"`
	UpdatedCount  int        `json:"updatedCount"`
	FailedCount   int        `json:"failedCount"`
	Failures      []Failure  `json:"failures"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Failure is one entry in a run's failure log.
type Failure struct {
	ItemRef   string    `json:"itemRef"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RunDelta is a set of counter increments applied atomically to a run.
type RunDelta struct {
	Imported int
	New      int
	Updated  int
}

// RunStats aggregates the ledger for the stats endpoint.
type RunStats struct {
	Runs RunCounts `json:"logs"`
	Jobs JobCounts `json:"jobs"`
}

// RunCounts counts runs by status.
type RunCounts struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	InProgress int64 `json:"inProgress"`
}

// JobCounts sums counters across every run.
type JobCounts struct {
	TotalFetched  int64 `json:"totalFetched"`
	TotalImported int64 `json:"totalImported"`
	New           int64 `json:"new"`
	Updated       int64 `json:"updated"`
	Failed        int64 `json:"failed"`
}
