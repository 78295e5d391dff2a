package models

import (
	"time"
)

// JobType enumerates the employment types a posting can be classified as.
const (
	JobTypeFullTime   = "full-time"
	JobTypePartTime   = "part-time"
	JobTypeContract   = "contract"
	JobTypeFreelance  = "freelance"
	JobTypeInternship = "internship"
)

// Placeholders used by the normalizer when a feed omits a required field.
const (
	UntitledPosition = "Untitled Position"
	UnknownCompany   = "Unknown Company"
	DefaultLocation  = "Remote"
)

// Job is the canonical posting persisted in Postgres, keyed by ExternalID.
type Job struct {
	ID          string    `json:"id,omitempty"`
	ExternalID  string    `json:"externalId"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	JobType     string    `json:"jobType"`
	Category    string    `json:"category"`
	URL         string    `json:"url"`
	Salary      string    `json:"salary"`
	SourceURL   string    `json:"sourceUrl"`
	PostedDate  time.Time `json:"postedDate"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// UpsertStatus tags the outcome of applying a unit of work.
const (
	UpsertCreated = "created"
	UpsertUpdated = "updated"
)

// UpsertResult is returned by the job worker for every successful apply.
type UpsertResult struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
	Title  string `json:"title"`
}

// UnitOfWork is the queue envelope for ingesting one canonical job.
type UnitOfWork struct {
	ID          string        `json:"id"`
	Job         Job           `json:"job"`
	SourceURL   string        `json:"sourceUrl"`
	ImportRunID string        `json:"importRunId"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
}

// FinalAttempt reports whether the current delivery is the last one the
// queue will make before dead-lettering the unit.
func (u UnitOfWork) FinalAttempt() bool {
	return u.Attempts+1 >= u.MaxAttempts
}
