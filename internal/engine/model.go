package engine

import (
	"time"
)

// ItemStatus is the state-machine state of a single download item.
type ItemStatus string

const (
	ItemQueued      ItemStatus = "queued"
	ItemStarting    ItemStatus = "starting"
	ItemDownloading ItemStatus = "downloading"
	ItemProcessing  ItemStatus = "processing"
	ItemRetrying    ItemStatus = "retrying"
	ItemCompleted   ItemStatus = "completed"
	ItemFailed      ItemStatus = "failed"
	ItemCanceled    ItemStatus = "canceled"
)

// Terminal reports whether the status permits no further mutation short of an
// explicit retry.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCanceled
}

// Cancelable reports whether an external cancel may move the item to canceled.
func (s ItemStatus) Cancelable() bool {
	return !s.Terminal()
}

// DispatchEligible reports whether the scheduler may hand the item to a worker.
func (s ItemStatus) DispatchEligible() bool {
	return s == ItemQueued || s == ItemRetrying
}

// JobStatus is the aggregate status derived from a job's items.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobDownloading JobStatus = "downloading"
	JobProcessing  JobStatus = "processing"
	JobRetrying    JobStatus = "retrying"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCanceled    JobStatus = "canceled"
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// OpenJobStatuses lists the statuses hydrated back into memory on startup.
func OpenJobStatuses() []JobStatus {
	return []JobStatus{JobQueued, JobDownloading, JobProcessing, JobRetrying}
}

// Job is a user-initiated batch of download items tracked as a unit. Its
// counters and status are owned by the aggregator; callers never write them.
type Job struct {
	ID              string    `json:"id"`
	Owner           string    `json:"owner"`
	Title           string    `json:"title,omitempty"`
	Status          JobStatus `json:"status"`
	ItemsCount      int       `json:"items_count"`
	ItemsCompleted  int       `json:"items_completed"`
	ItemsFailed     int       `json:"items_failed"`
	BytesTotal      *int64    `json:"bytes_total"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers and event sinks.
func (j *Job) Clone() *Job {
	c := *j
	if j.BytesTotal != nil {
		v := *j.BytesTotal
		c.BytesTotal = &v
	}
	return &c
}

// Item is one download request within a job, the unit of dispatch and retry.
type Item struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id"`
	Provider        string         `json:"provider"`
	SourceURL       string         `json:"source_url"`
	Filename        string         `json:"filename,omitempty"`
	Status          ItemStatus     `json:"status"`
	BytesTotal      *int64         `json:"bytes_total"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	StoragePath     string         `json:"storage_path,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers and event sinks.
func (i *Item) Clone() *Item {
	c := *i
	if i.BytesTotal != nil {
		v := *i.BytesTotal
		c.BytesTotal = &v
	}
	if i.StartedAt != nil {
		v := *i.StartedAt
		c.StartedAt = &v
	}
	if i.FinishedAt != nil {
		v := *i.FinishedAt
		c.FinishedAt = &v
	}
	if i.Meta != nil {
		c.Meta = make(map[string]any, len(i.Meta))
		for k, v := range i.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// ItemPatch is a partial update applied to an item. Nil fields are left
// untouched; Meta shallow-merges into the existing bag.
type ItemPatch struct {
	Status          *ItemStatus
	Filename        *string
	BytesTotal      *int64
	BytesDownloaded *int64
	ErrorMessage    *string
	StoragePath     *string
	Meta            map[string]any
	StartedAt       *time.Time
	FinishedAt      *time.Time

	// fromRetry lets the explicit retry path reopen a terminal item.
	fromRetry bool
}

func statusPtr(s ItemStatus) *ItemStatus { return &s }
func strPtr(s string) *string            { return &s }
func int64Ptr(v int64) *int64            { return &v }
func timePtr(t time.Time) *time.Time     { return &t }
