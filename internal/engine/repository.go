package engine

import (
	"context"
	"time"
)

// Repository mirrors engine state to durable storage. Every call may fail;
// failures are logged and the engine degrades to in-memory-only operation.
// In-memory state stays authoritative for the life of the process.
type Repository interface {
	InsertJob(ctx context.Context, job *Job, items []*Item) error
	UpdateJob(ctx context.Context, job *Job) error
	UpdateItem(ctx context.Context, item *Item) error
	GetJobByIDAndOwner(ctx context.Context, id, owner string) (*Job, []*Item, error)
	ListJobsByOwner(ctx context.Context, owner string, limit int, before *time.Time) ([]*Job, error)
	ListJobsByStatus(ctx context.Context, statuses []JobStatus) ([]*Job, error)
	ListItemsByJobIDs(ctx context.Context, jobIDs []string) ([]*Item, error)
}
