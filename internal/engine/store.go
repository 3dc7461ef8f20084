package engine

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pullbox/backend/internal/errors"
	"github.com/pullbox/backend/internal/logger"
)

// Store holds the canonical in-process state for jobs and items. Every
// mutation goes through it so the in-memory write and the mirrored
// persistence write stay consistent, and the aggregator always reads the
// just-mutated state.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	items    map[string]*Item
	jobItems map[string][]string

	repo Repository // optional mirror, may be nil
	sink Sink       // optional, may be nil
	log  *logger.Logger
}

// NewStore creates a store mirroring to repo and publishing to sink. Both
// may be nil.
func NewStore(repo Repository, sink Sink) *Store {
	return &Store{
		jobs:     make(map[string]*Job),
		items:    make(map[string]*Item),
		jobItems: make(map[string][]string),
		repo:     repo,
		sink:     sink,
		log:      logger.Default().WithComponent("store"),
	}
}

// NewItem describes one requested download in a job creation request.
type NewItem struct {
	SourceURL  string         `json:"source_url"`
	Provider   string         `json:"provider,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	BytesTotal *int64         `json:"bytes_total,omitempty"`
	ThumbURL   string         `json:"thumb_url,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// CreateJob validates the request, creates the job and its items atomically
// in memory, mirrors them, and emits job_created. The persistence write is
// best-effort: a failed insert is logged, not rolled back, because dispatch
// has already become client-visible.
func (s *Store) CreateJob(ctx context.Context, owner, title string, reqs []NewItem) (*Job, []*Item, error) {
	if owner == "" {
		return nil, nil, apperrors.ValidationError("owner is required")
	}
	if len(reqs) == 0 {
		return nil, nil, apperrors.ValidationError("a job requires at least one item")
	}
	for i, req := range reqs {
		if strings.TrimSpace(req.SourceURL) == "" {
			return nil, nil, apperrors.ValidationError("source_url is required").
				WithDetails(map[string]any{"item_index": i})
		}
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		Owner:     owner,
		Title:     title,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	items := make([]*Item, 0, len(reqs))
	for _, req := range reqs {
		provider := req.Provider
		if provider == "" {
			provider = inferProvider(req.SourceURL)
		}

		item := &Item{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Provider:  provider,
			SourceURL: req.SourceURL,
			Filename:  req.Filename,
			Status:    ItemQueued,
			Meta:      map[string]any{},
		}
		if req.BytesTotal != nil {
			v := *req.BytesTotal
			item.BytesTotal = &v
		}
		for k, v := range req.Meta {
			item.Meta[k] = v
		}
		if req.ThumbURL != "" {
			item.Meta["thumb_url"] = req.ThumbURL
		}
		items = append(items, item)
	}

	aggregate(job, items)

	s.mu.Lock()
	s.jobs[job.ID] = job
	ids := make([]string, 0, len(items))
	for _, item := range items {
		s.items[item.ID] = item
		ids = append(ids, item.ID)
	}
	s.jobItems[job.ID] = ids
	jobCopy := job.Clone()
	itemCopies := cloneItems(items)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.InsertJob(ctx, jobCopy, itemCopies); err != nil {
			s.log.Error(ctx, "failed to persist new job, continuing in memory",
				apperrors.PersistenceError("insert job").WithCause(err),
				map[string]interface{}{"job_id": job.ID})
		}
	}

	s.publish(Event{Type: EventJobCreated, Owner: owner, Job: jobCopy, Items: itemCopies})

	return jobCopy, itemCopies, nil
}

// GetJob returns a job and its items, checking ownership. Jobs from earlier
// process runs that were never hydrated (already terminal) are read through
// from the repository.
func (s *Store) GetJob(ctx context.Context, owner, jobID string) (*Job, []*Item, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	if ok && job.Owner != owner {
		s.mu.RUnlock()
		return nil, nil, apperrors.JobNotFound()
	}
	if ok {
		jobCopy := job.Clone()
		itemCopies := s.cloneJobItemsLocked(jobID)
		s.mu.RUnlock()
		return jobCopy, itemCopies, nil
	}
	s.mu.RUnlock()

	if s.repo == nil {
		return nil, nil, apperrors.JobNotFound()
	}

	repoJob, repoItems, err := s.repo.GetJobByIDAndOwner(ctx, jobID, owner)
	if err != nil {
		return nil, nil, apperrors.JobNotFound().WithCause(err)
	}
	return repoJob, repoItems, nil
}

// GetItemOwned returns an item after verifying the caller owns its job.
func (s *Store) GetItemOwned(ctx context.Context, owner, itemID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, apperrors.ItemNotFound()
	}
	job, ok := s.jobs[item.JobID]
	if !ok || job.Owner != owner {
		return nil, apperrors.ItemNotFound()
	}
	return item.Clone(), nil
}

// GetItem returns an item by id without an ownership check (engine-internal).
func (s *Store) GetItem(itemID string) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// ItemIDs returns the ordered item ids of a job.
func (s *Store) ItemIDs(jobID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.jobItems[jobID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// ListJobs returns the owner's jobs most-recent-first. The cursor is the
// created_at of the last job in the previous page (keyset pagination). The
// repository page is overlaid with fresher in-memory copies; without a
// repository the in-memory set serves the page alone.
func (s *Store) ListJobs(ctx context.Context, owner string, limit int, before *time.Time) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	if s.repo != nil {
		jobs, err := s.repo.ListJobsByOwner(ctx, owner, limit, before)
		if err == nil {
			s.mu.RLock()
			for i, job := range jobs {
				if live, ok := s.jobs[job.ID]; ok {
					jobs[i] = live.Clone()
				}
			}
			s.mu.RUnlock()
			return jobs, nil
		}
		s.log.Error(ctx, "repository list failed, serving in-memory jobs",
			apperrors.PersistenceError("list jobs").WithCause(err))
	}

	s.mu.RLock()
	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Owner != owner {
			continue
		}
		if before != nil && !job.CreatedAt.Before(*before) {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// UpdateItem shallow-merges the patch into the item, mirrors the result, and
// re-aggregates the owning job. Terminal items are never mutated except
// through the explicit retry path; a patch against one is a race-safe no-op
// returning the current state.
func (s *Store) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*Item, error) {
	s.mu.Lock()

	item, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.ItemNotFound()
	}

	if item.Status.Terminal() && !patch.fromRetry {
		itemCopy := item.Clone()
		s.mu.Unlock()
		return itemCopy, nil
	}

	applyPatch(item, patch)
	itemCopy := item.Clone()
	jobCopy, events := s.recomputeJobLocked(item.JobID)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.UpdateItem(ctx, itemCopy); err != nil {
			s.log.Error(ctx, "failed to mirror item update",
				apperrors.PersistenceError("update item").WithCause(err),
				map[string]interface{}{"item_id": itemID})
		}
		if jobCopy != nil {
			if err := s.repo.UpdateJob(ctx, jobCopy); err != nil {
				s.log.Error(ctx, "failed to mirror job update",
					apperrors.PersistenceError("update job").WithCause(err),
					map[string]interface{}{"job_id": itemCopy.JobID})
			}
		}
	}

	owner := ""
	if jobCopy != nil {
		owner = jobCopy.Owner
	}
	s.publish(Event{Type: EventItemUpdated, Owner: owner, Item: itemCopy})
	for _, ev := range events {
		s.publish(ev)
	}

	return itemCopy, nil
}

// ResetForRetry reopens a failed item for another attempt cycle: status back
// to retrying, error cleared, finish timestamp dropped. Only failed items
// qualify.
func (s *Store) ResetForRetry(ctx context.Context, owner, itemID string) (*Item, error) {
	s.mu.RLock()
	item, ok := s.items[itemID]
	if ok {
		job, jobOK := s.jobs[item.JobID]
		if !jobOK || job.Owner != owner {
			ok = false
		}
	}
	var status ItemStatus
	if ok {
		status = item.Status
	}
	s.mu.RUnlock()

	if !ok {
		return nil, apperrors.ItemNotFound()
	}
	if status != ItemFailed {
		return nil, apperrors.ValidationError("only failed items can be retried")
	}

	return s.UpdateItem(ctx, itemID, ItemPatch{
		Status:       statusPtr(ItemRetrying),
		ErrorMessage: strPtr(""),
		FinishedAt:   nil,
		fromRetry:    true,
	})
}

// HydrateOpenJobs loads every non-terminal job and its items from the
// repository into memory and returns the item ids that should be re-enqueued,
// in job order.
func (s *Store) HydrateOpenJobs(ctx context.Context) ([]string, error) {
	if s.repo == nil {
		return nil, nil
	}

	jobs, err := s.repo.ListJobsByStatus(ctx, OpenJobStatuses())
	if err != nil {
		return nil, apperrors.PersistenceError("list open jobs").WithCause(err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	jobIDs := make([]string, 0, len(jobs))
	for _, job := range jobs {
		jobIDs = append(jobIDs, job.ID)
	}

	items, err := s.repo.ListItemsByJobIDs(ctx, jobIDs)
	if err != nil {
		return nil, apperrors.PersistenceError("list items for open jobs").WithCause(err)
	}

	var requeue []string
	s.mu.Lock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	for _, item := range items {
		s.items[item.ID] = item
		s.jobItems[item.JobID] = append(s.jobItems[item.JobID], item.ID)
		if !item.Status.Terminal() {
			// A restarted download begins again from byte 0; any partial
			// progress from the previous process is discarded at dispatch.
			requeue = append(requeue, item.ID)
		}
	}
	s.mu.Unlock()

	s.log.Info(ctx, "hydrated open jobs", map[string]interface{}{
		"jobs":      len(jobs),
		"items":     len(items),
		"requeuing": len(requeue),
	})

	return requeue, nil
}

// JobOwner returns the owner of a job, if known.
func (s *Store) JobOwner(jobID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.Owner, true
}

// recomputeJobLocked re-aggregates the job from its live item set and
// returns the events to publish after the lock is released. Terminal events
// are edge-triggered: emitted only on the transition into the state.
func (s *Store) recomputeJobLocked(jobID string) (*Job, []Event) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}

	prevStatus := job.Status
	items := make([]*Item, 0, len(s.jobItems[jobID]))
	for _, id := range s.jobItems[jobID] {
		if item, ok := s.items[id]; ok {
			items = append(items, item)
		}
	}

	aggregate(job, items)
	job.UpdatedAt = time.Now()

	jobCopy := job.Clone()
	change := ChangeProgress
	if job.Status != prevStatus {
		change = ChangeStatus
	}

	events := []Event{{Type: EventJobUpdated, Owner: job.Owner, Job: jobCopy, Change: change}}
	if job.Status != prevStatus {
		switch job.Status {
		case JobCompleted:
			events = append(events, Event{Type: EventJobCompleted, Owner: job.Owner, Job: jobCopy})
		case JobFailed:
			events = append(events, Event{Type: EventJobFailed, Owner: job.Owner, Job: jobCopy})
		}
	}

	return jobCopy, events
}

func (s *Store) publish(event Event) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(event)
}

func (s *Store) cloneJobItemsLocked(jobID string) []*Item {
	ids := s.jobItems[jobID]
	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			items = append(items, item.Clone())
		}
	}
	return items
}

// applyPatch merges the patch into the item. On completion the byte counter
// is clamped to the known total; a total learned only at completion is
// backfilled from the bytes written.
func applyPatch(item *Item, patch ItemPatch) {
	if patch.Filename != nil {
		item.Filename = *patch.Filename
	}
	if patch.BytesTotal != nil {
		v := *patch.BytesTotal
		item.BytesTotal = &v
	}
	if patch.BytesDownloaded != nil {
		item.BytesDownloaded = *patch.BytesDownloaded
	}
	if patch.ErrorMessage != nil {
		item.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StoragePath != nil {
		item.StoragePath = *patch.StoragePath
	}
	if patch.StartedAt != nil {
		v := *patch.StartedAt
		item.StartedAt = &v
	}
	if patch.FinishedAt != nil {
		v := *patch.FinishedAt
		item.FinishedAt = &v
	}
	if patch.Meta != nil {
		if item.Meta == nil {
			item.Meta = make(map[string]any, len(patch.Meta))
		}
		for k, v := range patch.Meta {
			item.Meta[k] = v
		}
	}
	if patch.Status != nil {
		item.Status = *patch.Status
		if item.Status == ItemRetrying && patch.fromRetry {
			item.FinishedAt = nil
		}
		if item.Status == ItemCompleted {
			if item.BytesTotal != nil {
				if item.BytesDownloaded > *item.BytesTotal {
					item.BytesDownloaded = *item.BytesTotal
				}
			} else {
				v := item.BytesDownloaded
				item.BytesTotal = &v
			}
		}
	}
}

func cloneItems(items []*Item) []*Item {
	out := make([]*Item, 0, len(items))
	for _, item := range items {
		out = append(out, item.Clone())
	}
	return out
}

// inferProvider derives an adapter identifier from the source URL host:
// "https://www.shutterstock.com/x" becomes "shutterstock".
func inferProvider(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if idx := strings.Index(host, "."); idx > 0 {
		return host[:idx]
	}
	return host
}
