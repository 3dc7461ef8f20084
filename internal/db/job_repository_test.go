package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pullbox/backend/internal/engine"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping database tests")
	}

	db, err := New(
		host,
		envOr("TEST_DB_PORT", "5432"),
		envOr("TEST_DB_USER", "pullbox"),
		envOr("TEST_DB_PASSWORD", "pullbox_dev_password"),
		envOr("TEST_DB_NAME", "pullbox_test"),
	)
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func seedUser(t *testing.T, db *DB) uuid.UUID {
	t.Helper()
	users := NewUserRepository(db)
	user := &User{
		ID:           uuid.New(),
		Email:        uuid.NewString() + "@example.com",
		Username:     "tester",
		PasswordHash: "x",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return user.ID
}

func TestJobRepository_RoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	owner := seedUser(t, db).String()

	now := time.Now().UTC().Truncate(time.Microsecond)
	total := int64(1024)
	job := &engine.Job{
		ID:         uuid.NewString(),
		Owner:      owner,
		Title:      "round trip",
		Status:     engine.JobQueued,
		ItemsCount: 1,
		BytesTotal: &total,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	item := &engine.Item{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Provider:   "example",
		SourceURL:  "https://example.com/a.bin",
		Status:     engine.ItemQueued,
		BytesTotal: &total,
		Meta:       map[string]any{"thumb_url": "https://example.com/t.jpg"},
	}

	if err := repo.InsertJob(context.Background(), job, []*engine.Item{item}); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	gotJob, gotItems, err := repo.GetJobByIDAndOwner(context.Background(), job.ID, owner)
	if err != nil {
		t.Fatalf("GetJobByIDAndOwner failed: %v", err)
	}
	if gotJob.Title != "round trip" || gotJob.Status != engine.JobQueued {
		t.Errorf("job = %+v", gotJob)
	}
	if gotJob.BytesTotal == nil || *gotJob.BytesTotal != 1024 {
		t.Errorf("bytes_total = %v, want 1024", gotJob.BytesTotal)
	}
	if len(gotItems) != 1 {
		t.Fatalf("items = %d, want 1", len(gotItems))
	}
	if gotItems[0].Meta["thumb_url"] != "https://example.com/t.jpg" {
		t.Errorf("meta did not round-trip: %v", gotItems[0].Meta)
	}

	// foreign owner must not see the job
	if _, _, err := repo.GetJobByIDAndOwner(context.Background(), job.ID, uuid.NewString()); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound for foreign owner, got %v", err)
	}
}

func TestJobRepository_UpdateIsUpsert(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	owner := seedUser(t, db).String()

	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &engine.Job{
		ID:        uuid.NewString(),
		Owner:     owner,
		Status:    engine.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// job row does not exist yet; the mirror write must create it
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob upsert failed: %v", err)
	}

	job.Status = engine.JobCompleted
	job.BytesDownloaded = 500
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	got, _, err := repo.GetJobByIDAndOwner(context.Background(), job.ID, owner)
	if err != nil {
		t.Fatalf("GetJobByIDAndOwner failed: %v", err)
	}
	if got.Status != engine.JobCompleted || got.BytesDownloaded != 500 {
		t.Errorf("job = %+v, want completed with 500 bytes", got)
	}
}

func TestJobRepository_ListJobsByOwner_Keyset(t *testing.T) {
	db := testDB(t)
	repo := NewJobRepository(db)
	owner := seedUser(t, db).String()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		job := &engine.Job{
			ID:        uuid.NewString(),
			Owner:     owner,
			Status:    engine.JobQueued,
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		if err := repo.UpdateJob(context.Background(), job); err != nil {
			t.Fatalf("UpdateJob failed: %v", err)
		}
	}

	page1, err := repo.ListJobsByOwner(context.Background(), owner, 2, nil)
	if err != nil {
		t.Fatalf("ListJobsByOwner failed: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 = %d jobs, want 2", len(page1))
	}
	if page1[0].CreatedAt.Before(page1[1].CreatedAt) {
		t.Error("jobs not in most-recent-first order")
	}

	cursor := page1[1].CreatedAt
	page2, err := repo.ListJobsByOwner(context.Background(), owner, 10, &cursor)
	if err != nil {
		t.Fatalf("ListJobsByOwner with cursor failed: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 = %d jobs, want 2", len(page2))
	}
	for _, job := range page2 {
		if !job.CreatedAt.Before(cursor) {
			t.Error("page2 contains job at or after cursor")
		}
	}
}
