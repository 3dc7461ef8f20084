package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pullbox/backend/internal/auth"
	"github.com/pullbox/backend/internal/db"
	"github.com/pullbox/backend/internal/engine"
	"github.com/pullbox/backend/internal/health"
	"github.com/pullbox/backend/internal/metrics"
	"github.com/pullbox/backend/internal/provider"
	"github.com/pullbox/backend/internal/storage"
)

type memUserStore struct {
	byEmail map[string]*db.User
	byID    map[uuid.UUID]*db.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byEmail: make(map[string]*db.User),
		byID:    make(map[uuid.UUID]*db.User),
	}
}

func (s *memUserStore) Create(ctx context.Context, user *db.User) error {
	if _, exists := s.byEmail[user.Email]; exists {
		return db.ErrEmailExists
	}
	s.byEmail[user.Email] = user
	s.byID[user.ID] = user
	return nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	user, ok := s.byEmail[email]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return user, nil
}

func (s *memUserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	user, ok := s.byID[id]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return user, nil
}

// instantAdapter completes every download immediately.
type instantAdapter struct{}

func (instantAdapter) Name() string              { return "instant" }
func (instantAdapter) CanHandle(url string) bool { return true }

func (instantAdapter) ResolveAsset(ctx context.Context, sourceURL string, meta map[string]any) (*provider.Asset, error) {
	size := int64(128)
	return &provider.Asset{DownloadURL: sourceURL, Filename: "f.bin", Size: &size}, nil
}

func (instantAdapter) StreamToStorage(ctx context.Context, asset *provider.Asset, key string, onProgress provider.ProgressFunc) (*provider.StreamResult, error) {
	if onProgress != nil {
		onProgress(128, asset.Size)
	}
	return &provider.StreamResult{BytesWritten: 128, StoragePath: "items/" + key + "/f.bin"}, nil
}

type testServer struct {
	srv    *httptest.Server
	engine *engine.Engine
	token  string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, nil, nil)
}

func newTestServerWith(t *testing.T, presigner *storage.Presigner, blobs BlobChecker) *testServer {
	t.Helper()

	registry := provider.NewRegistry()
	registry.Register(instantAdapter{})
	eng := engine.New(engine.NewStore(nil, nil), registry, engine.Config{
		MaxConcurrent: 3,
		MaxAttempts:   3,
		BaseBackoff:   time.Millisecond,
	})

	authService := auth.NewService(newMemUserStore(), "test-secret")
	resp, err := authService.Register(context.Background(), "alice@example.com", "password123", "alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	router := NewRouter(
		auth.NewHandlers(authService),
		authService,
		NewJobHandlers(eng, presigner, blobs),
		nil,
		health.NewHandler(health.NewChecker(&health.CheckerConfig{Version: "test"})),
		metrics.New(),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	return &testServer{srv: srv, engine: eng, token: resp.AccessToken}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		payload = bytes.NewBuffer(data)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, payload)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}

	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) JobResponse {
	t.Helper()
	defer resp.Body.Close()
	var out JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return out
}

func TestJobsAPI_CreateAndGet(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Title: "my batch",
		Items: []CreateJobItem{
			{SourceURL: "https://cdn.example.com/a.bin"},
			{SourceURL: "https://cdn.example.com/b.bin"},
		},
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeJob(t, resp)
	if created.Job.Title != "my batch" || len(created.Items) != 2 {
		t.Fatalf("created = %+v", created)
	}

	// downloads finish asynchronously
	deadline := time.Now().Add(2 * time.Second)
	var got JobResponse
	for time.Now().Before(deadline) {
		got = decodeJob(t, ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.Job.ID, nil, true))
		if got.Job.Status == engine.JobCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.Job.Status != engine.JobCompleted {
		t.Fatalf("job status = %s, want completed", got.Job.Status)
	}
	if got.Job.BytesDownloaded != 256 {
		t.Errorf("bytes_downloaded = %d, want 256", got.Job.BytesDownloaded)
	}
}

func TestJobsAPI_CreateValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{Items: nil}, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty items status = %d, want 400", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Items: []CreateJobItem{{SourceURL: "   "}},
	}, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank url status = %d, want 400", resp.StatusCode)
	}
}

func TestJobsAPI_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/jobs/" + uuid.NewString()},
		{http.MethodPost, "/api/v1/jobs/" + uuid.NewString() + "/cancel"},
		{http.MethodPost, "/api/v1/items/" + uuid.NewString() + "/retry"},
	} {
		resp := ts.do(t, route.method, route.path, nil, false)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", route.method, route.path, resp.StatusCode)
		}
	}
}

func TestJobsAPI_GetUnknownJob(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobsAPI_ListPagination(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
			Items: []CreateJobItem{{SourceURL: fmt.Sprintf("https://cdn.example.com/%d", i)}},
		}, true)
		resp.Body.Close()
		time.Sleep(2 * time.Millisecond)
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/jobs?limit=2", nil, true)
	defer resp.Body.Close()
	var page JobListResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(page.Jobs) != 2 {
		t.Fatalf("page = %d jobs, want 2", len(page.Jobs))
	}
	if page.NextBefore == nil {
		t.Fatal("next_before cursor missing")
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/jobs?limit=2&before="+page.NextBefore.Format(time.RFC3339Nano), nil, true)
	defer resp.Body.Close()
	var page2 JobListResponse
	if err := json.NewDecoder(resp.Body).Decode(&page2); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(page2.Jobs) != 1 {
		t.Fatalf("page2 = %d jobs, want 1", len(page2.Jobs))
	}
}

func TestJobsAPI_CancelTerminalIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Items: []CreateJobItem{{SourceURL: "https://cdn.example.com/x"}},
	}, true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := decodeJob(t, ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.Job.ID, nil, true))
		if got.Job.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := ts.do(t, http.MethodPost, "/api/v1/jobs/"+created.Job.ID+"/cancel", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	got := decodeJob(t, resp)
	if got.Job.Status != engine.JobCompleted {
		t.Errorf("canceling a completed job changed status to %s", got.Job.Status)
	}
}

func TestJobsAPI_RetryNonFailedItemRejected(t *testing.T) {
	ts := newTestServer(t)

	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Items: []CreateJobItem{{SourceURL: "https://cdn.example.com/x"}},
	}, true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := decodeJob(t, ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.Job.ID, nil, true))
		if got.Job.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := ts.do(t, http.MethodPost, "/api/v1/items/"+created.Items[0].ID+"/retry", nil, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("retry of completed item status = %d, want 400", resp.StatusCode)
	}
}

// fakeBlobs is a scriptable BlobChecker.
type fakeBlobs struct {
	exists bool
}

func (f *fakeBlobs) ObjectExists(ctx context.Context, key string) (bool, error) {
	return f.exists, nil
}

func TestJobsAPI_GetItemAsset(t *testing.T) {
	blobs := &fakeBlobs{exists: true}
	presigner := storage.NewPresigner(&storage.PresignConfig{
		Endpoint:     "localhost:9000",
		Region:       "us-east-1",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Bucket:       "pullbox-assets",
		UsePathStyle: true,
	})
	ts := newTestServerWith(t, presigner, blobs)

	created := decodeJob(t, ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Items: []CreateJobItem{{SourceURL: "https://cdn.example.com/a.bin"}},
	}, true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := decodeJob(t, ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.Job.ID, nil, true))
		if got.Job.Status == engine.JobCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/items/"+created.Items[0].ID+"/asset", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("asset status = %d, want 200", resp.StatusCode)
	}
	var signed storage.PresignedURL
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	resp.Body.Close()
	if !strings.HasPrefix(signed.URL, "http://localhost:9000/") {
		t.Errorf("url = %q, want scheme-qualified local endpoint", signed.URL)
	}
	if !strings.Contains(signed.URL, "X-Amz-Signature=") {
		t.Errorf("url = %q, want a signature parameter", signed.URL)
	}

	// the stored object disappearing makes the asset a 404, not a dead link
	blobs.exists = false
	resp = ts.do(t, http.MethodGet, "/api/v1/items/"+created.Items[0].ID+"/asset", nil, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("asset status after object loss = %d, want 404", resp.StatusCode)
	}
}
