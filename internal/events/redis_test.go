package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pullbox/backend/internal/engine"
)

func testSink(t *testing.T) *RedisSink {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set, skipping redis tests")
	}
	sink, err := NewRedisSink(url)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestRedisSink_PublishSubscribe(t *testing.T) {
	sink := testSink(t)
	owner := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payloads, err := sink.Subscribe(ctx, owner)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sink.Publish(engine.Event{
		Type:  engine.EventJobCreated,
		Owner: owner,
		Job:   &engine.Job{ID: "job-1", Owner: owner, Status: engine.JobQueued},
	})

	select {
	case data := <-payloads:
		var got struct {
			Type string `json:"type"`
			Job  struct {
				ID string `json:"id"`
			} `json:"job"`
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("payload not JSON: %v", err)
		}
		if got.Type != "job_created" || got.Job.ID != "job-1" {
			t.Errorf("payload = %s", data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}

func TestRedisSink_OwnerIsolation(t *testing.T) {
	sink := testSink(t)
	owner := uuid.NewString()
	other := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	payloads, err := sink.Subscribe(ctx, owner)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sink.Publish(engine.Event{Type: engine.EventJobCreated, Owner: other})

	select {
	case data := <-payloads:
		t.Errorf("received another owner's event: %s", data)
	case <-time.After(500 * time.Millisecond):
	}
}
