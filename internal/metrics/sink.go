package metrics

import (
	"context"
	"time"

	"github.com/pullbox/backend/internal/engine"
)

// Sink counts terminal item outcomes from the engine's event stream.
type Sink struct {
	metrics *Metrics
}

// NewSink creates an engine sink feeding the metrics collector.
func NewSink(m *Metrics) *Sink {
	return &Sink{metrics: m}
}

// Publish implements engine.Sink. Only the terminal edge of each item is
// counted; intermediate progress events pass through untouched.
func (s *Sink) Publish(event engine.Event) {
	if event.Type != engine.EventItemUpdated || event.Item == nil {
		return
	}

	switch event.Item.Status {
	case engine.ItemCompleted:
		s.metrics.CountItemCompleted(event.Item.BytesDownloaded)
	case engine.ItemFailed:
		s.metrics.CountItemFailed()
	case engine.ItemCanceled:
		s.metrics.CountItemCanceled()
	}
}

// EngineGauges holds the live scheduler counters polled into gauges.
type EngineGauges interface {
	QueueLength() int
	ActiveCount() int
}

// ConnectionCounter reports live WebSocket connections.
type ConnectionCounter interface {
	TotalClients() int
}

// PollGauges samples scheduler and connection gauges until ctx ends.
func PollGauges(ctx context.Context, m *Metrics, eng EngineGauges, conns ConnectionCounter, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetQueueLength(int64(eng.QueueLength()))
			m.SetActiveDownloads(int64(eng.ActiveCount()))
			if conns != nil {
				m.SetWSConnections(int64(conns.TotalClients()))
			}
		}
	}
}
