package engine

// EventType discriminates engine events published to observers.
type EventType string

const (
	EventJobCreated   EventType = "job_created"
	EventJobUpdated   EventType = "job_updated"
	EventItemUpdated  EventType = "item_updated"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// ChangeKind distinguishes progress-only job updates from status transitions.
type ChangeKind string

const (
	ChangeStatus   ChangeKind = "status"
	ChangeProgress ChangeKind = "progress"
)

// Event is a structured record published to observers. Delivery is
// best-effort and at-most-once; observers bootstrap by re-fetching state.
type Event struct {
	Type   EventType  `json:"type"`
	Owner  string     `json:"-"`
	Job    *Job       `json:"job,omitempty"`
	Items  []*Item    `json:"items,omitempty"`
	Item   *Item      `json:"item,omitempty"`
	Change ChangeKind `json:"change,omitempty"`
}

// Sink receives engine events.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(event Event) { f(event) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Publish(event Event) {
	for _, s := range m {
		s.Publish(event)
	}
}
