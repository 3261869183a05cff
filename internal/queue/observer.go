package queue

import "time"

type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed" // attempt failed, retry scheduled
	EventDead      EventType = "dead"   // no attempts left or permanent failure
	EventStalled   EventType = "stalled"
)

type Event struct {
	Type     EventType
	JobID    string
	Attempts int
	Err      string
	Delay    time.Duration
	Time     time.Time
}

// Observer receives job lifecycle notifications. It is called synchronously
// from queue operations and must not block; nothing in the queue depends on it.
type Observer interface {
	OnEvent(Event)
}

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}
