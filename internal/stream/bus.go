package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Type labels a lifecycle event on the stream.
type Type string

const (
	TypeGenerationSubmitted Type = "generation_submitted"
	TypeGenerationStarted   Type = "generation_started"
	TypeGenerationCompleted Type = "generation_completed"
	TypeGenerationFailed    Type = "generation_failed"
	TypeGenerationRequeued  Type = "generation_requeued"
	TypeTaskExecuted        Type = "task_executed"
)

// Event is one status change pushed to SSE subscribers. Generation
// events carry GenerationID; auxiliary-task events carry TaskID.
type Event struct {
	Type         Type            `json:"type"`
	GenerationID string          `json:"generation_id,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	DeviceID     string          `json:"device_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Filter restricts which events a subscriber receives.
type Filter struct {
	GenerationID string
	UserID       string
	Types        []Type
}

// Bus fans generation events out to SSE subscribers.
type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)
}

type bus struct {
	subscribers map[chan Event]Filter
	mu          sync.RWMutex
}

// New creates an in-process event bus.
func New() Bus {
	return &bus{
		subscribers: make(map[chan Event]Filter),
	}
}

func (b *bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if b.matches(filter, e) {
			select {
			case ch <- e:
			default:
				// Drop rather than block publishers on a slow consumer.
			}
		}
	}
}

func (b *bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	b.subscribers[ch] = filter
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

func (b *bus) matches(filter Filter, e Event) bool {
	if filter.GenerationID != "" && filter.GenerationID != e.GenerationID {
		return false
	}
	if filter.UserID != "" && filter.UserID != e.UserID {
		return false
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
