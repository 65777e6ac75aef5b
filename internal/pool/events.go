package pool

import (
	"context"
	"sync"
	"time"
)

// EventName identifies an out-of-band agent command.
type EventName string

const (
	EventRegister          EventName = "Register"
	EventExecWorkflow      EventName = "ExecWorkflow"
	EventCaptionImage      EventName = "CaptionImage"
	EventExecOllama        EventName = "ExecOllama"
	EventExecChat          EventName = "ExecChat"
	EventInstallPipPackage EventName = "InstallPipPackage"
	EventInstallCustomNode EventName = "InstallCustomNode"
	EventDownloadModel     EventName = "DownloadModel"
	EventReboot            EventName = "Reboot"
)

// AgentEvent is a named message delivered at most once per enqueue into
// a specific agent's queue and consumed in FIFO order.
type AgentEvent struct {
	Name EventName         `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// EventQueue is one agent's pending command queue.
type EventQueue struct {
	mu    sync.Mutex
	items []AgentEvent
	wake  chan struct{}
}

func newEventQueue() *EventQueue {
	return &EventQueue{wake: make(chan struct{}, 1)}
}

// Push appends an event and wakes a blocked taker.
func (q *EventQueue) Push(events ...AgentEvent) {
	if len(events) == 0 {
		return
	}

	q.mu.Lock()
	q.items = append(q.items, events...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain removes and returns up to max queued events without blocking.
func (q *EventQueue) Drain(max int) []AgentEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || max <= 0 {
		return nil
	}

	n := max
	if n > len(q.items) {
		n = len(q.items)
	}

	out := make([]AgentEvent, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}

// Take blocks until at least one event is available, the timeout
// elapses, or ctx is cancelled, then returns up to max events. No lock
// is held while waiting.
func (q *EventQueue) Take(ctx context.Context, max int, timeout time.Duration) []AgentEvent {
	if out := q.Drain(max); len(out) > 0 {
		return out
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return q.Drain(max)
		case <-q.wake:
			if out := q.Drain(max); len(out) > 0 {
				return out
			}
		}
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// EventQueues owns one queue per connected agent.
type EventQueues struct {
	mu     sync.Mutex
	queues map[string]*EventQueue
}

func NewEventQueues() *EventQueues {
	return &EventQueues{queues: make(map[string]*EventQueue)}
}

// For returns the queue for deviceID, creating it on first use.
func (qs *EventQueues) For(deviceID string) *EventQueue {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q, ok := qs.queues[deviceID]
	if !ok {
		q = newEventQueue()
		qs.queues[deviceID] = q
	}
	return q
}

// Remove drops an agent's queue along with any undelivered events.
func (qs *EventQueues) Remove(deviceID string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	delete(qs.queues, deviceID)
}
