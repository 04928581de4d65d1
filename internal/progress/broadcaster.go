// Package progress broadcasts live extraction progress events, keyed by the
// extraction request's correlation id. The pipeline publishes one event per
// completed unit of work (source embedded, batch coded, cluster labeled);
// a separate delivery component owns the wire transport and subscribes here.
package progress

import (
	"sync"

	"themeline/internal/logging"
)

// Stage names match the pipeline's six stages.
const (
	StageFamiliarization = "familiarization"
	StageCoding          = "coding"
	StageGeneration      = "generation"
	StageReview          = "review"
	StageLabeling        = "labeling"
	StageComplete        = "complete"
	StageFailed          = "failed"
)

// Event is one ephemeral progress update. Not persisted.
type Event struct {
	RequestID  string         `json:"requestId"`
	Stage      string         `json:"stage"`
	Percentage int            `json:"percentage"` // 0-100
	Message    string         `json:"message"`
	Stats      StatsSnapshot  `json:"liveStats"`
	Extra      map[string]any `json:"extra,omitempty"` // stage-specific fields
}

// subscriberBuffer bounds each subscriber channel. When a consumer lags, the
// oldest event is dropped so workers never block on a slow UI.
const subscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

// Broadcaster fans events out to per-request subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string][]*subscriber)}
}

// Subscribe registers for a request's events. The returned cancel func
// detaches the subscriber; Close(requestID) also closes the channel.
func (b *Broadcaster) Subscribe(requestID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[requestID] = append(b.subs[requestID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[requestID]
		for i, s := range list {
			if s == sub {
				b.subs[requestID] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of its request id. Never
// blocks: a full subscriber buffer drops its oldest event first.
//
// The sends happen under the read lock. Subscribe's cancel and Close both
// close channels under the write lock, so a channel can never be closed
// while a send to it is in flight.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[ev.RequestID] {
		select {
		case s.ch <- ev:
		default:
			// Lagging consumer: drop oldest, then deliver.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
			logging.ForRequest(logging.CategoryProgress, ev.RequestID).
				Debugw("dropped oldest progress event for lagging subscriber", "stage", ev.Stage)
		}
	}
}

// Close tears down all subscriptions for a request. Called by the
// orchestrator at request completion or cancellation.
func (b *Broadcaster) Close(requestID string) {
	b.mu.Lock()
	list := b.subs[requestID]
	delete(b.subs, requestID)
	b.mu.Unlock()

	for _, s := range list {
		close(s.ch)
	}
}
