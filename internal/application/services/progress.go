package services

import (
	"sync"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

// ProgressBroker manages subscriptions and publishing of evaluation progress events.
// It separates the pub/sub concern from the campaign logic.
type ProgressBroker struct {
	channels map[string][]chan models.ProgressEvent
	mu       sync.RWMutex
	buffer   int
	now      func() time.Time
}

var (
	_ ports.ProgressPublisher  = (*ProgressBroker)(nil)
	_ ports.ProgressSubscriber = (*ProgressBroker)(nil)
)

// NewProgressBroker creates a broker whose subscriber channels hold buffer events
func NewProgressBroker(buffer int) *ProgressBroker {
	if buffer <= 0 {
		buffer = 100
	}
	return &ProgressBroker{
		channels: make(map[string][]chan models.ProgressEvent),
		buffer:   buffer,
		now:      time.Now,
	}
}

// Subscribe creates a new channel receiving events for one evaluation.
// The channel is buffered so the publisher never blocks.
func (p *ProgressBroker) Subscribe(evaluationID string) <-chan models.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan models.ProgressEvent, p.buffer)
	p.channels[evaluationID] = append(p.channels[evaluationID], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (p *ProgressBroker) Unsubscribe(evaluationID string, ch <-chan models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := p.channels[evaluationID]
	for i, subscriberCh := range channels {
		if subscriberCh == ch {
			p.channels[evaluationID] = append(channels[:i], channels[i+1:]...)
			close(subscriberCh)
			break
		}
	}

	if len(p.channels[evaluationID]) == 0 {
		delete(p.channels, evaluationID)
	}
}

// Publish fans an event out to the evaluation's subscribers.
// A subscriber whose buffer is full misses the event.
func (p *ProgressBroker) Publish(event models.ProgressEvent) {
	if event.At.IsZero() {
		event.At = p.now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.channels[event.EvaluationID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all channels of an evaluation
func (p *ProgressBroker) Close(evaluationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.channels[evaluationID] {
		close(ch)
	}
	delete(p.channels, evaluationID)
}

// SubscriberCount returns the number of active subscribers for an evaluation
func (p *ProgressBroker) SubscriberCount(evaluationID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels[evaluationID])
}

// publishTo sends through an optional publisher
func publishTo(p ports.ProgressPublisher, event models.ProgressEvent) {
	if p == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	p.Publish(event)
}
