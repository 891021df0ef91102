package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

func TestProgressBroker_FanOut(t *testing.T) {
	b := NewProgressBroker(4)
	a := b.Subscribe("eval_1")
	c := b.Subscribe("eval_1")
	other := b.Subscribe("eval_2")
	assert.Equal(t, 2, b.SubscriberCount("eval_1"))

	b.Publish(models.ProgressEvent{Kind: models.ProgressEpochStarted, EvaluationID: "eval_1", EpochNumber: 1})

	for _, ch := range []<-chan models.ProgressEvent{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, models.ProgressEpochStarted, e.Kind)
			assert.False(t, e.At.IsZero())
		default:
			t.Fatal("expected an event")
		}
	}
	assert.Empty(t, other)
}

func TestProgressBroker_FullBufferDropsEvents(t *testing.T) {
	b := NewProgressBroker(1)
	ch := b.Subscribe("eval_1")

	b.Publish(models.ProgressEvent{Kind: models.ProgressSessionStarted, EvaluationID: "eval_1"})
	b.Publish(models.ProgressEvent{Kind: models.ProgressSessionCompleted, EvaluationID: "eval_1"})

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, models.ProgressSessionStarted, e.Kind)
}

func TestProgressBroker_Unsubscribe(t *testing.T) {
	b := NewProgressBroker(0)
	ch := b.Subscribe("eval_1")
	b.Unsubscribe("eval_1", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount("eval_1"))

	// publishing without subscribers is a no-op
	b.Publish(models.ProgressEvent{EvaluationID: "eval_1"})
}

func TestProgressBroker_Close(t *testing.T) {
	b := NewProgressBroker(2)
	a := b.Subscribe("eval_1")
	c := b.Subscribe("eval_1")
	b.Close("eval_1")

	_, openA := <-a
	_, openC := <-c
	assert.False(t, openA)
	assert.False(t, openC)
	assert.Zero(t, b.SubscriberCount("eval_1"))
}

func TestPublishTo_NilPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		publishTo(nil, models.ProgressEvent{EvaluationID: "eval_1"})
	})
}
