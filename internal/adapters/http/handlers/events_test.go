package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

func newEventsServer(t *testing.T, campaigns Campaigns, broker *services.ProgressBroker) *httptest.Server {
	t.Helper()
	h := NewEventsHandler(campaigns, broker, []string{"http://localhost:3000"})
	r := chi.NewRouter()
	r.Get("/evaluations/{id}/events", h.Stream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscriber(t *testing.T, broker *services.ProgressBroker, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return broker.SubscriberCount(id) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_StreamsJSONUntilCompletion(t *testing.T) {
	broker := services.NewProgressBroker(16)
	campaigns := newFakeCampaigns(&models.Evaluation{ID: "eval_a", Status: models.EvaluationStatusRunning})
	srv := newEventsServer(t, campaigns, broker)

	conn := dial(t, srv, "/evaluations/eval_a/events")
	waitForSubscriber(t, broker, "eval_a")

	broker.Publish(models.ProgressEvent{Kind: models.ProgressEpochCompleted, EvaluationID: "eval_a", EpochNumber: 1})
	broker.Publish(models.ProgressEvent{Kind: models.ProgressEpochStarted, EvaluationID: "eval_b", EpochNumber: 9})
	broker.Publish(models.ProgressEvent{Kind: models.ProgressEvaluationCompleted, EvaluationID: "eval_a"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	var first models.ProgressEvent
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, models.ProgressEpochCompleted, first.Kind)
	assert.Equal(t, 1, first.EpochNumber)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var second models.ProgressEvent
	require.NoError(t, json.Unmarshal(data, &second))
	assert.Equal(t, models.ProgressEvaluationCompleted, second.Kind)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream closes after the terminal event: %v", err)

	require.Eventually(t, func() bool {
		return broker.SubscriberCount("eval_a") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_MsgpackFrames(t *testing.T) {
	broker := services.NewProgressBroker(16)
	campaigns := newFakeCampaigns(&models.Evaluation{ID: "eval_a", Status: models.EvaluationStatusRunning})
	srv := newEventsServer(t, campaigns, broker)

	conn := dial(t, srv, "/evaluations/eval_a/events?format=msgpack")
	waitForSubscriber(t, broker, "eval_a")

	broker.Publish(models.ProgressEvent{Kind: models.ProgressRunCompleted, EvaluationID: "eval_a", TestRunID: "run_1", Progress: 0.5})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)

	var event models.ProgressEvent
	require.NoError(t, msgpack.Unmarshal(data, &event))
	assert.Equal(t, "run_1", event.TestRunID)
	assert.InDelta(t, 0.5, event.Progress, 1e-9)
}

func TestEvents_TerminalEvaluationClosesImmediately(t *testing.T) {
	broker := services.NewProgressBroker(16)
	campaigns := newFakeCampaigns(&models.Evaluation{ID: "eval_done", Status: models.EvaluationStatusCompleted})
	srv := newEventsServer(t, campaigns, broker)

	conn := dial(t, srv, "/evaluations/eval_done/events")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, broker.SubscriberCount("eval_done"))
}

func TestEvents_UnknownEvaluation(t *testing.T) {
	broker := services.NewProgressBroker(16)
	srv := newEventsServer(t, newFakeCampaigns(), broker)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/evaluations/eval_missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEvents_RejectsForeignOrigin(t *testing.T) {
	broker := services.NewProgressBroker(16)
	campaigns := newFakeCampaigns(&models.Evaluation{ID: "eval_a", Status: models.EvaluationStatusRunning})
	srv := newEventsServer(t, campaigns, broker)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/evaluations/eval_a/events"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
