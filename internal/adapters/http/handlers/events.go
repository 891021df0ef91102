package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crafter-station/cadence-sub000/internal/adapters/http/encoding"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// EventsHandler streams an evaluation's progress events over a websocket.
// Frames are JSON text messages, or binary MessagePack with ?format=msgpack.
type EventsHandler struct {
	campaigns Campaigns
	progress  ports.ProgressSubscriber
	upgrader  websocket.Upgrader
}

func NewEventsHandler(campaigns Campaigns, progress ports.ProgressSubscriber, allowedOrigins []string) *EventsHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &EventsHandler{
		campaigns: campaigns,
		progress:  progress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients do not send an Origin
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Evaluation ID")
	if !ok {
		return
	}

	evaluation, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	format := encoding.NegotiateFormat(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "http: websocket upgrade failed", "evaluation_id", id, "error", err)
		return
	}
	defer conn.Close()

	if evaluation.Status.IsTerminal() {
		closeStream(conn, "evaluation "+string(evaluation.Status))
		return
	}

	events := h.progress.Subscribe(id)
	defer h.progress.Unsubscribe(id, events)

	slog.DebugContext(r.Context(), "http: progress stream opened", "evaluation_id", id, "format", format)

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, format, events, done)
}

// readPump drains client frames so control messages are processed
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("http: progress stream read error", "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, format encoding.Format, events <-chan models.ProgressEvent, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	messageType := websocket.TextMessage
	if format.Binary() {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				closeStream(conn, "stream closed")
				return
			}
			data, err := encoding.Marshal(format, event)
			if err != nil {
				slog.Error("http: failed to encode progress event", "kind", event.Kind, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
			if event.Kind == models.ProgressEvaluationCompleted || event.Kind == models.ProgressEvaluationFailed {
				closeStream(conn, string(event.Kind))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
