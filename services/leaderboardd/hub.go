package leaderboardd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"leaderboard/core/events"
	"leaderboard/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// StreamUpdate is one event as delivered to websocket subscribers.
type StreamUpdate struct {
	Sequence   uint64            `json:"-"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"ts"`
}

func cloneUpdate(update StreamUpdate) StreamUpdate {
	cloned := update
	if update.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(update.Attributes))
		for k, v := range update.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

// Hub keeps a bounded history of emitted events and fans them out to
// subscribers. It implements events.Emitter and never blocks the emitter:
// slow subscribers miss updates instead.
type Hub struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	nextID  uint64
	history []StreamUpdate
	subs    map[uint64]chan StreamUpdate
	now     func() time.Time
}

// NewHub returns a hub retaining up to historyLimit updates for replay.
func NewHub(historyLimit int) *Hub {
	if historyLimit <= 0 {
		historyLimit = 1024
	}
	return &Hub{
		limit: historyLimit,
		subs:  make(map[uint64]chan StreamUpdate),
		now:   time.Now,
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	h.publish(payload.Event())
}

func (h *Hub) publish(evt *types.Event) {
	if evt == nil {
		return
	}
	cloned := evt.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	update := StreamUpdate{
		Sequence:   h.seq,
		Cursor:     strconv.FormatUint(h.seq, 10),
		Type:       cloned.Type,
		Attributes: cloned.Attributes,
		Timestamp:  h.now().Unix(),
	}
	h.history = append(h.history, update)
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]StreamUpdate, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	for _, ch := range h.subs {
		select {
		case ch <- cloneUpdate(update):
		default:
		}
	}
}

// Subscribe registers a subscriber for updates after cursor. The backlog holds
// retained updates newer than cursor. The returned cancel func is idempotent
// and also runs when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan StreamUpdate, func(), []StreamUpdate) {
	updates := make(chan StreamUpdate, subscriberBuffer)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	backlog := make([]StreamUpdate, 0, len(h.history))
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneUpdate(entry))
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.wsOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Clients never send; CloseRead handles pings and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog := s.hub.Subscribe(ctx, cursor)
	defer cancel()

	for _, update := range backlog {
		if err := writeUpdate(ctx, conn, update); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, update StreamUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// LogEmitter writes every event with attributes as a structured log line.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements events.Emitter.
func (l LogEmitter) Emit(evt events.Event) {
	if evt == nil || l.Logger == nil {
		return
	}
	attrs := []any{slog.String("type", evt.EventType())}
	if payload, ok := evt.(events.Payload); ok {
		if rendered := payload.Event(); rendered != nil {
			group := make([]any, 0, len(rendered.Attributes))
			for k, v := range rendered.Attributes {
				group = append(group, slog.String(k, v))
			}
			attrs = append(attrs, slog.Group("attributes", group...))
		}
	}
	l.Logger.Info("event emitted", attrs...)
}
