package stream

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhblend/core/events"
	"nhblend/core/types"
	"nhblend/observability"
)

const defaultHistoryLimit = 1024

// Update is one engine event as delivered to stream subscribers.
type Update struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneUpdate(u Update) Update {
	cloned := u
	if u.Attributes != nil {
		cloned.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			cloned.Attributes[k] = v
		}
	}
	return cloned
}

type payloadEvent interface {
	Event() *types.Event
}

// Hub fans engine events out to subscribers and keeps a bounded history so
// reconnecting clients can resume from a cursor.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	limit   int
	history []Update
	subs    map[uint64]chan Update
	now     func() time.Time
}

// NewHub returns a hub retaining up to limit events. Zero selects the default.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Hub{limit: limit, subs: make(map[uint64]chan Update), now: time.Now}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	update := Update{Type: evt.EventType()}
	if payload, ok := evt.(payloadEvent); ok {
		if inner := payload.Event(); inner != nil {
			update.Type = inner.Type
			update.Attributes = inner.Attributes
		}
	}
	h.publish(update)
}

func (h *Hub) publish(update Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	update.Sequence = h.seq
	update.Cursor = strconv.FormatUint(update.Sequence, 10)
	update.Timestamp = h.now().Unix()
	h.history = append(h.history, cloneUpdate(update))
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Update, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	observability.Events().RecordPublished(update.Type)
	for _, ch := range h.subs {
		select {
		case ch <- cloneUpdate(update):
		default:
			observability.Events().RecordDropped(update.Type)
		}
	}
}

// Subscribe registers a subscriber for events after cursor. It returns the
// live channel, a cancel function and the retained backlog. The channel is
// closed by cancel or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Update, func(), []Update) {
	updates := make(chan Update, 32)

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
	backlog := make([]Update, 0, len(h.history))
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

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
