package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/automaton/internal/state"
)

// MessageHandler receives messages from the inbox subscription. It is
// called from the paho receive goroutine.
type MessageHandler func(topic string, payload []byte)

func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		logger.Debug("mqtt message received", "topic", topic, "payload_size", len(payload))
	}
}

// InboxPayload is the JSON accepted on the inbox topic.
type InboxPayload struct {
	ID      string `json:"id,omitempty"`
	From    string `json:"from"`
	Content string `json:"content"`
}

// InboxWriter queues inbound messages. [*state.Store] satisfies it.
type InboxWriter interface {
	InsertInboxMessage(ctx context.Context, m *state.InboxMessage) error
}

// InboxHandler queues each valid payload as an inbox message for the
// next turn. Messages with a sender and content are accepted; anything
// else is logged and dropped. A repeated id is stored once.
func InboxHandler(inbox InboxWriter, logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		var in InboxPayload
		if err := json.Unmarshal(payload, &in); err != nil {
			logger.Warn("mqtt inbox payload is not JSON", "topic", topic, "error", err)
			return
		}
		from := strings.TrimSpace(in.From)
		if from == "" || strings.TrimSpace(in.Content) == "" {
			logger.Warn("mqtt inbox payload missing from or content", "topic", topic)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msg := &state.InboxMessage{ID: in.ID, From: from, Content: in.Content}
		if err := inbox.InsertInboxMessage(ctx, msg); err != nil {
			logger.Error("mqtt inbox insert failed", "from", from, "error", err)
			return
		}
		logger.Info("inbox message received via mqtt", "id", msg.ID, "from", from)
	}
}

// windowLimiter admits at most limit messages per fixed window. The
// window rolls over lazily on the next call, so no timer goroutine is
// needed. Drops from a finished window are reported once.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	start    time.Time
	admitted int
	dropped  int
}

func newWindowLimiter(limit int, window time.Duration, logger *slog.Logger) *windowLimiter {
	return &windowLimiter{limit: limit, window: window, now: time.Now, logger: logger}
}

func (w *windowLimiter) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Sub(w.start) >= w.window {
		if w.dropped > 0 {
			w.logger.Warn("mqtt messages dropped due to rate limit",
				"admitted", w.admitted,
				"dropped", w.dropped,
				"window", w.window.String(),
			)
		}
		w.start, w.admitted, w.dropped = now, 0, 0
	}
	if w.admitted >= w.limit {
		w.dropped++
		return false
	}
	w.admitted++
	return true
}
