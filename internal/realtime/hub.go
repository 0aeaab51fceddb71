package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Hub はユーザーごとの購読チャネルへイベントを配信する。
// 購読者の受信が追いつかない場合はそのメッセージを破棄する。
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Message]struct{}
	buffer int
	logger *slog.Logger
}

var _ Publisher = (*Hub)(nil)

// NewHub はHubを生成する。bufferは購読者ごとのチャネル容量。
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[string]map[chan Message]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe はユーザーのイベントを受け取るチャネルと購読解除関数を返す。
func (h *Hub) Subscribe(userID string) (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Message]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Deliver はユーザーの全購読者へメッセージを送る。
func (h *Hub) Deliver(userID string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[userID] {
		select {
		case ch <- msg:
		default:
			h.logger.Warn("購読者の受信が滞っているためイベントを破棄しました",
				slog.String("user_id", userID),
				slog.String("event", msg.Kind.String()),
			)
		}
	}
}

// Publish はイベントをエンコードして同一プロセス内の購読者へ配信する。
func (h *Hub) Publish(_ context.Context, ev Event) error {
	msg, err := ev.Message()
	if err != nil {
		return err
	}
	h.Deliver(ev.UserID, msg)
	return nil
}

// SubscriberCount は指定ユーザーの購読者数を返す。
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// WriteSSE はメッセージをServer-Sent Events形式で書き出す。
func WriteSSE(w io.Writer, msg Message) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind.String(), msg.Data)
	return err
}
