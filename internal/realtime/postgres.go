package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PGPublisher はpg_notifyでイベントを他プロセスへ送る。
// ワーカーでの自動停止もAPIプロセスの購読者に届く。
type PGPublisher struct {
	db      *sql.DB
	channel string
}

var _ Publisher = (*PGPublisher)(nil)

// NewPGPublisher はPGPublisherを生成する。
func NewPGPublisher(db *sql.DB, channel string) *PGPublisher {
	return &PGPublisher{db: db, channel: channel}
}

// Publish はイベントをNOTIFYで送信する。
func (p *PGPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := ev.Message()
	if err != nil {
		return err
	}
	payload, err := marshalEnvelope(ev.UserID, msg)
	if err != nil {
		return fmt.Errorf("通知ペイロードの生成に失敗しました: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(payload)); err != nil {
		return fmt.Errorf("イベントの通知に失敗しました: %w", err)
	}
	return nil
}

// Listener はLISTENしたイベントをHubへ中継する。
type Listener struct {
	databaseURL string
	channel     string
	hub         *Hub
	logger      *slog.Logger
	pingEvery   time.Duration
}

// NewListener はListenerを生成する。
func NewListener(databaseURL, channel string, hub *Hub, logger *slog.Logger) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		channel:     channel,
		hub:         hub,
		logger:      logger,
		pingEvery:   90 * time.Second,
	}
}

// Run はコンテキストがキャンセルされるまで通知を受信し続ける。
// 接続断はpq.Listenerが自動で再接続する。
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				l.logger.Warn("イベント受信用の接続でエラーが発生しました",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("チャネル %s のLISTENに失敗しました: %w", l.channel, err)
	}

	l.logger.Info("イベント中継を開始しました", slog.String("channel", l.channel))

	ticker := time.NewTicker(l.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("イベント中継を停止しました")
			return nil
		case n := <-listener.Notify:
			// 再接続直後はnilが届く
			if n == nil {
				continue
			}
			l.relay(n.Extra)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn("イベント受信用の接続確認に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

func (l *Listener) relay(payload string) {
	userID, msg, err := unmarshalEnvelope([]byte(payload))
	if err != nil {
		l.logger.Warn("不正なイベント通知を破棄しました", slog.String("error", err.Error()))
		return
	}
	l.hub.Deliver(userID, msg)
}
