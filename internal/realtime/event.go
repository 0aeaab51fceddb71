// Package realtime はタイマー状態の変更をクライアントへ即時に届ける。
// プロセス間はPostgreSQLのLISTEN/NOTIFYで中継し、ブラウザへはServer-Sent Eventsで配信する。
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// EventKind はタイマーイベントの種別。
type EventKind int

const (
	EventTimerStarted EventKind = iota
	EventTimerUpdated
	EventTimerStopped
)

// kindSpec はイベント種別ごとの名前とペイロードのエンコード方法。
type kindSpec struct {
	name   string
	encode func(timer *model.ActiveTimer) (json.RawMessage, error)
}

var kindTable = [...]kindSpec{
	EventTimerStarted: {name: "timer.started", encode: encodeTimer},
	EventTimerUpdated: {name: "timer.updated", encode: encodeTimer},
	EventTimerStopped: {name: "timer.stopped", encode: encodeNull},
}

// String はイベント名を返す。
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(kindTable) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return kindTable[k].name
}

// ParseEventKind はイベント名から種別を引く。
func ParseEventKind(name string) (EventKind, bool) {
	for i, kind := range kindTable {
		if kind.name == name {
			return EventKind(i), true
		}
	}
	return 0, false
}

// timerPayload はクライアントへ送る実行中タイマーの表現。
type timerPayload struct {
	Issue               string    `json:"issue"`
	ProjectID           string    `json:"project_id"`
	StartDatetime       time.Time `json:"start_datetime"`
	Notification6hrSent bool      `json:"notification_6hr_sent"`
}

func encodeTimer(timer *model.ActiveTimer) (json.RawMessage, error) {
	if timer == nil {
		return nil, fmt.Errorf("タイマーイベントにタイマーが含まれていません")
	}
	return json.Marshal(timerPayload{
		Issue:               timecalc.DecodeLabel(timer.Issue),
		ProjectID:           timer.ProjectID,
		StartDatetime:       timer.StartDatetime.UTC(),
		Notification6hrSent: timer.Notification6hrSent,
	})
}

func encodeNull(*model.ActiveTimer) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

// Event はユーザーのタイマーに起きた変更。
type Event struct {
	Kind   EventKind
	UserID string
	Timer  *model.ActiveTimer // timer.stoppedではnil
}

// Message はエンコード済みのイベント。Hubとプロセス間中継で共通に使う。
type Message struct {
	Kind EventKind
	Data json.RawMessage
}

// Message はイベントを種別に応じた形式でエンコードする。
func (e Event) Message() (Message, error) {
	if e.Kind < 0 || int(e.Kind) >= len(kindTable) {
		return Message{}, fmt.Errorf("未知のイベント種別です: %d", int(e.Kind))
	}
	data, err := kindTable[e.Kind].encode(e.Timer)
	if err != nil {
		return Message{}, fmt.Errorf("イベントのエンコードに失敗しました: %w", err)
	}
	return Message{Kind: e.Kind, Data: data}, nil
}

// Publisher はイベントの送出先。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// envelope はNOTIFYペイロードの形式。
type envelope struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

func marshalEnvelope(userID string, msg Message) ([]byte, error) {
	return json.Marshal(envelope{Type: msg.Kind.String(), UserID: userID, Data: msg.Data})
}

func unmarshalEnvelope(payload []byte) (string, Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", Message{}, fmt.Errorf("通知ペイロードのデコードに失敗しました: %w", err)
	}
	kind, ok := ParseEventKind(env.Type)
	if !ok {
		return "", Message{}, fmt.Errorf("未知のイベント種別です: %q", env.Type)
	}
	if env.UserID == "" {
		return "", Message{}, fmt.Errorf("通知ペイロードにuser_idがありません")
	}
	return env.UserID, Message{Kind: kind, Data: env.Data}, nil
}
