package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/realtime"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// TimerService はタイマーハンドラーが必要とするサービスインターフェース。
type TimerService interface {
	Start(ctx context.Context, userID, issue, projectID string) (*model.ActiveTimer, error)
	Update(ctx context.Context, userID string, issue, projectID *string) (*model.ActiveTimer, error)
	Get(ctx context.Context, userID string) (*model.ActiveTimer, error)
	Stop(ctx context.Context, userID string) ([]*model.TimerEntry, error)
}

// EventSubscriber はユーザーのタイマーイベントを購読する。
type EventSubscriber interface {
	Subscribe(userID string) (<-chan realtime.Message, func())
}

// TimerHandler は実行中タイマーのHTTPハンドラー。
type TimerHandler struct {
	service   TimerService
	events    EventSubscriber
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewTimerHandler はTimerHandlerを生成する。
func NewTimerHandler(service TimerService, events EventSubscriber, logger *slog.Logger) *TimerHandler {
	return &TimerHandler{
		service:   service,
		events:    events,
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
}

type startTimerRequest struct {
	Issue     string `json:"issue" validate:"max=1000"`
	ProjectID string `json:"project_id" validate:"required"`
}

// updateTimerRequest は部分更新のリクエスト。省略したフィールドは変更しない。
type updateTimerRequest struct {
	Issue     *string `json:"issue" validate:"omitempty,max=1000"`
	ProjectID *string `json:"project_id" validate:"omitempty,min=1"`
}

type activeTimerResponse struct {
	Issue               string    `json:"issue"`
	ProjectID           string    `json:"project_id"`
	StartDatetime       time.Time `json:"start_datetime"`
	Notification6hrSent bool      `json:"notification_6hr_sent"`
}

type timerEntryResponse struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"project_id"`
	Issue             string    `json:"issue"`
	StartDatetime     time.Time `json:"start_datetime"`
	EndDatetime       time.Time `json:"end_datetime"`
	DurationMillis    int64     `json:"duration_ms"`
	SyncStatus        bool      `json:"sync_status"`
	ExternalWorklogID *string   `json:"external_worklog_id,omitempty"`
}

// Start はタイマーを開始する。既存のタイマーは置き換える。
// POST /api/timer/start
func (h *TimerHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req startTimerRequest
	if err := decodeRequest(r, &req); err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	timer, err := h.service.Start(r.Context(), userID, req.Issue, req.ProjectID)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActiveTimerResponse(timer))
}

// Update は実行中タイマーの課題ラベル・プロジェクトを変更する。
// PATCH /api/timer
func (h *TimerHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req updateTimerRequest
	if err := decodeRequest(r, &req); err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	timer, err := h.service.Update(r.Context(), userID, req.Issue, req.ProjectID)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActiveTimerResponse(timer))
}

// Get は実行中タイマーを返す。実行中でなければ {"timer": null}。
// GET /api/timer
func (h *TimerHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	timer, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	resp := struct {
		Timer *activeTimerResponse `json:"timer"`
	}{}
	if timer != nil {
		t := toActiveTimerResponse(timer)
		resp.Timer = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stop はタイマーを停止し、作成された作業記録を返す。
// POST /api/timer/stop
func (h *TimerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.Stop(r.Context(), userID)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	resp := struct {
		Entries []timerEntryResponse `json:"entries"`
	}{Entries: make([]timerEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toTimerEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Events はユーザーのタイマーイベントをServer-Sent Eventsで配信する。
// GET /api/timer/events
func (h *TimerHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)

	msgs, cancel := h.events.Subscribe(userID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("SSEストリームをフラッシュできません",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			if err := realtime.WriteSSE(w, msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func toActiveTimerResponse(t *model.ActiveTimer) activeTimerResponse {
	return activeTimerResponse{
		Issue:               timecalc.DecodeLabel(t.Issue),
		ProjectID:           t.ProjectID,
		StartDatetime:       t.StartDatetime.UTC(),
		Notification6hrSent: t.Notification6hrSent,
	}
}

func toTimerEntryResponse(e *model.TimerEntry) timerEntryResponse {
	return timerEntryResponse{
		ID:                e.ID,
		ProjectID:         e.ProjectID,
		Issue:             timecalc.DecodeLabel(e.Issue),
		StartDatetime:     e.StartDatetime.UTC(),
		EndDatetime:       e.EndDatetime.UTC(),
		DurationMillis:    e.Duration().Milliseconds(),
		SyncStatus:        e.SyncStatus,
		ExternalWorklogID: e.ExternalWorklogID,
	}
}
