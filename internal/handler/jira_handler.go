package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/timekeeper/internal/jira"
	"github.com/hitoshi/timekeeper/internal/model"
)

// JiraSyncService はJira同期のサービスインターフェース。
type JiraSyncService interface {
	ImportSince(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error)
	ExportTimer(ctx context.Context, userID, entryID string) (*model.TimerEntry, error)
}

// JiraHandler はJira同期のHTTPハンドラー。
type JiraHandler struct {
	service         JiraSyncService
	logger          *slog.Logger
	defaultLookback time.Duration
	now             func() time.Time
}

// NewJiraHandler はJiraHandlerを生成する。sinceを省略した取り込みはdefaultLookback分遡る。
func NewJiraHandler(service JiraSyncService, logger *slog.Logger, defaultLookback time.Duration) *JiraHandler {
	return &JiraHandler{
		service:         service,
		logger:          logger,
		defaultLookback: defaultLookback,
		now:             time.Now,
	}
}

type importRequest struct {
	Since *time.Time `json:"since"`
}

type importResponse struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Import はJiraの作業ログを取り込む。途中で失敗した場合も処理済みの件数は保存済み。
// POST /api/jira/import
func (h *JiraHandler) Import(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req importRequest
	if err := decodeRequest(r, &req); err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	since := h.now().Add(-h.defaultLookback)
	if req.Since != nil {
		if req.Since.After(h.now()) {
			handleServiceError(h.logger, w, r, model.NewValidationError("since に未来の日時は指定できません"))
			return
		}
		since = *req.Since
	}

	result, err := h.service.ImportSince(r.Context(), userID, since)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{
		Imported: result.Imported,
		Updated:  result.Updated,
		Skipped:  result.Skipped,
		Errors:   result.Errors,
	})
}

// Export は作業記録をJiraの作業ログとして書き出す。
// POST /api/jira/export/{id}
func (h *JiraHandler) Export(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	entry, err := h.service.ExportTimer(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimerEntryResponse(entry))
}
