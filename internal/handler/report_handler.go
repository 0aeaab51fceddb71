package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/plan"
	"github.com/hitoshi/timekeeper/internal/report"
)

// ReportService はレポート集計のサービスインターフェース。
type ReportService interface {
	Query(ctx context.Context, q report.Query) ([]report.Row, error)
}

// PlanService はリソース計画の週次配分のサービスインターフェース。
type PlanService interface {
	Weeks(ctx context.Context, q plan.Query) ([]plan.WeekBucket, error)
}

// ReportHandler はレポートと計画のHTTPハンドラー。
type ReportHandler struct {
	reports ReportService
	plans   PlanService
	logger  *slog.Logger
}

// NewReportHandler はReportHandlerを生成する。
func NewReportHandler(reports ReportService, plans PlanService, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, plans: plans, logger: logger}
}

type reportRowResponse struct {
	Username       string    `json:"username"`
	Project        string    `json:"project"`
	Issue          string    `json:"issue"`
	DurationMillis int64     `json:"duration"`
	DurationHuman  string    `json:"duration_human"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
}

type planItemResponse struct {
	ProjectName string  `json:"project_name"`
	Hours       float64 `json:"hours"`
}

type weekBucketResponse struct {
	StartDate   time.Time          `json:"start_date"`
	EndDate     time.Time          `json:"end_date"`
	WeekNumber  int                `json:"week_number"`
	TotalMillis float64            `json:"total_duration"`
	Hours       float64            `json:"hours"`
	Plan        []planItemResponse `json:"plan,omitempty"`
}

// Reports は期間と重なる作業記録の集計を返す。
// GET /api/reports?start=&end=&users=&projects=&mode=per-entry|combined
func (h *ReportHandler) Reports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange(q)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}
	mode, ok := report.ParseMode(q.Get("mode"))
	if !ok {
		handleServiceError(h.logger, w, r, model.NewValidationError(fmt.Sprintf("未知の集計方法です: %q", q.Get("mode"))))
		return
	}

	rows, err := h.reports.Query(r.Context(), report.Query{
		Start:      start,
		End:        end,
		UserIDs:    parseListParam(q, "users"),
		ProjectIDs: parseListParam(q, "projects"),
		Mode:       mode,
	})
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	resp := make([]reportRowResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, reportRowResponse{
			Username:       row.Username,
			Project:        row.Project,
			Issue:          row.Issue,
			DurationMillis: row.DurationMillis,
			DurationHuman:  row.DurationHuman,
			StartDate:      row.StartDate,
			EndDate:        row.EndDate,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// PlanWeeks はリソース計画を週ごとに配分した結果を返す。
// GET /api/plan/weeks?start=&end=&users=&by_project=true
func (h *ReportHandler) PlanWeeks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseRange(q)
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}
	byProject, err := parseBoolParam(q, "by_project")
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	buckets, err := h.plans.Weeks(r.Context(), plan.Query{
		Start:     start,
		End:       end,
		UserIDs:   parseListParam(q, "users"),
		ByProject: byProject,
	})
	if err != nil {
		handleServiceError(h.logger, w, r, err)
		return
	}

	resp := make([]weekBucketResponse, 0, len(buckets))
	for _, b := range buckets {
		wb := weekBucketResponse{
			StartDate:   b.StartDate,
			EndDate:     b.EndDate,
			WeekNumber:  b.WeekNumber,
			TotalMillis: b.TotalMillis,
			Hours:       b.Hours,
		}
		for _, item := range b.Plan {
			wb.Plan = append(wb.Plan, planItemResponse{ProjectName: item.ProjectName, Hours: item.Hours})
		}
		resp = append(resp, wb)
	}
	writeJSON(w, http.StatusOK, resp)
}
