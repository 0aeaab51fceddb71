package autostop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/repository"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// defaultBackfillBatch は1回の取得件数。
const defaultBackfillBatch = 500

// TitleBackfillJob はtitleが未設定の作業記録にラベルを復号したtitleを設定する。
// titleが未設定の行のみを更新するため、再実行しても更新件数は0になる。
type TitleBackfillJob struct {
	entries   repository.TimerEntryRepository
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	BatchSize int
}

// NewTitleBackfillJob はTitleBackfillJobを生成する。
func NewTitleBackfillJob(entries repository.TimerEntryRepository, collector metrics.MetricsCollector, logger *slog.Logger) *TitleBackfillJob {
	return &TitleBackfillJob{
		entries:   entries,
		metrics:   collector,
		logger:    logger,
		BatchSize: defaultBackfillBatch,
	}
}

// Start はジョブをティッカーで定期実行する。
func (j *TitleBackfillJob) Start(ctx context.Context, interval time.Duration) {
	runEvery(ctx, j.logger, "title補完ジョブ", interval, j.RunOnce)
}

// RunOnce は未設定の行がなくなるまでバッチ単位でtitleを設定する。
func (j *TitleBackfillJob) RunOnce(ctx context.Context) error {
	start := time.Now()
	var updated, failed int

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := j.entries.ListMissingTitle(ctx, j.BatchSize)
		if err != nil {
			return fmt.Errorf("title未設定の作業記録の取得に失敗しました: %w", err)
		}

		progressed := 0
		for _, e := range entries {
			ok, err := j.entries.UpdateTitle(ctx, e.ID, timecalc.DecodeLabel(e.Issue))
			if err != nil {
				j.logger.Error("titleの設定に失敗しました",
					slog.String("timer_id", e.ID),
					slog.String("error", err.Error()),
				)
				failed++
				continue
			}
			progressed++
			if ok {
				updated++
			}
		}

		// 失敗した行だけが残っている場合は次回の実行に回す
		if len(entries) < j.BatchSize || progressed == 0 {
			break
		}
	}

	j.metrics.RecordTitlesBackfilled(updated)
	j.logger.Info("title補完ジョブが完了しました",
		slog.Int("updated_count", updated),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
