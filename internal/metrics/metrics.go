// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ワーカー・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordTimerStarted()
	RecordTimerStopped(entries int)
	RecordAutostop()
	RecordSessionNotification()
	RecordTitlesBackfilled(count int)
	RecordWorklogsImported(imported, updated, failed int)
	RecordWorklogExported()
	RecordJiraLatency(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	timersStarted       prometheus.Counter
	entriesCreated      prometheus.Counter
	autostops           prometheus.Counter
	sessionNotification prometheus.Counter
	titlesBackfilled    prometheus.Counter
	worklogsSynced      *prometheus.CounterVec
	worklogsExported    prometheus.Counter
	jiraLatency         *prometheus.HistogramVec
	httpStatus          *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		timersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timekeeper_timers_started_total",
			Help: "開始されたタイマーの合計数",
		}),
		entriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timekeeper_timer_entries_created_total",
			Help: "タイマー停止で作成された作業記録の合計数",
		}),
		autostops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timekeeper_autostops_total",
			Help: "上限時間超過で自動停止されたタイマーの合計数",
		}),
		sessionNotification: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timekeeper_session_notifications_total",
			Help: "長時間タイマーの通知送信数",
		}),
		titlesBackfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timekeeper_titles_backfilled_total",
			Help: "titleを補完した作業記録の合計数",
		}),
		worklogsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timekeeper_jira_worklogs_imported_total",
			Help: "Jiraから取り込んだ作業ログ数（結果別）",
		}, []string{"result"}),
		worklogsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timekeeper_jira_worklogs_exported_total",
			Help: "Jiraへ送信した作業ログ数",
		}),
		jiraLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timekeeper_jira_request_latency_seconds",
			Help:    "Jira APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timekeeper_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.timersStarted,
		c.entriesCreated,
		c.autostops,
		c.sessionNotification,
		c.titlesBackfilled,
		c.worklogsSynced,
		c.worklogsExported,
		c.jiraLatency,
		c.httpStatus,
	)

	return c
}

// RecordTimerStarted はタイマー開始を記録する。
func (c *Collector) RecordTimerStarted() {
	c.timersStarted.Inc()
}

// RecordTimerStopped はタイマー停止で作成された作業記録数を記録する。
func (c *Collector) RecordTimerStopped(entries int) {
	c.entriesCreated.Add(float64(entries))
}

// RecordAutostop は自動停止を記録する。
func (c *Collector) RecordAutostop() {
	c.autostops.Inc()
}

// RecordSessionNotification は長時間タイマー通知の送信を記録する。
func (c *Collector) RecordSessionNotification() {
	c.sessionNotification.Inc()
}

// RecordTitlesBackfilled はtitle補完件数を記録する。
func (c *Collector) RecordTitlesBackfilled(count int) {
	c.titlesBackfilled.Add(float64(count))
}

// RecordWorklogsImported は取り込み結果を記録する。
func (c *Collector) RecordWorklogsImported(imported, updated, failed int) {
	c.worklogsSynced.WithLabelValues("imported").Add(float64(imported))
	c.worklogsSynced.WithLabelValues("updated").Add(float64(updated))
	c.worklogsSynced.WithLabelValues("failed").Add(float64(failed))
}

// RecordWorklogExported はJiraへの作業ログ送信を記録する。
func (c *Collector) RecordWorklogExported() {
	c.worklogsExported.Inc()
}

// RecordJiraLatency はJira APIのレイテンシを記録する。
func (c *Collector) RecordJiraLatency(operation string, duration time.Duration) {
	c.jiraLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。CLIのワンショット実行やテストで使用する。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordTimerStarted() {}
func (Nop) RecordTimerStopped(int) {}
func (Nop) RecordAutostop() {}
func (Nop) RecordSessionNotification() {}
func (Nop) RecordTitlesBackfilled(int) {}
func (Nop) RecordWorklogsImported(int, int, int) {}
func (Nop) RecordWorklogExported() {}
func (Nop) RecordJiraLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
