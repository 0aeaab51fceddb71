// Package jira はJiraの作業ログとローカルの作業記録の双方向同期を提供する。
// REST API v2 クライアントと、取り込み・書き出しを行うReconcilerを含む。
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/timekeeper/internal/metrics"
	"github.com/hitoshi/timekeeper/internal/model"
)

// TimeLayout はJira APIの日時形式。
const TimeLayout = "2006-01-02T15:04:05.000-0700"

const (
	apiPrefix = "/rest/api/2"
	// maxResponseSize はレスポンスボディの最大読み取りサイズ。
	maxResponseSize = 10 * 1024 * 1024
	pageSize        = 50
)

// API はReconcilerが使用するJira操作のインターフェース。
type API interface {
	Myself(ctx context.Context) (*Account, error)
	ListProjects(ctx context.Context) ([]Project, error)
	SearchIssues(ctx context.Context, jql string, startAt int) (*IssuePage, error)
	GetWorklogs(ctx context.Context, issueID string) ([]Worklog, error)
	PostWorklog(ctx context.Context, issueKey string, payload WorklogPayload) (*Worklog, error)
	GetIssue(ctx context.Context, issueID string) (*Issue, error)
}

var _ API = (*Client)(nil)

// Account はJiraのユーザー。Cloudは accountId、Server/Data Centerは name で識別する。
type Account struct {
	AccountID    string `json:"accountId"`
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	TimeZone     string `json:"timeZone"`
}

// Same は2つのアカウントが同一かを判定する。
func (a Account) Same(other Account) bool {
	if a.AccountID != "" || other.AccountID != "" {
		return a.AccountID == other.AccountID
	}
	return a.Name != "" && a.Name == other.Name
}

// Project はJiraプロジェクト。
type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// TimeTracking は課題の見積。
type TimeTracking struct {
	OriginalEstimate  string `json:"originalEstimate"`
	RemainingEstimate string `json:"remainingEstimate"`
}

// IssueFields は課題の取得対象フィールド。
type IssueFields struct {
	Summary      string       `json:"summary"`
	Project      Project      `json:"project"`
	TimeTracking TimeTracking `json:"timetracking"`
}

// Issue はJira課題。
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// IssuePage は課題検索の1ページ分の結果。
type IssuePage struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Worklog はJiraの作業ログ。
type Worklog struct {
	ID               string  `json:"id"`
	IssueID          string  `json:"issueId"`
	Author           Account `json:"author"`
	Comment          string  `json:"comment"`
	Started          string  `json:"started"`
	TimeSpentSeconds int64   `json:"timeSpentSeconds"`
}

// StartedAt は作業ログの開始時刻をパースする。
func (w Worklog) StartedAt() (time.Time, error) {
	t, err := time.Parse(TimeLayout, w.Started)
	if err != nil {
		return time.Time{}, fmt.Errorf("作業ログ %s の開始時刻が不正です: %w", w.ID, err)
	}
	return t, nil
}

type worklogPage struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	Worklogs   []Worklog `json:"worklogs"`
}

// WorklogPayload は作業ログ作成リクエストのボディ。
type WorklogPayload struct {
	Comment          string `json:"comment,omitempty"`
	Started          string `json:"started"`
	TimeSpentSeconds int64  `json:"timeSpentSeconds"`
}

// Credentials はクライアント生成に使用する復号済みの接続情報。
type Credentials struct {
	BaseURL     string
	AccountType model.AccountType
	Username    string
	Token       string
}

// Client はJira REST API v2 のクライアント。
// リクエストはレートリミッターで一定間隔に抑える。
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewClient はClientを生成する。
// OAuthアカウントの場合はhttpClientのTransportをBearerトークン付与でラップする。
func NewClient(
	httpClient *http.Client,
	creds Credentials,
	limiter *rate.Limiter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Client {
	hc := *httpClient
	if creds.AccountType == model.AccountTypeOAuth {
		hc.Transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token}),
			Base:   httpClient.Transport,
		}
	}
	return &Client{
		httpClient: &hc,
		baseURL:    creds.BaseURL,
		creds:      creds,
		limiter:    limiter,
		metrics:    collector,
		logger:     logger,
	}
}

// Myself は認証中のアカウントを返す。
func (c *Client) Myself(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.do(ctx, "myself", http.MethodGet, "/myself", nil, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// ListProjects はアクセス可能なプロジェクト一覧を返す。
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, "list_projects", http.MethodGet, "/project", nil, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// SearchIssues はJQLで課題を検索し、startAtから1ページ分を返す。
func (c *Client) SearchIssues(ctx context.Context, jql string, startAt int) (*IssuePage, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(pageSize))
	q.Set("fields", "summary,project,timetracking")

	var page IssuePage
	if err := c.do(ctx, "search_issues", http.MethodGet, "/search", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetWorklogs は課題の作業ログを全ページ取得する。
func (c *Client) GetWorklogs(ctx context.Context, issueID string) ([]Worklog, error) {
	var all []Worklog
	startAt := 0
	for {
		q := url.Values{}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(pageSize))

		var page worklogPage
		path := "/issue/" + url.PathEscape(issueID) + "/worklog"
		if err := c.do(ctx, "get_worklogs", http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}
		for _, w := range page.Worklogs {
			if w.IssueID == "" {
				w.IssueID = issueID
			}
			all = append(all, w)
		}
		startAt += len(page.Worklogs)
		if len(page.Worklogs) == 0 || startAt >= page.Total {
			return all, nil
		}
	}
}

// PostWorklog は課題に作業ログを作成する。
func (c *Client) PostWorklog(ctx context.Context, issueKey string, payload WorklogPayload) (*Worklog, error) {
	var wl Worklog
	path := "/issue/" + url.PathEscape(issueKey) + "/worklog"
	if err := c.do(ctx, "post_worklog", http.MethodPost, path, nil, payload, &wl); err != nil {
		return nil, err
	}
	return &wl, nil
}

// GetIssue は課題を取得する。
func (c *Client) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	q := url.Values{}
	q.Set("fields", "summary,project,timetracking")

	var issue Issue
	if err := c.do(ctx, "get_issue", http.MethodGet, "/issue/"+url.PathEscape(issueID), q, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// do はリクエストを送信してJSONレスポンスをoutにデコードする。
// 失敗はすべてExternalServiceErrorとして返す。
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	start := time.Now()
	defer func() { c.metrics.RecordJiraLatency(op, time.Since(start)) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return model.NewExternalServiceError(op, err)
	}

	reqURL := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return model.NewExternalServiceError(op, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return model.NewExternalServiceError(op, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Timekeeper/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.AccountType != model.AccountTypeOAuth {
		req.SetBasicAuth(c.creds.Username, c.creds.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Jira APIの呼び出しに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return model.NewExternalServiceError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.NewExternalServiceError(op, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Jira APIがエラーステータスを返しました",
			slog.String("operation", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewExternalServiceError(op, fmt.Errorf("Jira APIがステータス %d を返しました", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.NewExternalServiceError(op, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	return nil
}
