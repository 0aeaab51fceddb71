package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/timekeeper/internal/model"
)

// 各PostgreSQLリポジトリがインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ ProjectRepository = (*PostgresProjectRepo)(nil)
	var _ ActiveTimerRepository = (*PostgresActiveTimerRepo)(nil)
	var _ TimerEntryRepository = (*PostgresTimerEntryRepo)(nil)
	var _ PlanResourceRepository = (*PostgresPlanResourceRepo)(nil)
}

// コンストラクタが正しく初期化されることを検証
func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresUserRepo(nil) == nil {
		t.Fatal("expected non-nil user repo")
	}
	if NewPostgresProjectRepo(nil) == nil {
		t.Fatal("expected non-nil project repo")
	}
	if NewPostgresActiveTimerRepo(nil) == nil {
		t.Fatal("expected non-nil active timer repo")
	}
	if NewPostgresTimerEntryRepo(nil) == nil {
		t.Fatal("expected non-nil timer entry repo")
	}
	if NewPostgresPlanResourceRepo(nil) == nil {
		t.Fatal("expected non-nil plan resource repo")
	}
}

// fakeRow はrowScannerのテスト用実装。
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int64:
			*p = r.values[i].(int64)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case *sql.NullString:
			if r.values[i] == nil {
				*p = sql.NullString{}
			} else {
				*p = sql.NullString{String: r.values[i].(string), Valid: true}
			}
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanUser_MapsJiraCredentials(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	row := fakeRow{values: []any{
		"u1", "Alice", "alice@example.com", int64(-7200000),
		"https://jira.example.com", "v1:abc", "oauth", nil,
		now, now,
	}}

	user, err := scanUser(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.TimezoneOffset != -7200000 {
		t.Errorf("TimezoneOffset = %d", user.TimezoneOffset)
	}
	if !user.Jira.Configured() {
		t.Error("Jira credentials should be configured")
	}
	if user.Jira.AccountType != "oauth" {
		t.Errorf("AccountType = %q, want oauth", user.Jira.AccountType)
	}
	if user.Jira.Username != "" {
		t.Errorf("Username = %q, want empty", user.Jira.Username)
	}
}

func TestScanTimerEntry_NullableColumns(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	row := fakeRow{values: []any{
		"e1", "u1", "p1", "PRJ-1%20work", nil, start, end,
		"10042", true, start, end,
		"Alice", "Project A",
	}}

	var username, projectName string
	e, err := scanTimerEntry(row, &username, &projectName)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Title != nil {
		t.Errorf("Title = %v, want nil", *e.Title)
	}
	if e.ExternalWorklogID == nil || *e.ExternalWorklogID != "10042" {
		t.Errorf("ExternalWorklogID = %v, want 10042", e.ExternalWorklogID)
	}
	if e.Duration() != time.Hour {
		t.Errorf("Duration = %v, want 1h", e.Duration())
	}
	if username != "Alice" || projectName != "Project A" {
		t.Errorf("extra columns = (%q, %q)", username, projectName)
	}
}

func TestScanProject_NoRows(t *testing.T) {
	_, err := scanProject(fakeRow{err: sql.ErrNoRows})
	if err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestNullStringHelpers(t *testing.T) {
	if nullStringPtr(nil).Valid {
		t.Error("nil pointer should be NULL")
	}
	v := "x"
	if got := stringPtr(nullStringPtr(&v)); got == nil || *got != "x" {
		t.Errorf("round trip = %v", got)
	}
	if nullStringValue(sql.NullString{}) != "" {
		t.Error("NULL should map to empty string")
	}
}

func TestDuplicateWorklog_MapsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("作業記録の作成に失敗しました: %w", &pq.Error{Code: "23505"})
	if !errors.Is(duplicateWorklog(wrapped), ErrDuplicateWorklog) {
		t.Error("一意制約違反はErrDuplicateWorklogになるべき")
	}

	other := &pq.Error{Code: "23514"}
	if got := duplicateWorklog(other); got != other {
		t.Errorf("その他のエラーはそのまま返すべき: %v", got)
	}
}

func TestWorklogChanges_Empty(t *testing.T) {
	if !(WorklogChanges{}).Empty() {
		t.Error("変更なしはEmptyであるべき")
	}
	c := WorklogChanges{Delete: []string{"e1"}}
	if c.Empty() {
		t.Error("削除のみでも変更ありとみなすべき")
	}
	c = WorklogChanges{Create: []*model.TimerEntry{{ID: "e2"}}}
	if c.Empty() {
		t.Error("作成のみでも変更ありとみなすべき")
	}
}

func TestApplyWorklogChanges_EmptyDoesNotTouchDB(t *testing.T) {
	repo := NewPostgresTimerEntryRepo(nil)
	if err := repo.ApplyWorklogChanges(context.Background(), WorklogChanges{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}
