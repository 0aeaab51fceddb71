package jirasync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/timekeeper/internal/jira"
	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type mockUserRepo struct {
	repository.UserRepository
	listFn func(ctx context.Context) ([]*model.User, error)
}

func (m *mockUserRepo) ListWithJiraCredentials(ctx context.Context) ([]*model.User, error) {
	return m.listFn(ctx)
}

func usersN(n int) []*model.User {
	users := make([]*model.User, n)
	for i := range users {
		users[i] = &model.User{ID: fmt.Sprintf("u%d", i)}
	}
	return users
}

type mockImporter struct {
	importFn func(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error)
}

func (m *mockImporter) ImportSince(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error) {
	return m.importFn(ctx, userID, since)
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&mockUserRepo{}, &mockImporter{}, newTestLogger(&bytes.Buffer{}), 0, 0)
	if s.maxConcurrency != 5 {
		t.Errorf("maxConcurrency = %d, want 5", s.maxConcurrency)
	}
	if s.lookback != 7*24*time.Hour {
		t.Errorf("lookback = %v, want 168h", s.lookback)
	}
}

func TestRunOnce_BoundsConcurrency(t *testing.T) {
	const maxConcurrency = 3
	var current, peak atomic.Int32
	var mu sync.Mutex
	seen := make(map[string]bool)

	importer := &mockImporter{importFn: func(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)

		mu.Lock()
		seen[userID] = true
		mu.Unlock()
		return &jira.ImportResult{}, nil
	}}
	users := &mockUserRepo{listFn: func(ctx context.Context) ([]*model.User, error) { return usersN(10), nil }}

	s := NewScheduler(users, importer, newTestLogger(&bytes.Buffer{}), maxConcurrency, time.Hour)
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(seen) != 10 {
		t.Errorf("imported users = %d, want 10", len(seen))
	}
	if peak.Load() > maxConcurrency {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), maxConcurrency)
	}
}

func TestRunOnce_UsesLookbackWindow(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	var got time.Time
	importer := &mockImporter{importFn: func(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error) {
		got = since
		return &jira.ImportResult{}, nil
	}}
	users := &mockUserRepo{listFn: func(ctx context.Context) ([]*model.User, error) { return usersN(1), nil }}

	s := NewScheduler(users, importer, newTestLogger(&bytes.Buffer{}), 1, 48*time.Hour)
	s.now = func() time.Time { return now }
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if want := now.Add(-48 * time.Hour); !got.Equal(want) {
		t.Errorf("since = %v, want %v", got, want)
	}
}

func TestRunOnce_UserFailureDoesNotStopOthers(t *testing.T) {
	var calls atomic.Int32
	importer := &mockImporter{importFn: func(ctx context.Context, userID string, since time.Time) (*jira.ImportResult, error) {
		calls.Add(1)
		if userID == "u0" {
			return nil, model.NewExternalServiceError("search_issues", errors.New("timeout"))
		}
		return &jira.ImportResult{Imported: 1}, nil
	}}
	users := &mockUserRepo{listFn: func(ctx context.Context) ([]*model.User, error) { return usersN(3), nil }}
	var logs bytes.Buffer

	s := NewScheduler(users, importer, newTestLogger(&logs), 2, time.Hour)
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if !bytes.Contains(logs.Bytes(), []byte(`"failed_users":1`)) {
		t.Errorf("失敗ユーザー数がログに出力されていない: %s", logs.String())
	}
}

func TestRunOnce_ListError(t *testing.T) {
	users := &mockUserRepo{listFn: func(ctx context.Context) ([]*model.User, error) { return nil, errors.New("db down") }}
	s := NewScheduler(users, &mockImporter{}, newTestLogger(&bytes.Buffer{}), 1, time.Hour)

	if err := s.RunOnce(context.Background()); err == nil {
		t.Error("ユーザー一覧の取得失敗はエラーを返すべき")
	}
}
