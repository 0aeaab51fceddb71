package autostop

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/hitoshi/timekeeper/internal/model"
	"github.com/hitoshi/timekeeper/internal/repository"
	"github.com/hitoshi/timekeeper/internal/timecalc"
)

// memEntryRepo はtitleの補完に必要な操作だけを持つメモリ上のリポジトリ。
type memEntryRepo struct {
	repository.TimerEntryRepository
	mu      sync.Mutex
	entries map[string]*model.TimerEntry
	failIDs map[string]bool
	updates int
}

func (m *memEntryRepo) ListMissingTitle(ctx context.Context, limit int) ([]*model.TimerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, e := range m.entries {
		if e.Title == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var out []*model.TimerEntry
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		e := *m.entries[id]
		out = append(out, &e)
	}
	return out, nil
}

func (m *memEntryRepo) UpdateTitle(ctx context.Context, id, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[id] {
		return false, errors.New("update failed")
	}
	e := m.entries[id]
	if e.Title != nil {
		return false, nil
	}
	e.Title = &title
	m.updates++
	return true, nil
}

func TestTitleBackfillJob_IsIdempotent(t *testing.T) {
	existing := "already"
	repo := &memEntryRepo{entries: map[string]*model.TimerEntry{
		"e1": {ID: "e1", Issue: timecalc.EncodeLabel("2h", "PRJ-1 review")},
		"e2": {ID: "e2", Issue: timecalc.EscapeLabel("PRJ-2 作業")},
		"e3": {ID: "e3", Issue: "broken%zz"},
		"e4": {ID: "e4", Issue: "x", Title: &existing},
	}}
	m := &countingMetrics{}
	job := NewTitleBackfillJob(repo, m, newTestLogger(&bytes.Buffer{}))
	job.BatchSize = 2

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := map[string]string{
		"e1": "PRJ-1 review",
		"e2": "PRJ-2 作業",
		"e3": "broken%zz",
		"e4": "already",
	}
	for id, title := range want {
		if got := repo.entries[id].Title; got == nil || *got != title {
			t.Errorf("%s title = %v, want %q", id, got, title)
		}
	}
	if repo.updates != 3 || m.backfilled != 3 {
		t.Errorf("updates = %d, metrics = %d", repo.updates, m.backfilled)
	}

	// 再実行では何も更新しない
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if repo.updates != 3 {
		t.Errorf("再実行で更新された: %d", repo.updates)
	}
}

func TestTitleBackfillJob_StopsWhenOnlyFailuresRemain(t *testing.T) {
	repo := &memEntryRepo{
		entries: map[string]*model.TimerEntry{
			"e1": {ID: "e1", Issue: "a"},
			"e2": {ID: "e2", Issue: "b"},
			"e3": {ID: "e3", Issue: "c"},
		},
		failIDs: map[string]bool{"e1": true, "e2": true},
	}
	var logs bytes.Buffer
	job := NewTitleBackfillJob(repo, &countingMetrics{}, newTestLogger(&logs))
	job.BatchSize = 2

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if repo.entries["e1"].Title != nil || repo.entries["e2"].Title != nil {
		t.Error("失敗した行は未設定のまま残るべき")
	}
	if !bytes.Contains(logs.Bytes(), []byte("titleの設定に失敗しました")) {
		t.Error("失敗がログに出力されていない")
	}
}
