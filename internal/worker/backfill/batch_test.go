package backfill

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/model"
)

type mockLister struct {
	listFunc  func(ctx context.Context, limit int) ([]*model.Activity, error)
	markFunc  func(ctx context.Context, id int64) error
	lastLimit int
	marked    []int64
}

func (m *mockLister) ListMissingStream(ctx context.Context, limit int) ([]*model.Activity, error) {
	m.lastLimit = limit
	if m.listFunc != nil {
		return m.listFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockLister) MarkStreamChecked(ctx context.Context, id int64) error {
	m.marked = append(m.marked, id)
	if m.markFunc != nil {
		return m.markFunc(ctx, id)
	}
	return nil
}

// missingStreamStore はリポジトリと同じ順序（未試行を先に、試行済みは試行が古い順、
// 同順位は作成順）でストリーム未取得のアクティビティを返すインメモリ実装。
type missingStreamStore struct {
	ids     []int64
	checked map[int64]int
	fetched map[int64]bool
	seq     int
}

func newMissingStreamStore(ids ...int64) *missingStreamStore {
	return &missingStreamStore{ids: ids, checked: map[int64]int{}, fetched: map[int64]bool{}}
}

func (m *missingStreamStore) ListMissingStream(ctx context.Context, limit int) ([]*model.Activity, error) {
	var pending []int64
	for _, id := range m.ids {
		if !m.fetched[id] {
			pending = append(pending, id)
		}
	}
	slices.SortStableFunc(pending, func(a, b int64) int {
		return cmp.Compare(m.checked[a], m.checked[b])
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return activities(pending...), nil
}

func (m *missingStreamStore) MarkStreamChecked(ctx context.Context, id int64) error {
	m.seq++
	m.checked[id] = m.seq
	return nil
}

type mockBackfiller struct {
	backfillFunc func(ctx context.Context, a *model.Activity) (bool, error)
	calls        []int64
}

func (m *mockBackfiller) BackfillStream(ctx context.Context, a *model.Activity) (bool, error) {
	m.calls = append(m.calls, a.StravaActivityID)
	if m.backfillFunc != nil {
		return m.backfillFunc(ctx, a)
	}
	return true, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func testConfig() BatchConfig {
	return BatchConfig{BatchInterval: time.Hour, APIInterval: 0, MaxPerCycle: 50}
}

func activities(ids ...int64) []*model.Activity {
	out := make([]*model.Activity, len(ids))
	for i, id := range ids {
		out[i] = &model.Activity{SubjectID: "S001", StravaActivityID: id}
	}
	return out
}

func listOf(as []*model.Activity) *mockLister {
	return &mockLister{listFunc: func(ctx context.Context, limit int) ([]*model.Activity, error) { return as, nil }}
}

func TestDefaultBatchConfig(t *testing.T) {
	cfg := DefaultBatchConfig()
	if cfg.BatchInterval != 30*time.Minute {
		t.Errorf("BatchInterval = %v, want 30m", cfg.BatchInterval)
	}
	if cfg.APIInterval != 2*time.Second {
		t.Errorf("APIInterval = %v, want 2s", cfg.APIInterval)
	}
	if cfg.MaxPerCycle != 50 {
		t.Errorf("MaxPerCycle = %d, want 50", cfg.MaxPerCycle)
	}
}

func TestBatchJob_RunOnce_NoTargets(t *testing.T) {
	var buf bytes.Buffer
	bf := &mockBackfiller{}
	job := NewBatchJob(listOf(nil), bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if len(bf.calls) != 0 {
		t.Errorf("BackfillStream calls = %v, want none", bf.calls)
	}
}

func TestBatchJob_RunOnce_FetchesEachTarget(t *testing.T) {
	var buf bytes.Buffer
	bf := &mockBackfiller{}
	job := NewBatchJob(listOf(activities(1, 2, 3)), bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if len(bf.calls) != 3 {
		t.Errorf("BackfillStream calls = %v, want 3", bf.calls)
	}
}

func TestBatchJob_RunOnce_LimitPassedToRepo(t *testing.T) {
	var buf bytes.Buffer
	lister := listOf(nil)
	cfg := testConfig()
	cfg.MaxPerCycle = 17
	job := NewBatchJob(lister, &mockBackfiller{}, newTestLogger(&buf), cfg)

	_ = job.RunOnce(context.Background())

	if lister.lastLimit != 17 {
		t.Errorf("limit = %d, want 17", lister.lastLimit)
	}
}

func TestBatchJob_RunOnce_RepoListError(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockLister{listFunc: func(ctx context.Context, limit int) ([]*model.Activity, error) {
		return nil, errors.New("db down")
	}}
	job := NewBatchJob(lister, &mockBackfiller{}, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() はリポジトリエラー時にエラーを返すべき")
	}
}

func TestBatchJob_RunOnce_UnavailableIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		return a.StravaActivityID != 2, nil
	}}
	job := NewBatchJob(listOf(activities(1, 2, 3)), bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if job.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", job.consecutiveErrors)
	}

	var summary map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if json.Unmarshal([]byte(line), &entry) == nil && entry["msg"] == "ストリーム補完サイクルが完了しました" {
			summary = entry
		}
	}
	if summary == nil {
		t.Fatalf("完了ログがない: %s", buf.String())
	}
	if summary["fetched"] != float64(2) || summary["unavailable"] != float64(1) {
		t.Errorf("summary = %v", summary)
	}
}

func TestBatchJob_RunOnce_MarksOnlyUnfetchedAttempts(t *testing.T) {
	var buf bytes.Buffer
	lister := listOf(activities(1, 2, 3))
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		switch a.StravaActivityID {
		case 2:
			return false, nil
		case 3:
			return false, errors.New("upstream down")
		}
		return true, nil
	}}
	job := NewBatchJob(lister, bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if !slices.Equal(lister.marked, []int64{2, 3}) {
		t.Errorf("marked = %v, want [2 3]", lister.marked)
	}
}

func TestBatchJob_RunOnce_MarkErrorDoesNotStopCycle(t *testing.T) {
	var buf bytes.Buffer
	lister := listOf(activities(1, 2))
	lister.markFunc = func(ctx context.Context, id int64) error { return errors.New("db down") }
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		return false, nil
	}}
	job := NewBatchJob(lister, bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if len(bf.calls) != 2 {
		t.Errorf("calls = %v, want 2", bf.calls)
	}
	if !strings.Contains(buf.String(), "ストリーム取得試行の記録に失敗しました") {
		t.Errorf("記録失敗の警告ログがない: %s", buf.String())
	}
}

func TestBatchJob_RunOnce_UnavailableBacklogDoesNotStarveNewerActivities(t *testing.T) {
	var buf bytes.Buffer
	// 手動記録のアクティビティなど、ストリームが得られない行がMaxPerCycle件以上先行している
	ids := make([]int64, 0, 51)
	for id := int64(1); id <= 51; id++ {
		ids = append(ids, id)
	}
	store := newMissingStreamStore(ids...)
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		if a.StravaActivityID == 51 {
			store.fetched[51] = true
			return true, nil
		}
		return false, nil
	}}
	job := NewBatchJob(store, bf, newTestLogger(&buf), testConfig())

	for range 3 {
		if err := job.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() がエラーを返した: %v", err)
		}
	}

	if !slices.Contains(bf.calls, 51) {
		t.Fatalf("アクティビティ51が一度も試行されていない（calls=%d）", len(bf.calls))
	}
	if !store.fetched[51] {
		t.Error("アクティビティ51のストリームが取得されていない")
	}
	// 2サイクル目で未試行の51が先頭に来る
	if bf.calls[50] != 51 {
		t.Errorf("2サイクル目の先頭 = %d, want 51", bf.calls[50])
	}
}

func TestBatchJob_RunOnce_ErrorContinuesWithNextActivity(t *testing.T) {
	var buf bytes.Buffer
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		if a.StravaActivityID == 1 {
			return false, &model.UpstreamAuthError{StatusCode: 401, Err: errors.New("revoked")}
		}
		return true, nil
	}}
	job := NewBatchJob(listOf(activities(1, 2)), bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() がエラーを返した: %v", err)
	}
	if len(bf.calls) != 2 {
		t.Errorf("calls = %v, want both activities attempted", bf.calls)
	}
	if job.consecutiveErrors != 1 {
		t.Errorf("consecutiveErrors = %d, want 1", job.consecutiveErrors)
	}
}

func TestBatchJob_ConsecutiveErrorBackoff(t *testing.T) {
	job := NewBatchJob(&mockLister{}, &mockBackfiller{}, newTestLogger(&bytes.Buffer{}), testConfig())

	tests := []struct {
		errors int
		want   time.Duration
	}{
		{1, 0},
		{2, 0},
		{3, 30 * time.Minute},
		{5, time.Hour},
		{10, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := job.calculateErrorBackoff(tt.errors); got != tt.want {
			t.Errorf("calculateErrorBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestBatchJob_RunOnce_BacksOffAfterRepeatedErrors(t *testing.T) {
	var buf bytes.Buffer
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		return false, errors.New("upstream down")
	}}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewBatchJob(listOf(activities(1, 2, 3, 4, 5)), bf, newTestLogger(&buf), testConfig())
	job.now = func() time.Time { return fixed }

	_ = job.RunOnce(context.Background())

	if len(bf.calls) != 3 {
		t.Errorf("calls = %v, want 3 before backoff", bf.calls)
	}
	if !job.backoffUntil.Equal(fixed.Add(30 * time.Minute)) {
		t.Errorf("backoffUntil = %v", job.backoffUntil)
	}

	// バックオフ中は何もしない
	bf.calls = nil
	_ = job.RunOnce(context.Background())
	if len(bf.calls) != 0 {
		t.Errorf("calls during backoff = %v, want none", bf.calls)
	}

	// バックオフ明けに再開し、成功でリセットされる
	job.now = func() time.Time { return fixed.Add(31 * time.Minute) }
	bf.backfillFunc = func(ctx context.Context, a *model.Activity) (bool, error) { return true, nil }
	_ = job.RunOnce(context.Background())
	if job.consecutiveErrors != 0 || !job.backoffUntil.IsZero() {
		t.Errorf("state not reset: errors=%d backoffUntil=%v", job.consecutiveErrors, job.backoffUntil)
	}
}

func TestBatchJob_RunOnce_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bf := &mockBackfiller{}
	job := NewBatchJob(listOf(activities(1, 2)), bf, newTestLogger(&buf), testConfig())

	if err := job.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(bf.calls) != 0 {
		t.Errorf("calls = %v, want none", bf.calls)
	}
}

func TestBatchJob_RunOnce_APIIntervalRespected(t *testing.T) {
	var buf bytes.Buffer
	var stamps []time.Time
	bf := &mockBackfiller{backfillFunc: func(ctx context.Context, a *model.Activity) (bool, error) {
		stamps = append(stamps, time.Now())
		return true, nil
	}}
	cfg := testConfig()
	cfg.APIInterval = 30 * time.Millisecond
	job := NewBatchJob(listOf(activities(1, 2)), bf, newTestLogger(&buf), cfg)

	_ = job.RunOnce(context.Background())

	if len(stamps) != 2 {
		t.Fatalf("calls = %d, want 2", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 25*time.Millisecond {
		t.Errorf("interval = %v, want >= 30ms", gap)
	}
}

func TestBatchJob_Start_StopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	job := NewBatchJob(listOf(nil), &mockBackfiller{}, newTestLogger(&buf), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がコンテキストキャンセル後に終了しない")
	}
}
