package subject

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/stravasync/internal/model"
)

// --- モック ---

// mockSubjectRepo はメモリ上で被験者を保持するSubjectRepository。
type mockSubjectRepo struct {
	mu          sync.Mutex
	subjects    map[string]*model.Subject
	updateCalls int
	createErr   error
	deleteErr   error
}

func newMockSubjectRepo(subjects ...*model.Subject) *mockSubjectRepo {
	m := &mockSubjectRepo{subjects: make(map[string]*model.Subject)}
	for _, s := range subjects {
		c := *s
		m.subjects[s.SubjectID] = &c
	}
	return m
}

func (m *mockSubjectRepo) FindBySubjectID(ctx context.Context, subjectID string) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[subjectID]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}
func (m *mockSubjectRepo) FindByStravaID(ctx context.Context, stravaID int64) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subjects {
		if s.StravaID == stravaID {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}
func (m *mockSubjectRepo) List(ctx context.Context) ([]*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subject
	for _, s := range m.subjects {
		c := *s
		out = append(out, &c)
	}
	return out, nil
}
func (m *mockSubjectRepo) Create(ctx context.Context, s *model.Subject) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.subjects[s.SubjectID] = &c
	return nil
}
func (m *mockSubjectRepo) UpdateTokens(ctx context.Context, subjectID string, t model.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[subjectID]
	if !ok {
		return model.ErrNotFound
	}
	m.updateCalls++
	s.ApplyTokens(t)
	return nil
}
func (m *mockSubjectRepo) Delete(ctx context.Context, subjectID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subjects[subjectID]; !ok {
		return model.ErrNotFound
	}
	delete(m.subjects, subjectID)
	return nil
}

// mockRefresher はリフレッシュ呼び出し回数を数えるTokenRefresher。
type mockRefresher struct {
	calls     atomic.Int32
	delay     time.Duration
	refreshFn func(refreshToken string) (model.TokenSet, error)
}

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken string) (model.TokenSet, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.refreshFn(refreshToken)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var fixedNow = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(repo *mockSubjectRepo, refresher *mockRefresher) *TokenManager {
	var buf bytes.Buffer
	m := NewTokenManager(refresher, repo, newTestLogger(&buf), nil)
	m.now = func() time.Time { return fixedNow }
	return m
}

func okRefresh(refreshToken string) (model.TokenSet, error) {
	return model.TokenSet{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    fixedNow.Add(6 * time.Hour).Unix(),
	}, nil
}

// TestEnsureFresh_ExpiredRefreshesOnce は期限切れの場合に1回だけリフレッシュし永続化することを検証する。
func TestEnsureFresh_ExpiredRefreshesOnce(t *testing.T) {
	subject := &model.Subject{
		SubjectID:    "S001",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    fixedNow.Add(-time.Minute).Unix(),
	}
	repo := newMockSubjectRepo(subject)
	refresher := &mockRefresher{refreshFn: func(rt string) (model.TokenSet, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh token = %q, want old-refresh", rt)
		}
		return okRefresh(rt)
	}}
	m := newTestManager(repo, refresher)

	token, err := m.EnsureFresh(context.Background(), subject)
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if token != "new-access" {
		t.Errorf("token = %q, want new-access", token)
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("リフレッシュ回数 = %d, want 1", refresher.calls.Load())
	}
	if repo.updateCalls != 1 {
		t.Errorf("永続化回数 = %d, want 1", repo.updateCalls)
	}
	stored, _ := repo.FindBySubjectID(context.Background(), "S001")
	if stored.AccessToken != "new-access" || stored.RefreshToken != "new-refresh" {
		t.Errorf("保存されたトークン = %+v", stored)
	}
	if subject.RefreshToken != "new-refresh" {
		t.Error("呼び出し元のSubjectにも反映されること")
	}
}

// TestEnsureFresh_FutureExpiryNoRefresh は有効期限内ならリフレッシュしないことを検証する。
func TestEnsureFresh_FutureExpiryNoRefresh(t *testing.T) {
	subject := &model.Subject{
		SubjectID:    "S001",
		AccessToken:  "current",
		RefreshToken: "r",
		ExpiresAt:    fixedNow.Add(time.Hour).Unix(),
	}
	repo := newMockSubjectRepo(subject)
	refresher := &mockRefresher{refreshFn: okRefresh}
	m := newTestManager(repo, refresher)

	token, err := m.EnsureFresh(context.Background(), subject)
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if token != "current" {
		t.Errorf("token = %q, want current", token)
	}
	if refresher.calls.Load() != 0 || repo.updateCalls != 0 {
		t.Errorf("refresh=%d update=%d, want 0/0", refresher.calls.Load(), repo.updateCalls)
	}
}

// TestEnsureFresh_ExpiryEqualsNow は期限ちょうどはまだ有効として扱うことを検証する。
func TestEnsureFresh_ExpiryEqualsNow(t *testing.T) {
	subject := &model.Subject{SubjectID: "S001", AccessToken: "current", ExpiresAt: fixedNow.Unix()}
	refresher := &mockRefresher{refreshFn: okRefresh}
	m := newTestManager(newMockSubjectRepo(subject), refresher)

	if _, err := m.EnsureFresh(context.Background(), subject); err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("リフレッシュ回数 = %d, want 0", refresher.calls.Load())
	}
}

// TestEnsureFresh_ConcurrentCallersShareRefresh は同時呼び出しでもリフレッシュが1回に集約されることを検証する。
func TestEnsureFresh_ConcurrentCallersShareRefresh(t *testing.T) {
	base := &model.Subject{
		SubjectID:    "S002",
		AccessToken:  "old",
		RefreshToken: "old-refresh",
		ExpiresAt:    fixedNow.Add(-time.Hour).Unix(),
	}
	repo := newMockSubjectRepo(base)
	refresher := &mockRefresher{delay: 50 * time.Millisecond, refreshFn: okRefresh}
	m := newTestManager(repo, refresher)

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := *base
			tokens[i], errs[i] = m.EnsureFresh(context.Background(), &s)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "new-access" {
			t.Errorf("caller %d token = %q", i, tokens[i])
		}
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("リフレッシュ回数 = %d, want 1", refresher.calls.Load())
	}
}

// TestEnsureFresh_StaleCallerUsesStoredToken は他のリクエストが更新済みなら再リフレッシュしないことを検証する。
func TestEnsureFresh_StaleCallerUsesStoredToken(t *testing.T) {
	stored := &model.Subject{
		SubjectID:    "S003",
		AccessToken:  "already-refreshed",
		RefreshToken: "r2",
		ExpiresAt:    fixedNow.Add(time.Hour).Unix(),
	}
	repo := newMockSubjectRepo(stored)
	refresher := &mockRefresher{refreshFn: okRefresh}
	m := newTestManager(repo, refresher)

	stale := *stored
	stale.AccessToken = "old"
	stale.ExpiresAt = fixedNow.Add(-time.Hour).Unix()

	token, err := m.EnsureFresh(context.Background(), &stale)
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if token != "already-refreshed" {
		t.Errorf("token = %q, want already-refreshed", token)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("リフレッシュ回数 = %d, want 0", refresher.calls.Load())
	}
}

// TestEnsureFresh_RefreshFailure はリフレッシュ失敗時にUpstreamAuthErrorを返し、何も保存しないことを検証する。
func TestEnsureFresh_RefreshFailure(t *testing.T) {
	subject := &model.Subject{SubjectID: "S004", AccessToken: "old", RefreshToken: "r", ExpiresAt: 1}
	repo := newMockSubjectRepo(subject)
	refresher := &mockRefresher{refreshFn: func(string) (model.TokenSet, error) {
		return model.TokenSet{}, &model.UpstreamAuthError{StatusCode: 401, Err: errors.New("bad refresh token")}
	}}
	m := newTestManager(repo, refresher)

	_, err := m.EnsureFresh(context.Background(), subject)
	var ae *model.UpstreamAuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want UpstreamAuthError", err)
	}
	if repo.updateCalls != 0 {
		t.Error("失敗時は永続化しないこと")
	}
	if subject.AccessToken != "old" {
		t.Error("失敗時は呼び出し元のSubjectを変更しないこと")
	}
}

// TestForceRefresh_IgnoresExpiry は有効期限内でも強制的にリフレッシュすることを検証する。
func TestForceRefresh_IgnoresExpiry(t *testing.T) {
	subject := &model.Subject{SubjectID: "S005", AccessToken: "a", RefreshToken: "r", ExpiresAt: fixedNow.Add(time.Hour).Unix()}
	repo := newMockSubjectRepo(subject)
	refresher := &mockRefresher{refreshFn: okRefresh}
	m := newTestManager(repo, refresher)

	token, err := m.ForceRefresh(context.Background(), subject)
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if token != "new-access" || refresher.calls.Load() != 1 {
		t.Errorf("token = %q, calls = %d", token, refresher.calls.Load())
	}
}

func TestEnsureFresh_SubjectDeletedMeanwhile(t *testing.T) {
	subject := &model.Subject{SubjectID: "S006", ExpiresAt: 1}
	refresher := &mockRefresher{refreshFn: okRefresh}
	m := newTestManager(newMockSubjectRepo(), refresher)

	_, err := m.EnsureFresh(context.Background(), subject)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
