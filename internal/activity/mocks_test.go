package activity

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/strava"
	"github.com/hitoshi/stravasync/internal/stream"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// memActivityRepo はstrava_activity_idの一意性を守るメモリ上のActivityRepository。
type memActivityRepo struct {
	mu     sync.Mutex
	rows   map[int64]*model.Activity
	nextID int64
}

func newMemActivityRepo() *memActivityRepo {
	return &memActivityRepo{rows: make(map[int64]*model.Activity)}
}

func (m *memActivityRepo) FindByStravaID(ctx context.Context, id int64) (*model.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}
func (m *memActivityRepo) ListBySubject(ctx context.Context, subjectID string) ([]*model.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Activity
	for _, a := range m.rows {
		if a.SubjectID == subjectID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StravaActivityID < out[j].StravaActivityID })
	return out, nil
}
func (m *memActivityRepo) Create(ctx context.Context, a *model.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[a.StravaActivityID]; ok {
		return model.ErrDuplicateUpstreamID
	}
	m.nextID++
	a.ID = m.nextID
	c := *a
	m.rows[a.StravaActivityID] = &c
	return nil
}
func (m *memActivityRepo) UpdateStreamPath(ctx context.Context, id int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	a.StreamFilePath = path
	return nil
}
func (m *memActivityRepo) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}
func (m *memActivityRepo) MarkStreamChecked(ctx context.Context, id int64) error { return nil }
func (m *memActivityRepo) ListMissingStream(ctx context.Context, limit int) ([]*model.Activity, error) {
	return nil, nil
}
func (m *memActivityRepo) ListWithStream(ctx context.Context, afterID int64, limit int) ([]*model.Activity, error) {
	return nil, nil
}

// memSubjectRepo は固定の被験者を返すSubjectRepository。
type memSubjectRepo struct {
	subjects map[string]*model.Subject
}

func (m *memSubjectRepo) FindBySubjectID(ctx context.Context, id string) (*model.Subject, error) {
	s, ok := m.subjects[id]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}
func (m *memSubjectRepo) FindByStravaID(ctx context.Context, id int64) (*model.Subject, error) {
	return nil, nil
}
func (m *memSubjectRepo) List(ctx context.Context) ([]*model.Subject, error) { return nil, nil }
func (m *memSubjectRepo) Create(ctx context.Context, s *model.Subject) error { return nil }
func (m *memSubjectRepo) UpdateTokens(ctx context.Context, id string, t model.TokenSet) error {
	return nil
}
func (m *memSubjectRepo) Delete(ctx context.Context, id string) error { return nil }

// stubTokens は常に同じトークンを返すTokenSource。
type stubTokens struct {
	calls int
	err   error
}

func (s *stubTokens) EnsureFresh(ctx context.Context, subject *model.Subject) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "fresh-token", nil
}

// stubStreams はFetchStreamの結果を差し替えられるStreamStore。
type stubStreams struct {
	repo      *memActivityRepo
	available bool
	err       error
	fetched   []int64
	deleted   []int64
	loadFn    func(a *model.Activity) (*stream.Table, error)
	// lost はストリームファイルが失われたアクティビティ。
	lost      map[int64]bool
	verifyErr error
}

func (s *stubStreams) FetchStream(ctx context.Context, a *model.Activity, token string) (bool, error) {
	s.fetched = append(s.fetched, a.StravaActivityID)
	if s.err != nil {
		return false, s.err
	}
	if !s.available {
		return false, nil
	}
	path := "/streams/" + a.SubjectID + ".csv"
	a.StreamFilePath = path
	return true, s.repo.UpdateStreamPath(ctx, a.StravaActivityID, path)
}
func (s *stubStreams) VerifyHandle(ctx context.Context, a *model.Activity) (bool, error) {
	if s.verifyErr != nil {
		return false, s.verifyErr
	}
	if !a.HasStream() || !s.lost[a.StravaActivityID] {
		return false, nil
	}
	a.StreamFilePath = ""
	return true, s.repo.UpdateStreamPath(ctx, a.StravaActivityID, "")
}
func (s *stubStreams) DeleteStream(ctx context.Context, a *model.Activity) error {
	s.deleted = append(s.deleted, a.StravaActivityID)
	return nil
}
func (s *stubStreams) Load(ctx context.Context, a *model.Activity) (*stream.Table, error) {
	if s.loadFn != nil {
		return s.loadFn(a)
	}
	return nil, model.ErrStreamNotFetched
}

// pagedClient はページごとに結果を返すActivityClient。
type pagedClient struct {
	pages      [][]strava.SummaryActivity
	failPage   int
	failErr    error
	listCalls  []strava.ListQuery
	getFn      func(id int64) (*strava.DetailedActivity, error)
	lastTokens []string
}

func (c *pagedClient) ListActivities(ctx context.Context, token string, q strava.ListQuery) ([]strava.SummaryActivity, error) {
	c.listCalls = append(c.listCalls, q)
	c.lastTokens = append(c.lastTokens, token)
	if c.failPage == q.Page {
		return nil, c.failErr
	}
	if q.Page-1 < len(c.pages) {
		return c.pages[q.Page-1], nil
	}
	return nil, nil
}
func (c *pagedClient) GetActivity(ctx context.Context, token string, id int64) (*strava.DetailedActivity, error) {
	return c.getFn(id)
}

func summary(id int64, activityType string) strava.SummaryActivity {
	return strava.SummaryActivity{
		ID:                 id,
		Athlete:            strava.AthleteRef{ID: 42},
		Distance:           1000,
		MovingTime:         300,
		TotalElevationGain: 5,
		Type:               activityType,
		StartDate:          "2022-05-01T07:00:00Z",
		StartDateLocal:     "2022-05-01T09:00:00Z",
	}
}

func record(id int64) model.ActivityRecord {
	return model.ActivityRecord{StravaActivityID: id, StravaAthleteID: 42, ActivityType: "Run", Distance: 1000}
}
