package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/activity"
	"github.com/hitoshi/stravasync/internal/auth"
	"github.com/hitoshi/stravasync/internal/middleware"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/stream"
	"github.com/hitoshi/stravasync/internal/subject"
	"github.com/hitoshi/stravasync/internal/webhook"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	if buf == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(buf, nil))
}

// withURLParam はchiのURLパラメータをリクエストに設定する。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(req.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// withClaims はJWTクレームをリクエストコンテキストに設定する。
func withClaims(req *http.Request, claims *auth.Claims) *http.Request {
	return req.WithContext(middleware.ContextWithClaims(req.Context(), claims))
}

func decodeErrorBody(t *testing.T, body io.Reader) middleware.ErrorResponseBody {
	t.Helper()
	var resp middleware.ErrorResponseBody
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp
}

// --- UserService ---

type mockUserService struct {
	registerFn   func(ctx context.Context, username, password string) (*model.User, error)
	loginFn      func(ctx context.Context, username, password string) (*auth.TokenPair, error)
	logoutFn     func(ctx context.Context, claims *auth.Claims) error
	refreshFn    func(claims *auth.Claims) (string, error)
	getUserFn    func(ctx context.Context, id int64) (*model.User, error)
	deleteUserFn func(ctx context.Context, id int64) error
}

func (m *mockUserService) Register(ctx context.Context, username, password string) (*model.User, error) {
	return m.registerFn(ctx, username, password)
}

func (m *mockUserService) Login(ctx context.Context, username, password string) (*auth.TokenPair, error) {
	return m.loginFn(ctx, username, password)
}

func (m *mockUserService) Logout(ctx context.Context, claims *auth.Claims) error {
	return m.logoutFn(ctx, claims)
}

func (m *mockUserService) Refresh(claims *auth.Claims) (string, error) {
	return m.refreshFn(claims)
}

func (m *mockUserService) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return m.getUserFn(ctx, id)
}

func (m *mockUserService) DeleteUser(ctx context.Context, id int64) error {
	return m.deleteUserFn(ctx, id)
}

// --- SubjectService ---

type mockSubjectService struct {
	createFn       func(ctx context.Context, in subject.CreateInput) (*model.Subject, error)
	getFn          func(ctx context.Context, subjectID string) (*model.Subject, error)
	listFn         func(ctx context.Context) ([]*model.Subject, error)
	forceRefreshFn func(ctx context.Context, subjectID string) (*model.Subject, error)
	deleteFn       func(ctx context.Context, subjectID string) error
}

func (m *mockSubjectService) Create(ctx context.Context, in subject.CreateInput) (*model.Subject, error) {
	return m.createFn(ctx, in)
}

func (m *mockSubjectService) Get(ctx context.Context, subjectID string) (*model.Subject, error) {
	return m.getFn(ctx, subjectID)
}

func (m *mockSubjectService) List(ctx context.Context) ([]*model.Subject, error) {
	return m.listFn(ctx)
}

func (m *mockSubjectService) ForceRefresh(ctx context.Context, subjectID string) (*model.Subject, error) {
	return m.forceRefreshFn(ctx, subjectID)
}

func (m *mockSubjectService) Delete(ctx context.Context, subjectID string) error {
	return m.deleteFn(ctx, subjectID)
}

// --- ActivityService ---

type mockActivityService struct {
	syncSubjectFn   func(ctx context.Context, subjectID string, after, before *int64) (activity.UpsertResult, error)
	listBySubjectFn func(ctx context.Context, subjectID string) ([]*model.Activity, error)
	getFn           func(ctx context.Context, id int64) (*model.Activity, error)
	refetchStreamFn func(ctx context.Context, id int64) (*model.Activity, error)
	deleteFn        func(ctx context.Context, id int64) error
	streamDataFn    func(ctx context.Context, id int64) (*stream.Table, error)
}

func (m *mockActivityService) SyncSubject(ctx context.Context, subjectID string, after, before *int64) (activity.UpsertResult, error) {
	return m.syncSubjectFn(ctx, subjectID, after, before)
}

func (m *mockActivityService) ListBySubject(ctx context.Context, subjectID string) ([]*model.Activity, error) {
	return m.listBySubjectFn(ctx, subjectID)
}

func (m *mockActivityService) Get(ctx context.Context, id int64) (*model.Activity, error) {
	return m.getFn(ctx, id)
}

func (m *mockActivityService) RefetchStream(ctx context.Context, id int64) (*model.Activity, error) {
	return m.refetchStreamFn(ctx, id)
}

func (m *mockActivityService) Delete(ctx context.Context, id int64) error {
	return m.deleteFn(ctx, id)
}

func (m *mockActivityService) StreamData(ctx context.Context, id int64) (*stream.Table, error) {
	return m.streamDataFn(ctx, id)
}

// --- OAuth ---

type mockRegistrar struct {
	registerFn func(ctx context.Context, subjectID, code string) (*model.Subject, error)
}

func (m *mockRegistrar) RegisterFromOAuth(ctx context.Context, subjectID, code string) (*model.Subject, error) {
	return m.registerFn(ctx, subjectID, code)
}

type mockAuthURLs struct {
	lastState    string
	lastRedirect string
}

func (m *mockAuthURLs) AuthCodeURLFor(state, redirectURL string) string {
	m.lastState = state
	m.lastRedirect = redirectURL
	return "https://www.strava.com/oauth/authorize?state=" + state
}

// --- Webhook ---

type mockEventHandler struct {
	handleFn func(ctx context.Context, ev model.WebhookEvent) (webhook.Outcome, error)
	calls    []model.WebhookEvent
}

func (m *mockEventHandler) HandleEvent(ctx context.Context, ev model.WebhookEvent) (webhook.Outcome, error) {
	m.calls = append(m.calls, ev)
	return m.handleFn(ctx, ev)
}

// --- Auth / Health ---

type mockAuthenticator struct {
	authenticateFn func(ctx context.Context, token string, want auth.TokenType) (*auth.Claims, error)
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, token string, want auth.TokenType) (*auth.Claims, error) {
	return m.authenticateFn(ctx, token, want)
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.err
}
