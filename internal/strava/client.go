// Package strava はStrava API v3 のクライアントを提供する。
// アクティビティ一覧・単体取得・ストリーム取得と、OAuthトークン交換を含む。
package strava

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/stravasync/internal/metrics"
	"github.com/hitoshi/stravasync/internal/model"
)

const (
	// DefaultBaseURL はStrava API v3 のベースURL。
	DefaultBaseURL = "https://www.strava.com/api/v3"

	// maxResponseBytes はレスポンスボディの読み取り上限（32MB）。
	maxResponseBytes = 32 << 20

	// quotaWindow はStravaの短期レート制限の集計窓。
	quotaWindow = 15 * time.Minute

	breakerName = "strava-api"

	userAgent = "stravasync/1.0"
)

// メトリクスのendpointラベル
const (
	endpointListActivities = "list_activities"
	endpointGetActivity    = "get_activity"
	endpointGetStreams     = "get_streams"
	endpointToken          = "token"
)

// Config はClientの設定。
type Config struct {
	BaseURL        string
	Timeout        time.Duration // 1回の呼び出しのタイムアウト
	MaxAttempts    int           // GETの最大試行回数（1ならリトライなし）
	InitialBackoff time.Duration
	RatePer15Min   int // 0以下なら制限なし
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Timeout:        30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		RatePer15Min:   100,
	}
}

// StatusError はStravaが200以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// retryable は再試行で回復しうるステータスかどうかを返す。
func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ListQuery はアクティビティ一覧取得の条件。
type ListQuery struct {
	After   int64
	Before  int64
	Page    int
	PerPage int
}

// Client はStrava APIクライアント。
// 全呼び出しはレートリミッターとサーキットブレーカーを経由する。
type Client struct {
	httpClient *http.Client
	cfg        Config
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientを生成する。httpClientがnilの場合はhttp.DefaultClientを使用する。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger, mc metrics.MetricsCollector) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}

	c := &Client{
		httpClient: httpClient,
		cfg:        cfg,
		limiter:    newQuotaLimiter(cfg.RatePer15Min),
		logger:     logger,
		metrics:    mc,
	}
	c.breaker = newBreaker(logger, mc)
	return c
}

// newQuotaLimiter は15分あたりn回を上限とするリミッターを生成する。
func newQuotaLimiter(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/quotaWindow.Seconds()), n)
}

// newBreaker はStrava API用のサーキットブレーカーを生成する。
// 429と5xx、通信エラーのみを失敗として数える。
func newBreaker(logger *slog.Logger, mc metrics.MetricsCollector) *gobreaker.CircuitBreaker[[]byte] {
	mc.SetCircuitBreakerState(breakerName, 0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			mc.SetCircuitBreakerState(name, breakerStateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			return false
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// ListActivities はアスリートのアクティビティ一覧を1ページ分取得する。
func (c *Client) ListActivities(ctx context.Context, accessToken string, q ListQuery) ([]SummaryActivity, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(q.After, 10))
	params.Set("before", strconv.FormatInt(q.Before, 10))
	params.Set("per_page", strconv.Itoa(q.PerPage))
	params.Set("page", strconv.Itoa(q.Page))

	body, err := c.get(ctx, endpointListActivities, "/athlete/activities", params, accessToken)
	if err != nil {
		return nil, fetchError(endpointListActivities, err)
	}

	var activities []SummaryActivity
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, fetchError(endpointListActivities, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	for i := range activities {
		if err := validateStruct(&activities[i]); err != nil {
			return nil, fetchError(endpointListActivities, fmt.Errorf("activity[%d]: %w", i, err))
		}
	}
	return activities, nil
}

// GetActivity は単一アクティビティを取得する。
// アクセストークンはクエリパラメータで渡す。
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID int64) (*DetailedActivity, error) {
	params := url.Values{}
	params.Set("access_token", accessToken)
	params.Set("include_all_efforts", "false")

	path := "/activities/" + strconv.FormatInt(activityID, 10)
	body, err := c.get(ctx, endpointGetActivity, path, params, "")
	if err != nil {
		return nil, fetchError(endpointGetActivity, err)
	}

	var activity DetailedActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fetchError(endpointGetActivity, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := validateStruct(&activity); err != nil {
		return nil, fetchError(endpointGetActivity, err)
	}
	return &activity, nil
}

// GetStreams はアクティビティのストリームをチャンネル名をキーとして取得する。
func (c *Client) GetStreams(ctx context.Context, accessToken string, activityID int64, keys []string) (StreamSet, error) {
	params := url.Values{}
	params.Set("key_by_type", "true")
	params.Set("keys", strings.Join(keys, ","))

	path := "/activities/" + strconv.FormatInt(activityID, 10) + "/streams"
	body, err := c.get(ctx, endpointGetStreams, path, params, accessToken)
	if err != nil {
		return nil, fetchError(endpointGetStreams, err)
	}

	var streams StreamSet
	if err := json.Unmarshal(body, &streams); err != nil {
		return nil, fetchError(endpointGetStreams, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	for key, s := range streams {
		if err := validateStruct(&s); err != nil {
			return nil, fetchError(endpointGetStreams, fmt.Errorf("stream %q: %w", key, err))
		}
	}
	return streams, nil
}

// get はGETリクエストをリトライ付きで実行し、200のレスポンスボディを返す。
// 通信エラー・429・5xxのみ指数バックオフで再試行する。
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, bearer string) ([]byte, error) {
	reqURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	backoff := c.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.doOnce(ctx, endpoint, reqURL, bearer)
		})
		if err == nil {
			return body, nil
		}
		lastErr = err

		if attempt == c.cfg.MaxAttempts || ctx.Err() != nil || !isRetryable(err) {
			break
		}

		c.logger.Warn("Strava API呼び出しを再試行します",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

// doOnce は1回分のHTTP呼び出しを行う。
func (c *Client) doOnce(ctx context.Context, endpoint, reqURL, bearer string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(endpoint, 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordUpstreamRequest(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// isRetryable は再試行対象のエラーかどうかを判定する。
func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

// fetchError はエラーをUpstreamFetchErrorに包む。
func fetchError(op string, err error) error {
	fe := &model.UpstreamFetchError{Op: op, Err: err}
	var se *StatusError
	if errors.As(err, &se) {
		fe.StatusCode = se.StatusCode
	}
	return fe
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
