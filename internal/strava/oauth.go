package strava

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/hitoshi/stravasync/internal/model"
)

const (
	// DefaultAuthURL はStravaの認可エンドポイント。
	DefaultAuthURL = "https://www.strava.com/oauth/authorize"
	// DefaultTokenURL はStravaのトークンエンドポイント。
	DefaultTokenURL = "https://www.strava.com/oauth/token"

	// defaultScope は被験者に要求するスコープ（Stravaはカンマ区切り）。
	defaultScope = "read,activity:read_all"
)

// OAuthConfig はOAuthClientの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
}

// OAuthClient はStravaのトークン交換・リフレッシュを行う。
// 失敗は再試行せずUpstreamAuthErrorとして返す。
type OAuthClient struct {
	cfg    *oauth2.Config
	client *Client
}

// OAuth はAPIクライアントとHTTPクライアント・レートリミッターを共有するOAuthClientを生成する。
func (c *Client) OAuth(oc OAuthConfig) *OAuthClient {
	if oc.AuthURL == "" {
		oc.AuthURL = DefaultAuthURL
	}
	if oc.TokenURL == "" {
		oc.TokenURL = DefaultTokenURL
	}
	return &OAuthClient{
		cfg: &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   oc.AuthURL,
				TokenURL:  oc.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: oc.RedirectURL,
			Scopes:      []string{defaultScope},
		},
		client: c,
	}
}

// AuthCodeURL は被験者をStravaの認可画面へ誘導するURLを返す。
func (o *OAuthClient) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("approval_prompt", "auto"),
	)
}

// AuthCodeURLFor はコールバック先を指定して認可画面のURLを返す。
// 被験者ごとのコールバックURLに使う。
func (o *OAuthClient) AuthCodeURLFor(state, redirectURL string) string {
	return o.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("approval_prompt", "auto"),
		oauth2.SetAuthURLParam("redirect_uri", redirectURL),
	)
}

// ExchangeCode は認可コードをトークンとアスリート情報に交換する。
func (o *OAuthClient) ExchangeCode(ctx context.Context, code string) (*model.AthleteGrant, error) {
	tok, err := o.roundTrip(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return o.cfg.Exchange(ctx, code)
	})
	if err != nil {
		return nil, err
	}

	tokens, err := tokenSet(tok)
	if err != nil {
		return nil, &model.UpstreamAuthError{StatusCode: http.StatusOK, Err: err}
	}

	athlete, err := athleteFromToken(tok)
	if err != nil {
		return nil, &model.UpstreamAuthError{StatusCode: http.StatusOK, Err: err}
	}

	return &model.AthleteGrant{
		AthleteID: athlete.ID,
		Sex:       athlete.Sex,
		Tokens:    tokens,
	}, nil
}

// Refresh はリフレッシュトークンで新しいトークン3点組を取得する。
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (model.TokenSet, error) {
	tok, err := o.roundTrip(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
	if err != nil {
		return model.TokenSet{}, err
	}

	tokens, err := tokenSet(tok)
	if err != nil {
		return model.TokenSet{}, &model.UpstreamAuthError{StatusCode: http.StatusOK, Err: err}
	}
	return tokens, nil
}

// roundTrip はレート制限・タイムアウト・メトリクス記録を付けてトークンエンドポイントを呼ぶ。
func (o *OAuthClient) roundTrip(ctx context.Context, fn func(context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	c := o.client
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &model.UpstreamAuthError{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	callCtx = context.WithValue(callCtx, oauth2.HTTPClient, c.httpClient)

	start := time.Now()
	tok, err := fn(callCtx)
	if err != nil {
		status := 0
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			status = re.Response.StatusCode
		}
		c.metrics.RecordUpstreamRequest(endpointToken, status, time.Since(start))
		c.logger.Error("Stravaトークンエンドポイントの呼び出しに失敗しました",
			slog.Int("http_status", status),
			slog.String("error", err.Error()),
		)
		return nil, &model.UpstreamAuthError{StatusCode: status, Err: err}
	}
	c.metrics.RecordUpstreamRequest(endpointToken, http.StatusOK, time.Since(start))
	return tok, nil
}

// tokenSet はoauth2.Tokenからトークン3点組を取り出して検証する。
// expires_atはレスポンスの値を優先し、無ければExpiryから求める。
func tokenSet(tok *oauth2.Token) (model.TokenSet, error) {
	raw := tokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if v, ok := tok.Extra("expires_at").(float64); ok {
		raw.ExpiresAt = int64(v)
	}
	if raw.ExpiresAt == 0 && !tok.Expiry.IsZero() {
		raw.ExpiresAt = tok.Expiry.Unix()
	}
	if err := validateStruct(&raw); err != nil {
		return model.TokenSet{}, err
	}
	return model.TokenSet{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresAt:    raw.ExpiresAt,
	}, nil
}

// athleteFromToken はトークンレスポンスに含まれるathleteオブジェクトを取り出す。
func athleteFromToken(tok *oauth2.Token) (*Athlete, error) {
	extra := tok.Extra("athlete")
	if extra == nil {
		return nil, fmt.Errorf("%w: athlete is missing", ErrInvalidPayload)
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var athlete Athlete
	if err := json.Unmarshal(b, &athlete); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validateStruct(&athlete); err != nil {
		return nil, err
	}
	return &athlete, nil
}
