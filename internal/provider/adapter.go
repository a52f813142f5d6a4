// Package provider は外部フィットネスプラットフォームごとのアダプターを提供する。
// 認可URLの構築、認可コード交換、トークンリフレッシュ、アクティビティ一覧の取得と
// 共通形への正規化をプラットフォームごとに実装する。
package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fitsync/internal/model"
)

// Adapter は1プラットフォーム分の連携機能のインターフェース。
type Adapter interface {
	// Provider はアダプターが扱うプロバイダーを返す。
	Provider() model.Provider

	// RequiresPKCE は認可リクエストにPKCEのcode verifierが必要かを返す。
	RequiresPKCE() bool

	// BuildAuthorizationURL は認可URLを組み立てる。ネットワーク呼び出しは行わない。
	// codeVerifierはRequiresPKCEがtrueの場合のみ使用される。
	BuildAuthorizationURL(state, codeVerifier string) string

	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (model.Credentials, error)

	// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
	// プロバイダーが拒否した場合はProviderAuthErrorを返す。
	RefreshToken(ctx context.Context, refreshToken string) (model.Credentials, error)

	// ListActivitiesSince はsince以降のアクティビティを順に取得するページャーを返す。
	// 呼び出しごとに新しいページャーを返し、常にsinceから読み直す。
	ListActivitiesSince(accessToken string, since time.Time) *ActivityPager

	// Normalize はプロバイダー固有のアクティビティを共通形に変換する。
	// 未知の種別はActivityTypeOtherに変換し、エラーにはしない。
	Normalize(userID string, activity model.ProviderActivity) model.NormalizedActivity

	// Revoke はプロバイダー側の連携を取り消す。
	Revoke(ctx context.Context, creds model.Credentials) error
}

// TextSanitizer はプロバイダー由来の文字列を無害化する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// RequestObserver はプロバイダーAPI呼び出しの結果を観測する。
type RequestObserver interface {
	ObserveProviderRequest(provider model.Provider, operation string, statusCode int, duration time.Duration)
}

// Config はアダプター共通の設定。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	HTTPClient *http.Client
	// Timeout は1回のAPI呼び出しのタイムアウト。超過は一時的エラーとして扱う。
	Timeout time.Duration
	// Limiter はプロバイダーへの送信ペースを制御する。nilの場合は制限しない。
	Limiter   *rate.Limiter
	Observer  RequestObserver
	Sanitizer TextSanitizer
	Logger    *slog.Logger

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string
}

func (c Config) withDefaults(authURL, tokenURL, apiBaseURL string) Config {
	if c.AuthURL == "" {
		c.AuthURL = authURL
	}
	if c.TokenURL == "" {
		c.TokenURL = tokenURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = apiBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) sanitize(s string) string {
	if c.Sanitizer == nil {
		return s
	}
	return c.Sanitizer.SanitizeText(s)
}
