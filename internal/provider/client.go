package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitsync/internal/model"
)

// maxErrorBody はエラー応答から読み取る最大バイト数。
const maxErrorBody = 4096

// baseClient はOAuth2設定とAPI呼び出しをまとめた各アダプター共通の実装。
type baseClient struct {
	provider model.Provider
	cfg      Config
	oauth    *oauth2.Config
	pkce     bool
	authOpts []oauth2.AuthCodeOption
}

func newBaseClient(p model.Provider, cfg Config, scopes []string, style oauth2.AuthStyle, pkce bool, authOpts ...oauth2.AuthCodeOption) *baseClient {
	return &baseClient{
		provider: p,
		cfg:      cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: style,
			},
		},
		pkce:     pkce,
		authOpts: authOpts,
	}
}

// Provider はアダプターが扱うプロバイダーを返す。
func (c *baseClient) Provider() model.Provider {
	return c.provider
}

// RequiresPKCE はPKCEが必要かを返す。
func (c *baseClient) RequiresPKCE() bool {
	return c.pkce
}

// BuildAuthorizationURL は認可URLを組み立てる。
func (c *baseClient) BuildAuthorizationURL(state, codeVerifier string) string {
	opts := append([]oauth2.AuthCodeOption{}, c.authOpts...)
	if c.pkce && codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// Endpoints はアダプターが接続するURLを返す。
func (c *baseClient) Endpoints() []string {
	return []string{c.cfg.AuthURL, c.cfg.TokenURL, c.cfg.APIBaseURL}
}

// oauthContext はoauth2が使うHTTPクライアントをコンテキストに設定する。
func (c *baseClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
}

// exchange は認可コードをトークンに交換する。
func (c *baseClient) exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if c.pkce {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	start := time.Now()
	tok, err := c.oauth.Exchange(c.oauthContext(callCtx), code, opts...)
	c.observe("exchange", tokenStatus(err), start)
	if err != nil {
		return nil, classifyTokenError(ctx, c.provider, err)
	}
	return tok, nil
}

// refresh はリフレッシュトークンで新しいトークンを取得する。
// プロバイダーが新しいリフレッシュトークンを返さない場合は元の値を引き継ぐ。
func (c *baseClient) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &model.ProviderAuthError{Provider: c.provider, Reason: "リフレッシュトークンがありません"}
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	src := c.oauth.TokenSource(c.oauthContext(callCtx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	c.observe("refresh", tokenStatus(err), start)
	if err != nil {
		return nil, classifyTokenError(ctx, c.provider, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// wait は送信ペースの制限を待つ。
func (c *baseClient) wait(ctx context.Context) error {
	if c.cfg.Limiter == nil {
		return nil
	}
	if err := c.cfg.Limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &model.ProviderAPIError{Provider: c.provider, Kind: model.APIErrorTransient, Err: err}
	}
	return nil
}

// do はBearerトークン付きでAPIを呼び出し、成功時はレスポンスボディを返す。
func (c *baseClient) do(ctx context.Context, operation, method, rawURL, accessToken string, body io.Reader, contentType string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fitsync/1.0")

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.observe(operation, 0, start)
		return nil, classifyTransportError(ctx, c.provider, err)
	}
	defer resp.Body.Close()
	c.observe(operation, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.cfg.Logger.Warn("プロバイダーAPIがエラーステータスを返しました",
			slog.String("provider", string(c.provider)),
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, ClassifyHTTPStatus(c.provider, resp.StatusCode, string(snippet))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, c.provider, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}
	return data, nil
}

// getJSONArray はGETで配列を取得し、要素ごとの生JSONを返す。
func (c *baseClient) getJSONArray(ctx context.Context, operation, rawURL, accessToken string) ([]json.RawMessage, error) {
	data, err := c.do(ctx, operation, http.MethodGet, rawURL, accessToken, nil, "")
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &model.ProviderAPIError{
			Provider: c.provider, Kind: model.APIErrorPermanent,
			Err: fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err),
		}
	}
	return items, nil
}

func (c *baseClient) observe(operation string, status int, start time.Time) {
	if c.cfg.Observer == nil {
		return
	}
	c.cfg.Observer.ObserveProviderRequest(c.provider, operation, status, time.Since(start))
}

// credentialsFromToken はoauth2.Tokenを認証情報に変換する。
func credentialsFromToken(tok *oauth2.Token, providerUserID string) model.Credentials {
	creds := model.Credentials{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ProviderUserID: providerUserID,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		creds.ExpiresAt = &exp
	}
	return creds
}

// extraID はトークン応答の追加フィールドからIDを文字列として取り出す。
func extraID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

func tokenStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if re, ok := err.(*oauth2.RetrieveError); ok && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
