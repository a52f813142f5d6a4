// Package providertest はテスト用のプロバイダーアダプターを提供する。
package providertest

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
)

// FakeAdapter は関数フィールドで振る舞いを差し替えられるAdapter。
// 未設定のフィールドは成功を返す。
type FakeAdapter struct {
	P    model.Provider
	PKCE bool

	ExchangeFunc func(ctx context.Context, code, codeVerifier string) (model.Credentials, error)
	RefreshFunc  func(ctx context.Context, refreshToken string) (model.Credentials, error)
	// PageFunc はページ番号（0始まり）ごとの取得処理。nilの場合は空の1ページを返す。
	PageFunc   func(ctx context.Context, accessToken string, page int) ([]model.ProviderActivity, bool, error)
	RevokeFunc func(ctx context.Context, creds model.Credentials) error

	RefreshCalls atomic.Int32
	RevokeCalls  atomic.Int32

	mu     sync.Mutex
	sinces []time.Time
}

// Provider はプロバイダーを返す。
func (f *FakeAdapter) Provider() model.Provider { return f.P }

// RequiresPKCE はPKCEが必要かを返す。
func (f *FakeAdapter) RequiresPKCE() bool { return f.PKCE }

// BuildAuthorizationURL はstateを含むURLを返す。
func (f *FakeAdapter) BuildAuthorizationURL(state, codeVerifier string) string {
	q := url.Values{"state": {state}}
	if codeVerifier != "" {
		q.Set("code_verifier", codeVerifier)
	}
	return "https://" + string(f.P) + ".example.com/authorize?" + q.Encode()
}

// ExchangeCode は認可コードを交換する。
func (f *FakeAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (model.Credentials, error) {
	if f.ExchangeFunc != nil {
		return f.ExchangeFunc(ctx, code, codeVerifier)
	}
	exp := time.Now().Add(6 * time.Hour)
	return model.Credentials{AccessToken: "at-" + code, RefreshToken: "rt-" + code, ExpiresAt: &exp}, nil
}

// RefreshToken はトークンをリフレッシュする。
func (f *FakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (model.Credentials, error) {
	n := f.RefreshCalls.Add(1)
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	exp := time.Now().Add(6 * time.Hour)
	return model.Credentials{AccessToken: "refreshed-" + strconv.Itoa(int(n)), RefreshToken: refreshToken, ExpiresAt: &exp}, nil
}

// ListActivitiesSince はPageFuncを使うページャーを返す。
func (f *FakeAdapter) ListActivitiesSince(accessToken string, since time.Time) *provider.ActivityPager {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()

	return provider.NewActivityPager(accessToken, "0", func(ctx context.Context, token, cursor string) ([]model.ProviderActivity, string, error) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		page, _ := strconv.Atoi(cursor)
		if f.PageFunc == nil {
			return nil, "", nil
		}
		items, more, err := f.PageFunc(ctx, token, page)
		if err != nil {
			return nil, "", err
		}
		if !more {
			return items, "", nil
		}
		return items, strconv.Itoa(page + 1), nil
	})
}

// Sinces はListActivitiesSinceに渡されたsinceを呼び出し順に返す。
func (f *FakeAdapter) Sinces() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sinces...)
}

// Normalize はExternalIDとPayloadの長さを距離として写す。
func (f *FakeAdapter) Normalize(userID string, pa model.ProviderActivity) model.NormalizedActivity {
	return model.NormalizedActivity{
		UserID:         userID,
		Provider:       f.P,
		ExternalID:     pa.ExternalID,
		Name:           "activity " + pa.ExternalID,
		Type:           model.ActivityTypeOther,
		StartTime:      time.Unix(0, 0).UTC(),
		DistanceMeters: float64(len(pa.Payload)),
	}
}

// Revoke は連携を取り消す。
func (f *FakeAdapter) Revoke(ctx context.Context, creds model.Credentials) error {
	f.RevokeCalls.Add(1)
	if f.RevokeFunc != nil {
		return f.RevokeFunc(ctx, creds)
	}
	return nil
}

// Activities はExternalIDがidsのProviderActivityを生成する。
func Activities(p model.Provider, ids ...string) []model.ProviderActivity {
	out := make([]model.ProviderActivity, len(ids))
	for i, id := range ids {
		out[i] = model.ProviderActivity{Provider: p, ExternalID: id, Payload: []byte(`{"id":"` + id + `"}`)}
	}
	return out
}

var _ provider.Adapter = (*FakeAdapter)(nil)
