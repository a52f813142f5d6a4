package model

import "time"

// OAuthState は認可リクエストごとのCSRF stateを表す。
// コールバックで1回だけ消費される。
type OAuthState struct {
	State        string
	UserID       string
	Provider     Provider
	CodeVerifier string // PKCE対応プロバイダーのみ
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// IsExpired はstateが期限切れかを返す。
func (s *OAuthState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
