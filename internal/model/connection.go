package model

import "time"

// ConnectionStatus は連携の状態を表す。
//
// 遷移: pending_auth -> connected -> error / disconnected
type ConnectionStatus string

const (
	// ConnectionStatusPendingAuth は認可URL発行後、コールバック待ちの状態。
	ConnectionStatusPendingAuth ConnectionStatus = "pending_auth"
	// ConnectionStatusConnected はトークンが有効な状態。
	ConnectionStatusConnected ConnectionStatus = "connected"
	// ConnectionStatusError は認可またはリフレッシュに失敗し、再連携が必要な状態。
	ConnectionStatusError ConnectionStatus = "error"
	// ConnectionStatusDisconnected はユーザーが連携を解除した状態。
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// Credentials はプロバイダーが発行したトークン一式を表す。
// RefreshTokenとExpiresAtはプロバイダーによっては存在しない。
type Credentials struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	ProviderUserID string
}

// Connection はユーザーと1プロバイダーの連携を表す。
// (UserID, Provider) の組で一意。
type Connection struct {
	ID             string
	UserID         string
	Provider       Provider
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	ProviderUserID string
	Status         ConnectionStatus
	LastSyncAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credentials は連携が保持するトークン一式を返す。
func (c *Connection) Credentials() Credentials {
	return Credentials{
		AccessToken:    c.AccessToken,
		RefreshToken:   c.RefreshToken,
		ExpiresAt:      c.TokenExpiresAt,
		ProviderUserID: c.ProviderUserID,
	}
}

// IsUsable はconnected状態の不変条件を満たしているかを返す。
// アクセストークンがあり、期限なし・期限内・リフレッシュ可能のいずれかであること。
func (c *Connection) IsUsable(now time.Time) bool {
	if c.Status != ConnectionStatusConnected || c.AccessToken == "" {
		return false
	}
	if c.TokenExpiresAt == nil || c.TokenExpiresAt.After(now) {
		return true
	}
	return c.RefreshToken != ""
}

// ExpiresWithin はトークンの期限が now+window 以内に到来するかを返す。
func (c *Connection) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !c.TokenExpiresAt.After(now.Add(window))
}
