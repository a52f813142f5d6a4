// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
)

// ConnectionRepository は連携とトークンの永続化インターフェース（TokenStore）。
// 同一 (userID, provider) への同時呼び出しはDBの一意制約と行ロックで直列化される。
type ConnectionRepository interface {
	// Get は連携を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, userID string, provider model.Provider) (*model.Connection, error)

	// GetByID は指定IDの連携を取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, id string) (*model.Connection, error)

	// Upsert は認証情報と状態を原子的に作成または更新する。
	Upsert(ctx context.Context, userID string, provider model.Provider, creds model.Credentials, status model.ConnectionStatus) (*model.Connection, error)

	// MarkPendingAuth は連携をpending_authにする。存在しない場合は作成する。
	// connected の連携はトークンを保持したまま状態を変えない。
	MarkPendingAuth(ctx context.Context, userID string, provider model.Provider) (*model.Connection, error)

	// UpdateCredentials はconnected状態の連携のトークンのみを更新する。
	// 状態がconnectedでない場合はfalseを返す。
	UpdateCredentials(ctx context.Context, id string, creds model.Credentials) (bool, error)

	// SetStatus は連携の状態を更新する。
	SetStatus(ctx context.Context, id string, status model.ConnectionStatus) error

	// AdvanceLastSync は最終同期時刻を更新する。既存値より過去には戻さない。
	AdvanceLastSync(ctx context.Context, id string, at time.Time) error

	// Remove は連携と同期ログを削除する。存在しない場合もエラーにしない。
	Remove(ctx context.Context, userID string, provider model.Provider) error

	// ListExpiring はリフレッシュトークンを持つconnected連携のうち、
	// before までに期限が到来するものを取得する。
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Connection, error)

	// ListDueForSync は最終同期が syncedBefore より古いconnected連携を取得する。
	ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.Connection, error)
}

// SyncLogRepository は同期ログの永続化インターフェース（SyncLogStore）。
type SyncLogRepository interface {
	// CreateRunning はrunningの同期ログを作成する。
	// 既にrunningのログが存在する場合は作成せず、既存ログとfalseを返す。
	CreateRunning(ctx context.Context, connectionID string, startedAt time.Time) (*model.SyncLog, bool, error)

	// FindByID は指定IDの同期ログを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SyncLog, error)

	// FindRunning は連携のrunningログを取得する。見つからない場合はnilを返す。
	FindRunning(ctx context.Context, connectionID string) (*model.SyncLog, error)

	// Finish はrunningのログを終了状態にする。
	Finish(ctx context.Context, id string, status model.SyncStatus, importedCount int, errorDetail string) error

	// ListRecent は連携の同期ログを新しい順に最大limit件取得する。
	ListRecent(ctx context.Context, connectionID string, limit int) ([]*model.SyncLog, error)
}

// ActivityRepository は正規化済みアクティビティの永続化インターフェース。
type ActivityRepository interface {
	// Upsert は (user_id, provider, external_id) をキーにアクティビティを作成または更新する。
	// 新規作成の場合はtrueを返す。
	Upsert(ctx context.Context, activity *model.NormalizedActivity) (bool, error)

	// CountByUser はユーザーとプロバイダーのアクティビティ数を返す。
	CountByUser(ctx context.Context, userID string, provider model.Provider) (int, error)
}

// OAuthStateRepository は認可リクエストのstateの永続化インターフェース。
type OAuthStateRepository interface {
	// Save はstateを保存する。
	Save(ctx context.Context, state *model.OAuthState) error

	// Consume はプロバイダーが一致するstateを取得して削除する。見つからない場合はnilを返す。
	// プロバイダーが異なるstateは消費しない。
	Consume(ctx context.Context, state string, provider model.Provider) (*model.OAuthState, error)
}
