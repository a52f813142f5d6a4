// Package integration は連携操作の窓口となるConnectionManagerを提供する。
// 認可フロー、同期、連携解除をユーザーとプロバイダーの組ごとにまとめる。
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/repository"
)

// AdapterSource はプロバイダーのアダプターを解決する。
type AdapterSource interface {
	Get(p model.Provider) (provider.Adapter, error)
}

// AuthFlow は認可フローを扱う。
type AuthFlow interface {
	BeginAuth(ctx context.Context, userID string, p model.Provider) (string, error)
	CompleteAuth(ctx context.Context, p model.Provider, code, state string) (*model.Connection, error)
	AbortAuth(ctx context.Context, p model.Provider, state, reason string) error
}

// SyncService は同期の開始・待機・キャンセルを扱う。
type SyncService interface {
	Start(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error)
	Wait(ctx context.Context, log *model.SyncLog) (*model.SyncLog, error)
	Cancel(connectionID string) bool
}

// DisconnectObserver は連携解除を観測する。
type DisconnectObserver interface {
	ObserveDisconnect(p model.Provider, revoked bool)
}

// Config はManagerの設定。
type Config struct {
	RecentLogs int           // Statusで返す同期ログの件数
	CancelWait time.Duration // 連携解除時に実行中の同期の終了を待つ時間
}

// Status は連携状態と直近の同期ログ。連携がない場合Connectionはnil。
type Status struct {
	Connection *model.Connection
	SyncLogs   []*model.SyncLog
}

// Manager は連携操作の窓口。各操作は下位コンポーネントへの薄い委譲で、
// 状態の正はリポジトリが持つ。
type Manager struct {
	adapters AdapterSource
	conns    repository.ConnectionRepository
	logs     repository.SyncLogRepository
	flow     AuthFlow
	syncs    SyncService
	observer DisconnectObserver
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager はManagerを生成する。observerはnilでもよい。
func NewManager(
	adapters AdapterSource,
	conns repository.ConnectionRepository,
	logs repository.SyncLogRepository,
	flow AuthFlow,
	syncs SyncService,
	observer DisconnectObserver,
	config Config,
	logger *slog.Logger,
) *Manager {
	if config.RecentLogs <= 0 {
		config.RecentLogs = 10
	}
	if config.CancelWait <= 0 {
		config.CancelWait = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adapters: adapters,
		conns:    conns,
		logs:     logs,
		flow:     flow,
		syncs:    syncs,
		observer: observer,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Status は連携と直近の同期ログを新しい順に返す。
func (m *Manager) Status(ctx context.Context, userID string, p model.Provider) (*Status, error) {
	if _, err := m.adapters.Get(p); err != nil {
		return nil, err
	}
	conn, err := m.conns.Get(ctx, userID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	st := &Status{Connection: conn, SyncLogs: []*model.SyncLog{}}
	if conn == nil {
		return st, nil
	}
	logs, err := m.logs.ListRecent(ctx, conn.ID, m.config.RecentLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	if logs != nil {
		st.SyncLogs = logs
	}
	return st, nil
}

// Connect は認可URLを発行する。既存の連携への再接続は置き換えとして扱う。
func (m *Manager) Connect(ctx context.Context, userID string, p model.Provider) (string, error) {
	return m.flow.BeginAuth(ctx, userID, p)
}

// HandleCallback はコールバックの認可コードを交換して連携を確立する。
func (m *Manager) HandleCallback(ctx context.Context, p model.Provider, code, state string) (*model.Connection, error) {
	return m.flow.CompleteAuth(ctx, p, code, state)
}

// HandleCallbackError はプロバイダーがエラー付きでコールバックした場合を処理する。
func (m *Manager) HandleCallbackError(ctx context.Context, p model.Provider, state, reason string) error {
	return m.flow.AbortAuth(ctx, p, state, reason)
}

// SyncNow は同期を開始し、完了を待たずに同期ログを返す。
// 既に実行中であればその同期ログを返す。
func (m *Manager) SyncNow(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error) {
	return m.syncs.Start(ctx, userID, p)
}

// SyncAndWait は同期を開始して終了まで待つ。
func (m *Manager) SyncAndWait(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error) {
	log, err := m.syncs.Start(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return m.syncs.Wait(ctx, log)
}

// Disconnect は連携を解除する。
//
// 実行中の同期をキャンセルしてCancelledで終了させた後、プロバイダー側の連携を
// 取り消し（失敗してもログのみ）、連携と同期ログを削除する。
// 連携が存在しない場合は何もしない。
func (m *Manager) Disconnect(ctx context.Context, userID string, p model.Provider) error {
	conn, err := m.conns.Get(ctx, userID, p)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	if conn == nil {
		return nil
	}

	// 他インスタンスの同期はページ間で状態を確認して停止する
	m.syncs.Cancel(conn.ID)
	if conn.Status != model.ConnectionStatusDisconnected {
		if err := m.conns.SetStatus(ctx, conn.ID, model.ConnectionStatusDisconnected); err != nil {
			return fmt.Errorf("failed to mark connection disconnected: %w", err)
		}
	}
	if err := m.settleRunningSync(ctx, conn); err != nil {
		return err
	}

	revoked := m.revoke(ctx, conn)

	if err := m.conns.Remove(ctx, userID, p); err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	if m.observer != nil {
		m.observer.ObserveDisconnect(p, revoked)
	}

	m.logger.Info("連携を解除しました",
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
		slog.Bool("revoked", revoked),
	)
	return nil
}

// settleRunningSync は実行中の同期の終了をCancelWaitまで待ち、
// 終わらなければCancelledとして終了させる。
func (m *Manager) settleRunningSync(ctx context.Context, conn *model.Connection) error {
	running, err := m.logs.FindRunning(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("failed to find running sync: %w", err)
	}
	if running == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.config.CancelWait)
	defer cancel()
	final, err := m.syncs.Wait(waitCtx, running)
	if err == nil && final.IsTerminal() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.logger.Warn("実行中の同期が停止しないためキャンセル済みとして終了します",
		slog.String("connection_id", conn.ID),
		slog.String("sync_log_id", running.ID),
	)
	if err := m.logs.Finish(ctx, running.ID, model.SyncStatusFailed, running.ImportedCount, model.SyncReasonCancelled); err != nil {
		return fmt.Errorf("failed to finish running sync: %w", err)
	}
	return nil
}

// revoke はプロバイダー側の連携をベストエフォートで取り消す。
// 期限切れのトークンはリフレッシュしてから取り消す。連携は削除するため新しいトークンは保存しない。
func (m *Manager) revoke(ctx context.Context, conn *model.Connection) bool {
	adapter, err := m.adapters.Get(conn.Provider)
	if err != nil {
		m.logger.Warn("プロバイダーが無効のため連携の取り消しをスキップします",
			slog.String("provider", string(conn.Provider)),
		)
		return false
	}
	if conn.AccessToken == "" {
		return true
	}

	creds := conn.Credentials()
	if conn.ExpiresWithin(m.now(), 0) && creds.RefreshToken != "" {
		if fresh, err := adapter.RefreshToken(ctx, creds.RefreshToken); err == nil {
			if fresh.ProviderUserID == "" {
				fresh.ProviderUserID = creds.ProviderUserID
			}
			creds = fresh
		}
	}

	if err := adapter.Revoke(ctx, creds); err != nil {
		m.logger.Warn("プロバイダー側の連携の取り消しに失敗しました",
			slog.String("provider", string(conn.Provider)),
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
