// Package refresh はアクセストークンのリフレッシュ処理を提供する。
// 連携ごとに1回だけ実行されるリフレッシュと、期限が近い連携を定期的に更新するスケジューラを含む。
// 認証エラー時の再試行は同期処理側がRefreshを呼び出して行う。
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/repository"
)

// リフレッシュ結果のラベル
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeTransient = "transient"
	OutcomeSkipped   = "skipped"
)

// AdapterSource はプロバイダーのアダプターを解決する。
type AdapterSource interface {
	Get(p model.Provider) (provider.Adapter, error)
}

// Observer はリフレッシュ結果を観測する。
type Observer interface {
	ObserveRefresh(p model.Provider, outcome string)
}

// ErrorReporter はエラーを外部に報告する。
type ErrorReporter interface {
	CaptureError(err error, tags map[string]string)
}

// Refresher は連携ごとに1つだけリフレッシュを実行する。
// 同じ連携への同時リフレッシュは1回の呼び出しにまとめられ、全員が同じ結果を受け取る。
type Refresher struct {
	adapters AdapterSource
	conns    repository.ConnectionRepository
	observer Observer
	reporter ErrorReporter
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

// NewRefresher はRefresherを生成する。observerとreporterはnilでもよい。
func NewRefresher(
	adapters AdapterSource,
	conns repository.ConnectionRepository,
	observer Observer,
	reporter ErrorReporter,
	logger *slog.Logger,
) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		adapters: adapters,
		conns:    conns,
		observer: observer,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Refresh は連携のトークンをリフレッシュし、更新後の連携を返す。
// 呼び出し元が保持するトークンが既に別の処理で更新されていれば、プロバイダーを呼ばずに最新の連携を返す。
// プロバイダーが拒否した場合は連携をerrorにしてProviderAuthErrorを返す。
func (r *Refresher) Refresh(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	// 呼び出し元のキャンセルで他の待機者の結果まで失敗させない
	callCtx := context.WithoutCancel(ctx)
	v, err, shared := r.group.Do(conn.ID, func() (any, error) {
		return r.refresh(callCtx, conn.ID, conn.AccessToken)
	})
	if shared {
		r.logger.Debug("進行中のリフレッシュ結果を共有しました", slog.String("connection_id", conn.ID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.Connection), nil
}

// EnsureFresh はトークンの期限がwindow以内に到来する場合にリフレッシュする。
func (r *Refresher) EnsureFresh(ctx context.Context, conn *model.Connection, window time.Duration) (*model.Connection, error) {
	if conn.RefreshToken == "" || !conn.ExpiresWithin(r.now(), window) {
		return conn, nil
	}
	return r.Refresh(ctx, conn)
}

func (r *Refresher) refresh(ctx context.Context, connectionID, staleToken string) (*model.Connection, error) {
	current, err := r.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if current == nil {
		return nil, &model.NotConnectedError{}
	}
	if current.Status != model.ConnectionStatusConnected {
		return nil, &model.NotConnectedError{UserID: current.UserID, Provider: current.Provider, Status: current.Status}
	}

	now := r.now()
	if current.AccessToken != staleToken && !current.ExpiresWithin(now, 0) {
		r.observe(current.Provider, OutcomeSkipped)
		return current, nil
	}

	adapter, err := r.adapters.Get(current.Provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	creds, err := adapter.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		return nil, r.handleFailure(ctx, current, err)
	}
	creds.ProviderUserID = current.ProviderUserID

	ok, err := r.conns.UpdateCredentials(ctx, current.ID, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to store refreshed credentials: %w", err)
	}
	if !ok {
		// リフレッシュ中に連携が解除またはerrorになった
		return nil, &model.NotConnectedError{UserID: current.UserID, Provider: current.Provider}
	}

	r.observe(current.Provider, OutcomeSuccess)
	r.logger.Info("トークンをリフレッシュしました",
		slog.String("connection_id", current.ID),
		slog.String("provider", string(current.Provider)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	updated := *current
	updated.AccessToken = creds.AccessToken
	updated.RefreshToken = creds.RefreshToken
	updated.TokenExpiresAt = creds.ExpiresAt
	updated.UpdatedAt = now
	return &updated, nil
}

func (r *Refresher) handleFailure(ctx context.Context, conn *model.Connection, err error) error {
	if !model.IsAuthError(err) {
		r.observe(conn.Provider, OutcomeTransient)
		r.logger.Warn("トークンのリフレッシュに一時的に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("provider", string(conn.Provider)),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.observe(conn.Provider, OutcomeRejected)
	if setErr := r.conns.SetStatus(ctx, conn.ID, model.ConnectionStatusError); setErr != nil {
		r.logger.Error("連携状態の更新に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", setErr.Error()),
		)
	}
	r.logger.Warn("プロバイダーがリフレッシュを拒否しました。再連携が必要です",
		slog.String("connection_id", conn.ID),
		slog.String("user_id", conn.UserID),
		slog.String("provider", string(conn.Provider)),
		slog.String("error", err.Error()),
	)
	if r.reporter != nil {
		r.reporter.CaptureError(err, map[string]string{
			"component": "token_refresh",
			"provider":  string(conn.Provider),
		})
	}
	return err
}

func (r *Refresher) observe(p model.Provider, outcome string) {
	if r.observer != nil {
		r.observer.ObserveRefresh(p, outcome)
	}
}
