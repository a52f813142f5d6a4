// Package auth はプロバイダーとのOAuth認可フローを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/repository"
)

// AdapterSource はプロバイダーのアダプターを解決する。
type AdapterSource interface {
	Get(p model.Provider) (provider.Adapter, error)
}

// FlowConfig は認可フローの設定。
type FlowConfig struct {
	StateTTL time.Duration // stateの有効期間
}

// Flow は認可URLの発行とコールバックでの認可コード交換を行う。
type Flow struct {
	adapters AdapterSource
	conns    repository.ConnectionRepository
	states   repository.OAuthStateRepository
	config   FlowConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewFlow はFlowを生成する。
func NewFlow(
	adapters AdapterSource,
	conns repository.ConnectionRepository,
	states repository.OAuthStateRepository,
	config FlowConfig,
	logger *slog.Logger,
) *Flow {
	if config.StateTTL <= 0 {
		config.StateTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		adapters: adapters,
		conns:    conns,
		states:   states,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginAuth はstateを発行して連携をpending_authにし、認可URLを返す。
// PKCEが必要なプロバイダーではcode verifierもstateと一緒に保存する。
func (f *Flow) BeginAuth(ctx context.Context, userID string, p model.Provider) (string, error) {
	adapter, err := f.adapters.Get(p)
	if err != nil {
		return "", err
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	var verifier string
	if adapter.RequiresPKCE() {
		verifier = oauth2.GenerateVerifier()
	}

	now := f.now()
	if err := f.states.Save(ctx, &model.OAuthState{
		State:        state,
		UserID:       userID,
		Provider:     p,
		CodeVerifier: verifier,
		ExpiresAt:    now.Add(f.config.StateTTL),
		CreatedAt:    now,
	}); err != nil {
		return "", fmt.Errorf("failed to save oauth state: %w", err)
	}

	conn, err := f.conns.MarkPendingAuth(ctx, userID, p)
	if err != nil {
		return "", fmt.Errorf("failed to mark connection pending: %w", err)
	}

	f.logger.Info("認可URLを発行しました",
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
		slog.String("connection_status", string(conn.Status)),
	)
	return adapter.BuildAuthorizationURL(state, verifier), nil
}

// CompleteAuth はstateを検証し、認可コードをトークンに交換して連携をconnectedにする。
// stateが未発行、期限切れ、または別プロバイダーのものであればCSRFErrorを返し、連携は変更しない。
// 交換に失敗した場合は連携をerrorにしてプロバイダーのエラーを返す。
func (f *Flow) CompleteAuth(ctx context.Context, p model.Provider, code, state string) (*model.Connection, error) {
	rec, conn, err := f.consumeState(ctx, p, state)
	if err != nil {
		return nil, err
	}
	adapter, err := f.adapters.Get(p)
	if err != nil {
		return nil, err
	}

	if code == "" {
		return nil, f.failAuth(ctx, conn, &model.ProviderAuthError{Provider: p, Reason: "認可コードがありません"})
	}

	creds, err := adapter.ExchangeCode(ctx, code, rec.CodeVerifier)
	if err != nil {
		return nil, f.failAuth(ctx, conn, err)
	}

	updated, err := f.conns.Upsert(ctx, rec.UserID, p, creds, model.ConnectionStatusConnected)
	if err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}

	f.logger.Info("プロバイダーとの連携が完了しました",
		slog.String("user_id", rec.UserID),
		slog.String("provider", string(p)),
		slog.String("connection_id", updated.ID),
	)
	return updated, nil
}

// AbortAuth はユーザーがプロバイダー側で認可を拒否した場合のコールバックを処理する。
// stateを消費して連携をerrorにし、ProviderAuthErrorを返す。
func (f *Flow) AbortAuth(ctx context.Context, p model.Provider, state, reason string) error {
	_, conn, err := f.consumeState(ctx, p, state)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "access_denied"
	}
	return f.failAuth(ctx, conn, &model.ProviderAuthError{Provider: p, Reason: reason})
}

// consumeState はstateを1回だけ消費し、対応する連携とともに返す。
func (f *Flow) consumeState(ctx context.Context, p model.Provider, state string) (*model.OAuthState, *model.Connection, error) {
	if state == "" {
		return nil, nil, &model.CSRFError{Reason: "stateがありません"}
	}
	// 別プロバイダーのstateは消費されずに残る
	rec, err := f.states.Consume(ctx, state, p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if rec == nil {
		f.logger.Warn("未発行のstateでコールバックされました", slog.String("provider", string(p)))
		return nil, nil, &model.CSRFError{Reason: "未発行、使用済み、または別プロバイダーのstateです"}
	}
	if rec.IsExpired(f.now()) {
		return nil, nil, &model.CSRFError{Reason: "stateの有効期限が切れています"}
	}

	conn, err := f.conns.Get(ctx, rec.UserID, p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if conn == nil {
		// 認可中に連携が解除された
		return nil, nil, &model.CSRFError{Reason: "認可リクエストは取り消されています"}
	}
	return rec, conn, nil
}

func (f *Flow) failAuth(ctx context.Context, conn *model.Connection, cause error) error {
	if err := f.conns.SetStatus(ctx, conn.ID, model.ConnectionStatusError); err != nil {
		f.logger.Error("連携状態の更新に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}
	f.logger.Warn("プロバイダーでの認可に失敗しました",
		slog.String("user_id", conn.UserID),
		slog.String("provider", string(conn.Provider)),
		slog.String("error", cause.Error()),
	)
	return cause
}

// generateState は暗号的に安全なstateを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
