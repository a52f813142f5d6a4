package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fitsync/internal/model"
)

const connectionColumns = `id, user_id, provider, access_token, refresh_token, token_expires_at,
	provider_user_id, status, last_sync_at, created_at, updated_at`

// PostgresConnectionRepo はPostgreSQLを使用した連携リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

func scanConnection(row rowScanner) (*model.Connection, error) {
	c := &model.Connection{}
	var refreshToken, providerUserID sql.NullString
	var expiresAt, lastSyncAt sql.NullTime
	var provider, status string

	if err := row.Scan(
		&c.ID, &c.UserID, &provider, &c.AccessToken, &refreshToken, &expiresAt,
		&providerUserID, &status, &lastSyncAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Provider = model.Provider(provider)
	c.Status = model.ConnectionStatus(status)
	c.RefreshToken = nullStringValue(refreshToken)
	c.ProviderUserID = nullStringValue(providerUserID)
	c.TokenExpiresAt = nullTimeValue(expiresAt)
	c.LastSyncAt = nullTimeValue(lastSyncAt)
	return c, nil
}

// Get は連携を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) Get(ctx context.Context, userID string, provider model.Provider) (*model.Connection, error) {
	c, err := scanConnection(r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連携の取得に失敗しました: %w", err)
	}
	return c, nil
}

// GetByID は指定IDの連携を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) GetByID(ctx context.Context, id string) (*model.Connection, error) {
	c, err := scanConnection(r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連携の取得に失敗しました: %w", err)
	}
	return c, nil
}

// Upsert は認証情報と状態を原子的に作成または更新する。
// (user_id, provider) の一意制約により1ペア1行が保証される。
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, userID string, provider model.Provider, creds model.Credentials, status model.ConnectionStatus) (*model.Connection, error) {
	c, err := scanConnection(r.db.QueryRowContext(ctx,
		`INSERT INTO connections (id, user_id, provider, access_token, refresh_token,
		                          token_expires_at, provider_user_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    token_expires_at = EXCLUDED.token_expires_at,
		    provider_user_id = COALESCE(EXCLUDED.provider_user_id, connections.provider_user_id),
		    status = EXCLUDED.status,
		    updated_at = now()
		 RETURNING `+connectionColumns,
		uuid.NewString(), userID, string(provider), creds.AccessToken,
		nullString(creds.RefreshToken), nullTime(creds.ExpiresAt),
		nullString(creds.ProviderUserID), string(status),
	))
	if err != nil {
		return nil, fmt.Errorf("連携のアップサートに失敗しました: %w", err)
	}
	return c, nil
}

// MarkPendingAuth は連携をpending_authにする。存在しない場合は作成する。
func (r *PostgresConnectionRepo) MarkPendingAuth(ctx context.Context, userID string, provider model.Provider) (*model.Connection, error) {
	c, err := scanConnection(r.db.QueryRowContext(ctx,
		`INSERT INTO connections (id, user_id, provider, status, created_at, updated_at)
		 VALUES ($1, $2, $3, 'pending_auth', now(), now())
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		    status = CASE WHEN connections.status = 'connected' THEN connections.status ELSE 'pending_auth' END,
		    updated_at = now()
		 RETURNING `+connectionColumns,
		uuid.NewString(), userID, string(provider),
	))
	if err != nil {
		return nil, fmt.Errorf("連携のpending_auth化に失敗しました: %w", err)
	}
	return c, nil
}

// UpdateCredentials はconnected状態の連携のトークンのみを更新する。
// 状態をWHERE句で照合するため、並行して切断・エラー化された連携は更新されない。
func (r *PostgresConnectionRepo) UpdateCredentials(ctx context.Context, id string, creds model.Credentials) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		    access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1 AND status = 'connected'`,
		id, creds.AccessToken, nullString(creds.RefreshToken), nullTime(creds.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// SetStatus は連携の状態を更新する。
func (r *PostgresConnectionRepo) SetStatus(ctx context.Context, id string, status model.ConnectionStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("連携状態の更新に失敗しました: %w", err)
	}
	return nil
}

// AdvanceLastSync は最終同期時刻を更新する。既存値より過去には戻さない。
func (r *PostgresConnectionRepo) AdvanceLastSync(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		    last_sync_at = GREATEST(COALESCE(last_sync_at, $2), $2), updated_at = now()
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("最終同期時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// Remove は連携と同期ログを同一トランザクションで削除する。
// 行ロックを取ってから削除するため、並行するRemoveは直列化される。
func (r *PostgresConnectionRepo) Remove(ctx context.Context, userID string, provider model.Provider) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM connections WHERE user_id = $1 AND provider = $2 FOR UPDATE`,
		userID, string(provider),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("連携のロックに失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_logs WHERE connection_id = $1`, id); err != nil {
		return fmt.Errorf("同期ログの削除に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id); err != nil {
		return fmt.Errorf("連携の削除に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListExpiring はリフレッシュ対象の連携を期限の近い順に取得する。
func (r *PostgresConnectionRepo) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM connections
		 WHERE status = 'connected'
		   AND refresh_token IS NOT NULL
		   AND token_expires_at IS NOT NULL
		   AND token_expires_at <= $1
		 ORDER BY token_expires_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュ対象連携の取得に失敗しました: %w", err)
	}
	return collectConnections(rows)
}

// ListDueForSync は自動同期対象の連携を最終同期の古い順に取得する。
func (r *PostgresConnectionRepo) ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM connections c
		 WHERE c.status = 'connected'
		   AND (c.last_sync_at IS NULL OR c.last_sync_at <= $1)
		   AND NOT EXISTS (
		       SELECT 1 FROM sync_logs s WHERE s.connection_id = c.id AND s.status = 'running'
		   )
		 ORDER BY c.last_sync_at ASC NULLS FIRST
		 LIMIT $2`,
		syncedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("自動同期対象連携の取得に失敗しました: %w", err)
	}
	return collectConnections(rows)
}

func collectConnections(rows *sql.Rows) ([]*model.Connection, error) {
	defer rows.Close()

	var conns []*model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("連携の読み取りに失敗しました: %w", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("連携の読み取りに失敗しました: %w", err)
	}
	return conns, nil
}

// compile-time interface check
var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)
