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

const syncLogColumns = `id, connection_id, status, imported_count, error_detail, started_at, finished_at`

// PostgresSyncLogRepo はPostgreSQLを使用した同期ログリポジトリ。
type PostgresSyncLogRepo struct {
	db *sql.DB
}

// NewPostgresSyncLogRepo はPostgresSyncLogRepoを生成する。
func NewPostgresSyncLogRepo(db *sql.DB) *PostgresSyncLogRepo {
	return &PostgresSyncLogRepo{db: db}
}

func scanSyncLog(row rowScanner) (*model.SyncLog, error) {
	l := &model.SyncLog{}
	var status string
	var errorDetail sql.NullString
	var finishedAt sql.NullTime

	if err := row.Scan(
		&l.ID, &l.ConnectionID, &status, &l.ImportedCount, &errorDetail, &l.StartedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	l.Status = model.SyncStatus(status)
	l.ErrorDetail = nullStringValue(errorDetail)
	l.FinishedAt = nullTimeValue(finishedAt)
	return l, nil
}

// CreateRunning はrunningの同期ログを作成する。
// 部分ユニークインデックス (connection_id WHERE status='running') と衝突した場合は
// 作成せず既存のrunningログを返す。複数インスタンス間でも1件に収束する。
func (r *PostgresSyncLogRepo) CreateRunning(ctx context.Context, connectionID string, startedAt time.Time) (*model.SyncLog, bool, error) {
	l, err := scanSyncLog(r.db.QueryRowContext(ctx,
		`INSERT INTO sync_logs (id, connection_id, status, imported_count, started_at)
		 VALUES ($1, $2, 'running', 0, $3)
		 ON CONFLICT (connection_id) WHERE status = 'running' DO NOTHING
		 RETURNING `+syncLogColumns,
		uuid.NewString(), connectionID, startedAt,
	))
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("同期ログの作成に失敗しました: %w", err)
	}

	existing, err := r.FindRunning(ctx, connectionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// 衝突直後に既存ログが終了した
		return nil, false, fmt.Errorf("同期ログの作成に失敗しました: running ログとの競合を解決できません")
	}
	return existing, false, nil
}

// FindByID は指定IDの同期ログを取得する。見つからない場合はnilを返す。
func (r *PostgresSyncLogRepo) FindByID(ctx context.Context, id string) (*model.SyncLog, error) {
	l, err := scanSyncLog(r.db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期ログの取得に失敗しました: %w", err)
	}
	return l, nil
}

// FindRunning は連携のrunningログを取得する。見つからない場合はnilを返す。
func (r *PostgresSyncLogRepo) FindRunning(ctx context.Context, connectionID string) (*model.SyncLog, error) {
	l, err := scanSyncLog(r.db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs WHERE connection_id = $1 AND status = 'running'`,
		connectionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("実行中の同期ログの取得に失敗しました: %w", err)
	}
	return l, nil
}

// Finish はrunningのログを終了状態にする。既に終了済みの場合は何もしない。
func (r *PostgresSyncLogRepo) Finish(ctx context.Context, id string, status model.SyncStatus, importedCount int, errorDetail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_logs SET
		    status = $2, imported_count = $3, error_detail = $4, finished_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), importedCount, nullString(errorDetail),
	)
	if err != nil {
		return fmt.Errorf("同期ログの終了に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は連携の同期ログを新しい順に最大limit件取得する。
func (r *PostgresSyncLogRepo) ListRecent(ctx context.Context, connectionID string, limit int) ([]*model.SyncLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncLogColumns+`
		 FROM sync_logs
		 WHERE connection_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		connectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期ログ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	logs := []*model.SyncLog{}
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("同期ログの読み取りに失敗しました: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期ログの読み取りに失敗しました: %w", err)
	}
	return logs, nil
}

// compile-time interface check
var _ SyncLogRepository = (*PostgresSyncLogRepo)(nil)
