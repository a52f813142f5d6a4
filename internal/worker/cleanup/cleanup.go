// Package cleanup は同期まわりのデータの保持期間管理ジョブを提供する。
// 期限切れのOAuth state、保持期間を過ぎた同期ログの削除と、
// 停止したインスタンスが残した running の同期ログの打ち切りを行う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	deleteExpiredStatesQuery = `DELETE FROM oauth_states WHERE expires_at < now()`

	deleteOldSyncLogsQuery = `DELETE FROM sync_logs
		WHERE status <> 'running' AND started_at < now() - $1::interval`

	abandonStaleSyncsQuery = `UPDATE sync_logs
		SET status = 'failed', error_detail = $2, finished_at = now()
		WHERE status = 'running' AND started_at < now() - $1::interval`
)

// Result は1回の実行で処理した件数。
type Result struct {
	ExpiredStates  int64
	DeletedLogs    int64
	AbandonedSyncs int64
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 何度実行しても結果が変わらない冪等な処理のみを行う。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	RetentionDays int           // 同期ログの保持日数（デフォルト: 90）
	StaleTimeout  time.Duration // running のまま放置された同期を打ち切るまでの時間（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 90,
		StaleTimeout:  time.Hour,
	}
}

// Run はクリーンアップを1回実行する。
// 途中のステップが失敗した場合はそこで中断してエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	// 先に打ち切ることで、次回以降の実行で保持期間の削除対象に含まれる
	n, err := j.exec(ctx, "abandon_stale_syncs", abandonStaleSyncsQuery,
		pgInterval(j.StaleTimeout), model.SyncReasonAbandoned)
	if err != nil {
		return res, err
	}
	res.AbandonedSyncs = n

	n, err = j.exec(ctx, "delete_expired_states", deleteExpiredStatesQuery)
	if err != nil {
		return res, err
	}
	res.ExpiredStates = n

	n, err = j.exec(ctx, "delete_old_sync_logs", deleteOldSyncLogsQuery,
		fmt.Sprintf("%d days", j.RetentionDays))
	if err != nil {
		return res, err
	}
	res.DeletedLogs = n

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("abandoned_syncs", res.AbandonedSyncs),
		slog.Int64("expired_states", res.ExpiredStates),
		slog.Int64("deleted_sync_logs", res.DeletedLogs),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}
}

func (j *CleanupJob) exec(ctx context.Context, step, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("クリーンアップ(%s)の実行に失敗: %w", step, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗 (%s): %w", step, err)
	}
	return n, nil
}

// pgInterval はdurationをPostgreSQLのinterval文字列に変換する。
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
