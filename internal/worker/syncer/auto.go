package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/repository"
)

// SyncRunner は1つの連携の同期を終了まで実行する。
type SyncRunner interface {
	RunSync(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error)
}

// AutoScheduler は最終同期から一定時間が経過した連携を定期的に同期する。
type AutoScheduler struct {
	conns          repository.ConnectionRepository
	runner         SyncRunner
	logger         *slog.Logger
	maxConcurrency int
	batchSize      int
	now            func() time.Time
}

// NewAutoScheduler はAutoSchedulerを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewAutoScheduler(conns repository.ConnectionRepository, runner SyncRunner, logger *slog.Logger, maxConcurrency int) *AutoScheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &AutoScheduler{
		conns:          conns,
		runner:         runner,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchSize:      100,
		now:            time.Now,
	}
}

// Start はintervalごとに同期対象を確認する。コンテキストがキャンセルされるまで継続する。
func (s *AutoScheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("自動同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("自動同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, interval); err != nil {
				s.logger.Error("自動同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は最終同期がinterval以上前の連携を並列に同期し、完了した件数を返す。
func (s *AutoScheduler) RunOnce(ctx context.Context, interval time.Duration) (int, error) {
	start := time.Now()

	conns, err := s.conns.ListDueForSync(ctx, s.now().Add(-interval), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(conns) == 0 {
		s.logger.Debug("自動同期の対象はありません")
		return 0, nil
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for _, conn := range conns {
		wg.Add(1)
		sem <- struct{}{}

		go func(c *model.Connection) {
			defer wg.Done()
			defer func() { <-sem }()

			log, err := s.runner.RunSync(ctx, c.UserID, c.Provider)
			if err != nil {
				s.logger.Error("自動同期に失敗しました",
					slog.String("connection_id", c.ID),
					slog.String("provider", string(c.Provider)),
					slog.String("error", err.Error()),
				)
				return
			}
			if log.Status == model.SyncStatusCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	s.logger.Info("自動同期サイクルが完了しました",
		slog.Int("connection_count", len(conns)),
		slog.Int("completed_count", completed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return completed, nil
}
