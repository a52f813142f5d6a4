package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/repository"
)

// SchedulerConfig は定期リフレッシュの設定。
type SchedulerConfig struct {
	Lookahead      time.Duration // 期限のこの時間前からリフレッシュ対象にする
	BatchSize      int           // 1サイクルで処理する最大件数
	MaxConcurrency int
}

// Scheduler は期限が近い連携を定期的にリフレッシュする。
type Scheduler struct {
	conns     repository.ConnectionRepository
	refresher *Refresher
	logger    *slog.Logger
	config    SchedulerConfig
	now       func() time.Time
}

// NewScheduler はSchedulerを生成する。
// 設定値が0以下の場合は Lookahead 5分、BatchSize 100、MaxConcurrency 5 を使う。
func NewScheduler(conns repository.ConnectionRepository, refresher *Refresher, logger *slog.Logger, config SchedulerConfig) *Scheduler {
	if config.Lookahead <= 0 {
		config.Lookahead = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	return &Scheduler{
		conns:     conns,
		refresher: refresher,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。コンテキストがキャンセルされるまで継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("トークンリフレッシュスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("lookahead", s.config.Lookahead),
	)

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("トークンリフレッシュスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("トークンリフレッシュサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は期限が近い連携を取得して並列にリフレッシュし、成功件数を返す。
// 個々の失敗はログに記録し、サイクル全体は失敗させない。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	conns, err := s.conns.ListExpiring(ctx, s.now().Add(s.config.Lookahead), s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(conns) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.config.MaxConcurrency)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refreshed int
	)
	for _, conn := range conns {
		wg.Add(1)
		sem <- struct{}{}

		go func(c *model.Connection) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := s.refresher.Refresh(ctx, c); err != nil {
				s.logger.Error("定期リフレッシュに失敗しました",
					slog.String("connection_id", c.ID),
					slog.String("provider", string(c.Provider)),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			refreshed++
			mu.Unlock()
		}(conn)
	}
	wg.Wait()

	s.logger.Info("トークンリフレッシュサイクルが完了しました",
		slog.Int("candidate_count", len(conns)),
		slog.Int("refreshed_count", refreshed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return refreshed, nil
}
