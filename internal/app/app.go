package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/fitsync/internal/config"
	"github.com/hitoshi/fitsync/internal/database"
	"github.com/hitoshi/fitsync/internal/handler"
	"github.com/hitoshi/fitsync/internal/logger"
	"github.com/hitoshi/fitsync/internal/middleware"
	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// runContext はサブコマンドの実行に必要な共通の値。
type runContext struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	l := logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := newRootCommand(w)
	root.SetArgs(args)

	// SIGINTまたはSIGTERMでコンテキストをキャンセルする
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return root.ExecuteContext(ctx)
}

// runWithConfig は設定を読み込んでからrunを実行する。
func runWithConfig(cmd *cobra.Command, w io.Writer, name Command, run func(*runContext) error) error {
	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(name)),
		slog.String("version", Version),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return run(&runContext{ctx: ctx, cfg: cfg, logger: l, out: w})
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// setup はDB接続とコンポーネントを初期化する。返す関数で後始末を行う。
func setup(rc *runContext) (*sql.DB, *components, func(), error) {
	db, err := openDatabase(rc.ctx, rc.cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	rc.logger.Info("database connection established")

	payloads, closePayloads, err := newPayloadStore(rc.ctx, rc.cfg, rc.logger)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	comps, err := buildComponents(rc.cfg, postgresRepositories(db), payloads, rc.logger)
	if err != nil {
		closePayloads()
		db.Close()
		return nil, nil, nil, err
	}

	teardown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := comps.orchestrator.Shutdown(ctx); err != nil {
			rc.logger.Warn("同期の終了待ちがタイムアウトしました", slog.String("error", err.Error()))
		}
		if err := comps.publisher.Close(); err != nil {
			rc.logger.Warn("イベント送信の終了に失敗しました", slog.String("error", err.Error()))
		}
		if err := closePayloads(); err != nil {
			rc.logger.Warn("ストレージクライアントの終了に失敗しました", slog.String("error", err.Error()))
		}
		comps.reporter.Flush(5 * time.Second)
		db.Close()
	}
	return db, comps, teardown, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(rc *runContext) error {
	db, comps, teardown, err := setup(rc)
	if err != nil {
		return err
	}
	defer teardown()

	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(rc.cfg.RateLimitGeneral, rc.cfg.RateLimitSync),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Service:       comps.manager,
		HealthChecker: db,
		Gatherer:      comps.gatherer,
		RateLimiter:   rateLimiter,
		JWT: middleware.JWTConfig{
			Secret: rc.cfg.JWTSecret,
			Issuer: rc.cfg.JWTIssuer,
		},
		CORSAllowedOrigin: rc.cfg.CORSAllowedOrigin,
		UIRedirectURL:     rc.cfg.UIRedirectURL,
		Reporter:          comps.reporter,
		Logger:            rc.logger,
	})

	server := &http.Server{
		Addr:         ":" + rc.cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rc.logger.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-rc.ctx.Done():
	}
	rc.logger.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	rc.logger.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// トークンの定期リフレッシュ、自動同期（AUTO_SYNC_INTERVAL > 0 の場合）、
// 保持期間のクリーンアップを並行して実行し、コンテキストがキャンセルされるまでブロックする。
func runWorker(rc *runContext) error {
	db, comps, teardown, err := setup(rc)
	if err != nil {
		return err
	}
	defer teardown()

	cleanupJob := cleanup.NewCleanupJob(db, rc.logger)
	cleanupJob.RetentionDays = rc.cfg.SyncLogRetentionDays
	cleanupJob.StaleTimeout = rc.cfg.StaleSyncTimeout

	rc.logger.Info("worker starting",
		slog.Duration("token_refresh_interval", rc.cfg.TokenRefreshInterval),
		slog.Duration("auto_sync_interval", rc.cfg.AutoSyncInterval),
		slog.Int("max_concurrent", rc.cfg.SyncMaxConcurrent),
	)

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { comps.refreshScheduler.Start(rc.ctx, rc.cfg.TokenRefreshInterval) })
	start(func() { cleanupJob.Start(rc.ctx, 24*time.Hour) })
	if rc.cfg.AutoSyncInterval > 0 {
		start(func() { comps.autoSync.Start(rc.ctx, rc.cfg.AutoSyncInterval) })
	} else {
		rc.logger.Info("自動同期は無効です")
	}

	wg.Wait()
	rc.logger.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(rc *runContext) error {
	rc.logger.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(rc.cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(rc.cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	rc.logger.Info("database migrations completed successfully")
	return nil
}

// syncLogOutput は sync コマンドが出力する同期ログ。
type syncLogOutput struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connectionId"`
	Status        string     `json:"status"`
	ImportedCount int        `json:"importedCount"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
}

// runSync は1つの連携の同期を終了まで実行し、同期ログをJSONで出力する。
// 同期が失敗した場合はログを出力した上でエラーを返す。
func runSync(rc *runContext, opts *syncOptions) error {
	p, err := model.ParseProvider(opts.provider)
	if err != nil {
		return err
	}

	_, comps, teardown, err := setup(rc)
	if err != nil {
		return err
	}
	defer teardown()

	log, err := comps.manager.SyncAndWait(rc.ctx, opts.userID, p)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	if err := writeSyncLog(rc.out, log); err != nil {
		return err
	}
	if log.Status == model.SyncStatusFailed {
		return fmt.Errorf("sync failed: %s", log.ErrorDetail)
	}
	return nil
}

func writeSyncLog(w io.Writer, log *model.SyncLog) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(syncLogOutput{
		ID:            log.ID,
		ConnectionID:  log.ConnectionID,
		Status:        string(log.Status),
		ImportedCount: log.ImportedCount,
		ErrorDetail:   log.ErrorDetail,
		StartedAt:     log.StartedAt,
		FinishedAt:    log.FinishedAt,
	})
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
