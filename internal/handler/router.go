package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fitsync/internal/metrics"
	"github.com/hitoshi/fitsync/internal/middleware"
)

// HealthChecker はヘルスチェック対象（DB）への疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Reporter はpanicと想定外のエラーを報告する。
type Reporter interface {
	middleware.PanicReporter
	ErrorReporter
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Service       IntegrationService
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
	RateLimiter   *middleware.RateLimiter
	JWT           middleware.JWTConfig

	CORSAllowedOrigin string
	UIRedirectURL     string

	Reporter Reporter // nilの場合は報告しない
	Logger   *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → JWT → RateLimit(General) [→ RateLimit(Sync)]
//
// コールバックはプロバイダーからのブラウザリダイレクトで届くため、JWTの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		panicReporter middleware.PanicReporter
		errorReporter ErrorReporter
	)
	if deps.Reporter != nil {
		panicReporter = deps.Reporter
		errorReporter = deps.Reporter
	}

	h := NewIntegrationHandler(deps.Service, IntegrationHandlerConfig{
		UIRedirectURL: deps.UIRedirectURL,
	}, errorReporter, logger)

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(panicReporter))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/api/integrations/{provider}", func(r chi.Router) {
		r.Get("/callback", h.Callback)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewJWTMiddleware(deps.JWT))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/auth", h.Auth)
			r.Get("/status", h.Status)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/sync", h.Sync)
			r.Delete("/disconnect", h.Disconnect)
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
