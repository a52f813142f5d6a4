// Package reporting は失敗した同期やパニックをSentryへ報告する。
package reporting

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config はSentryの設定。
type Config struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
}

// Reporter はエラーをSentryに送信する。DSN未設定の場合は何もしない。
type Reporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// NewReporter はSentryクライアントを初期化してReporterを返す。
func NewReporter(cfg Config, logger *slog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		logger.Warn("SENTRY_DSNが未設定のためエラー報告は無効です")
		return &Reporter{logger: logger}, nil
	}

	r, err := newReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  cfg.ServerName,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Sentryを初期化しました", slog.String("environment", cfg.Environment))
	return r, nil
}

func newReporter(opts sentry.ClientOptions, logger *slog.Logger) (*Reporter, error) {
	opts.BeforeSend = scrubEvent
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// scrubEvent は送信前に認証情報を含むヘッダーを取り除く。
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request != nil {
		for k := range event.Request.Headers {
			switch k {
			case "Authorization", "Cookie", "Set-Cookie":
				delete(event.Request.Headers, k)
			}
		}
		event.Request.Cookies = ""
	}
	return event
}

// Enabled は送信先が設定されているかを返す。
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError はタグ付きでエラーを送信する。
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if err == nil || !r.Enabled() {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
	r.logger.Debug("エラーをSentryに送信しました", slog.String("error", err.Error()))
}

// CapturePanic はrecoverした値を送信する。
func (r *Reporter) CapturePanic(v any, tags map[string]string) {
	if v == nil || !r.Enabled() {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.Recover(v)
	})
}

// Flush は未送信のイベントを送信し終えるまで最大timeout待つ。
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
