package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// PanicReporter はrecoverしたpanicを外部に報告する。
type PanicReporter interface {
	CapturePanic(v any, tags map[string]string)
}

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 500レスポンスを返すミドルウェアを生成する。reporterはnilでもよい。
func NewRecoveryMiddleware(reporter PanicReporter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if reporter != nil {
					reporter.CapturePanic(rec, map[string]string{
						"method": r.Method,
						"path":   r.URL.Path,
					})
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
