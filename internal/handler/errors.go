package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fitsync/internal/middleware"
	"github.com/hitoshi/fitsync/internal/model"
)

// ErrorReporter は想定外のエラーを外部に報告する。
type ErrorReporter interface {
	CaptureError(err error, tags map[string]string)
}

// classifyError はドメインエラーをHTTPステータスとAPIErrorに変換する。
// 想定外のエラーの場合、apiErrはnilを返す。
func classifyError(p model.Provider, err error) (int, *model.APIError) {
	var (
		unsupported  *model.UnsupportedProviderError
		csrfErr      *model.CSRFError
		notConnected *model.NotConnectedError
		authErr      *model.ProviderAuthError
		apiErr       *model.ProviderAPIError
	)
	switch {
	case errors.As(err, &unsupported):
		return http.StatusNotFound, model.NewUnsupportedProviderAPIError(unsupported.Name)
	case errors.As(err, &csrfErr):
		return http.StatusBadRequest, model.NewInvalidStateError()
	case errors.As(err, &notConnected):
		return http.StatusConflict, model.NewNotConnectedAPIError(p)
	case errors.As(err, &authErr):
		return http.StatusBadGateway, model.NewProviderAuthAPIError(p)
	case errors.As(err, &apiErr):
		if apiErr.Transient() {
			return http.StatusServiceUnavailable, model.NewProviderUnavailableError(p)
		}
		return http.StatusBadGateway, model.NewProviderRejectedError(p)
	default:
		return http.StatusInternalServerError, nil
	}
}

// writeServiceError はサービス層のエラーを統一エラーフォーマットで書き込む。
// 想定外のエラーは詳細をログと報告先にのみ残し、一般的なメッセージを返す。
func (h *IntegrationHandler) writeServiceError(w http.ResponseWriter, r *http.Request, p model.Provider, err error) {
	status, apiErr := classifyError(p, err)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	h.logger.Error("internal server error",
		slog.String("provider", string(p)),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	if h.reporter != nil {
		h.reporter.CaptureError(err, map[string]string{
			"provider": string(p),
			"route":    r.URL.Path,
		})
	}
	middleware.WriteInternalServerError(w)
}
