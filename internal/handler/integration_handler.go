// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fitsync/internal/integration"
	"github.com/hitoshi/fitsync/internal/middleware"
	"github.com/hitoshi/fitsync/internal/model"
)

// IntegrationService は連携ハンドラーが必要とするサービスインターフェース。
type IntegrationService interface {
	Status(ctx context.Context, userID string, p model.Provider) (*integration.Status, error)
	Connect(ctx context.Context, userID string, p model.Provider) (string, error)
	HandleCallback(ctx context.Context, p model.Provider, code, state string) (*model.Connection, error)
	HandleCallbackError(ctx context.Context, p model.Provider, state, reason string) error
	SyncNow(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error)
	Disconnect(ctx context.Context, userID string, p model.Provider) error
}

// IntegrationHandlerConfig は連携ハンドラーの設定。
type IntegrationHandlerConfig struct {
	// UIRedirectURL はコールバック処理後にブラウザを戻す画面のURL。
	UIRedirectURL string
}

// IntegrationHandler は /api/integrations/{provider}/* のHTTPハンドラー。
type IntegrationHandler struct {
	service  IntegrationService
	config   IntegrationHandlerConfig
	reporter ErrorReporter
	logger   *slog.Logger
}

// NewIntegrationHandler はIntegrationHandlerを生成する。reporterはnilでもよい。
func NewIntegrationHandler(service IntegrationService, config IntegrationHandlerConfig, reporter ErrorReporter, logger *slog.Logger) *IntegrationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrationHandler{
		service:  service,
		config:   config,
		reporter: reporter,
		logger:   logger,
	}
}

// authURLResponse は認可URL発行のAPIレスポンス。
type authURLResponse struct {
	AuthURL string `json:"authUrl"`
}

// connectionResponse は連携情報のAPIレスポンス。トークンは含めない。
type connectionResponse struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	Status         string     `json:"status"`
	ProviderUserID string     `json:"providerUserId,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt"`
	LastSyncAt     *time.Time `json:"lastSyncAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// syncLogResponse は同期ログのAPIレスポンス。
type syncLogResponse struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connectionId"`
	Status        string     `json:"status"`
	ImportedCount int        `json:"importedCount"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
}

// statusResponse は連携状態のAPIレスポンス。
type statusResponse struct {
	Connection *connectionResponse `json:"connection"`
	SyncLogs   []syncLogResponse   `json:"syncLogs"`
}

// Auth は認可URLを発行する。
// GET /api/integrations/{provider}/auth
func (h *IntegrationHandler) Auth(w http.ResponseWriter, r *http.Request) {
	userID, p, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	authURL, err := h.service.Connect(r.Context(), userID, p)
	if err != nil {
		h.writeServiceError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusOK, authURLResponse{AuthURL: authURL})
}

// Callback はプロバイダーからのリダイレクトを処理し、UIへリダイレクトする。
// GET /api/integrations/{provider}/callback?code=xxx&state=yyy
//
// ユーザーの特定はstateで行うため、Bearer認証は不要。
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	p, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeServiceError(w, r, "", err)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")

	// プロバイダー側で拒否またはエラーになった場合
	if reason := q.Get("error"); reason != "" {
		if err := h.service.HandleCallbackError(r.Context(), p, state, reason); err != nil {
			h.logger.Warn("認可エラーのコールバック処理に失敗しました",
				slog.String("provider", string(p)),
				slog.String("error", err.Error()),
			)
		}
		h.redirectToUI(w, r, p, model.ErrCodeAuthorizationDenied)
		return
	}

	code := q.Get("code")
	if code == "" {
		h.redirectToUI(w, r, p, model.ErrCodeMissingParameter)
		return
	}

	if _, err := h.service.HandleCallback(r.Context(), p, code, state); err != nil {
		status, apiErr := classifyError(p, err)
		errCode := model.ErrCodeInternal
		if apiErr != nil {
			errCode = apiErr.Code
		}
		logAttrs := []any{
			slog.String("provider", string(p)),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		}
		if apiErr == nil {
			h.logger.Error("コールバック処理に失敗しました", logAttrs...)
			if h.reporter != nil {
				h.reporter.CaptureError(err, map[string]string{"provider": string(p), "route": "callback"})
			}
		} else {
			h.logger.Warn("コールバック処理に失敗しました", logAttrs...)
		}
		h.redirectToUI(w, r, p, errCode)
		return
	}

	h.redirectToUI(w, r, p, "")
}

// Status は連携状態と直近の同期ログを返す。
// GET /api/integrations/{provider}/status
func (h *IntegrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, p, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	st, err := h.service.Status(r.Context(), userID, p)
	if err != nil {
		h.writeServiceError(w, r, p, err)
		return
	}

	resp := statusResponse{SyncLogs: make([]syncLogResponse, 0, len(st.SyncLogs))}
	if st.Connection != nil {
		resp.Connection = toConnectionResponse(st.Connection)
	}
	for _, l := range st.SyncLogs {
		resp.SyncLogs = append(resp.SyncLogs, toSyncLogResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sync は同期を開始し、完了を待たずに202で同期ログを返す。
// POST /api/integrations/{provider}/sync
func (h *IntegrationHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, p, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	log, err := h.service.SyncNow(r.Context(), userID, p)
	if err != nil {
		h.writeServiceError(w, r, p, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSyncLogResponse(log))
}

// Disconnect は連携を解除する。
// DELETE /api/integrations/{provider}/disconnect
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, p, ok := h.requestTarget(w, r)
	if !ok {
		return
	}

	if err := h.service.Disconnect(r.Context(), userID, p); err != nil {
		h.writeServiceError(w, r, p, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestTarget は認証済みユーザーIDとURLのプロバイダーを取り出す。
// 取り出せない場合はエラーレスポンスを書き込み、falseを返す。
func (h *IntegrationHandler) requestTarget(w http.ResponseWriter, r *http.Request) (string, model.Provider, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", "", false
	}
	p, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeServiceError(w, r, "", err)
		return "", "", false
	}
	return userID, p, true
}

// redirectToUI は連携結果をクエリに付けてUIへリダイレクトする。
// errCodeが空の場合は成功として扱う。
func (h *IntegrationHandler) redirectToUI(w http.ResponseWriter, r *http.Request, p model.Provider, errCode string) {
	target, err := url.Parse(h.config.UIRedirectURL)
	if err != nil || h.config.UIRedirectURL == "" {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set("provider", string(p))
	if errCode == "" {
		q.Set("status", "connected")
	} else {
		q.Set("status", "error")
		q.Set("error", errCode)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func toConnectionResponse(c *model.Connection) *connectionResponse {
	return &connectionResponse{
		ID:             c.ID,
		Provider:       string(c.Provider),
		Status:         string(c.Status),
		ProviderUserID: c.ProviderUserID,
		TokenExpiresAt: c.TokenExpiresAt,
		LastSyncAt:     c.LastSyncAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func toSyncLogResponse(l *model.SyncLog) syncLogResponse {
	return syncLogResponse{
		ID:            l.ID,
		ConnectionID:  l.ConnectionID,
		Status:        string(l.Status),
		ImportedCount: l.ImportedCount,
		ErrorDetail:   l.ErrorDetail,
		StartedAt:     l.StartedAt,
		FinishedAt:    l.FinishedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
