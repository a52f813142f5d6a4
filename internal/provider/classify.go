package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitsync/internal/model"
)

// ClassifyHTTPStatus はプロバイダーAPIのHTTPステータスをエラーに分類する。
// 2xxはnil、401はProviderAuthError、408/429/5xxは一時的エラー、その他の4xxは恒久的エラー。
func ClassifyHTTPStatus(p model.Provider, statusCode int, body string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized:
		return &model.ProviderAuthError{Provider: p, StatusCode: statusCode, Reason: model.TruncateText(body, 200)}
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		return &model.ProviderAPIError{
			Provider: p, Kind: model.APIErrorTransient, StatusCode: statusCode,
			Err: errors.New(model.TruncateText(body, 200)),
		}
	default:
		return &model.ProviderAPIError{
			Provider: p, Kind: model.APIErrorPermanent, StatusCode: statusCode,
			Err: errors.New(model.TruncateText(body, 200)),
		}
	}
}

// classifyTransportError はHTTP送信時のエラーを分類する。
// 呼び出し元のコンテキストが終了している場合はそのエラーをそのまま返し、
// 個別タイムアウトやネットワーク障害は一時的エラーとして扱う。
func classifyTransportError(parent context.Context, p model.Provider, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return &model.ProviderAPIError{Provider: p, Kind: model.APIErrorTransient, Err: err}
}

// classifyTokenError はoauth2のトークンエンドポイントエラーを分類する。
// プロバイダーが4xxで拒否した場合と応答が不正な場合は認証エラー、
// 5xxや429、通信障害は一時的エラーとする。
func classifyTokenError(parent context.Context, p model.Provider, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			return &model.ProviderAPIError{Provider: p, Kind: model.APIErrorTransient, StatusCode: status, Err: err}
		}
		reason := re.ErrorCode
		if reason == "" {
			reason = model.TruncateText(string(re.Body), 200)
		}
		return &model.ProviderAuthError{Provider: p, StatusCode: status, Reason: reason}
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &model.ProviderAPIError{
			Provider: p, Kind: model.APIErrorTransient,
			Err: fmt.Errorf("トークンエンドポイントの呼び出しに失敗しました: %w", err),
		}
	}
	// 応答の形式不正（access_token欠落など）
	return &model.ProviderAuthError{Provider: p, Reason: err.Error()}
}
