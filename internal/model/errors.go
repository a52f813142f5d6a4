package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, integration, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeProviderDisabled    = "PROVIDER_DISABLED"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeNotConnected        = "NOT_CONNECTED"
	ErrCodeProviderAuth        = "PROVIDER_AUTH_FAILED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderRejected    = "PROVIDER_REJECTED"
	ErrCodeMissingParameter    = "MISSING_PARAMETER"
	ErrCodeAuthorizationDenied = "AUTHORIZATION_DENIED"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// ErrCancelled は同期実行がキャンセルされたことを示す。
var ErrCancelled = errors.New(SyncReasonCancelled)

// TruncateText はsを最大nバイトの有効なUTF-8に切り詰める。
// 不正なバイト列は置換文字にし、マルチバイト文字の途中では切らない。
func TruncateText(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ProviderAuthError はプロバイダーが認証情報を拒否したことを示す。
// 再連携が必要な終端エラーであり、リトライしない。
type ProviderAuthError struct {
	Provider   Provider
	StatusCode int
	Reason     string
}

func (e *ProviderAuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: 認証に失敗しました (status %d): %s", e.Provider, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: 認証に失敗しました: %s", e.Provider, e.Reason)
}

// APIErrorKind はプロバイダーAPIエラーの分類。
type APIErrorKind string

const (
	// APIErrorTransient はレート制限・5xx・タイムアウトなど再試行可能なエラー。
	APIErrorTransient APIErrorKind = "transient"
	// APIErrorPermanent は認証以外の4xxなど再試行しても解消しないエラー。
	APIErrorPermanent APIErrorKind = "permanent"
)

// ProviderAPIError はプロバイダーAPI呼び出しの失敗を表す。
type ProviderAPIError struct {
	Provider   Provider
	Kind       APIErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderAPIError) Error() string {
	msg := fmt.Sprintf("%s: API呼び出しに失敗しました (%s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderAPIError) Unwrap() error {
	return e.Err
}

// Transient は再試行可能なエラーかを返す。
func (e *ProviderAPIError) Transient() bool {
	return e.Kind == APIErrorTransient
}

// CSRFError はコールバックのstateが不一致または期限切れであることを示す。
type CSRFError struct {
	Reason string
}

func (e *CSRFError) Error() string {
	return "stateの検証に失敗しました: " + e.Reason
}

// NotConnectedError は連携が存在しない、または接続済みでないことを示す。
type NotConnectedError struct {
	UserID   string
	Provider Provider
	Status   ConnectionStatus
}

func (e *NotConnectedError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("%s: 連携が存在しません", e.Provider)
	}
	return fmt.Sprintf("%s: 連携が接続済みではありません (status=%s)", e.Provider, e.Status)
}

// UnsupportedProviderError は未対応または無効化されたプロバイダーを示す。
type UnsupportedProviderError struct {
	Name string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("サポートされていないプロバイダーです: %s", e.Name)
}

// IsTransient はerrが再試行可能なプロバイダーエラーかを返す。
func IsTransient(err error) bool {
	var apiErr *ProviderAPIError
	return errors.As(err, &apiErr) && apiErr.Transient()
}

// IsAuthError はerrがProviderAuthErrorかを返す。
func IsAuthError(err error) bool {
	var authErr *ProviderAuthError
	return errors.As(err, &authErr)
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnsupportedProviderAPIError はプロバイダー未対応エラーを生成する。
func NewUnsupportedProviderAPIError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("サポートされていないプロバイダーです: %s", name),
		Category: "validation",
		Action:   "strava、polar、garmin のいずれかを指定してください。",
	}
}

// NewInvalidStateError はstate検証失敗エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "認可リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "もう一度連携操作をやり直してください。",
	}
}

// NewNotConnectedAPIError は未連携エラーを生成する。
func NewNotConnectedAPIError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeNotConnected,
		Message:  fmt.Sprintf("%s と連携されていません。", provider),
		Category: "integration",
		Action:   "連携設定画面から接続してください。",
	}
}

// NewProviderAuthAPIError はプロバイダー認証失敗エラーを生成する。
func NewProviderAuthAPIError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeProviderAuth,
		Message:  fmt.Sprintf("%s での認証に失敗しました。", provider),
		Category: "integration",
		Action:   "連携を解除し、再度接続してください。",
	}
}

// NewProviderUnavailableError はプロバイダー一時障害エラーを生成する。
func NewProviderUnavailableError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("%s が一時的に利用できません。", provider),
		Category: "integration",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderRejectedError はプロバイダーがリクエストを拒否した場合のエラーを生成する。
func NewProviderRejectedError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  fmt.Sprintf("%s がリクエストを拒否しました。", provider),
		Category: "integration",
		Action:   "問題が続く場合は連携を解除して再接続してください。",
	}
}

// NewMissingParameterError は必須パラメータ欠落エラーを生成する。
func NewMissingParameterError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingParameter,
		Message:  fmt.Sprintf("必須パラメータがありません: %s", name),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}
