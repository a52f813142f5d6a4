// Package model はドメインモデルを定義する。
package model

import "strings"

// Provider は連携先のフィットネスプラットフォームを表す。
type Provider string

const (
	// ProviderStrava はStravaを示す。
	ProviderStrava Provider = "strava"
	// ProviderPolar はPolar Flow (AccessLink) を示す。
	ProviderPolar Provider = "polar"
	// ProviderGarmin はGarmin Connectを示す。
	ProviderGarmin Provider = "garmin"
)

// AllProviders はサポートするプロバイダーの一覧を返す。
func AllProviders() []Provider {
	return []Provider{ProviderStrava, ProviderPolar, ProviderGarmin}
}

// ParseProvider は文字列からProviderを解析する。
// サポート外の値の場合はUnsupportedProviderErrorを返す。
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderStrava, ProviderPolar, ProviderGarmin:
		return p, nil
	default:
		return "", &UnsupportedProviderError{Name: s}
	}
}

// String はfmt.Stringerを実装する。
func (p Provider) String() string {
	return string(p)
}
