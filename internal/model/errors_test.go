package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"strava", ProviderStrava, false},
		{"Polar", ProviderPolar, false},
		{" garmin ", ProviderGarmin, false},
		{"fitbit", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProvider(tt.in)
			if tt.wantErr {
				var upErr *UnsupportedProviderError
				assert.ErrorAs(t, err, &upErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsTransient_WrappedError(t *testing.T) {
	err := fmt.Errorf("ページ取得: %w", &ProviderAPIError{Provider: ProviderStrava, Kind: APIErrorTransient, StatusCode: 429})
	assert.True(t, IsTransient(err))

	perm := &ProviderAPIError{Provider: ProviderStrava, Kind: APIErrorPermanent, StatusCode: 404}
	assert.False(t, IsTransient(perm))
	assert.False(t, IsTransient(errors.New("other")))
}

func TestIsAuthError(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &ProviderAuthError{Provider: ProviderPolar, StatusCode: 401})
	assert.True(t, IsAuthError(err))
	assert.False(t, IsAuthError(&CSRFError{Reason: "x"}))
}

func TestErrCancelled_MatchesReason(t *testing.T) {
	assert.Equal(t, SyncReasonCancelled, ErrCancelled.Error())
}

func TestAPIError_Error(t *testing.T) {
	e := NewNotConnectedAPIError(ProviderGarmin)
	assert.Contains(t, e.Error(), "[NOT_CONNECTED]")
}

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "abc", n: 10, want: "abc"},
		{name: "ascii", in: "abcdef", n: 3, want: "abc"},
		{name: "cut inside two-byte rune", in: "aaé", n: 3, want: "aa"},
		{name: "cut inside three-byte rune", in: "あいう", n: 4, want: "あ"},
		{name: "invalid bytes replaced", in: "ok\xc3", n: 10, want: "ok\uFFFD"},
		{name: "zero", in: "abc", n: 0, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateText(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), max(tt.n, len(tt.want)))
		})
	}
}

func TestTruncateText_LongMultiByteStaysValid(t *testing.T) {
	s := strings.Repeat("a", 199) + "é" + strings.Repeat("x", 50)
	got := TruncateText(s, 200)
	assert.Equal(t, strings.Repeat("a", 199), got)
	assert.True(t, utf8.ValidString(got))
}
