package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/repository/repotest"
)

// --- モック定義 ---

type mockAdapter struct {
	p        model.Provider
	pkce     bool
	exchange func(ctx context.Context, code, verifier string) (model.Credentials, error)
}

func (m *mockAdapter) Provider() model.Provider { return m.p }
func (m *mockAdapter) RequiresPKCE() bool       { return m.pkce }

func (m *mockAdapter) BuildAuthorizationURL(state, codeVerifier string) string {
	q := url.Values{"state": {state}}
	if codeVerifier != "" {
		q.Set("verifier", codeVerifier)
	}
	return "https://provider.example.com/authorize?" + q.Encode()
}

func (m *mockAdapter) ExchangeCode(ctx context.Context, code, verifier string) (model.Credentials, error) {
	if m.exchange != nil {
		return m.exchange(ctx, code, verifier)
	}
	return model.Credentials{AccessToken: "at-" + code, RefreshToken: "rt"}, nil
}

func (m *mockAdapter) RefreshToken(context.Context, string) (model.Credentials, error) {
	return model.Credentials{}, errors.New("not implemented")
}

func (m *mockAdapter) ListActivitiesSince(string, time.Time) *provider.ActivityPager { return nil }

func (m *mockAdapter) Normalize(string, model.ProviderActivity) model.NormalizedActivity {
	return model.NormalizedActivity{}
}

func (m *mockAdapter) Revoke(context.Context, model.Credentials) error { return nil }

func newTestFlow(adapters ...provider.Adapter) (*Flow, *repotest.Store) {
	store := repotest.NewStore()
	f := NewFlow(
		provider.NewRegistry(adapters...),
		store.Connections(),
		store.States(),
		FlowConfig{StateTTL: 10 * time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return f, store
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// --- BeginAuth ---

func TestBeginAuth_CreatesPendingConnection(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	authURL, err := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)

	state := stateFromURL(t, authURL)
	assert.Len(t, state, 64, "stateは32バイトの16進文字列であるべき")

	conn, err := store.Connections().Get(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, model.ConnectionStatusPendingAuth, conn.Status)
	assert.Equal(t, 1, store.StateCount())
}

func TestBeginAuth_StatesAreUnique(t *testing.T) {
	f, _ := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	u1, err := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)
	u2, err := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)
	assert.NotEqual(t, stateFromURL(t, u1), stateFromURL(t, u2))
}

func TestBeginAuth_PKCEStoresVerifier(t *testing.T) {
	var gotVerifier string
	adapter := &mockAdapter{p: model.ProviderGarmin, pkce: true, exchange: func(_ context.Context, code, verifier string) (model.Credentials, error) {
		gotVerifier = verifier
		return model.Credentials{AccessToken: "at"}, nil
	}}
	f, _ := newTestFlow(adapter)
	ctx := context.Background()

	authURL, err := f.BeginAuth(ctx, "alice", model.ProviderGarmin)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	verifier := u.Query().Get("verifier")
	require.NotEmpty(t, verifier)

	_, err = f.CompleteAuth(ctx, model.ProviderGarmin, "code", u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, verifier, gotVerifier)
}

func TestBeginAuth_DisabledProvider(t *testing.T) {
	f, _ := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	_, err := f.BeginAuth(context.Background(), "alice", model.ProviderPolar)

	var unsupported *model.UnsupportedProviderError
	assert.ErrorAs(t, err, &unsupported)
}

func TestBeginAuth_KeepsConnectedConnection(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	store.PutConnection(&model.Connection{
		UserID: "alice", Provider: model.ProviderStrava,
		AccessToken: "old", Status: model.ConnectionStatusConnected,
	})

	_, err := f.BeginAuth(context.Background(), "alice", model.ProviderStrava)
	require.NoError(t, err)

	conn, _ := store.Connections().Get(context.Background(), "alice", model.ProviderStrava)
	assert.Equal(t, model.ConnectionStatusConnected, conn.Status)
	assert.Equal(t, "old", conn.AccessToken)
}

// --- CompleteAuth ---

func TestCompleteAuth_Success(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	authURL, err := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)

	conn, err := f.CompleteAuth(ctx, model.ProviderStrava, "abc123", stateFromURL(t, authURL))
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionStatusConnected, conn.Status)
	assert.Equal(t, "at-abc123", conn.AccessToken)
	assert.Equal(t, "alice", conn.UserID)
	assert.Equal(t, 0, store.StateCount(), "stateは消費されるべき")
}

func TestCompleteAuth_StateIsSingleUse(t *testing.T) {
	f, _ := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	authURL, _ := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	state := stateFromURL(t, authURL)

	_, err := f.CompleteAuth(ctx, model.ProviderStrava, "code", state)
	require.NoError(t, err)

	_, err = f.CompleteAuth(ctx, model.ProviderStrava, "code", state)
	var csrf *model.CSRFError
	assert.ErrorAs(t, err, &csrf)
}

func TestCompleteAuth_UnknownStateLeavesConnectionUnchanged(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	existing := store.PutConnection(&model.Connection{
		UserID: "alice", Provider: model.ProviderStrava,
		AccessToken: "keep", Status: model.ConnectionStatusConnected,
	})

	_, err := f.CompleteAuth(context.Background(), model.ProviderStrava, "abc123", "never-issued")
	var csrf *model.CSRFError
	require.ErrorAs(t, err, &csrf)

	conn, _ := store.Connections().GetByID(context.Background(), existing.ID)
	assert.Equal(t, model.ConnectionStatusConnected, conn.Status)
	assert.Equal(t, "keep", conn.AccessToken)
}

func TestCompleteAuth_CSRFCases(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state *model.OAuthState
		p     model.Provider
		input string
	}{
		{name: "空のstate", p: model.ProviderStrava, input: ""},
		{
			name:  "期限切れ",
			state: &model.OAuthState{State: "s1", UserID: "alice", Provider: model.ProviderStrava, ExpiresAt: now.Add(-time.Second)},
			p:     model.ProviderStrava, input: "s1",
		},
		{
			name:  "別プロバイダーのstate",
			state: &model.OAuthState{State: "s2", UserID: "alice", Provider: model.ProviderPolar, ExpiresAt: now.Add(time.Minute)},
			p:     model.ProviderStrava, input: "s2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava}, &mockAdapter{p: model.ProviderPolar})
			f.now = func() time.Time { return now }
			store.PutConnection(&model.Connection{UserID: "alice", Provider: model.ProviderStrava, Status: model.ConnectionStatusPendingAuth})
			if tt.state != nil {
				store.PutState(tt.state)
			}

			_, err := f.CompleteAuth(context.Background(), tt.p, "code", tt.input)
			var csrf *model.CSRFError
			assert.ErrorAs(t, err, &csrf)

			conn, _ := store.Connections().Get(context.Background(), "alice", model.ProviderStrava)
			assert.Equal(t, model.ConnectionStatusPendingAuth, conn.Status)
		})
	}
}

func TestCompleteAuth_WrongProviderRouteKeepsState(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava}, &mockAdapter{p: model.ProviderPolar})
	ctx := context.Background()

	authURL, err := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)
	state := stateFromURL(t, authURL)

	_, err = f.CompleteAuth(ctx, model.ProviderPolar, "code", state)
	var csrf *model.CSRFError
	require.ErrorAs(t, err, &csrf)
	assert.Equal(t, 1, store.StateCount(), "別プロバイダーのコールバックでstateを消費しない")

	conn, err := f.CompleteAuth(ctx, model.ProviderStrava, "code", state)
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionStatusConnected, conn.Status)
	assert.Equal(t, 0, store.StateCount())
}

func TestCompleteAuth_ConnectionRemovedDuringAuth(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	authURL, _ := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	require.NoError(t, store.Connections().Remove(ctx, "alice", model.ProviderStrava))

	_, err := f.CompleteAuth(ctx, model.ProviderStrava, "code", stateFromURL(t, authURL))
	var csrf *model.CSRFError
	assert.ErrorAs(t, err, &csrf)

	conn, _ := store.Connections().Get(ctx, "alice", model.ProviderStrava)
	assert.Nil(t, conn)
}

func TestCompleteAuth_ExchangeFailureSetsError(t *testing.T) {
	adapter := &mockAdapter{p: model.ProviderStrava, exchange: func(context.Context, string, string) (model.Credentials, error) {
		return model.Credentials{}, &model.ProviderAuthError{Provider: model.ProviderStrava, StatusCode: 400, Reason: "invalid_grant"}
	}}
	f, store := newTestFlow(adapter)
	ctx := context.Background()

	authURL, _ := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	_, err := f.CompleteAuth(ctx, model.ProviderStrava, "bad", stateFromURL(t, authURL))
	assert.True(t, model.IsAuthError(err))

	conn, _ := store.Connections().Get(ctx, "alice", model.ProviderStrava)
	assert.Equal(t, model.ConnectionStatusError, conn.Status)
}

func TestCompleteAuth_MissingCode(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	authURL, _ := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	_, err := f.CompleteAuth(ctx, model.ProviderStrava, "", stateFromURL(t, authURL))
	assert.True(t, model.IsAuthError(err))

	conn, _ := store.Connections().Get(ctx, "alice", model.ProviderStrava)
	assert.Equal(t, model.ConnectionStatusError, conn.Status)
}

func TestAbortAuth(t *testing.T) {
	f, store := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	ctx := context.Background()

	authURL, _ := f.BeginAuth(ctx, "alice", model.ProviderStrava)
	err := f.AbortAuth(ctx, model.ProviderStrava, stateFromURL(t, authURL), "access_denied")

	var authErr *model.ProviderAuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "access_denied", authErr.Reason)

	conn, _ := store.Connections().Get(ctx, "alice", model.ProviderStrava)
	assert.Equal(t, model.ConnectionStatusError, conn.Status)
	assert.Equal(t, 0, store.StateCount())
}

func TestAbortAuth_InvalidState(t *testing.T) {
	f, _ := newTestFlow(&mockAdapter{p: model.ProviderStrava})
	err := f.AbortAuth(context.Background(), model.ProviderStrava, "bogus", "access_denied")
	var csrf *model.CSRFError
	assert.ErrorAs(t, err, &csrf)
}
