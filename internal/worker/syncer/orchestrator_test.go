package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/provider/providertest"
	"github.com/hitoshi/fitsync/internal/repository"
	"github.com/hitoshi/fitsync/internal/repository/repotest"
	"github.com/hitoshi/fitsync/internal/worker/refresh"
)

// --- モック定義 ---

type recordingObserver struct {
	mu       sync.Mutex
	statuses []model.SyncStatus
	retries  int
}

func (o *recordingObserver) ObserveSync(_ model.Provider, status model.SyncStatus, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) ObserveRetry(model.Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

type mockPayloadStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *mockPayloadStore) Put(_ context.Context, a *model.NormalizedActivity, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, a.ExternalID)
	return "mem://" + a.ExternalID, nil
}

type mockPublisher struct {
	mu       sync.Mutex
	inserted []bool
}

func (m *mockPublisher) PublishActivityImported(_ context.Context, _ *model.NormalizedActivity, inserted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, inserted)
	return errors.New("broker unavailable")
}

// flakyFinishLogs はFinishを指定回数だけ失敗させる。
type flakyFinishLogs struct {
	repository.SyncLogRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyFinishLogs) Finish(ctx context.Context, id string, status model.SyncStatus, importedCount int, errorDetail string) error {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return l.SyncLogRepository.Finish(ctx, id, status, importedCount, errorDetail)
}

// cancellingActivities は最初のUpsert中に同期をキャンセルし、ドライバーと同じエラーを返す。
type cancellingActivities struct {
	repository.ActivityRepository
	cancel func()
	once   sync.Once
}

func (a *cancellingActivities) Upsert(ctx context.Context, activity *model.NormalizedActivity) (bool, error) {
	cancelled := false
	a.once.Do(func() {
		a.cancel()
		cancelled = true
	})
	if cancelled {
		return false, errors.New("pq: canceling statement due to user request")
	}
	return a.ActivityRepository.Upsert(ctx, activity)
}

type fixture struct {
	store    *repotest.Store
	adapter  *providertest.FakeAdapter
	orch     *Orchestrator
	observer *recordingObserver
	sleeps   []time.Duration
	conn     *model.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repotest.NewStore()
	adapter := &providertest.FakeAdapter{P: model.ProviderStrava}
	registry := provider.NewRegistry(adapter)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	obs := &recordingObserver{}

	f := &fixture{store: store, adapter: adapter, observer: obs}
	f.orch = NewOrchestrator(Deps{
		Adapters:   registry,
		Conns:      store.Connections(),
		Logs:       store.SyncLogs(),
		Activities: store.Activities(),
		Refresher:  refresh.NewRefresher(registry, store.Connections(), nil, nil, logger),
		Observer:   obs,
		Logger:     logger,
	}, Config{Retry: DefaultRetryPolicy(), PollInterval: 10 * time.Millisecond})
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}

	exp := time.Now().Add(6 * time.Hour)
	f.conn = store.PutConnection(&model.Connection{
		UserID: "alice", Provider: model.ProviderStrava,
		AccessToken: "at", RefreshToken: "rt", TokenExpiresAt: &exp,
		Status: model.ConnectionStatusConnected,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) pages(pages ...[]string) {
	f.adapter.PageFunc = func(_ context.Context, _ string, page int) ([]model.ProviderActivity, bool, error) {
		if page >= len(pages) {
			return nil, false, nil
		}
		return providertest.Activities(model.ProviderStrava, pages[page]...), page < len(pages)-1, nil
	}
}

func (f *fixture) runSync(t *testing.T) *model.SyncLog {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log, err := f.orch.RunSync(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)
	return log
}

func (f *fixture) stored(t *testing.T) *model.Connection {
	t.Helper()
	c, err := f.store.Connections().GetByID(context.Background(), f.conn.ID)
	require.NoError(t, err)
	return c
}

func rateLimited() error {
	return &model.ProviderAPIError{Provider: model.ProviderStrava, Kind: model.APIErrorTransient, StatusCode: http.StatusTooManyRequests}
}

// --- 正常系 ---

func TestRunSync_ImportsAllPages(t *testing.T) {
	f := newFixture(t)
	f.pages([]string{"1", "2"}, []string{"3"})

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Equal(t, 3, log.ImportedCount)
	assert.Empty(t, log.ErrorDetail)
	assert.Len(t, f.store.AllActivities(), 3)

	conn := f.stored(t)
	require.NotNil(t, conn.LastSyncAt)
	assert.True(t, conn.LastSyncAt.Equal(log.StartedAt), "最終同期時刻は同期の開始時刻であるべき")

	sinces := f.adapter.Sinces()
	require.Len(t, sinces, 1)
	assert.WithinDuration(t, log.StartedAt.Add(-30*24*time.Hour), sinces[0], time.Second)
	assert.Equal(t, []model.SyncStatus{model.SyncStatusCompleted}, f.observer.statuses)
}

func TestRunSync_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.pages([]string{"1", "2"})

	first := f.runSync(t)
	assert.Equal(t, 2, first.ImportedCount)

	second := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, second.Status)
	assert.Equal(t, 0, second.ImportedCount)
	assert.Len(t, f.store.AllActivities(), 2)

	sinces := f.adapter.Sinces()
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].Equal(first.StartedAt), "2回目は前回の開始時刻から取得するべき")
}

func TestRunSync_UpdatesMutableFieldsWithoutDuplicate(t *testing.T) {
	f := newFixture(t)
	payload := `{"id":"1"}`
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		return []model.ProviderActivity{{ExternalID: "1", Payload: []byte(payload)}}, false, nil
	}
	f.runSync(t)

	payload = `{"id":"1","distance":12345}`
	f.runSync(t)

	acts := f.store.AllActivities()
	require.Len(t, acts, 1)
	assert.InDelta(t, float64(len(payload)), acts[0].DistanceMeters, 0.001)
}

// --- 再試行 ---

func TestRunSync_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		calls++
		if calls <= 3 {
			return nil, false, rateLimited()
		}
		return providertest.Activities(model.ProviderStrava, "a", "b"), false, nil
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Equal(t, 2, log.ImportedCount)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeps)
	assert.Equal(t, 3, f.observer.retries)
}

func TestRunSync_RetriesExhaustedKeepsPartialImport(t *testing.T) {
	f := newFixture(t)
	f.adapter.PageFunc = func(_ context.Context, _ string, page int) ([]model.ProviderActivity, bool, error) {
		if page == 0 {
			return providertest.Activities(model.ProviderStrava, "kept"), true, nil
		}
		return nil, false, rateLimited()
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.Contains(t, log.ErrorDetail, "429")
	assert.Equal(t, 1, log.ImportedCount)
	assert.Len(t, f.store.AllActivities(), 1, "取り込み済みのアクティビティは残すべき")
	assert.Nil(t, f.stored(t).LastSyncAt, "失敗時は最終同期時刻を進めない")
	assert.Len(t, f.sleeps, 3)
}

func TestRunSync_PermanentErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		calls++
		return nil, false, &model.ProviderAPIError{Provider: model.ProviderStrava, Kind: model.APIErrorPermanent, StatusCode: 403}
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.Equal(t, 1, calls)
	assert.Empty(t, f.sleeps)
}

func TestRunSync_RetriesTimedOutPage(t *testing.T) {
	f := newFixture(t)
	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"name":"Morning Run","sport_type":"Run","start_date":"2024-01-01T07:00:00Z"}]`))
	}))
	defer srv.Close()

	f.orch.Adapters = provider.NewRegistry(provider.NewStravaAdapter(provider.Config{
		ClientID:   "cid",
		HTTPClient: srv.Client(),
		Timeout:    50 * time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		APIBaseURL: srv.URL + "/api",
		TokenURL:   srv.URL + "/oauth/token",
	}))

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Equal(t, 1, log.ImportedCount)
	mu.Lock()
	assert.EqualValues(t, 2, calls)
	mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second}, f.sleeps, "タイムアウトしたページはバックオフ後に再試行するべき")
}

// --- 同期ログの記録 ---

func TestRunSync_LongMultiByteErrorDetailIsStored(t *testing.T) {
	f := newFixture(t)
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		// 3バイト文字のため maxErrorDetail の位置は文字の途中になる
		return nil, false, errors.New(strings.Repeat("あ", 500))
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.True(t, utf8.ValidString(log.ErrorDetail))
	assert.LessOrEqual(t, len(log.ErrorDetail), maxErrorDetail)

	stored, err := f.store.SyncLogs().FindByID(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, stored.Status, "同期ログはrunningのまま残らないこと")
	assert.Equal(t, log.ErrorDetail, stored.ErrorDetail)

	f.pages([]string{"1"})
	next := f.runSync(t)
	assert.NotEqual(t, log.ID, next.ID, "次の同期は新しいログで開始するべき")
	assert.Equal(t, model.SyncStatusCompleted, next.Status)
}

func TestRunSync_RetriesFinishUntilStored(t *testing.T) {
	f := newFixture(t)
	logs := &flakyFinishLogs{SyncLogRepository: f.store.SyncLogs(), failures: 2}
	f.orch.Logs = logs
	f.pages([]string{"1"})

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Equal(t, 3, logs.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)

	running, err := f.store.SyncLogs().FindRunning(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Nil(t, running)
}

func TestRunSync_FinishGivesUpAfterAttempts(t *testing.T) {
	f := newFixture(t)
	logs := &flakyFinishLogs{SyncLogRepository: f.store.SyncLogs(), failures: 100}
	f.orch.Logs = logs
	f.pages([]string{"1"})

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Equal(t, finishAttempts, logs.calls)
	assert.Len(t, f.sleeps, finishAttempts-1)
}

// --- 認証エラー ---

func TestRunSync_RefreshesOnAuthErrorAndRetriesOnce(t *testing.T) {
	f := newFixture(t)
	var tokens []string
	f.adapter.PageFunc = func(_ context.Context, token string, _ int) ([]model.ProviderActivity, bool, error) {
		tokens = append(tokens, token)
		if token == "at" {
			return nil, false, &model.ProviderAuthError{Provider: model.ProviderStrava, StatusCode: 401}
		}
		return providertest.Activities(model.ProviderStrava, "x"), false, nil
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Equal(t, []string{"at", "refreshed-1"}, tokens)
	assert.EqualValues(t, 1, f.adapter.RefreshCalls.Load())
	assert.Equal(t, "refreshed-1", f.stored(t).AccessToken)
}

func TestRunSync_AuthErrorAfterRefreshFails(t *testing.T) {
	f := newFixture(t)
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		return nil, false, &model.ProviderAuthError{Provider: model.ProviderStrava, StatusCode: 401}
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.EqualValues(t, 1, f.adapter.RefreshCalls.Load())
}

func TestRunSync_RefreshRejectedMovesConnectionToError(t *testing.T) {
	f := newFixture(t)
	f.adapter.RefreshFunc = func(context.Context, string) (model.Credentials, error) {
		return model.Credentials{}, &model.ProviderAuthError{Provider: model.ProviderStrava, StatusCode: 400, Reason: "invalid_grant"}
	}
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		return nil, false, &model.ProviderAuthError{Provider: model.ProviderStrava, StatusCode: 401}
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.Contains(t, log.ErrorDetail, "invalid_grant")
	assert.Equal(t, model.ConnectionStatusError, f.stored(t).Status)
}

func TestRunSync_RefreshesExpiringTokenBeforeListing(t *testing.T) {
	f := newFixture(t)
	soon := time.Now().Add(time.Minute)
	f.store.PutConnection(&model.Connection{
		ID: f.conn.ID, UserID: "alice", Provider: model.ProviderStrava,
		AccessToken: "at", RefreshToken: "rt", TokenExpiresAt: &soon,
		Status: model.ConnectionStatusConnected,
	})
	var tokens []string
	f.adapter.PageFunc = func(_ context.Context, token string, _ int) ([]model.ProviderActivity, bool, error) {
		tokens = append(tokens, token)
		return nil, false, nil
	}

	f.runSync(t)
	assert.Equal(t, []string{"refreshed-1"}, tokens)
}

// --- 前提条件・単一実行 ---

func TestStart_NotConnected(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Start(context.Background(), "bob", model.ProviderStrava)
	var nc *model.NotConnectedError
	require.ErrorAs(t, err, &nc)

	require.NoError(t, f.store.Connections().SetStatus(context.Background(), f.conn.ID, model.ConnectionStatusError))
	_, err = f.orch.Start(context.Background(), "alice", model.ProviderStrava)
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, model.ConnectionStatusError, nc.Status)
}

func TestStart_SingleFlight(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.adapter.PageFunc = func(ctx context.Context, _ string, _ int) ([]model.ProviderActivity, bool, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		return providertest.Activities(model.ProviderStrava, "1"), false, nil
	}

	ctx := context.Background()
	const callers = 5
	logs := make([]*model.SyncLog, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := f.orch.Start(ctx, "alice", model.ProviderStrava)
			assert.NoError(t, err)
			logs[i] = l
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.NotNil(t, logs[i])
		assert.Equal(t, logs[0].ID, logs[i].ID, "同時に開始した同期は同じログを共有するべき")
	}
	assert.Len(t, f.store.AllSyncLogs(f.conn.ID), 1)

	close(gate)
	a, err := f.orch.Wait(ctx, logs[0])
	require.NoError(t, err)
	b, err := f.orch.Wait(ctx, logs[1])
	require.NoError(t, err)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, model.SyncStatusCompleted, a.Status)
	assert.Len(t, f.store.AllActivities(), 1)
}

func TestStart_RunningOnAnotherInstance(t *testing.T) {
	f := newFixture(t)
	existing, created, err := f.store.SyncLogs().CreateRunning(context.Background(), f.conn.ID, time.Now())
	require.NoError(t, err)
	require.True(t, created)

	log, err := f.orch.Start(context.Background(), "alice", model.ProviderStrava)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, log.ID)
	assert.Empty(t, f.adapter.Sinces(), "他インスタンスの実行中はプロバイダーを呼ばない")

	// 他インスタンスの完了をポーリングで待つ
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = f.store.SyncLogs().Finish(context.Background(), existing.ID, model.SyncStatusCompleted, 7, "")
	}()
	f.orch.sleep = sleepContext
	final, err := f.orch.Wait(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCompleted, final.Status)
	assert.Equal(t, 7, final.ImportedCount)
}

// --- キャンセル ---

func TestCancel_StopsBetweenPages(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	gate := make(chan struct{})
	pagesServed := 0
	f.adapter.PageFunc = func(context.Context, string, int) ([]model.ProviderActivity, bool, error) {
		pagesServed++
		if pagesServed == 1 {
			close(entered)
			<-gate
		}
		return providertest.Activities(model.ProviderStrava, "p"+string(rune('0'+pagesServed))), true, nil
	}

	ctx := context.Background()
	log, err := f.orch.Start(ctx, "alice", model.ProviderStrava)
	require.NoError(t, err)

	<-entered
	assert.True(t, f.orch.Cancel(f.conn.ID))
	close(gate)

	final, err := f.orch.Wait(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, final.Status)
	assert.Equal(t, model.SyncReasonCancelled, final.ErrorDetail)
	assert.Equal(t, 1, pagesServed, "キャンセル後は次のページを取得しない")
	assert.Nil(t, f.stored(t).LastSyncAt)
}

func TestCancel_DuringUpsertIsRecordedAsCancelled(t *testing.T) {
	f := newFixture(t)
	f.orch.Activities = &cancellingActivities{
		ActivityRepository: f.store.Activities(),
		cancel:             func() { f.orch.Cancel(f.conn.ID) },
	}
	f.pages([]string{"1", "2"}, []string{"3"})

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.Equal(t, model.SyncReasonCancelled, log.ErrorDetail)
	assert.Nil(t, f.stored(t).LastSyncAt)
}

func TestRunSync_StopsWhenConnectionDisconnectedElsewhere(t *testing.T) {
	f := newFixture(t)
	f.adapter.PageFunc = func(_ context.Context, _ string, page int) ([]model.ProviderActivity, bool, error) {
		if page == 0 {
			// 他インスタンスでの連携解除
			_ = f.store.Connections().SetStatus(context.Background(), f.conn.ID, model.ConnectionStatusDisconnected)
		}
		return providertest.Activities(model.ProviderStrava, "only"), true, nil
	}

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusFailed, log.Status)
	assert.Equal(t, model.SyncReasonCancelled, log.ErrorDetail)
}

func TestCancel_NoLocalRun(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.orch.Cancel(f.conn.ID))
}

// --- 付随処理 ---

func TestRunSync_ArchivesPayloadAndPublishes(t *testing.T) {
	f := newFixture(t)
	payloads := &mockPayloadStore{}
	pub := &mockPublisher{}
	f.orch.Payloads = payloads
	f.orch.Publisher = pub
	f.pages([]string{"1", "2"})

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status, "通知の失敗で同期を失敗させない")
	assert.Equal(t, []string{"1", "2"}, payloads.keys)
	assert.Equal(t, []bool{true, true}, pub.inserted)
	for _, a := range f.store.AllActivities() {
		assert.Equal(t, "mem://"+a.ExternalID, a.RawPayloadRef)
	}
}

func TestRunSync_PayloadFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.orch.Payloads = &mockPayloadStore{err: errors.New("bucket missing")}
	f.pages([]string{"1"})

	log := f.runSync(t)
	assert.Equal(t, model.SyncStatusCompleted, log.Status)
	assert.Empty(t, f.store.AllActivities()[0].RawPayloadRef)
}

// --- RetryPolicy ---

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt=%d", tt.attempt)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
