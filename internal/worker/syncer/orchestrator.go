// Package syncer はプロバイダーからのアクティビティ同期処理を提供する。
// 連携ごとに同時に1つだけ実行される同期と、定期的な自動同期のスケジューラを含む。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/repository"
)

const (
	// maxErrorDetail は同期ログに記録するエラー詳細の最大バイト数。
	maxErrorDetail = 1000
	// finishAttempts は同期ログを終了状態にする試行回数。
	finishAttempts = 4
)

// AdapterSource はプロバイダーのアダプターを解決する。
type AdapterSource interface {
	Get(p model.Provider) (provider.Adapter, error)
}

// TokenRefresher はトークンのリフレッシュを行う。
type TokenRefresher interface {
	Refresh(ctx context.Context, conn *model.Connection) (*model.Connection, error)
	EnsureFresh(ctx context.Context, conn *model.Connection, window time.Duration) (*model.Connection, error)
}

// PayloadStore はプロバイダーの生データを保存し、参照文字列を返す。
type PayloadStore interface {
	Put(ctx context.Context, activity *model.NormalizedActivity, payload []byte) (string, error)
}

// Publisher はアクティビティの取り込みを通知する。
type Publisher interface {
	PublishActivityImported(ctx context.Context, activity *model.NormalizedActivity, inserted bool) error
}

// Observer は同期結果を観測する。
type Observer interface {
	ObserveSync(p model.Provider, status model.SyncStatus, imported int, duration time.Duration)
	ObserveRetry(p model.Provider)
}

// ErrorReporter はエラーを外部に報告する。
type ErrorReporter interface {
	CaptureError(err error, tags map[string]string)
}

// Config は同期処理の設定。
type Config struct {
	Retry RetryPolicy
	// FirstLookback は初回同期で遡る期間。
	FirstLookback time.Duration
	// TokenLookahead は同期開始時にこの時間以内に期限切れとなるトークンを先にリフレッシュする。
	TokenLookahead time.Duration
	// PollInterval は他インスタンスで実行中の同期の完了を待つ際の確認間隔。
	PollInterval time.Duration
}

// Deps はOrchestratorの依存関係。Payloads以降はnilでもよい。
type Deps struct {
	Adapters   AdapterSource
	Conns      repository.ConnectionRepository
	Logs       repository.SyncLogRepository
	Activities repository.ActivityRepository
	Refresher  TokenRefresher
	Payloads   PayloadStore
	Publisher  Publisher
	Observer   Observer
	Reporter   ErrorReporter
	Logger     *slog.Logger
}

// run はこのインスタンスで実行中の1回の同期。
type run struct {
	ready  chan struct{} // logまたはerrが確定したら閉じる
	done   chan struct{} // 同期が終了したら閉じる
	log    *model.SyncLog
	err    error
	final  *model.SyncLog
	cancel context.CancelFunc
}

// Orchestrator は連携ごとの同期を実行する。
// 同じ連携の同期はこのインスタンス内ではrunsで、インスタンス間ではrunningログの一意制約で1つに制限される。
type Orchestrator struct {
	Deps
	config Config

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run // connection ID -> 実行中の同期
	wg   sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(deps Deps, config Config) *Orchestrator {
	if config.Retry.InitialBackoff <= 0 && config.Retry.MaxBackoff <= 0 && config.Retry.MaxRetries == 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.FirstLookback <= 0 {
		config.FirstLookback = 30 * 24 * time.Hour
	}
	if config.TokenLookahead <= 0 {
		config.TokenLookahead = 5 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Deps:       deps,
		config:     config,
		baseCtx:    ctx,
		cancelBase: cancel,
		runs:       make(map[string]*run),
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Start は同期を開始し、runningの同期ログをすぐに返す。
// 既に同じ連携の同期が実行中であれば、新たに開始せずその同期ログを返す。
// 連携が存在しないかconnectedでない場合はNotConnectedErrorを返す。
func (o *Orchestrator) Start(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error) {
	conn, err := o.Conns.Get(ctx, userID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if conn == nil {
		return nil, &model.NotConnectedError{UserID: userID, Provider: p}
	}
	if conn.Status != model.ConnectionStatusConnected {
		return nil, &model.NotConnectedError{UserID: userID, Provider: p, Status: conn.Status}
	}
	if _, err := o.Adapters.Get(p); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if r, ok := o.runs[conn.ID]; ok {
		o.mu.Unlock()
		return o.awaitReady(ctx, r)
	}
	r := &run{ready: make(chan struct{}), done: make(chan struct{})}
	o.runs[conn.ID] = r
	o.mu.Unlock()

	log, created, err := o.Logs.CreateRunning(ctx, conn.ID, o.now().UTC())
	if err == nil && !created && log == nil {
		// 既存のrunningログが確認前に終了した
		err = errors.New("running sync finished concurrently; retry")
	}
	if err != nil || !created {
		// 他インスタンスで実行中の場合は既存のログを返す
		r.log, r.err = log, err
		if err != nil {
			r.err = fmt.Errorf("failed to create sync log: %w", err)
		}
		o.release(conn.ID, r)
		close(r.ready)
		close(r.done)
		if r.err == nil {
			o.Logger.Info("他のインスタンスで同期が実行中です",
				slog.String("connection_id", conn.ID),
				slog.String("sync_log_id", log.ID),
			)
		}
		return r.log, r.err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	r.log, r.cancel = log, cancel
	close(r.ready)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		r.final = o.execute(runCtx, conn, log)
		o.release(conn.ID, r)
		close(r.done)
	}()

	o.Logger.Info("同期を開始しました",
		slog.String("connection_id", conn.ID),
		slog.String("user_id", userID),
		slog.String("provider", string(p)),
		slog.String("sync_log_id", log.ID),
	)
	return log, nil
}

func (o *Orchestrator) awaitReady(ctx context.Context, r *run) (*model.SyncLog, error) {
	select {
	case <-r.ready:
		return r.log, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) release(connectionID string, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[connectionID] == r {
		delete(o.runs, connectionID)
	}
}

// RunSync は同期を開始して終了まで待ち、終了後の同期ログを返す。
// 実行中の同期がある場合はその終了を待つ。
func (o *Orchestrator) RunSync(ctx context.Context, userID string, p model.Provider) (*model.SyncLog, error) {
	log, err := o.Start(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return o.Wait(ctx, log)
}

// Wait は同期ログが終了状態になるまで待つ。
// このインスタンスの同期であれば終了通知を、他インスタンスの同期であればログを定期的に確認する。
func (o *Orchestrator) Wait(ctx context.Context, log *model.SyncLog) (*model.SyncLog, error) {
	if log.IsTerminal() {
		return log, nil
	}

	o.mu.Lock()
	r, local := o.runs[log.ConnectionID]
	o.mu.Unlock()
	if local {
		select {
		case <-r.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.log != nil && r.log.ID == log.ID {
			select {
			case <-r.done:
				if r.final != nil {
					return r.final, nil
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	for {
		current, err := o.Logs.FindByID(ctx, log.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to find sync log: %w", err)
		}
		if current == nil {
			return nil, fmt.Errorf("sync log %s not found", log.ID)
		}
		if current.IsTerminal() {
			return current, nil
		}
		if err := o.sleep(ctx, o.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// Cancel は連携の実行中の同期にキャンセルを通知する。
// このインスタンスで実行中の同期があればtrueを返す。
func (o *Orchestrator) Cancel(connectionID string) bool {
	o.mu.Lock()
	r, ok := o.runs[connectionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	<-r.ready
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Shutdown は全ての同期にキャンセルを通知し、終了を待つ。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelBase()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute は1回の同期を実行して同期ログを終了状態にし、終了後のログを返す。
func (o *Orchestrator) execute(ctx context.Context, conn *model.Connection, log *model.SyncLog) *model.SyncLog {
	start := time.Now()
	imported, err := o.importActivities(ctx, conn, log.StartedAt)

	status := model.SyncStatusCompleted
	detail := ""
	switch {
	case err == nil:
	case isCancellation(err) || ctx.Err() != nil:
		// ページ処理中のキャンセルはドライバーのエラーとして返ることがある
		status = model.SyncStatusFailed
		detail = model.SyncReasonCancelled
	default:
		status = model.SyncStatusFailed
		detail = model.TruncateText(err.Error(), maxErrorDetail)
	}

	// キャンセル済みでも結果は記録する
	finishCtx := context.WithoutCancel(ctx)
	if status == model.SyncStatusCompleted {
		if advErr := o.Conns.AdvanceLastSync(finishCtx, conn.ID, log.StartedAt); advErr != nil {
			o.Logger.Error("最終同期時刻の更新に失敗しました",
				slog.String("connection_id", conn.ID),
				slog.String("error", advErr.Error()),
			)
		}
	}
	if finErr := o.finish(finishCtx, log.ID, status, imported, detail); finErr != nil {
		o.Logger.Error("同期ログの更新に失敗しました",
			slog.String("sync_log_id", log.ID),
			slog.String("error", finErr.Error()),
		)
		if o.Reporter != nil {
			o.Reporter.CaptureError(finErr, map[string]string{
				"component": "sync",
				"provider":  string(conn.Provider),
			})
		}
	}

	duration := time.Since(start)
	if o.Observer != nil {
		o.Observer.ObserveSync(conn.Provider, status, imported, duration)
	}

	attrs := []any{
		slog.String("connection_id", conn.ID),
		slog.String("provider", string(conn.Provider)),
		slog.String("sync_log_id", log.ID),
		slog.Int("imported_count", imported),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	switch {
	case status == model.SyncStatusCompleted:
		o.Logger.Info("同期が完了しました", attrs...)
	case detail == model.SyncReasonCancelled:
		o.Logger.Info("同期がキャンセルされました", attrs...)
	default:
		o.Logger.Error("同期に失敗しました", append(attrs, slog.String("error", err.Error()))...)
		if o.Reporter != nil {
			o.Reporter.CaptureError(err, map[string]string{
				"component": "sync",
				"provider":  string(conn.Provider),
			})
		}
	}

	now := o.now().UTC()
	final := *log
	final.Status = status
	final.ImportedCount = imported
	final.ErrorDetail = detail
	final.FinishedAt = &now
	return &final
}

// finish は同期ログを終了状態にする。失敗した場合はバックオフしながらfinishAttempts回まで試みる。
func (o *Orchestrator) finish(ctx context.Context, id string, status model.SyncStatus, imported int, detail string) error {
	var err error
	for attempt := 0; attempt < finishAttempts; attempt++ {
		if attempt > 0 {
			delay := o.config.Retry.Backoff(attempt - 1)
			o.Logger.Warn("同期ログの更新を再試行します",
				slog.String("sync_log_id", id),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			if serr := o.sleep(ctx, delay); serr != nil {
				return err
			}
		}
		if err = o.Logs.Finish(ctx, id, status, imported, detail); err == nil {
			return nil
		}
	}
	return err
}

// importActivities はsince以降のアクティビティを全ページ取り込み、新規に作成した件数を返す。
// 失敗した場合もそれまでに取り込んだアクティビティは残す。
func (o *Orchestrator) importActivities(ctx context.Context, conn *model.Connection, runStart time.Time) (int, error) {
	adapter, err := o.Adapters.Get(conn.Provider)
	if err != nil {
		return 0, err
	}

	if o.Refresher != nil {
		conn, err = o.Refresher.EnsureFresh(ctx, conn, o.config.TokenLookahead)
		if err != nil {
			return 0, err
		}
	}

	since := runStart.Add(-o.config.FirstLookback)
	if conn.LastSyncAt != nil {
		since = *conn.LastSyncAt
	}

	pager := adapter.ListActivitiesSince(conn.AccessToken, since)
	imported := 0
	for {
		if err := o.checkCancelled(ctx, conn.ID); err != nil {
			return imported, err
		}

		items, err := o.nextPage(ctx, pager, &conn)
		if errors.Is(err, provider.ErrNoMorePages) {
			return imported, nil
		}
		if err != nil {
			return imported, err
		}

		for _, item := range items {
			inserted, err := o.store(ctx, adapter, conn, item)
			if err != nil {
				return imported, err
			}
			if inserted {
				imported++
			}
		}
	}
}

// checkCancelled はキャンセル通知と、連携が解除またはerrorになっていないかを確認する。
// 他インスタンスでの連携解除はここで検知する。
func (o *Orchestrator) checkCancelled(ctx context.Context, connectionID string) error {
	if ctx.Err() != nil {
		return model.ErrCancelled
	}
	current, err := o.Conns.GetByID(ctx, connectionID)
	if err != nil {
		if ctx.Err() != nil {
			return model.ErrCancelled
		}
		return fmt.Errorf("failed to get connection: %w", err)
	}
	if current == nil || current.Status != model.ConnectionStatusConnected {
		return model.ErrCancelled
	}
	return nil
}

// nextPage は1ページを取得する。一時的エラーはバックオフしながら同じページを再試行し、
// 認証エラーはトークンをリフレッシュして1回だけ再試行する。
func (o *Orchestrator) nextPage(ctx context.Context, pager *provider.ActivityPager, conn **model.Connection) ([]model.ProviderActivity, error) {
	refreshed := false
	attempt := 0
	for {
		items, err := pager.Next(ctx)
		if err == nil || errors.Is(err, provider.ErrNoMorePages) {
			return items, err
		}
		if ctx.Err() != nil {
			return nil, model.ErrCancelled
		}

		switch {
		case model.IsAuthError(err) && !refreshed && o.Refresher != nil:
			refreshed = true
			updated, rerr := o.Refresher.Refresh(ctx, *conn)
			if rerr != nil {
				return nil, rerr
			}
			*conn = updated
			pager.SetAccessToken(updated.AccessToken)

		case model.IsTransient(err) && attempt < o.config.Retry.MaxRetries:
			delay := o.config.Retry.Backoff(attempt)
			attempt++
			o.Logger.Warn("一時的なエラーのためページ取得を再試行します",
				slog.String("connection_id", (*conn).ID),
				slog.String("provider", string((*conn).Provider)),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			if o.Observer != nil {
				o.Observer.ObserveRetry((*conn).Provider)
			}
			if err := o.sleep(ctx, delay); err != nil {
				return nil, model.ErrCancelled
			}

		default:
			return nil, err
		}
	}
}

// store は1件のアクティビティを正規化して保存する。生データの保存と通知は失敗しても同期を止めない。
func (o *Orchestrator) store(ctx context.Context, adapter provider.Adapter, conn *model.Connection, item model.ProviderActivity) (bool, error) {
	activity := adapter.Normalize(conn.UserID, item)
	activity.UserID = conn.UserID
	activity.Provider = conn.Provider

	if o.Payloads != nil && len(item.Payload) > 0 {
		ref, err := o.Payloads.Put(ctx, &activity, item.Payload)
		if err != nil {
			o.Logger.Warn("生データの保存に失敗しました",
				slog.String("provider", string(conn.Provider)),
				slog.String("external_id", activity.ExternalID),
				slog.String("error", err.Error()),
			)
		} else {
			activity.RawPayloadRef = ref
		}
	}

	inserted, err := o.Activities.Upsert(ctx, &activity)
	if err != nil {
		return false, fmt.Errorf("failed to upsert activity %s: %w", activity.ExternalID, err)
	}

	if o.Publisher != nil {
		if err := o.Publisher.PublishActivityImported(ctx, &activity, inserted); err != nil {
			o.Logger.Warn("取り込みイベントの送信に失敗しました",
				slog.String("activity_id", activity.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return inserted, nil
}

// isCancellation は同期が連携解除やシャットダウンで中断されたかを返す。
func isCancellation(err error) bool {
	var notConnected *model.NotConnectedError
	return errors.Is(err, model.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &notConnected)
}

