// Package repotest はテスト用のインメモリリポジトリを提供する。
// PostgreSQL実装と同じ一意制約と状態遷移の規則を守る。
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/repository"
)

// Store は全リポジトリのインメモリ実装。
// 各メソッドは呼び出し元と値を共有しないようコピーを返す。
type Store struct {
	mu          sync.Mutex
	connections map[string]*model.Connection
	logs        map[string]*model.SyncLog
	activities  map[string]*model.NormalizedActivity
	states      map[string]*model.OAuthState

	// Now は時刻の取得に使う。nilの場合はtime.Now。
	Now func() time.Time
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		connections: make(map[string]*model.Connection),
		logs:        make(map[string]*model.SyncLog),
		activities:  make(map[string]*model.NormalizedActivity),
		states:      make(map[string]*model.OAuthState),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Connections はConnectionRepositoryとしてのビューを返す。
func (s *Store) Connections() repository.ConnectionRepository { return (*connRepo)(s) }

// SyncLogs はSyncLogRepositoryとしてのビューを返す。
func (s *Store) SyncLogs() repository.SyncLogRepository { return (*logRepo)(s) }

// Activities はActivityRepositoryとしてのビューを返す。
func (s *Store) Activities() repository.ActivityRepository { return (*activityRepo)(s) }

// States はOAuthStateRepositoryとしてのビューを返す。
func (s *Store) States() repository.OAuthStateRepository { return (*stateRepo)(s) }

// PutConnection は連携をそのまま保存する。テストの前提データ作成用。
func (s *Store) PutConnection(c *model.Connection) *model.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.connections[cp.ID] = &cp
	out := cp
	return &out
}

// AllActivities は保存済みアクティビティを外部ID順で返す。
func (s *Store) AllActivities() []model.NormalizedActivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.NormalizedActivity, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// AllSyncLogs は連携の全同期ログを開始時刻順で返す。
func (s *Store) AllSyncLogs(connectionID string) []model.SyncLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncLog
	for _, l := range s.logs {
		if l.ConnectionID == connectionID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PutState はstateをそのまま保存する。
func (s *Store) PutState(st *model.OAuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.states[st.State] = &cp
}

// StateCount は保存済みstateの件数を返す。
func (s *Store) StateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *Store) findConn(userID string, p model.Provider) *model.Connection {
	for _, c := range s.connections {
		if c.UserID == userID && c.Provider == p {
			return c
		}
	}
	return nil
}

func copyConn(c *model.Connection) *model.Connection {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func copyLog(l *model.SyncLog) *model.SyncLog {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

// --- ConnectionRepository ---

type connRepo Store

func (r *connRepo) Get(_ context.Context, userID string, p model.Provider) (*model.Connection, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyConn(s.findConn(userID, p)), nil
}

func (r *connRepo) GetByID(_ context.Context, id string) (*model.Connection, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyConn(s.connections[id]), nil
}

func (r *connRepo) Upsert(_ context.Context, userID string, p model.Provider, creds model.Credentials, status model.ConnectionStatus) (*model.Connection, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := s.findConn(userID, p)
	if c == nil {
		c = &model.Connection{ID: uuid.New().String(), UserID: userID, Provider: p, CreatedAt: now}
		s.connections[c.ID] = c
	}
	c.AccessToken = creds.AccessToken
	c.RefreshToken = creds.RefreshToken
	c.TokenExpiresAt = creds.ExpiresAt
	if creds.ProviderUserID != "" {
		c.ProviderUserID = creds.ProviderUserID
	}
	c.Status = status
	c.UpdatedAt = now
	return copyConn(c), nil
}

func (r *connRepo) MarkPendingAuth(_ context.Context, userID string, p model.Provider) (*model.Connection, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := s.findConn(userID, p)
	if c == nil {
		c = &model.Connection{ID: uuid.New().String(), UserID: userID, Provider: p, CreatedAt: now}
		s.connections[c.ID] = c
	}
	if c.Status != model.ConnectionStatusConnected {
		c.Status = model.ConnectionStatusPendingAuth
	}
	c.UpdatedAt = now
	return copyConn(c), nil
}

func (r *connRepo) UpdateCredentials(_ context.Context, id string, creds model.Credentials) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.connections[id]
	if c == nil || c.Status != model.ConnectionStatusConnected {
		return false, nil
	}
	c.AccessToken = creds.AccessToken
	c.RefreshToken = creds.RefreshToken
	c.TokenExpiresAt = creds.ExpiresAt
	c.UpdatedAt = s.now()
	return true, nil
}

func (r *connRepo) SetStatus(_ context.Context, id string, status model.ConnectionStatus) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.connections[id]; c != nil {
		c.Status = status
		c.UpdatedAt = s.now()
	}
	return nil
}

func (r *connRepo) AdvanceLastSync(_ context.Context, id string, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.connections[id]
	if c == nil {
		return nil
	}
	if c.LastSyncAt == nil || at.After(*c.LastSyncAt) {
		t := at
		c.LastSyncAt = &t
	}
	return nil
}

func (r *connRepo) Remove(_ context.Context, userID string, p model.Provider) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findConn(userID, p)
	if c == nil {
		return nil
	}
	for id, l := range s.logs {
		if l.ConnectionID == c.ID {
			delete(s.logs, id)
		}
	}
	delete(s.connections, c.ID)
	return nil
}

func (r *connRepo) ListExpiring(_ context.Context, before time.Time, limit int) ([]*model.Connection, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Connection
	for _, c := range s.connections {
		if c.Status == model.ConnectionStatusConnected && c.RefreshToken != "" &&
			c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(before) {
			out = append(out, copyConn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(*out[j].TokenExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *connRepo) ListDueForSync(_ context.Context, syncedBefore time.Time, limit int) ([]*model.Connection, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	running := make(map[string]bool)
	for _, l := range s.logs {
		if l.Status == model.SyncStatusRunning {
			running[l.ConnectionID] = true
		}
	}
	var out []*model.Connection
	for _, c := range s.connections {
		if c.Status != model.ConnectionStatusConnected || running[c.ID] {
			continue
		}
		if c.LastSyncAt == nil || c.LastSyncAt.Before(syncedBefore) {
			out = append(out, copyConn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- SyncLogRepository ---

type logRepo Store

func (r *logRepo) CreateRunning(_ context.Context, connectionID string, startedAt time.Time) (*model.SyncLog, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[connectionID]; !ok {
		return nil, false, fmt.Errorf("connection %s not found", connectionID)
	}
	for _, l := range s.logs {
		if l.ConnectionID == connectionID && l.Status == model.SyncStatusRunning {
			return copyLog(l), false, nil
		}
	}
	l := &model.SyncLog{
		ID:           uuid.New().String(),
		ConnectionID: connectionID,
		Status:       model.SyncStatusRunning,
		StartedAt:    startedAt,
	}
	s.logs[l.ID] = l
	return copyLog(l), true, nil
}

func (r *logRepo) FindByID(_ context.Context, id string) (*model.SyncLog, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLog(s.logs[id]), nil
}

func (r *logRepo) FindRunning(_ context.Context, connectionID string) (*model.SyncLog, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.ConnectionID == connectionID && l.Status == model.SyncStatusRunning {
			return copyLog(l), nil
		}
	}
	return nil, nil
}

func (r *logRepo) Finish(_ context.Context, id string, status model.SyncStatus, importedCount int, errorDetail string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !utf8.ValidString(errorDetail) {
		// PostgreSQLのTEXTと同じく不正なUTF-8は拒否する
		return fmt.Errorf("invalid byte sequence for encoding UTF8")
	}
	l := s.logs[id]
	if l == nil || l.Status != model.SyncStatusRunning {
		return nil
	}
	now := s.now()
	l.Status = status
	l.ImportedCount = importedCount
	l.ErrorDetail = errorDetail
	l.FinishedAt = &now
	return nil
}

func (r *logRepo) ListRecent(_ context.Context, connectionID string, limit int) ([]*model.SyncLog, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncLog
	for _, l := range s.logs {
		if l.ConnectionID == connectionID {
			out = append(out, copyLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ActivityRepository ---

type activityRepo Store

func activityKey(a *model.NormalizedActivity) string {
	return a.UserID + "|" + string(a.Provider) + "|" + a.ExternalID
}

func (r *activityRepo) Upsert(_ context.Context, a *model.NormalizedActivity) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := activityKey(a)
	now := s.now()
	if existing, ok := s.activities[key]; ok {
		cp := *a
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		cp.UpdatedAt = now
		if cp.RawPayloadRef == "" {
			cp.RawPayloadRef = existing.RawPayloadRef
		}
		s.activities[key] = &cp
		a.ID = cp.ID
		return false, nil
	}
	cp := *a
	cp.ID = uuid.New().String()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.activities[key] = &cp
	a.ID = cp.ID
	return true, nil
}

func (r *activityRepo) CountByUser(_ context.Context, userID string, p model.Provider) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.activities {
		if a.UserID == userID && a.Provider == p {
			n++
		}
	}
	return n, nil
}

// --- OAuthStateRepository ---

type stateRepo Store

func (r *stateRepo) Save(_ context.Context, st *model.OAuthState) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.State]; ok {
		return fmt.Errorf("duplicate state")
	}
	cp := *st
	s.states[st.State] = &cp
	return nil
}

func (r *stateRepo) Consume(_ context.Context, state string, p model.Provider) (*model.OAuthState, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[state]
	if !ok || st.Provider != p {
		return nil, nil
	}
	delete(s.states, state)
	cp := *st
	return &cp, nil
}
