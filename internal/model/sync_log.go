package model

import "time"

// SyncStatus は同期実行の状態を表す。
type SyncStatus string

const (
	// SyncStatusRunning は実行中。1連携につき同時に1件のみ存在する。
	SyncStatusRunning SyncStatus = "running"
	// SyncStatusCompleted は正常終了。
	SyncStatusCompleted SyncStatus = "completed"
	// SyncStatusFailed は失敗またはキャンセル。
	SyncStatusFailed SyncStatus = "failed"
)

// 失敗理由として記録される定型文字列。
const (
	SyncReasonCancelled = "Cancelled"
	SyncReasonAbandoned = "Abandoned"
)

// SyncLog は1回の同期実行の記録を表す。追記専用。
type SyncLog struct {
	ID            string
	ConnectionID  string
	Status        SyncStatus
	ImportedCount int
	ErrorDetail   string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// IsTerminal は同期実行が終了済みかを返す。
func (l *SyncLog) IsTerminal() bool {
	return l.Status == SyncStatusCompleted || l.Status == SyncStatusFailed
}
