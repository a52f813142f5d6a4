package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/fitsync/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// Upsert は (user_id, provider, external_id) をキーにアクティビティを作成または更新する。
// 既存行は可変項目（名前・距離・時間など）のみ更新し、IDと作成日時は維持する。
// xmax = 0 は今回のINSERTで作られた行であることを示す。
func (r *PostgresActivityRepo) Upsert(ctx context.Context, a *model.NormalizedActivity) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	var avgHR sql.NullFloat64
	if a.AverageHeartRate != nil {
		avgHR = sql.NullFloat64{Float64: *a.AverageHeartRate, Valid: true}
	}

	var inserted bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO activities (id, user_id, provider, external_id, name, activity_type,
		                         start_time, duration_seconds, distance_meters, elevation_gain_m,
		                         average_heart_rate, raw_payload_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		 ON CONFLICT (user_id, provider, external_id) DO UPDATE SET
		    name = EXCLUDED.name,
		    activity_type = EXCLUDED.activity_type,
		    start_time = EXCLUDED.start_time,
		    duration_seconds = EXCLUDED.duration_seconds,
		    distance_meters = EXCLUDED.distance_meters,
		    elevation_gain_m = EXCLUDED.elevation_gain_m,
		    average_heart_rate = EXCLUDED.average_heart_rate,
		    raw_payload_ref = COALESCE(EXCLUDED.raw_payload_ref, activities.raw_payload_ref),
		    updated_at = now()
		 RETURNING id, (xmax = 0)`,
		a.ID, a.UserID, string(a.Provider), a.ExternalID, a.Name, string(a.Type),
		a.StartTime, int64(a.Duration.Seconds()), a.DistanceMeters, a.ElevationGainM,
		avgHR, nullString(a.RawPayloadRef),
	).Scan(&a.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("アクティビティのアップサートに失敗しました: %w", err)
	}
	return inserted, nil
}

// CountByUser はユーザーとプロバイダーのアクティビティ数を返す。
func (r *PostgresActivityRepo) CountByUser(ctx context.Context, userID string, provider model.Provider) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM activities WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("アクティビティ数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
