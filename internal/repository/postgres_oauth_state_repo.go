package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/fitsync/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用したOAuth stateリポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Save はstateを保存する。
func (r *PostgresOAuthStateRepo) Save(ctx context.Context, s *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, user_id, provider, code_verifier, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.State, s.UserID, string(s.Provider), nullString(s.CodeVerifier), s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("stateの保存に失敗しました: %w", err)
	}
	return nil
}

// Consume はプロバイダーが一致するstateを取得して削除する。見つからない場合はnilを返す。
// DELETE ... RETURNING により同じstateは1回しか消費できない。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, state string, p model.Provider) (*model.OAuthState, error) {
	s := &model.OAuthState{}
	var provider string
	var verifier sql.NullString

	err := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = $1 AND provider = $2
		 RETURNING state, user_id, provider, code_verifier, expires_at, created_at`,
		state, string(p),
	).Scan(&s.State, &s.UserID, &provider, &verifier, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stateの消費に失敗しました: %w", err)
	}

	s.Provider = model.Provider(provider)
	s.CodeVerifier = nullStringValue(verifier)
	return s, nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
