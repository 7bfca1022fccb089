package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/openidauth/internal/openid"
)

// PostgresNonceRepo はPostgreSQLを使用したレスポンスnonceのリポジトリ。
// openid.NonceStoreとしてリプレイ検出に使う。
type PostgresNonceRepo struct {
	db *sql.DB
}

// NewPostgresNonceRepo はPostgresNonceRepoを生成する。
func NewPostgresNonceRepo(db *sql.DB) *PostgresNonceRepo {
	return &PostgresNonceRepo{db: db}
}

// Accept はnonceを記録する。既に記録済みの場合はopenid.ErrNonceReusedを返す。
func (r *PostgresNonceRepo) Accept(ctx context.Context, serverURL, nonce string, issuedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO openid_nonces (server_url, nonce, issued_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (server_url, nonce) DO NOTHING`,
		serverURL, nonce, issuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store nonce: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return openid.ErrNonceReused
	}
	return nil
}

// DeleteIssuedBefore はbeforeより前に発行されたnonceを削除し、削除件数を返す。
func (r *PostgresNonceRepo) DeleteIssuedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM openid_nonces WHERE issued_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old nonces: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var (
	_ NonceRepository   = (*PostgresNonceRepo)(nil)
	_ openid.NonceStore = (*PostgresNonceRepo)(nil)
)
