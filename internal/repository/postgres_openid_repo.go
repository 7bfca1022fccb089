package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/openidauth/internal/model"
)

// PostgresOpenIDRepo はPostgreSQLを使用したOpenID紐付けリポジトリ。
type PostgresOpenIDRepo struct {
	db *sql.DB
}

// NewPostgresOpenIDRepo はPostgresOpenIDRepoを生成する。
func NewPostgresOpenIDRepo(db *sql.DB) *PostgresOpenIDRepo {
	return &PostgresOpenIDRepo{db: db}
}

// FindByID は指定IDの紐付けを取得する。見つからない場合はnilを返す。
func (r *PostgresOpenIDRepo) FindByID(ctx context.Context, id string) (*model.UserOpenID, error) {
	uo := &model.UserOpenID{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, openid, created_at FROM user_openids WHERE id = $1`,
		id,
	).Scan(&uo.ID, &uo.UserID, &uo.OpenID, &uo.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user openid: %w", err)
	}
	return uo, nil
}

// ListUsersByOpenID はOpenIDに紐付いたユーザーを返す。
func (r *PostgresOpenIDRepo) ListUsersByOpenID(ctx context.Context, openid string) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.email, u.name, u.created_at, u.updated_at
		 FROM users u
		 INNER JOIN user_openids o ON o.user_id = u.id
		 WHERE o.openid = $1
		 ORDER BY u.created_at`,
		openid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users by openid: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// ListByUserID はユーザーに紐付いたOpenIDを作成日時順に返す。
func (r *PostgresOpenIDRepo) ListByUserID(ctx context.Context, userID string) ([]*model.UserOpenID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, openid, created_at
		 FROM user_openids
		 WHERE user_id = $1
		 ORDER BY created_at, openid`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list user openids: %w", err)
	}
	defer rows.Close()

	var result []*model.UserOpenID
	for rows.Next() {
		uo := &model.UserOpenID{}
		if err := rows.Scan(&uo.ID, &uo.UserID, &uo.OpenID, &uo.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user openid: %w", err)
		}
		result = append(result, uo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user openids: %w", err)
	}
	return result, nil
}

// CountByUserID はユーザーに紐付いたOpenIDの数を返す。
func (r *PostgresOpenIDRepo) CountByUserID(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM user_openids WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user openids: %w", err)
	}
	return count, nil
}

// Create は紐付けを作成する。OpenIDが既に紐付いている場合はErrDuplicateOpenIDを返す。
func (r *PostgresOpenIDRepo) Create(ctx context.Context, uo *model.UserOpenID) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_openids (id, user_id, openid, created_at)
		 VALUES ($1, $2, $3, $4)`,
		uo.ID, uo.UserID, uo.OpenID, uo.CreatedAt,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ErrDuplicateOpenID
		}
		return fmt.Errorf("failed to create user openid: %w", err)
	}
	return nil
}

// DeleteUnlessLast はユーザーの紐付けを1つ削除する。最後の1つは削除しない。
// ユーザー行をFOR UPDATEでロックし、同じユーザーへの解除を直列化する。
func (r *PostgresOpenIDRepo) DeleteUnlessLast(ctx context.Context, userID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lockedID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&lockedID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAssociationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM user_openids WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user openid: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if n == 0 {
		return ErrAssociationNotFound
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM user_openids WHERE user_id = $1`, userID,
	).Scan(&remaining); err != nil {
		return fmt.Errorf("failed to count user openids: %w", err)
	}
	if remaining == 0 {
		return ErrLastOpenID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OpenIDRepository = (*PostgresOpenIDRepo)(nil)
