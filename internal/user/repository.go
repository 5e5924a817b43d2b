// Package user 是示範用的資料來源：快取包住的「昂貴計算」就是這裡的資料庫查詢。
package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/koopa0/system-design/14-multi-level-cache/pkg/errors"
)

// User 使用者資料
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DBTX 是 Repository 需要的最小資料庫介面（*pgxpool.Pool 與 pgx.Tx 皆滿足）
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository 存取 users 表
type Repository struct {
	db DBTX
}

// NewRepository 建立使用者資料存取層
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// uniqueViolation 是 PostgreSQL 的 unique_violation 錯誤碼
const uniqueViolation = "23505"

// Get 依 ID 查詢使用者，不存在時返回 ErrNotFound
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, name, email, created_at, updated_at FROM users WHERE id = $1`, id)

	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// Create 新增使用者
func (r *Repository) Create(ctx context.Context, name, email string) (*User, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO users (id, name, email)
		VALUES ($1, $2, $3)
		RETURNING id, name, email, created_at, updated_at`,
		uuid.New(), name, email)

	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Update 更新使用者名稱與信箱
func (r *Repository) Update(ctx context.Context, id uuid.UUID, name, email string) (*User, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE users SET name = $2, email = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, email, created_at, updated_at`,
		id, name, email)

	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("update user %s: %w", id, err)
	}
	return u, nil
}

// Delete 刪除使用者，不存在時返回 ErrNotFound
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound.WithDetails("user " + id.String())
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "email already in use")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
