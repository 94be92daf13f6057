package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/isp-console/internal/domain"
)

// AccountRepository defines persistence access for console operators.
type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
}

type accountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository returns a Postgres-backed implementation.
func NewAccountRepository(pool *pgxpool.Pool) AccountRepository {
	return &accountRepository{pool: pool}
}

const accountColumns = `id, email, display_name, password_hash, role, status, email_confirmed_at, created_at, updated_at`

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	const query = `
        INSERT INTO admin_accounts (email, display_name, password_hash, role, status, email_confirmed_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		normalizeEmail(account.Email),
		account.DisplayName,
		account.PasswordHash,
		account.Role,
		account.Status,
		account.EmailConfirmedAt,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
}

func (r *accountRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const query = `UPDATE admin_accounts SET password_hash=$1, updated_at=NOW() WHERE id=$2`

	cmd, err := r.pool.Exec(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM admin_accounts WHERE id=$1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM admin_accounts WHERE email=$1`
	return scanAccount(r.pool.QueryRow(ctx, query, normalizeEmail(email)))
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	if err := row.Scan(
		&account.ID,
		&account.Email,
		&account.DisplayName,
		&account.PasswordHash,
		&account.Role,
		&account.Status,
		&account.EmailConfirmedAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
