package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/isp-console/internal/domain"
)

// SessionAuditRepository stores the sign-in trail of console operators.
type SessionAuditRepository interface {
	Create(ctx context.Context, entry *domain.SessionAuditEntry) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]domain.SessionAuditEntry, error)
}

type sessionAuditRepository struct {
	pool *pgxpool.Pool
}

// NewSessionAuditRepository builds repository.
func NewSessionAuditRepository(pool *pgxpool.Pool) SessionAuditRepository {
	return &sessionAuditRepository{pool: pool}
}

// Create is a no-op for an event id that was already recorded.
func (r *sessionAuditRepository) Create(ctx context.Context, entry *domain.SessionAuditEntry) error {
	const query = `
        INSERT INTO admin_session_audit (event_id, account_id, session_id, kind, origin, occurred_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (event_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query,
		entry.EventID,
		entry.AccountID,
		entry.SessionID,
		entry.Kind,
		entry.Origin,
		entry.OccurredAt,
	)
	return err
}

func (r *sessionAuditRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]domain.SessionAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
        SELECT id, event_id, account_id, session_id, kind, origin, occurred_at, recorded_at
        FROM admin_session_audit WHERE account_id=$1 ORDER BY occurred_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.SessionAuditEntry
	for rows.Next() {
		var entry domain.SessionAuditEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.EventID,
			&entry.AccountID,
			&entry.SessionID,
			&entry.Kind,
			&entry.Origin,
			&entry.OccurredAt,
			&entry.RecordedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
