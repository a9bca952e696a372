package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

// OperatorRepository defines persistence access for admin operators.
type OperatorRepository interface {
	Create(ctx context.Context, operator *domain.Operator) error
	GetByID(ctx context.Context, id string) (*domain.Operator, error)
	GetByEmail(ctx context.Context, email string) (*domain.Operator, error)
}

type operatorRepository struct {
	pool *pgxpool.Pool
}

// NewOperatorRepository returns a Postgres-backed implementation.
func NewOperatorRepository(pool *pgxpool.Pool) OperatorRepository {
	return &operatorRepository{pool: pool}
}

func (r *operatorRepository) Create(ctx context.Context, operator *domain.Operator) error {
	const query = `
        INSERT INTO operators (email, password_hash, role, active)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at`

	return r.pool.QueryRow(ctx, query,
		operator.Email,
		operator.PasswordHash,
		string(operator.Role),
		operator.Active,
	).Scan(&operator.ID, &operator.CreatedAt)
}

func (r *operatorRepository) GetByID(ctx context.Context, id string) (*domain.Operator, error) {
	const query = `
        SELECT id, email, password_hash, role, active, created_at
        FROM operators WHERE id=$1`
	return r.scanOne(ctx, query, id)
}

func (r *operatorRepository) GetByEmail(ctx context.Context, email string) (*domain.Operator, error) {
	const query = `
        SELECT id, email, password_hash, role, active, created_at
        FROM operators WHERE email=$1`
	return r.scanOne(ctx, query, email)
}

func (r *operatorRepository) scanOne(ctx context.Context, query string, arg string) (*domain.Operator, error) {
	var (
		operator domain.Operator
		role     string
	)
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&operator.ID,
		&operator.Email,
		&operator.PasswordHash,
		&role,
		&operator.Active,
		&operator.CreatedAt,
	); err != nil {
		return nil, err
	}
	operator.Role = domain.OperatorRole(role)
	return &operator, nil
}
