package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

// CompanyConfigRepository persists per-company integration settings.
type CompanyConfigRepository interface {
	Get(ctx context.Context, companyID string) (*domain.CompanyConfig, error)
	Upsert(ctx context.Context, cfg *domain.CompanyConfig) error
}

type companyConfigRepository struct {
	pool *pgxpool.Pool
}

// NewCompanyConfigRepository returns a Postgres-backed implementation.
func NewCompanyConfigRepository(pool *pgxpool.Pool) CompanyConfigRepository {
	return &companyConfigRepository{pool: pool}
}

func (r *companyConfigRepository) Get(ctx context.Context, companyID string) (*domain.CompanyConfig, error) {
	const query = `
        SELECT company_id, enabled, default_mode, crm_domain, field_keys, updated_at
        FROM company_configs WHERE company_id=$1`

	var (
		cfg  domain.CompanyConfig
		mode string
	)
	if err := r.pool.QueryRow(ctx, query, companyID).Scan(
		&cfg.CompanyID,
		&cfg.Enabled,
		&mode,
		&cfg.CRMDomain,
		&cfg.FieldKeys,
		&cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg.DefaultMode = domain.ParseSyncMode(mode)
	if cfg.FieldKeys == nil {
		cfg.FieldKeys = map[string]string{}
	}
	return &cfg, nil
}

func (r *companyConfigRepository) Upsert(ctx context.Context, cfg *domain.CompanyConfig) error {
	const query = `
        INSERT INTO company_configs (company_id, enabled, default_mode, crm_domain, field_keys)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (company_id) DO UPDATE SET
            enabled=EXCLUDED.enabled,
            default_mode=EXCLUDED.default_mode,
            crm_domain=EXCLUDED.crm_domain,
            field_keys=EXCLUDED.field_keys,
            updated_at=NOW()
        RETURNING updated_at`

	fieldKeys := cfg.FieldKeys
	if fieldKeys == nil {
		fieldKeys = map[string]string{}
	}
	return r.pool.QueryRow(ctx, query,
		cfg.CompanyID,
		cfg.Enabled,
		string(cfg.DefaultMode),
		cfg.CRMDomain,
		fieldKeys,
	).Scan(&cfg.UpdatedAt)
}
