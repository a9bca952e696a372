package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

// ChannelMappingRepository resolves the CRM channel registered for a chat account.
type ChannelMappingRepository interface {
	GetByProvider(ctx context.Context, providerChannelID string) (*domain.ChannelMapping, error)
	Upsert(ctx context.Context, mapping *domain.ChannelMapping) error
	Deactivate(ctx context.Context, providerChannelID string) error
	List(ctx context.Context) ([]domain.ChannelMapping, error)
}

type channelMappingRepository struct {
	pool *pgxpool.Pool
}

// NewChannelMappingRepository builds the repository.
func NewChannelMappingRepository(pool *pgxpool.Pool) ChannelMappingRepository {
	return &channelMappingRepository{pool: pool}
}

func (r *channelMappingRepository) GetByProvider(ctx context.Context, providerChannelID string) (*domain.ChannelMapping, error) {
	const query = `
        SELECT provider_channel_id, channel_id, active, created_at
        FROM channel_mappings WHERE provider_channel_id=$1`
	var mapping domain.ChannelMapping
	if err := r.pool.QueryRow(ctx, query, providerChannelID).Scan(
		&mapping.ProviderChannelID,
		&mapping.ChannelID,
		&mapping.Active,
		&mapping.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (r *channelMappingRepository) Upsert(ctx context.Context, mapping *domain.ChannelMapping) error {
	const query = `
        INSERT INTO channel_mappings (provider_channel_id, channel_id, active)
        VALUES ($1,$2,$3)
        ON CONFLICT (provider_channel_id) DO UPDATE SET channel_id=EXCLUDED.channel_id, active=EXCLUDED.active
        RETURNING created_at`
	return r.pool.QueryRow(ctx, query,
		mapping.ProviderChannelID,
		mapping.ChannelID,
		mapping.Active,
	).Scan(&mapping.CreatedAt)
}

func (r *channelMappingRepository) Deactivate(ctx context.Context, providerChannelID string) error {
	const query = `UPDATE channel_mappings SET active=FALSE WHERE provider_channel_id=$1`
	cmd, err := r.pool.Exec(ctx, query, providerChannelID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *channelMappingRepository) List(ctx context.Context) ([]domain.ChannelMapping, error) {
	const query = `
        SELECT provider_channel_id, channel_id, active, created_at
        FROM channel_mappings ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ChannelMapping
	for rows.Next() {
		var mapping domain.ChannelMapping
		if err := rows.Scan(
			&mapping.ProviderChannelID,
			&mapping.ChannelID,
			&mapping.Active,
			&mapping.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, mapping)
	}
	return result, rows.Err()
}
