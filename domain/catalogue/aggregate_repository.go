package catalogue

import (
	"context"
	"database/sql"
)

// PostgresAggregateRepository implements AggregateRepository over the
// offers, service_aggregates, and country_aggregates tables. Each refresh is
// a single SQL-level GROUP BY pass rather than an application-level fold, so
// the aggregate always reflects exactly one consistent snapshot of
// provider_pricing.
type PostgresAggregateRepository struct {
	db *sql.DB
}

// NewPostgresAggregateRepository constructs a Postgres-backed aggregate
// repository.
func NewPostgresAggregateRepository(db *sql.DB) *PostgresAggregateRepository {
	return &PostgresAggregateRepository{db: db}
}

// RefreshServiceAggregates recomputes one row per service across every
// provider and country, from non-deleted, positive-stock pricing rows.
func (r *PostgresAggregateRepository) RefreshServiceAggregates(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `TRUNCATE TABLE service_aggregates`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO service_aggregates (service_slug, service_name, icon_url, lowest_price,
			total_stock, country_count, provider_count, updated_at)
		SELECT
			ps.code,
			min(ps.canonical_name),
			min(ps.icon_url),
			min(pp.sell_price),
			sum(pp.stock),
			count(DISTINCT pp.country_code),
			count(DISTINCT pp.provider_id),
			now()
		FROM provider_pricing pp
		JOIN provider_services ps ON ps.provider_id = pp.provider_id AND ps.code = pp.service_code
		WHERE NOT pp.deleted AND pp.stock > 0
		GROUP BY ps.code
	`)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RefreshCountryAggregates recomputes one row per (service, country) pair.
func (r *PostgresAggregateRepository) RefreshCountryAggregates(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `TRUNCATE TABLE country_aggregates`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO country_aggregates (service_slug, country_code, country_name, flag_url,
			lowest_price, total_stock, provider_count, updated_at)
		SELECT
			pp.service_code,
			pp.country_code,
			min(pc.canonical_name),
			min(pc.flag_url),
			min(pp.sell_price),
			sum(pp.stock),
			count(DISTINCT pp.provider_id),
			now()
		FROM provider_pricing pp
		JOIN provider_countries pc ON pc.provider_id = pp.provider_id AND pc.code = pp.country_code
		WHERE NOT pp.deleted AND pp.stock > 0
		GROUP BY pp.service_code, pp.country_code
	`)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// PruneDisabledProviderOffers deletes pricing rows belonging to providers
// that are no longer active, so a deactivated provider's stale stock never
// resurfaces in search.
func (r *PostgresAggregateRepository) PruneDisabledProviderOffers(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM provider_pricing
		WHERE provider_id IN (SELECT id FROM providers WHERE NOT active)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneOrphanedIconAssets deletes service_icon rows no longer referenced by
// any provider_services row.
func (r *PostgresAggregateRepository) PruneOrphanedIconAssets(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM service_icons si
		WHERE NOT EXISTS (
			SELECT 1 FROM provider_services ps WHERE ps.icon_url = si.url
		)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
