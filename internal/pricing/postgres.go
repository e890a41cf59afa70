package pricing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource loads the price table from Postgres.
type PostgresSource struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ Source = (*PostgresSource)(nil)

func NewPostgresSource(pool *pgxpool.Pool, tablePrefix string) *PostgresSource {
	return &PostgresSource{pool: pool, tablePrefix: tablePrefix}
}

func (s *PostgresSource) table() string {
	return s.tablePrefix + "ai_pricing"
}

// EnsureSchema creates the pricing table if it does not exist.
func (s *PostgresSource) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider               TEXT NOT NULL,
			model                  TEXT NOT NULL,
			operation              TEXT NOT NULL,
			credits_per_unit       DOUBLE PRECISION NOT NULL,
			cost_usd_per_unit      DOUBLE PRECISION NOT NULL DEFAULT 0,
			resolution_multipliers JSONB,
			is_active              BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider, model, operation)
		)`, s.table()))
	if err != nil {
		return fmt.Errorf("pricing/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresSource) LoadPrices(ctx context.Context) ([]Price, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT provider, model, operation, credits_per_unit, cost_usd_per_unit, resolution_multipliers
		FROM %s
		WHERE is_active`, s.table()))
	if err != nil {
		return nil, fmt.Errorf("pricing/postgres: load: %w", err)
	}
	defer rows.Close()

	var prices []Price
	for rows.Next() {
		var (
			p     Price
			multi []byte
		)
		if err := rows.Scan(&p.Provider, &p.Model, &p.Operation, &p.CreditsPerUnit, &p.CostUSDPerUnit, &multi); err != nil {
			return nil, fmt.Errorf("pricing/postgres: scan: %w", err)
		}
		if len(multi) > 0 {
			if err := json.Unmarshal(multi, &p.ResolutionMultipliers); err != nil {
				return nil, fmt.Errorf("pricing/postgres: resolution multipliers for %s/%s: %w", p.Provider, p.Model, err)
			}
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pricing/postgres: rows: %w", err)
	}
	return prices, nil
}
