package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"report-evaluation-pipeline/reports/internal/models"
)

type IndicatorsRepo struct {
	pool *pgxpool.Pool
}

func NewIndicatorsRepo(pool *pgxpool.Pool) *IndicatorsRepo {
	return &IndicatorsRepo{pool: pool}
}

func (r *IndicatorsRepo) FindAllActive(ctx context.Context) ([]models.Indicator, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, key, title, threshold_min, threshold_max, kind, active
		FROM indicators
		WHERE active
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Indicator
	for rows.Next() {
		var ind models.Indicator
		if err := rows.Scan(&ind.ID, &ind.Key, &ind.Title, &ind.ThresholdMin, &ind.ThresholdMax, &ind.Kind, &ind.Active); err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}
