package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

type pgProvider struct{ pool *pgxpool.Pool }

// NewPGProvider reads the catalog tables living in the same database as the orders.
func NewPGProvider(pool *pgxpool.Pool) Provider {
	return &pgProvider{pool: pool}
}

func (p *pgProvider) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

func (p *pgProvider) ComponentDefinition(ctx context.Context, componentID int64) (*ComponentDefinition, error) {
	var (
		def                        ComponentDefinition
		unit, method, area, sample *string
	)
	err := p.conn(ctx).QueryRow(ctx, `
		SELECT id, name, unit, reference_values, alert_min::float8, alert_max::float8,
			method_name, area_name, sample_type
		FROM lab_component WHERE id = $1`, componentID).
		Scan(&def.ID, &def.Name, &unit, &def.ReferenceValues, &def.AlertMin, &def.AlertMax,
			&method, &area, &sample)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("component %d: %w", componentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load component %d: %w", componentID, err)
	}
	def.Unit = strVal(unit)
	def.MethodName = strVal(method)
	def.AreaName = strVal(area)
	def.SampleType = strVal(sample)
	return &def, nil
}

func (p *pgProvider) AnalysisDefinition(ctx context.Context, analysisID int64) (*AnalysisDefinition, error) {
	var def AnalysisDefinition
	err := p.conn(ctx).QueryRow(ctx,
		`SELECT id, code, name FROM lab_analysis WHERE id = $1 AND active`, analysisID).
		Scan(&def.ID, &def.Code, &def.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("analysis %d: %w", analysisID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load analysis %d: %w", analysisID, err)
	}

	rows, err := p.conn(ctx).Query(ctx, `
		SELECT component_id FROM lab_analysis_component
		WHERE analysis_id = $1 ORDER BY position, component_id`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("load analysis %d components: %w", analysisID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		def.ComponentIDs = append(def.ComponentIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (p *pgProvider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
