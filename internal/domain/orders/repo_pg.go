package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labflow/labflow/internal/platform/db"
)

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const orderCols = `id, attention_number, state, patient_ref, site_ref, agreement_ref,
	registered_at, registered_by, results_at, results_by, approved_at, approved_by,
	printed_at, printed_by, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.AttentionNumber, &o.State, &o.PatientRef, &o.SiteRef, &o.AgreementRef,
		&o.RegisteredAt, &o.RegisteredBy, &o.ResultsAt, &o.ResultsBy, &o.ApprovedAt, &o.ApprovedBy,
		&o.PrintedAt, &o.PrintedBy, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) CreateOrder(ctx context.Context, o *Order, analyses []*OrderAnalysis) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)
		err := c.QueryRow(ctx, `
			INSERT INTO lab_order (state, patient_ref, site_ref, agreement_ref, registered_at, registered_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, attention_number, created_at, updated_at`,
			o.State, o.PatientRef, o.SiteRef, o.AgreementRef, o.RegisteredAt, o.RegisteredBy,
		).Scan(&o.ID, &o.AttentionNumber, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, a := range analyses {
			a.OrderID = o.ID
			if err := c.QueryRow(ctx, `
				INSERT INTO lab_order_analysis (order_id, analysis_id, analysis_name, price)
				VALUES ($1, $2, $3, $4) RETURNING id`,
				a.OrderID, a.AnalysisID, a.AnalysisName, a.Price,
			).Scan(&a.ID); err != nil {
				return fmt.Errorf("insert order analysis %d: %w", a.AnalysisID, err)
			}
			for pos, cid := range a.ComponentIDs {
				if _, err := c.Exec(ctx, `
					INSERT INTO lab_order_analysis_component (order_analysis_id, component_id, position)
					VALUES ($1, $2, $3)`, a.ID, cid, pos); err != nil {
					return fmt.Errorf("freeze component %d: %w", cid, err)
				}
			}
		}

		t := &Transition{OrderID: o.ID, To: o.State, ChangedBy: o.RegisteredBy, ChangedAt: o.RegisteredAt}
		return r.insertTransition(ctx, t)
	})
}

func (r *orderRepoPG) insertTransition(ctx context.Context, t *Transition) error {
	var from *string
	if t.From != "" {
		from = strPtr(string(t.From))
	}
	if err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_order_transition (order_id, from_state, to_state, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		t.OrderID, from, t.To, t.ChangedBy, t.ChangedAt,
	).Scan(&t.ID); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (r *orderRepoPG) GetOrderWithResults(ctx context.Context, id int64) (*Snapshot, error) {
	c := r.conn(ctx)
	o, err := scanOrder(c.QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	snap := &Snapshot{Order: o, Analyses: []*OrderAnalysis{}, Results: []*ComponentResult{}}

	rows, err := c.Query(ctx, `
		SELECT id, order_id, analysis_id, analysis_name, price::float8
		FROM lab_order_analysis WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list order analyses: %w", err)
	}
	byID := map[int64]*OrderAnalysis{}
	for rows.Next() {
		a := &OrderAnalysis{ComponentIDs: []int64{}}
		if err := rows.Scan(&a.ID, &a.OrderID, &a.AnalysisID, &a.AnalysisName, &a.Price); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Analyses = append(snap.Analyses, a)
		byID[a.ID] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.Query(ctx, `
		SELECT oac.order_analysis_id, oac.component_id
		FROM lab_order_analysis_component oac
		JOIN lab_order_analysis oa ON oa.id = oac.order_analysis_id
		WHERE oa.order_id = $1
		ORDER BY oac.order_analysis_id, oac.position`, id)
	if err != nil {
		return nil, fmt.Errorf("list frozen components: %w", err)
	}
	for rows.Next() {
		var oaID, cid int64
		if err := rows.Scan(&oaID, &cid); err != nil {
			rows.Close()
			return nil, err
		}
		if a := byID[oaID]; a != nil {
			a.ComponentIDs = append(a.ComponentIDs, cid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.Query(ctx, `
		SELECT cr.order_analysis_id, cr.component_id, cr.value, cr.component_name, cr.unit,
			cr.reference_values, cr.alert_min, cr.alert_max, cr.method_name, cr.updated_at
		FROM lab_component_result cr
		JOIN lab_order_analysis oa ON oa.id = cr.order_analysis_id
		WHERE oa.order_id = $1
		ORDER BY cr.order_analysis_id, cr.component_id`, id)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cr ComponentResult
		if err := rows.Scan(&cr.OrderAnalysisID, &cr.ComponentID, &cr.Value, &cr.Meta.Name, &cr.Meta.Unit,
			&cr.Meta.ReferenceValues, &cr.Meta.AlertMin, &cr.Meta.AlertMax, &cr.Meta.MethodName, &cr.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Results = append(snap.Results, &cr)
	}
	return snap, rows.Err()
}

func (r *orderRepoPG) ListByState(ctx context.Context, state State, limit, offset int) ([]*Order, int, error) {
	where := ``
	args := []interface{}{}
	if state != "" {
		where = ` WHERE state = $1`
		args = append(args, state)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM lab_order%s ORDER BY registered_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *orderRepoPG) UpsertResults(ctx context.Context, orderID int64, results []*ComponentResult) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)

		var state State
		err := c.QueryRow(ctx, `SELECT state FROM lab_order WHERE id = $1 FOR UPDATE`, orderID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order %d: %w", orderID, err)
		}
		if !ingestable(state) {
			return &StateViolation{OrderID: orderID, State: state, Action: "ingest results", Reason: "results are locked once approved"}
		}

		for _, cr := range results {
			if cr.UpdatedAt.IsZero() {
				cr.UpdatedAt = time.Now().UTC()
			}
			refs := cr.Meta.ReferenceValues
			if refs == nil {
				refs = []string{}
			}
			tag, err := c.Exec(ctx, `
				INSERT INTO lab_component_result (order_analysis_id, component_id, value, component_name, unit,
					reference_values, alert_min, alert_max, method_name, updated_at)
				SELECT $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
				WHERE EXISTS (SELECT 1 FROM lab_order_analysis WHERE id = $2 AND order_id = $1)
				ON CONFLICT (order_analysis_id, component_id) DO UPDATE SET
					value = EXCLUDED.value,
					component_name = EXCLUDED.component_name,
					unit = EXCLUDED.unit,
					reference_values = EXCLUDED.reference_values,
					alert_min = EXCLUDED.alert_min,
					alert_max = EXCLUDED.alert_max,
					method_name = EXCLUDED.method_name,
					updated_at = EXCLUDED.updated_at`,
				orderID, cr.OrderAnalysisID, cr.ComponentID, cr.Value, cr.Meta.Name, cr.Meta.Unit,
				refs, cr.Meta.AlertMin, cr.Meta.AlertMax, cr.Meta.MethodName, cr.UpdatedAt)
			if err != nil {
				return fmt.Errorf("upsert result (%d, %d): %w", cr.OrderAnalysisID, cr.ComponentID, err)
			}
			if tag.RowsAffected() == 0 {
				return newValidationError("order analysis %d does not belong to order %d", cr.OrderAnalysisID, orderID)
			}
		}
		return nil
	})
}

func (r *orderRepoPG) TransitionState(ctx context.Context, o *Order, from State, t *Transition) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		c := r.conn(ctx)
		tag, err := c.Exec(ctx, `
			UPDATE lab_order SET state = $2,
				results_at = $3, results_by = $4,
				approved_at = $5, approved_by = $6,
				printed_at = $7, printed_by = $8,
				updated_at = $9
			WHERE id = $1 AND state = $10`,
			o.ID, o.State, o.ResultsAt, o.ResultsBy, o.ApprovedAt, o.ApprovedBy,
			o.PrintedAt, o.PrintedBy, o.UpdatedAt, from)
		if err != nil {
			return fmt.Errorf("update order %d state: %w", o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var current State
			err := c.QueryRow(ctx, `SELECT state FROM lab_order WHERE id = $1`, o.ID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			if err != nil {
				return err
			}
			return &StateViolation{OrderID: o.ID, State: current, Action: "move to " + string(o.State),
				Reason: "order is no longer " + string(from)}
		}
		return r.insertTransition(ctx, t)
	})
}

func (r *orderRepoPG) ListTransitions(ctx context.Context, orderID int64) ([]*Transition, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_id, COALESCE(from_state, ''), to_state, changed_by, changed_at
		FROM lab_order_transition WHERE order_id = $1 ORDER BY changed_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Transition{}
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.OrderID, &t.From, &t.To, &t.ChangedBy, &t.ChangedAt); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

func (r *orderRepoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
