package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS lab_order (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		attention_number INTEGER NOT NULL UNIQUE,
		state            TEXT NOT NULL CHECK (state IN ('registered', 'has_results', 'approved', 'printed')),
		patient_ref      TEXT NOT NULL,
		site_ref         TEXT NOT NULL,
		agreement_ref    TEXT,
		registered_at    TEXT NOT NULL,
		registered_by    TEXT NOT NULL,
		results_at       TEXT,
		results_by       TEXT,
		approved_at      TEXT,
		approved_by      TEXT,
		printed_at       TEXT,
		printed_by       TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lab_order_state ON lab_order (state, registered_at)`,
	`CREATE TABLE IF NOT EXISTS lab_order_analysis (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id      INTEGER NOT NULL REFERENCES lab_order(id) ON DELETE CASCADE,
		analysis_id   INTEGER NOT NULL,
		analysis_name TEXT NOT NULL,
		price         REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS lab_order_analysis_component (
		order_analysis_id INTEGER NOT NULL REFERENCES lab_order_analysis(id) ON DELETE CASCADE,
		component_id      INTEGER NOT NULL,
		position          INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (order_analysis_id, component_id)
	)`,
	`CREATE TABLE IF NOT EXISTS lab_component_result (
		order_analysis_id INTEGER NOT NULL,
		component_id      INTEGER NOT NULL,
		value             TEXT NOT NULL,
		component_name    TEXT NOT NULL DEFAULT '',
		unit              TEXT NOT NULL DEFAULT '',
		reference_values  TEXT NOT NULL DEFAULT '[]',
		alert_min         REAL,
		alert_max         REAL,
		method_name       TEXT NOT NULL DEFAULT '',
		updated_at        TEXT NOT NULL,
		PRIMARY KEY (order_analysis_id, component_id),
		FOREIGN KEY (order_analysis_id, component_id)
			REFERENCES lab_order_analysis_component (order_analysis_id, component_id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS lab_order_transition (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id   INTEGER NOT NULL REFERENCES lab_order(id) ON DELETE CASCADE,
		from_state TEXT,
		to_state   TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at TEXT NOT NULL
	)`,
}

// OpenSQLite opens (creating if needed) a single-file order store.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "labflow.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; attention numbers are allocated inside the write tx.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// SQLiteRepo is the embedded single-node Repository.
type SQLiteRepo struct{ db *sql.DB }

// NewRepoSQLite wraps an open database. Call Migrate before first use.
func NewRepoSQLite(conn *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: conn}
}

func (r *SQLiteRepo) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqliteTime is fixed width so TEXT ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return strPtr(ns.String)
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatFromNull(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

const sqliteOrderCols = `id, attention_number, state, patient_ref, site_ref, agreement_ref,
	registered_at, registered_by, results_at, results_by, approved_at, approved_by,
	printed_at, printed_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteOrder(row rowScanner) (*Order, error) {
	var (
		o                                      Order
		agreement, resultsBy, approvedBy, prBy sql.NullString
		registeredAt, createdAt, updatedAt     string
		resultsAt, approvedAt, printedAt       sql.NullString
	)
	if err := row.Scan(&o.ID, &o.AttentionNumber, &o.State, &o.PatientRef, &o.SiteRef, &agreement,
		&registeredAt, &o.RegisteredBy, &resultsAt, &resultsBy, &approvedAt, &approvedBy,
		&printedAt, &prBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.AgreementRef = strFromNull(agreement)
	o.ResultsBy = strFromNull(resultsBy)
	o.ApprovedBy = strFromNull(approvedBy)
	o.PrintedBy = strFromNull(prBy)

	var err error
	if o.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("registered_at: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	if o.ResultsAt, err = parseTimePtr(resultsAt); err != nil {
		return nil, fmt.Errorf("results_at: %w", err)
	}
	if o.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, fmt.Errorf("approved_at: %w", err)
	}
	if o.PrintedAt, err = parseTimePtr(printedAt); err != nil {
		return nil, fmt.Errorf("printed_at: %w", err)
	}
	return &o, nil
}

func (r *SQLiteRepo) CreateOrder(ctx context.Context, o *Order, analyses []*OrderAnalysis) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(attention_number), 0) + 1 FROM lab_order`).Scan(&o.AttentionNumber); err != nil {
			return fmt.Errorf("next attention number: %w", err)
		}
		now := o.RegisteredAt
		res, err := tx.ExecContext(ctx, `
			INSERT INTO lab_order (attention_number, state, patient_ref, site_ref, agreement_ref,
				registered_at, registered_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.AttentionNumber, string(o.State), o.PatientRef, o.SiteRef, nullStr(o.AgreementRef),
			fmtTime(o.RegisteredAt), o.RegisteredBy, fmtTime(now), fmtTime(now))
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if o.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		o.CreatedAt, o.UpdatedAt = now, now

		for _, a := range analyses {
			a.OrderID = o.ID
			res, err := tx.ExecContext(ctx, `
				INSERT INTO lab_order_analysis (order_id, analysis_id, analysis_name, price)
				VALUES (?, ?, ?, ?)`, a.OrderID, a.AnalysisID, a.AnalysisName, a.Price)
			if err != nil {
				return fmt.Errorf("insert order analysis %d: %w", a.AnalysisID, err)
			}
			if a.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			for pos, cid := range a.ComponentIDs {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO lab_order_analysis_component (order_analysis_id, component_id, position)
					VALUES (?, ?, ?)`, a.ID, cid, pos); err != nil {
					return fmt.Errorf("freeze component %d: %w", cid, err)
				}
			}
		}

		t := &Transition{OrderID: o.ID, To: o.State, ChangedBy: o.RegisteredBy, ChangedAt: o.RegisteredAt}
		return insertSQLiteTransition(ctx, tx, t)
	})
}

func insertSQLiteTransition(ctx context.Context, tx *sql.Tx, t *Transition) error {
	from := sql.NullString{}
	if t.From != "" {
		from = sql.NullString{String: string(t.From), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO lab_order_transition (order_id, from_state, to_state, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?)`, t.OrderID, from, string(t.To), t.ChangedBy, fmtTime(t.ChangedAt))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (r *SQLiteRepo) GetOrderWithResults(ctx context.Context, id int64) (*Snapshot, error) {
	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx, `SELECT `+sqliteOrderCols+` FROM lab_order WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	snap := &Snapshot{Order: o, Analyses: []*OrderAnalysis{}, Results: []*ComponentResult{}}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, analysis_id, analysis_name, price
		FROM lab_order_analysis WHERE order_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list order analyses: %w", err)
	}
	byID := map[int64]*OrderAnalysis{}
	for rows.Next() {
		a := &OrderAnalysis{ComponentIDs: []int64{}}
		if err := rows.Scan(&a.ID, &a.OrderID, &a.AnalysisID, &a.AnalysisName, &a.Price); err != nil {
			_ = rows.Close()
			return nil, err
		}
		snap.Analyses = append(snap.Analyses, a)
		byID[a.ID] = a
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT oac.order_analysis_id, oac.component_id
		FROM lab_order_analysis_component oac
		JOIN lab_order_analysis oa ON oa.id = oac.order_analysis_id
		WHERE oa.order_id = ?
		ORDER BY oac.order_analysis_id, oac.position`, id)
	if err != nil {
		return nil, fmt.Errorf("list frozen components: %w", err)
	}
	for rows.Next() {
		var oaID, cid int64
		if err := rows.Scan(&oaID, &cid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if a := byID[oaID]; a != nil {
			a.ComponentIDs = append(a.ComponentIDs, cid)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT cr.order_analysis_id, cr.component_id, cr.value, cr.component_name, cr.unit,
			cr.reference_values, cr.alert_min, cr.alert_max, cr.method_name, cr.updated_at
		FROM lab_component_result cr
		JOIN lab_order_analysis oa ON oa.id = cr.order_analysis_id
		WHERE oa.order_id = ?
		ORDER BY cr.order_analysis_id, cr.component_id`, id)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cr                 ComponentResult
			refs, updatedAt    string
			alertMin, alertMax sql.NullFloat64
		)
		if err := rows.Scan(&cr.OrderAnalysisID, &cr.ComponentID, &cr.Value, &cr.Meta.Name, &cr.Meta.Unit,
			&refs, &alertMin, &alertMax, &cr.Meta.MethodName, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &cr.Meta.ReferenceValues); err != nil {
			return nil, fmt.Errorf("decode reference values: %w", err)
		}
		cr.Meta.AlertMin, cr.Meta.AlertMax = floatFromNull(alertMin), floatFromNull(alertMax)
		if cr.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("result updated_at: %w", err)
		}
		snap.Results = append(snap.Results, &cr)
	}
	return snap, rows.Err()
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

func (r *SQLiteRepo) ListByState(ctx context.Context, state State, limit, offset int) ([]*Order, int, error) {
	where := ``
	args := []interface{}{}
	if state != "" {
		where = ` WHERE state = ?`
		args = append(args, string(state))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lab_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteOrderCols+` FROM lab_order`+where+` ORDER BY registered_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()
	items := []*Order{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *SQLiteRepo) UpsertResults(ctx context.Context, orderID int64, results []*ComponentResult) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM lab_order WHERE id = ?`, orderID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("read order %d state: %w", orderID, err)
		}
		if !ingestable(State(state)) {
			return &StateViolation{OrderID: orderID, State: State(state), Action: "ingest results", Reason: "results are locked once approved"}
		}

		for _, cr := range results {
			if cr.UpdatedAt.IsZero() {
				cr.UpdatedAt = time.Now().UTC()
			}
			var owned int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM lab_order_analysis WHERE id = ? AND order_id = ?`,
				cr.OrderAnalysisID, orderID).Scan(&owned); err != nil {
				return err
			}
			if owned == 0 {
				return newValidationError("order analysis %d does not belong to order %d", cr.OrderAnalysisID, orderID)
			}

			refs := cr.Meta.ReferenceValues
			if refs == nil {
				refs = []string{}
			}
			refsJSON, err := json.Marshal(refs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO lab_component_result (order_analysis_id, component_id, value, component_name, unit,
					reference_values, alert_min, alert_max, method_name, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (order_analysis_id, component_id) DO UPDATE SET
					value = excluded.value,
					component_name = excluded.component_name,
					unit = excluded.unit,
					reference_values = excluded.reference_values,
					alert_min = excluded.alert_min,
					alert_max = excluded.alert_max,
					method_name = excluded.method_name,
					updated_at = excluded.updated_at`,
				cr.OrderAnalysisID, cr.ComponentID, cr.Value, cr.Meta.Name, cr.Meta.Unit,
				string(refsJSON), nullFloat(cr.Meta.AlertMin), nullFloat(cr.Meta.AlertMax), cr.Meta.MethodName, fmtTime(cr.UpdatedAt)); err != nil {
				return fmt.Errorf("upsert result (%d, %d): %w", cr.OrderAnalysisID, cr.ComponentID, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepo) TransitionState(ctx context.Context, o *Order, from State, t *Transition) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE lab_order SET state = ?,
				results_at = ?, results_by = ?,
				approved_at = ?, approved_by = ?,
				printed_at = ?, printed_by = ?,
				updated_at = ?
			WHERE id = ? AND state = ?`,
			string(o.State), fmtTimePtr(o.ResultsAt), nullStr(o.ResultsBy),
			fmtTimePtr(o.ApprovedAt), nullStr(o.ApprovedBy),
			fmtTimePtr(o.PrintedAt), nullStr(o.PrintedBy),
			fmtTime(o.UpdatedAt), o.ID, string(from))
		if err != nil {
			return fmt.Errorf("update order %d state: %w", o.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT state FROM lab_order WHERE id = ?`, o.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrOrderNotFound
			}
			if err != nil {
				return err
			}
			return &StateViolation{OrderID: o.ID, State: State(current), Action: "move to " + string(o.State),
				Reason: "order is no longer " + string(from)}
		}
		return insertSQLiteTransition(ctx, tx, t)
	})
}

func (r *SQLiteRepo) ListTransitions(ctx context.Context, orderID int64) ([]*Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, COALESCE(from_state, ''), to_state, changed_by, changed_at
		FROM lab_order_transition WHERE order_id = ? ORDER BY changed_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	items := []*Transition{}
	for rows.Next() {
		var (
			t         Transition
			from, to  string
			changedAt string
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &from, &to, &t.ChangedBy, &changedAt); err != nil {
			return nil, err
		}
		t.From, t.To = State(from), State(to)
		if t.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("changed_at: %w", err)
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

func (r *SQLiteRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
