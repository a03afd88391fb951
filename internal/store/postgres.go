package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Schema creates the tables the Postgres store reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS sales_history (
	id UUID PRIMARY KEY,
	sale_date DATE NOT NULL,
	product_id TEXT NOT NULL DEFAULT '',
	sku TEXT NOT NULL DEFAULT '',
	category_id TEXT NOT NULL DEFAULT '',
	quantity_sold BIGINT NOT NULL CHECK (quantity_sold >= 0),
	unit_price NUMERIC(12, 2) NOT NULL CHECK (unit_price >= 0),
	total_revenue NUMERIC(14, 2) NOT NULL CHECK (total_revenue >= 0)
);
CREATE INDEX IF NOT EXISTS idx_sales_product_date ON sales_history (product_id, sale_date);
CREATE INDEX IF NOT EXISTS idx_sales_sku_date ON sales_history (sku, sale_date);
CREATE INDEX IF NOT EXISTS idx_sales_category_date ON sales_history (category_id, sale_date);

CREATE TABLE IF NOT EXISTS forecasts (
	id UUID PRIMARY KEY,
	entity_kind TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	forecast_date DATE NOT NULL,
	forecast_horizon TEXT NOT NULL,
	predicted_quantity DOUBLE PRECISION NOT NULL CHECK (predicted_quantity >= 0),
	confidence_interval_lower DOUBLE PRECISION NOT NULL,
	confidence_interval_upper DOUBLE PRECISION NOT NULL,
	confidence_level DOUBLE PRECISION NOT NULL,
	model_name TEXT NOT NULL,
	model_version TEXT NOT NULL,
	training_metrics JSONB,
	actual_quantity DOUBLE PRECISION,
	prediction_error DOUBLE PRECISION,
	generated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (entity_kind, entity_key, forecast_date, forecast_horizon)
);
CREATE INDEX IF NOT EXISTS idx_forecasts_date ON forecasts (forecast_date);

CREATE TABLE IF NOT EXISTS forecast_insights (
	id UUID PRIMARY KEY,
	insight_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	product_id TEXT NOT NULL DEFAULT '',
	sku TEXT NOT NULL DEFAULT '',
	category_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	recommendation TEXT,
	data JSONB,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	is_actioned BOOLEAN NOT NULL DEFAULT FALSE,
	actioned_at TIMESTAMPTZ,
	valid_from DATE NOT NULL,
	valid_until DATE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_insight_validity ON forecast_insights (valid_from, valid_until);
CREATE INDEX IF NOT EXISTS idx_insight_severity_read ON forecast_insights (severity, is_read);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects and pings the database.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies Schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// entityColumn maps a filter to its sales_history column.
func entityColumn(f api.Filter) (string, string, error) {
	switch f.Kind() {
	case api.EntityProduct:
		return "product_id", f.ProductID, nil
	case api.EntitySKU:
		return "sku", f.SKU, nil
	case api.EntityCategory:
		return "category_id", f.CategoryID, nil
	}
	return "", "", errors.New("filter selects no entity")
}

// where accumulates positional predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) raw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (p *PostgresStore) Sales(ctx context.Context, filter api.Filter, from, to time.Time) ([]api.SalesRecord, error) {
	col, key, err := entityColumn(filter)
	if err != nil {
		return nil, err
	}
	w := &where{}
	w.add(col+" = ?", key)
	if !from.IsZero() {
		w.add("sale_date >= ?", api.Day(from))
	}
	if !to.IsZero() {
		w.add("sale_date <= ?", api.Day(to))
	}

	query := `
		SELECT id, sale_date, product_id, sku, category_id, quantity_sold,
		       unit_price::text, total_revenue::text
		FROM sales_history` + w.String() + `
		ORDER BY sale_date`

	rows, err := p.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("sales query failed: %w", err)
	}
	defer rows.Close()

	var out []api.SalesRecord
	for rows.Next() {
		var (
			r            api.SalesRecord
			price, total string
		)
		if err := rows.Scan(&r.ID, &r.SaleDate, &r.ProductID, &r.SKU, &r.CategoryID, &r.QuantitySold, &price, &total); err != nil {
			return nil, fmt.Errorf("sales scan failed: %w", err)
		}
		if r.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid unit price %q: %w", price, err)
		}
		if r.TotalRevenue, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("invalid total revenue %q: %w", total, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DailyQuantity(ctx context.Context, filter api.Filter, date time.Time) (float64, bool, error) {
	col, key, err := entityColumn(filter)
	if err != nil {
		return 0, false, err
	}
	query := `SELECT COALESCE(SUM(quantity_sold), 0), COUNT(*) FROM sales_history WHERE ` + col + ` = $1 AND sale_date = $2`

	var qty, n int64
	if err := p.pool.QueryRow(ctx, query, key, api.Day(date)).Scan(&qty, &n); err != nil {
		return 0, false, fmt.Errorf("daily quantity query failed: %w", err)
	}
	return float64(qty), n > 0, nil
}

func (p *PostgresStore) ActiveProducts(ctx context.Context, since time.Time) ([]api.Filter, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT product_id FROM sales_history
		WHERE sale_date >= $1 AND product_id <> ''
		ORDER BY product_id`, api.Day(since))
	if err != nil {
		return nil, fmt.Errorf("active products query failed: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("active products scan failed: %w", err)
	}
	out := make([]api.Filter, len(ids))
	for i, id := range ids {
		out[i] = api.Filter{ProductID: id}
	}
	return out, nil
}

func (p *PostgresStore) UpsertForecast(ctx context.Context, f *api.Forecast) (bool, error) {
	metrics, err := json.Marshal(f.TrainingMetrics)
	if err != nil {
		return false, fmt.Errorf("failed to marshal training metrics: %w", err)
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}

	// xmax is 0 only for a freshly inserted tuple.
	query := `
		INSERT INTO forecasts (
			id, entity_kind, entity_key, forecast_date, forecast_horizon,
			predicted_quantity, confidence_interval_lower, confidence_interval_upper,
			confidence_level, model_name, model_version, training_metrics, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (entity_kind, entity_key, forecast_date, forecast_horizon) DO UPDATE SET
			predicted_quantity = EXCLUDED.predicted_quantity,
			confidence_interval_lower = EXCLUDED.confidence_interval_lower,
			confidence_interval_upper = EXCLUDED.confidence_interval_upper,
			confidence_level = EXCLUDED.confidence_level,
			model_name = EXCLUDED.model_name,
			model_version = EXCLUDED.model_version,
			training_metrics = EXCLUDED.training_metrics,
			generated_at = EXCLUDED.generated_at,
			prediction_error = forecasts.actual_quantity - EXCLUDED.predicted_quantity
		RETURNING id, (xmax = 0)`

	var inserted bool
	err = p.pool.QueryRow(ctx, query,
		f.ID, string(f.EntityKind), f.EntityKey, api.Day(f.ForecastDate), f.Horizon,
		f.PredictedQuantity, f.LowerBound, f.UpperBound,
		f.ConfidenceLevel, f.ModelName, f.ModelVersion, metrics, f.GeneratedAt,
	).Scan(&f.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("forecast upsert failed: %w", err)
	}
	return inserted, nil
}

const forecastColumns = `
	id, entity_kind, entity_key, forecast_date, forecast_horizon,
	predicted_quantity, confidence_interval_lower, confidence_interval_upper,
	confidence_level, model_name, model_version, training_metrics,
	actual_quantity, prediction_error, generated_at`

func scanForecast(row pgx.Row) (api.Forecast, error) {
	var (
		f       api.Forecast
		kind    string
		metrics []byte
	)
	err := row.Scan(&f.ID, &kind, &f.EntityKey, &f.ForecastDate, &f.Horizon,
		&f.PredictedQuantity, &f.LowerBound, &f.UpperBound,
		&f.ConfidenceLevel, &f.ModelName, &f.ModelVersion, &metrics,
		&f.ActualQuantity, &f.PredictionError, &f.GeneratedAt)
	if err != nil {
		return f, err
	}
	f.EntityKind = api.EntityKind(kind)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &f.TrainingMetrics); err != nil {
			return f, fmt.Errorf("invalid training metrics: %w", err)
		}
	}
	return f, nil
}

func (p *PostgresStore) Forecasts(ctx context.Context, q ForecastQuery) ([]api.Forecast, error) {
	w := &where{}
	if !q.Filter.Empty() {
		w.add("entity_kind = ?", string(q.Filter.Kind()))
		w.add("entity_key = ?", q.Filter.Key())
	}
	if !q.From.IsZero() {
		w.add("forecast_date >= ?", api.Day(q.From))
	}
	if !q.To.IsZero() {
		w.add("forecast_date <= ?", api.Day(q.To))
	}
	if q.Horizon != "" {
		w.add("forecast_horizon = ?", q.Horizon)
	}
	if q.WithActual {
		w.raw("actual_quantity IS NOT NULL")
	}
	if q.MissingActual {
		w.raw("actual_quantity IS NULL")
	}
	if !q.GeneratedSince.IsZero() {
		w.add("generated_at >= ?", q.GeneratedSince)
	}

	rows, err := p.pool.Query(ctx, "SELECT"+forecastColumns+" FROM forecasts"+w.String()+" ORDER BY forecast_date, entity_key", w.args...)
	if err != nil {
		return nil, fmt.Errorf("forecast query failed: %w", err)
	}
	defer rows.Close()

	var out []api.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, fmt.Errorf("forecast scan failed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordActual(ctx context.Context, id uuid.UUID, actual float64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE forecasts
		SET actual_quantity = $2, prediction_error = $2 - predicted_quantity
		WHERE id = $1 AND actual_quantity IS NULL`, id, actual)
	if err != nil {
		return false, fmt.Errorf("record actual failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM forecasts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("forecast lookup failed: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) ForecastEntities(ctx context.Context, from, generatedSince time.Time) ([]api.Filter, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT entity_kind, entity_key FROM forecasts
		WHERE forecast_date >= $1 AND generated_at >= $2
		ORDER BY entity_kind, entity_key`, api.Day(from), generatedSince)
	if err != nil {
		return nil, fmt.Errorf("forecast entities query failed: %w", err)
	}
	defer rows.Close()

	var out []api.Filter
	for rows.Next() {
		var kind, key string
		if err := rows.Scan(&kind, &key); err != nil {
			return nil, fmt.Errorf("forecast entities scan failed: %w", err)
		}
		out = append(out, api.FilterFor(api.EntityKind(kind), key))
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteForecastsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM forecasts WHERE forecast_date < $1`, api.Day(cutoff))
	if err != nil {
		return 0, fmt.Errorf("forecast cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) InsertInsight(ctx context.Context, in *api.Insight) error {
	data, err := json.Marshal(in.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal insight data: %w", err)
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO forecast_insights (
			id, insight_type, severity, product_id, sku, category_id, title,
			description, recommendation, data, valid_from, valid_until, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		in.ID, string(in.Type), string(in.Severity), in.ProductID, in.SKU, in.CategoryID, in.Title,
		in.Description, in.Recommendation, data, api.Day(in.ValidFrom), api.Day(in.ValidUntil), in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insight insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) ActiveInsights(ctx context.Context, f ActiveFilter, today time.Time) ([]api.Insight, error) {
	w := &where{}
	w.add("valid_from <= ?", api.Day(today))
	w.add("valid_until >= ?", api.Day(today))
	if f.ProductID != "" {
		w.add("product_id = ?", f.ProductID)
	}
	if f.Severity != "" {
		w.add("severity = ?", string(f.Severity))
	}
	if f.UnreadOnly {
		w.raw("NOT is_read")
	}

	query := `
		SELECT id, insight_type, severity, product_id, sku, category_id, title,
		       description, COALESCE(recommendation, ''), data, is_read, is_actioned,
		       actioned_at, valid_from, valid_until, created_at
		FROM forecast_insights` + w.String() + `
		ORDER BY CASE severity
			WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1
		END DESC, created_at DESC`

	rows, err := p.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("insight query failed: %w", err)
	}
	defer rows.Close()

	var out []api.Insight
	for rows.Next() {
		var (
			in            api.Insight
			typ, severity string
			data          []byte
		)
		if err := rows.Scan(&in.ID, &typ, &severity, &in.ProductID, &in.SKU, &in.CategoryID, &in.Title,
			&in.Description, &in.Recommendation, &data, &in.IsRead, &in.IsActioned,
			&in.ActionedAt, &in.ValidFrom, &in.ValidUntil, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("insight scan failed: %w", err)
		}
		in.Type, in.Severity = api.InsightType(typ), api.Severity(severity)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &in.Data); err != nil {
				return nil, fmt.Errorf("invalid insight data: %w", err)
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE forecast_insights SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark read failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkActioned(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE forecast_insights SET is_actioned = TRUE, actioned_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark actioned failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteInsightsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM forecast_insights WHERE valid_until < $1`, api.Day(cutoff))
	if err != nil {
		return 0, fmt.Errorf("insight cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
