package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityKind names the column a forecast subject is keyed on.
type EntityKind string

const (
	EntityProduct  EntityKind = "product"
	EntitySKU      EntityKind = "sku"
	EntityCategory EntityKind = "category"
)

// Filter selects the sales history of one forecasting subject.
// ProductID wins over SKU, SKU wins over CategoryID.
type Filter struct {
	ProductID  string `json:"product_id,omitempty"`
	SKU        string `json:"sku,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
}

// Kind returns the entity kind the filter resolves to.
func (f Filter) Kind() EntityKind {
	switch {
	case f.ProductID != "":
		return EntityProduct
	case f.SKU != "":
		return EntitySKU
	case f.CategoryID != "":
		return EntityCategory
	}
	return ""
}

// Key returns the identifier used in the forecast identity key.
func (f Filter) Key() string {
	switch f.Kind() {
	case EntityProduct:
		return f.ProductID
	case EntitySKU:
		return f.SKU
	case EntityCategory:
		return f.CategoryID
	}
	return ""
}

// Empty reports whether no selector is set.
func (f Filter) Empty() bool { return f.Kind() == "" }

func (f Filter) String() string {
	if f.Empty() {
		return "entity(none)"
	}
	return fmt.Sprintf("%s:%s", f.Kind(), f.Key())
}

// FilterFor rebuilds a filter from a stored entity kind and key.
func FilterFor(kind EntityKind, key string) Filter {
	switch kind {
	case EntitySKU:
		return Filter{SKU: key}
	case EntityCategory:
		return Filter{CategoryID: key}
	}
	return Filter{ProductID: key}
}

// ParseFilter parses the "kind:key" form produced by Filter.String.
func ParseFilter(s string) (Filter, error) {
	kind, key, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return Filter{}, fmt.Errorf("invalid entity %q, want kind:key", s)
	}
	switch EntityKind(kind) {
	case EntityProduct, EntitySKU, EntityCategory:
		return FilterFor(EntityKind(kind), key), nil
	}
	return Filter{}, fmt.Errorf("unknown entity kind %q", kind)
}

// SalesRecord is one raw sales transaction row.
type SalesRecord struct {
	ID           uuid.UUID       `json:"id"`
	SaleDate     time.Time       `json:"sale_date"`
	ProductID    string          `json:"product_id"`
	SKU          string          `json:"sku"`
	CategoryID   string          `json:"category_id,omitempty"`
	QuantitySold int64           `json:"quantity_sold"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}

// Matches reports whether the record belongs to the filter's entity.
func (r SalesRecord) Matches(f Filter) bool {
	switch f.Kind() {
	case EntityProduct:
		return r.ProductID == f.ProductID
	case EntitySKU:
		return r.SKU == f.SKU
	case EntityCategory:
		return r.CategoryID == f.CategoryID
	}
	return false
}

// Metrics holds regression accuracy figures.
type Metrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	MAPE float64 `json:"mape"`
	R2   float64 `json:"r2"`
}

// Forecast is one persisted daily demand prediction.
type Forecast struct {
	ID                uuid.UUID          `json:"id"`
	EntityKind        EntityKind         `json:"entity_kind"`
	EntityKey         string             `json:"entity_key"`
	ForecastDate      time.Time          `json:"forecast_date"`
	Horizon           string             `json:"forecast_horizon"`
	PredictedQuantity float64            `json:"predicted_quantity"`
	LowerBound        float64            `json:"confidence_interval_lower"`
	UpperBound        float64            `json:"confidence_interval_upper"`
	ConfidenceLevel   float64            `json:"confidence_level"`
	ModelName         string             `json:"model_name"`
	ModelVersion      string             `json:"model_version"`
	TrainingMetrics   map[string]float64 `json:"features_used,omitempty"`
	ActualQuantity    *float64           `json:"actual_quantity,omitempty"`
	PredictionError   *float64           `json:"prediction_error,omitempty"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// HasActual reports whether the realized quantity is recorded.
func (f *Forecast) HasActual() bool { return f.ActualQuantity != nil }

// RecordActual stores the realized quantity and the signed error.
func (f *Forecast) RecordActual(actual float64) {
	e := actual - f.PredictedQuantity
	f.ActualQuantity = &actual
	f.PredictionError = &e
}

// HorizonLabel buckets a forecast length into its identity label.
func HorizonLabel(days int) string {
	switch {
	case days <= 7:
		return "7-day"
	case days <= 14:
		return "14-day"
	case days <= 30:
		return "30-day"
	}
	return fmt.Sprintf("%d-day", days)
}

// ForecastResult is returned by a forecast generation run.
type ForecastResult struct {
	Success           bool           `json:"success"`
	Error             string         `json:"error,omitempty"`
	Entity            string         `json:"entity"`
	ForecastsCreated  int            `json:"forecasts_created"`
	ForecastsUpdated  int            `json:"forecasts_updated"`
	ForecastsFailed   int            `json:"forecasts_failed"`
	ModelType         string         `json:"model_type,omitempty"`
	HorizonDays       int            `json:"forecast_horizon_days"`
	TrainingMetrics   *Metrics       `json:"training_metrics,omitempty"`
	ValidationMetrics *Metrics       `json:"validation_metrics,omitempty"`
	ModelInfo         map[string]any `json:"model_info,omitempty"`
	Dates             []time.Time    `json:"forecast_dates,omitempty"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// Failure builds a failed result with a reason.
func Failure(entity, reason string) *ForecastResult {
	return &ForecastResult{Success: false, Error: reason, Entity: entity, GeneratedAt: time.Now().UTC()}
}

// ActualsResult summarizes a reconciliation pass.
type ActualsResult struct {
	Date             time.Time `json:"date"`
	ForecastsChecked int       `json:"forecasts_checked"`
	ForecastsUpdated int       `json:"forecasts_updated"`
}

// ModelAccuracy aggregates accuracy for one model name.
type ModelAccuracy struct {
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
	MAPE  float64 `json:"mape"`
	Count int     `json:"count"`
}

// AccuracyReport aggregates accuracy over forecasts with actuals.
type AccuracyReport struct {
	Start       time.Time                `json:"start_date"`
	End         time.Time                `json:"end_date"`
	Models      map[string]ModelAccuracy `json:"models"`
	OverallMAE  float64                  `json:"overall_mae"`
	OverallMAPE float64                  `json:"overall_mape"`
	Samples     int                      `json:"samples_evaluated"`
}

// InsightType enumerates insight categories.
type InsightType string

const (
	InsightDemandSpike   InsightType = "demand_spike"
	InsightDemandDrop    InsightType = "demand_drop"
	InsightStockoutRisk  InsightType = "stockout_risk"
	InsightOverstockRisk InsightType = "overstock_risk"
	InsightSeasonalTrend InsightType = "seasonal_trend"
	InsightCategoryTrend InsightType = "category_trend"
	InsightReorderAlert  InsightType = "reorder_alert"
	InsightSlowMover     InsightType = "slow_mover"
	InsightFastMover     InsightType = "fast_mover"
)

// Severity ranks insights.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Insight is a persisted, time-bounded business observation.
type Insight struct {
	ID             uuid.UUID      `json:"id"`
	Type           InsightType    `json:"insight_type"`
	Severity       Severity       `json:"severity"`
	ProductID      string         `json:"product_id,omitempty"`
	SKU            string         `json:"sku,omitempty"`
	CategoryID     string         `json:"category_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	ValidFrom      time.Time      `json:"valid_from"`
	ValidUntil     time.Time      `json:"valid_until"`
	IsRead         bool           `json:"is_read"`
	IsActioned     bool           `json:"is_actioned"`
	ActionedAt     *time.Time     `json:"actioned_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsValid reports whether today falls inside the validity window.
func (i *Insight) IsValid(today time.Time) bool {
	d := Day(today)
	return !d.Before(Day(i.ValidFrom)) && !d.After(Day(i.ValidUntil))
}

// DaysUntilInvalid returns the remaining days of validity, 0 once expired.
func (i *Insight) DaysUntilInvalid(today time.Time) int {
	n := int(Day(i.ValidUntil).Sub(Day(today)).Hours() / 24)
	if n < 0 {
		return 0
	}
	return n
}

// InsightsResult summarizes an insight generation run.
type InsightsResult struct {
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	InsightsCreated int           `json:"insights_created"`
	InsightsFailed  int           `json:"insights_failed"`
	InsightIDs      []uuid.UUID   `json:"insight_ids,omitempty"`
	InsightTypes    []InsightType `json:"insight_types,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CleanupResult reports a retention pass.
type CleanupResult struct {
	Cutoff           time.Time `json:"cutoff_date"`
	ForecastsDeleted int64     `json:"forecasts_deleted"`
	InsightsDeleted  int64     `json:"insights_deleted"`
}
