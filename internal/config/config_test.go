package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8002", cfg.Port)
	assert.Equal(t, 365, cfg.MinHistoryDays)
	assert.Equal(t, 0.95, cfg.ConfidenceLevel)
	assert.Equal(t, Order{1, 1, 1}, cfg.SARIMAOrder)
	assert.Equal(t, SeasonalOrder{1, 1, 1, 12}, cfg.SARIMASeasonalOrder)
	assert.Equal(t, 0.05, cfg.ChangepointPriorScale)
	assert.Equal(t, 30, cfg.ForecastHorizonDays)
	assert.Equal(t, 180, cfg.RetentionDays)
	assert.Len(t, cfg.Holidays, 7)
	assert.Equal(t, []time.Month{time.April, time.May}, cfg.LunarMonths)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MIN_HISTORY_DAYS", "90")
	t.Setenv("SARIMA_ORDER", "2,1,0")
	t.Setenv("SARIMA_SEASONAL_ORDER", "0,1,1,7")
	t.Setenv("ORION_LUNAR_MONTHS", "3, 4")
	t.Setenv("ORION_HOLIDAYS", "01-01,12-25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.MinHistoryDays)
	assert.Equal(t, Order{2, 1, 0}, cfg.SARIMAOrder)
	assert.Equal(t, SeasonalOrder{0, 1, 1, 7}, cfg.SARIMASeasonalOrder)
	assert.Equal(t, []time.Month{time.March, time.April}, cfg.LunarMonths)
	assert.Equal(t, []MonthDay{{time.January, 1}, {time.December, 25}}, cfg.Holidays)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("SARIMA_ORDER", "1,1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SARIMA_ORDER", "")
	t.Setenv("CONFIDENCE_LEVEL", "1.5")
	_, err = Load()
	assert.Error(t, err)
}

func TestParseMonths_OutOfRange(t *testing.T) {
	_, err := ParseMonths("0,13")
	assert.Error(t, err)
}
