package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleConfig() *models.BotConfig {
	sl := 5.0
	return &models.BotConfig{
		Symbol:          "AAPL",
		Timeframe:       "5Min",
		FastEMAPeriod:   12,
		SlowEMAPeriod:   26,
		StopLossPercent: &sl,
		Quantity:        10,
		IsActive:        true,
	}
}

func TestUpsertBotConfig_InsertThenUpdate(t *testing.T) {
	db := openTestDB(t)

	cfg := sampleConfig()
	require.NoError(t, UpsertBotConfig(db, cfg))
	require.NotZero(t, cfg.ID)
	firstID := cfg.ID

	// Same symbol+timeframe updates in place instead of creating a new row.
	updated := sampleConfig()
	updated.FastEMAPeriod = 9
	updated.TakeProfitPercent = nil
	require.NoError(t, UpsertBotConfig(db, updated))
	assert.Equal(t, firstID, updated.ID)

	loaded, err := GetBotConfig(db, firstID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 9, loaded.FastEMAPeriod)
	require.NotNil(t, loaded.StopLossPercent)
	assert.Equal(t, 5.0, *loaded.StopLossPercent)
	assert.Nil(t, loaded.TakeProfitPercent)

	configs, err := ListBotConfigs(db)
	require.NoError(t, err)
	assert.Len(t, configs, 1)
}

func TestGetBotConfig_NotFound(t *testing.T) {
	db := openTestDB(t)

	cfg, err := GetBotConfig(db, 12345)
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestDeleteBotConfig(t *testing.T) {
	db := openTestDB(t)

	cfg := sampleConfig()
	require.NoError(t, UpsertBotConfig(db, cfg))
	require.NoError(t, DeleteBotConfig(db, cfg.ID))

	loaded, err := GetBotConfig(db, cfg.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting a missing row reports sql.ErrNoRows.
	assert.ErrorIs(t, DeleteBotConfig(db, cfg.ID), sql.ErrNoRows)
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	cfg := sampleConfig()
	require.NoError(t, UpsertBotConfig(db, cfg))

	run := &models.BotRun{
		ID:        "run-1",
		ConfigID:  cfg.ID,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Status:    models.RunStatusRunning,
	}
	require.NoError(t, CreateRun(db, run))

	recorder := &RunRecorder{DB: db}
	require.NoError(t, recorder.UpdateRunStats(run.ID, 4, 3))
	require.NoError(t, recorder.FinishRun(run.ID, models.RunStatusStopped, ""))

	runs, err := ListRuns(db, cfg.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusStopped, runs[0].Status)
	assert.Equal(t, 4, runs[0].SignalsGenerated)
	assert.Equal(t, 3, runs[0].OrdersPlaced)
	require.NotNil(t, runs[0].StoppedAt)
}

func TestBacktestResultRoundTrip(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	result := &models.BacktestResult{
		Symbol:         "AAPL",
		Timeframe:      "5Min",
		StartDate:      base,
		EndDate:        base.Add(time.Hour),
		FastEMAPeriod:  2,
		SlowEMAPeriod:  4,
		InitialCapital: 1000,
		FinalCapital:   1060,
		TotalPnL:       60,
		TotalTrades:    1,
		WinningTrades:  1,
		WinRate:        100,
		EquityCurve: []models.EquityPoint{
			{Timestamp: base, Equity: 1000},
			{Timestamp: base.Add(5 * time.Minute), Equity: 1060},
		},
		Trades: []models.CompletedTrade{
			{EntryTime: base, ExitTime: base.Add(5 * time.Minute), Side: models.SideLong,
				EntryPrice: 12, ExitPrice: 18, Quantity: 10, PnL: 60, ExitReason: models.ExitEndOfBacktest},
		},
	}
	require.NoError(t, SaveBacktestResult(db, result, "bt-1"))

	loaded, err := GetBacktestResult(db, "bt-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, result.TotalPnL, loaded.TotalPnL)
	require.Len(t, loaded.EquityCurve, 2)
	require.Len(t, loaded.Trades, 1)
	assert.Equal(t, models.ExitEndOfBacktest, loaded.Trades[0].ExitReason)

	// Listings omit the heavy JSON columns.
	summaries, err := ListBacktestResults(db)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "bt-1", summaries[0].ID)
	assert.Empty(t, summaries[0].EquityCurve)
}

func TestGetBacktestResult_NotFound(t *testing.T) {
	db := openTestDB(t)

	result, err := GetBacktestResult(db, "missing")
	require.NoError(t, err)
	assert.Nil(t, result)
}
