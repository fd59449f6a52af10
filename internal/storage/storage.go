package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Bot configs hold the strategy parameters, one row per symbol+timeframe.
	createConfigsTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		fast_ema_period INTEGER NOT NULL,
		slow_ema_period INTEGER NOT NULL,
		stop_loss_percent REAL,
		take_profit_percent REAL,
		quantity REAL NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(symbol, timeframe)
	);`

	if _, err := db.Exec(createConfigsTableSQL); err != nil {
		return err
	}

	// Bot runs record every start/stop of the live bot for auditing.
	createRunsTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_runs (
		id TEXT PRIMARY KEY,
		config_id INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		stopped_at DATETIME,
		status TEXT NOT NULL,
		error_message TEXT,
		signals_generated INTEGER NOT NULL DEFAULT 0,
		orders_placed INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(config_id) REFERENCES bot_configs(id)
	);`

	if _, err := db.Exec(createRunsTableSQL); err != nil {
		return err
	}

	// Backtest results are immutable once written. Equity curve and trades
	// are stored as JSON blobs since they are only ever read back whole.
	createResultsTableSQL := `
	CREATE TABLE IF NOT EXISTS backtest_results (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		fast_ema_period INTEGER NOT NULL,
		slow_ema_period INTEGER NOT NULL,
		initial_capital REAL NOT NULL,
		final_capital REAL NOT NULL,
		total_pnl REAL NOT NULL,
		total_pnl_percent REAL NOT NULL,
		total_trades INTEGER NOT NULL,
		winning_trades INTEGER NOT NULL,
		losing_trades INTEGER NOT NULL,
		win_rate REAL NOT NULL,
		max_drawdown REAL NOT NULL,
		max_drawdown_percent REAL NOT NULL,
		equity_curve TEXT NOT NULL,
		trades TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(createResultsTableSQL); err != nil {
		return err
	}

	return nil
}

// UpsertBotConfig inserts a config or updates the existing row for the same
// symbol+timeframe pair. The config's ID and timestamps are filled in.
func UpsertBotConfig(db *sql.DB, cfg *models.BotConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	query := `
	INSERT INTO bot_configs (symbol, timeframe, fast_ema_period, slow_ema_period, stop_loss_percent, take_profit_percent, quantity, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, timeframe) DO UPDATE SET
		fast_ema_period = excluded.fast_ema_period,
		slow_ema_period = excluded.slow_ema_period,
		stop_loss_percent = excluded.stop_loss_percent,
		take_profit_percent = excluded.take_profit_percent,
		quantity = excluded.quantity,
		is_active = excluded.is_active,
		updated_at = excluded.updated_at;`

	_, err := db.Exec(query,
		cfg.Symbol, cfg.Timeframe, cfg.FastEMAPeriod, cfg.SlowEMAPeriod,
		nullFloat(cfg.StopLossPercent), nullFloat(cfg.TakeProfitPercent),
		cfg.Quantity, cfg.IsActive, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bot config for %s/%s: %w", cfg.Symbol, cfg.Timeframe, err)
	}

	row := db.QueryRow(`SELECT id, created_at FROM bot_configs WHERE symbol = ? AND timeframe = ?`, cfg.Symbol, cfg.Timeframe)
	if err := row.Scan(&cfg.ID, &cfg.CreatedAt); err != nil {
		return fmt.Errorf("failed to read back bot config id: %w", err)
	}
	return nil
}

// GetBotConfig retrieves a config by ID. Returns nil, nil when not found.
func GetBotConfig(db *sql.DB, id int64) (*models.BotConfig, error) {
	query := `
	SELECT id, symbol, timeframe, fast_ema_period, slow_ema_period, stop_loss_percent, take_profit_percent, quantity, is_active, created_at, updated_at
	FROM bot_configs WHERE id = ?;`

	cfg, err := scanBotConfig(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cfg, err
}

// ListBotConfigs retrieves all configs ordered by creation time.
func ListBotConfigs(db *sql.DB) ([]models.BotConfig, error) {
	query := `
	SELECT id, symbol, timeframe, fast_ema_period, slow_ema_period, stop_loss_percent, take_profit_percent, quantity, is_active, created_at, updated_at
	FROM bot_configs ORDER BY created_at;`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot configs: %w", err)
	}
	defer rows.Close()

	var configs []models.BotConfig
	for rows.Next() {
		cfg, err := scanBotConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// DeleteBotConfig removes a config by ID.
func DeleteBotConfig(db *sql.DB, id int64) error {
	result, err := db.Exec(`DELETE FROM bot_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot config %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBotConfig(row rowScanner) (*models.BotConfig, error) {
	var cfg models.BotConfig
	var stopLoss, takeProfit sql.NullFloat64
	err := row.Scan(
		&cfg.ID, &cfg.Symbol, &cfg.Timeframe, &cfg.FastEMAPeriod, &cfg.SlowEMAPeriod,
		&stopLoss, &takeProfit, &cfg.Quantity, &cfg.IsActive, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stopLoss.Valid {
		cfg.StopLossPercent = &stopLoss.Float64
	}
	if takeProfit.Valid {
		cfg.TakeProfitPercent = &takeProfit.Float64
	}
	return &cfg, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// CreateRun inserts a new bot run row.
func CreateRun(db *sql.DB, run *models.BotRun) error {
	query := `
	INSERT INTO bot_runs (id, config_id, started_at, status, error_message, signals_generated, orders_placed)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Exec(query,
		run.ID, run.ConfigID, run.StartedAt, run.Status, run.ErrorMessage,
		run.SignalsGenerated, run.OrdersPlaced,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bot run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun marks a run as stopped or errored. Counters are left as written
// by the last UpdateRunStats call.
func FinishRun(db *sql.DB, runID, status, errorMessage string) error {
	query := `UPDATE bot_runs SET stopped_at = ?, status = ?, error_message = ? WHERE id = ?`
	_, err := db.Exec(query, time.Now().UTC(), status, errorMessage, runID)
	if err != nil {
		return fmt.Errorf("failed to finish bot run %s: %w", runID, err)
	}
	return nil
}

// RunRecorder adapts run bookkeeping onto the sql store so the bot does not
// depend on database/sql directly.
type RunRecorder struct {
	DB *sql.DB
}

func (r *RunRecorder) UpdateRunStats(runID string, signalsGenerated, ordersPlaced int) error {
	return UpdateRunStats(r.DB, runID, signalsGenerated, ordersPlaced)
}

func (r *RunRecorder) FinishRun(runID, status, errorMessage string) error {
	return FinishRun(r.DB, runID, status, errorMessage)
}

// UpdateRunStats refreshes the live counters of a running bot run.
func UpdateRunStats(db *sql.DB, runID string, signalsGenerated, ordersPlaced int) error {
	query := `UPDATE bot_runs SET signals_generated = ?, orders_placed = ? WHERE id = ?`
	_, err := db.Exec(query, signalsGenerated, ordersPlaced, runID)
	if err != nil {
		return fmt.Errorf("failed to update run stats for %s: %w", runID, err)
	}
	return nil
}

// ListRuns retrieves runs for a config, newest first.
func ListRuns(db *sql.DB, configID int64) ([]models.BotRun, error) {
	query := `
	SELECT id, config_id, started_at, stopped_at, status, error_message, signals_generated, orders_placed
	FROM bot_runs WHERE config_id = ? ORDER BY started_at DESC;`

	rows, err := db.Query(query, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot runs: %w", err)
	}
	defer rows.Close()

	var runs []models.BotRun
	for rows.Next() {
		var run models.BotRun
		var stoppedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(
			&run.ID, &run.ConfigID, &run.StartedAt, &stoppedAt, &run.Status,
			&errMsg, &run.SignalsGenerated, &run.OrdersPlaced,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bot run row: %w", err)
		}
		if stoppedAt.Valid {
			run.StoppedAt = &stoppedAt.Time
		}
		run.ErrorMessage = errMsg.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveBacktestResult persists a completed backtest. The result's ID and
// CreatedAt are filled in.
func SaveBacktestResult(db *sql.DB, result *models.BacktestResult, id string) error {
	result.ID = id
	result.CreatedAt = time.Now().UTC()

	curveJSON, err := json.Marshal(result.EquityCurve)
	if err != nil {
		return fmt.Errorf("failed to encode equity curve: %w", err)
	}
	tradesJSON, err := json.Marshal(result.Trades)
	if err != nil {
		return fmt.Errorf("failed to encode trades: %w", err)
	}

	query := `
	INSERT INTO backtest_results (id, symbol, timeframe, start_date, end_date, fast_ema_period, slow_ema_period,
		initial_capital, final_capital, total_pnl, total_pnl_percent, total_trades, winning_trades, losing_trades,
		win_rate, max_drawdown, max_drawdown_percent, equity_curve, trades, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.Exec(query,
		result.ID, result.Symbol, result.Timeframe, result.StartDate, result.EndDate,
		result.FastEMAPeriod, result.SlowEMAPeriod, result.InitialCapital, result.FinalCapital,
		result.TotalPnL, result.TotalPnLPercent, result.TotalTrades, result.WinningTrades,
		result.LosingTrades, result.WinRate, result.MaxDrawdown, result.MaxDrawdownPercent,
		string(curveJSON), string(tradesJSON), result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backtest result %s: %w", result.ID, err)
	}
	return nil
}

// GetBacktestResult retrieves a backtest by ID. Returns nil, nil when not found.
func GetBacktestResult(db *sql.DB, id string) (*models.BacktestResult, error) {
	query := `
	SELECT id, symbol, timeframe, start_date, end_date, fast_ema_period, slow_ema_period,
		initial_capital, final_capital, total_pnl, total_pnl_percent, total_trades, winning_trades, losing_trades,
		win_rate, max_drawdown, max_drawdown_percent, equity_curve, trades, created_at
	FROM backtest_results WHERE id = ?;`

	var result models.BacktestResult
	var curveJSON, tradesJSON string
	err := db.QueryRow(query, id).Scan(
		&result.ID, &result.Symbol, &result.Timeframe, &result.StartDate, &result.EndDate,
		&result.FastEMAPeriod, &result.SlowEMAPeriod, &result.InitialCapital, &result.FinalCapital,
		&result.TotalPnL, &result.TotalPnLPercent, &result.TotalTrades, &result.WinningTrades,
		&result.LosingTrades, &result.WinRate, &result.MaxDrawdown, &result.MaxDrawdownPercent,
		&curveJSON, &tradesJSON, &result.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load backtest result %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(curveJSON), &result.EquityCurve); err != nil {
		return nil, fmt.Errorf("failed to decode equity curve: %w", err)
	}
	if err := json.Unmarshal([]byte(tradesJSON), &result.Trades); err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}
	return &result, nil
}

// ListBacktestResults retrieves summaries of all stored backtests, newest
// first. Equity curves and trades are omitted to keep the listing light.
func ListBacktestResults(db *sql.DB) ([]models.BacktestResult, error) {
	query := `
	SELECT id, symbol, timeframe, start_date, end_date, fast_ema_period, slow_ema_period,
		initial_capital, final_capital, total_pnl, total_pnl_percent, total_trades, winning_trades, losing_trades,
		win_rate, max_drawdown, max_drawdown_percent, created_at
	FROM backtest_results ORDER BY created_at DESC;`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest results: %w", err)
	}
	defer rows.Close()

	var results []models.BacktestResult
	for rows.Next() {
		var r models.BacktestResult
		if err := rows.Scan(
			&r.ID, &r.Symbol, &r.Timeframe, &r.StartDate, &r.EndDate,
			&r.FastEMAPeriod, &r.SlowEMAPeriod, &r.InitialCapital, &r.FinalCapital,
			&r.TotalPnL, &r.TotalPnLPercent, &r.TotalTrades, &r.WinningTrades,
			&r.LosingTrades, &r.WinRate, &r.MaxDrawdown, &r.MaxDrawdownPercent, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan backtest result row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
