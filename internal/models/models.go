package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了服务的所有配置参数
type Config struct {
	ListenAddr        string    `json:"listen_addr"`         // HTTP服务监听地址，如 ":8000"
	DBPath            string    `json:"db_path"`             // sqlite 数据库文件路径
	SnapshotDBPath    string    `json:"snapshot_db_path"`    // badger 快照数据库目录
	AlpacaBaseURL     string    `json:"alpaca_base_url"`     // 交易API地址 (paper-api.alpaca.markets)
	AlpacaDataURL     string    `json:"alpaca_data_url"`     // 行情API地址 (data.alpaca.markets)
	AlpacaStreamURL   string    `json:"alpaca_stream_url"`   // 行情WebSocket地址
	CryptoLoc         string    `json:"crypto_loc"`          // 加密货币行情区域, 默认 "us"
	EnablePriceStream bool      `json:"enable_price_stream"` // 是否启用WebSocket实时价格
	AdminUsername     string    `json:"admin_username"`      // 登录用户名（单用户）
	AdminPassword     string    `json:"admin_password"`      // 登录密码
	TokenTTLMinutes   int       `json:"token_ttl_minutes"`   // JWT有效期（分钟）
	AllowedOrigins    []string  `json:"allowed_origins"`     // CORS白名单
	LogConfig         LogConfig `json:"log"`                 // 日志配置
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Bar 是单根K线（OHLCV），由行情方产生，按时间严格递增排列
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SignalType 定义了信号方向
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

// Signal 是策略在某根K线上检测到的交叉事件
type Signal struct {
	Timestamp time.Time  `json:"timestamp"`
	Type      SignalType `json:"type"`
	Price     float64    `json:"price"`
}

// PositionSide 定义了持仓方向
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// ExitReason 标记一笔交易的平仓原因
type ExitReason string

const (
	ExitSignal        ExitReason = "signal"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitEndOfBacktest ExitReason = "end_of_backtest"
)

// Position 是当前未平仓的头寸。每个策略实例在任意时刻最多持有一个。
type Position struct {
	EntryTime  time.Time    `json:"entry_time"`
	Side       PositionSide `json:"side"`
	EntryPrice float64      `json:"entry_price"`
	Quantity   float64      `json:"quantity"`
}

// CompletedTrade 记录一笔完成的交易（开仓到平仓），平仓后不可变
type CompletedTrade struct {
	EntryTime  time.Time    `json:"entry_time"`
	ExitTime   time.Time    `json:"exit_time"`
	Side       PositionSide `json:"side"`
	EntryPrice float64      `json:"entry_price"`
	ExitPrice  float64      `json:"exit_price"`
	Quantity   float64      `json:"quantity"`
	PnL        float64      `json:"pnl"`
	PnLPercent float64      `json:"pnl_percent"`
	ExitReason ExitReason   `json:"exit_reason"`
}

// EquityPoint 是权益曲线上的一个点，回测中每根K线产生一个
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// BacktestResult 是一次回测的完整结果，计算完成后只读
type BacktestResult struct {
	ID                 string           `json:"id,omitempty"`
	Symbol             string           `json:"symbol"`
	Timeframe          string           `json:"timeframe"`
	StartDate          time.Time        `json:"start_date"`
	EndDate            time.Time        `json:"end_date"`
	FastEMAPeriod      int              `json:"fast_ema_period"`
	SlowEMAPeriod      int              `json:"slow_ema_period"`
	InitialCapital     float64          `json:"initial_capital"`
	FinalCapital       float64          `json:"final_capital"`
	TotalPnL           float64          `json:"total_pnl"`
	TotalPnLPercent    float64          `json:"total_pnl_percent"`
	TotalTrades        int              `json:"total_trades"`
	WinningTrades      int              `json:"winning_trades"`
	LosingTrades       int              `json:"losing_trades"`
	WinRate            float64          `json:"win_rate"`
	MaxDrawdown        float64          `json:"max_drawdown"`
	MaxDrawdownPercent float64          `json:"max_drawdown_percent"`
	EquityCurve        []EquityPoint    `json:"equity_curve"`
	Trades             []CompletedTrade `json:"trades"`
	CreatedAt          time.Time        `json:"created_at,omitempty"`
}

// BotConfig 是机器人策略配置，按 symbol+timeframe 唯一
type BotConfig struct {
	ID                int64     `json:"id"`
	Symbol            string    `json:"symbol"`    // 交易标的，如 "AAPL" 或 "BTC/USD"
	Timeframe         string    `json:"timeframe"` // K线周期，如 "5Min", "1Hour", "1Day"
	FastEMAPeriod     int       `json:"fast_ema_period"`
	SlowEMAPeriod     int       `json:"slow_ema_period"`
	StopLossPercent   *float64  `json:"stop_loss_percent,omitempty"`   // 止损百分比，未设置时不启用
	TakeProfitPercent *float64  `json:"take_profit_percent,omitempty"` // 止盈百分比，未设置时不启用
	Quantity          float64   `json:"quantity"`                      // 每笔交易的数量
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// 机器人运行记录的状态
const (
	RunStatusRunning = "running"
	RunStatusStopped = "stopped"
	RunStatusError   = "error"
)

// BotRun 记录一次机器人运行（启动到停止），用于审计和排障
type BotRun struct {
	ID               string     `json:"id"`
	ConfigID         int64      `json:"config_id"`
	StartedAt        time.Time  `json:"started_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	Status           string     `json:"status"` // "running", "stopped", "error"
	ErrorMessage     string     `json:"error_message,omitempty"`
	SignalsGenerated int        `json:"signals_generated"`
	OrdersPlaced     int        `json:"orders_placed"`
}

// BotStatus 是机器人运行时状态的快照，由机器人每个周期更新，
// 状态查询端并发读取（允许轻微滞后）
type BotStatus struct {
	IsRunning        bool       `json:"is_running"`
	RunID            string     `json:"run_id,omitempty"`
	Symbol           string     `json:"symbol,omitempty"`
	Timeframe        string     `json:"timeframe,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	SignalsGenerated int        `json:"signals_generated"`
	OrdersPlaced     int        `json:"orders_placed"`
	LastError        string     `json:"last_error,omitempty"`
	LastSignal       string     `json:"last_signal,omitempty"` // "BUY", "SELL" 或空
	LastSignalTime   *time.Time `json:"last_signal_time,omitempty"`
	CurrentPrice     *float64   `json:"current_price,omitempty"`
	FastEMAValue     *float64   `json:"fast_ema_value,omitempty"`
	SlowEMAValue     *float64   `json:"slow_ema_value,omitempty"`
	LastCheckTime    *time.Time `json:"last_check_time,omitempty"`
	NextCheckTime    *time.Time `json:"next_check_time,omitempty"`
}

// Account 定义了Alpaca账户信息
type Account struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Cash           string `json:"cash"`
	Equity         string `json:"equity"`
	BuyingPower    string `json:"buying_power"`
	DaytradeCount  int    `json:"daytrade_count"`
	TradingBlocked bool   `json:"trading_blocked"`
}

// BrokerPosition 定义了Alpaca返回的持仓信息
type BrokerPosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"` // "long" 或 "short"
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	MarketValue    string `json:"market_value"`
	CurrentPrice   string `json:"current_price"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
	AssetClass     string `json:"asset_class"`
}

// Order 定义了Alpaca订单信息
type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice string     `json:"filled_avg_price"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	TimeInForce    string     `json:"time_in_force"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
}

// OrderRequest 是提交订单的参数
type OrderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`          // "buy" 或 "sell"
	Type        string `json:"type"`          // "market", "limit" 等
	TimeInForce string `json:"time_in_force"` // "day", "gtc"
}

// PortfolioHistory 定义了Alpaca账户权益历史
type PortfolioHistory struct {
	Timestamp  []int64   `json:"timestamp"`
	Equity     []float64 `json:"equity"`
	ProfitLoss []float64 `json:"profit_loss"`
	Timeframe  string    `json:"timeframe"`
	BaseValue  float64   `json:"base_value"`
}

// APIError 定义了Alpaca API返回的错误信息结构
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca API error: code=%d, message=%s", e.Code, e.Message)
}
