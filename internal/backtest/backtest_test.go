package backtest

import (
	"testing"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barsFromCloses(closes []float64) []models.Bar {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func testConfig(qty float64, sl, tp *float64) *models.BotConfig {
	return &models.BotConfig{
		Symbol:            "AAPL",
		Timeframe:         "5Min",
		FastEMAPeriod:     2,
		SlowEMAPeriod:     4,
		StopLossPercent:   sl,
		TakeProfitPercent: tp,
		Quantity:          qty,
	}
}

func TestRun_ConstantPriceNoTrades(t *testing.T) {
	sim, err := New(testConfig(1, nil, nil), 1000)
	require.NoError(t, err)

	// 横盘30根：没有交叉，没有交易，资金不变
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100
	}
	result, err := sim.Run(barsFromCloses(closes))
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.Zero(t, result.TotalTrades)
	assert.InDelta(t, 1000.0, result.FinalCapital, 1e-9)
	assert.Zero(t, result.TotalPnL)
	assert.Zero(t, result.MaxDrawdown)
}

func TestRun_BuyThenForceClose(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 1000)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	// 第5根BUY@12，结束时强制平仓@18
	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, models.ExitEndOfBacktest, trade.ExitReason)
	assert.InDelta(t, 12.0, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 18.0, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 60.0, trade.PnL, 1e-9)

	assert.InDelta(t, 1060.0, result.FinalCapital, 1e-9)
	assert.InDelta(t, 60.0, result.TotalPnL, 1e-9)
	assert.InDelta(t, 6.0, result.TotalPnLPercent, 1e-9)
	assert.Equal(t, 1, result.WinningTrades)
	assert.Equal(t, 0, result.LosingTrades)
	assert.InDelta(t, 100.0, result.WinRate, 1e-9)
}

func TestRun_EquityCurvePerBar(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 1000)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	// 每根K线恰好一个权益点，时间戳一一对应
	require.Len(t, result.EquityCurve, len(bars))
	for i, p := range result.EquityCurve {
		assert.Equal(t, bars[i].Timestamp, p.Timestamp)
	}
	// 开仓前权益等于初始资金
	assert.InDelta(t, 1000.0, result.EquityCurve[0].Equity, 1e-9)
	// 持仓期间按收盘价估值: 880现金 + 10股*14
	assert.InDelta(t, 1020.0, result.EquityCurve[5].Equity, 1e-9)
}

func TestRun_SellOpensShort(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 1000)
	require.NoError(t, err)

	// 横盘后下跌：第5根死叉开空@8，结束时强制平仓@4
	bars := barsFromCloses([]float64{10, 10, 10, 10, 8, 6, 5, 4})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, models.SideShort, trade.Side)
	assert.Equal(t, models.ExitEndOfBacktest, trade.ExitReason)
	assert.InDelta(t, 8.0, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 4.0, trade.ExitPrice, 1e-9)
	// 空头盈亏 (入场-出场)×数量
	assert.InDelta(t, 40.0, trade.PnL, 1e-9)
	assert.InDelta(t, 50.0, trade.PnLPercent, 1e-9)
	assert.Equal(t, 1, result.WinningTrades)
	assert.Equal(t, result.TotalTrades, result.WinningTrades+result.LosingTrades)
}

func TestRun_SignalIgnoredWhilePositionOpen(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 1000)
	require.NoError(t, err)

	// BUY@12 后第6根出现死叉，但持仓期间信号被忽略，
	// 多头一直持有到结束
	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 9, 9, 9})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, models.SideLong, trade.Side)
	assert.Equal(t, models.ExitEndOfBacktest, trade.ExitReason)
	assert.InDelta(t, -30.0, trade.PnL, 1e-9)
}

func TestRun_StopLossBeforeSignal(t *testing.T) {
	sl := 10.0
	sim, err := New(testConfig(10, &sl, nil), 1000)
	require.NoError(t, err)

	// BUY@12 后暴跌，第6根先触发止损平多，随后同一根的死叉信号开空
	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 9, 9, 9})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	first := result.Trades[0]
	assert.Equal(t, models.ExitStopLoss, first.ExitReason)
	// 成交价是规则价 12*(1-0.10)=10.8 而不是收盘价9
	assert.InDelta(t, 10.8, first.ExitPrice, 1e-9)
	assert.InDelta(t, -12.0, first.PnL, 1e-9)

	second := result.Trades[1]
	assert.Equal(t, models.SideShort, second.Side)
	assert.InDelta(t, 9.0, second.EntryPrice, 1e-9)
	assert.Equal(t, 1, result.LosingTrades)
}

func TestRun_TakeProfit(t *testing.T) {
	tp := 25.0
	sim, err := New(testConfig(1, nil, &tp), 100)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, models.ExitTakeProfit, trade.ExitReason)
	// 目标价 12*1.25=15，第7根收盘16时触发
	assert.InDelta(t, 15.0, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 3.0, trade.PnL, 1e-9)
}

func TestRun_InsufficientCashSkipsEntry(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 50)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	// 买入需要120现金，只有50：跳过，全程空仓
	assert.Empty(t, result.Trades)
	assert.InDelta(t, 50.0, result.FinalCapital, 1e-9)
	for _, p := range result.EquityCurve {
		assert.InDelta(t, 50.0, p.Equity, 1e-9)
	}
	assert.InDelta(t, 0.0, result.MaxDrawdown, 1e-9)
}

func TestRun_MaxDrawdownBounds(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 1000)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18, 12, 8, 6, 5})
	result, err := sim.Run(bars)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.MaxDrawdown, 0.0)
	assert.GreaterOrEqual(t, result.MaxDrawdownPercent, 0.0)
	assert.LessOrEqual(t, result.MaxDrawdownPercent, 100.0)
	// 这段行情先涨后跌，一定存在非零回撤
	assert.Greater(t, result.MaxDrawdown, 0.0)
}

func TestRun_Deterministic(t *testing.T) {
	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18, 12, 8, 6, 5, 7, 9, 12, 15})

	run := func() *models.BacktestResult {
		sim, err := New(testConfig(10, nil, nil), 1000)
		require.NoError(t, err)
		result, err := sim.Run(bars)
		require.NoError(t, err)
		return result
	}

	// 相同输入必须产生完全相同的输出
	assert.Equal(t, run(), run())
}

func TestRun_EmptyBars(t *testing.T) {
	sim, err := New(testConfig(10, nil, nil), 1000)
	require.NoError(t, err)

	_, err = sim.Run(nil)
	assert.ErrorIs(t, err, strategy.ErrNoBars)
}
