package strategy

import (
	"testing"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// barsFromCloses builds a bar series with one-minute spacing.
func barsFromCloses(closes []float64) []models.Bar {
	base := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    100,
		}
	}
	return bars
}

func TestCalculateEMASeries_SMASeed(t *testing.T) {
	closes := []float64{10, 10, 10, 10, 12, 14, 16, 18}
	ema := CalculateEMASeries(closes, 4)

	require.Len(t, ema, len(closes))
	// 种子值是前4根的SMA
	assert.InDelta(t, 10.0, ema[3], 1e-9)
	// ema[4] = (12-10)*0.4 + 10
	assert.InDelta(t, 10.8, ema[4], 1e-9)
	assert.InDelta(t, 12.08, ema[5], 1e-9)
}

func TestCalculateEMASeries_NotEnoughData(t *testing.T) {
	ema := CalculateEMASeries([]float64{10, 11}, 4)
	assert.Equal(t, []float64{0, 0}, ema)
}

func TestGenerateSignals_FlatThenRally(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18})
	signals, err := s.GenerateSignals(bars)
	require.NoError(t, err)

	// 横盘后上涨：第5根K线产生唯一的BUY
	require.Len(t, signals, 1)
	assert.Equal(t, models.SignalBuy, signals[0].Type)
	assert.Equal(t, bars[4].Timestamp, signals[0].Timestamp)
	assert.Equal(t, 12.0, signals[0].Price)

	assert.True(t, s.HasValues)
	assert.Greater(t, s.LastFast, s.LastSlow)
}

func TestGenerateSignals_ConstantSeries(t *testing.T) {
	s, err := NewEMACrossStrategy(3, 7, nil, nil)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5})
	signals, err := s.GenerateSignals(bars)
	require.NoError(t, err)
	// 价格恒定时两条EMA重合，永远不产生信号
	assert.Empty(t, signals)
}

func TestGenerateSignals_MonotonicSeries(t *testing.T) {
	s, err := NewEMACrossStrategy(3, 6, nil, nil)
	require.NoError(t, err)

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	signals, err := s.GenerateSignals(barsFromCloses(closes))
	require.NoError(t, err)

	// 单调上涨的序列最多产生一个BUY，绝不产生SELL
	assert.LessOrEqual(t, len(signals), 1)
	for _, sig := range signals {
		assert.Equal(t, models.SignalBuy, sig.Type)
	}
}

func TestGenerateSignals_DownCross(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18, 12, 8, 6, 5})
	signals, err := s.GenerateSignals(bars)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(signals), 2)
	assert.Equal(t, models.SignalBuy, signals[0].Type)
	assert.Equal(t, models.SignalSell, signals[len(signals)-1].Type)
}

func TestGenerateSignals_ErrNoBars(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	_, err = s.GenerateSignals(nil)
	assert.ErrorIs(t, err, ErrNoBars)
}

func TestGenerateSignals_ErrUnsortedBars(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	bars := barsFromCloses([]float64{10, 11, 12, 13, 14, 15})
	bars[3].Timestamp = bars[1].Timestamp
	_, err = s.GenerateSignals(bars)
	assert.ErrorIs(t, err, ErrUnsortedBars)
}

func TestGenerateSignals_InsufficientData(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	// 数据不足以定义慢线时返回空信号而不是错误
	signals, err := s.GenerateSignals(barsFromCloses([]float64{10, 11, 12}))
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestLatestSignal_OnlyFiresOnLastBar(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	// BUY发生在第5根，而不是最后一根，不应触发
	bars := barsFromCloses([]float64{10, 10, 10, 10, 12, 14, 16, 18})
	sig, err := s.LatestSignal(bars)
	require.NoError(t, err)
	assert.Nil(t, sig)

	// 截断到第5根，BUY恰好在最后一根上
	sig, err = s.LatestSignal(bars[:5])
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalBuy, sig.Type)
}

func TestNewEMACrossStrategy_InvalidPeriods(t *testing.T) {
	_, err := NewEMACrossStrategy(0, 4, nil, nil)
	assert.Error(t, err)

	_, err = NewEMACrossStrategy(5, 5, nil, nil)
	assert.Error(t, err)

	_, err = NewEMACrossStrategy(9, 4, nil, nil)
	assert.Error(t, err)
}

func TestCheckExit_StopLoss(t *testing.T) {
	sl := 5.0
	s, err := NewEMACrossStrategy(2, 4, &sl, nil)
	require.NoError(t, err)

	pos := &models.Position{Side: models.SideLong, EntryPrice: 100, Quantity: 1}
	bar := barsFromCloses([]float64{94})[0]

	price, reason, ok := s.CheckExit(pos, bar)
	require.True(t, ok)
	assert.Equal(t, models.ExitStopLoss, reason)
	// 成交价按规则价 95 而不是收盘价 94
	assert.InDelta(t, 95.0, price, 1e-9)
}

func TestCheckExit_TakeProfit(t *testing.T) {
	tp := 10.0
	s, err := NewEMACrossStrategy(2, 4, nil, &tp)
	require.NoError(t, err)

	pos := &models.Position{Side: models.SideLong, EntryPrice: 100, Quantity: 1}
	bar := barsFromCloses([]float64{112})[0]

	price, reason, ok := s.CheckExit(pos, bar)
	require.True(t, ok)
	assert.Equal(t, models.ExitTakeProfit, reason)
	assert.InDelta(t, 110.0, price, 1e-9)
}

func TestCheckExit_ShortSide(t *testing.T) {
	sl := 5.0
	tp := 10.0
	s, err := NewEMACrossStrategy(2, 4, &sl, &tp)
	require.NoError(t, err)

	pos := &models.Position{Side: models.SideShort, EntryPrice: 100, Quantity: 1}

	// 空头止损在入场价上方：价格涨到106触发，成交价105
	price, reason, ok := s.CheckExit(pos, barsFromCloses([]float64{106})[0])
	require.True(t, ok)
	assert.Equal(t, models.ExitStopLoss, reason)
	assert.InDelta(t, 105.0, price, 1e-9)

	// 空头止盈在入场价下方：价格跌到89触发，成交价90
	price, reason, ok = s.CheckExit(pos, barsFromCloses([]float64{89})[0])
	require.True(t, ok)
	assert.Equal(t, models.ExitTakeProfit, reason)
	assert.InDelta(t, 90.0, price, 1e-9)

	// 区间内不触发
	_, _, ok = s.CheckExit(pos, barsFromCloses([]float64{100})[0])
	assert.False(t, ok)
}

func TestCheckExit_NoRules(t *testing.T) {
	s, err := NewEMACrossStrategy(2, 4, nil, nil)
	require.NoError(t, err)

	pos := &models.Position{Side: models.SideLong, EntryPrice: 100, Quantity: 1}
	_, _, ok := s.CheckExit(pos, barsFromCloses([]float64{1})[0])
	assert.False(t, ok)
}
