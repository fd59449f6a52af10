package strategy

import (
	"errors"
	"fmt"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
)

var (
	// ErrNoBars 表示传入的K线序列为空
	ErrNoBars = errors.New("strategy: no bars provided")
	// ErrUnsortedBars 表示K线时间戳不是严格递增的
	ErrUnsortedBars = errors.New("strategy: bars are not sorted by ascending timestamp")
)

// EMACrossStrategy 实现双EMA交叉策略：
// 快线上穿慢线产生 BUY，快线下穿慢线产生 SELL。
// 同一个实例既用于回测也用于实盘机器人。
type EMACrossStrategy struct {
	FastPeriod        int
	SlowPeriod        int
	StopLossPercent   *float64 // 相对入场价的止损百分比，nil 表示不启用
	TakeProfitPercent *float64 // 相对入场价的止盈百分比，nil 表示不启用

	// 最近一次计算得到的EMA末端值，供状态查询展示
	LastFast float64
	LastSlow float64
	// LastFast/LastSlow 是否已经有效（至少计算过一次完整序列）
	HasValues bool
}

// NewEMACrossStrategy 创建策略实例。要求 0 < fast < slow。
func NewEMACrossStrategy(fastPeriod, slowPeriod int, stopLoss, takeProfit *float64) (*EMACrossStrategy, error) {
	if fastPeriod < 1 {
		return nil, fmt.Errorf("strategy: fast period must be >= 1, got %d", fastPeriod)
	}
	if slowPeriod <= fastPeriod {
		return nil, fmt.Errorf("strategy: slow period (%d) must be greater than fast period (%d)", slowPeriod, fastPeriod)
	}
	return &EMACrossStrategy{
		FastPeriod:        fastPeriod,
		SlowPeriod:        slowPeriod,
		StopLossPercent:   stopLoss,
		TakeProfitPercent: takeProfit,
	}, nil
}

// CalculateEMASeries 计算给定周期的EMA序列，与输入等长。
// 前 period-1 个位置没有定义（保持为0），第 period-1 个位置用SMA作为种子，
// 之后按递推公式 ema = (close-prev)*k + prev 计算。
func CalculateEMASeries(closes []float64, period int) []float64 {
	length := len(closes)
	if length < period {
		return make([]float64, length)
	}
	result := make([]float64, length)

	// 初始值使用 SMA
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += closes[i]
	}
	result[period-1] = sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < length; i++ {
		result[i] = (closes[i]-result[i-1])*multiplier + result[i-1]
	}
	return result
}

// GenerateSignals 对整段K线历史计算信号序列。
// 交叉判断从下标 SlowPeriod 开始（需要前一根K线上两条EMA都已定义）。
// 数据不足以产生任何判断时返回空切片而不是错误。
func (s *EMACrossStrategy) GenerateSignals(bars []models.Bar) ([]models.Signal, error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	if err := checkSorted(bars); err != nil {
		return nil, err
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	fast := CalculateEMASeries(closes, s.FastPeriod)
	slow := CalculateEMASeries(closes, s.SlowPeriod)

	if len(bars) >= s.SlowPeriod {
		s.LastFast = fast[len(fast)-1]
		s.LastSlow = slow[len(slow)-1]
		s.HasValues = true
	}

	signals := make([]models.Signal, 0)
	for i := s.SlowPeriod; i < len(bars); i++ {
		prevDiff := fast[i-1] - slow[i-1]
		currDiff := fast[i] - slow[i]

		// 金叉: 上一根快线不高于慢线，当前快线高于慢线
		if prevDiff <= 0 && currDiff > 0 {
			signals = append(signals, models.Signal{
				Timestamp: bars[i].Timestamp,
				Type:      models.SignalBuy,
				Price:     bars[i].Close,
			})
		} else if prevDiff >= 0 && currDiff < 0 {
			// 死叉
			signals = append(signals, models.Signal{
				Timestamp: bars[i].Timestamp,
				Type:      models.SignalSell,
				Price:     bars[i].Close,
			})
		}
	}
	return signals, nil
}

// LatestSignal 只判断最后一根K线上是否发生了交叉，供实盘机器人每周期调用。
// 没有交叉时返回 nil。
func (s *EMACrossStrategy) LatestSignal(bars []models.Bar) (*models.Signal, error) {
	signals, err := s.GenerateSignals(bars)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}
	last := signals[len(signals)-1]
	if !last.Timestamp.Equal(bars[len(bars)-1].Timestamp) {
		return nil, nil
	}
	return &last, nil
}

// StopLossPrice 返回给定入场价和方向对应的止损触发价。
// 多头止损在入场价下方，空头在上方。未启用止损时 ok 为 false。
func (s *EMACrossStrategy) StopLossPrice(entryPrice float64, side models.PositionSide) (float64, bool) {
	if s.StopLossPercent == nil {
		return 0, false
	}
	if side == models.SideShort {
		return entryPrice * (1 + *s.StopLossPercent/100), true
	}
	return entryPrice * (1 - *s.StopLossPercent/100), true
}

// TakeProfitPrice 返回给定入场价和方向对应的止盈触发价。未启用止盈时 ok 为 false。
func (s *EMACrossStrategy) TakeProfitPrice(entryPrice float64, side models.PositionSide) (float64, bool) {
	if s.TakeProfitPercent == nil {
		return 0, false
	}
	if side == models.SideShort {
		return entryPrice * (1 - *s.TakeProfitPercent/100), true
	}
	return entryPrice * (1 + *s.TakeProfitPercent/100), true
}

// ShouldExitStopLoss 判断当前价格是否越过了止损线
func (s *EMACrossStrategy) ShouldExitStopLoss(entryPrice, currentPrice float64, side models.PositionSide) bool {
	stop, ok := s.StopLossPrice(entryPrice, side)
	if !ok {
		return false
	}
	if side == models.SideShort {
		return currentPrice >= stop
	}
	return currentPrice <= stop
}

// ShouldExitTakeProfit 判断当前价格是否越过了止盈线
func (s *EMACrossStrategy) ShouldExitTakeProfit(entryPrice, currentPrice float64, side models.PositionSide) bool {
	target, ok := s.TakeProfitPrice(entryPrice, side)
	if !ok {
		return false
	}
	if side == models.SideShort {
		return currentPrice <= target
	}
	return currentPrice >= target
}

// CheckExit 判断当前K线是否触发持仓的止损或止盈。
// 止损优先于止盈；成交价取规则推导价而非收盘价。
func (s *EMACrossStrategy) CheckExit(pos *models.Position, bar models.Bar) (float64, models.ExitReason, bool) {
	if pos == nil {
		return 0, "", false
	}
	if s.ShouldExitStopLoss(pos.EntryPrice, bar.Close, pos.Side) {
		price, _ := s.StopLossPrice(pos.EntryPrice, pos.Side)
		return price, models.ExitStopLoss, true
	}
	if s.ShouldExitTakeProfit(pos.EntryPrice, bar.Close, pos.Side) {
		price, _ := s.TakeProfitPrice(pos.EntryPrice, pos.Side)
		return price, models.ExitTakeProfit, true
	}
	return 0, "", false
}

// checkSorted 校验时间戳严格递增
func checkSorted(bars []models.Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return ErrUnsortedBars
		}
	}
	return nil
}
