package backtest

import (
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/logger"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/strategy"
)

// Simulator 在一段历史K线上确定性地重放EMA交叉策略。
// 同一份输入永远产生同一份结果，不依赖时钟和外部服务。
type Simulator struct {
	cfg            *models.BotConfig
	strat          *strategy.EMACrossStrategy
	initialCapital float64

	cash     float64
	position *models.Position
	trades   []models.CompletedTrade
	equity   []models.EquityPoint
}

// New 根据策略配置创建一个回测模拟器
func New(cfg *models.BotConfig, initialCapital float64) (*Simulator, error) {
	strat, err := strategy.NewEMACrossStrategy(cfg.FastEMAPeriod, cfg.SlowEMAPeriod, cfg.StopLossPercent, cfg.TakeProfitPercent)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		cfg:            cfg,
		strat:          strat,
		initialCapital: initialCapital,
	}, nil
}

// Run 执行回测并返回完整结果。
// 每根K线的处理顺序：先检查止损/止盈，再处理交叉信号，最后记录权益点。
func (s *Simulator) Run(bars []models.Bar) (*models.BacktestResult, error) {
	signals, err := s.strat.GenerateSignals(bars)
	if err != nil {
		return nil, err
	}

	// 按时间戳索引信号，回放时逐根查找
	signalAt := make(map[time.Time]models.Signal, len(signals))
	for _, sig := range signals {
		signalAt[sig.Timestamp] = sig
	}

	s.cash = s.initialCapital
	s.position = nil
	s.trades = make([]models.CompletedTrade, 0)
	s.equity = make([]models.EquityPoint, 0, len(bars))

	for _, bar := range bars {
		// 止损/止盈优先于信号
		if s.position != nil {
			if price, reason, ok := s.strat.CheckExit(s.position, bar); ok {
				s.closePosition(bar.Timestamp, price, reason)
			}
		}

		// 只有空仓时才处理新信号：BUY开多，SELL开空。
		// 持仓期间出现的信号被忽略，仓位只靠止损/止盈或回测结束退出。
		if sig, ok := signalAt[bar.Timestamp]; ok && s.position == nil {
			side := models.SideLong
			if sig.Type == models.SignalSell {
				side = models.SideShort
			}
			s.tryOpen(bar, side)
		}

		s.equity = append(s.equity, models.EquityPoint{
			Timestamp: bar.Timestamp,
			Equity:    s.markToMarket(bar.Close),
		})
	}

	// 回测结束时强制平掉剩余持仓
	if s.position != nil {
		last := bars[len(bars)-1]
		s.closePosition(last.Timestamp, last.Close, models.ExitEndOfBacktest)
	}

	return s.buildResult(bars), nil
}

// tryOpen 尝试按收盘价开仓。现金不足时跳过并记录日志。
func (s *Simulator) tryOpen(bar models.Bar, side models.PositionSide) {
	cost := bar.Close * s.cfg.Quantity
	if cost > s.cash {
		logger.S().Warnf("回测: 现金不足, 跳过 %s 的开仓信号 (需要 %.2f, 可用 %.2f)",
			bar.Timestamp.Format(time.RFC3339), cost, s.cash)
		return
	}
	s.cash -= cost
	s.position = &models.Position{
		EntryTime:  bar.Timestamp,
		Side:       side,
		EntryPrice: bar.Close,
		Quantity:   s.cfg.Quantity,
	}
}

// closePosition 按给定价格平仓并记录一笔完成的交易。
// 多头盈亏为 (出场-入场)×数量，空头相反。
func (s *Simulator) closePosition(ts time.Time, price float64, reason models.ExitReason) {
	pos := s.position
	s.cash += price * pos.Quantity

	var pnl float64
	if pos.Side == models.SideShort {
		pnl = (pos.EntryPrice - price) * pos.Quantity
	} else {
		pnl = (price - pos.EntryPrice) * pos.Quantity
	}

	s.trades = append(s.trades, models.CompletedTrade{
		EntryTime:  pos.EntryTime,
		ExitTime:   ts,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		PnLPercent: pnl / (pos.EntryPrice * pos.Quantity) * 100,
		ExitReason: reason,
	})
	s.position = nil
}

// markToMarket 返回当前总权益：现金加上按给定价格估值的持仓
func (s *Simulator) markToMarket(price float64) float64 {
	equity := s.cash
	if s.position != nil {
		equity += s.position.Quantity * price
	}
	return equity
}

func (s *Simulator) buildResult(bars []models.Bar) *models.BacktestResult {
	// 最终资金取权益曲线的最后一个点（结束时已强制平仓，与现金一致）
	finalCapital := s.initialCapital
	if len(s.equity) > 0 {
		finalCapital = s.equity[len(s.equity)-1].Equity
	}

	result := &models.BacktestResult{
		Symbol:         s.cfg.Symbol,
		Timeframe:      s.cfg.Timeframe,
		StartDate:      bars[0].Timestamp,
		EndDate:        bars[len(bars)-1].Timestamp,
		FastEMAPeriod:  s.cfg.FastEMAPeriod,
		SlowEMAPeriod:  s.cfg.SlowEMAPeriod,
		InitialCapital: s.initialCapital,
		FinalCapital:   finalCapital,
		TotalPnL:       finalCapital - s.initialCapital,
		TotalTrades:    len(s.trades),
		EquityCurve:    s.equity,
		Trades:         s.trades,
	}
	if s.initialCapital > 0 {
		result.TotalPnLPercent = result.TotalPnL / s.initialCapital * 100
	}

	for _, t := range s.trades {
		if t.PnL > 0 {
			result.WinningTrades++
		} else if t.PnL < 0 {
			result.LosingTrades++
		}
	}
	if result.TotalTrades > 0 {
		result.WinRate = float64(result.WinningTrades) / float64(result.TotalTrades) * 100
	}

	result.MaxDrawdown, result.MaxDrawdownPercent = maxDrawdown(s.equity)
	return result
}

// maxDrawdown 计算权益曲线相对历史峰值的最大回撤（绝对值和百分比）
func maxDrawdown(curve []models.EquityPoint) (float64, float64) {
	var peak, maxDD, maxDDPct float64
	for i, p := range curve {
		if i == 0 || p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > maxDD {
			maxDD = dd
			if peak > 0 {
				maxDDPct = dd / peak * 100
			}
		}
	}
	return maxDD, maxDDPct
}
