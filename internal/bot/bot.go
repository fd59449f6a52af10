package bot

import (
	"fmt"
	"sync"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/alpaca"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/persistence"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/strategy"
	"go.uber.org/zap"
)

// Broker 抽象了机器人需要的行情和下单能力
type Broker interface {
	GetLatestBars(symbol, timeframe string, count int) ([]models.Bar, error)
	GetPosition(symbol string) (*models.BrokerPosition, error)
	PlaceOrder(req models.OrderRequest) (*models.Order, error)
	ClosePosition(symbol string) (*models.Order, error)
}

// RunRecorder 把运行计数和终态写入运行记录
type RunRecorder interface {
	UpdateRunStats(runID string, signalsGenerated, ordersPlaced int) error
	FinishRun(runID, status, errorMessage string) error
}

// PriceSource 是可选的实时价格来源（WebSocket行情流）。
// 未配置时机器人用最后一根K线的收盘价作为当前价。
type PriceSource interface {
	LastPrice() (float64, bool)
}

// CycleStatus 标记一个周期的结果类型
type CycleStatus int

const (
	// CycleProcessed 周期完整执行（可能有信号也可能没有）
	CycleProcessed CycleStatus = iota
	// CycleSkipped 数据不足，本周期跳过，不算错误
	CycleSkipped
	// CycleFailed 周期内某个外部调用失败，记入 last_error 后继续
	CycleFailed
)

// CycleOutcome 是一个周期的显式结果，跳过和失败不再用异常表达
type CycleOutcome struct {
	Status CycleStatus
	Signal *models.Signal // 仅当 Processed 且最后一根K线上有交叉时非空
	Reason string         // Skipped 时的原因说明
	Err    error          // Failed 时的错误
}

// TradingBot 按固定周期驱动EMA交叉策略对单个标的做纸面交易。
// 每个进程同时最多运行一个实例，由 Manager 保证。
type TradingBot struct {
	config   *models.BotConfig
	strat    *strategy.EMACrossStrategy
	broker   Broker
	recorder RunRecorder                    // 可为 nil
	prices   PriceSource                    // 可为 nil
	repo     persistence.SnapshotRepository // 可为 nil
	logger   *zap.SugaredLogger

	runID    string
	interval time.Duration

	mutex       sync.RWMutex
	isRunning   bool
	stopChannel chan bool
	doneChannel chan struct{}
	status      models.BotStatus
	fatalErr    error
}

// NewTradingBot 创建一个尚未启动的机器人实例
func NewTradingBot(
	config *models.BotConfig,
	runID string,
	broker Broker,
	recorder RunRecorder,
	prices PriceSource,
	repo persistence.SnapshotRepository,
	logger *zap.SugaredLogger,
) (*TradingBot, error) {
	strat, err := strategy.NewEMACrossStrategy(
		config.FastEMAPeriod, config.SlowEMAPeriod,
		config.StopLossPercent, config.TakeProfitPercent,
	)
	if err != nil {
		return nil, err
	}

	return &TradingBot{
		config:   config,
		strat:    strat,
		broker:   broker,
		recorder: recorder,
		prices:   prices,
		repo:     repo,
		logger:   logger,
		runID:    runID,
		interval: alpaca.BarInterval(config.Timeframe),
		status: models.BotStatus{
			RunID:     runID,
			Symbol:    config.Symbol,
			Timeframe: config.Timeframe,
		},
	}, nil
}

// Start 启动机器人的周期循环
func (b *TradingBot) Start() error {
	b.mutex.Lock()
	if b.isRunning {
		b.mutex.Unlock()
		return fmt.Errorf("机器人已在运行")
	}
	now := time.Now().UTC()
	b.isRunning = true
	b.stopChannel = make(chan bool)
	b.doneChannel = make(chan struct{})
	b.status.IsRunning = true
	b.status.StartedAt = &now
	b.mutex.Unlock()

	go b.runLoop()

	b.logger.Infof("交易机器人已启动: %s @ %s, 轮询间隔 %s", b.config.Symbol, b.config.Timeframe, b.interval)
	return nil
}

// Stop 请求机器人停止，并等待当前周期结束。
// 对已停止的机器人调用是安全的空操作。
func (b *TradingBot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	close(b.stopChannel)
	b.mutex.Unlock()

	<-b.doneChannel
	b.logger.Infof("交易机器人已停止: %s", b.config.Symbol)
}

// IsRunning 返回机器人是否仍在运行
func (b *TradingBot) IsRunning() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.isRunning
}

// Status 返回运行时状态的拷贝，供状态查询使用
func (b *TradingBot) Status() models.BotStatus {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.status
}

// FatalError 返回导致循环终止的致命错误（正常停止时为 nil）
func (b *TradingBot) FatalError() error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.fatalErr
}

// runLoop 是机器人主循环：立即执行第一个周期，之后按间隔重复。
// 单个周期的失败不会终止循环；从循环顶层逃逸的异常才是致命的。
func (b *TradingBot) runLoop() {
	defer close(b.doneChannel)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("机器人循环发生致命错误: %v", r)
			b.logger.Error(err)
			b.enterErrored(err)
			return
		}
		b.finalize(models.RunStatusStopped, "")
	}()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChannel:
			return
		default:
		}

		outcome := b.executeCycle()
		b.afterCycle(outcome)

		select {
		case <-b.stopChannel:
			return
		case <-ticker.C:
		}
	}
}

// enterErrored 把机器人转入 Errored 终态并持久化错误信息
func (b *TradingBot) enterErrored(err error) {
	b.mutex.Lock()
	b.isRunning = false
	b.fatalErr = err
	b.status.IsRunning = false
	b.status.LastError = err.Error()
	b.mutex.Unlock()

	b.persistSnapshot()
	if b.recorder != nil {
		if rerr := b.recorder.FinishRun(b.runID, models.RunStatusError, err.Error()); rerr != nil {
			b.logger.Errorf("写入运行终态失败: %v", rerr)
		}
	}
}

// finalize 是循环的最后动作：持久化停止状态
func (b *TradingBot) finalize(status, errMsg string) {
	b.mutex.Lock()
	b.isRunning = false
	b.status.IsRunning = false
	b.mutex.Unlock()

	b.persistSnapshot()
	if b.recorder != nil {
		if err := b.recorder.FinishRun(b.runID, status, errMsg); err != nil {
			b.logger.Errorf("写入运行终态失败: %v", err)
		}
	}
}

// executeCycle 执行一个交易周期并返回显式结果
func (b *TradingBot) executeCycle() CycleOutcome {
	now := time.Now().UTC()
	next := now.Add(b.interval)
	b.mutex.Lock()
	b.status.LastCheckTime = &now
	b.status.NextCheckTime = &next
	b.mutex.Unlock()

	// 1. 取最近 2×慢线周期 根K线
	lookback := 2 * b.config.SlowEMAPeriod
	bars, err := b.broker.GetLatestBars(b.config.Symbol, b.config.Timeframe, lookback)
	if err != nil {
		return CycleOutcome{Status: CycleFailed, Err: fmt.Errorf("获取K线失败: %w", err)}
	}
	if len(bars) < b.config.SlowEMAPeriod {
		return CycleOutcome{
			Status: CycleSkipped,
			Reason: fmt.Sprintf("K线数量不足: 取到 %d 根, 需要 %d 根", len(bars), b.config.SlowEMAPeriod),
		}
	}

	// 2. 更新当前价：优先实时行情流，否则用最后一根K线收盘价
	currentPrice := bars[len(bars)-1].Close
	if b.prices != nil {
		if p, ok := b.prices.LastPrice(); ok {
			currentPrice = p
		}
	}
	b.mutex.Lock()
	b.status.CurrentPrice = &currentPrice
	b.mutex.Unlock()

	// 3. 查询该标的是否已有持仓
	position, err := b.broker.GetPosition(b.config.Symbol)
	if err != nil {
		return CycleOutcome{Status: CycleFailed, Err: fmt.Errorf("查询持仓失败: %w", err)}
	}

	// 4. 跑策略并更新EMA遥测
	signal, err := b.strat.LatestSignal(bars)
	if err != nil {
		return CycleOutcome{Status: CycleFailed, Err: fmt.Errorf("策略计算失败: %w", err)}
	}
	if b.strat.HasValues {
		fast, slow := b.strat.LastFast, b.strat.LastSlow
		b.mutex.Lock()
		b.status.FastEMAValue = &fast
		b.status.SlowEMAValue = &slow
		b.mutex.Unlock()
	}

	// 5. 只有最后一根K线上有交叉且当前无持仓时才行动
	if signal == nil || position != nil {
		return CycleOutcome{Status: CycleProcessed}
	}

	sigTime := time.Now().UTC()
	b.mutex.Lock()
	b.status.SignalsGenerated++
	b.status.LastSignal = string(signal.Type)
	b.status.LastSignalTime = &sigTime
	b.mutex.Unlock()

	if err := b.actOnSignal(signal); err != nil {
		return CycleOutcome{Status: CycleFailed, Signal: signal, Err: err}
	}
	return CycleOutcome{Status: CycleProcessed, Signal: signal}
}

// actOnSignal 按信号方向下市价单。
// BUY 开多；SELL 只平已有多头，没有多头时记录空操作，不开新空头。
func (b *TradingBot) actOnSignal(signal *models.Signal) error {
	switch signal.Type {
	case models.SignalBuy:
		order, err := b.broker.PlaceOrder(models.OrderRequest{
			Symbol:      b.config.Symbol,
			Qty:         fmt.Sprintf("%g", b.config.Quantity),
			Side:        "buy",
			Type:        "market",
			TimeInForce: "gtc",
		})
		if err != nil {
			return fmt.Errorf("提交买单失败: %w", err)
		}
		b.mutex.Lock()
		b.status.OrdersPlaced++
		b.mutex.Unlock()
		b.logger.Infof("已提交买单 %s: order_id=%s", b.config.Symbol, order.ID)

	case models.SignalSell:
		position, err := b.broker.GetPosition(b.config.Symbol)
		if err != nil {
			return fmt.Errorf("卖出前查询持仓失败: %w", err)
		}
		if position == nil || position.Side != "long" {
			b.logger.Infof("SELL信号但没有可平的多头持仓: %s", b.config.Symbol)
			return nil
		}
		order, err := b.broker.ClosePosition(b.config.Symbol)
		if err != nil {
			return fmt.Errorf("平仓失败: %w", err)
		}
		b.mutex.Lock()
		b.status.OrdersPlaced++
		b.mutex.Unlock()
		b.logger.Infof("已平掉多头持仓 %s: order_id=%s", b.config.Symbol, order.ID)
	}
	return nil
}

// afterCycle 处理周期结果：记录错误、持久化计数和快照
func (b *TradingBot) afterCycle(outcome CycleOutcome) {
	switch outcome.Status {
	case CycleSkipped:
		b.logger.Warnf("周期跳过: %s", outcome.Reason)
	case CycleFailed:
		b.logger.Errorf("周期执行失败: %v", outcome.Err)
		b.mutex.Lock()
		b.status.LastError = outcome.Err.Error()
		b.mutex.Unlock()
	}

	if b.recorder != nil {
		status := b.Status()
		if err := b.recorder.UpdateRunStats(b.runID, status.SignalsGenerated, status.OrdersPlaced); err != nil {
			b.logger.Errorf("更新运行计数失败: %v", err)
		}
	}
	b.persistSnapshot()
}

// persistSnapshot 把当前遥测快照写入快照库（未配置时跳过）
func (b *TradingBot) persistSnapshot() {
	if b.repo == nil {
		return
	}
	snapshot := &models.BotSnapshot{
		RunID:          b.runID,
		ConfigID:       b.config.ID,
		Version:        1,
		Status:         b.Status(),
		LastUpdateTime: time.Now().UTC(),
	}
	if err := b.repo.SaveSnapshot(snapshot); err != nil {
		b.logger.Errorf("保存运行快照失败: %v", err)
	}
}
