package bot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockBroker is a hand-written fake for the Broker interface.
type mockBroker struct {
	mu            sync.Mutex
	bars          []models.Bar
	barsErr       error
	posQueue      []*models.BrokerPosition
	posErr        error
	placedOrders  []models.OrderRequest
	placeErr      error
	closedSymbols []string
}

func (m *mockBroker) GetLatestBars(symbol, timeframe string, count int) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.barsErr != nil {
		return nil, m.barsErr
	}
	return m.bars, nil
}

func (m *mockBroker) GetPosition(symbol string) (*models.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posErr != nil {
		return nil, m.posErr
	}
	if len(m.posQueue) == 0 {
		return nil, nil
	}
	p := m.posQueue[0]
	m.posQueue = m.posQueue[1:]
	return p, nil
}

func (m *mockBroker) PlaceOrder(req models.OrderRequest) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.placedOrders = append(m.placedOrders, req)
	return &models.Order{ID: "order-1", Symbol: req.Symbol, Status: "accepted"}, nil
}

func (m *mockBroker) ClosePosition(symbol string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedSymbols = append(m.closedSymbols, symbol)
	return &models.Order{ID: "close-1", Symbol: symbol, Status: "accepted"}, nil
}

func (m *mockBroker) orders() []models.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderRequest(nil), m.placedOrders...)
}

func (m *mockBroker) closed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closedSymbols...)
}

// mockRecorder signals on a channel after every cycle so tests can
// synchronize with the bot's background loop.
type mockRecorder struct {
	mu       sync.Mutex
	finishes []string
	statsCh  chan [2]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{statsCh: make(chan [2]int, 16)}
}

func (m *mockRecorder) UpdateRunStats(runID string, signalsGenerated, ordersPlaced int) error {
	m.statsCh <- [2]int{signalsGenerated, ordersPlaced}
	return nil
}

func (m *mockRecorder) FinishRun(runID, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishes = append(m.finishes, status)
	return nil
}

func (m *mockRecorder) finished() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.finishes...)
}

func waitCycle(t *testing.T, rec *mockRecorder) [2]int {
	t.Helper()
	select {
	case stats := <-rec.statsCh:
		return stats
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a bot cycle")
		return [2]int{}
	}
}

func barsWithCloses(closes []float64) []models.Bar {
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{Timestamp: base.Add(time.Duration(i) * time.Minute), Close: c, Volume: 10}
	}
	return bars
}

func liveConfig() *models.BotConfig {
	return &models.BotConfig{
		ID:            1,
		Symbol:        "AAPL",
		Timeframe:     "1Min",
		FastEMAPeriod: 2,
		SlowEMAPeriod: 4,
		Quantity:      10,
	}
}

func startTestBot(t *testing.T, broker *mockBroker, rec *mockRecorder) *TradingBot {
	t.Helper()
	b, err := NewTradingBot(liveConfig(), "run-1", broker, rec, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func TestBot_BuySignalPlacesOrder(t *testing.T) {
	// 金叉恰好出现在最后一根K线上
	broker := &mockBroker{bars: barsWithCloses([]float64{10, 10, 10, 10, 12})}
	rec := newMockRecorder()

	b := startTestBot(t, broker, rec)
	stats := waitCycle(t, rec)

	assert.Equal(t, [2]int{1, 1}, stats)
	orders := broker.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "buy", orders[0].Side)
	assert.Equal(t, "market", orders[0].Type)

	status := b.Status()
	assert.Equal(t, "BUY", status.LastSignal)
	require.NotNil(t, status.CurrentPrice)
	assert.Equal(t, 12.0, *status.CurrentPrice)
	require.NotNil(t, status.FastEMAValue)
	require.NotNil(t, status.SlowEMAValue)
	assert.Greater(t, *status.FastEMAValue, *status.SlowEMAValue)
	require.NotNil(t, status.LastCheckTime)
	require.NotNil(t, status.NextCheckTime)
	assert.True(t, status.NextCheckTime.After(*status.LastCheckTime))
}

func TestBot_InsufficientDataSkipsCycle(t *testing.T) {
	// 只有3根K线，少于慢线周期4：跳过而不是报错
	broker := &mockBroker{bars: barsWithCloses([]float64{10, 11, 12})}
	rec := newMockRecorder()

	b := startTestBot(t, broker, rec)
	stats := waitCycle(t, rec)

	assert.Equal(t, [2]int{0, 0}, stats)
	assert.Empty(t, broker.orders())
	status := b.Status()
	assert.Empty(t, status.LastError)
	assert.True(t, b.IsRunning())
}

func TestBot_SellSignalClosesLong(t *testing.T) {
	// 死叉在最后一根上；第一次持仓查询为空（信号门槛），
	// 第二次返回多头（卖出路径重新确认）
	broker := &mockBroker{
		bars: barsWithCloses([]float64{10, 10, 10, 10, 8}),
		posQueue: []*models.BrokerPosition{
			nil,
			{Symbol: "AAPL", Side: "long", Qty: "10"},
		},
	}
	rec := newMockRecorder()

	b := startTestBot(t, broker, rec)
	stats := waitCycle(t, rec)

	assert.Equal(t, [2]int{1, 1}, stats)
	assert.Equal(t, []string{"AAPL"}, broker.closed())
	assert.Empty(t, broker.orders())
	assert.Equal(t, "SELL", b.Status().LastSignal)
}

func TestBot_SellWithoutLongIsNoOp(t *testing.T) {
	// 死叉但没有任何持仓：记信号，不下单，不开新空头
	broker := &mockBroker{bars: barsWithCloses([]float64{10, 10, 10, 10, 8})}
	rec := newMockRecorder()

	b := startTestBot(t, broker, rec)
	stats := waitCycle(t, rec)

	assert.Equal(t, [2]int{1, 0}, stats)
	assert.Empty(t, broker.orders())
	assert.Empty(t, broker.closed())
	assert.Empty(t, b.Status().LastError)
}

func TestBot_ExistingPositionBlocksSignal(t *testing.T) {
	// 金叉但已有持仓：信号不计数也不下单
	broker := &mockBroker{
		bars:     barsWithCloses([]float64{10, 10, 10, 10, 12}),
		posQueue: []*models.BrokerPosition{{Symbol: "AAPL", Side: "long", Qty: "10"}},
	}
	rec := newMockRecorder()

	b := startTestBot(t, broker, rec)
	stats := waitCycle(t, rec)

	assert.Equal(t, [2]int{0, 0}, stats)
	assert.Empty(t, broker.orders())
	assert.Empty(t, b.Status().LastSignal)
}

func TestBot_CycleFailureIsNotFatal(t *testing.T) {
	broker := &mockBroker{barsErr: errors.New("market data unavailable")}
	rec := newMockRecorder()

	b := startTestBot(t, broker, rec)
	waitCycle(t, rec)

	// 失败记入 last_error，循环继续运行
	status := b.Status()
	assert.Contains(t, status.LastError, "market data unavailable")
	assert.True(t, b.IsRunning())
	assert.NoError(t, b.FatalError())
}

func TestBot_StopPersistsStoppedStatus(t *testing.T) {
	broker := &mockBroker{bars: barsWithCloses([]float64{10, 10, 10, 10, 10})}
	rec := newMockRecorder()

	b, err := NewTradingBot(liveConfig(), "run-1", broker, rec, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, b.Start())
	waitCycle(t, rec)

	b.Stop()
	assert.False(t, b.IsRunning())
	assert.Equal(t, []string{models.RunStatusStopped}, rec.finished())

	// 重复 Stop 是安全的空操作
	b.Stop()
	assert.Equal(t, []string{models.RunStatusStopped}, rec.finished())
}

func TestManager_SecondStartRejected(t *testing.T) {
	broker := &mockBroker{bars: barsWithCloses([]float64{10, 10, 10, 10, 10})}
	rec := newMockRecorder()
	m := NewManager(zap.NewNop().Sugar())

	first, err := m.StartBot(liveConfig(), "run-1", Collaborators{Broker: broker, Recorder: rec})
	require.NoError(t, err)
	defer m.StopBot()
	waitCycle(t, rec)

	// 第二次启动被同步拒绝，原实例不受影响
	_, err = m.StartBot(liveConfig(), "run-2", Collaborators{Broker: broker, Recorder: rec})
	assert.ErrorIs(t, err, ErrBotAlreadyRunning)
	assert.Same(t, first, m.GetBot())
	assert.True(t, m.GetBot().IsRunning())
}

func TestManager_StopClearsInstance(t *testing.T) {
	broker := &mockBroker{bars: barsWithCloses([]float64{10, 10, 10, 10, 10})}
	rec := newMockRecorder()
	m := NewManager(zap.NewNop().Sugar())

	_, err := m.StartBot(liveConfig(), "run-1", Collaborators{Broker: broker, Recorder: rec})
	require.NoError(t, err)
	waitCycle(t, rec)

	require.NoError(t, m.StopBot())
	assert.Nil(t, m.GetBot())

	// 再停一次没有实例可停
	assert.ErrorIs(t, m.StopBot(), ErrNoBotRunning)

	// 停止后可以再次启动
	_, err = m.StartBot(liveConfig(), "run-3", Collaborators{Broker: broker, Recorder: rec})
	require.NoError(t, err)
	require.NoError(t, m.StopBot())
}

func TestManager_InvalidConfigRejected(t *testing.T) {
	m := NewManager(zap.NewNop().Sugar())
	cfg := liveConfig()
	cfg.SlowEMAPeriod = 1 // 慢线必须大于快线

	_, err := m.StartBot(cfg, "run-1", Collaborators{Broker: &mockBroker{}})
	assert.Error(t, err)
	assert.Nil(t, m.GetBot())
}
