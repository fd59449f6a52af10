package bot

import (
	"errors"
	"sync"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/persistence"
	"go.uber.org/zap"
)

var (
	// ErrBotAlreadyRunning 表示已有机器人在运行，拒绝再启动一个
	ErrBotAlreadyRunning = errors.New("bot: an instance is already running")
	// ErrNoBotRunning 表示当前没有运行中的机器人
	ErrNoBotRunning = errors.New("bot: no instance is running")
)

// Collaborators 打包机器人依赖的外部协作方
type Collaborators struct {
	Broker    Broker
	Recorder  RunRecorder                    // 可为 nil
	Prices    PriceSource                    // 可为 nil
	Snapshots persistence.SnapshotRepository // 可为 nil
}

// Manager 保证整个进程同时最多有一个运行中的机器人。
// 启动/停止操作互斥串行；GetBot 读取不加锁，只用于展示快照。
type Manager struct {
	mu     sync.Mutex
	bot    *TradingBot
	logger *zap.SugaredLogger
}

// NewManager 创建一个生命周期管理器
func NewManager(logger *zap.SugaredLogger) *Manager {
	return &Manager{logger: logger}
}

// StartBot 构造并启动一个新机器人。已有实例在运行时返回 ErrBotAlreadyRunning，
// 不产生任何状态变化。
func (m *Manager) StartBot(config *models.BotConfig, runID string, c Collaborators) (*TradingBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bot != nil && m.bot.IsRunning() {
		return nil, ErrBotAlreadyRunning
	}

	b, err := NewTradingBot(config, runID, c.Broker, c.Recorder, c.Prices, c.Snapshots, m.logger)
	if err != nil {
		return nil, err
	}
	if err := b.Start(); err != nil {
		return nil, err
	}

	m.bot = b
	return b, nil
}

// StopBot 停止当前机器人并清除引用。没有实例时返回 ErrNoBotRunning。
func (m *Manager) StopBot() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bot == nil {
		return ErrNoBotRunning
	}
	m.bot.Stop()
	m.bot = nil
	return nil
}

// GetBot 返回当前机器人实例，没有时返回 nil
func (m *Manager) GetBot() *TradingBot {
	return m.bot
}
