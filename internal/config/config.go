package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	applyDefaults(config)
	return config, nil
}

// applyDefaults 为未填写的可选配置项填充默认值
func applyDefaults(cfg *models.Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "papertrader.db"
	}
	if cfg.SnapshotDBPath == "" {
		cfg.SnapshotDBPath = "data/snapshots"
	}
	if cfg.AlpacaBaseURL == "" {
		cfg.AlpacaBaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.AlpacaDataURL == "" {
		cfg.AlpacaDataURL = "https://data.alpaca.markets"
	}
	if cfg.AlpacaStreamURL == "" {
		cfg.AlpacaStreamURL = "wss://stream.data.alpaca.markets/v2/iex"
	}
	if cfg.CryptoLoc == "" {
		cfg.CryptoLoc = "us"
	}
	if cfg.TokenTTLMinutes <= 0 {
		cfg.TokenTTLMinutes = 60
	}
}

// ValidateBotConfig 校验策略配置参数，非法时返回错误
func ValidateBotConfig(bc *models.BotConfig) error {
	if bc.Symbol == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	if bc.Timeframe == "" {
		return fmt.Errorf("timeframe 不能为空")
	}
	if bc.FastEMAPeriod < 1 {
		return fmt.Errorf("fast_ema_period 必须大于等于1, got %d", bc.FastEMAPeriod)
	}
	if bc.SlowEMAPeriod <= bc.FastEMAPeriod {
		return fmt.Errorf("slow_ema_period (%d) 必须大于 fast_ema_period (%d)", bc.SlowEMAPeriod, bc.FastEMAPeriod)
	}
	if bc.Quantity <= 0 {
		return fmt.Errorf("quantity 必须为正数, got %f", bc.Quantity)
	}
	if bc.StopLossPercent != nil && (*bc.StopLossPercent <= 0 || *bc.StopLossPercent >= 100) {
		return fmt.Errorf("stop_loss_percent 必须在 (0, 100) 区间内, got %f", *bc.StopLossPercent)
	}
	if bc.TakeProfitPercent != nil && (*bc.TakeProfitPercent <= 0 || *bc.TakeProfitPercent >= 100) {
		return fmt.Errorf("take_profit_percent 必须在 (0, 100) 区间内, got %f", *bc.TakeProfitPercent)
	}
	return nil
}
