package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/alpaca"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/api"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/backtest"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/bot"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/config"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/downloader"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/logger"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/persistence"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/reporter"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/storage"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "serve", "running mode: serve or backtest")

	// 回测模式专用参数
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., AAPL or BTC/USD)")
	timeframe := flag.String("timeframe", "5Min", "bar timeframe (e.g., 5Min, 1Hour, 1Day)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	dataPath := flag.String("data", "", "path to a local CSV data file for backtesting")
	source := flag.String("source", "alpaca", "historical data source: alpaca, binance or csv")
	fastPeriod := flag.Int("fast", 9, "fast EMA period")
	slowPeriod := flag.Int("slow", 21, "slow EMA period")
	quantity := flag.Float64("qty", 1, "quantity per trade")
	stopLoss := flag.Float64("sl", 0, "stop loss percent (0 disables)")
	takeProfit := flag.Float64("tp", 0, "take profit percent (0 disables)")
	capital := flag.Float64("capital", 10000, "initial capital for backtesting")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 加载配置前就需要能输出日志，先用默认配置初始化一次
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	// --- 根据模式执行 ---
	switch *mode {
	case "serve":
		runServeMode(cfg)
	case "backtest":
		bc := &models.BotConfig{
			Symbol:        *symbol,
			Timeframe:     *timeframe,
			FastEMAPeriod: *fastPeriod,
			SlowEMAPeriod: *slowPeriod,
			Quantity:      *quantity,
		}
		if *stopLoss > 0 {
			bc.StopLossPercent = stopLoss
		}
		if *takeProfit > 0 {
			bc.TakeProfitPercent = takeProfit
		}
		runBacktestMode(cfg, bc, *source, *dataPath, *startDate, *endDate, *capital)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'serve' 或 'backtest'。", *mode)
	}
}

// runServeMode 启动HTTP服务和机器人管理器
func runServeMode(cfg *models.Config) {
	logger.S().Info("--- 启动服务模式 ---")

	// 从环境变量加载API密钥
	apiKey := os.Getenv("ALPACA_API_KEY")
	secretKey := os.Getenv("ALPACA_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：ALPACA_API_KEY 和 ALPACA_SECRET_KEY 环境变量必须被设置。")
	}
	jwtSecret := os.Getenv("JWT_SECRET_KEY")
	if err := api.ValidateJWTSecret(jwtSecret); err != nil {
		logger.S().Fatalf("JWT_SECRET_KEY 不可用: %v", err)
	}

	// 初始化sqlite存储
	db, err := storage.InitDB(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("初始化数据库失败: %v", err)
	}
	defer db.Close()

	// 初始化badger快照存储
	snapshots, err := persistence.NewBadgerRepository(cfg.SnapshotDBPath)
	if err != nil {
		logger.S().Fatalf("初始化快照存储失败: %v", err)
	}
	defer snapshots.Close()

	// 初始化券商客户端和管理器
	broker := alpaca.NewClient(apiKey, secretKey, cfg.AlpacaBaseURL, cfg.AlpacaDataURL, cfg.CryptoLoc, logger.S())
	manager := bot.NewManager(logger.S())

	// 可选：WebSocket实时价格流
	var newStream api.StreamFactory
	if cfg.EnablePriceStream {
		newStream = func(symbol string) api.PriceStream {
			return alpaca.NewTradeStream(cfg.AlpacaStreamURL, apiKey, secretKey, symbol, logger.S())
		}
	}

	server, err := api.NewServer(cfg, db, manager, broker, snapshots, newStream, jwtSecret, logger.S())
	if err != nil {
		logger.S().Fatalf("组装HTTP服务失败: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.S().Info("收到退出信号，开始优雅关闭...")
	case err := <-serverErr:
		if err != nil {
			logger.S().Fatalf("HTTP服务异常退出: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.S().Errorf("关闭HTTP服务失败: %v", err)
	}
	logger.S().Info("服务已成功停止。")
}

// runBacktestMode 按参数拉取历史数据，跑一次回测并打印报告
func runBacktestMode(cfg *models.Config, bc *models.BotConfig, source, dataPath, startDate, endDate string, capital float64) {
	logger.S().Info("--- 启动回测模式 ---")

	if err := config.ValidateBotConfig(bc); err != nil {
		logger.S().Fatalf("策略参数错误: %v", err)
	}

	bars, err := loadBacktestBars(cfg, bc, source, dataPath, startDate, endDate)
	if err != nil {
		logger.S().Fatal(err)
	}
	logger.S().Infof("共加载 %d 根K线。", len(bars))

	sim, err := backtest.New(bc, capital)
	if err != nil {
		logger.S().Fatalf("初始化回测失败: %v", err)
	}

	result, err := sim.Run(bars)
	if err != nil {
		logger.S().Fatalf("回测失败: %v", err)
	}

	reporter.PrintReport(result)
}

// loadBacktestBars 按数据源加载回测用的历史K线
func loadBacktestBars(cfg *models.Config, bc *models.BotConfig, source, dataPath, startDate, endDate string) ([]models.Bar, error) {
	if source == "csv" || dataPath != "" {
		if dataPath == "" {
			return nil, fmt.Errorf("csv 数据源需要通过 --data 指定文件路径")
		}
		return downloader.LoadBars(dataPath)
	}

	if startDate == "" || endDate == "" {
		return nil, fmt.Errorf("回测需要通过 --start/--end 指定日期范围 (YYYY-MM-DD)")
	}
	start, err1 := time.Parse("2006-01-02", startDate)
	end, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	switch source {
	case "binance":
		// 下载到本地CSV缓存后再读取，重复回测不用重复下载
		d := downloader.NewBarDownloader()
		fileName := fmt.Sprintf("data/%s-%s-%s-%s.csv",
			downloader.BinanceSymbol(bc.Symbol), bc.Timeframe, startDate, endDate)
		if err := d.DownloadBars(bc.Symbol, bc.Timeframe, fileName, start, end); err != nil {
			return nil, fmt.Errorf("下载数据失败: %v", err)
		}
		return downloader.LoadBars(fileName)

	case "alpaca":
		apiKey := os.Getenv("ALPACA_API_KEY")
		secretKey := os.Getenv("ALPACA_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return nil, fmt.Errorf("alpaca 数据源需要设置 ALPACA_API_KEY 和 ALPACA_SECRET_KEY 环境变量")
		}
		client := alpaca.NewClient(apiKey, secretKey, cfg.AlpacaBaseURL, cfg.AlpacaDataURL, cfg.CryptoLoc, logger.S())
		return client.GetBars(bc.Symbol, bc.Timeframe, start, end, 0)
	}

	return nil, fmt.Errorf("未知的数据源: %s。请选择 'alpaca'、'binance' 或 'csv'。", source)
}
