package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/backtest"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/bot"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/config"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/persistence"
	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/storage"
)

// Broker 是API层需要的券商能力，由 alpaca.Client 提供
type Broker interface {
	bot.Broker
	GetAccount() (*models.Account, error)
	GetPositions() ([]models.BrokerPosition, error)
	GetOrders(status string, limit int) ([]models.Order, error)
	GetPortfolioHistory(period, timeframe string) (*models.PortfolioHistory, error)
	GetBars(symbol, timeframe string, start, end time.Time, limit int) ([]models.Bar, error)
}

// StreamFactory 按标的创建实时价格源，未启用WebSocket行情时为 nil
type StreamFactory func(symbol string) PriceStream

// PriceStream 是可启停的实时价格源
type PriceStream interface {
	bot.PriceSource
	Start()
	Stop()
}

// Server 是HTTP服务，聚合配置管理、回测和机器人生命周期接口
type Server struct {
	config    *models.Config
	db        *sql.DB
	manager   *bot.Manager
	broker    Broker
	snapshots persistence.SnapshotRepository
	newStream StreamFactory
	logger    *zap.SugaredLogger
	jwtSecret []byte

	router *gin.Engine
	httpd  *http.Server

	// 当前机器人占用的价格流，停止机器人时一并关闭
	stream PriceStream
}

// NewServer 组装HTTP服务，jwtSecret 必须通过 ValidateJWTSecret 检查
func NewServer(
	cfg *models.Config,
	db *sql.DB,
	manager *bot.Manager,
	broker Broker,
	snapshots persistence.SnapshotRepository,
	newStream StreamFactory,
	jwtSecret string,
	logger *zap.SugaredLogger,
) (*Server, error) {
	if err := ValidateJWTSecret(jwtSecret); err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		db:        db,
		manager:   manager,
		broker:    broker,
		snapshots: snapshots,
		newStream: newStream,
		logger:    logger,
		jwtSecret: []byte(jwtSecret),
	}
	s.router = s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	r.GET("/health", s.handleHealth)
	r.POST("/auth/login", s.handleLogin)

	api := r.Group("/api", s.authMiddleware())
	{
		api.GET("/configs", s.handleListConfigs)
		api.POST("/configs", s.handleSaveConfig)
		api.GET("/configs/:id", s.handleGetConfig)
		api.DELETE("/configs/:id", s.handleDeleteConfig)
		api.GET("/configs/:id/runs", s.handleListRuns)

		api.POST("/bot/backtest", s.handleBacktest)
		api.GET("/backtests", s.handleListBacktests)
		api.GET("/backtests/:id", s.handleGetBacktest)

		api.POST("/bot/start", s.handleStartBot)
		api.POST("/bot/stop", s.handleStopBot)
		api.GET("/bot/status", s.handleBotStatus)

		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.DELETE("/positions/:symbol", s.handleClosePosition)
		api.GET("/orders", s.handleOrders)
		api.POST("/orders", s.handlePlaceOrder)
		api.GET("/portfolio/history", s.handlePortfolioHistory)
		api.GET("/market-data/bars", s.handleBars)
	}

	return r
}

// Run 启动HTTP服务并阻塞直到出错或被 Shutdown 关闭
func (s *Server) Run() error {
	s.httpd = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.router,
	}
	s.logger.Infof("HTTP服务启动, 监听 %s", s.config.ListenAddr)
	err := s.httpd.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭HTTP服务，并停止仍在运行的机器人
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.manager.StopBot(); err != nil && !errors.Is(err, bot.ErrNoBotRunning) {
		s.logger.Errorf("关闭时停止机器人失败: %v", err)
	}
	s.stopStream()

	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

// Router 暴露底层路由，便于测试
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// --- 策略配置 CRUD ---

func (s *Server) handleListConfigs(c *gin.Context) {
	configs, err := storage.ListBotConfigs(s.db)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

func (s *Server) handleSaveConfig(c *gin.Context) {
	var bc models.BotConfig
	if err := c.ShouldBindJSON(&bc); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := config.ValidateBotConfig(&bc); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	if err := storage.UpsertBotConfig(s.db, &bc); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, bc)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	bc, err := storage.GetBotConfig(s.db, id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if bc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "配置不存在"})
		return
	}
	c.JSON(http.StatusOK, bc)
}

func (s *Server) handleDeleteConfig(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	if err := storage.DeleteBotConfig(s.db, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "配置不存在"})
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRuns(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	runs, err := storage.ListRuns(s.db, id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// --- 回测 ---

// backtestRequest 是回测接口的请求体，策略参数内联
type backtestRequest struct {
	models.BotConfig
	StartDate      string  `json:"start_date" binding:"required"` // RFC3339 或 2006-01-02
	EndDate        string  `json:"end_date" binding:"required"`
	InitialCapital float64 `json:"initial_capital"`
}

func (s *Server) handleBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := config.ValidateBotConfig(&req.BotConfig); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_date 必须晚于 start_date"})
		return
	}
	if req.InitialCapital <= 0 {
		req.InitialCapital = 10000
	}

	bars, err := s.broker.GetBars(req.Symbol, req.Timeframe, start, end, 0)
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}

	sim, err := backtest.New(&req.BotConfig, req.InitialCapital)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	result, err := sim.Run(bars)
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, err)
		return
	}

	id := newResultID()
	if err := storage.SaveBacktestResult(s.db, result, id); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	result.ID = id

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListBacktests(c *gin.Context) {
	results, err := storage.ListBacktestResults(s.db)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleGetBacktest(c *gin.Context) {
	result, err := storage.GetBacktestResult(s.db, c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "回测结果不存在"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- 机器人生命周期 ---

type startBotRequest struct {
	ConfigID int64 `json:"config_id" binding:"required"`
}

func (s *Server) handleStartBot(c *gin.Context) {
	var req startBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	bc, err := storage.GetBotConfig(s.db, req.ConfigID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if bc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "配置不存在"})
		return
	}

	runID := uuid.New().String()
	run := &models.BotRun{
		ID:        runID,
		ConfigID:  bc.ID,
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}
	if err := storage.CreateRun(s.db, run); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	var stream PriceStream
	if s.newStream != nil {
		stream = s.newStream(bc.Symbol)
	}

	collab := bot.Collaborators{
		Broker:    s.broker,
		Recorder:  &storage.RunRecorder{DB: s.db},
		Snapshots: s.snapshots,
	}
	if stream != nil {
		collab.Prices = stream
	}

	instance, err := s.manager.StartBot(bc, runID, collab)
	if err != nil {
		// 启动失败时把刚创建的运行记录收尾，避免悬挂的 running 记录
		if ferr := storage.FinishRun(s.db, runID, models.RunStatusError, err.Error()); ferr != nil {
			s.logger.Errorf("标记运行记录失败: %v", ferr)
		}
		if errors.Is(err, bot.ErrBotAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "已有机器人在运行"})
			return
		}
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	if stream != nil {
		stream.Start()
		s.stream = stream
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"status": instance.Status(),
	})
}

func (s *Server) handleStopBot(c *gin.Context) {
	if err := s.manager.StopBot(); err != nil {
		if errors.Is(err, bot.ErrNoBotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "当前没有运行中的机器人"})
			return
		}
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.stopStream()

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) stopStream() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}

func (s *Server) handleBotStatus(c *gin.Context) {
	if instance := s.manager.GetBot(); instance != nil {
		c.JSON(http.StatusOK, instance.Status())
		return
	}

	// 进程里没有实例时回落到持久化的最后一次快照
	if s.snapshots != nil {
		snapshot, err := s.snapshots.LoadSnapshot()
		if err != nil {
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
		if snapshot != nil {
			status := snapshot.Status
			status.IsRunning = false
			c.JSON(http.StatusOK, status)
			return
		}
	}

	c.JSON(http.StatusOK, models.BotStatus{IsRunning: false})
}

// --- 券商代理 ---

func (s *Server) handleAccount(c *gin.Context) {
	account, err := s.broker.GetAccount()
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.broker.GetPositions()
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	order, err := s.broker.ClosePosition(c.Param("symbol"))
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOrders(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	orders, err := s.broker.GetOrders(c.DefaultQuery("status", "all"), limit)
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	order, err := s.broker.PlaceOrder(req)
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handlePortfolioHistory(c *gin.Context) {
	history, err := s.broker.GetPortfolioHistory(
		c.DefaultQuery("period", "1M"),
		c.DefaultQuery("timeframe", "1D"),
	)
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) handleBars(c *gin.Context) {
	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	if symbol == "" || timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 和 timeframe 必填"})
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -7)
	var err error
	if v := c.Query("start"); v != "" {
		if start, err = parseDate(v); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}
	if v := c.Query("end"); v != "" {
		if end, err = parseDate(v); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return
		}
	}

	bars, err := s.broker.GetBars(symbol, timeframe, start, end, limit)
	if err != nil {
		s.fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, bars)
}

func (s *Server) fail(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("请求处理失败 %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// newResultID 生成短的URL安全回测结果ID
func newResultID() string {
	uid := uuid.New()
	return base62.EncodeToString(uid[:])
}

// parseDate 接受 RFC3339 或日期两种格式
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
