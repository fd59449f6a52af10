package alpaca

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TradeStream 订阅 Alpaca 行情WebSocket的逐笔成交，维护指定标的的最新价。
// 它是可选组件：机器人默认用最后一根K线的收盘价作为当前价，
// 启用后用实时成交价代替。
type TradeStream struct {
	streamURL string
	apiKey    string
	secretKey string
	symbol    string
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	conn        *websocket.Conn
	lastPrice   float64
	hasPrice    bool
	stopChannel chan bool
}

// NewTradeStream 创建一个尚未启动的行情流
func NewTradeStream(streamURL, apiKey, secretKey, symbol string, logger *zap.SugaredLogger) *TradeStream {
	return &TradeStream{
		streamURL:   streamURL,
		apiKey:      apiKey,
		secretKey:   secretKey,
		symbol:      symbol,
		logger:      logger,
		stopChannel: make(chan bool),
	}
}

// Start 在后台goroutine中启动连接维护循环
func (s *TradeStream) Start() {
	go s.connectionLoop()
}

// Stop 停止行情流并关闭连接
func (s *TradeStream) Stop() {
	close(s.stopChannel)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// LastPrice 返回最近一笔成交价。还没有收到任何成交时 ok 为 false。
func (s *TradeStream) LastPrice() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrice, s.hasPrice
}

// connectionLoop 是守护循环，负责维持WebSocket连接和重连
func (s *TradeStream) connectionLoop() {
	for {
		select {
		case <-s.stopChannel:
			s.logger.Info("行情流已停止")
			return
		default:
			if err := s.connect(); err != nil {
				s.logger.Warnf("行情流连接失败: %v。5秒后重试...", err)
				time.Sleep(5 * time.Second)
				continue
			}

			s.logger.Infof("行情流连接成功, 已订阅 %s", s.symbol)
			if err := s.handleMessages(); err != nil {
				s.logger.Warnf("行情流处理时发生错误: %v", err)
			}
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			select {
			case <-s.stopChannel:
				return
			case <-time.After(5 * time.Second):
				// 等待后重连
			}
		}
	}
}

// connect 建立连接并完成认证和订阅握手
func (s *TradeStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.streamURL, nil)
	if err != nil {
		return fmt.Errorf("无法连接到行情流: %w", err)
	}

	auth := map[string]string{"action": "auth", "key": s.apiKey, "secret": s.secretKey}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("发送认证消息失败: %w", err)
	}

	sub := map[string]interface{}{"action": "subscribe", "trades": []string{s.symbol}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("发送订阅消息失败: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// streamMessage 是行情流消息的通用结构，按 T 字段区分类型
type streamMessage struct {
	T      string      `json:"T"`
	Symbol string      `json:"S"`
	Price  json.Number `json:"p"`
	Code   int         `json:"code"`
	Msg    string      `json:"msg"`
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (s *TradeStream) handleMessages() error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
	)

	conn := s.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-s.stopChannel:
				return
			}
		}
	}()

	for {
		select {
		case <-s.stopChannel:
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("发送关闭帧失败: %w", err)
			}
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("读取消息失败: %w", err)
			}

			// Alpaca 的行情流把消息打包成数组发送
			var batch []streamMessage
			if err := json.Unmarshal(message, &batch); err != nil {
				s.logger.Debugf("跳过无法解析的行情消息: %v", err)
				continue
			}

			for _, msg := range batch {
				switch msg.T {
				case "t":
					if msg.Symbol != s.symbol {
						continue
					}
					price, err := msg.Price.Float64()
					if err != nil {
						continue
					}
					s.mu.Lock()
					s.lastPrice = price
					s.hasPrice = true
					s.mu.Unlock()
				case "error":
					s.logger.Warnf("行情流返回错误: code=%d, msg=%s", msg.Code, msg.Msg)
				}
			}
		}
	}
}
