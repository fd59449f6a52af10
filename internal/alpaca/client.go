package alpaca

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"go.uber.org/zap"
)

// Client 封装了对 Alpaca 纸面交易API和行情API的访问。
// 交易请求走 baseURL (paper-api)，行情请求走 dataURL (data)。
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	dataURL    string
	cryptoLoc  string // 加密货币行情区域, 如 "us"
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewClient 创建一个新的 Alpaca 客户端
func NewClient(apiKey, secretKey, baseURL, dataURL, cryptoLoc string, logger *zap.SugaredLogger) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		dataURL:    strings.TrimRight(dataURL, "/"),
		cryptoLoc:  cryptoLoc,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// IsCrypto 判断标的是否为加密货币。Alpaca 的加密货币符号带斜杠, 如 "BTC/USD"。
func IsCrypto(symbol string) bool {
	return strings.Contains(symbol, "/")
}

// doRequest 是通用的请求处理函数，负责认证头、参数编码和错误解码
func (c *Client) doRequest(method, host, endpoint string, params url.Values, payload interface{}) ([]byte, error) {
	fullURL := host + endpoint
	if params != nil && len(params) > 0 {
		fullURL = fmt.Sprintf("%s?%s", fullURL, params.Encode())
	}

	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("编码请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("发送请求: %s %s", method, fullURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr models.APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return body, &apiErr
		}
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// --- 交易API ---

// GetAccount 获取账户信息
func (c *Client) GetAccount() (*models.Account, error) {
	data, err := c.doRequest("GET", c.baseURL, "/v2/account", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}
	var account models.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("解析账户信息失败: %w", err)
	}
	return &account, nil
}

// GetPositions 获取所有持仓
func (c *Client) GetPositions() ([]models.BrokerPosition, error) {
	data, err := c.doRequest("GET", c.baseURL, "/v2/positions", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("获取持仓列表失败: %w", err)
	}
	var positions []models.BrokerPosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("解析持仓列表失败: %w", err)
	}
	return positions, nil
}

// GetPosition 获取指定标的的持仓。没有持仓时返回 (nil, nil)。
func (c *Client) GetPosition(symbol string) (*models.BrokerPosition, error) {
	endpoint := "/v2/positions/" + positionSymbol(symbol)
	data, err := c.doRequest("GET", c.baseURL, endpoint, nil, nil)
	if err != nil {
		// 40410000 表示该标的没有持仓，不算错误
		if apiErr, ok := err.(*models.APIError); ok && apiErr.Code == 40410000 {
			return nil, nil
		}
		return nil, fmt.Errorf("获取 %s 持仓失败: %w", symbol, err)
	}
	var position models.BrokerPosition
	if err := json.Unmarshal(data, &position); err != nil {
		return nil, fmt.Errorf("解析持仓失败: %w", err)
	}
	return &position, nil
}

// ClosePosition 平掉指定标的的全部持仓，返回产生的平仓订单
func (c *Client) ClosePosition(symbol string) (*models.Order, error) {
	endpoint := "/v2/positions/" + positionSymbol(symbol)
	data, err := c.doRequest("DELETE", c.baseURL, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("平仓 %s 失败: %w", symbol, err)
	}
	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("解析平仓订单失败: %w", err)
	}
	return &order, nil
}

// PlaceOrder 提交订单
func (c *Client) PlaceOrder(req models.OrderRequest) (*models.Order, error) {
	data, err := c.doRequest("POST", c.baseURL, "/v2/orders", nil, req)
	if err != nil {
		c.logger.Errorf("下单失败: %v, 原始响应: %s", err, string(data))
		return nil, err
	}
	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("解析订单响应失败: %w", err)
	}
	return &order, nil
}

// GetOrders 按状态获取订单列表, status 可为 "open", "closed", "all"
func (c *Client) GetOrders(status string, limit int) ([]models.Order, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	data, err := c.doRequest("GET", c.baseURL, "/v2/orders", params, nil)
	if err != nil {
		return nil, fmt.Errorf("获取订单列表失败: %w", err)
	}
	var orders []models.Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("解析订单列表失败: %w", err)
	}
	return orders, nil
}

// GetPortfolioHistory 获取账户权益历史
func (c *Client) GetPortfolioHistory(period, timeframe string) (*models.PortfolioHistory, error) {
	params := url.Values{}
	if period != "" {
		params.Set("period", period)
	}
	if timeframe != "" {
		params.Set("timeframe", timeframe)
	}
	data, err := c.doRequest("GET", c.baseURL, "/v2/account/portfolio/history", params, nil)
	if err != nil {
		return nil, fmt.Errorf("获取权益历史失败: %w", err)
	}
	var history models.PortfolioHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("解析权益历史失败: %w", err)
	}
	return &history, nil
}

// --- 行情API ---

// barPayload 是 Alpaca 行情API返回的K线原始结构
type barPayload struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V float64   `json:"v"`
}

type barsResponse struct {
	Bars          map[string][]barPayload `json:"bars"`
	NextPageToken *string                 `json:"next_page_token"`
}

// GetBars 获取指定标的的历史K线，自动翻页直到取完或达到 limit。
// 股票和加密货币走不同的端点，按符号中是否带斜杠区分。
func (c *Client) GetBars(symbol, timeframe string, start, end time.Time, limit int) ([]models.Bar, error) {
	var endpoint string
	if IsCrypto(symbol) {
		endpoint = fmt.Sprintf("/v1beta3/crypto/%s/bars", c.cryptoLoc)
	} else {
		endpoint = "/v2/stocks/bars"
	}

	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("timeframe", timeframe)
	if !start.IsZero() {
		params.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		params.Set("end", end.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var bars []models.Bar
	for {
		data, err := c.doRequest("GET", c.dataURL, endpoint, params, nil)
		if err != nil {
			return nil, fmt.Errorf("获取 %s K线失败: %w", symbol, err)
		}

		var page barsResponse
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("解析K线响应失败: %w", err)
		}

		for _, raw := range page.Bars[symbol] {
			bars = append(bars, models.Bar{
				Timestamp: raw.T,
				Open:      raw.O,
				High:      raw.H,
				Low:       raw.L,
				Close:     raw.C,
				Volume:    raw.V,
			})
		}

		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		if limit > 0 && len(bars) >= limit {
			break
		}
		params.Set("page_token", *page.NextPageToken)
	}

	// Alpaca 按时间升序返回，这里再保证一次
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// GetLatestBars 获取最近 count 根K线，供实盘机器人每周期调用
func (c *Client) GetLatestBars(symbol, timeframe string, count int) ([]models.Bar, error) {
	// 往回取足够长的窗口，保证覆盖 count 根K线（含节假日停盘）
	lookback := barInterval(timeframe) * time.Duration(count) * 4
	if lookback < 24*time.Hour {
		lookback = 24 * time.Hour
	}
	start := time.Now().Add(-lookback)
	return c.GetBars(symbol, timeframe, start, time.Time{}, count)
}

// positionSymbol 把行情符号转换为持仓端点使用的格式 ("BTC/USD" -> "BTCUSD")
func positionSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// barInterval 把 timeframe 字符串转换为时间间隔。
// 无法识别的格式按5分钟处理。
func barInterval(timeframe string) time.Duration {
	tf := strings.ToLower(timeframe)
	var n int
	var unit string
	if _, err := fmt.Sscanf(tf, "%d%s", &n, &unit); err != nil || n <= 0 {
		return 5 * time.Minute
	}
	switch {
	case strings.HasPrefix(unit, "min"):
		return time.Duration(n) * time.Minute
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(n) * time.Hour
	case strings.HasPrefix(unit, "day"):
		return time.Duration(n) * 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// BarInterval 对外暴露周期换算，机器人用它决定轮询间隔
func BarInterval(timeframe string) time.Duration {
	return barInterval(timeframe)
}
