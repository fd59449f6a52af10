package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/adshao/go-binance/v2"
)

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// BarDownloader 用于从币安下载加密货币K线数据，供离线回测使用
type BarDownloader struct {
	client *binance.Client
}

// NewBarDownloader 创建一个新的下载器实例
func NewBarDownloader() *BarDownloader {
	return &BarDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
	}
}

// DownloadBars 下载指定交易对和时间范围内的K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *BarDownloader) DownloadBars(symbol, timeframe, filePath string, startTime, endTime time.Time) error {
	// 检查文件是否已存在（缓存）
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		fmt.Printf("从缓存加载数据: %s\n", filePath)
		return nil
	}

	interval, err := binanceInterval(timeframe)
	if err != nil {
		return err
	}

	fmt.Printf("开始下载 %s 从 %s 到 %s 的K线数据...\n", symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %v", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %v", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %v", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(BinanceSymbol(symbol)).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(context.Background())

		if err != nil {
			return fmt.Errorf("下载K线数据失败: %v", err)
		}

		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %v", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		fmt.Printf("已下载数据至 %s\n", t.Format("2006-01-02 15:04:05"))
		time.Sleep(200 * time.Millisecond) // 避免过于频繁的请求
	}

	fmt.Printf("成功下载K线数据到 %s\n", filePath)
	return nil
}

// LoadBars 从CSV文件读取K线数据，按时间升序返回
func LoadBars(filePath string) ([]models.Bar, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开数据文件 %s: %v", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil { // 跳过表头
		return nil, fmt.Errorf("读取CSV表头失败: %v", err)
	}

	var bars []models.Bar
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取CSV记录失败: %v", err)
		}
		if len(record) < 6 {
			return nil, fmt.Errorf("CSV记录字段不足: %v", record)
		}

		ms, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("解析时间戳失败 %q: %v", record[0], err)
		}
		open, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, fmt.Errorf("解析开盘价失败 %q: %v", record[1], err)
		}
		high, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("解析最高价失败 %q: %v", record[2], err)
		}
		low, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, fmt.Errorf("解析最低价失败 %q: %v", record[3], err)
		}
		closePrice, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return nil, fmt.Errorf("解析收盘价失败 %q: %v", record[4], err)
		}
		volume, err := strconv.ParseFloat(record[5], 64)
		if err != nil {
			return nil, fmt.Errorf("解析成交量失败 %q: %v", record[5], err)
		}

		bars = append(bars, models.Bar{
			Timestamp: time.UnixMilli(ms).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}

	return bars, nil
}

// BinanceSymbol 把 "BTC/USD" 形式的标的转换成币安的 "BTCUSDT" 形式
func BinanceSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "")
	if strings.HasSuffix(s, "USD") && !strings.HasSuffix(s, "USDT") {
		s += "T"
	}
	return s
}

// binanceInterval 把本地的K线周期表示转换成币安接口需要的格式
func binanceInterval(timeframe string) (string, error) {
	var n int
	var unit string
	if _, err := fmt.Sscanf(timeframe, "%d%s", &n, &unit); err != nil || n <= 0 {
		return "", fmt.Errorf("无法识别的K线周期: %q", timeframe)
	}
	switch strings.ToLower(unit) {
	case "min", "m":
		return fmt.Sprintf("%dm", n), nil
	case "hour", "h":
		return fmt.Sprintf("%dh", n), nil
	case "day", "d":
		return fmt.Sprintf("%dd", n), nil
	}
	return "", fmt.Errorf("无法识别的K线周期: %q", timeframe)
}
