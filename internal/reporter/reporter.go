package reporter

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PrintReport 把回测结果以表格形式打印到标准输出
func PrintReport(result *models.BacktestResult) {
	WriteReport(os.Stdout, result)
}

// WriteReport 把回测结果以表格形式写入指定输出
func WriteReport(w io.Writer, result *models.BacktestResult) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetTitle("回测结果报告")
	summary.AppendRows([]table.Row{
		{"交易对", result.Symbol},
		{"K线周期", result.Timeframe},
		{"回测区间", fmt.Sprintf("%s 到 %s",
			result.StartDate.Format("2006-01-02 15:04"),
			result.EndDate.Format("2006-01-02 15:04"))},
		{"EMA参数", fmt.Sprintf("快线 %d / 慢线 %d", result.FastEMAPeriod, result.SlowEMAPeriod)},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f", result.InitialCapital)},
		{"最终资金", fmt.Sprintf("%.2f", result.FinalCapital)},
		{"总盈亏", fmt.Sprintf("%.2f (%.2f%%)", result.TotalPnL, result.TotalPnLPercent)},
		{"最大回撤", fmt.Sprintf("%.2f (%.2f%%)", result.MaxDrawdown, result.MaxDrawdownPercent)},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"总交易次数", result.TotalTrades},
		{"盈利次数", result.WinningTrades},
		{"亏损次数", result.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", result.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", profitFactor(result.Trades))},
	})
	summary.Render()

	if len(result.Trades) == 0 {
		return
	}

	trades := table.NewWriter()
	trades.SetOutputMirror(w)
	trades.SetTitle("成交明细")
	trades.AppendHeader(table.Row{"#", "方向", "入场时间", "入场价", "出场时间", "出场价", "数量", "盈亏", "盈亏%", "平仓原因"})
	for i, t := range result.Trades {
		trades.AppendRow(table.Row{
			i + 1,
			t.Side,
			t.EntryTime.Format("01-02 15:04"),
			fmt.Sprintf("%.4f", t.EntryPrice),
			t.ExitTime.Format("01-02 15:04"),
			fmt.Sprintf("%.4f", t.ExitPrice),
			fmt.Sprintf("%g", t.Quantity),
			fmt.Sprintf("%.2f", t.PnL),
			fmt.Sprintf("%.2f%%", t.PnLPercent),
			t.ExitReason,
		})
	}
	trades.SetColumnConfigs([]table.ColumnConfig{
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	trades.Render()
}

// profitFactor 计算平均盈利与平均亏损之比，任一侧为空时返回0
func profitFactor(trades []models.CompletedTrade) float64 {
	var totalProfit, totalLoss float64
	var wins, losses int
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			totalProfit += t.PnL
		} else if t.PnL < 0 {
			losses++
			totalLoss += t.PnL
		}
	}
	if wins == 0 || losses == 0 {
		return 0
	}
	avgWin := totalProfit / float64(wins)
	avgLoss := math.Abs(totalLoss / float64(losses))
	return avgWin / avgLoss
}
