// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package simbroker

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// GenerateReport computes summary metrics over every closed trade and
// the recorded equity curve.
func (b *Broker) GenerateReport() Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	trades := make([]Trade, len(b.closed))
	for i, p := range b.closed {
		trades[i] = Trade{
			PositionID:  p.ID,
			Side:        p.Side,
			Volume:      p.Volume,
			EntryPrice:  p.EntryPrice,
			EntryTime:   p.EntryTime,
			ExitPrice:   p.ClosePrice,
			ExitTime:    p.CloseTime,
			CloseReason: p.CloseReason,
			Commission:  p.Commission,
			GrossProfit: p.GrossProfit,
			NetProfit:   p.NetProfit,
		}
	}

	metrics := computeMetrics(trades, b.cfg.StartingBalance)
	metrics.MaxDrawdown, metrics.MaxDrawdownPct = computeDrawdown(b.equity)
	metrics.SharpeRatio = computeSharpe(b.equity)

	return Report{
		Metrics:     metrics,
		Trades:      trades,
		EquityCurve: append([]EquityPoint(nil), b.equity...),
		Config:      b.cfg,
		Summary: map[string]any{
			"total_trades": metrics.TotalTrades,
			"net_pnl":      metrics.TotalNetPnL,
			"win_rate":     metrics.WinRate,
			"max_drawdown": metrics.MaxDrawdown,
		},
	}
}

func computeMetrics(trades []Trade, startingBalance float64) Metrics {
	var m Metrics
	m.TotalTrades = len(trades)

	var grossProfitSum, grossLossSum float64
	for _, t := range trades {
		m.TotalGrossPnL += t.GrossProfit
		m.TotalCommissions += t.Commission
		m.TotalNetPnL += t.NetProfit
		if t.NetProfit > 0 {
			m.WinningTrades++
			grossProfitSum += t.NetProfit
		} else if t.NetProfit < 0 {
			m.LosingTrades++
			grossLossSum += -t.NetProfit
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 {
		m.AvgProfit = grossProfitSum / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLossSum / float64(m.LosingTrades)
	}
	if m.TotalTrades > 0 {
		winProb := float64(m.WinningTrades) / float64(m.TotalTrades)
		lossProb := float64(m.LosingTrades) / float64(m.TotalTrades)
		m.Expectancy = winProb*m.AvgProfit - lossProb*m.AvgLoss
	}
	if grossLossSum > 0 {
		m.ProfitFactor = grossProfitSum / grossLossSum
	} else if grossProfitSum > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	if startingBalance > 0 {
		m.ReturnPct = m.TotalNetPnL / startingBalance * 100
	}

	return m
}

// computeDrawdown returns the largest peak-to-trough decline in the
// equity curve, in absolute and percent terms.
func computeDrawdown(curve []EquityPoint) (absDD, pctDD float64) {
	peak := math.Inf(-1)
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		dd := peak - pt.Equity
		if dd > absDD {
			absDD = dd
			if peak != 0 {
				pctDD = dd / peak * 100
			}
		}
	}
	return absDD, pctDD
}

// computeSharpe annualizes the per-bar equity return series assuming
// daily bars (252 trading periods/year); callers backtesting a
// different bar interval should treat this as a relative, not absolute,
// figure.
func computeSharpe(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}

	return mean / stddev * math.Sqrt(252)
}

// SaveReport writes trades.csv, equity_curve.csv, and test_report.json
// under dir, using the canonical field names the spec's validators
// expect.
func (b *Broker) SaveReport(dir string) error {
	report := b.GenerateReport()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("simbroker: create report dir: %w", err)
	}

	if err := writeTradesCSV(filepath.Join(dir, "trades.csv"), report.Trades); err != nil {
		return err
	}
	if err := writeEquityCSV(filepath.Join(dir, "equity_curve.csv"), report.EquityCurve); err != nil {
		return err
	}
	return writeTestReportJSON(filepath.Join(dir, "test_report.json"), report)
}

func writeTradesCSV(path string, trades []Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("simbroker: create trades.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"position_id", "side", "volume", "entry_price", "entry_time", "exit_price", "exit_time", "close_reason", "commission", "gross_profit", "net_profit"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.PositionID,
			string(t.Side),
			strconv.FormatFloat(t.Volume, 'f', -1, 64),
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64),
			t.EntryTime.UTC().Format(timeLayout),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			t.ExitTime.UTC().Format(timeLayout),
			string(t.CloseReason),
			strconv.FormatFloat(t.Commission, 'f', -1, 64),
			strconv.FormatFloat(t.GrossProfit, 'f', -1, 64),
			strconv.FormatFloat(t.NetProfit, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeEquityCSV(path string, curve []EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("simbroker: create equity_curve.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"timestamp", "balance", "equity", "used_margin", "free_margin", "margin_level"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, pt := range curve {
		row := []string{
			pt.Timestamp.UTC().Format(timeLayout),
			strconv.FormatFloat(pt.Balance, 'f', -1, 64),
			strconv.FormatFloat(pt.Equity, 'f', -1, 64),
			strconv.FormatFloat(pt.UsedMargin, 'f', -1, 64),
			strconv.FormatFloat(pt.FreeMargin, 'f', -1, 64),
			formatMarginLevel(pt.MarginLevel),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func formatMarginLevel(level float64) string {
	if math.IsInf(level, 1) {
		return "inf"
	}
	return strconv.FormatFloat(level, 'f', -1, 64)
}

func writeTestReportJSON(path string, report Report) error {
	payload := map[string]any{
		"summary": map[string]any{
			"total_trades": report.Metrics.TotalTrades,
			"net_pnl":      report.Metrics.TotalNetPnL,
			"win_rate":     report.Metrics.WinRate,
			"max_drawdown": report.Metrics.MaxDrawdown,
		},
		"metrics": report.Metrics,
		"tests":   []any{},
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("simbroker: marshal test_report.json: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
