package backtest

import (
	"math"
	"sort"
)

const tradingDaysPerYear = 252

// Calculate derives the full metrics report from a run's trades and
// equity curve. It is a pure function: same inputs, same report.
func Calculate(trades []SimulatedTrade, equityCurve []EquityPoint, initialCapital float64) Metrics {
	var m Metrics

	finalEquity := initialCapital
	if len(equityCurve) > 0 {
		finalEquity = equityCurve[len(equityCurve)-1].Equity
	}
	m.TotalReturn = finalEquity - initialCapital
	if initialCapital != 0 {
		m.TotalReturnPercent = m.TotalReturn / initialCapital * 100
	}

	tradeStats(&m, trades)
	drawdownStats(&m, equityCurve)

	returns := periodReturns(equityCurve)
	ratioStats(&m, returns)

	if barCount := len(equityCurve); barCount > 0 {
		m.AnnualizedReturn = (math.Pow(1+m.TotalReturnPercent/100, tradingDaysPerYear/float64(barCount)) - 1) * 100
	}
	if m.MaxDrawdownPercent != 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdownPercent
	}

	return m
}

func tradeStats(m *Metrics, trades []SimulatedTrade) {
	m.TotalTrades = len(trades)

	winStreak, lossStreak := 0, 0
	for _, t := range trades {
		switch {
		case t.ProfitLoss > 0:
			m.WinningTrades++
			m.GrossProfit += t.ProfitLoss
			winStreak++
			lossStreak = 0
		case t.ProfitLoss < 0:
			m.LosingTrades++
			m.GrossLoss += -t.ProfitLoss
			lossStreak++
			winStreak = 0
		default:
			// Zero-PnL trades extend neither streak and reset neither.
			continue
		}
		if winStreak > m.MaxWinStreak {
			m.MaxWinStreak = winStreak
		}
		if lossStreak > m.MaxLossStreak {
			m.MaxLossStreak = lossStreak
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	switch {
	case m.GrossLoss > 0:
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	case m.GrossProfit > 0:
		m.ProfitFactor = math.Inf(1)
	}

	if m.WinningTrades > 0 {
		m.AverageWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = m.GrossLoss / float64(m.LosingTrades)
		m.RiskRewardRatio = m.AverageWin / m.AverageLoss
	}
	winFrac := m.WinRate / 100
	m.Expectancy = winFrac*m.AverageWin - (1-winFrac)*m.AverageLoss
}

func drawdownStats(m *Metrics, equityCurve []EquityPoint) {
	if len(equityCurve) == 0 {
		return
	}

	peak := equityCurve[0].Equity
	barsSincePeak := 0
	ddSum, ddBars := 0.0, 0

	for _, p := range equityCurve {
		if p.Equity >= peak {
			peak = p.Equity
			barsSincePeak = 0
			continue
		}
		barsSincePeak++
		if barsSincePeak > m.MaxDrawdownDuration {
			m.MaxDrawdownDuration = barsSincePeak
		}

		dd := peak - p.Equity
		if dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
		if peak > 0 {
			ddPct := dd / peak * 100
			if ddPct > m.MaxDrawdownPercent {
				m.MaxDrawdownPercent = ddPct
			}
			ddSum += ddPct
			ddBars++
		}
	}

	if ddBars > 0 {
		m.AvgDrawdown = ddSum / float64(ddBars)
	}
}

// periodReturns computes simple bar-over-bar equity percentage changes.
func periodReturns(equityCurve []EquityPoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (equityCurve[i].Equity-prev)/prev)
	}
	return returns
}

func ratioStats(m *Metrics, returns []float64) {
	if len(returns) < 2 {
		return
	}

	mean := meanOf(returns)
	std := sampleStdDev(returns, mean)

	annualize := math.Sqrt(tradingDaysPerYear)
	if std > 0 {
		m.SharpeRatio = mean / std * annualize
	}
	m.Volatility = std * annualize * 100

	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	switch {
	case len(negatives) == 0:
		if mean > 0 {
			m.SortinoRatio = math.Inf(1)
		}
	default:
		downside := populationStdDev(negatives)
		if downside > 0 {
			m.SortinoRatio = mean / downside * annualize
		}
	}

	// Value at the floor(0.05*n)-th position of ascending returns.
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(math.Floor(0.05 * float64(len(sorted))))
	m.ValueAtRisk95 = math.Abs(sorted[idx]) * 100
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func populationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := meanOf(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
