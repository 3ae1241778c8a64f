package engine

import "math"

// Summary reduces a trade list to the aggregate performance numbers the
// dashboard consumes. Empty marks a run that completed but produced no
// trades, which is a valid outcome rather than an error.
type Summary struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPNL      float64 `json:"total_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	AverageProfit float64 `json:"average_profit"`
	AverageLoss   float64 `json:"average_loss"`
	MaxProfit     float64 `json:"max_profit"`
	MaxLoss       float64 `json:"max_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	Empty         bool    `json:"empty"`
}

// tradePNL prefers the option-leg P&L, falls back to the spot-based number
// when leg exits were unobservable, and counts a fully unknown exit as zero.
func tradePNL(t Trade) float64 {
	if !math.IsNaN(t.NetOptionPNL) {
		return t.NetOptionPNL
	}
	if !math.IsNaN(t.SpotPNL) {
		return t.SpotPNL
	}
	return 0
}

// Aggregate reduces the trade list.
func Aggregate(trades []Trade) Summary {
	s := Summary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		s.Empty = true
		return s
	}

	var (
		cumulative  float64
		peak        float64
		winSum      float64
		lossSum     float64
		pnls        = make([]float64, 0, len(trades))
		maxProfit   = math.Inf(-1)
		maxLoss     = math.Inf(1)
		maxDrawdown float64
	)

	for _, t := range trades {
		pnl := tradePNL(t)
		pnls = append(pnls, pnl)
		s.TotalPNL += pnl

		switch {
		case pnl > 0:
			s.WinningTrades++
			winSum += pnl
		case pnl < 0:
			s.LosingTrades++
			lossSum += pnl
		}
		if pnl > maxProfit {
			maxProfit = pnl
		}
		if pnl < maxLoss {
			maxLoss = pnl
		}

		cumulative += pnl
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}

	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	s.MaxDrawdown = maxDrawdown
	s.MaxProfit = maxProfit
	s.MaxLoss = maxLoss
	if s.WinningTrades > 0 {
		s.AverageProfit = winSum / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = lossSum / float64(s.LosingTrades)
	}
	if lossSum != 0 {
		s.ProfitFactor = math.Abs(winSum / lossSum)
	}

	if len(pnls) > 1 {
		mean := s.TotalPNL / float64(len(pnls))
		var sumSq float64
		for _, p := range pnls {
			d := p - mean
			sumSq += d * d
		}
		if variance := sumSq / float64(len(pnls)-1); variance > 0 {
			s.SharpeRatio = mean / math.Sqrt(variance)
		}
	}
	return s
}
