package domain

// ChartPath is where sandbox code writes its strategy chart payloads as a
// JSON array.
const ChartPath = "/tmp/strategy_chart_data.json"

// ChartCandle is one OHLC bar of the price series.
type ChartCandle struct {
	Time  string  `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// TradeSide is the direction of a trade marker.
type TradeSide string

// Trade sides.
const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// ChartTrade marks an executed order on the chart.
type ChartTrade struct {
	Time  string    `json:"time"`
	Price float64   `json:"price"`
	Type  TradeSide `json:"type"`
	Size  float64   `json:"size"`
}

// StrategyResult summarises a backtest. Ratio metrics are nil when there was
// not enough data (or no trades) to compute them.
type StrategyResult struct {
	StartingValue     float64  `json:"starting_value"`
	FinalValue        float64  `json:"final_value"`
	ReturnPct         float64  `json:"return_pct"`
	BuyHoldFinalValue float64  `json:"buy_hold_final_value"`
	BuyHoldReturnPct  float64  `json:"buy_hold_return_pct"`
	SharpeRatio       *float64 `json:"sharpe_ratio"`
	MaxDrawdownPct    *float64 `json:"max_drawdown_pct"`
	WinRatePct        *float64 `json:"win_rate_pct"`
	ProfitFactor      *float64 `json:"profit_factor"`
}

// StrategyChart is the payload of a "data-strategy-chart" record.
type StrategyChart struct {
	Candlestick []ChartCandle  `json:"candlestick"`
	Trades      []ChartTrade   `json:"trades"`
	Result      StrategyResult `json:"result"`
	Label       *string        `json:"label,omitempty"`
}
