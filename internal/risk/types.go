package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/config"
	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// ErrRejected is wrapped by every failed pre-trade check.
var ErrRejected = errors.New("risk check rejected")

// Limits are the pre-trade rules applied to every new position.
type Limits struct {
	SizeUSD          decimal.Decimal
	Leverage         int
	StopLossPercent  decimal.Decimal
	MaxPositions     int
	MaxExposureUSD   decimal.Decimal // 0 disables
	MaxSpreadPercent decimal.Decimal // 0 disables
	MinReserveUSD    decimal.Decimal
	CommissionRate   decimal.Decimal // per side
	TrailingPercent  decimal.Decimal // 0 disables trailing
	Aged             AgedPolicy
}

// LimitsFromConfig converts the float config into decimal limits.
func LimitsFromConfig(pc config.PositionConfig, ac config.AgedConfig) Limits {
	return Limits{
		SizeUSD:          decimal.NewFromFloat(pc.SizeUSD),
		Leverage:         pc.Leverage,
		StopLossPercent:  decimal.NewFromFloat(pc.StopLossPercent),
		MaxPositions:     pc.MaxPositions,
		MaxExposureUSD:   decimal.NewFromFloat(pc.MaxExposureUSD),
		MaxSpreadPercent: decimal.NewFromFloat(pc.MaxSpreadPercent),
		MinReserveUSD:    decimal.NewFromFloat(pc.MinReserveUSD),
		CommissionRate:   decimal.NewFromFloat(pc.CommissionRate),
		TrailingPercent:  decimal.NewFromFloat(pc.TrailingPercent),
		Aged: AgedPolicy{
			MaxAge:          ac.MaxAge,
			GracePeriod:     ac.GracePeriod,
			LossStepPercent: decimal.NewFromFloat(ac.LossStepPercent),
			MaxLossPercent:  decimal.NewFromFloat(ac.MaxLossPercent),
			ForceCloseAge:   ac.ForceCloseAge,
			CommissionRate:  decimal.NewFromFloat(pc.CommissionRate),
		},
	}
}

// Proposal is everything the engine knows about a position it wants to open.
type Proposal struct {
	Exchange      string
	Symbol        string
	Notional      decimal.Decimal // quantity x price
	Leverage      int             // 0 uses Limits.Leverage
	SpreadPercent decimal.Decimal
	Available     decimal.Decimal // margin usable for new positions
	MaxNotional   decimal.Decimal // venue cap per symbol; 0 means no cap
	OpenPositions int
	Exposure      decimal.Decimal // notional of positions already open
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed        bool            `json:"allowed"`
	Reason         string          `json:"reason,omitempty"`
	RequiredMargin decimal.Decimal `json:"required_margin"`
}

// Metrics tracks realized results.
type Metrics struct {
	Date             string          `json:"date"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	DailyTrades      int             `json:"daily_trades"`
	DailyWins        int             `json:"daily_wins"`
	DailyLosses      decimal.Decimal `json:"daily_losses"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	MaxProfit        decimal.Decimal `json:"max_profit"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	Rejections       uint64          `json:"rejections"`
}

// TradeResult is one closed position.
type TradeResult struct {
	Exchange   string
	Symbol     string
	Side       common.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal // gross
	Fee        decimal.Decimal
	ClosedAt   time.Time
}

// Net is PnL after fees.
func (t TradeResult) Net() decimal.Decimal { return t.PnL.Sub(t.Fee) }
