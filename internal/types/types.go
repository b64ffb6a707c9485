package types

import "time"

// Snapshot is one point-in-time quote for a symbol.
type Snapshot struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume"`
	TotalVolume   int64     `json:"total_volume"`
	TotalAmount   float64   `json:"total_amount"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	VWAP          float64   `json:"vwap"`
	CapturedAt    time.Time `json:"captured_at"`
}

type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Above || d == Below
}

type Alert struct {
	ID          int64      `json:"id"`
	Symbol      string     `json:"symbol"`
	Name        string     `json:"name"`
	Direction   Direction  `json:"direction"`
	TargetPrice float64    `json:"target_price"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TriggerEvent is produced once, when an alert's condition is first met.
type TriggerEvent struct {
	ID           string    `json:"id"`
	AlertID      int64     `json:"alert_id"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	Direction    Direction `json:"direction"`
	TargetPrice  float64   `json:"target_price"`
	CurrentPrice float64   `json:"current_price"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

type WatchItem struct {
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name"`
	Category string    `json:"category"`
	AddedAt  time.Time `json:"added_at"`
}

// Job statuses. Failures are recorded as StatusErrorPrefix + message.
const (
	StatusIdle        = "idle"
	StatusRunning     = "running"
	StatusSuccess     = "success"
	StatusErrorPrefix = "error:"
)

type JobState struct {
	Name      string    `json:"name"`
	LastRun   string    `json:"last_run"`
	Status    string    `json:"status"`
	Schedule  string    `json:"schedule"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarketInstitutional is market-wide net buy/sell, in units of 100M.
type MarketInstitutional struct {
	Date       string  `json:"date"`
	ForeignNet float64 `json:"foreign_net"`
	TrustNet   float64 `json:"trust_net"`
	DealerNet  float64 `json:"dealer_net"`
}

func (m MarketInstitutional) TotalNet() float64 {
	return m.ForeignNet + m.TrustNet + m.DealerNet
}

type StockInstitutional struct {
	Date        string `json:"date"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	ForeignBuy  int64  `json:"foreign_buy"`
	ForeignSell int64  `json:"foreign_sell"`
	TrustBuy    int64  `json:"trust_buy"`
	TrustSell   int64  `json:"trust_sell"`
	DealerBuy   int64  `json:"dealer_buy"`
	DealerSell  int64  `json:"dealer_sell"`
}

func (s StockInstitutional) TotalNet() int64 {
	return s.ForeignBuy - s.ForeignSell + s.TrustBuy - s.TrustSell + s.DealerBuy - s.DealerSell
}

type Margin struct {
	Date          string  `json:"date"`
	Symbol        string  `json:"symbol"`
	MarginBuy     int64   `json:"margin_buy"`
	MarginSell    int64   `json:"margin_sell"`
	MarginBalance int64   `json:"margin_balance"`
	ShortBuy      int64   `json:"short_buy"`
	ShortSell     int64   `json:"short_sell"`
	ShortBalance  int64   `json:"short_balance"`
	DayTradeRatio float64 `json:"day_trade_ratio"`
}

// Holding is one shareholding level of the weekly large-holder census.
type Holding struct {
	Date    string  `json:"date"`
	Symbol  string  `json:"symbol"`
	Level   string  `json:"level"`
	Holders int64   `json:"holders"`
	Shares  int64   `json:"shares"`
	Percent float64 `json:"percent"`
}

type Review struct {
	Date      string    `json:"date"`
	Provider  string    `json:"provider"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Recommendation is a structured call extracted from a review. EntryPrice is
// nil when no live quote was available at recommendation time.
type Recommendation struct {
	ID         int64     `json:"id"`
	Date       string    `json:"date"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Target     float64   `json:"target"`
	StopLoss   float64   `json:"stop_loss"`
	EntryPrice *float64  `json:"entry_price,omitempty"`
	// Horizon is the holding period the review gave: short, swing or long.
	Horizon string `json:"horizon"`
	// Outcome is a manually recorded result that overrides live evaluation.
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
