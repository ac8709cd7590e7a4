package market

import (
	"fmt"
	"time"
)

// Bar is a single OHLCV candle. Uniqueness is on (Symbol, Timeframe, Ts).
// Ts is the event time in integer milliseconds since epoch.
type Bar struct {
	Symbol    string  `json:"symbol" db:"symbol"`
	Timeframe string  `json:"timeframe" db:"timeframe"`
	Ts        int64   `json:"ts" db:"ts_event"`
	Open      float64 `json:"open" db:"o"`
	High      float64 `json:"high" db:"h"`
	Low       float64 `json:"low" db:"l"`
	Close     float64 `json:"close" db:"c"`
	Volume    int64   `json:"volume" db:"v"`
}

// Time returns the bar's event time.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Ts)
}

// Validate checks OHLC ordering and non-negative volume.
func (b Bar) Validate() error {
	if b.Volume < 0 {
		return fmt.Errorf("bar %s %s @%d: negative volume %d", b.Symbol, b.Timeframe, b.Ts, b.Volume)
	}
	hi, lo := b.Open, b.Open
	if b.Close > hi {
		hi = b.Close
	}
	if b.Close < lo {
		lo = b.Close
	}
	if b.High < hi || b.Low > lo {
		return fmt.Errorf("bar %s %s @%d: OHLC out of order (o=%.4f h=%.4f l=%.4f c=%.4f)",
			b.Symbol, b.Timeframe, b.Ts, b.Open, b.High, b.Low, b.Close)
	}
	return nil
}

// TradeTick is a single executed trade from the feed.
type TradeTick struct {
	Symbol string  `json:"symbol"`
	TsNs   int64   `json:"ts_ns"`
	Seq    int64   `json:"seq,omitempty"` // 0 means unknown
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Side   string  `json:"side,omitempty"` // "buy" or "sell"
}

// QuoteTick is a top-of-book quote update.
type QuoteTick struct {
	Symbol  string  `json:"symbol"`
	TsNs    int64   `json:"ts_ns"`
	Seq     int64   `json:"seq,omitempty"`
	Bid     float64 `json:"bid"`
	BidSize float64 `json:"bid_size"`
	Ask     float64 `json:"ask"`
	AskSize float64 `json:"ask_size"`
}

// Mid returns the quote midpoint.
func (q QuoteTick) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// MarkSource identifies where a mark price came from.
type MarkSource string

const (
	MarkFromQuote MarkSource = "QUOTE"
	MarkFromBar   MarkSource = "BAR"
	MarkFromCache MarkSource = "CACHE"
	MarkFromNone  MarkSource = "NONE"
)

// MarkStatus is the freshness verdict on a mark.
type MarkStatus string

const (
	MarkFresh   MarkStatus = "FRESH"
	MarkStale   MarkStatus = "STALE"
	MarkUnknown MarkStatus = "UNKNOWN"
)

// Mark is the freshest price believed to be tradable, with its provenance
// and freshness verdict. Display and execution must use the same Mark.
type Mark struct {
	Price     float64       `json:"price"`
	Timestamp time.Time     `json:"timestamp"`
	Source    MarkSource    `json:"source"`
	Status    MarkStatus    `json:"status"`
	Age       time.Duration `json:"age"`
}

// Fresh reports whether the mark is safe to trade and display on.
func (m Mark) Fresh() bool {
	return m.Status == MarkFresh
}

// TimeframeMinutes maps a timeframe label to its length in minutes.
// Unknown labels return an error so callers fail closed.
func TimeframeMinutes(tf string) (int, error) {
	switch tf {
	case "1m":
		return 1, nil
	case "5m":
		return 5, nil
	case "15m":
		return 15, nil
	case "30m":
		return 30, nil
	case "1h":
		return 60, nil
	case "4h":
		return 240, nil
	case "1d":
		return 1440, nil
	}
	return 0, fmt.Errorf("unknown timeframe: %s", tf)
}

// TimeframeDuration maps a timeframe label to its bar interval.
func TimeframeDuration(tf string) (time.Duration, error) {
	mins, err := TimeframeMinutes(tf)
	if err != nil {
		return 0, err
	}
	return time.Duration(mins) * time.Minute, nil
}
