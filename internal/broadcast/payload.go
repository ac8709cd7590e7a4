package broadcast

import "time"

// RunnerState is the runner's execution condition as shown to the UI.
type RunnerState string

const (
	RunnerScanning     RunnerState = "SCANNING"
	RunnerInTrade      RunnerState = "IN_TRADE"
	RunnerDataFrozen   RunnerState = "DATA_FROZEN"
	RunnerMarketClosed RunnerState = "MARKET_CLOSED"
)

// ActivityState is the coarser activity label the UI renders.
type ActivityState string

const (
	ActivityScanning     ActivityState = "SCANNING"
	ActivityInTrade      ActivityState = "IN_TRADE"
	ActivityMaintenance  ActivityState = "MAINTENANCE"
	ActivityMarketClosed ActivityState = "MARKET_CLOSED"
	ActivityIdle         ActivityState = "IDLE"
)

// LivePnl is the per-bot live payload. Whenever the mark is not fresh
// every numeric live field is null and RunnerState is DATA_FROZEN, so
// the UI can never render a price nobody stands behind.
type LivePnl struct {
	BotID              string        `json:"botId"`
	UnrealizedPnl      *float64      `json:"unrealizedPnl"`
	CurrentPrice       *float64      `json:"currentPrice"`
	EntryPrice         *float64      `json:"entryPrice"`
	Side               *string       `json:"side"`
	PositionQuantity   *float64      `json:"positionQuantity"`
	StopPrice          *float64      `json:"stopPrice"`
	TargetPrice        *float64      `json:"targetPrice"`
	PositionOpenedAt   *time.Time    `json:"positionOpenedAt"`
	LivePositionActive bool          `json:"livePositionActive"`
	MarkTimestamp      *time.Time    `json:"markTimestamp"`
	MarkFresh          bool          `json:"markFresh"`
	SessionState       string        `json:"sessionState"`
	IsSleeping         bool          `json:"isSleeping"`
	RunnerState        RunnerState   `json:"runnerState"`
	ActivityState      ActivityState `json:"activityState"`
}
