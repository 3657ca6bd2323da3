package models

import "time"

// PriceLevel represents a single price level on one side of the book.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// DepthUpdate is the canonical incremental order book change emitted by a
// feed connector. A volume of zero means the level is removed.
type DepthUpdate struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// OrderBookSnapshot is the top-N book state after an accepted update.
// Bids are strictly descending by price, asks strictly ascending, all
// volumes positive. Snapshots are immutable once published.
type OrderBookSnapshot struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid level and whether one exists.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level and whether one exists.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// SpreadSample records the bid-ask spread at a point in time.
type SpreadSample struct {
	Timestamp time.Time `json:"timestamp"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	Spread    float64   `json:"spread"`
}

// CVDPoint is one sample of the running cumulative volume delta.
type CVDPoint struct {
	Timestamp time.Time `json:"timestamp"`
	CVD       float64   `json:"cvd"`
}

// PricePoint is one sample of the reference price series.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// DivergenceKind classifies a CVD-vs-price divergence.
type DivergenceKind string

const (
	DivergenceBullish DivergenceKind = "bullish"
	DivergenceBearish DivergenceKind = "bearish"
)

// DivergenceEvent is emitted when CVD trend and price trend disagree
// between two adjacent aligned samples.
type DivergenceEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      DivergenceKind `json:"kind"`
	CVD       float64        `json:"cvd"`
	Price     float64        `json:"price"`
}

// ImbalanceSignal classifies the bid/ask volume ratio of a snapshot.
type ImbalanceSignal string

const (
	ImbalanceBullish ImbalanceSignal = "bullish"
	ImbalanceBearish ImbalanceSignal = "bearish"
	ImbalanceNeutral ImbalanceSignal = "neutral"
)

// Imbalance carries the ratio behind an imbalance signal.
type Imbalance struct {
	Timestamp time.Time       `json:"timestamp"`
	Exchange  string          `json:"exchange"`
	Ratio     float64         `json:"ratio"`
	Signal    ImbalanceSignal `json:"signal"`
}

// LargeOrderAlert flags book levels whose volume exceeds the configured
// threshold. Bid and ask sides are evaluated independently.
type LargeOrderAlert struct {
	Timestamp time.Time    `json:"timestamp"`
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Threshold float64      `json:"threshold"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// SignalType identifies the payload carried by a Signal.
type SignalType string

const (
	SignalSpread     SignalType = "spread"
	SignalImbalance  SignalType = "imbalance"
	SignalLargeOrder SignalType = "large_order"
	SignalDivergence SignalType = "divergence"
)

// Signal is the structured record handed to the external alerting and
// display layer. Exactly one payload field is set, matching Type.
type Signal struct {
	Type       SignalType       `json:"type"`
	Exchange   string           `json:"exchange"`
	Timestamp  time.Time        `json:"timestamp"`
	Spread     *SpreadSample    `json:"spread,omitempty"`
	Imbalance  *Imbalance       `json:"imbalance,omitempty"`
	LargeOrder *LargeOrderAlert `json:"large_order,omitempty"`
	Divergence *DivergenceEvent `json:"divergence,omitempty"`
}
