package analytics

import (
	"errors"

	"marketpulse/models"
)

// epsilon keeps the imbalance ratio finite when the ask side is empty.
const epsilon = 1e-9

// ErrEmptySide is returned when a spread is requested for a book with an
// empty bid or ask side.
var ErrEmptySide = errors.New("order book side is empty")

// Thresholds configures the signal cut-offs of the metrics engine.
type Thresholds struct {
	BullishRatio  float64
	BearishRatio  float64
	LargeOrderVol float64
}

// Spread returns the bid-ask spread of a snapshot. Books with an empty side
// yield ErrEmptySide rather than a zero sample.
func Spread(snapshot models.OrderBookSnapshot) (models.SpreadSample, error) {
	bid, ok := snapshot.BestBid()
	if !ok {
		return models.SpreadSample{}, ErrEmptySide
	}
	ask, ok := snapshot.BestAsk()
	if !ok {
		return models.SpreadSample{}, ErrEmptySide
	}
	return models.SpreadSample{
		Timestamp: snapshot.Timestamp,
		BestBid:   bid.Price,
		BestAsk:   ask.Price,
		Spread:    ask.Price - bid.Price,
	}, nil
}

// Imbalance computes the bid/ask volume ratio of a snapshot and classifies
// it against the configured thresholds.
func Imbalance(snapshot models.OrderBookSnapshot, thresholds Thresholds) models.Imbalance {
	var bidVolume, askVolume float64
	for _, lvl := range snapshot.Bids {
		bidVolume += lvl.Volume
	}
	for _, lvl := range snapshot.Asks {
		askVolume += lvl.Volume
	}

	ratio := bidVolume / (askVolume + epsilon)

	signal := models.ImbalanceNeutral
	switch {
	case ratio > thresholds.BullishRatio:
		signal = models.ImbalanceBullish
	case ratio < thresholds.BearishRatio:
		signal = models.ImbalanceBearish
	}

	return models.Imbalance{
		Timestamp: snapshot.Timestamp,
		Exchange:  snapshot.Exchange,
		Ratio:     ratio,
		Signal:    signal,
	}
}

// LargeOrders flags levels whose volume exceeds the threshold. Both sides
// are evaluated independently; either slice may be empty.
func LargeOrders(snapshot models.OrderBookSnapshot, threshold float64) ([]models.PriceLevel, []models.PriceLevel) {
	var largeBids, largeAsks []models.PriceLevel
	for _, lvl := range snapshot.Bids {
		if lvl.Volume > threshold {
			largeBids = append(largeBids, lvl)
		}
	}
	for _, lvl := range snapshot.Asks {
		if lvl.Volume > threshold {
			largeAsks = append(largeAsks, lvl)
		}
	}
	return largeBids, largeAsks
}

// VolumeDelta is the signed per-snapshot flow approximation used by the CVD
// accumulator: total bid volume minus total ask volume over the retained
// top-N levels.
func VolumeDelta(snapshot models.OrderBookSnapshot) float64 {
	var delta float64
	for _, lvl := range snapshot.Bids {
		delta += lvl.Volume
	}
	for _, lvl := range snapshot.Asks {
		delta -= lvl.Volume
	}
	return delta
}
