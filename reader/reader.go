package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketpulse/models"
)

// Connector is one exchange's persistent depth feed. Implementations own a
// single streaming connection, translate wire frames into canonical depth
// updates and reconnect on failure until the context is cancelled.
type Connector interface {
	Start(ctx context.Context) error
	Stop()
	Exchange() string
}

// wireNumber decodes a value that exchanges encode either as a JSON number
// or as a quoted decimal string.
type wireNumber float64

func (n *wireNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*n = wireNumber(v)
	return nil
}

// wireLevel accepts both ["price","volume"] string pairs and
// [price, volume, ...] numeric arrays.
type wireLevel []wireNumber

// wireDepth covers the two supported frame shapes: bid/ask arrays at the
// top level (long or short key names), or nested under a data field.
type wireDepth struct {
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	B         []wireLevel `json:"b"`
	A         []wireLevel `json:"a"`
	EventTime int64       `json:"E"`
	Ts        int64       `json:"ts"`
	Data      *wireDepth  `json:"data"`
}

// NormalizeDepthFrame parses a raw frame into canonical bid/ask changes.
// Frames carrying neither supported shape yield an error so the caller can
// drop them and continue.
func NormalizeDepthFrame(exchange, symbol string, raw []byte) (models.DepthUpdate, error) {
	var frame wireDepth
	if err := json.Unmarshal(raw, &frame); err != nil {
		return models.DepthUpdate{}, fmt.Errorf("malformed depth frame: %w", err)
	}

	body := &frame
	if len(body.Bids) == 0 && len(body.Asks) == 0 && len(body.B) == 0 && len(body.A) == 0 {
		if frame.Data == nil {
			return models.DepthUpdate{}, fmt.Errorf("depth frame missing bid/ask fields")
		}
		body = frame.Data
	}

	bids := body.Bids
	if len(bids) == 0 {
		bids = body.B
	}
	asks := body.Asks
	if len(asks) == 0 {
		asks = body.A
	}
	if len(bids) == 0 && len(asks) == 0 {
		return models.DepthUpdate{}, fmt.Errorf("depth frame missing bid/ask fields")
	}

	ts := time.Now().UTC()
	if ms := firstNonZero(body.EventTime, body.Ts, frame.EventTime, frame.Ts); ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}

	upd := models.DepthUpdate{
		Exchange:  exchange,
		Symbol:    symbol,
		Timestamp: ts,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
	}
	return upd, nil
}

func toLevels(levels []wireLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, models.PriceLevel{
			Price:  float64(lvl[0]),
			Volume: float64(lvl[1]),
		})
	}
	return out
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
