package reader

import (
	"testing"
	"time"
)

func TestNormalizeDepthFrameFlatStringLevels(t *testing.T) {
	raw := []byte(`{
		"e": "depthUpdate",
		"E": 1700000000000,
		"b": [["100.50","2.5"],["100.00","0"]],
		"a": [["101.00","1.25"]]
	}`)

	upd, err := NormalizeDepthFrame("binance", "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("NormalizeDepthFrame failed: %v", err)
	}

	if upd.Exchange != "binance" || upd.Symbol != "BTCUSDT" {
		t.Errorf("unexpected identity: %s %s", upd.Exchange, upd.Symbol)
	}
	if len(upd.Bids) != 2 || upd.Bids[0].Price != 100.50 || upd.Bids[0].Volume != 2.5 {
		t.Errorf("unexpected bids: %+v", upd.Bids)
	}
	// Zero volume passes through; removal is the store's concern.
	if upd.Bids[1].Volume != 0 {
		t.Errorf("expected zero-volume level preserved: %+v", upd.Bids[1])
	}
	if len(upd.Asks) != 1 || upd.Asks[0].Price != 101.00 {
		t.Errorf("unexpected asks: %+v", upd.Asks)
	}

	want := time.UnixMilli(1700000000000).UTC()
	if !upd.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, upd.Timestamp)
	}
}

func TestNormalizeDepthFrameLongKeys(t *testing.T) {
	raw := []byte(`{"bids": [["100","1"]], "asks": [["101","2"]], "ts": 1700000001000}`)

	upd, err := NormalizeDepthFrame("binance", "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("NormalizeDepthFrame failed: %v", err)
	}
	if len(upd.Bids) != 1 || len(upd.Asks) != 1 {
		t.Fatalf("unexpected levels: %+v / %+v", upd.Bids, upd.Asks)
	}
	if !upd.Timestamp.Equal(time.UnixMilli(1700000001000).UTC()) {
		t.Errorf("unexpected timestamp: %v", upd.Timestamp)
	}
}

func TestNormalizeDepthFrameNestedNumericLevels(t *testing.T) {
	raw := []byte(`{
		"channel": "push.depth",
		"ts": 1700000002000,
		"data": {"bids": [[100.5, 2.5, 1]], "asks": [[101.0, 1.25, 2]]}
	}`)

	upd, err := NormalizeDepthFrame("mexc", "BTC_USDT", raw)
	if err != nil {
		t.Fatalf("NormalizeDepthFrame failed: %v", err)
	}
	if len(upd.Bids) != 1 || upd.Bids[0].Price != 100.5 || upd.Bids[0].Volume != 2.5 {
		t.Errorf("unexpected bids: %+v", upd.Bids)
	}
	if len(upd.Asks) != 1 || upd.Asks[0].Volume != 1.25 {
		t.Errorf("unexpected asks: %+v", upd.Asks)
	}
	if !upd.Timestamp.Equal(time.UnixMilli(1700000002000).UTC()) {
		t.Errorf("unexpected timestamp: %v", upd.Timestamp)
	}
}

func TestNormalizeDepthFrameMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"no depth fields", `{"e":"trade","p":"100"}`},
		{"empty object", `{}`},
		{"nested without sides", `{"data":{"version":1}}`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := NormalizeDepthFrame("binance", "BTCUSDT", []byte(c.raw)); err == nil {
				t.Error("expected error for malformed frame")
			}
		})
	}
}

func TestNormalizeDepthFrameSkipsShortLevels(t *testing.T) {
	raw := []byte(`{"bids": [["100","1"],["99"]], "asks": [["101","2"]]}`)

	upd, err := NormalizeDepthFrame("binance", "BTCUSDT", raw)
	if err != nil {
		t.Fatalf("NormalizeDepthFrame failed: %v", err)
	}
	if len(upd.Bids) != 1 {
		t.Errorf("short level must be skipped: %+v", upd.Bids)
	}
}
