package orderbook

import (
	"errors"
	"testing"
	"time"

	"marketpulse/models"
)

func update(exchange string, ts time.Time, bids, asks []models.PriceLevel) models.DepthUpdate {
	return models.DepthUpdate{
		Exchange:  exchange,
		Symbol:    "BTCUSDT",
		Timestamp: ts,
		Bids:      bids,
		Asks:      asks,
	}
}

func TestApplyOrdersAndTruncates(t *testing.T) {
	store := NewStore(2, 10)

	snapshot, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 99, Volume: 1}, {Price: 101, Volume: 2}, {Price: 100, Volume: 3}},
		[]models.PriceLevel{{Price: 103, Volume: 1}, {Price: 102, Volume: 2}, {Price: 104, Volume: 3}},
	))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(snapshot.Bids) != 2 || len(snapshot.Asks) != 2 {
		t.Fatalf("expected truncation to 2 levels, got %d bids / %d asks", len(snapshot.Bids), len(snapshot.Asks))
	}
	if snapshot.Bids[0].Price != 101 || snapshot.Bids[1].Price != 100 {
		t.Errorf("bids not descending: %v", snapshot.Bids)
	}
	if snapshot.Asks[0].Price != 102 || snapshot.Asks[1].Price != 103 {
		t.Errorf("asks not ascending: %v", snapshot.Asks)
	}
}

func TestApplyZeroVolumeRemovesLevel(t *testing.T) {
	store := NewStore(5, 10)

	if _, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 1}, {Price: 99, Volume: 2}},
		[]models.PriceLevel{{Price: 101, Volume: 1}},
	)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	snapshot, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 0}}, nil))
	if err != nil {
		t.Fatalf("Apply removal failed: %v", err)
	}
	if len(snapshot.Bids) != 1 || snapshot.Bids[0].Price != 99 {
		t.Errorf("expected only level 99 to remain, got %v", snapshot.Bids)
	}

	// Removing the same level again must behave identically.
	again, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 0}}, nil))
	if err != nil {
		t.Fatalf("Apply repeated removal failed: %v", err)
	}
	if len(again.Bids) != 1 || again.Bids[0].Price != 99 {
		t.Errorf("repeated removal changed the book: %v", again.Bids)
	}
}

func TestApplyRejectsCrossedBook(t *testing.T) {
	store := NewStore(5, 10)

	good, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 1}},
		[]models.PriceLevel{{Price: 101, Volume: 1}},
	))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	_, err = store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 102, Volume: 1}}, nil))
	if !errors.Is(err, ErrCrossedBook) {
		t.Fatalf("expected ErrCrossedBook, got %v", err)
	}

	latest, err := store.Latest("binance")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Timestamp != good.Timestamp || latest.Bids[0].Price != 100 {
		t.Errorf("latest snapshot changed after rejected update: %+v", latest)
	}

	// A later update removing the crossing level must be accepted again.
	fixed, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 102, Volume: 0}}, nil))
	if err != nil {
		t.Fatalf("Apply after uncross failed: %v", err)
	}
	if fixed.Bids[0].Price != 100 {
		t.Errorf("unexpected best bid after uncross: %v", fixed.Bids)
	}
}

func TestHistoryBounded(t *testing.T) {
	store := NewStore(5, 3)

	base := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := store.Apply(update("binance", base.Add(time.Duration(i)*time.Second),
			[]models.PriceLevel{{Price: 100 + float64(i), Volume: 1}},
			[]models.PriceLevel{{Price: 200, Volume: 1}},
		)); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}

	history := store.History("binance")
	if len(history) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(history))
	}
	if history[0].Bids[0].Price != 102 {
		t.Errorf("expected oldest retained snapshot to start at 102, got %v", history[0].Bids[0].Price)
	}
	if history[2].Bids[0].Price != 104 {
		t.Errorf("expected newest snapshot at 104, got %v", history[2].Bids[0].Price)
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	store := NewStore(5, 10)

	if _, err := store.Apply(update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 1}},
		[]models.PriceLevel{{Price: 101, Volume: 1}},
	)); err != nil {
		t.Fatalf("Apply binance failed: %v", err)
	}
	if _, err := store.Apply(update("mexc", time.Now(),
		[]models.PriceLevel{{Price: 90, Volume: 1}},
		[]models.PriceLevel{{Price: 91, Volume: 1}},
	)); err != nil {
		t.Fatalf("Apply mexc failed: %v", err)
	}

	exchanges := store.Exchanges()
	if len(exchanges) != 2 || exchanges[0] != "binance" || exchanges[1] != "mexc" {
		t.Fatalf("unexpected exchange list: %v", exchanges)
	}

	mexcLatest, err := store.Latest("mexc")
	if err != nil {
		t.Fatalf("Latest mexc failed: %v", err)
	}
	if mexcLatest.Bids[0].Price != 90 {
		t.Errorf("mexc book leaked binance state: %v", mexcLatest.Bids)
	}
}

func TestLatestWithoutSnapshot(t *testing.T) {
	store := NewStore(5, 10)
	if _, err := store.Latest("binance"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}
