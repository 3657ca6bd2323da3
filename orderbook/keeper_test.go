package orderbook

import (
	"context"
	"testing"
	"time"

	"marketpulse/models"
)

func TestKeeperAppliesAndForwards(t *testing.T) {
	store := NewStore(5, 10)
	depthChan := make(chan models.DepthUpdate, 4)
	archiveChan := make(chan models.OrderBookSnapshot, 4)

	keeper := NewKeeper(store, depthChan, archiveChan)

	ctx, cancel := context.WithCancel(context.Background())
	if err := keeper.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	depthChan <- update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 1}},
		[]models.PriceLevel{{Price: 101, Volume: 1}},
	)

	select {
	case snapshot := <-archiveChan:
		if snapshot.Bids[0].Price != 100 {
			t.Errorf("unexpected archived snapshot: %+v", snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for archived snapshot")
	}

	latest, err := store.Latest("binance")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Asks[0].Price != 101 {
		t.Errorf("unexpected latest snapshot: %+v", latest)
	}

	cancel()
	keeper.Stop()
}

func TestKeeperSkipsCrossedUpdates(t *testing.T) {
	store := NewStore(5, 10)
	depthChan := make(chan models.DepthUpdate, 4)

	keeper := NewKeeper(store, depthChan, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := keeper.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	depthChan <- update("binance", time.Now(),
		[]models.PriceLevel{{Price: 100, Volume: 1}},
		[]models.PriceLevel{{Price: 101, Volume: 1}},
	)
	depthChan <- update("binance", time.Now(),
		[]models.PriceLevel{{Price: 102, Volume: 1}}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(store.History("binance")) >= 1 && len(depthChan) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for keeper to drain")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the second (rejected) update time to be processed.
	time.Sleep(50 * time.Millisecond)

	latest, err := store.Latest("binance")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Bids[0].Price != 100 {
		t.Errorf("crossed update must not replace the snapshot: %+v", latest)
	}
	if len(store.History("binance")) != 1 {
		t.Errorf("rejected update must not enter history: %d entries", len(store.History("binance")))
	}

	cancel()
	keeper.Stop()
}
