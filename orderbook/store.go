package orderbook

import (
	"errors"
	"sort"
	"sync"
	"time"

	"marketpulse/models"
)

var (
	// ErrCrossedBook is returned when an update would leave the best bid at
	// or above the best ask. The previous snapshot is kept.
	ErrCrossedBook = errors.New("crossed book: best bid >= best ask")
	// ErrNoSnapshot is returned when no snapshot exists for an exchange.
	ErrNoSnapshot = errors.New("no snapshot available")
)

// Store holds the top-N book state per exchange plus a bounded rolling
// history of accepted snapshots. State is partitioned per exchange, so
// connectors for different exchanges never contend on the same lock.
type Store struct {
	depth      int
	historyCap int

	mu         sync.RWMutex
	partitions map[string]*partition
}

type partition struct {
	mu      sync.Mutex
	symbol  string
	bids    map[float64]float64
	asks    map[float64]float64
	latest  models.OrderBookSnapshot
	hasBook bool
	history []models.OrderBookSnapshot
}

// NewStore creates a store keeping the best depth levels per side and up to
// historyCap snapshots per exchange.
func NewStore(depth, historyCap int) *Store {
	if depth <= 0 {
		depth = 5
	}
	if historyCap <= 0 {
		historyCap = 100
	}
	return &Store{
		depth:      depth,
		historyCap: historyCap,
		partitions: make(map[string]*partition),
	}
}

func (s *Store) partition(exchange string) *partition {
	s.mu.RLock()
	p, ok := s.partitions[exchange]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[exchange]; ok {
		return p
	}
	p = &partition{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
	s.partitions[exchange] = p
	return p
}

// Apply folds an incremental depth update into the exchange's book and
// returns the resulting snapshot. A zero volume removes the level; removing
// an absent level is a no-op. Updates producing a crossed book are rejected
// with ErrCrossedBook and the last good snapshot stays in place.
func (s *Store) Apply(upd models.DepthUpdate) (models.OrderBookSnapshot, error) {
	p := s.partition(upd.Exchange)

	p.mu.Lock()
	defer p.mu.Unlock()

	if upd.Symbol != "" {
		p.symbol = upd.Symbol
	}

	applyLevels(p.bids, upd.Bids)
	applyLevels(p.asks, upd.Asks)

	ts := upd.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	snapshot := models.OrderBookSnapshot{
		Exchange:  upd.Exchange,
		Symbol:    p.symbol,
		Timestamp: ts,
		Bids:      topLevels(p.bids, s.depth, true),
		Asks:      topLevels(p.asks, s.depth, false),
	}

	if len(snapshot.Bids) > 0 && len(snapshot.Asks) > 0 &&
		snapshot.Bids[0].Price >= snapshot.Asks[0].Price {
		return models.OrderBookSnapshot{}, ErrCrossedBook
	}

	p.latest = snapshot
	p.hasBook = true
	p.history = append(p.history, snapshot)
	if len(p.history) > s.historyCap {
		p.history = p.history[1:]
	}

	return snapshot, nil
}

// Latest returns a copy of the last accepted snapshot for the exchange.
func (s *Store) Latest(exchange string) (models.OrderBookSnapshot, error) {
	s.mu.RLock()
	p, ok := s.partitions[exchange]
	s.mu.RUnlock()
	if !ok {
		return models.OrderBookSnapshot{}, ErrNoSnapshot
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasBook {
		return models.OrderBookSnapshot{}, ErrNoSnapshot
	}
	return p.latest, nil
}

// History returns a copy of the rolling snapshot history for the exchange,
// oldest first.
func (s *Store) History(exchange string) []models.OrderBookSnapshot {
	s.mu.RLock()
	p, ok := s.partitions[exchange]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.OrderBookSnapshot, len(p.history))
	copy(out, p.history)
	return out
}

// Exchanges lists the exchanges with at least one applied update.
func (s *Store) Exchanges() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func applyLevels(book map[float64]float64, levels []models.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Volume == 0 {
			delete(book, lvl.Price)
		} else {
			book[lvl.Price] = lvl.Volume
		}
	}
}

// topLevels sorts one side of the book and truncates it to depth. Bids are
// descending by price, asks ascending.
func topLevels(book map[float64]float64, depth int, descending bool) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(book))
	for price, volume := range book {
		levels = append(levels, models.PriceLevel{Price: price, Volume: volume})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
