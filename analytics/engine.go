package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "marketpulse/config"
	"marketpulse/internal/channel"
	"marketpulse/internal/metrics"
	"marketpulse/logger"
	"marketpulse/models"
	"marketpulse/orderbook"
	"marketpulse/persist"
)

// Engine drives the derived-metric chain on a fixed interval: spread,
// imbalance and large-order alerts per exchange, CVD accumulation, price
// sampling and divergence detection. It is the single owner of the CVD
// running total, so no cross-component locking is needed there.
type Engine struct {
	config   *appconfig.Config
	store    *orderbook.Store
	channels *channel.Channels
	cvd      *CVDAccumulator
	persist  persist.Store

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	metrics *metrics.Registry

	// priceOf extracts the reference price from a snapshot. The default
	// uses the best ask; an external price source can replace it.
	priceOf func(models.OrderBookSnapshot) (float64, bool)

	lastApplied   map[string]time.Time
	spreads       []models.SpreadSample
	prices        []models.PricePoint
	maxSeries     int
	lastEventTime time.Time
	sinceFlush    int

	ticksProcessed int64
	eventsEmitted  int64
}

// NewEngine creates an analytics engine. store may be nil when persistence
// is disabled; seeding then starts at zero.
func NewEngine(cfg *appconfig.Config, bookStore *orderbook.Store, channels *channel.Channels, durable persist.Store) *Engine {
	maxSeries := cfg.Orderbook.History * 10
	return &Engine{
		config:      cfg,
		store:       bookStore,
		channels:    channels,
		cvd:         NewCVDAccumulator(maxSeries),
		persist:     durable,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		metrics:     metrics.Default(),
		priceOf:     bestAskPrice,
		lastApplied: make(map[string]time.Time),
		maxSeries:   maxSeries,
	}
}

// SetPriceSource replaces the built-in best-ask price extraction.
func (e *Engine) SetPriceSource(fn func(models.OrderBookSnapshot) (float64, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priceOf = fn
}

// CVD exposes the accumulator for inspection.
func (e *Engine) CVD() *CVDAccumulator {
	return e.cvd
}

// SpreadHistory returns a copy of the recorded spread series.
func (e *Engine) SpreadHistory() []models.SpreadSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.SpreadSample, len(e.spreads))
	copy(out, e.spreads)
	return out
}

// SmoothedCVD returns the SMA and EMA of the in-memory CVD series, using the
// configured window and span. Both are aligned with CVD().History().
func (e *Engine) SmoothedCVD() ([]float64, []float64) {
	history := e.cvd.History()
	series := make([]float64, len(history))
	for i, p := range history {
		series[i] = p.CVD
	}
	return SMA(series, e.config.Analytics.SMAWindow), EMA(series, e.config.Analytics.EMASpan)
}

// Start seeds the accumulator from persistence and begins the periodic
// analytics worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("analytics engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("analytics_engine").WithFields(logger.Fields{"operation": "start"})

	e.seed(ctx, log)

	log.WithFields(logger.Fields{
		"interval":      e.config.Analytics.Interval,
		"persist_every": e.config.Analytics.PersistEvery,
	}).Info("starting analytics engine")

	e.wg.Add(1)
	go e.tickWorker()

	go e.metricsReporter(ctx)

	log.Info("analytics engine started successfully")
	return nil
}

// Stop flushes pending history and waits for the worker to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("analytics_engine").Info("stopping analytics engine")
	e.flush(context.Background(), "shutdown")
	e.wg.Wait()
	e.log.WithComponent("analytics_engine").Info("analytics engine stopped")
}

// seed loads persisted history so the CVD total continues across restarts.
// Load failure is not fatal: continuity is best-effort, so the total falls
// back to zero with a warning.
func (e *Engine) seed(ctx context.Context, log *logger.Entry) {
	if e.persist == nil {
		log.Info("persistence disabled, seeding CVD at zero")
		return
	}

	history, err := e.persist.LoadCVD(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load persisted CVD history, seeding at zero")
	} else {
		seed := e.cvd.SeedFrom(history)
		log.WithFields(logger.Fields{"seed": seed, "points": len(history)}).Info("CVD seeded from persisted history")
	}

	prices, err := e.persist.LoadPrices(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load persisted price history")
		return
	}
	e.mu.Lock()
	e.prices = prices
	if len(prices) > 0 {
		e.lastEventTime = prices[len(prices)-1].Timestamp
	}
	e.mu.Unlock()
}

func (e *Engine) tickWorker() {
	defer e.wg.Done()

	log := e.log.WithComponent("analytics_engine").WithFields(logger.Fields{"worker": "tick"})
	log.Info("starting tick worker")

	ticker := time.NewTicker(e.config.Analytics.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			log.Info("tick worker stopped due to context cancellation")
			return
		case <-ticker.C:
			e.processTick(log)
		}
	}
}

func (e *Engine) processTick(log *logger.Entry) {
	start := time.Now()

	for _, exchange := range e.store.Exchanges() {
		snapshot, err := e.store.Latest(exchange)
		if err != nil {
			continue
		}
		e.processSnapshot(exchange, snapshot, log)
	}

	e.detect(log)

	e.mu.Lock()
	e.ticksProcessed++
	e.sinceFlush++
	flushDue := e.sinceFlush >= e.config.Analytics.PersistEvery
	if flushDue {
		e.sinceFlush = 0
	}
	e.mu.Unlock()

	if flushDue {
		e.flush(e.ctx, "cadence")
	}

	logger.LogPerformanceEntry(log, "analytics_engine", "tick", time.Since(start), nil)
}

func (e *Engine) processSnapshot(exchange string, snapshot models.OrderBookSnapshot, log *logger.Entry) {
	e.mu.Lock()
	seen := e.lastApplied[exchange]
	fresh := snapshot.Timestamp.After(seen)
	if fresh {
		e.lastApplied[exchange] = snapshot.Timestamp
	}
	priceOf := e.priceOf
	e.mu.Unlock()

	// An unchanged book produces no new records: signals describe the
	// snapshot, so one snapshot yields one set of signals.
	if !fresh {
		return
	}

	sample, err := Spread(snapshot)
	if err != nil {
		log.WithFields(logger.Fields{"exchange": exchange}).Debug("spread undefined for one-sided book")
	} else {
		e.mu.Lock()
		e.spreads = append(e.spreads, sample)
		if len(e.spreads) > e.maxSeries {
			e.spreads = e.spreads[1:]
		}
		e.mu.Unlock()
		e.emit(models.Signal{
			Type:      models.SignalSpread,
			Exchange:  exchange,
			Timestamp: sample.Timestamp,
			Spread:    &sample,
		})
	}

	thresholds := Thresholds{
		BullishRatio:  e.config.Analytics.Imbalance.BullishRatio,
		BearishRatio:  e.config.Analytics.Imbalance.BearishRatio,
		LargeOrderVol: e.config.Analytics.LargeOrderThreshold,
	}

	imb := Imbalance(snapshot, thresholds)
	e.emit(models.Signal{
		Type:      models.SignalImbalance,
		Exchange:  exchange,
		Timestamp: imb.Timestamp,
		Imbalance: &imb,
	})

	largeBids, largeAsks := LargeOrders(snapshot, thresholds.LargeOrderVol)
	if len(largeBids) > 0 || len(largeAsks) > 0 {
		alert := models.LargeOrderAlert{
			Timestamp: snapshot.Timestamp,
			Exchange:  exchange,
			Symbol:    snapshot.Symbol,
			Threshold: thresholds.LargeOrderVol,
			Bids:      largeBids,
			Asks:      largeAsks,
		}
		e.emit(models.Signal{
			Type:       models.SignalLargeOrder,
			Exchange:   exchange,
			Timestamp:  alert.Timestamp,
			LargeOrder: &alert,
		})
	}

	point := e.cvd.Apply(snapshot)
	e.metrics.CVDPoints.Inc()

	if price, ok := priceOf(snapshot); ok {
		e.mu.Lock()
		e.prices = append(e.prices, models.PricePoint{Timestamp: point.Timestamp, Price: price})
		if len(e.prices) > e.maxSeries {
			e.prices = e.prices[1:]
		}
		e.mu.Unlock()
	}
}

// detect runs divergence detection over the aligned series and emits only
// events newer than the last one already published.
func (e *Engine) detect(log *logger.Entry) {
	e.mu.RLock()
	prices := make([]models.PricePoint, len(e.prices))
	copy(prices, e.prices)
	e.mu.RUnlock()

	aligned := AlignAsOf(e.cvd.History(), prices)
	events := DetectDivergences(aligned)

	for _, event := range events {
		e.mu.Lock()
		if !event.Timestamp.After(e.lastEventTime) {
			e.mu.Unlock()
			continue
		}
		e.lastEventTime = event.Timestamp
		e.eventsEmitted++
		e.mu.Unlock()

		e.metrics.DivergenceEvents.WithLabelValues(string(event.Kind)).Inc()
		log.WithFields(logger.Fields{
			"kind":  event.Kind,
			"cvd":   event.CVD,
			"price": event.Price,
		}).Info("divergence detected")

		div := event
		e.emit(models.Signal{
			Type:       models.SignalDivergence,
			Timestamp:  event.Timestamp,
			Divergence: &div,
		})
	}
}

// flush persists the CVD and price history. Write failures are warnings:
// the in-memory series is retained and retried on the next cadence.
func (e *Engine) flush(ctx context.Context, reason string) {
	if e.persist == nil {
		return
	}

	log := e.log.WithComponent("analytics_engine").WithFields(logger.Fields{"reason": reason})

	if err := e.persist.SaveCVD(ctx, e.cvd.History()); err != nil {
		log.WithError(err).Warn("failed to persist CVD history")
	}

	e.mu.RLock()
	prices := make([]models.PricePoint, len(e.prices))
	copy(prices, e.prices)
	e.mu.RUnlock()

	if err := e.persist.SavePrices(ctx, prices); err != nil {
		log.WithError(err).Warn("failed to persist price history")
	}
}

func (e *Engine) emit(sig models.Signal) {
	if !e.channels.SendSignal(e.ctx, sig) && e.ctx.Err() == nil {
		e.metrics.ChannelDrops.WithLabelValues("signals").Inc()
		e.log.WithComponent("analytics_engine").Warn("signal channel full, dropping signal")
	}
}

func (e *Engine) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			ticks := e.ticksProcessed
			events := e.eventsEmitted
			spreadLen := len(e.spreads)
			priceLen := len(e.prices)
			e.mu.RUnlock()

			fields := logger.Fields{
				"ticks_processed": ticks,
				"events_emitted":  events,
				"spread_samples":  spreadLen,
				"price_samples":   priceLen,
				"cvd_total":       e.cvd.Total(),
			}
			if sma, ema := e.SmoothedCVD(); len(sma) > 0 {
				fields["cvd_sma"] = sma[len(sma)-1]
				fields["cvd_ema"] = ema[len(ema)-1]
			}
			e.log.WithComponent("analytics_engine").WithFields(fields).Info("analytics engine metrics")
		}
	}
}

func bestAskPrice(snapshot models.OrderBookSnapshot) (float64, bool) {
	ask, ok := snapshot.BestAsk()
	if !ok {
		return 0, false
	}
	return ask.Price, true
}
