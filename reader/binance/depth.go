package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "marketpulse/config"
	"marketpulse/internal/channel"
	"marketpulse/internal/metrics"
	"marketpulse/logger"
	"marketpulse/models"
	"marketpulse/reader"
)

const exchangeName = "binance"

// DepthReader streams incremental order book depth from the Binance diff
// depth websocket and seeds the book from one REST snapshot on each
// connection, so the incremental stream starts from a populated book.
type DepthReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	client   *gobinance.Client
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	metrics  *metrics.Registry
	fatalErr chan error
}

// NewDepthReader creates a reader for the configured symbol. API key and
// secret are opaque credentials; public depth endpoints accept empty ones.
func NewDepthReader(cfg *appconfig.Config, channels *channel.Channels) *DepthReader {
	src := cfg.Source.Binance

	client := gobinance.NewClient(src.APIKey, src.APISecret)
	if src.RestURL != "" {
		client.BaseURL = src.RestURL
	}

	return &DepthReader{
		config:   cfg,
		channels: channels,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(src.SeedRequestsPerSecond), 1),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		metrics:  metrics.Default(),
		fatalErr: make(chan error, 1),
	}
}

func (r *DepthReader) Exchange() string {
	return exchangeName
}

// Fatal reports a configuration-level failure (subscription rejected past
// the retry ceiling). Transport errors never appear here.
func (r *DepthReader) Fatal() <-chan error {
	return r.fatalErr
}

// Start begins streaming depth updates for the configured symbol.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance depth reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	src := r.config.Source.Binance
	log := r.log.WithComponent("binance_depth_reader").WithFields(logger.Fields{"operation": "start"})

	if !src.Enabled {
		log.Warn("binance source is disabled")
		return fmt.Errorf("binance source is disabled")
	}

	log.WithFields(logger.Fields{"symbol": src.Symbol}).Info("starting binance depth reader")

	r.wg.Add(1)
	go r.streamWorker(src)

	log.Info("binance depth reader started successfully")
	return nil
}

// Stop waits for the stream worker to exit.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_depth_reader").Info("stopping binance depth reader")
	r.wg.Wait()
	r.log.WithComponent("binance_depth_reader").Info("binance depth reader stopped")
}

func (r *DepthReader) streamWorker(src appconfig.BinanceSourceConfig) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_depth_reader").WithFields(logger.Fields{
		"symbol": src.Symbol,
		"worker": "depth_stream",
	})

	r.seed(src, log)

	session := reader.NewSession(reader.SessionConfig{
		Exchange:         exchangeName,
		URL:              fmt.Sprintf("%s/%s@depth@100ms", src.WsURL, strings.ToLower(src.Symbol)),
		HandshakeTimeout: src.HandshakeTimeout,
		ReconnectDelay:   src.ReconnectDelay,
		RetryCeiling:     src.HandshakeRetryCeiling,
		OnFrame:          r.handleFrame(src.Symbol, log),
		OnReconnect: func() {
			// Reseed so levels removed while disconnected do not linger.
			r.seed(src, log)
		},
	}, log)

	if err := session.Run(r.ctx); err != nil {
		log.WithError(err).Error("binance depth stream failed")
		select {
		case r.fatalErr <- err:
		default:
		}
	}
}

func (r *DepthReader) handleFrame(symbol string, log *logger.Entry) func([]byte) error {
	return func(raw []byte) error {
		upd, err := reader.NormalizeDepthFrame(exchangeName, symbol, raw)
		if err != nil {
			r.metrics.FramesDropped.WithLabelValues(exchangeName).Inc()
			log.WithError(err).Warn("dropping malformed depth frame")
			return nil
		}

		if r.channels.SendDepth(r.ctx, upd) {
			logger.LogDataFlowEntry(log, "binance_ws", "depth_channel", len(upd.Bids)+len(upd.Asks), "depth_levels")
		} else if r.ctx.Err() != nil {
			return r.ctx.Err()
		} else {
			r.metrics.ChannelDrops.WithLabelValues("depth").Inc()
			log.Warn("depth channel full, dropping update")
		}
		return nil
	}
}

// seed fetches one REST depth snapshot and feeds it through the same
// channel as streamed updates, preserving per-exchange ordering.
func (r *DepthReader) seed(src appconfig.BinanceSourceConfig, log *logger.Entry) {
	if err := r.limiter.Wait(r.ctx); err != nil {
		return
	}

	limit := src.Depth
	if limit <= 0 {
		limit = r.config.Orderbook.Depth
	}

	start := time.Now()
	res, err := r.client.NewDepthService().Symbol(src.Symbol).Limit(limit).Do(r.ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth seed snapshot, starting from stream only")
		return
	}
	logger.LogPerformanceEntry(log, "binance_depth_reader", "seed_snapshot", time.Since(start), nil)

	upd := models.DepthUpdate{
		Exchange:  exchangeName,
		Symbol:    src.Symbol,
		Timestamp: time.Now().UTC(),
	}
	for _, b := range res.Bids {
		if lvl, ok := parseLevel(b.Price, b.Quantity); ok {
			upd.Bids = append(upd.Bids, lvl)
		}
	}
	for _, a := range res.Asks {
		if lvl, ok := parseLevel(a.Price, a.Quantity); ok {
			upd.Asks = append(upd.Asks, lvl)
		}
	}

	if !r.channels.SendDepth(r.ctx, upd) && r.ctx.Err() == nil {
		log.Warn("depth channel full, dropping seed snapshot")
		return
	}
	log.WithFields(logger.Fields{
		"bids": len(upd.Bids),
		"asks": len(upd.Asks),
	}).Info("order book seeded from rest snapshot")
}

func parseLevel(price, volume string) (models.PriceLevel, bool) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return models.PriceLevel{}, false
	}
	v, err := strconv.ParseFloat(volume, 64)
	if err != nil {
		return models.PriceLevel{}, false
	}
	return models.PriceLevel{Price: p, Volume: v}, true
}
