package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	appconfig "marketpulse/config"
	"marketpulse/internal/channel"
	"marketpulse/internal/metrics"
	"marketpulse/logger"
	"marketpulse/reader"
)

const exchangeName = "mexc"

// DepthReader streams order book depth from the MEXC contract websocket.
// The feed requires an explicit sub.depth subscription after connect and a
// client-initiated ping to keep the connection alive.
type DepthReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	metrics  *metrics.Registry
	fatalErr chan error
}

func NewDepthReader(cfg *appconfig.Config, channels *channel.Channels) *DepthReader {
	return &DepthReader{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		metrics:  metrics.Default(),
		fatalErr: make(chan error, 1),
	}
}

func (r *DepthReader) Exchange() string {
	return exchangeName
}

// Fatal reports a subscription rejected past the retry ceiling. Transport
// errors never appear here.
func (r *DepthReader) Fatal() <-chan error {
	return r.fatalErr
}

// Start begins streaming depth updates for the configured symbol.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("mexc depth reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	src := r.config.Source.Mexc
	log := r.log.WithComponent("mexc_depth_reader").WithFields(logger.Fields{"operation": "start"})

	if !src.Enabled {
		log.Warn("mexc source is disabled")
		return fmt.Errorf("mexc source is disabled")
	}

	log.WithFields(logger.Fields{"symbol": src.Symbol}).Info("starting mexc depth reader")

	r.wg.Add(1)
	go r.streamWorker(src)

	log.Info("mexc depth reader started successfully")
	return nil
}

// Stop waits for the stream worker to exit.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("mexc_depth_reader").Info("stopping mexc depth reader")
	r.wg.Wait()
	r.log.WithComponent("mexc_depth_reader").Info("mexc depth reader stopped")
}

func (r *DepthReader) streamWorker(src appconfig.MexcSourceConfig) {
	defer r.wg.Done()

	log := r.log.WithComponent("mexc_depth_reader").WithFields(logger.Fields{
		"symbol": src.Symbol,
		"worker": "depth_stream",
	})

	session := reader.NewSession(reader.SessionConfig{
		Exchange:         exchangeName,
		URL:              src.WsURL,
		HandshakeTimeout: src.HandshakeTimeout,
		ReconnectDelay:   src.ReconnectDelay,
		RetryCeiling:     src.HandshakeRetryCeiling,
		PingInterval:     src.PingInterval,
		Subscribe: func(conn *reader.Conn) error {
			return conn.WriteJSON(map[string]interface{}{
				"method": "sub.depth",
				"param":  map[string]string{"symbol": contractSymbol(src.Symbol)},
			})
		},
		Ping: func(conn *reader.Conn) error {
			return conn.WriteJSON(map[string]string{"method": "ping"})
		},
		OnFrame: r.handleFrame(src.Symbol, log),
	}, log)

	if err := session.Run(r.ctx); err != nil {
		log.WithError(err).Error("mexc depth stream failed")
		select {
		case r.fatalErr <- err:
		default:
		}
	}
}

// controlFrame carries the channel discriminator the contract feed puts on
// every message: push.depth for data, rs.* for command replies, pong for
// keepalive echoes.
type controlFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (r *DepthReader) handleFrame(symbol string, log *logger.Entry) func([]byte) error {
	return func(raw []byte) error {
		var ctl controlFrame
		if err := json.Unmarshal(raw, &ctl); err != nil {
			r.metrics.FramesDropped.WithLabelValues(exchangeName).Inc()
			log.WithError(err).Warn("dropping malformed depth frame")
			return nil
		}

		switch {
		case ctl.Channel == "pong":
			return nil
		case ctl.Channel == "rs.error":
			return fmt.Errorf("%w: %s", reader.ErrSubscribeRejected, string(ctl.Data))
		case strings.HasPrefix(ctl.Channel, "rs."):
			log.WithFields(logger.Fields{"channel": ctl.Channel}).Debug("subscription acknowledged")
			return nil
		}

		upd, err := reader.NormalizeDepthFrame(exchangeName, symbol, raw)
		if err != nil {
			r.metrics.FramesDropped.WithLabelValues(exchangeName).Inc()
			log.WithError(err).Warn("dropping malformed depth frame")
			return nil
		}

		if r.channels.SendDepth(r.ctx, upd) {
			logger.LogDataFlowEntry(log, "mexc_ws", "depth_channel", len(upd.Bids)+len(upd.Asks), "depth_levels")
		} else if r.ctx.Err() != nil {
			return r.ctx.Err()
		} else {
			r.metrics.ChannelDrops.WithLabelValues("depth").Inc()
			log.Warn("depth channel full, dropping update")
		}
		return nil
	}
}

// contractSymbol converts a spot-style symbol like BTCUSDT to the contract
// feed's BTC_USDT form. Symbols already containing an underscore pass
// through unchanged.
func contractSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.Contains(s, "_") {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "_" + quote
		}
	}
	return s
}
