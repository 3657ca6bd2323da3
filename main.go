package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketpulse/analytics"
	"marketpulse/config"
	"marketpulse/internal/channel"
	"marketpulse/internal/metrics"
	"marketpulse/logger"
	"marketpulse/models"
	"marketpulse/orderbook"
	"marketpulse/persist"
	"marketpulse/reader/binance"
	"marketpulse/reader/mexc"
	"marketpulse/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketpulse.Name,
		"version": cfg.Marketpulse.Version,
	}).Info("starting marketpulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := channel.NewChannels(cfg.Channels.DepthBuffer, cfg.Channels.SignalBuffer)
	defer channels.Close()

	store := orderbook.NewStore(cfg.Orderbook.Depth, cfg.Orderbook.History)

	var archiveChan chan models.OrderBookSnapshot
	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archiveChan = make(chan models.OrderBookSnapshot, cfg.Channels.DepthBuffer)
		archiver, err = writer.NewArchiver(cfg, archiveChan)
		if err != nil {
			log.WithError(err).Error("failed to create s3 archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	keeper := orderbook.NewKeeper(store, channels.Depth, archiveChan)

	durable := selectPersistence(ctx, cfg, log)
	engine := analytics.NewEngine(cfg, store, channels, durable)

	var binanceReader *binance.DepthReader
	if cfg.Source.Binance.Enabled {
		binanceReader = binance.NewDepthReader(cfg, channels)
	}
	var mexcReader *mexc.DepthReader
	if cfg.Source.Mexc.Enabled {
		mexcReader = mexc.NewDepthReader(cfg, channels)
	}
	if binanceReader == nil && mexcReader == nil {
		log.Error("no depth sources enabled")
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Default().Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.WithError(err).Warn("metrics server failed")
			}
		}()
	}

	if err := keeper.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start book keeper")
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start analytics engine")
		os.Exit(1)
	}
	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start s3 archiver")
			os.Exit(1)
		}
	}
	if binanceReader != nil {
		if err := binanceReader.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start binance reader")
			os.Exit(1)
		}
		go watchFatal(ctx, cancel, binanceReader.Fatal(), "binance", log)
	}
	if mexcReader != nil {
		if err := mexcReader.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start mexc reader")
			os.Exit(1)
		}
		go watchFatal(ctx, cancel, mexcReader.Fatal(), "mexc", log)
	}

	go signalPrinter(ctx, channels.Signals, log)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
		log.Info("shutting down after fatal component error")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if binanceReader != nil {
			log.Info("stopping binance reader")
			binanceReader.Stop()
		}
		if mexcReader != nil {
			log.Info("stopping mexc reader")
			mexcReader.Stop()
		}

		log.Info("stopping book keeper")
		keeper.Stop()

		log.Info("stopping analytics engine")
		engine.Stop()

		if archiver != nil {
			log.Info("stopping s3 archiver")
			archiver.Stop()
		}

		if closer, ok := durable.(interface{ Close() error }); ok && closer != nil {
			if err := closer.Close(); err != nil {
				log.WithError(err).Warn("failed to close persistence store")
			}
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketpulse stopped")
}

// selectPersistence prefers Redis over the file store when both are enabled.
// Returns nil when persistence is disabled entirely.
func selectPersistence(ctx context.Context, cfg *config.Config, log *logger.Log) persist.Store {
	if cfg.Storage.Redis.Enabled {
		store, err := persist.NewRedisStore(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.KeyPrefix)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		log.WithComponent("main").WithFields(logger.Fields{"addr": cfg.Storage.Redis.Addr}).Info("using redis persistence")
		return store
	}
	if cfg.Storage.File.Enabled {
		store, err := persist.NewFileStore(cfg.Storage.File.Dir)
		if err != nil {
			log.WithError(err).Error("failed to initialize file persistence")
			os.Exit(1)
		}
		log.WithComponent("main").WithFields(logger.Fields{"dir": cfg.Storage.File.Dir}).Info("using file persistence")
		return store
	}
	log.WithComponent("main").Info("persistence disabled")
	return nil
}

// watchFatal cancels the whole pipeline when a reader reports an error it
// cannot recover from.
func watchFatal(ctx context.Context, cancel context.CancelFunc, fatal <-chan error, exchange string, log *logger.Log) {
	select {
	case <-ctx.Done():
	case err := <-fatal:
		log.WithError(err).WithFields(logger.Fields{"exchange": exchange}).Error("reader reported fatal error")
		cancel()
	}
}

// signalPrinter is the display boundary: every derived signal is emitted as
// one structured log line.
func signalPrinter(ctx context.Context, signals <-chan models.Signal, log *logger.Log) {
	entry := log.WithComponent("signals")
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			payload, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			entry.WithFields(logger.Fields{
				"type":     sig.Type,
				"exchange": sig.Exchange,
				"payload":  json.RawMessage(payload),
			}).Info("signal")
		}
	}
}
