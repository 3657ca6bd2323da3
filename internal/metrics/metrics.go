package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketpulse/logger"
)

// Registry holds the Prometheus collectors for the pipeline. Counts are
// exported for the external observability layer; nothing here is consumed
// by the pipeline itself.
type Registry struct {
	FramesProcessed   *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	SnapshotsAccepted *prometheus.CounterVec
	SnapshotsRejected *prometheus.CounterVec
	CVDPoints         prometheus.Counter
	DivergenceEvents  *prometheus.CounterVec
	ChannelDrops      *prometheus.CounterVec

	registry *prometheus.Registry
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a registry with all pipeline collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_frames_processed_total",
			Help: "Total websocket frames processed per exchange",
		}, []string{"exchange"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_frames_dropped_total",
			Help: "Total malformed frames discarded per exchange",
		}, []string{"exchange"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_reconnects_total",
			Help: "Total websocket reconnect attempts per exchange",
		}, []string{"exchange"}),
		SnapshotsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_snapshots_accepted_total",
			Help: "Order book snapshots accepted into the store per exchange",
		}, []string{"exchange"}),
		SnapshotsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_snapshots_rejected_total",
			Help: "Order book updates rejected (crossed book) per exchange",
		}, []string{"exchange"}),
		CVDPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_cvd_points_total",
			Help: "CVD points produced by the analytics worker",
		}),
		DivergenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_divergence_events_total",
			Help: "Divergence events detected by kind",
		}, []string{"kind"}),
		ChannelDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_channel_drops_total",
			Help: "Messages dropped on internal channels",
		}, []string{"channel"}),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(
		r.FramesProcessed,
		r.FramesDropped,
		r.Reconnects,
		r.SnapshotsAccepted,
		r.SnapshotsRejected,
		r.CVDPoints,
		r.DivergenceEvents,
		r.ChannelDrops,
	)
	return r
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Serve exposes /metrics until the context is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	log := logger.GetLogger().WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
		}
	}()

	log.WithFields(logger.Fields{"addr": addr}).Info("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
