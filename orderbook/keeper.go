package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"marketpulse/internal/metrics"
	"marketpulse/logger"
	"marketpulse/models"
)

// Keeper consumes canonical depth updates and applies them to the store.
// Updates from one exchange arrive on a single channel in receipt order, so
// per-exchange ordering is preserved by construction. Accepted snapshots are
// optionally forwarded to an archive channel without ever blocking.
type Keeper struct {
	store     *Store
	depthChan <-chan models.DepthUpdate
	archive   chan<- models.OrderBookSnapshot
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
	metrics   *metrics.Registry
}

// NewKeeper creates a keeper reading from depthChan. archive may be nil.
func NewKeeper(store *Store, depthChan <-chan models.DepthUpdate, archive chan<- models.OrderBookSnapshot) *Keeper {
	return &Keeper{
		store:     store,
		depthChan: depthChan,
		archive:   archive,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		metrics:   metrics.Default(),
	}
}

// Start begins applying depth updates until the context is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return fmt.Errorf("keeper already running")
	}
	k.running = true
	k.ctx = ctx
	k.mu.Unlock()

	log := k.log.WithComponent("book_keeper").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting book keeper")

	k.wg.Add(1)
	go k.applyWorker()

	log.Info("book keeper started successfully")
	return nil
}

// Stop waits for the apply worker to drain.
func (k *Keeper) Stop() {
	k.mu.Lock()
	k.running = false
	k.mu.Unlock()

	k.log.WithComponent("book_keeper").Info("stopping book keeper")
	k.wg.Wait()
	k.log.WithComponent("book_keeper").Info("book keeper stopped")
}

func (k *Keeper) applyWorker() {
	defer k.wg.Done()

	log := k.log.WithComponent("book_keeper").WithFields(logger.Fields{"worker": "apply"})

	for {
		select {
		case <-k.ctx.Done():
			log.Info("apply worker stopped due to context cancellation")
			return
		case upd, ok := <-k.depthChan:
			if !ok {
				log.Info("depth channel closed, apply worker stopping")
				return
			}
			k.apply(upd, log)
		}
	}
}

func (k *Keeper) apply(upd models.DepthUpdate, log *logger.Entry) {
	snapshot, err := k.store.Apply(upd)
	if err != nil {
		if errors.Is(err, ErrCrossedBook) {
			k.metrics.SnapshotsRejected.WithLabelValues(upd.Exchange).Inc()
			log.WithFields(logger.Fields{
				"exchange": upd.Exchange,
				"symbol":   upd.Symbol,
			}).Warn("crossed book update rejected, keeping last good snapshot")
			return
		}
		log.WithError(err).WithFields(logger.Fields{"exchange": upd.Exchange}).Warn("failed to apply depth update")
		return
	}

	k.metrics.SnapshotsAccepted.WithLabelValues(upd.Exchange).Inc()

	if k.archive == nil {
		return
	}
	select {
	case k.archive <- snapshot:
	case <-k.ctx.Done():
	default:
		k.metrics.ChannelDrops.WithLabelValues("archive").Inc()
	}
}
