package channel

import (
	"context"
	"sync"

	"marketpulse/logger"
	"marketpulse/models"
)

type ChannelStats struct {
	DepthSent     int64
	SignalSent    int64
	DepthDropped  int64
	SignalDropped int64
}

// Channels carries canonical depth updates from the feed connectors to the
// order book keeper, and derived signals out to the alerting boundary.
type Channels struct {
	Depth   chan models.DepthUpdate
	Signals chan models.Signal

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(depthBufferSize, signalBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Depth:   make(chan models.DepthUpdate, depthBufferSize),
		Signals: make(chan models.Signal, signalBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"depth_buffer_size":  depthBufferSize,
		"signal_buffer_size": signalBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Depth)
	close(c.Signals)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendDepth pushes a depth update without ever blocking the feed reader.
// Returns false when the update was dropped or the context is done.
func (c *Channels) SendDepth(ctx context.Context, upd models.DepthUpdate) bool {
	select {
	case c.Depth <- upd:
		c.statsMutex.Lock()
		c.stats.DepthSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.DepthDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendSignal pushes a derived signal to the consuming layer, dropping when
// the consumer falls behind rather than stalling the analytics worker.
func (c *Channels) SendSignal(ctx context.Context, sig models.Signal) bool {
	select {
	case c.Signals <- sig:
		c.statsMutex.Lock()
		c.stats.SignalSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.SignalDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
