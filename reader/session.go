package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/metrics"
	"marketpulse/logger"
)

// ErrSubscribeRejected marks a protocol-level rejection of the
// subscription, as opposed to a transport failure. Only these count
// toward the retry ceiling.
var ErrSubscribeRejected = errors.New("subscription rejected")

const maxReconnectDelay = 60 * time.Second

// Conn serializes writes to a gorilla connection, which allows only one
// concurrent writer.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Conn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Conn) writeClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
}

// SessionConfig describes one persistent websocket subscription.
type SessionConfig struct {
	Exchange         string
	URL              string
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	RetryCeiling     int
	PingInterval     time.Duration

	// Subscribe sends the subscription payload after the socket opens.
	// nil when the stream starts immediately on connect.
	Subscribe func(*Conn) error
	// Ping sends the exchange's keepalive payload. nil when the server
	// needs none.
	Ping func(*Conn) error
	// OnFrame consumes one inbound frame. Returning ErrSubscribeRejected
	// (possibly wrapped) aborts the connection and counts toward the
	// ceiling; any other error aborts and reconnects.
	OnFrame func([]byte) error
	// OnReconnect runs before each redial, after the backoff sleep.
	OnReconnect func()
}

// Session runs one persistent websocket subscription: dial, optional
// subscribe handshake, read loop, reconnect with exponential backoff.
// Transport errors reconnect forever; repeated subscription rejections
// surface as a fatal error once the retry ceiling is hit.
type Session struct {
	cfg     SessionConfig
	log     *logger.Entry
	metrics *metrics.Registry
}

func NewSession(cfg SessionConfig, log *logger.Entry) *Session {
	return &Session{
		cfg:     cfg,
		log:     log,
		metrics: metrics.Default(),
	}
}

// Run loops until the context is cancelled or the retry ceiling is hit.
func (s *Session) Run(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay
	rejections := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		streamed, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrSubscribeRejected) {
			rejections++
			if rejections >= s.cfg.RetryCeiling {
				return fmt.Errorf("%s subscription rejected %d times, giving up: %w", s.cfg.Exchange, rejections, err)
			}
		} else if streamed {
			// A connection that produced frames resets both the
			// rejection count and the backoff.
			rejections = 0
			delay = s.cfg.ReconnectDelay
		}

		s.metrics.Reconnects.WithLabelValues(s.cfg.Exchange).Inc()
		s.log.WithError(err).WithFields(logger.Fields{
			"reconnect_in": delay.String(),
		}).Warn("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}

		if s.cfg.OnReconnect != nil {
			s.cfg.OnReconnect()
		}
	}
}

// connectAndRead returns whether at least one frame was processed and the
// error that ended the connection.
func (s *Session) connectAndRead(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	raw, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	conn := &Conn{conn: raw}
	defer raw.Close()

	s.log.WithFields(logger.Fields{"url": s.cfg.URL}).Info("websocket connected")

	if s.cfg.Subscribe != nil {
		if err := s.cfg.Subscribe(conn); err != nil {
			return false, fmt.Errorf("%w: %v", ErrSubscribeRejected, err)
		}
	}

	// Abort the blocking read on cancellation instead of waiting for the
	// server; the grace period lives in the close deadline.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.writeClose()
			raw.Close()
		case <-done:
		}
	}()

	if s.cfg.Ping != nil && s.cfg.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(s.cfg.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.cfg.Ping(conn); err != nil {
						return
					}
				}
			}
		}()
	}

	streamed := false
	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			return streamed, err
		}

		streamed = true
		s.metrics.FramesProcessed.WithLabelValues(s.cfg.Exchange).Inc()

		if err := s.cfg.OnFrame(message); err != nil {
			return streamed, err
		}
	}
}
