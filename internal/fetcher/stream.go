package fetcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perp-spike-alerts/internal/market"
)

// StreamOptions parameterise the websocket liquidation feed.
type StreamOptions struct {
	URL string
	// Buffer caps the number of events held between drains; when full
	// the oldest events are dropped.
	Buffer       int
	ReconnectMax time.Duration
}

// LiquidationStream subscribes to the exchange websocket and buffers
// liquidation events between poll ticks. Drain hands the buffered
// events to the orchestrator and resets the buffer.
type LiquidationStream struct {
	opts   StreamOptions
	logger zerolog.Logger

	mu      sync.Mutex
	events  []market.Liquidation
	dropped int
}

// NewLiquidationStream constructs the stream; call Start to connect.
func NewLiquidationStream(opts StreamOptions, logger zerolog.Logger) *LiquidationStream {
	if opts.URL == "" {
		opts.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	return &LiquidationStream{
		opts:   opts,
		logger: logger.With().Str("component", "liquidation_stream").Logger(),
	}
}

type subscribeFrame struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription"`
}

type streamFrame struct {
	Channel string             `json:"channel"`
	Data    []liquidationEntry `json:"data"`
}

// Start runs the connect/read loop in a goroutine until ctx is
// cancelled, reconnecting with exponential backoff on failures.
func (s *LiquidationStream) Start(ctx context.Context) {
	go func() {
		strategy := backoff.NewExponentialBackOff()
		strategy.MaxInterval = s.opts.ReconnectMax
		strategy.MaxElapsedTime = 0 // reconnect forever

		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.readLoop(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("stream disconnected, reconnecting")
			}
			if ctx.Err() != nil {
				return
			}

			wait := strategy.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

func (s *LiquidationStream) readLoop(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	sub := subscribeFrame{Method: "subscribe", Subscription: map[string]any{"type": "liquidations"}}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.logger.Info().Str("url", s.opts.URL).Msg("subscribed to liquidation stream")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		if frame.Channel != "liquidations" || len(frame.Data) == 0 {
			continue
		}
		events, err := convertLiquidations(frame.Data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("skipping malformed liquidation frame")
			continue
		}
		s.buffer(events)
	}
}

func (s *LiquidationStream) buffer(events []market.Liquidation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	if overflow := len(s.events) - s.opts.Buffer; overflow > 0 {
		s.events = s.events[overflow:]
		s.dropped += overflow
	}
}

// Drain returns buffered events and resets the buffer.
func (s *LiquidationStream) Drain() []market.Liquidation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	if s.dropped > 0 {
		s.logger.Warn().Int("dropped", s.dropped).Msg("liquidation buffer overflowed since last drain")
		s.dropped = 0
	}
	return out
}

var _ LiquidationFeed = (*LiquidationStream)(nil)
