package feed

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/shared/config"
	"github.com/auctionlive/bidsync/shared/models"
)

const eventBufferSize = 256

// Conn keeps one live connection to the bid store open for a single auction
// and forwards every valid inbound bid to its event channel. Drops are retried
// with bounded exponential backoff; the attempt counter resets on every
// successful open.
type Conn struct {
	productID string
	cfg       config.FeedConfig
	clock     clock.Clock
	logger    *zap.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state State
	ws    *websocket.Conn

	closeOnce sync.Once

	// Allow test override of the dial step.
	dialFunc func() (*websocket.Conn, error)
}

// Dial creates the connection manager for one auction and starts connecting
// in the background. A nil clock means the real clock.
func Dial(productID string, cfg config.FeedConfig, clk clock.Clock, logger *zap.Logger) *Conn {
	c := newConn(productID, cfg, clk, logger)
	c.start()
	return c
}

func newConn(productID string, cfg config.FeedConfig, clk clock.Clock, logger *zap.Logger) *Conn {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Conn{
		productID: productID,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
		state:     State{Kind: StateConnecting},
	}
}

func (c *Conn) start() {
	c.wg.Add(1)
	go c.run()
}

// Events returns the channel of feed events. It is closed after Close, or
// after the reconnect cap is exhausted.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close tears the connection down. It is synchronous: once Close returns, no
// further events are delivered on the Events channel.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// emit delivers an event unless teardown has begun.
func (c *Conn) emit(ev Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// run drives the connect / read / reconnect cycle until teardown or until the
// retry cap is exhausted.
func (c *Conn) run() {
	defer c.wg.Done()
	defer close(c.events)

	bo := c.newBackoff()
	attempt := 0
	resumed := false

	for {
		select {
		case <-c.done:
			c.setState(State{Kind: StateClosed, Reason: "closed by caller"})
			return
		default:
		}

		c.setState(State{Kind: StateConnecting, Attempt: attempt})
		ws, err := c.dial()
		if err != nil {
			attempt++
			if attempt > c.cfg.MaxRetries {
				c.logger.Error("reconnect attempts exhausted",
					zap.String("productID", c.productID),
					zap.Int("attempts", attempt-1),
					zap.Error(err),
				)
				c.setState(State{Kind: StateClosed, Reason: "reconnect attempts exhausted"})
				c.emit(Event{Kind: EventGaveUp, Attempt: attempt - 1, Err: err})
				return
			}

			delay := bo.NextBackOff()
			c.logger.Warn("feed connect failed, backing off",
				zap.String("productID", c.productID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			c.setState(State{Kind: StateReconnecting, Attempt: attempt, NextDelay: delay})

			select {
			case <-c.clock.After(delay):
				continue
			case <-c.done:
				c.setState(State{Kind: StateClosed, Reason: "closed by caller"})
				return
			}
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		// Close may have run before the socket was registered; make sure a
		// teardown that raced the dial still tears this socket down.
		select {
		case <-c.done:
			ws.Close()
			c.setState(State{Kind: StateClosed, Reason: "closed by caller"})
			return
		default:
		}

		attempt = 0
		bo.Reset()
		c.setState(State{Kind: StateOpen})
		c.logger.Info("feed connected",
			zap.String("productID", c.productID),
			zap.Bool("resumed", resumed),
		)
		c.emit(Event{Kind: EventOpen, Resumed: resumed})

		readErr := c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()

		select {
		case <-c.done:
			c.setState(State{Kind: StateClosed, Reason: "closed by caller"})
			return
		default:
		}

		resumed = true
		c.logger.Warn("feed connection lost",
			zap.String("productID", c.productID),
			zap.Error(readErr),
		)
		c.emit(Event{Kind: EventLost, Err: readErr})
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	if c.dialFunc != nil {
		return c.dialFunc()
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL %q: %w", c.cfg.URL, err)
	}
	q := u.Query()
	q.Set("product_id", c.productID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}
	return ws, nil
}

// readLoop reads frames until the connection errors. Malformed payloads are
// logged and discarded; they never terminate the connection.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		bid, err := parseFrame(message)
		if err != nil {
			c.logger.Warn("discarding malformed feed message",
				zap.String("productID", c.productID),
				zap.Error(err),
			)
			continue
		}
		if bid == nil {
			// Control or unknown frame, nothing to forward.
			continue
		}

		c.emit(Event{Kind: EventBid, Bid: *bid})
	}
}

// parseFrame decodes an inbound payload. A nil bid with nil error means the
// frame was valid but carries no bid.
func parseFrame(message []byte) (*models.Bid, error) {
	var frame models.FeedFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	switch frame.Type {
	case models.FrameTypeBid:
		if frame.Bid == nil {
			return nil, fmt.Errorf("bid frame without bid payload")
		}
		if frame.Bid.BidID <= 0 || frame.Bid.BidPrice <= 0 {
			return nil, fmt.Errorf("bid frame with invalid record: id=%d price=%d",
				frame.Bid.BidID, frame.Bid.BidPrice)
		}
		return frame.Bid, nil
	default:
		return nil, nil
	}
}

func (c *Conn) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialDelay
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Multiplier = c.cfg.BackoffFactor
	bo.MaxElapsedTime = 0
	if c.cfg.Jitter {
		bo.RandomizationFactor = 0.25
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()
	return bo
}
