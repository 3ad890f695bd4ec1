// Package session composes the reconciler, live feed connection, store client
// and submission controller into one per-auction unit. Each session owns its
// own connection and bid set; sessions for different auctions share nothing.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/feed"
	"github.com/auctionlive/bidsync/reconcile"
	"github.com/auctionlive/bidsync/shared/config"
	"github.com/auctionlive/bidsync/shared/models"
	"github.com/auctionlive/bidsync/store"
	"github.com/auctionlive/bidsync/submit"
)

const updateBufferSize = 16

// maxGapFillRetries bounds how often a failed post-resume snapshot re-fetch is
// retried before the session flags its view as degraded.
const maxGapFillRetries = 5

// Health summarizes the session's connection condition for callers. Finer
// connection states stay internal to the feed package.
type Health int

const (
	// HealthConnecting: the first snapshot or first feed open is pending.
	HealthConnecting Health = iota
	// HealthLive: feed open, snapshot merged.
	HealthLive
	// HealthReconnecting: feed lost, reconnect in progress; the bid list is
	// stale but not wrong.
	HealthReconnecting
	// HealthDegraded: feed open, but the gap-filling snapshot re-fetch kept
	// failing; bids placed during the last outage may be missing until the
	// next resume.
	HealthDegraded
	// HealthDisconnected: reconnect attempts exhausted; the last known bid
	// list remains readable.
	HealthDisconnected
	// HealthFailed: the initial historical fetch failed outright (for
	// example, the auction does not exist); the session never went live.
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthLive:
		return "live"
	case HealthReconnecting:
		return "reconnecting"
	case HealthDegraded:
		return "degraded"
	case HealthDisconnected:
		return "disconnected"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is one change notification: the new merged view plus connection
// health. Err is set only when Health is HealthFailed.
type Update struct {
	Bids       []models.Bid
	HighestBid int64
	Health     Health
	Err        error
}

// Session is one caller-facing auction watch.
type Session struct {
	productID string
	logger    *zap.Logger
	clk       clock.Clock

	recon      *reconcile.Reconciler // owned by the run loop
	conn       *feed.Conn
	storeCli   *store.Client
	controller *submit.Controller

	fetchCh chan fetchResult
	updates chan Update
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// Gap-fill retry state, only touched from the run loop.
	gapRetryBase time.Duration
	gapRetryMax  time.Duration
	gapRetries   int
	gapRetryC    <-chan time.Time

	mu      sync.RWMutex
	bids    []models.Bid
	highest int64
	health  Health
	fatal   error
}

type fetchResult struct {
	bids    []models.Bid
	err     error
	initial bool
}

// Watch starts a session for one auction: it requests the historical snapshot,
// opens the live feed, and keeps the merged view current until Close. A nil
// clock means the real clock.
func Watch(productID, bidderID string, cfg *config.Config, clk clock.Clock, logger *zap.Logger) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	s := &Session{
		productID:    productID,
		logger:       logger,
		clk:          clk,
		recon:        reconcile.New(productID, logger),
		storeCli:     store.NewClient(cfg.Store, logger),
		fetchCh:      make(chan fetchResult, 4),
		updates:      make(chan Update, updateBufferSize),
		done:         make(chan struct{}),
		health:       HealthConnecting,
		gapRetryBase: cfg.Store.FetchRetryBase,
		gapRetryMax:  cfg.Feed.MaxDelay,
	}
	s.controller = submit.NewController(productID, bidderID, s.storeCli, s.HighestBid, logger)
	s.conn = feed.Dial(productID, cfg.Feed, clk, logger)

	s.startFetch(true)
	s.wg.Add(1)
	go s.run()
	return s
}

// Snapshot returns the current ordered bid list and highest bid. Safe from
// any goroutine; the returned slice is the caller's to keep.
func (s *Session) Snapshot() ([]models.Bid, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Bid, len(s.bids))
	copy(out, s.bids)
	return out, s.highest
}

// HighestBid returns the current highest bid (0 when no bids are known).
func (s *Session) HighestBid() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highest
}

// Health returns the session's current connection condition.
func (s *Session) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Err returns the fatal error for a failed session, nil otherwise.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

// Updates returns the change notification channel. Slow consumers lose
// intermediate updates, never the latest one. The channel closes on Close.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Submit places a bid by the local user. Validation failures, rejections and
// transport errors follow the submission controller's contract; an accepted
// bid shows up in Snapshot only once its broadcast arrives on the feed.
func (s *Session) Submit(ctx context.Context, amount int64) (*models.SubmitResponse, error) {
	return s.controller.Submit(ctx, amount)
}

// Close tears the session down: the feed connection is closed, pending
// reconnects are cancelled, and any in-flight fetch result is discarded. Once
// Close returns no further updates are delivered and all per-auction state is
// released.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	s.wg.Wait()
}

// run is the single consumer of all ingestion sources; the reconciler is only
// ever touched from here.
func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.updates)

	events := s.conn.Events()
	for {
		select {
		case <-s.done:
			return

		case ev, ok := <-events:
			if !ok {
				// Feed gave up and closed its channel; the session keeps
				// serving the last known state.
				events = nil
				continue
			}
			s.handleFeedEvent(ev)

		case res := <-s.fetchCh:
			s.handleFetchResult(res)

		case <-s.gapRetryC:
			s.gapRetryC = nil
			s.startFetch(false)
		}
	}
}

func (s *Session) handleFeedEvent(ev feed.Event) {
	switch ev.Kind {
	case feed.EventBid:
		if s.recon.Ingest(ev.Bid) {
			s.publish()
		}

	case feed.EventOpen:
		if ev.Resumed {
			// Broadcasts sent while disconnected are unrecoverable from the
			// feed alone; a fresh snapshot closes the gap. Merging is
			// idempotent, so overlap with already-known bids is harmless.
			s.logger.Info("feed resumed, re-fetching snapshot to close gap",
				zap.String("productID", s.productID),
			)
			s.resetGapRetry()
			s.startFetch(false)
		}
		s.setHealth(HealthLive)
		s.publish()

	case feed.EventLost:
		// The re-fetch after the coming resume supersedes any pending
		// gap-fill retry.
		s.resetGapRetry()
		s.setHealth(HealthReconnecting)
		s.publish()

	case feed.EventGaveUp:
		s.logger.Error("live feed gave up reconnecting",
			zap.String("productID", s.productID),
			zap.Int("attempts", ev.Attempt),
			zap.Error(ev.Err),
		)
		s.setHealth(HealthDisconnected)
		s.publish()
	}
}

func (s *Session) handleFetchResult(res fetchResult) {
	if res.err != nil {
		if res.initial {
			// Without the initial snapshot the session cannot reach a live
			// state.
			s.logger.Error("historical fetch failed, session unusable",
				zap.String("productID", s.productID),
				zap.Error(res.err),
			)
			s.mu.Lock()
			s.health = HealthFailed
			s.fatal = res.err
			s.mu.Unlock()
			s.conn.Close()
			s.publish()
			return
		}
		// A failed gap-fill is not fatal, but it cannot be left to chance
		// either: bids broadcast during the outage are unrecoverable from the
		// feed, and another resume may never come. Retry on a doubling delay.
		s.gapRetries++
		if s.gapRetries <= maxGapFillRetries {
			delay := s.gapRetryDelay()
			s.logger.Warn("gap-fill fetch failed, retrying",
				zap.String("productID", s.productID),
				zap.Int("attempt", s.gapRetries),
				zap.Duration("delay", delay),
				zap.Error(res.err),
			)
			s.gapRetryC = s.clk.After(delay)
			return
		}
		s.logger.Error("gap-fill fetch failed repeatedly, view may be incomplete",
			zap.String("productID", s.productID),
			zap.Error(res.err),
		)
		s.setHealth(HealthDegraded)
		s.publish()
		return
	}

	recovered := false
	if !res.initial {
		s.resetGapRetry()
		s.mu.Lock()
		if s.health == HealthDegraded {
			s.health = HealthLive
			recovered = true
		}
		s.mu.Unlock()
	}
	if s.recon.Ingest(res.bids...) || res.initial || recovered {
		s.publish()
	}
}

func (s *Session) resetGapRetry() {
	s.gapRetries = 0
	s.gapRetryC = nil
}

func (s *Session) gapRetryDelay() time.Duration {
	delay := s.gapRetryBase * time.Duration(1<<(s.gapRetries-1))
	if delay > s.gapRetryMax {
		delay = s.gapRetryMax
	}
	return delay
}

// startFetch requests the historical snapshot off the run loop. The result is
// handed back through fetchCh; after teardown it is discarded, never applied.
func (s *Session) startFetch(initial bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		bids, err := s.storeCli.FetchBids(ctx, s.productID)
		select {
		case s.fetchCh <- fetchResult{bids: bids, err: err, initial: initial}:
		case <-s.done:
		}
	}()
}

func (s *Session) setHealth(h Health) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

// publish refreshes the shared snapshot and notifies listeners. When the
// update buffer is full the oldest pending update is dropped so the latest
// view always gets through.
func (s *Session) publish() {
	bids, highest := s.recon.Snapshot()

	s.mu.Lock()
	s.bids = bids
	s.highest = highest
	up := Update{
		Bids:       bids,
		HighestBid: highest,
		Health:     s.health,
		Err:        s.fatal,
	}
	s.mu.Unlock()

	for {
		select {
		case s.updates <- up:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
