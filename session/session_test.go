package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctionlive/bidsync/shared/config"
	"github.com/auctionlive/bidsync/shared/models"
	"github.com/auctionlive/bidsync/store"
	"github.com/auctionlive/bidsync/storetest"
	"github.com/auctionlive/bidsync/submit"
)

const productID = "auction-1"

func startStore(t *testing.T) (*storetest.Server, *config.Config, func()) {
	t.Helper()

	srv := storetest.NewServer(nil, nil)
	srv.CreateAuction(models.Auction{
		ProductID:     productID,
		Title:         "vintage camera",
		StartingPrice: 10000,
		EndsAt:        time.Now().Add(time.Hour),
	})

	ts := httptest.NewServer(srv.Handler())

	cfg := config.Default()
	cfg.Store.BaseURL = ts.URL
	cfg.Store.RequestTimeout = 2 * time.Second
	cfg.Store.FetchRetries = 2
	cfg.Store.FetchRetryBase = 10 * time.Millisecond
	cfg.Feed.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cfg.Feed.HandshakeTimeout = 2 * time.Second
	cfg.Feed.InitialDelay = 10 * time.Millisecond
	cfg.Feed.MaxDelay = 50 * time.Millisecond
	cfg.Feed.MaxRetries = 20
	cfg.Feed.Jitter = false

	return srv, cfg, ts.Close
}

func waitForBids(t *testing.T, s *Session, want int) []models.Bid {
	t.Helper()
	require.Eventually(t, func() bool {
		bids, _ := s.Snapshot()
		return len(bids) == want
	}, 3*time.Second, 5*time.Millisecond, "expected %d bids", want)
	bids, _ := s.Snapshot()
	return bids
}

func TestEmptyAuction(t *testing.T) {
	_, cfg, stop := startStore(t)
	defer stop()

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Health() == HealthLive },
		3*time.Second, 5*time.Millisecond)

	bids, highest := s.Snapshot()
	assert.Empty(t, bids)
	assert.Equal(t, int64(0), highest)
}

func TestHistoricalAndLiveMerge(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	// Bids placed before anyone was watching arrive via the snapshot only.
	srv.Accept(productID, 50000, "user-2")
	srv.Accept(productID, 51000, "user-3")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()

	bids := waitForBids(t, s, 2)
	assert.Equal(t, int64(51000), bids[1].BidPrice)

	// A live broadcast extends the same merged view.
	srv.Accept(productID, 52000, "user-2")

	waitForBids(t, s, 3)
	_, highest := s.Snapshot()
	assert.Equal(t, int64(52000), highest)
	assert.Equal(t, HealthLive, s.Health())
}

func TestSubmittedBidAppearsExactlyOnce(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	srv.Accept(productID, 50000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 1)

	resp, err := s.Submit(context.Background(), 60000)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	// The accepted bid reaches the merged set through its broadcast, and only
	// once, even though the session also learned about it synchronously.
	bids := waitForBids(t, s, 2)
	var matches int
	for _, b := range bids {
		if b.BidID == resp.BidID {
			matches++
			assert.Equal(t, int64(60000), b.BidPrice)
		}
	}
	assert.Equal(t, 1, matches)

	_, highest := s.Snapshot()
	assert.Equal(t, int64(60000), highest)
}

func TestLocalValidationMakesNoNetworkCall(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	srv.Accept(productID, 50000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 1)

	// Equal to the current highest: rejected locally.
	_, err := s.Submit(context.Background(), 50000)
	assert.ErrorIs(t, err, submit.ErrBidTooLow)

	bids := waitForBids(t, s, 1)
	assert.Len(t, bids, 1, "nothing was submitted")
}

func TestSubmissionRaceSurfacesMovedHighest(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	srv.Accept(productID, 50000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 1)

	// Cut the feed, then let another bidder move the price: the session still
	// believes 50000 is the highest.
	srv.SetAcceptingWS(false)
	srv.DropSubscribers(productID)
	srv.Accept(productID, 58000, "user-3")

	resp, err := s.Submit(context.Background(), 55000)
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, int64(58000), resp.CurrentHighestBid,
		"rejection carries the bid that won the race")

	// Once the feed comes back, the gap-filling re-fetch recovers the bid
	// placed during the outage.
	srv.SetAcceptingWS(true)
	waitForBids(t, s, 2)
	_, highest := s.Snapshot()
	assert.Equal(t, int64(58000), highest)
}

func TestReconnectGapFill(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	srv.Accept(productID, 50000, "user-2")
	srv.Accept(productID, 51000, "user-3")
	srv.Accept(productID, 52000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 3)

	// Outage: drop the live connection and refuse new ones while a fourth bid
	// lands. Its broadcast reaches nobody.
	srv.SetAcceptingWS(false)
	srv.DropSubscribers(productID)
	srv.Accept(productID, 53000, "user-3")

	require.Eventually(t, func() bool { return s.Health() == HealthReconnecting },
		3*time.Second, 5*time.Millisecond)

	// Recovery: reconnect triggers a historical re-fetch that closes the gap.
	srv.SetAcceptingWS(true)

	bids := waitForBids(t, s, 4)
	seen := make(map[int64]bool)
	for _, b := range bids {
		assert.False(t, seen[b.BidID], "bid %d duplicated", b.BidID)
		seen[b.BidID] = true
	}
	_, highest := s.Snapshot()
	assert.Equal(t, int64(53000), highest)
	assert.Equal(t, HealthLive, s.Health())
}

func TestGapFillRetriesUntilStoreRecovers(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	// Slow the retry schedule down so the store can be healed well before the
	// retry budget runs out.
	cfg.Store.FetchRetries = 0
	cfg.Store.FetchRetryBase = 50 * time.Millisecond
	cfg.Feed.MaxDelay = 2 * time.Second

	srv.Accept(productID, 50000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 1)

	// A bid lands during the outage, and the history endpoint is down when the
	// feed comes back: the resume-time re-fetch fails.
	srv.SetAcceptingWS(false)
	srv.DropSubscribers(productID)
	srv.Accept(productID, 58000, "user-3")
	srv.SetFailBids(true)
	srv.SetAcceptingWS(true)

	require.Eventually(t, func() bool { return srv.SubscriberCount(productID) == 1 },
		3*time.Second, 5*time.Millisecond, "feed never resumed")

	// Once the history endpoint heals, a scheduled re-fetch closes the gap
	// without any further disconnect.
	srv.SetFailBids(false)

	waitForBids(t, s, 2)
	_, highest := s.Snapshot()
	assert.Equal(t, int64(58000), highest)
	assert.Equal(t, HealthLive, s.Health())
}

func TestGapFillDegradesWhenStoreStaysDown(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	cfg.Store.FetchRetries = 0

	srv.Accept(productID, 50000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 1)

	srv.SetAcceptingWS(false)
	srv.DropSubscribers(productID)
	srv.Accept(productID, 58000, "user-3")
	srv.SetFailBids(true)
	srv.SetAcceptingWS(true)

	// With the history endpoint persistently down the re-fetch budget runs
	// out and the session stops claiming a complete live view.
	require.Eventually(t, func() bool { return s.Health() == HealthDegraded },
		5*time.Second, 5*time.Millisecond)

	bids, highest := s.Snapshot()
	require.Len(t, bids, 1, "known bids stay readable while degraded")
	assert.Equal(t, int64(50000), highest)

	// The next resume retries the snapshot; with the store healed the gap
	// closes and the session goes back to live.
	srv.SetFailBids(false)
	srv.DropSubscribers(productID)

	waitForBids(t, s, 2)
	_, highest = s.Snapshot()
	assert.Equal(t, int64(58000), highest)
	assert.Equal(t, HealthLive, s.Health())
}

func TestRetryCapExhaustionKeepsLastKnownBids(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	cfg.Feed.MaxRetries = 2

	srv.Accept(productID, 50000, "user-2")

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()
	waitForBids(t, s, 1)

	// Permanent outage: every reconnect attempt is refused until the retry
	// cap is spent.
	srv.SetAcceptingWS(false)
	srv.DropSubscribers(productID)

	require.Eventually(t, func() bool { return s.Health() == HealthDisconnected },
		3*time.Second, 5*time.Millisecond)

	bids, highest := s.Snapshot()
	require.Len(t, bids, 1, "last known bid list stays readable")
	assert.Equal(t, int64(50000), bids[0].BidPrice)
	assert.Equal(t, int64(50000), highest)
	assert.Nil(t, s.Err())
}

func TestAuctionNotFoundIsFatal(t *testing.T) {
	_, cfg, stop := startStore(t)
	defer stop()

	s := Watch("no-such-auction", "user-1", cfg, nil, nil)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Health() == HealthFailed },
		3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), store.ErrAuctionNotFound)

	bids, highest := s.Snapshot()
	assert.Empty(t, bids)
	assert.Equal(t, int64(0), highest)
}

func TestUpdatesCarryLatestView(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	s := Watch(productID, "user-1", cfg, nil, nil)
	defer s.Close()

	require.Eventually(t, func() bool { return s.Health() == HealthLive },
		3*time.Second, 5*time.Millisecond)

	srv.Accept(productID, 50000, "user-2")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case up, ok := <-s.Updates():
			require.True(t, ok)
			if up.HighestBid == 50000 {
				require.Len(t, up.Bids, 1)
				assert.Equal(t, HealthLive, up.Health)
				return
			}
		case <-deadline:
			t.Fatal("no update carrying the new bid")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	srv, cfg, stop := startStore(t)
	defer stop()

	s := Watch(productID, "user-1", cfg, nil, nil)
	require.Eventually(t, func() bool { return s.Health() == HealthLive },
		3*time.Second, 5*time.Millisecond)

	s.Close()

	// The update channel drains to closed; bids accepted after teardown never
	// reach this session.
	srv.Accept(productID, 99000, "user-2")
	for {
		_, ok := <-s.Updates()
		if !ok {
			break
		}
	}
	_, highest := s.Snapshot()
	assert.NotEqual(t, int64(99000), highest)

	// Close is idempotent.
	s.Close()
}
