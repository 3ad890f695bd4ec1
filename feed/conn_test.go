package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctionlive/bidsync/shared/config"
	"github.com/auctionlive/bidsync/shared/models"
)

func fastFeedConfig() config.FeedConfig {
	return config.FeedConfig{
		HandshakeTimeout: 2 * time.Second,
		InitialDelay:     10 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		MaxRetries:       5,
		BackoffFactor:    2.0,
		Jitter:           false, // predictable delays in tests
	}
}

// newFeedServer starts a test WebSocket server that runs script for every
// inbound connection.
func newFeedServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func sendBid(conn *websocket.Conn, id, price int64, createdAt time.Time) error {
	return conn.WriteJSON(models.FeedFrame{
		Type: models.FrameTypeBid,
		Bid: &models.Bid{
			BidID:     id,
			BidPrice:  price,
			BidderID:  "user-9",
			CreatedAt: createdAt,
		},
	})
}

func TestConnectAndReceive(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	server := newFeedServer(t, func(conn *websocket.Conn) {
		require.NoError(t, sendBid(conn, 1, 50000, now))
		require.NoError(t, sendBid(conn, 2, 51000, now.Add(time.Second)))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	cfg := fastFeedConfig()
	cfg.URL = wsURL(server)
	c := Dial("p1", cfg, nil, nil)
	defer c.Close()

	ev := <-c.Events()
	assert.Equal(t, EventOpen, ev.Kind)
	assert.False(t, ev.Resumed, "first open is not a resume")

	ev = <-c.Events()
	require.Equal(t, EventBid, ev.Kind)
	assert.Equal(t, int64(1), ev.Bid.BidID)

	ev = <-c.Events()
	require.Equal(t, EventBid, ev.Kind)
	assert.Equal(t, int64(2), ev.Bid.BidID)

	assert.Equal(t, StateOpen, c.State().Kind)
}

func TestMalformedPayloadDiscarded(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	server := newFeedServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bid"}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
		require.NoError(t, sendBid(conn, 7, 52000, now))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	cfg := fastFeedConfig()
	cfg.URL = wsURL(server)
	c := Dial("p1", cfg, nil, nil)
	defer c.Close()

	ev := <-c.Events()
	require.Equal(t, EventOpen, ev.Kind)

	// Only the well-formed bid survives.
	ev = <-c.Events()
	require.Equal(t, EventBid, ev.Kind)
	assert.Equal(t, int64(7), ev.Bid.BidID)
}

func TestReconnectAfterDrop(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	var connCount atomic.Int32
	server := newFeedServer(t, func(conn *websocket.Conn) {
		n := connCount.Add(1)
		if n == 1 {
			require.NoError(t, sendBid(conn, 1, 50000, now))
			// Drop the connection without a close frame.
			return
		}
		require.NoError(t, sendBid(conn, 2, 51000, now.Add(time.Second)))
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	cfg := fastFeedConfig()
	cfg.URL = wsURL(server)
	c := Dial("p1", cfg, nil, nil)
	defer c.Close()

	var kinds []EventKind
	var resumes []bool
	var bidIDs []int64
	for ev := range c.Events() {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventOpen {
			resumes = append(resumes, ev.Resumed)
		}
		if ev.Kind == EventBid {
			bidIDs = append(bidIDs, ev.Bid.BidID)
		}
		if len(bidIDs) == 2 {
			break
		}
	}

	assert.Equal(t, []EventKind{EventOpen, EventBid, EventLost, EventOpen, EventBid}, kinds)
	assert.Equal(t, []bool{false, true}, resumes, "second open must signal a resume")
	assert.Equal(t, []int64{1, 2}, bidIDs)
	assert.GreaterOrEqual(t, connCount.Load(), int32(2))
}

func TestGiveUpAfterRetryCap(t *testing.T) {
	cfg := fastFeedConfig()
	cfg.MaxRetries = 2

	c := newConn("p1", cfg, nil, nil)
	c.dialFunc = func() (*websocket.Conn, error) {
		return nil, assert.AnError
	}
	c.start()
	defer c.Close()

	ev := <-c.Events()
	require.Equal(t, EventGaveUp, ev.Kind)
	assert.Equal(t, 2, ev.Attempt)
	assert.Error(t, ev.Err)

	// Channel closes after giving up.
	_, open := <-c.Events()
	assert.False(t, open)

	state := c.State()
	assert.Equal(t, StateClosed, state.Kind)
	assert.Equal(t, "reconnect attempts exhausted", state.Reason)
}

func TestBackoffDelaysGrow(t *testing.T) {
	cfg := fastFeedConfig()
	cfg.InitialDelay = 1 * time.Second
	cfg.MaxDelay = 30 * time.Second
	cfg.MaxRetries = 10

	mockClock := clock.NewMock()
	c := newConn("p1", cfg, mockClock, nil)
	c.dialFunc = func() (*websocket.Conn, error) {
		return nil, assert.AnError
	}
	c.start()
	defer c.Close()

	expected := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range expected {
		require.Eventually(t, func() bool {
			s := c.State()
			return s.Kind == StateReconnecting && s.Attempt == i+1
		}, 2*time.Second, 5*time.Millisecond)

		s := c.State()
		assert.Equal(t, want, s.NextDelay, "attempt %d", i+1)

		// Let the run loop park on the backoff timer before advancing.
		time.Sleep(50 * time.Millisecond)
		mockClock.Add(want)
	}
}

func TestCloseIsSynchronous(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	stop := make(chan struct{})
	server := newFeedServer(t, func(conn *websocket.Conn) {
		// Stream bids until the client goes away.
		id := int64(1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := sendBid(conn, id, 50000+id, now.Add(time.Duration(id)*time.Second)); err != nil {
				return
			}
			id++
			time.Sleep(time.Millisecond)
		}
	})
	defer server.Close()
	defer close(stop)

	cfg := fastFeedConfig()
	cfg.URL = wsURL(server)
	c := Dial("p1", cfg, nil, nil)

	ev := <-c.Events()
	require.Equal(t, EventOpen, ev.Kind)

	c.Close()

	// After Close returns the channel drains to closed; nothing new arrives.
	for {
		_, open := <-c.Events()
		if !open {
			break
		}
	}
	assert.Equal(t, StateClosed, c.State().Kind)
	assert.Equal(t, "closed by caller", c.State().Reason)
}
