// Package storetest provides an in-memory bid store service implementing the
// HTTP and WebSocket surfaces the sync core depends on: auction records,
// historical bid snapshots, bid submission with an atomic highest-bid check,
// and per-auction live broadcast. It backs the package tests and the
// bidstored dev binary; it is not a production store.
package storetest

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/shared/models"
)

const subscriberBufferSize = 64

// Server is an in-memory bid store.
type Server struct {
	mu          sync.Mutex
	auctions    map[string]*auctionState
	acceptingWS bool
	failBids    bool
	clock       clock.Clock
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

type auctionState struct {
	auction     models.Auction
	bids        []models.Bid
	nextBidID   int64
	subscribers map[string]*subscriber
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates an empty store. A nil clock means the real clock; tests
// pass a mock clock to control CreatedAt timestamps.
func NewServer(clk clock.Clock, logger *zap.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		auctions:    make(map[string]*auctionState),
		acceptingWS: true,
		clock:       clk,
		logger:      logger,
		upgrader:    websocket.Upgrader{},
	}
}

// Handler returns the HTTP handler serving the store's routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/auctions/{id}", s.handleGetAuction).Methods("GET")
	router.HandleFunc("/auctions/{id}/bids", s.handleGetBids).Methods("GET")
	router.HandleFunc("/auctions/{id}/bids", s.handlePlaceBid).Methods("POST")
	router.HandleFunc("/ws", s.handleWS).Methods("GET")
	return router
}

// CreateAuction registers an auction.
func (s *Server) CreateAuction(auction models.Auction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[auction.ProductID] = &auctionState{
		auction:     auction,
		nextBidID:   1,
		subscribers: make(map[string]*subscriber),
	}
}

// Accept records a bid server-side, bypassing the HTTP surface, and
// broadcasts it to current subscribers. Tests use it to simulate other
// bidders.
func (s *Server) Accept(productID string, price int64, bidderID string) (models.Bid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.auctions[productID]
	if !ok {
		return models.Bid{}, false
	}
	bid := s.appendBidLocked(state, price, bidderID)
	s.broadcastLocked(state, bid)
	return bid, true
}

// SetAcceptingWS controls whether new feed connections are admitted. Turning
// it off simulates a disconnected window: existing connections survive until
// dropped, new ones are refused.
func (s *Server) SetAcceptingWS(accepting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptingWS = accepting
}

// SetFailBids controls whether the bid history endpoint answers with a 500,
// simulating a store outage that is independent of the feed transport.
func (s *Server) SetFailBids(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBids = fail
}

// DropSubscribers force-closes every live feed connection for an auction,
// simulating a transport failure.
func (s *Server) DropSubscribers(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.auctions[productID]
	if !ok {
		return
	}
	for id, sub := range state.subscribers {
		sub.conn.Close()
		close(sub.send)
		delete(state.subscribers, id)
	}
}

// SubscriberCount reports how many live connections an auction has.
func (s *Server) SubscriberCount(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.auctions[productID]; ok {
		return len(state.subscribers)
	}
	return 0
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.auctions[productID]
	var auction models.Auction
	if ok {
		auction = state.auction
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	respondJSON(w, http.StatusOK, auction)
}

func (s *Server) handleGetBids(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["id"]

	s.mu.Lock()
	failing := s.failBids
	state, ok := s.auctions[productID]
	var bids []models.Bid
	if ok {
		bids = make([]models.Bid, len(state.bids))
		copy(bids, state.bids)
	}
	s.mu.Unlock()

	if failing {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	respondJSON(w, http.StatusOK, bids)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["id"]

	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	state, ok := s.auctions[productID]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}

	// The check and the append happen under one lock: the store, not the
	// client, is the arbiter of bid races.
	highest := highestLocked(state)
	if req.Amount <= highest {
		s.mu.Unlock()
		respondJSON(w, http.StatusConflict, models.SubmitResponse{
			Accepted:          false,
			CurrentHighestBid: highest,
			Message:           "someone else bid higher in the meantime",
		})
		return
	}

	bid := s.appendBidLocked(state, req.Amount, req.BidderID)
	s.broadcastLocked(state, bid)
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, models.SubmitResponse{
		Accepted:          true,
		BidID:             bid.BidID,
		CreatedAt:         bid.CreatedAt,
		CurrentHighestBid: bid.BidPrice,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")

	s.mu.Lock()
	state, ok := s.auctions[productID]
	accepting := s.acceptingWS
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if !accepting {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade feed connection", zap.Error(err))
		return
	}

	sub := &subscriber{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, subscriberBufferSize),
	}

	s.mu.Lock()
	state.subscribers[sub.id] = sub
	s.mu.Unlock()

	s.logger.Debug("feed subscriber connected",
		zap.String("productID", productID),
		zap.String("subscriberID", sub.id),
	)

	go s.writePump(productID, sub)
	s.readPump(productID, sub)
}

// readPump discards inbound frames and unregisters the subscriber when the
// connection dies.
func (s *Server) readPump(productID string, sub *subscriber) {
	defer s.unregister(productID, sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(productID string, sub *subscriber) {
	for payload := range sub.send {
		if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Debug("feed write failed, dropping subscriber",
				zap.String("productID", productID),
				zap.String("subscriberID", sub.id),
				zap.Error(err),
			)
			sub.conn.Close()
			return
		}
	}
}

func (s *Server) unregister(productID string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.auctions[productID]
	if !ok {
		return
	}
	if _, present := state.subscribers[sub.id]; present {
		delete(state.subscribers, sub.id)
		close(sub.send)
	}
	sub.conn.Close()
}

func (s *Server) appendBidLocked(state *auctionState, price int64, bidderID string) models.Bid {
	bid := models.Bid{
		BidID:     state.nextBidID,
		BidPrice:  price,
		BidderID:  bidderID,
		CreatedAt: s.clock.Now().UTC(),
	}
	state.nextBidID++
	state.bids = append(state.bids, bid)
	return bid
}

func (s *Server) broadcastLocked(state *auctionState, bid models.Bid) {
	payload, err := json.Marshal(models.FeedFrame{Type: models.FrameTypeBid, Bid: &bid})
	if err != nil {
		s.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	for id, sub := range state.subscribers {
		select {
		case sub.send <- payload:
		default:
			s.logger.Warn("subscriber buffer full, dropping connection",
				zap.String("subscriberID", id),
			)
			sub.conn.Close()
			close(sub.send)
			delete(state.subscribers, id)
		}
	}
}

func highestLocked(state *auctionState) int64 {
	if len(state.bids) == 0 {
		return 0
	}
	return state.bids[len(state.bids)-1].BidPrice
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
