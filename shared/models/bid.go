package models

import "time"

// Bid represents one accepted bid on an auction. Bids are immutable once
// assigned a BidID by the bid store; the same BidID may be observed from both
// the historical fetch and the live feed.
type Bid struct {
	BidID     int64     `json:"bid_id"`
	BidPrice  int64     `json:"bid_price"`
	BidderID  string    `json:"bidder_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Equal reports whether two records carry identical content. Two records with
// the same BidID but different content are a protocol anomaly.
func (b Bid) Equal(other Bid) bool {
	return b.BidID == other.BidID &&
		b.BidPrice == other.BidPrice &&
		b.BidderID == other.BidderID &&
		b.CreatedAt.Equal(other.CreatedAt)
}

// Before defines the canonical display order: CreatedAt ascending, ties broken
// by BidID ascending.
func (b Bid) Before(other Bid) bool {
	if !b.CreatedAt.Equal(other.CreatedAt) {
		return b.CreatedAt.Before(other.CreatedAt)
	}
	return b.BidID < other.BidID
}

// Feed frame types sent by the bid store over the live connection.
const (
	FrameTypeBid = "bid"
)

// FeedFrame is the envelope for messages on the live feed.
type FeedFrame struct {
	Type string `json:"type"`
	Bid  *Bid   `json:"bid,omitempty"`
}

// SubmitRequest is the payload for placing a bid.
type SubmitRequest struct {
	ProductID string `json:"product_id"`
	BidderID  string `json:"bidder_id"`
	Amount    int64  `json:"amount"`
}

// SubmitResponse is the synchronous outcome of a bid submission. When the bid
// is rejected, CurrentHighestBid carries the price that beat it.
type SubmitResponse struct {
	Accepted          bool      `json:"accepted"`
	BidID             int64     `json:"bid_id,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	CurrentHighestBid int64     `json:"current_highest_bid"`
	Message           string    `json:"message,omitempty"`
}

// Auction is the static auction record; it is not part of the sync core and is
// only used by callers to render countdowns.
type Auction struct {
	ProductID     string    `json:"product_id"`
	Title         string    `json:"title"`
	StartingPrice int64     `json:"starting_price"`
	EndsAt        time.Time `json:"ends_at"`
}
