package submit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/shared/models"
)

var (
	// ErrInvalidAmount rejects non-positive amounts before any network call.
	ErrInvalidAmount = errors.New("bid amount must be positive")
	// ErrBidTooLow rejects amounts not strictly above the current highest bid
	// before any network call.
	ErrBidTooLow = errors.New("bid must exceed the current highest bid")
	// ErrSubmissionInFlight means an earlier submission has not completed yet;
	// a session carries at most one in-flight submission.
	ErrSubmissionInFlight = errors.New("a bid submission is already in flight")
)

// Sender is the slice of the store client the controller needs.
type Sender interface {
	SubmitBid(ctx context.Context, req models.SubmitRequest) (*models.SubmitResponse, error)
}

// Controller places bids for the local user. It validates locally, sends a
// single request, and interprets the synchronous outcome for user feedback.
// It never writes into the reconciler: the accepted bid's broadcast arriving
// on the live feed is the only path into displayed state, so a bid can never
// appear under two identities.
type Controller struct {
	productID string
	bidderID  string
	sender    Sender
	highest   func() int64
	inFlight  atomic.Bool
	logger    *zap.Logger
}

// NewController wires a controller for one auction. highest must report the
// current highest bid from the merged set.
func NewController(productID, bidderID string, sender Sender, highest func() int64, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		productID: productID,
		bidderID:  bidderID,
		sender:    sender,
		highest:   highest,
		logger:    logger,
	}
}

// Submit validates and places one bid. Validation failures return before any
// network call. A server rejection is not an error: the returned response
// carries Accepted=false and the highest bid that beat this one. Transport
// failures surface as errors and are never retried automatically; if the
// request did land server-side, its broadcast still arrives exactly once via
// the live feed.
func (c *Controller) Submit(ctx context.Context, amount int64) (*models.SubmitResponse, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if current := c.highest(); amount <= current {
		return nil, fmt.Errorf("%w (current highest: %d)", ErrBidTooLow, current)
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer c.inFlight.Store(false)

	resp, err := c.sender.SubmitBid(ctx, models.SubmitRequest{
		ProductID: c.productID,
		BidderID:  c.bidderID,
		Amount:    amount,
	})
	if err != nil {
		c.logger.Warn("bid submission failed",
			zap.String("productID", c.productID),
			zap.Int64("amount", amount),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.Accepted {
		c.logger.Info("bid accepted",
			zap.String("productID", c.productID),
			zap.Int64("amount", amount),
			zap.Int64("bidID", resp.BidID),
		)
	} else {
		// Raced another bidder; surface the moved highest bid, no retry.
		c.logger.Info("bid rejected by store",
			zap.String("productID", c.productID),
			zap.Int64("amount", amount),
			zap.Int64("currentHighest", resp.CurrentHighestBid),
		)
	}
	return resp, nil
}
