package reconcile

import (
	"sort"

	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/shared/models"
)

// Reconciler merges the historical snapshot and the live feed for one auction
// into a single duplicate-free, time-ordered bid set.
//
// It is not safe for concurrent use: the owning session serializes all
// ingestion onto one goroutine, so no internal locking is needed.
type Reconciler struct {
	productID string
	byID      map[int64]models.Bid
	ordered   []models.Bid
	flagged   map[int64]bool // bids already reported as ordering anomalies
	anomalies int
	logger    *zap.Logger
}

// New creates a Reconciler for one auction.
func New(productID string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		productID: productID,
		byID:      make(map[int64]models.Bid),
		flagged:   make(map[int64]bool),
		logger:    logger,
	}
}

// Ingest merges records from either source into the known set. Records whose
// BidID is already present are ignored (first write wins); a re-observed BidID
// with different content is flagged as an anomaly and discarded, since bid
// content never legitimately changes. Returns true if the set changed.
func (r *Reconciler) Ingest(bids ...models.Bid) bool {
	changed := false
	for _, bid := range bids {
		existing, seen := r.byID[bid.BidID]
		if seen {
			if !existing.Equal(bid) {
				r.anomalies++
				r.logger.Warn("conflicting record for known bid, keeping first",
					zap.String("productID", r.productID),
					zap.Int64("bidID", bid.BidID),
					zap.Int64("keptPrice", existing.BidPrice),
					zap.Int64("droppedPrice", bid.BidPrice),
				)
			}
			continue
		}
		r.byID[bid.BidID] = bid
		r.ordered = append(r.ordered, bid)
		changed = true
	}

	if changed {
		sort.Slice(r.ordered, func(i, j int) bool {
			return r.ordered[i].Before(r.ordered[j])
		})
		r.checkMonotonicity()
	}
	return changed
}

// checkMonotonicity verifies the server-side invariant that accepted prices
// never decrease in time order. The reconciler does not repair a violation,
// only surfaces it.
func (r *Reconciler) checkMonotonicity() {
	for i := 1; i < len(r.ordered); i++ {
		if r.ordered[i].BidPrice < r.ordered[i-1].BidPrice && !r.flagged[r.ordered[i].BidID] {
			r.flagged[r.ordered[i].BidID] = true
			r.anomalies++
			r.logger.Warn("bid price decreased in time order",
				zap.String("productID", r.productID),
				zap.Int64("bidID", r.ordered[i].BidID),
				zap.Int64("price", r.ordered[i].BidPrice),
				zap.Int64("previousPrice", r.ordered[i-1].BidPrice),
			)
		}
	}
}

// Snapshot returns a copy of the ordered bid set and the current highest bid.
// The highest bid is the price of the latest record by CreatedAt, or 0 when no
// bids are known; price ordering is not independently trusted.
func (r *Reconciler) Snapshot() ([]models.Bid, int64) {
	out := make([]models.Bid, len(r.ordered))
	copy(out, r.ordered)

	if len(r.ordered) == 0 {
		return out, 0
	}
	return out, r.ordered[len(r.ordered)-1].BidPrice
}

// HighestBid returns the current highest bid without copying the set.
func (r *Reconciler) HighestBid() int64 {
	if len(r.ordered) == 0 {
		return 0
	}
	return r.ordered[len(r.ordered)-1].BidPrice
}

// Len returns the number of distinct bids known.
func (r *Reconciler) Len() int {
	return len(r.ordered)
}

// Anomalies returns how many protocol anomalies have been observed (duplicate
// BidIDs with conflicting content, price ordering violations).
func (r *Reconciler) Anomalies() int {
	return r.anomalies
}
