package store

import "errors"

var (
	// ErrAuctionNotFound means the auction does not exist (or was deleted);
	// a session for it cannot proceed.
	ErrAuctionNotFound = errors.New("auction not found")
)
