// bidwatch follows one auction's live bid feed from a terminal: it prints the
// merged bid list on every change and can optionally place a single bid.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/session"
	"github.com/auctionlive/bidsync/shared/config"
	"github.com/auctionlive/bidsync/store"
	"github.com/auctionlive/bidsync/submit"
)

var (
	flagConfig   string
	flagProduct  string
	flagBidder   string
	flagBid      int64
	flagDuration time.Duration
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "bidwatch",
		Short: "Watch a live auction's bids and optionally place one",
		RunE:  run,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "config file (optional)")
	root.Flags().StringVarP(&flagProduct, "product", "p", "", "auction product id (required)")
	root.Flags().StringVarP(&flagBidder, "bidder", "b", "cli-user", "bidder id to submit as")
	root.Flags().Int64Var(&flagBid, "bid", 0, "place this bid once the session is live (0 = watch only)")
	root.Flags().DurationVarP(&flagDuration, "duration", "d", 0, "how long to watch (0 = until interrupted)")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = root.MarkFlagRequired("product")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagVerbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	logger.Info("starting bid watch",
		zap.String("productID", flagProduct),
		zap.String("store", cfg.Store.BaseURL),
		zap.String("feed", cfg.Feed.URL),
	)

	printAuctionHeader(cfg, logger)

	s := session.Watch(flagProduct, flagBidder, cfg, nil, logger)
	defer s.Close()

	ctx, cancel := watchContext()
	defer cancel()

	placed := flagBid == 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case up, ok := <-s.Updates():
			if !ok {
				return nil
			}
			if up.Health == session.HealthFailed {
				return fmt.Errorf("session failed: %w", up.Err)
			}
			printUpdate(up)

			if !placed && up.Health == session.HealthLive {
				placed = true
				placeBid(ctx, s, flagBid)
			}
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func watchContext() (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if flagDuration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), flagDuration)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func printAuctionHeader(cfg *config.Config, logger *zap.Logger) {
	cli := store.NewClient(cfg.Store, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auction, err := cli.GetAuction(ctx, flagProduct)
	if err != nil {
		logger.Warn("could not load auction record", zap.Error(err))
		return
	}
	remaining := time.Until(auction.EndsAt).Round(time.Second)
	fmt.Printf("📦 %s | starting price %d | ends in %s\n",
		auction.Title, auction.StartingPrice, remaining)
}

func printUpdate(up session.Update) {
	icon := map[session.Health]string{
		session.HealthConnecting:   "🟡",
		session.HealthLive:         "🟢",
		session.HealthReconnecting: "🟠",
		session.HealthDegraded:     "🟣",
		session.HealthDisconnected: "🔴",
	}[up.Health]

	lines := make([]string, 0, len(up.Bids))
	for _, b := range up.Bids {
		lines = append(lines, fmt.Sprintf("#%d %d by %s at %s",
			b.BidID, b.BidPrice, b.BidderID, b.CreatedAt.Format("15:04:05")))
	}
	fmt.Printf("%s [%s] highest=%d bids=%d\n", icon, up.Health, up.HighestBid, len(up.Bids))
	if len(lines) > 0 {
		fmt.Printf("   %s\n", strings.Join(lines, " | "))
	}
}

func placeBid(ctx context.Context, s *session.Session, amount int64) {
	resp, err := s.Submit(ctx, amount)
	switch {
	case err == nil && resp.Accepted:
		fmt.Printf("✅ bid %d accepted (bid #%d)\n", amount, resp.BidID)
	case err == nil:
		fmt.Printf("❌ bid %d rejected: %s (highest is %d)\n",
			amount, resp.Message, resp.CurrentHighestBid)
	case isValidationError(err):
		fmt.Printf("❌ bid %d invalid: %v\n", amount, err)
	default:
		fmt.Printf("⚠️ bid %d failed: %v (retry manually)\n", amount, err)
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, submit.ErrInvalidAmount) || errors.Is(err, submit.ErrBidTooLow)
}
