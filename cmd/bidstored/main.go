// bidstored runs the in-memory bid store locally: a dev harness exposing the
// same HTTP and WebSocket surfaces as the real bid store service, optionally
// seeded with a demo auction and a background bidder.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/auctionlive/bidsync/shared/models"
	"github.com/auctionlive/bidsync/storetest"
)

var (
	flagAddr    string
	flagSeed    string
	flagSimTick time.Duration
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "bidstored",
		Short: "Run an in-memory bid store for local development",
		RunE:  run,
	}
	root.Flags().StringVarP(&flagAddr, "addr", "a", ":8080", "listen address")
	root.Flags().StringVar(&flagSeed, "seed", "demo", "product id of a seeded demo auction (empty = none)")
	root.Flags().DurationVar(&flagSimTick, "simulate", 0, "interval for a simulated bidder on the seeded auction (0 = off)")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var logger *zap.Logger
	var err error
	if flagVerbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv := storetest.NewServer(nil, logger)

	if flagSeed != "" {
		srv.CreateAuction(models.Auction{
			ProductID:     flagSeed,
			Title:         "demo auction",
			StartingPrice: 10000,
			EndsAt:        time.Now().Add(24 * time.Hour),
		})
		logger.Info("seeded auction", zap.String("productID", flagSeed))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if flagSimTick > 0 && flagSeed != "" {
		go simulateBidders(ctx, srv, flagSeed, flagSimTick, logger)
	}

	httpSrv := &http.Server{Addr: flagAddr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("bid store listening", zap.String("addr", flagAddr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// simulateBidders places escalating bids on the seeded auction so a watching
// client has something to look at.
func simulateBidders(ctx context.Context, srv *storetest.Server, productID string, tick time.Duration, logger *zap.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	price := int64(10000)
	bidders := []string{"alice", "bob", "carol"}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price += int64(rng.Intn(5000) + 500)
			bidder := bidders[rng.Intn(len(bidders))]
			if bid, ok := srv.Accept(productID, price, bidder); ok {
				logger.Debug("simulated bid",
					zap.Int64("bidID", bid.BidID),
					zap.Int64("price", bid.BidPrice),
					zap.String("bidder", bidder),
				)
			}
		}
	}
}
