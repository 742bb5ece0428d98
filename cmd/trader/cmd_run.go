package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ksred/klear-trader/internal/api"
	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/engine"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/middleware"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runFeed         string
	runVenue        string
	runSpot         float64
	runStrikeStep   float64
	runTickInterval time.Duration
	runStopTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine and ops API",
	Long: `Run the engine against the paper venue until interrupted.

Market data comes from the selected feed:
  synthetic  random-walk underlying with a priced option chain
  stdin      newline-delimited JSON ticks
  none       no feed; strategies idle until ticks arrive

Examples:
  trader run --config trader.yaml
  trader run --feed stdin < ticks.ndjson`,
	RunE: runTrader,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runFeed, "feed", "synthetic", "Market data feed: synthetic, stdin or none")
	runCmd.Flags().StringVar(&runVenue, "venue", "primary", "Paper venue profile: "+strings.Join(broker.VenueNames(), ", "))
	runCmd.Flags().Float64Var(&runSpot, "spot", 21500, "Starting underlying level for the synthetic feed")
	runCmd.Flags().Float64Var(&runStrikeStep, "strike-step", 50, "Strike spacing of the generated chain when no instruments are configured")
	runCmd.Flags().DurationVar(&runTickInterval, "tick-interval", time.Second, "Synthetic feed interval")
	runCmd.Flags().DurationVar(&runStopTimeout, "stop-timeout", 30*time.Second, "Time allowed for flattening and draining on shutdown")
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg.Log)

	if !cfg.Broker.Paper {
		return errors.New("no live broker adapter is built in; set broker.paper: true")
	}
	if len(cfg.Strategies.Instruments) == 0 {
		cfg.Strategies.Instruments = marketdata.Chain(cfg.Strategies.Underlying, runSpot, runStrikeStep, 5)
	}

	venue, err := broker.VenueByName(runVenue)
	if err != nil {
		return err
	}
	paper := broker.NewPaper(venue, time.Now().UnixNano())
	client := broker.NewResilient(paper, cfg.Broker)

	db, err := database.NewDatabase(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	store := database.NewStore(db)

	eng, err := engine.New(cfg, engine.Deps{Broker: client, Store: store})
	if err != nil {
		return err
	}
	eng.Prices.Subscribe(func(t types.Tick) { paper.SetPrice(t.Symbol, t.LastPrice) })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	if err := startFeed(ctx, cfg, eng); err != nil {
		return err
	}

	limiter := middleware.NewLimiter(middleware.DefaultLimits)
	go limiter.Cleanup(ctx)

	router := api.NewRouter(api.Deps{
		Auth:       auth.NewService(cfg.Server),
		Orders:     eng.Orders,
		Positions:  eng.Ledger,
		Risk:       eng.Guard,
		Strategies: eng.Scheduler,
		History:    store,
		Metrics:    eng.Metrics.Handler(),
		Limiter:    limiter,
	})
	srv := api.NewServer(cfg.Server, router)

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("ops API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error().Err(err).Msg("ops API stopped")
			stop()
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), runStopTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("ops API forced to shutdown")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}

	zlog.Info().Msg("trader exiting")
	return nil
}

func startFeed(ctx context.Context, cfg config.Config, eng *engine.Engine) error {
	switch runFeed {
	case "synthetic":
		feed := marketdata.NewSynthetic(cfg.Strategies.Underlying, runSpot, cfg.Strategies.Instruments, time.Now().UnixNano())
		go feed.Run(ctx, runTickInterval, eng.OnTick)
	case "stdin":
		go func() {
			n, err := marketdata.ReadTicks(ctx, os.Stdin, eng.OnTick)
			if err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error().Err(err).Msg("tick feed failed")
			}
			zlog.Info().Int("ticks", n).Msg("tick feed finished")
		}()
	case "none":
	default:
		return fmt.Errorf("unknown feed %q", runFeed)
	}
	return nil
}
