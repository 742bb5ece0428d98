package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ksred/klear-trader/internal/api"
	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/engine"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	simDuration     time.Duration
	simTickInterval time.Duration
	simPollInterval time.Duration
	simPollers      int
	simSeed         int64
	simSpot         float64
	simVolatility   float64
	simDrift        float64
	simDatabase     string
	simVenue        string
)

var readRoutes = []string{"orders", "positions", "risk", "strategies", "trades"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

var rootCmd = &cobra.Command{
	Use:   "simulation",
	Short: "Run the engine on a paper venue with a synthetic market",
	Long: `simulation runs the full engine in-process against the paper venue,
drives it with a synthetic option market at an accelerated pace and polls the
ops API while it trades. It prints API latency and a trading summary at the end.`,
	SilenceUsage: true,
	RunE:         runSimulation,
}

func init() {
	f := rootCmd.Flags()
	f.DurationVar(&simDuration, "duration", 2*time.Minute, "How long to trade")
	f.DurationVar(&simTickInterval, "tick-interval", 50*time.Millisecond, "Synthetic feed interval")
	f.DurationVar(&simPollInterval, "poll-interval", 200*time.Millisecond, "Ops API poll interval per poller")
	f.IntVar(&simPollers, "pollers", 5, "Concurrent ops API pollers")
	f.Int64Var(&simSeed, "seed", 42, "Random seed for venue and market")
	f.Float64Var(&simSpot, "spot", 21500, "Starting underlying level")
	f.Float64Var(&simVolatility, "volatility", 0.0015, "Per-tick return standard deviation")
	f.Float64Var(&simDrift, "drift", 0.0002, "Per-tick return drift")
	f.StringVar(&simVenue, "venue", "primary", "Paper venue profile: "+strings.Join(broker.VenueNames(), ", "))
	f.StringVar(&simDatabase, "database", "file:simulation?mode=memory&cache=shared", "Database URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// simulationConfig compresses every interval so a few minutes of wall clock
// cover many strategy cycles, and opens the session around the clock
func simulationConfig() config.Config {
	cfg := config.Default()
	cfg.Session = config.SessionConfig{Start: "00:00", End: "23:59", Timezone: "UTC", Weekends: true}
	cfg.Reconcile.Interval = 100 * time.Millisecond
	cfg.Risk.Interval = 500 * time.Millisecond
	cfg.Orders.Timeout = 3 * time.Second
	cfg.Scheduler = config.SchedulerConfig{
		IdleInterval: time.Second,
		RiskBackoff:  5 * time.Second,
		ErrorBackoff: 2 * time.Second,
	}
	cfg.Strategies.Momentum.Interval = 500 * time.Millisecond
	cfg.Strategies.Momentum.Cooldown = 5 * time.Second
	cfg.Strategies.Momentum.MaxHold = 30 * time.Second
	cfg.Strategies.Scalping.Interval = 250 * time.Millisecond
	cfg.Strategies.Scalping.Cooldown = 2 * time.Second
	cfg.Strategies.Scalping.MaxHold = 10 * time.Second
	cfg.Database.URL = simDatabase
	return cfg
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg := simulationConfig()
	cfg.Strategies.Instruments = marketdata.Chain(cfg.Strategies.Underlying, simSpot, 50, 4)

	venue, err := broker.VenueByName(simVenue)
	if err != nil {
		return err
	}
	venue.MinLatency, venue.MaxLatency = 1, 10
	paper := broker.NewPaper(venue, simSeed)

	db, err := database.NewDatabase(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	store := database.NewStore(db)

	eng, err := engine.New(cfg, engine.Deps{Broker: broker.NewResilient(paper, cfg.Broker), Store: store})
	if err != nil {
		return err
	}
	eng.Prices.Subscribe(func(t types.Tick) { paper.SetPrice(t.Symbol, t.LastPrice) })

	market := marketdata.NewSynthetic(cfg.Strategies.Underlying, simSpot, cfg.Strategies.Instruments, simSeed)
	market.Volatility = simVolatility
	market.Drift = simDrift

	ctx, cancel := context.WithTimeout(context.Background(), simDuration)
	defer cancel()

	// seed enough history for the strategies' indicators before trading starts
	for i := 0; i < 60; i++ {
		for _, t := range market.Next() {
			eng.OnTick(t)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	go market.Run(ctx, simTickInterval, eng.OnTick)

	authSvc := auth.NewService(cfg.Server)
	router := api.NewRouter(api.Deps{
		Auth:       authSvc,
		Orders:     eng.Orders,
		Positions:  eng.Ledger,
		Risk:       eng.Guard,
		Strategies: eng.Scheduler,
		History:    store,
		Metrics:    eng.Metrics.Handler(),
	})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops API stopped")
		}
	}()

	client := newSimulationClient("http://" + listener.Addr().String())
	if err := client.authenticate(cfg.Server.APIKey, cfg.Server.APISecret); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	log.Info().
		Dur("duration", simDuration).
		Int("instruments", len(cfg.Strategies.Instruments)).
		Int("pollers", simPollers).
		Msg("Simulation started")

	var wg sync.WaitGroup
	for i := 0; i < simPollers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client.poll(ctx, worker)
		}(i)
	}
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Engine stopped with errors")
	}
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	client.printPerformanceStats()
	printTradingSummary(eng, store, market.Spot())
	return nil
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if !ok {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// simulationClient polls the ops API the way a dashboard would
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   map[string]*routeStats{"auth": {name: "auth/token"}},
	}
	for _, r := range readRoutes {
		sc.stats[r] = &routeStats{name: r}
	}
	return sc
}

func (sc *simulationClient) authenticate(key, secret string) error {
	start := time.Now()
	body, err := json.Marshal(auth.Credentials{APIKey: key, APISecret: secret})
	if err != nil {
		return err
	}

	resp, err := sc.client.Post(sc.baseURL+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		sc.stats["auth"].add(time.Since(start), false)
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool               `json:"success"`
		Data    auth.TokenResponse `json:"data"`
		Error   *response.Error    `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		sc.stats["auth"].add(time.Since(start), false)
		return err
	}
	sc.stats["auth"].add(time.Since(start), envelope.Success)
	if !envelope.Success {
		return fmt.Errorf("token request failed: %s", envelope.Error.Message)
	}
	sc.authToken = envelope.Data.Token
	return nil
}

// poll cycles through the read routes until ctx is done
func (sc *simulationClient) poll(ctx context.Context, worker int) {
	ticker := time.NewTicker(simPollInterval)
	defer ticker.Stop()

	i := worker
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			route := readRoutes[i%len(readRoutes)]
			i++
			if err := sc.get(ctx, route); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("route", route).Int("worker", worker).Msg("poll failed")
			}
		}
	}
}

func (sc *simulationClient) get(ctx context.Context, route string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.baseURL+"/api/v1/"+route, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[route].add(time.Since(start), false)
		return err
	}
	defer resp.Body.Close()
	var discard json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&discard)

	ok := resp.StatusCode == http.StatusOK
	sc.stats[route].add(time.Since(start), ok)
	if !ok {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nOps API performance")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROUTE\tCALLS\tFAILED\tMIN\tMEAN\tMEDIAN\tP95\tP99\tMAX")

	names := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		rs := sc.stats[k]
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\t%v\t%v\t%v\t%v\t%v\n",
			rs.name, rs.totalCalls, rs.failures,
			min.Round(time.Microsecond), mean.Round(time.Microsecond), median.Round(time.Microsecond),
			p95.Round(time.Microsecond), p99.Round(time.Microsecond), max.Round(time.Microsecond))
	}
	w.Flush()
}

func printTradingSummary(eng *engine.Engine, store *database.Store, spot float64) {
	status := eng.Status()

	fmt.Println("\nTrading summary")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Final spot\t%.2f\n", spot)
	fmt.Fprintf(w, "Orders\t%d (filled %d, cancelled %d, rejected %d)\n",
		status.Orders.Total, status.Orders.Filled, status.Orders.Cancelled, status.Orders.Rejected)
	fmt.Fprintf(w, "Realized PnL\t%.2f\n", eng.Ledger.RealizedPnL())
	fmt.Fprintf(w, "Open positions\t%d\n", eng.Ledger.Count())
	fmt.Fprintf(w, "Max drawdown\t%.2f%%\n", status.Risk.MaxDrawdown*100)
	fmt.Fprintf(w, "Reconcile runs\t%d (failures %d)\n", status.Reconcile.Runs, status.Reconcile.Failures)
	w.Flush()

	fmt.Println("\nStrategies")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTICKS\tERRORS\tSTATE\tLAST ERROR")
	for _, s := range status.Strategies {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", s.Name, s.Ticks, s.Errors, s.State, s.LastError)
	}
	w.Flush()

	trades, err := store.Trades("", 0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load trades")
		return
	}
	bySymbol := make(map[string]int)
	for _, t := range trades {
		bySymbol[t.Symbol]++
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	fmt.Println("\nRecent executions by symbol")
	for _, s := range symbols {
		fmt.Printf("  %-20s %s\n", s, strings.Repeat("#", bySymbol[s]))
	}
}
