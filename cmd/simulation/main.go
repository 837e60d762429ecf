package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-lending/internal/auth"
	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/margincall"
	"github.com/ksred/klear-lending/internal/risk"
	"github.com/ksred/klear-lending/internal/settlement"
	"github.com/ksred/klear-lending/internal/types"
	"github.com/ksred/klear-lending/internal/valuation"
	"github.com/ksred/klear-lending/pkg/middleware"
)

const (
	minLoans      = 20
	maxLoans      = 120
	numWorkers    = 5
	navTicks      = 6
	serverAddress = "http://localhost:8080"
	jwtSecret     = "klear-secret-key"
)

var schemes = []string{"SCH_NIFTY50", "SCH_MIDCAP", "SCH_GILT", "SCH_LIQUID", "SCH_FLEXI"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	if os.Getenv("DEBUG") != "true" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope is the API's standard response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient drives the risk engine's HTTP API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient signs an operations token with the shared secret and
// prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	tok, err := auth.NewService(jwtSecret).IssueToken("simulation", []string{auth.RoleOperations}, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &simulationClient{
		baseURL:   serverAddress,
		authToken: tok.Token,
		client:    &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"collateral": {name: "Submit Collateral"},
			"pledge":     {name: "Pledge Collateral"},
			"disburse":   {name: "Disburse Loan"},
			"nav":        {name: "NAV Tick"},
			"payment":    {name: "Apply Payment"},
			"sweep":      {name: "Sweep"},
			"quote":      {name: "Foreclosure Quote"},
		},
	}, nil
}

// call sends a request, records its latency under route and decodes the
// response data into out
func (sc *simulationClient) call(route, method, path string, body interface{}, headers map[string]string, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var buf bytes.Buffer
	if body != nil {
		if err = json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err = json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if env.Error != nil {
			return fmt.Errorf("%s failed with status %d: %s: %s", route, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s failed with status %d", route, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// openedLoan is what the simulation remembers about a disbursed loan
type openedLoan struct {
	LoanID string
	EMI    decimal.Decimal
	Scheme string
	LTV    decimal.Decimal
}

// openLoan pledges a random holding and borrows against it
func (sc *simulationClient) openLoan(workerID int, navs map[string]decimal.Decimal) (*openedLoan, error) {
	loanID := "LN_" + uuid.New().String()
	scheme := schemes[rand.Intn(len(schemes))]
	units := decimal.NewFromInt(int64(rand.Intn(4000) + 1000))
	value := units.Mul(navs[scheme])

	var holding types.CollateralHolding
	if err := sc.call("collateral", http.MethodPost, "/api/v1/internal/collateral", map[string]interface{}{
		"loan_id":      loanID,
		"scheme_id":    scheme,
		"units":        units,
		"purchase_nav": navs[scheme],
	}, nil, &holding); err != nil {
		return nil, err
	}
	if err := sc.call("pledge", http.MethodPost, "/api/v1/internal/collateral/"+holding.HoldingID+"/pledge", nil, nil, nil); err != nil {
		return nil, err
	}

	// Borrow 30-49% of the collateral, in thousands
	share := decimal.NewFromInt(int64(rand.Intn(20) + 30)).Div(decimal.NewFromInt(100))
	principal := value.Mul(share).Div(decimal.NewFromInt(1000)).Floor().Mul(decimal.NewFromInt(1000))
	tenure := []int{6, 12, 24, 36}[rand.Intn(4)]

	var result risk.DisbursalResult
	if err := sc.call("disburse", http.MethodPost, "/api/v1/internal/loans", map[string]interface{}{
		"loan_id":        loanID,
		"product_code":   config.DefaultProductCode,
		"principal":      principal,
		"annual_rate":    decimal.NewFromFloat(9 + rand.Float64()*6).Round(2),
		"tenure_months":  tenure,
		"disbursal_date": time.Now().UTC().AddDate(0, -3, -rand.Intn(20)),
	}, nil, &result); err != nil {
		return nil, err
	}

	loan := &openedLoan{LoanID: loanID, EMI: result.Schedule[0].EMIAmount, Scheme: scheme}
	if result.Risk != nil {
		loan.LTV = result.Risk.CurrentLTV
	}
	log.Info().
		Int("worker_id", workerID).
		Str("loan_id", loanID).
		Str("scheme_id", scheme).
		Str("principal", principal.String()).
		Str("collateral", value.String()).
		Str("ltv", loan.LTV.String()).
		Msg("Loan disbursed")
	return loan, nil
}

// main runs the lending simulation
// It starts a local API server, opens loans concurrently, moves the market
// and feeds payments, then reports what the risk engine did
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	stats := struct {
		Loans           int
		FailedLoans     int
		MarginCalls     int
		Resolved        int
		Payments        int
		Duplicates      int
		FailedPayments  int
		StaleTicks      int
		TotalDisbursed  decimal.Decimal
		TotalForeclose  decimal.Decimal
		StartTime       time.Time
		SchemeExposures map[string]int
	}{
		TotalDisbursed:  decimal.Zero,
		TotalForeclose:  decimal.Zero,
		StartTime:       time.Now(),
		SchemeExposures: make(map[string]int),
	}

	// Price every scheme before any collateral is pledged
	navs := make(map[string]decimal.Decimal, len(schemes))
	asOf := time.Now().UTC().Add(-time.Duration(navTicks+1) * time.Hour)
	for _, s := range schemes {
		navs[s] = decimal.NewFromInt(int64(rand.Intn(400) + 50))
		if err := simClient.call("nav", http.MethodPost, "/api/v1/internal/navs", map[string]interface{}{
			"scheme_id": s, "nav": navs[s], "as_of": asOf,
		}, nil, nil); err != nil {
			log.Fatal().Err(err).Str("scheme_id", s).Msg("Failed to seed NAV")
		}
	}

	targetLoans := rand.Intn(maxLoans-minLoans) + minLoans
	log.Info().Int("target_loans", targetLoans).Msg("Starting simulation")

	loansChan := make(chan *openedLoan, targetLoans)
	var wg sync.WaitGroup
	var failMu sync.Mutex
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for n := 0; n < targetLoans/numWorkers; n++ {
				loan, err := simClient.openLoan(workerID, navs)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to open loan")
					failMu.Lock()
					stats.FailedLoans++
					failMu.Unlock()
					continue
				}
				loansChan <- loan
				time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	close(loansChan)

	var loans []*openedLoan
	for loan := range loansChan {
		loans = append(loans, loan)
		stats.SchemeExposures[loan.Scheme]++
	}
	stats.Loans = len(loans)
	log.Info().Int("loans_opened", len(loans)).Msg("All loans disbursed")

	// Random walk with a drawdown on the equity schemes
	for tick := 1; tick <= navTicks; tick++ {
		at := asOf.Add(time.Duration(tick) * time.Hour)
		for _, s := range schemes {
			move := decimal.NewFromFloat(1 + (rand.Float64()-0.55)*0.08)
			if tick == navTicks && s != "SCH_GILT" && s != "SCH_LIQUID" {
				move = decimal.NewFromFloat(0.78)
			}
			navs[s] = navs[s].Mul(move).Round(4)

			var rr risk.RevaluationResult
			if err := simClient.call("nav", http.MethodPost, "/api/v1/internal/navs", map[string]interface{}{
				"scheme_id": s, "nav": navs[s], "as_of": at,
			}, nil, &rr); err != nil {
				log.Error().Err(err).Str("scheme_id", s).Msg("NAV tick rejected")
				continue
			}
			stats.MarginCalls += rr.Summary.MarginCallsCreated
			stats.Resolved += rr.Summary.MarginCallsResolved
		}
	}

	// A late tick from the feed is rejected as stale
	if err := simClient.call("nav", http.MethodPost, "/api/v1/internal/navs", map[string]interface{}{
		"scheme_id": schemes[0], "nav": navs[schemes[0]].Mul(decimal.NewFromInt(2)), "as_of": asOf,
	}, nil, nil); err != nil {
		stats.StaleTicks++
		log.Info().Err(err).Str("scheme_id", schemes[0]).Msg("Stale NAV tick rejected")
	}

	// Half the book pays three EMIs; every payment is delivered twice
	for i, loan := range loans {
		if i%2 == 1 {
			continue
		}
		key := "PAY_" + uuid.New().String()
		body := map[string]interface{}{
			"amount":       loan.EMI.Mul(decimal.NewFromInt(3)),
			"payment_date": time.Now().UTC(),
			"mode":         "NACH",
		}
		for attempt := 0; attempt < 2; attempt++ {
			var outcome risk.PaymentOutcome
			err := simClient.call("payment", http.MethodPost, "/api/v1/internal/loans/"+loan.LoanID+"/payments",
				body, map[string]string{risk.IdempotencyHeader: key}, &outcome)
			if err != nil {
				log.Error().Err(err).Str("loan_id", loan.LoanID).Msg("Failed to apply payment")
				stats.FailedPayments++
				break
			}
			if outcome.Ledger != nil && outcome.Ledger.Duplicate {
				stats.Duplicates++
				continue
			}
			stats.Payments++
			if outcome.Risk != nil && outcome.Risk.Transition != nil && outcome.Risk.Transition.Applied &&
				outcome.Risk.Transition.Kind == margincall.KindResolve {
				stats.Resolved++
			}
		}
	}

	for _, sweep := range []string{"revaluation", "overdue", "due-margin-calls"} {
		var summary json.RawMessage
		if err := simClient.call("sweep", http.MethodPost, "/api/v1/internal/sweeps/"+sweep, nil, nil, &summary); err != nil {
			log.Error().Err(err).Str("sweep", sweep).Msg("Sweep failed")
			continue
		}
		log.Info().Str("sweep", sweep).RawJSON("summary", summary).Msg("Sweep completed")
	}

	for _, loan := range loans {
		var q settlement.SettlementQuote
		if err := simClient.call("quote", http.MethodGet, "/api/v1/loans/"+loan.LoanID+"/foreclosure-quote", nil, nil, &q); err != nil {
			continue
		}
		stats.TotalForeclose = stats.TotalForeclose.Add(q.TotalPayable)
		stats.TotalDisbursed = stats.TotalDisbursed.Add(q.OutstandingPrincipal)
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("LENDING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Book
----
Loans opened:        %d
Failed disbursals:   %d
Margin calls raised: %d
Margin calls closed: %d
Payments applied:    %d
Duplicate payments:  %d
Failed payments:     %d
Stale ticks:         %d
Principal at risk:   %s
Foreclosure value:   %s
Duration:            %v

Scheme Exposure
---------------
`, stats.Loans, stats.FailedLoans, stats.MarginCalls, stats.Resolved,
		stats.Payments, stats.Duplicates, stats.FailedPayments, stats.StaleTicks,
		stats.TotalDisbursed.StringFixed(2), stats.TotalForeclose.StringFixed(2),
		duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range stats.SchemeExposures {
		if count > maxCount {
			maxCount = count
		}
	}
	for scheme, count := range stats.SchemeExposures {
		bar := strings.Repeat("#", int(float64(count)/float64(maxCount)*20))
		fmt.Printf("%-12s: %s (%d)\n", scheme, bar, count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("loans", stats.Loans).
		Int("margin_calls", stats.MarginCalls).
		Int("payments", stats.Payments).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		stats := sc.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// startServer runs the risk engine API over a private in-memory database
func startServer() error {
	db, err := database.NewInMemory("simulation_" + uuid.New().String())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	engine := risk.NewEngine(db, config.Default())
	authService := auth.NewService(jwtSecret)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RateLimit())

	handlers := risk.NewGinHandlers(engine)
	collateral := valuation.NewGinHandlers(engine.Valuation())

	v1 := router.Group("/api/v1")
	{
		loans := v1.Group("/loans")
		loans.Use(middleware.JWTAuth(authService))
		{
			loans.GET("/:loan_id/foreclosure-quote", settlement.NewGinHandlers(engine.Settlement()).QuoteHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/collateral", collateral.SubmitHoldingHandler())
			internal.POST("/collateral/:holding_id/pledge", collateral.PledgeHoldingHandler())
			internal.POST("/loans", handlers.DisburseHandler())
			internal.POST("/loans/:loan_id/payments", handlers.ApplyPaymentHandler())
			internal.POST("/navs", handlers.NAVTickHandler())
			internal.POST("/sweeps/revaluation", handlers.RevaluationSweepHandler())
			internal.POST("/sweeps/overdue", handlers.OverdueSweepHandler())
			internal.POST("/sweeps/due-margin-calls", handlers.DueMarginCallsHandler())
		}
	}

	return router.Run(":8080")
}
