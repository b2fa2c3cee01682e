package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/curvescan/curvescan/internal/api"
	"github.com/curvescan/curvescan/internal/chain"
	"github.com/curvescan/curvescan/internal/config"
	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/holders"
	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/netutil"
	"github.com/curvescan/curvescan/internal/parser"
	"github.com/curvescan/curvescan/internal/ratelimit"
	"github.com/curvescan/curvescan/internal/service"
	"github.com/curvescan/curvescan/internal/state"
	"github.com/curvescan/curvescan/internal/stream"
)

const (
	startupTimeout  = time.Minute
	shutdownTimeout = 5 * time.Second

	tokenSeedLimit = 10_000

	// Trend updates track tokens above this market cap.
	trendMinCapUSD = 10_000
	trendBatchSize = 20
)

type curvescanApp struct {
	envCfg *config.EnvConfig

	bus     *events.Bus
	tracker *chain.Tracker

	pool     *stream.ConnectionPool
	balancer *stream.LoadBalancer
	manager  *stream.Manager

	tokens      *service.TokenCache
	ingest      *service.IngestService
	flushWorker *state.FlushWorker

	queue     *jobs.Queue
	processor *jobs.Processor
	scheduler *jobs.Scheduler
	jobSaver  *service.JobPersistence

	gradFixer *service.GraduationFixer
	staleness *service.StalenessDetector
	backfill  *service.BackfillService

	apiSrv *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	engine, dbCloser, err := state.Bootstrap(envCfg.DataDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newCurvescanApp(envCfg, engine)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newCurvescanApp(envCfg *config.EnvConfig, engine *state.Engine) (*curvescanApp, error) {
	app := &curvescanApp{envCfg: envCfg}
	app.bus = events.NewBus()

	app.tracker = chain.NewTracker(app.bus)
	app.tracker.Start()

	if err := app.initStreamPlane(engine); err != nil {
		return nil, err
	}
	if err := app.initAnalysisPlane(engine); err != nil {
		return nil, err
	}
	app.initBackgroundServices(engine)

	snapRepo := state.NewSnapshotRepo(engine.DB())
	status := service.NewStatusService(app.pool, app.tracker, app.queue, app.tokens, engine.Repo)
	app.apiSrv = api.NewServerWithAddress(
		envCfg.ListenAddress,
		envCfg.APIPort,
		envCfg.AdminToken,
		int64(envCfg.APIMaxBodyBytes),
		status,
		engine.Repo,
		snapRepo,
		app.queue,
	)
	return app, nil
}

// initStreamPlane dials the upstream pool, subscribes every configured group,
// and starts the ingest and flush pipelines.
func (a *curvescanApp) initStreamPlane(engine *state.Engine) error {
	table, err := config.LoadGroupTable(a.envCfg.GroupTableFile)
	if err != nil {
		return err
	}

	a.pool = stream.NewConnectionPool(stream.PoolConfig{
		MaxConnections:      a.envCfg.MaxConnections,
		MinConnections:      a.envCfg.MinConnections,
		HealthCheckInterval: a.envCfg.HealthCheckInterval,
		ConnectionTimeout:   a.envCfg.ConnectionTimeout,
		Dial:                newEndpointDialer(a.envCfg),
		Bus:                 a.bus,
	})

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := a.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("pool initialize: %w", err)
	}

	limiter := ratelimit.NewSubscriptionLimiter(a.envCfg.SubscriptionLimit, a.envCfg.SubscriptionWindow)
	a.balancer = stream.NewLoadBalancer(stream.BalancerConfig{
		Bus: a.bus,
		Assignments: func() map[string][]string {
			if a.manager == nil {
				return nil
			}
			return a.manager.Assignments()
		},
	})
	a.manager = stream.NewManager(stream.ManagerConfig{
		Pool:     a.pool,
		Builder:  stream.NewBuilder(table),
		Limiter:  limiter,
		Balancer: a.balancer,
		Bus:      a.bus,
	})
	a.balancer.Start()

	a.tokens = service.NewTokenCache(a.envCfg.QuoteUSD)
	seed, err := engine.ListTokens(tokenSeedLimit)
	if err != nil {
		return fmt.Errorf("seed token cache: %w", err)
	}
	a.tokens.Seed(seed)
	log.Printf("Token cache seeded with %d tokens", len(seed))

	a.ingest = service.NewIngestService(service.IngestConfig{
		Dispatcher: parser.NewDefaultDispatcher(),
		Tracker:    a.tracker,
		Tokens:     a.tokens,
		Engine:     engine,
		Bus:        a.bus,
	})

	for _, spec := range table {
		if err := a.manager.Subscribe(ctx, spec.Name); err != nil {
			return fmt.Errorf("subscribe %s: %w", spec.Name, err)
		}
		ch, err := a.manager.Messages(spec.Name)
		if err != nil {
			return fmt.Errorf("messages %s: %w", spec.Name, err)
		}
		a.ingest.Consume(spec.Name, ch)
	}

	a.flushWorker = state.NewFlushWorker(
		engine,
		a.ingest.Readers(),
		func() int { return a.envCfg.FlushThreshold },
		func() time.Duration { return a.envCfg.FlushInterval },
		a.envCfg.FlushCheckTick,
	)
	a.flushWorker.Start()
	return nil
}

// initAnalysisPlane wires the holder-analysis pipeline: data sources,
// classifier, job queue, worker pool, and recurring schedules.
func (a *curvescanApp) initAnalysisPlane(engine *state.Engine) error {
	httpc, err := netutil.NewAPIClient(netutil.APIClientOptions{})
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	rpcWindow := ratelimit.NewWindow(a.envCfg.RPCRateLimit, a.envCfg.RPCRateWindow)

	// Fetch chain: rpc first, enhanced and complete as fallbacks; the
	// orchestrator falls through on empty results.
	sources := []holders.Source{holders.NewRPCSource(a.envCfg.RPCURL, httpc, rpcWindow)}
	if a.envCfg.EnhancedAPIURL != "" {
		sources = append(sources, holders.NewEnhancedSource(a.envCfg.EnhancedAPIURL, httpc, rpcWindow))
	}
	if a.envCfg.CompleteAPIURL != "" {
		sources = append(sources, holders.NewCompleteSource(a.envCfg.CompleteAPIURL, httpc, rpcWindow, 0))
	}

	var classifier holders.Classifier
	if a.envCfg.ClassifierURL != "" {
		classifier = holders.NewCachedClassifier(
			holders.NewHTTPClassifier(a.envCfg.ClassifierURL, httpc, rpcWindow), 0)
	}

	orch := holders.NewOrchestrator(holders.OrchestratorConfig{
		Sources:        sources,
		Classifier:     classifier,
		Store:          state.NewSnapshotRepo(engine.DB()),
		EnableFallback: true,
	})

	a.queue = jobs.NewQueue()
	a.jobSaver = service.NewJobPersistence(a.queue, state.NewJobRepo(engine.DB()))
	if _, err := a.jobSaver.Restore(); err != nil {
		log.Printf("Job restore error: %v", err)
	}
	a.jobSaver.Start()

	a.processor = jobs.NewProcessor(jobs.ProcessorConfig{
		MaxWorkers: a.envCfg.JobWorkers,
		Queue:      a.queue,
		Analyzer:   service.NewHolderAnalyzer(orch),
		Bus:        a.bus,
	})
	a.processor.Start()

	a.scheduler = jobs.NewScheduler(a.queue)
	err = a.scheduler.Register(jobs.Schedule{
		ID:      "trend-update",
		Cron:    a.envCfg.TrendSchedule,
		Type:    jobs.TypeTrendUpdate,
		Options: jobs.Options{Priority: jobs.PriorityLow},
		Enabled: true,
		Runner:  trendRunner(engine),
	})
	if err != nil {
		return fmt.Errorf("register trend schedule: %w", err)
	}
	a.scheduler.Start()

	// Backfill needs the same RPC budget as the holder fetchers.
	a.backfill = service.NewBackfillService(
		a.bus,
		service.NewRPCBlockFetcher(a.envCfg.RPCURL, httpc, rpcWindow),
		engine.Repo,
	)
	return nil
}

func (a *curvescanApp) initBackgroundServices(engine *state.Engine) {
	a.gradFixer = service.NewGraduationFixer(engine, a.tokens)
	a.gradFixer.Start()

	a.staleness = service.NewStalenessDetector(engine.Repo, a.queue, a.bus)
	a.staleness.Start()

	a.backfill.Start()
}

// trendRunner selects the mints worth a lightweight trend pass: tokens above
// the cap floor, largest first.
func trendRunner(engine *state.Engine) jobs.Runner {
	return func(ctx context.Context) []jobs.AnalysisData {
		tokens, err := engine.TokensInCapRange(trendMinCapUSD, -1, time.Now().UnixNano(), trendBatchSize)
		if err != nil {
			log.Printf("[trend] select tokens: %v", err)
			return nil
		}
		out := make([]jobs.AnalysisData, 0, len(tokens))
		for _, tok := range tokens {
			out = append(out, jobs.AnalysisData{Mint: tok.Mint})
		}
		return out
	}
}

// newEndpointDialer round-robins dial attempts across the configured
// endpoints so pooled connections spread over providers.
func newEndpointDialer(envCfg *config.EnvConfig) stream.DialFunc {
	var next atomic.Uint64
	endpoints := envCfg.GeyserEndpoints
	return func(ctx context.Context) (stream.StreamOpener, error) {
		i := next.Add(1) - 1
		endpoint := endpoints[i%uint64(len(endpoints))]
		dial := stream.NewGeyserDialer(geyser.Config{
			Endpoint:       endpoint,
			Token:          envCfg.GeyserXToken,
			ConnectTimeout: envCfg.ConnectionTimeout,
		})
		return dial(ctx)
	}
}

func (a *curvescanApp) startServers() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("curvescan API server starting on %s:%d", a.envCfg.ListenAddress, a.envCfg.APIPort)
		if err := a.apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// shutdown stops components in reverse dependency order: API first, then the
// analysis plane, then the stream plane, with the final state flush last.
func (a *curvescanApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}

	a.scheduler.Stop()
	a.processor.Shutdown()
	a.gradFixer.Stop()
	a.staleness.Stop()
	a.backfill.Stop()
	a.jobSaver.Stop()

	a.manager.Shutdown()
	a.balancer.Stop()
	a.pool.Shutdown()
	a.ingest.Stop()

	a.flushWorker.Stop()
	a.tracker.Stop()
	log.Println("Shutdown complete")
}
