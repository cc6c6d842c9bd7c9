package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/owalmirneto/novu/internal/analytics"
	"github.com/owalmirneto/novu/internal/api"
	"github.com/owalmirneto/novu/internal/circuitbreaker"
	"github.com/owalmirneto/novu/internal/config"
	"github.com/owalmirneto/novu/internal/dispatcher"
	"github.com/owalmirneto/novu/internal/domain"
	"github.com/owalmirneto/novu/internal/leaderelection"
	"github.com/owalmirneto/novu/internal/metrics"
	"github.com/owalmirneto/novu/internal/providers"
	"github.com/owalmirneto/novu/internal/recipients"
	"github.com/owalmirneto/novu/internal/reconciler"
	"github.com/owalmirneto/novu/internal/store/postgres"
	"github.com/owalmirneto/novu/internal/topiccache"
	"github.com/owalmirneto/novu/internal/transport/channel"
	"github.com/owalmirneto/novu/internal/trigger"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`novu - notification trigger service

Usage:
  novu <command> [flags]

Commands:
  serve      Start the API, dispatcher and reconciler
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Serve flags:
  --http-addr string     Override HTTP_ADDR
  --metrics-port int     Override METRICS_PORT
  --no-reconcile         Disable the reconciler regardless of RECONCILE_ENABLED

Environment Variables:
  DATABASE_URL                      PostgreSQL connection string (required)
  REDIS_ADDR                        Redis address for topic cache and analytics (optional)
  HTTP_ADDR                         HTTP server address (default: ":3000", or ":$PORT")

  DB_OP_TIMEOUT                     Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS                 Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS                 Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME              Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME             Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT             Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT          Dispatcher event drain timeout (default: "30s")
  PROVIDER_TIMEOUT                  Per-call provider timeout (default: "30s")
  EVENTBUS_BUFFER_SIZE              Event bus capacity (default: "100")

  METRICS_ENABLED                   Enable Prometheus metrics (default: "false")
  METRICS_PATH                      Metrics endpoint path (default: "/metrics")
  METRICS_PORT                      Metrics server port (default: "9090")

  RECONCILE_ENABLED                 Enable orphaned message reconciler (default: "false")
  RECONCILE_SCHEDULE                Cron spec for reconcile cycles (default: "@every 5m")
  RECONCILE_THRESHOLD               Age before a queued message is orphaned (default: "10m")
  RECONCILE_BATCH_SIZE              Max orphans per cycle (default: "100")
  LEADER_LOCK_KEY                   Advisory lock key or name (default: "728379")
  LEADER_RETRY_INTERVAL             Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL         Leader connection heartbeat (default: "2s")

  CIRCUIT_BREAKER_THRESHOLD         Consecutive failures to open a provider circuit, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN          Time before a half-open probe (default: "2m")

  FF_IS_TOPIC_NOTIFICATION_ENABLED  Expand topic recipients when "true" (read per trigger)
  TOPIC_LOOKUP_CONCURRENCY          Concurrent topic lookups per trigger (default: "8")
  TOPIC_CACHE_TTL                   Redis topic membership cache TTL, 0 disables (default: "0s")
  ANALYTICS_WINDOW                  Trigger counter bucket: 1m, 5m or 1h (default: "1m")
  ANALYTICS_RETENTION               Trigger counter TTL (default: "24h")

  DEFAULT_ORGANIZATION_ID           Tenant for requests without tenant headers
  DEFAULT_ENVIRONMENT_ID            Tenant for requests without tenant headers

  SMS_PROVIDER                      "sinch-sms" or "tww-sms"
  SINCH_FROM, SINCH_PLAN, SINCH_TOKEN
  TWW_USER, TWW_PASSWORD
  PROVIDER_BASE_URL                 Override the SMS provider endpoint (local stubs, staging)
  PUSH_PROVIDER                     "fcm"
  FCM_PROJECT_ID, FCM_CLIENT_EMAIL, FCM_PRIVATE_KEY`)
}

// applyServeFlags overrides cfg with command line flags.
func applyServeFlags(cfg *config.Config, args []string) error {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	httpAddr := flagSet.String("http-addr", "", "override HTTP_ADDR")
	metricsPort := flagSet.Int("metrics-port", 0, "override METRICS_PORT")
	noReconcile := flagSet.Bool("no-reconcile", false, "disable the reconciler")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *metricsPort > 0 {
		cfg.MetricsPort = *metricsPort
	}
	if *noReconcile {
		cfg.ReconcileEnabled = false
	}
	return nil
}

func runServe(args []string) int {
	cfg := config.Load()

	if err := applyServeFlags(&cfg, args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitSuccess
		}
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return exitInvalidConfig
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("novu: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}
	if err := probeSchema(db); err != nil {
		fmt.Fprintf(os.Stderr, "database schema check failed (run migrations/001_init.sql): %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsAddr := ":" + strconv.Itoa(cfg.MetricsPort)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("novu: metrics server listening on %s%s", metricsAddr, cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("novu: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("novu: METRICS_ENABLED not set; metrics disabled")
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	var lookup recipients.MembershipLookup = store
	var redisClient *redis.Client
	var topicCache *topiccache.Cache
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if cfg.TopicCacheTTL > 0 {
			topicCache = topiccache.New(redisClient, store, cfg.TopicCacheTTL)
			lookup = topicCache
			log.Printf("novu: topic cache enabled (redis=%s, ttl=%s)", cfg.RedisAddr, cfg.TopicCacheTTL)
		}
	} else {
		log.Println("novu: REDIS_ADDR not set; topic cache and analytics disabled")
	}

	resolver := recipients.New(lookup, config.TopicNotificationsEnabled).
		WithConcurrency(cfg.TopicLookupConcurrency).
		WithMetrics(sink)

	triggers := trigger.New(resolver, store, bus).WithMetrics(sink)
	if redisClient != nil {
		triggers = triggers.WithAnalytics(analytics.NewRedisSink(redisClient, domain.AnalyticsConfig{
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}))
		log.Printf("novu: analytics enabled (window=%s, retention=%s)", cfg.AnalyticsWindow, cfg.AnalyticsRetention)
	}

	breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	disp := dispatcher.New(store).
		WithProviderTimeout(cfg.ProviderTimeout).
		WithDrainTimeout(cfg.DispatcherDrainTimeout).
		WithCircuitBreaker(breaker).
		WithMetrics(sink)

	creds := providerCredentials(&cfg)
	if cfg.SMSProvider != "" {
		sms, err := providers.BuildSMS(cfg.SMSProvider, creds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build sms provider: %v\n", err)
			return exitInvalidConfig
		}
		disp = disp.WithSMSProvider(sms)
		log.Printf("novu: sms provider %s", sms.ID())
	}
	if cfg.PushProvider != "" {
		// PROVIDER_BASE_URL only targets SMS endpoints.
		pushCreds := creds
		pushCreds.BaseURL = ""
		push, err := providers.BuildPush(cfg.PushProvider, pushCreds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build push provider: %v\n", err)
			return exitInvalidConfig
		}
		disp = disp.WithPushProvider(push)
		log.Printf("novu: push provider %s", push.ID())
	}

	apiHandler := api.NewHandler(store, triggers, defaultTenant(&cfg)).
		WithHealthChecker(db).
		WithBreakerStates(breaker)
	if topicCache != nil {
		apiHandler = apiHandler.WithCacheInvalidator(topicCache)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("novu: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("novu: http server error: %v", err)
		}
	}()

	// Separate contexts for the elector and dispatcher enable ordered shutdown.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var dispatcherWg sync.WaitGroup
	var electorWg sync.WaitGroup
	var cancelElector context.CancelFunc

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	if cfg.ReconcileEnabled {
		recon := reconciler.New(
			reconciler.Config{
				Schedule:  cfg.ReconcileSchedule,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			store,
			bus,
		).WithMetrics(sink)

		// The reconciler runs only while this instance holds the advisory lock.
		elector := leaderelection.New(db,
			leaderelection.Config{
				LockKey:           leaderelection.LockKeyFromName(cfg.LeaderLockKey),
				RetryInterval:     cfg.LeaderRetryInterval,
				HeartbeatInterval: cfg.LeaderHeartbeatInterval,
			},
			func(ctx context.Context) {
				if err := recon.Run(ctx); err != nil {
					log.Printf("novu: reconciler error: %v", err)
				}
			},
			func() { log.Println("novu: demoted; reconciler stopped") },
		).WithMetrics(sink)

		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(context.Background())
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
		log.Printf("novu: reconciler enabled under leader election (schedule=%q, threshold=%s, batch=%d)",
			cfg.ReconcileSchedule, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("novu: RECONCILE_ENABLED not set; reconciler disabled")
	}

	log.Printf("novu: started (version=%s, http=%s)", version, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("novu: received signal %v, shutting down", received)

	// Phase 1: Stop HTTP server (no new triggers accepted)
	log.Println("novu: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("novu: http server shutdown error: %v", err)
	}
	log.Println("novu: http server stopped")

	// Phase 2: Stop elector and reconciler (no new re-emits)
	if cancelElector != nil {
		log.Println("novu: stopping reconciler...")
		cancelElector()
		electorWg.Wait()
		log.Println("novu: reconciler stopped")
	}

	// Phase 3: Stop dispatcher (drains buffered events before returning)
	log.Println("novu: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("novu: dispatcher stopped")

	// Phase 4: Stop metrics server if running
	if metricsServer != nil {
		log.Println("novu: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("novu: metrics server shutdown error: %v", err)
		}
		log.Println("novu: metrics server stopped")
	}

	log.Println("novu: stopped")
	return exitSuccess
}

func providerCredentials(cfg *config.Config) providers.Credentials {
	creds := providers.Credentials{
		ProjectID: cfg.FCMProjectID,
		Email:     cfg.FCMClientEmail,
		SecretKey: cfg.FCMPrivateKey,
	}
	switch cfg.SMSProvider {
	case providers.SinchSMSID:
		creds.BaseURL = cfg.ProviderBaseURL
		creds.From = cfg.SinchFrom
		creds.Plan = cfg.SinchPlan
		creds.Token = cfg.SinchToken
	case providers.TwwSMSID:
		creds.BaseURL = cfg.ProviderBaseURL
		creds.User = cfg.TwwUser
		creds.Password = cfg.TwwPassword
	}
	return creds
}

// defaultTenant returns the configured fallback tenant, or the zero tenant
// when none is set. Validate has already checked the ids.
func defaultTenant(cfg *config.Config) domain.Tenant {
	if cfg.DefaultOrganizationID == "" || cfg.DefaultEnvironmentID == "" {
		return domain.Tenant{}
	}
	return domain.Tenant{
		OrganizationID: uuid.MustParse(cfg.DefaultOrganizationID),
		EnvironmentID:  uuid.MustParse(cfg.DefaultEnvironmentID),
	}
}

// probeSchema checks that the messages table carries the columns the store reads.
func probeSchema(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var name string
	return db.QueryRowContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = 'messages' AND column_name = 'overrides'`).Scan(&name)
}

// logConfigWarnings logs risky configuration combinations at startup.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("novu: WARNING [P0]: RECONCILE_ENABLED=false; messages queued before a crash or a full event bus are never delivered")
	}
	if !cfg.MetricsEnabled {
		log.Println("novu: WARNING [P1]: METRICS_ENABLED=false; delivery failures and circuit breaker trips are only visible in logs")
	}
	if cfg.SMSProvider == "" && cfg.PushProvider == "" {
		log.Println("novu: WARNING [P0]: no SMS_PROVIDER or PUSH_PROVIDER configured; every message will fail")
	}
	if cfg.ReconcileEnabled && cfg.ReconcileThreshold > 0 &&
		cfg.ReconcileThreshold <= cfg.ProviderTimeout+cfg.DispatcherDrainTimeout {
		log.Printf("novu: WARNING [P1]: RECONCILE_THRESHOLD=%s does not exceed PROVIDER_TIMEOUT+DISPATCHER_DRAIN_TIMEOUT (%s); in-flight messages may be sent twice",
			cfg.ReconcileThresholdStr, cfg.ProviderTimeout+cfg.DispatcherDrainTimeout)
	}
	if cfg.TopicCacheTTL > 0 && cfg.RedisAddr == "" {
		log.Println("novu: WARNING [P2]: TOPIC_CACHE_TTL is set but REDIS_ADDR is empty; topic cache disabled")
	}
	if cfg.DefaultOrganizationID == "" {
		log.Println("novu: INFO: no default tenant; requests must send X-Organization-Id and X-Environment-Id")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("novu: INFO: CIRCUIT_BREAKER_THRESHOLD=0; provider circuit breaker disabled")
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("novu version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
