// Command worker runs the background half of the automation runtime: queue
// consumers for webhook inbox rows, trigger fires, run enrichment and
// snapshot builds, the distributed trigger scheduler, the janitor, and the
// wake bus dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/proliferate-ai/proliferate/features/adapters"
	archivemongo "github.com/proliferate-ai/proliferate/features/archive/mongo"
	buspulse "github.com/proliferate-ai/proliferate/features/bus/pulse"
	enrichanthropic "github.com/proliferate-ai/proliferate/features/enrich/anthropic"
	enrichbedrock "github.com/proliferate-ai/proliferate/features/enrich/bedrock"
	enrichopenai "github.com/proliferate-ai/proliferate/features/enrich/openai"
	gateway "github.com/proliferate-ai/proliferate/features/gateway/client"
	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
	"github.com/proliferate-ai/proliferate/features/sandbox/modal"
	schedulerpulse "github.com/proliferate-ai/proliferate/features/scheduler/pulse"
	"github.com/proliferate-ai/proliferate/features/store/postgres"
	wakecli "github.com/proliferate-ai/proliferate/features/wake/cli"
	wakeslack "github.com/proliferate-ai/proliferate/features/wake/slack"
	"github.com/proliferate-ai/proliferate/providers"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/runtime/action"
	"github.com/proliferate-ai/proliferate/runtime/automation"
	"github.com/proliferate-ai/proliferate/runtime/billing"
	"github.com/proliferate-ai/proliferate/runtime/snapshot"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
	"github.com/proliferate-ai/proliferate/runtime/wake"
	"github.com/proliferate-ai/proliferate/worker"
)

// workerPoolName is the Pulse pool shared by all worker replicas; its
// distributed tickers elect one replica per scheduler scan and janitor sweep.
const workerPoolName = "proliferate-workers"

type config struct {
	HTTPAddr           string        `env:"HTTP_ADDR,default=:8081"`
	DatabaseURL        string        `env:"DATABASE_URL,required"`
	RedisURL           string        `env:"REDIS_URL,default=redis://localhost:6379/0"`
	PlatformAPIURL     string        `env:"PLATFORM_API_URL,required"`
	ServiceToken       string        `env:"SERVICE_TO_SERVICE_AUTH_TOKEN,required"`
	NangoSecretKey     string        `env:"NANGO_SECRET_KEY"`
	SlackBotToken      string        `env:"SLACK_BOT_TOKEN"`
	ModalBaseURL       string        `env:"MODAL_BASE_URL"`
	ModalToken         string        `env:"MODAL_TOKEN"`
	MongoURL           string        `env:"MONGO_URL"`
	MongoDatabase      string        `env:"MONGO_DATABASE,default=proliferate"`
	BillingEnabled     bool          `env:"BILLING_ENABLED"`
	MinCreditsToStart  int64         `env:"MIN_CREDITS_TO_START,default=1"`
	EnrichProvider     string        `env:"ENRICHMENT_PROVIDER"`
	AnthropicAPIKey    string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel     string        `env:"ANTHROPIC_MODEL,default=claude-sonnet-4-20250514"`
	OpenAIAPIKey       string        `env:"OPENAI_API_KEY"`
	OpenAIModel        string        `env:"OPENAI_MODEL,default=gpt-4o-mini"`
	BedrockModel       string        `env:"BEDROCK_MODEL"`
	WorkerID           string        `env:"WORKER_ID"`
	Concurrency        int           `env:"WORKER_CONCURRENCY,default=4"`
	ScanInterval       time.Duration `env:"TRIGGER_SCAN_INTERVAL,default=30s"`
	InboxRetentionDays int           `env:"INBOX_RETENTION_DAYS,default=7"`
	RunStaleAfter      time.Duration `env:"RUN_STALE_AFTER,default=24h"`
	MigrateOnBoot      bool          `env:"MIGRATE_ON_BOOT"`
	Debug              bool          `env:"DEBUG"`
}

// Validate rejects values the envconfig tags cannot catch: the enrichment
// provider enum and its per-provider credential requirements.
func (c config) Validate() error {
	switch c.EnrichProvider {
	case "", "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("unknown enrichment provider %q", c.EnrichProvider)
	}
	if c.EnrichProvider == "anthropic" && c.AnthropicAPIKey == "" {
		return errors.New("ANTHROPIC_API_KEY is required when ENRICHMENT_PROVIDER=anthropic")
	}
	if c.EnrichProvider == "openai" && c.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required when ENRICHMENT_PROVIDER=openai")
	}
	if c.EnrichProvider == "bedrock" && c.BedrockModel == "" {
		return errors.New("BEDROCK_MODEL is required when ENRICHMENT_PROVIDER=bedrock")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.InboxRetentionDays < 1 {
		return fmt.Errorf("INBOX_RETENTION_DAYS must be at least 1, got %d", c.InboxRetentionDays)
	}
	return nil
}

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf(ctx, err, "validate configuration")
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	workerID := cfg.WorkerID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf(ctx, err, "resolve worker id")
		}
		workerID = host
	}
	log.Printf(ctx, "worker %q starting", workerID)

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf(ctx, err, "connect postgres")
	}
	defer dbPool.Close()
	db, err := postgres.New(postgres.Options{Pool: dbPool})
	if err != nil {
		log.Fatalf(ctx, err, "build stores")
	}
	if cfg.MigrateOnBoot {
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf(ctx, err, "apply migrations")
		}
	}

	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf(ctx, err, "parse redis url")
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()
	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "build pulse client")
	}
	defer pulseClient.Close(ctx)

	queueFor := func(name string) *queuepulse.Queue {
		q, err := queuepulse.NewQueue(queuepulse.QueueOptions{Client: pulseClient, Name: name})
		if err != nil {
			log.Fatalf(ctx, err, "build %s queue", name)
		}
		return q
	}
	webhooksQueue := queueFor(queuepulse.QueueWebhooks)
	triggersQueue := queueFor(queuepulse.QueueTriggers)
	runsQueue := queueFor(queuepulse.QueueRuns)
	gcQueue := queueFor(queuepulse.QueueInboxGC)
	expiryQueue := queueFor(queuepulse.QueueActionsExpiry)

	platform, err := gateway.New(gateway.Options{
		BaseURL:      cfg.PlatformAPIURL,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build platform client")
	}

	// Without a Nango key the proxy backed providers stay unregistered and
	// snapshot builds have no token source.
	var nangoClient *nango.Client
	if cfg.NangoSecretKey != "" {
		nangoClient, err = nango.NewClient(nango.ClientOptions{SecretKey: cfg.NangoSecretKey})
		if err != nil {
			log.Fatalf(ctx, err, "build nango client")
		}
	}
	registry := providers.Registry(nangoClient)

	gate, err := billing.NewGate(billing.GateOptions{
		Store:             db.Billing(),
		Sessions:          db.Sessions(),
		Enabled:           cfg.BillingEnabled,
		MinCreditsToStart: cfg.MinCreditsToStart,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build billing gate")
	}

	var enricher automation.Enricher
	switch cfg.EnrichProvider {
	case "":
	case "anthropic":
		enricher, err = enrichanthropic.New(enrichanthropic.Options{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build anthropic enricher")
		}
	case "openai":
		enricher, err = enrichopenai.New(enrichopenai.Options{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build openai enricher")
		}
	case "bedrock":
		enricher, err = enrichbedrock.NewFromConfig(ctx, cfg.BedrockModel)
		if err != nil {
			log.Fatalf(ctx, err, "build bedrock enricher")
		}
	}

	launcherOpts := automation.LauncherOptions{
		Store:    db.Automations(),
		Gate:     gate,
		Gateway:  platform,
		Sessions: db.Sessions(),
		Logger:   logger,
		Metrics:  metrics,
	}
	if enricher != nil {
		launcherOpts.Enrichment = runsQueue
	}
	launcher, err := automation.NewLauncher(launcherOpts)
	if err != nil {
		log.Fatalf(ctx, err, "build run launcher")
	}

	adapterOpts := adapters.Options{SlackToken: cfg.SlackBotToken}
	if nangoClient != nil {
		adapterOpts.Nango = nangoClient
	}
	adapterReg, err := adapters.Registry(adapterOpts)
	if err != nil {
		log.Fatalf(ctx, err, "build action adapters")
	}
	bus, err := buspulse.NewBus(buspulse.BusOptions{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "build wake bus")
	}
	notifier, err := buspulse.NewActionNotifier(buspulse.ActionNotifierOptions{Bus: bus, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "build action notifier")
	}
	engine, err := action.NewEngine(action.EngineOptions{
		Store:    db.Actions(),
		Adapters: adapterReg,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build action engine")
	}

	// Snapshot builds need both the sandbox service and a token source for
	// repo clones. A replica without either leaves the snapshots queue to
	// replicas that have them.
	var builder *snapshot.Builder
	if cfg.ModalBaseURL != "" && cfg.ModalToken != "" && nangoClient != nil {
		sandbox, err := modal.New(modal.Options{
			BaseURL: cfg.ModalBaseURL,
			Token:   cfg.ModalToken,
			Logger:  logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build modal sandbox client")
		}
		builder, err = snapshot.NewBuilder(snapshot.BuilderOptions{
			Store:    db.Snapshots(),
			Provider: sandbox,
			Tokens:   nangoClient,
			WorkerID: workerID,
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build snapshot builder")
		}
	} else {
		log.Printf(ctx, "snapshot builds disabled: modal and nango configuration required")
	}

	wakeClients := wake.NewClientRegistry()
	cliWaker, err := wakecli.New(wakecli.Options{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "build cli waker")
	}
	if err := wakeClients.Register(cliWaker); err != nil {
		log.Fatalf(ctx, err, "register cli waker")
	}
	if cfg.SlackBotToken != "" {
		slackWaker, err := wakeslack.New(wakeslack.Options{Token: cfg.SlackBotToken, Logger: logger})
		if err != nil {
			log.Fatalf(ctx, err, "build slack waker")
		}
		if err := wakeClients.Register(slackWaker); err != nil {
			log.Fatalf(ctx, err, "register slack waker")
		}
	}
	dispatcher, err := wake.NewDispatcher(wake.DispatcherOptions{
		Sessions: db.Sessions(),
		Clients:  wakeClients,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build wake dispatcher")
	}

	pingers := []health.Pinger{db, clientspulse.NewPinger(rdb)}

	// The archive tees dispatched wake messages into Mongo when configured;
	// without it the dispatcher runs bare.
	var wakeHandler buspulse.Dispatcher = dispatcher
	if cfg.MongoURL != "" {
		mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongo")
		}
		defer func() { _ = mongoClient.Disconnect(context.Background()) }()
		archive, err := archivemongo.New(archivemongo.Options{
			Client:   mongoClient,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build wake archive")
		}
		wakeHandler, err = archivemongo.NewTee(archive, dispatcher, logger)
		if err != nil {
			log.Fatalf(ctx, err, "build wake archive tee")
		}
		pingers = append(pingers, archive)
	}
	subscriber, err := buspulse.NewSubscriber(buspulse.SubscriberOptions{
		Client:     pulseClient,
		Dispatcher: wakeHandler,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build wake subscriber")
	}

	node, err := pool.AddNode(ctx, workerPoolName, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "add pool node")
	}
	regs, err := rmap.Join(ctx, schedulerpulse.RegistrationMapName, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join trigger registration map")
	}
	sched, err := schedulerpulse.NewScheduler(schedulerpulse.SchedulerOptions{
		Registrations: regs,
		Node:          node,
		Store:         db.Triggers(),
		Queue:         triggersQueue,
		ScanInterval:  cfg.ScanInterval,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build trigger scheduler")
	}
	jan, err := worker.NewJanitor(worker.JanitorOptions{
		Inbox:         db.Inbox(),
		Runs:          db.Automations(),
		Actions:       engine,
		Webhooks:      webhooksQueue,
		GCQueue:       gcQueue,
		ExpiryQueue:   expiryQueue,
		Node:          node,
		Gateway:       platform,
		Retention:     time.Duration(cfg.InboxRetentionDays) * 24 * time.Hour,
		StaleRunAfter: cfg.RunStaleAfter,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build janitor")
	}

	inboxProc, err := worker.NewInboxProcessor(worker.InboxProcessorOptions{
		Inbox:       db.Inbox(),
		Triggers:    db.Triggers(),
		Automations: db.Automations(),
		Providers:   registry,
		Gate:        gate,
		Launcher:    launcher,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build inbox processor")
	}
	fireProc, err := worker.NewFireProcessor(worker.FireProcessorOptions{
		Triggers:    db.Triggers(),
		Automations: db.Automations(),
		Providers:   registry,
		Gate:        gate,
		Launcher:    launcher,
		Scheduler:   sched,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build fire processor")
	}

	consumerFor := func(queue string, handler queuepulse.Handler, concurrency int) *queuepulse.Consumer {
		c, err := queuepulse.NewConsumer(queuepulse.ConsumerOptions{
			Client:      pulseClient,
			Queue:       queue,
			Handler:     handler,
			Concurrency: concurrency,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build %s consumer", queue)
		}
		return c
	}
	consumers := []*queuepulse.Consumer{
		consumerFor(queuepulse.QueueWebhooks, inboxProc.Handle, cfg.Concurrency),
		consumerFor(queuepulse.QueueTriggers, fireProc.Handle, cfg.Concurrency),
		consumerFor(queuepulse.QueueInboxGC, jan.HandleGC, 1),
		consumerFor(queuepulse.QueueActionsExpiry, jan.HandleExpiry, 1),
	}
	if enricher != nil {
		runner, err := automation.NewEnrichmentRunner(automation.EnrichmentRunnerOptions{
			Store:    db.Automations(),
			Enricher: enricher,
			Logger:   logger,
			Metrics:  metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build enrichment runner")
		}
		runProc, err := worker.NewRunProcessor(worker.RunProcessorOptions{Enricher: runner, Logger: logger})
		if err != nil {
			log.Fatalf(ctx, err, "build run processor")
		}
		consumers = append(consumers, consumerFor(queuepulse.QueueRuns, runProc.Handle, cfg.Concurrency))
	} else {
		log.Printf(ctx, "run enrichment disabled: no enrichment provider configured")
	}
	if builder != nil {
		snapProc, err := worker.NewSnapshotProcessor(worker.SnapshotProcessorOptions{Builder: builder, Logger: logger})
		if err != nil {
			log.Fatalf(ctx, err, "build snapshot processor")
		}
		consumers = append(consumers, consumerFor(queuepulse.QueueSnapshots, snapProc.Handle, 1))
	}

	checker := health.NewChecker(pingers...)
	mux := goahttp.NewMuxer()
	if cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	mux.Handle("GET", "/health", health.Handler(checker).ServeHTTP)

	var handler http.Handler = mux
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	// Requeue inbox rows stranded by a crash between insert and enqueue,
	// and reconcile scheduler registrations, before consumption begins.
	if n, err := jan.SweepPending(ctx); err != nil {
		log.Errorf(ctx, err, "requeue stranded inbox rows")
	} else if n > 0 {
		log.Printf(ctx, "requeued %d stranded inbox rows", n)
	}
	if err := sched.Sync(ctx); err != nil {
		log.Fatalf(ctx, err, "sync trigger registrations")
	}

	for _, c := range consumers {
		if err := c.Start(ctx); err != nil {
			log.Fatalf(ctx, err, "start queue consumer")
		}
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start trigger scheduler")
	}
	if err := jan.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start janitor")
	}
	if err := subscriber.Start(ctx); err != nil {
		log.Fatalf(ctx, err, "start wake subscriber")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Printf(ctx, "shutting down worker %q", workerID)
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		sched.Stop()
		jan.Stop()
		for i := len(consumers) - 1; i >= 0; i-- {
			consumers[i].Stop(sctx)
		}
		subscriber.Stop(sctx)
		if err := node.Close(sctx); err != nil {
			log.Printf(ctx, "failed to close pool node: %v", err)
		}
		regs.Close()
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}
