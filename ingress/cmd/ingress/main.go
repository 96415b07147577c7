// Command ingress runs the webhook intake service: it terminates provider
// HTTP deliveries, persists them to the inbox and enqueues them for the
// worker, and serves the action approval and trigger event endpoints.
package main

import (
	"context"
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
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/proliferate-ai/proliferate/features/adapters"
	buspulse "github.com/proliferate-ai/proliferate/features/bus/pulse"
	gateway "github.com/proliferate-ai/proliferate/features/gateway/client"
	queuepulse "github.com/proliferate-ai/proliferate/features/queue/pulse"
	clientspulse "github.com/proliferate-ai/proliferate/features/queue/pulse/clients/pulse"
	"github.com/proliferate-ai/proliferate/features/store/postgres"
	"github.com/proliferate-ai/proliferate/ingress"
	"github.com/proliferate-ai/proliferate/providers"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/runtime/action"
	"github.com/proliferate-ai/proliferate/runtime/telemetry"
)

type config struct {
	HTTPAddr            string  `env:"HTTP_ADDR,default=:8080"`
	DatabaseURL         string  `env:"DATABASE_URL,required"`
	RedisURL            string  `env:"REDIS_URL,default=redis://localhost:6379/0"`
	PlatformAPIURL      string  `env:"PLATFORM_API_URL,required"`
	ServiceToken        string  `env:"SERVICE_TO_SERVICE_AUTH_TOKEN,required"`
	NangoSecretKey      string  `env:"NANGO_SECRET_KEY"`
	GitHubWebhookSecret string  `env:"GITHUB_APP_WEBHOOK_SECRET"`
	SlackBotToken       string  `env:"SLACK_BOT_TOKEN"`
	RatePerSecond       float64 `env:"INTAKE_RATE_PER_SECOND,default=50"`
	RateBurst           int     `env:"INTAKE_RATE_BURST,default=100"`
	MigrateOnBoot       bool    `env:"MIGRATE_ON_BOOT,default=true"`
	Debug               bool    `env:"DEBUG"`
}

// Validate rejects values the envconfig tags cannot catch. Negative rate
// settings would silently coerce to the service defaults.
func (c config) Validate() error {
	if c.RatePerSecond < 0 {
		return fmt.Errorf("INTAKE_RATE_PER_SECOND must not be negative, got %v", c.RatePerSecond)
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("INTAKE_RATE_BURST must not be negative, got %d", c.RateBurst)
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf(ctx, err, "connect postgres")
	}
	defer pool.Close()
	db, err := postgres.New(postgres.Options{Pool: pool})
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

	webhooks, err := queuepulse.NewQueue(queuepulse.QueueOptions{
		Client: pulseClient,
		Name:   queuepulse.QueueWebhooks,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build webhooks queue")
	}

	// The platform client doubles as the bearer token verifier for the
	// action decision endpoints.
	platform, err := gateway.New(gateway.Options{
		BaseURL:      cfg.PlatformAPIURL,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build platform client")
	}

	// Without a Nango key the proxy backed providers and adapters stay
	// unregistered and webhook verification fails closed.
	var nangoClient *nango.Client
	if cfg.NangoSecretKey != "" {
		nangoClient, err = nango.NewClient(nango.ClientOptions{SecretKey: cfg.NangoSecretKey})
		if err != nil {
			log.Fatalf(ctx, err, "build nango client")
		}
	}
	registry := providers.Registry(nangoClient)

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

	checker := health.NewChecker(db, clientspulse.NewPinger(rdb))

	svc, err := ingress.New(ingress.Options{
		Inbox:         db.Inbox(),
		Queue:         webhooks,
		Providers:     registry,
		Actions:       engine,
		Triggers:      db.Triggers(),
		Verifier:      platform,
		ServiceToken:  cfg.ServiceToken,
		NangoSecret:   cfg.NangoSecretKey,
		GitHubSecret:  cfg.GitHubWebhookSecret,
		Health:        health.Handler(checker),
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build ingress service")
	}

	mux := goahttp.NewMuxer()
	if cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	svc.Mount(mux)

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

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTPAddr)
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
