package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redisv9 "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"orderflow/internal/config"
	"orderflow/internal/consumer"
	"orderflow/internal/database"
	"orderflow/internal/event"
	"orderflow/internal/handler"
	"orderflow/internal/idempotency"
	"orderflow/internal/monitor"
	"orderflow/internal/outbox"
	"orderflow/internal/redis"
	"orderflow/internal/repository"
	"orderflow/internal/repository/memory"
	"orderflow/internal/service/inventory"
	"orderflow/internal/service/order"
	"orderflow/internal/service/payment"
	"orderflow/internal/utils"
	"orderflow/pkg/breaker"
	"orderflow/pkg/limiter"
	"orderflow/pkg/log"
	"orderflow/pkg/queue"
	"orderflow/pkg/snowflake"
)

const version = "1.0.0"

// storage is the persistence a process runs on: MySQL through gorm, or the in-memory
// store when database.driver is "memory".
type storage struct {
	tx           repository.Transactor
	orders       repository.OrderRepository
	inventories  repository.InventoryRepository
	reservations repository.ReservationRepository
	payments     repository.PaymentRepository
	outbox       repository.OutboxRepository
}

// app holds everything main starts and later stops
type app struct {
	cfg     *config.Config
	metrics *monitor.MetricsCollector
	tracer  *monitor.Tracer
	broker  queue.Queue
	redis   *redisv9.Client
	store   storage

	publisher event.Publisher
	relay     *outbox.Relay
	sweeper   *inventory.Sweeper
	consumers []*consumer.SagaConsumer

	inventory inventory.Service
	orders    order.OrderService
	saga      order.SagaService
	payments  payment.Service
	checks    map[string]handler.HealthCheck
}

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Fatal("Failed to load config")
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Service:    cfg.Tracing.ServiceName,
	}); err != nil {
		log.WithError(err).Fatal("Failed to initialize logger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize services")
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start saga services")
	}

	config.WatchConfig(func(updated *config.Config) {
		if err := log.SetLevel(updated.Log.Level); err != nil {
			log.WithError(err).Warn("Ignoring invalid log level from reloaded config")
		}
	})

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	server := &http.Server{
		Addr:           cfg.Server.GetAddr(),
		Handler:        setupRouter(a),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderMB << 20,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr":     server.Addr,
			"mode":     cfg.Server.Mode,
			"services": cfg.Saga.Services,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Error("Server forced to shutdown")
	}
	a.stop()
	cancel()

	log.Info("Server exited")
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, checks: map[string]handler.HealthCheck{}}

	if cfg.Metrics.Enabled {
		a.metrics = monitor.NewMetricsCollector(cfg.Metrics.Namespace)
	}
	tracer, err := monitor.NewTracer(&monitor.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Server.Mode,
		JaegerEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	a.tracer = tracer

	if err := a.openStorage(cfg); err != nil {
		return nil, err
	}

	client, err := redis.Init(cfg)
	switch {
	case err == nil:
		a.redis = client
		a.checks["redis"] = func(context.Context) error { return redis.Health() }
	case cfg.Database.Driver == "memory":
		log.WithError(err).Warn("Redis unavailable, running with in-process idempotency and no shared rate limits")
	default:
		return nil, err
	}

	qcfg := queue.Config(cfg.Queue)
	broker, err := queue.New(&qcfg)
	if err != nil {
		return nil, err
	}
	a.broker = broker

	// outbox rows are written inside the business transaction and relayed afterwards
	brokerPublisher := event.NewBrokerPublisher(broker).Instrument(a.tracer, a.metrics)
	if cfg.Saga.Outbox.Enabled {
		a.publisher = outbox.NewPublisher(a.store.outbox)
		a.relay = outbox.NewRelay(a.store.tx, a.store.outbox, brokerPublisher, a.metrics, outbox.RelayConfig{
			BatchSize:   cfg.Saga.Outbox.BatchSize,
			Interval:    cfg.Saga.Outbox.Interval,
			MaxAttempts: cfg.Saga.Outbox.MaxAttempts,
		})
	} else {
		a.publisher = brokerPublisher
	}

	if err := a.buildServices(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(cfg *config.Config) error {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using the in-memory store, state is lost on restart")
		store := memory.NewStore()
		a.store = storage{
			tx:           store,
			orders:       store.Orders(),
			inventories:  store.Inventories(),
			reservations: store.Reservations(),
			payments:     store.Payments(),
			outbox:       store.Outbox(),
		}
		return nil
	}

	db, err := database.Init(cfg)
	if err != nil {
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return err
		}
		if err := database.CreateIndexes(db); err != nil {
			log.WithError(err).Warn("Failed to create additional indexes")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		a.metrics.RegisterDB(sqlDB, cfg.Database.DBName)
	}
	a.checks["database"] = func(context.Context) error { return database.Health() }
	a.store = storage{
		tx:           repository.NewTransactor(db),
		orders:       repository.NewOrderRepository(db),
		inventories:  repository.NewInventoryRepository(db),
		reservations: repository.NewReservationRepository(db),
		payments:     repository.NewPaymentRepository(db),
		outbox:       repository.NewOutboxRepository(db),
	}
	return nil
}

func (a *app) idempotencyStore() idempotency.Store {
	if a.redis != nil {
		return idempotency.NewRedisStore(a.redis)
	}
	return idempotency.NewMemoryStore()
}

func (a *app) processor(service string) *idempotency.Processor {
	return idempotency.NewProcessor(a.idempotencyStore(), service, idempotency.Config{
		ProcessedTTL: a.cfg.Saga.Idempotency.ProcessedTTL,
		LockTTL:      a.cfg.Saga.Idempotency.LockTTL,
	})
}

// buildServices creates the services this process runs and a consumer for each
func (a *app) buildServices(ctx context.Context) error {
	saga := a.cfg.Saga
	routes := map[string]consumer.Routes{}

	// the inventory engine also answers availability checks for an in-process order service
	if saga.Runs(config.ServiceInventory) || (saga.Runs(config.ServiceOrder) && saga.Inventory.CheckURL == "") {
		svc, err := inventory.NewService(inventory.Deps{
			Tx:           a.store.tx,
			Inventories:  a.store.inventories,
			Reservations: a.store.reservations,
			Publisher:    a.publisher,
			Alerts:       a.processor("inventory-alerts"),
			Metrics:      a.metrics,
		}, inventory.Config{
			ReservationTTL: saga.Reservation.TTL,
			SweepBatchSize: saga.Reservation.SweepBatchSize,
			CacheTTL:       saga.Inventory.CacheTTL,
		})
		if err != nil {
			return err
		}
		if err := svc.LoadCatalog(ctx); err != nil {
			log.WithError(err).Warn("Failed to preload product catalog")
		}
		a.inventory = svc
	}
	if saga.Runs(config.ServiceInventory) {
		routes[config.ServiceInventory] = consumer.InventoryRoutes(a.inventory)
		var client redisv9.UniversalClient
		if a.redis != nil {
			client = a.redis
		}
		a.sweeper = inventory.NewSweeper(a.inventory, client, saga.Reservation.SweepInterval)
	}

	if saga.Runs(config.ServiceOrder) {
		gen, err := snowflake.NewIDGenerator(saga.NodeID)
		if err != nil {
			return err
		}
		var client order.InventoryClient = a.inventory
		if saga.Inventory.CheckURL != "" {
			client = order.NewHTTPInventoryClient(saga.Inventory.CheckURL, saga.Inventory.CheckTimeout)
		}
		a.orders = order.NewOrderService(a.store.tx, a.store.orders, client, a.publisher, gen)
		a.saga = order.NewSagaService(
			a.store.tx, a.store.orders, a.publisher, a.metrics,
			order.SagaConfig{KeepOrderOnFailure: saga.Payment.KeepOrderOnFailure},
		)
		routes[config.ServiceOrder] = consumer.OrderRoutes(a.saga)
	}

	if saga.Runs(config.ServicePayment) {
		var gateway payment.Gateway = payment.NewSimulatedGateway(1, 50*time.Millisecond)
		if a.cfg.CircuitBreak.Enabled {
			gateway = payment.NewGuardedGateway(gateway, breaker.Config{
				MaxRequests:  a.cfg.CircuitBreak.MaxRequests,
				Interval:     a.cfg.CircuitBreak.Interval,
				Timeout:      a.cfg.CircuitBreak.Timeout,
				MinRequests:  a.cfg.CircuitBreak.MinRequestCount,
				FailureRatio: a.cfg.CircuitBreak.FailureRatio,
			}, limiter.NewTokenBucketLimiter(rate.Limit(saga.Payment.GatewayRPS), saga.Payment.GatewayBurst), a.metrics)
		}
		a.payments = payment.NewService(
			a.store.tx, a.store.payments, gateway, a.publisher, a.metrics,
			payment.Config{MaxRetries: saga.Payment.MaxRetries, RefundMaxAttempts: saga.Refund.MaxAttempts},
		)
		routes[config.ServicePayment] = consumer.PaymentRoutes(a.payments)
	}

	if saga.Runs(config.ServiceNotification) {
		routes[config.ServiceNotification] = consumer.NotificationRoutes()
	}

	dlq := consumer.NewDeadLetterWriter(a.broker, a.metrics)
	for _, service := range []string{config.ServiceOrder, config.ServiceInventory, config.ServicePayment, config.ServiceNotification} {
		r, ok := routes[service]
		if !ok {
			continue
		}
		c, err := consumer.NewSagaConsumer(consumer.Config{
			Service:        service,
			MaxAttempts:    saga.Retry.MaxAttempts,
			InitialBackoff: saga.Retry.InitialBackoff,
			MaxBackoff:     saga.Retry.MaxBackoff,
		}, r, consumer.Deps{
			Subscriber: a.broker,
			Processor:  a.processor(service),
			DeadLetter: dlq,
			Tracer:     a.tracer,
			Metrics:    a.metrics,
		})
		if err != nil {
			return err
		}
		a.consumers = append(a.consumers, c)
	}
	return nil
}

// start runs the background loops. Consumers subscribe before the relay starts so the
// in-memory broker has a subscriber for the first relayed event.
func (a *app) start(ctx context.Context) error {
	for _, c := range a.consumers {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	if a.relay != nil {
		go a.relay.Start(ctx)
	}
	if a.sweeper != nil {
		a.sweeper.Start(ctx)
	}
	return nil
}

func (a *app) stop() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	for _, c := range a.consumers {
		c.Stop()
	}
}

func (a *app) close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			log.WithError(err).Warn("Failed to close broker")
		}
	}
	if a.redis != nil {
		_ = redis.Close()
	}
	if a.cfg.Database.Driver != "memory" {
		_ = database.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}
}

func newJWTManager(cfg *config.Config) *utils.JWTManager {
	return utils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, cfg.Security.JWT.Expire)
}
