package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	apihttp "github.com/vladislavdragonenkov/subplat/internal/api/http"
	"github.com/vladislavdragonenkov/subplat/internal/cache"
	"github.com/vladislavdragonenkov/subplat/internal/domain"
	"github.com/vladislavdragonenkov/subplat/internal/messaging/kafka"
	paypalgw "github.com/vladislavdragonenkov/subplat/internal/payments/paypal"
	stripegw "github.com/vladislavdragonenkov/subplat/internal/payments/stripe"
	"github.com/vladislavdragonenkov/subplat/internal/service/cart"
	"github.com/vladislavdragonenkov/subplat/internal/service/cartmanager"
	"github.com/vladislavdragonenkov/subplat/internal/service/checkout"
	"github.com/vladislavdragonenkov/subplat/internal/service/currency"
	"github.com/vladislavdragonenkov/subplat/internal/service/eligibility"
	"github.com/vladislavdragonenkov/subplat/internal/service/geo"
	"github.com/vladislavdragonenkov/subplat/internal/service/janitor"
	"github.com/vladislavdragonenkov/subplat/internal/service/outbox"
	"github.com/vladislavdragonenkov/subplat/internal/storage/memory"
	"github.com/vladislavdragonenkov/subplat/internal/storage/postgres"
)

// Dependencies содержит собранный граф зависимостей приложения.
type Dependencies struct {
	Carts    domain.CartRepository
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository

	Manager     cartmanager.Manager
	Checkout    checkout.Service
	CartService cart.Service

	Handler      *apihttp.Handler
	OutboxWorker *outbox.Worker
	Janitor      *janitor.Worker

	// Store и Redis nil для memory-конфигурации; используются для health checks.
	Store *postgres.Store
	Redis *redis.Client

	Producer *kafka.Producer
	Logger   *log.Entry
}

// NewDependencies создаёт и связывает все зависимости приложения по конфигу.
// NOTE: PayPal billing agreements обслуживаются mock-клиентом; для production
// его нужно заменить на клиент реального PayPal API.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{Logger: logger}

	switch cfg.StorageBackend {
	case StoragePostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.Store = store
		deps.Carts = postgres.NewCartRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		logger.Info("postgres storage initialized")
	case StorageMemory:
		deps.Carts = memory.NewCartRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		logger.Info("in-memory storage initialized")
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if cfg.StripeAPIKey == "" {
		logger.Warn("stripe api key is empty, payment calls will fail")
	}
	paypalClient := paypalgw.NewMockClient()
	stripeAdapter := stripegw.NewAdapter(cfg.StripeAPIKey, paypalClient, logger.WithField("component", "stripe"))

	eligibilityChecker := eligibility.NewChecker(stripeAdapter, stripeAdapter, logger.WithField("component", "eligibility"))
	currencyResolver := currency.NewResolver()

	var fallbackAddr *domain.TaxAddress
	if cfg.DefaultTaxCountry != "" {
		fallbackAddr = &domain.TaxAddress{CountryCode: strings.ToUpper(cfg.DefaultTaxCountry)}
	}
	geoResolver := geo.NewResolver(nil, fallbackAddr, logger.WithField("component", "geo"))

	checkoutGateways := checkout.Gateways{
		Customers:     stripeAdapter,
		Catalog:       stripeAdapter,
		Invoices:      stripeAdapter,
		Subscriptions: stripeAdapter,
		Intents:       stripeAdapter,
		Promotions:    stripeAdapter,
		Eligibility:   eligibilityChecker,
		Currencies:    currencyResolver,
		Paypal:        paypalClient,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		profiles := cache.NewProfileCache(rdb, logger.WithField("component", "profile-cache"))
		deps.Redis = rdb
		checkoutGateways.Profiles = profiles
		logger.WithField("addr", cfg.RedisAddr).Info("profile cache initialized")
	}

	deps.Manager = cartmanager.NewManager(deps.Carts, deps.Outbox, deps.Timeline, logger.WithField("component", "cartmanager"))
	deps.Checkout = checkout.NewService(deps.Manager, checkoutGateways, logger.WithField("component", "checkout"))
	deps.CartService = cart.NewService(deps.Manager, deps.Checkout, cart.Gateways{
		Customers:      stripeAdapter,
		Catalog:        stripeAdapter,
		Invoices:       stripeAdapter,
		Subscriptions:  stripeAdapter,
		PaymentMethods: stripeAdapter,
		Promotions:     stripeAdapter,
		Eligibility:    eligibilityChecker,
		Currencies:     currencyResolver,
		Geo:            geoResolver,
	}, logger.WithField("component", "cart"))

	deps.Handler = apihttp.NewHandler(deps.CartService, deps.Timeline, logger.WithField("component", "http"))

	deps.Janitor = janitor.NewWorker(
		deps.Carts,
		deps.CartService,
		janitor.WithLogger(logger.WithField("component", "cart-janitor")),
		janitor.WithMaxAge(cfg.StaleCartAge),
	)

	// Kafka опциональна: без брокеров события копятся в outbox,
	// их можно опубликовать позже, подняв сервис с KAFKA_BROKERS.
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		producer, err := kafka.NewProducer(brokers)
		if err != nil {
			logger.WithError(err).Warn("kafka unavailable, outbox publishing disabled")
		} else {
			logger.WithField("brokers", brokers).Info("kafka producer initialized")
			deps.Producer = producer
			deps.OutboxWorker = outbox.NewWorker(
				deps.Outbox,
				kafka.NewOutboxPublisher(producer, kafka.TopicCartEvents),
				outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
				outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			)
		}
	}

	return deps, nil
}

// Close освобождает внешние ресурсы в обратном порядке инициализации.
func (d *Dependencies) Close() {
	if d.CartService != nil {
		d.CartService.Close()
	}

	if d.Producer != nil {
		if err := d.Producer.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close kafka producer")
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.Logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}
