package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blinkpos-broker/config"
	"blinkpos-broker/internal/api"
	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/crypto"
	"blinkpos-broker/internal/database"
	"blinkpos-broker/internal/exchange"
	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/internal/janitor"
	"blinkpos-broker/internal/lnd"
	"blinkpos-broker/internal/lnurl"
	"blinkpos-broker/internal/metrics"
	"blinkpos-broker/internal/nwc"
	"blinkpos-broker/internal/provider"
	"blinkpos-broker/pkg/cache"
	"blinkpos-broker/pkg/logger"
	"blinkpos-broker/pkg/queue"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultConfigPath = "config/broker.toml"

var errNWCDisabled = errors.New("nwc destinations are not configured")

func main() {
	if err := logger.Init(logger.GetEnv()); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfgPath := config.Path(defaultConfigPath)
	if fromEnv := os.Getenv("BLINKPOS_CONFIG"); fromEnv != "" {
		cfgPath = config.Path(fromEnv)
	}

	var cfg config.BrokerConfig
	if err := config.Load(cfgPath, &cfg); err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", cfgPath.ToString()), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	db, err := database.NewDB(database.Config(cfg.Database))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	systemClock := clock.NewDefaultClock()
	grace := time.Duration(cfg.Forwarding.ProcessingTTLMinutes) * time.Minute
	store := database.NewIntentRepository(db, systemClock, grace)
	events := database.NewEventRepository(db, systemClock)

	// Hot cache and event stream, both optional.
	var (
		mirror    hotcache.Mirror = hotcache.Noop{}
		publisher claim.EventPublisher
		redisC    *cache.Client
	)
	if cfg.Redis.Enabled {
		redisC, err = cache.New(cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisC.Close()
		mirror = hotcache.NewRedisMirror(redisC)
		publisher = queue.NewStreamQueue(redisC.Redis())
	}

	claimer := claim.NewClaimer(store, events, mirror, publisher, systemClock)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Per-environment provider adapters.
	prodProvider := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.ProductionURL,
		BrokerAPIKey:   cfg.Provider.ProductionAPIKey,
		BrokerWalletID: cfg.Provider.ProductionWalletID,
	}, nil)
	stagingProvider := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.StagingURL,
		BrokerAPIKey:   cfg.Provider.StagingAPIKey,
		BrokerWalletID: cfg.Provider.StagingWalletID,
	}, nil)

	lnurlResolver := lnurl.NewClient(nil)
	nwcClient := nwc.NewClient(0)

	// With a local node the production payout leg settles over our own
	// channels instead of the provider's payment API.
	var prodPayer forwarding.ProviderAdapter = prodProvider
	if cfg.LND.Enabled {
		node, err := lnd.NewClient(lnd.Config{
			GRPCHost:              cfg.LND.GRPCHost,
			GRPCPort:              cfg.LND.GRPCPort,
			TLSCertPath:           cfg.LND.TLSCertPath,
			MacaroonPath:          cfg.LND.MacaroonPath,
			PaymentTimeoutSeconds: cfg.LND.PaymentTimeoutSeconds,
			MaxPaymentFeeSats:     cfg.LND.MaxPaymentFeeSats,
		})
		if err != nil {
			logger.Fatal("Failed to connect to LND", zap.Error(err))
		}
		defer node.Close()
		prodPayer = lnd.NewNodeAdapter(prodProvider, node, cfg.LND.MaxPaymentFeeSats)
	}

	adapterSource := func(env intent.Environment) forwarding.Adapters {
		if env == intent.Staging {
			return forwarding.Adapters{Provider: stagingProvider, LNURL: lnurlResolver, NWC: nwcClient}
		}
		return forwarding.Adapters{Provider: prodPayer, LNURL: lnurlResolver, NWC: nwcClient}
	}

	// NWC URIs are encrypted at rest; without a key NWC destinations are
	// rejected at the invoice API.
	var (
		encryptURI func(string) (string, error)
		decryptURI = func(string) (string, error) {
			return "", errNWCDisabled
		}
	)
	if cfg.NWC.EncryptionKeyHex != "" {
		key, err := crypto.KeyFromHex(cfg.NWC.EncryptionKeyHex)
		if err != nil {
			logger.Fatal("Invalid NWC encryption key", zap.Error(err))
		}
		encryptURI = func(plaintext string) (string, error) { return crypto.Encrypt(plaintext, key) }
		decryptURI = func(ciphertext string) (string, error) { return crypto.Decrypt(ciphertext, key) }
	}

	executor := forwarding.NewExecutor(claimer, adapterSource, decryptURI, m)

	rateProvider, err := exchange.NewProvider(cfg.Exchange.Provider, "", nil)
	if err != nil {
		logger.Fatal("Failed to build rate provider", zap.Error(err))
	}
	rates := exchange.NewService(rateProvider, systemClock, time.Minute)

	// Janitor.
	interval := time.Duration(cfg.Forwarding.JanitorIntervalMins) * time.Minute
	jan := janitor.New(store, claimer, mirror, systemClock, ticker.New(interval), m)
	go jan.Run(ctx)

	// HTTP surface.
	server := api.NewServer(api.Config{
		Port:             cfg.Server.Port,
		RequestTimeout:   time.Duration(cfg.Server.RequestTimeout) * time.Second,
		IntentTTL:        time.Duration(cfg.Forwarding.IntentTTLMinutes) * time.Minute,
		MaxTipRecipients: cfg.Forwarding.MaxTipRecipients,
		WebhookSecrets: map[intent.Environment]string{
			intent.Production: cfg.Webhook.ProductionSecret,
			intent.Staging:    cfg.Webhook.StagingSecret,
		},
		EncryptNWCURI:   encryptURI,
		DevelopmentMode: logger.GetEnv() == "development",
	}, api.Deps{
		Claimer:  claimer,
		Store:    store,
		Events:   events,
		Executor: executor,
		Invoicer: func(env intent.Environment) api.InvoiceCreator {
			if env == intent.Staging {
				return stagingProvider
			}
			return prodProvider
		},
		Mirror:   mirror,
		Rates:    rates,
		Metrics:  m,
		Registry: registry,
		Clock:    systemClock,
		Health: func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return err
			}
			if redisC != nil {
				return redisC.Ping(ctx)
			}
			return nil
		},
	})

	if err := server.Run(ctx); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
