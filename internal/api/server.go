// Package api exposes the broker's HTTP surface: invoice creation, the two
// forwarding entrypoints, and the operational read endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"blinkpos-broker/internal/claim"
	"blinkpos-broker/internal/exchange"
	"blinkpos-broker/internal/forwarding"
	"blinkpos-broker/internal/hotcache"
	"blinkpos-broker/internal/intent"
	"blinkpos-broker/internal/metrics"
	"blinkpos-broker/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// InvoiceCreator creates an invoice on the broker's own wallet. Satisfied by
// provider.Client.
type InvoiceCreator interface {
	CreateBrokerInvoice(ctx context.Context, amountSats int64, memo string) (*forwarding.Invoice, error)
}

// Config carries the request-level knobs; everything else arrives as a
// collaborator.
type Config struct {
	Port             string
	RequestTimeout   time.Duration
	IntentTTL        time.Duration
	MaxTipRecipients int
	WebhookSecrets   map[intent.Environment]string
	EncryptNWCURI    func(plaintext string) (string, error)
	DevelopmentMode  bool
}

// Server wires the ingress handlers to the claim/plan/execute pipeline.
type Server struct {
	Router *gin.Engine

	cfg      Config
	claimer  *claim.Claimer
	store    intent.Store
	events   intent.EventStore
	executor *forwarding.Executor
	invoicer func(env intent.Environment) InvoiceCreator
	mirror   hotcache.Mirror
	rates    *exchange.Service
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	clock    clock.Clock
	health   func(ctx context.Context) error
}

// Deps groups the server's collaborators so NewServer stays readable.
type Deps struct {
	Claimer  *claim.Claimer
	Store    intent.Store
	Events   intent.EventStore
	Executor *forwarding.Executor
	Invoicer func(env intent.Environment) InvoiceCreator
	Mirror   hotcache.Mirror
	Rates    *exchange.Service
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Clock    clock.Clock
	Health   func(ctx context.Context) error
}

func NewServer(cfg Config, deps Deps) *Server {
	mirror := deps.Mirror
	if mirror == nil {
		mirror = hotcache.Noop{}
	}
	s := &Server{
		cfg:      cfg,
		claimer:  deps.Claimer,
		store:    deps.Store,
		events:   deps.Events,
		executor: deps.Executor,
		invoicer: deps.Invoicer,
		mirror:   mirror,
		rates:    deps.Rates,
		metrics:  deps.Metrics,
		registry: deps.Registry,
		clock:    deps.Clock,
		health:   deps.Health,
	}
	s.Router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if !s.cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	engine.POST("/invoice", s.createInvoice)
	engine.POST("/forward/client", s.forwardClient)
	engine.POST("/forward/webhook", s.forwardWebhook)

	engine.GET("/rate", s.getRate)
	engine.GET("/healthz", s.healthz)
	engine.GET("/stats", s.getStats)
	engine.GET("/intents/:hash/events", s.getIntentEvents)

	if s.registry != nil {
		engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	return engine
}

// requestLogger logs one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
		} else {
			logger.Debug("Request handled", fields...)
		}
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Router,
		ReadTimeout:  s.cfg.RequestTimeout,
		WriteTimeout: s.cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getRate(c *gin.Context) {
	if s.rates == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rate provider not configured"})
		return
	}
	rate, err := s.rates.GetRate(c.Request.Context(), c.Query("currency"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rate)
}

func (s *Server) getStats(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = parsed
	}

	stats, err := s.store.Stats(c.Request.Context(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getIntentEvents(c *gin.Context) {
	hash := c.Param("hash")
	events, err := s.events.ListEvents(c.Request.Context(), hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_hash": hash, "events": events})
}
