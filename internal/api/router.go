package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/greyfinance/settlement-bridge/internal/api/handler"
	"github.com/greyfinance/settlement-bridge/internal/api/middleware"
	"github.com/greyfinance/settlement-bridge/internal/api/spec"
	"github.com/greyfinance/settlement-bridge/internal/config"
	"github.com/greyfinance/settlement-bridge/internal/idempotency"
	"github.com/greyfinance/settlement-bridge/internal/service"
)

// Router wires the HTTP surface: public webhook and operational endpoints
// plus the authenticated settlement API.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *pgxpool.Pool
	idemStore *idempotency.Store
	redis     redis.Cmdable

	settlements  *service.SettlementService
	webhooks     *service.WebhookService
	verification *service.VerificationService
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	db *pgxpool.Pool,
	idemStore *idempotency.Store,
	redisClient redis.Cmdable,
	settlements *service.SettlementService,
	webhooks *service.WebhookService,
	verification *service.VerificationService,
) *Router {
	return &Router{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		idemStore:    idemStore,
		redis:        redisClient,
		settlements:  settlements,
		webhooks:     webhooks,
		verification: verification,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))

	settlementHandler := handler.NewSettlementHandler(api.settlements)
	accountHandler := handler.NewAccountHandler(api.settlements)
	webhookHandler := handler.NewWebhookHandler(api.webhooks)
	verifyHandler := handler.NewVerifyHandler(api.verification)
	healthHandler := handler.NewHealthHandler(api.db, api.redis)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))

		r.Post("/v1/webhooks/settlement", webhookHandler.HandleSettlementEvent)
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/health/live", healthHandler.Live)
		r.Get("/health/ready", healthHandler.Ready)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/openapi.yaml"),
	))
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/swagger/index.html", http.StatusMovedPermanently)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.With(middleware.IdempotencyMiddleware(api.idemStore, api.logger)).
			Post("/v1/settlements", settlementHandler.Initiate)
		r.Post("/v1/settlements/{id}/cancel", settlementHandler.Cancel)
		r.Get("/v1/settlements/{id}", settlementHandler.Get)
		r.Get("/v1/accounts/{id}/balance", accountHandler.GetBalance)
		r.Get("/v1/accounts/{id}/settlements", accountHandler.ListSettlements)
		r.Post("/v1/deposits/verify", verifyHandler.VerifyDeposit)
	})

	return r
}
