package main

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"orderflow/internal/handler"
	"orderflow/internal/middleware"
	"orderflow/pkg/degrade"
	"orderflow/pkg/limiter"
)

// orderIntakeScope is the degrade switch that pauses order placement
const orderIntakeScope = "order-intake"

func setupRouter(a *app) *gin.Engine {
	cfg := a.cfg
	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.Tracing(a.tracer))
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics(a.metrics))
	if cfg.Security.CORS.Enabled {
		router.Use(middleware.CORS(middleware.CORSConfig{
			AllowOrigins:     cfg.Security.CORS.AllowOrigins,
			AllowMethods:     cfg.Security.CORS.AllowMethods,
			AllowHeaders:     cfg.Security.CORS.AllowHeaders,
			ExposeHeaders:    cfg.Security.CORS.ExposeHeaders,
			AllowCredentials: cfg.Security.CORS.AllowCredentials,
			MaxAge:           time.Duration(cfg.Security.CORS.MaxAge) * time.Second,
		}))
	}

	healthHandler := handler.NewHealthHandler(version, a.checks)
	router.GET("/health", healthHandler.Health)
	router.GET("/ping", healthHandler.Ping)
	if a.metrics != nil {
		router.GET(cfg.Metrics.Path, gin.WrapH(a.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	if cfg.RateLimit.Enabled {
		v1.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Limiter: limiter.NewTokenBucketLimiter(rate.Limit(cfg.RateLimit.Global.RPS), cfg.RateLimit.Global.Burst),
			KeyFunc: middleware.Global,
		}))
		if a.redis != nil {
			v1.Use(middleware.RateLimit(middleware.RateLimitConfig{
				Limiter: limiter.NewSlidingWindowLimiter(a.redis, cfg.RateLimit.PerIP.Limit, cfg.RateLimit.PerIP.Window),
				KeyFunc: middleware.ByIP,
			}))
		}
	}

	auth := middleware.Auth(newJWTManager(cfg).ValidateToken)

	if a.orders != nil {
		orderHandler := handler.NewOrderHandler(a.orders, a.saga)

		orders := v1.Group("/orders")
		orders.Use(auth)
		if cfg.RateLimit.Enabled && a.redis != nil {
			orders.Use(middleware.RateLimit(middleware.RateLimitConfig{
				Limiter: limiter.NewSlidingWindowLimiter(a.redis, cfg.RateLimit.PerCustomer.Limit, cfg.RateLimit.PerCustomer.Window),
				KeyFunc: middleware.ByCustomer,
			}))
		}
		if a.redis != nil {
			orders.POST("", middleware.Degrade(degrade.NewManager(a.redis), orderIntakeScope), orderHandler.CreateOrder)
		} else {
			orders.POST("", orderHandler.CreateOrder)
		}
		orders.GET("", orderHandler.ListOrders)
		orders.GET("/:id", orderHandler.GetOrder)
		orders.GET("/:id/items", orderHandler.GetOrderItems)
		orders.POST("/:id/cancel", orderHandler.CancelOrder)
		orders.POST("/:id/refund", orderHandler.RequestRefund)
	}

	if a.payments != nil {
		paymentHandler := handler.NewPaymentHandler(a.payments)

		payments := v1.Group("/payments")
		payments.Use(auth)
		payments.GET("/:order_id", paymentHandler.GetPayment)
	}

	if a.inventory != nil {
		inventoryHandler := handler.NewInventoryHandler(a.inventory)

		inv := v1.Group("/inventory")
		inv.POST("/check", inventoryHandler.CheckAvailability)
		inv.GET("/:product_id", inventoryHandler.GetInventory)
		inv.PUT("/:product_id", inventoryHandler.UpsertInventory)
	}

	return router
}
