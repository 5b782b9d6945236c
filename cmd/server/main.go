package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-inbox/internal/access"
	"whatsapp-inbox/internal/api"
	"whatsapp-inbox/internal/auth"
	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/logger"
	"whatsapp-inbox/internal/metrics"
	"whatsapp-inbox/internal/routing"
	"whatsapp-inbox/internal/store"
	"whatsapp-inbox/internal/webhook"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, warn := config.LoadConfig()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()
	if warn != nil {
		zl.Info("no .env file loaded, using process environment", zap.Error(warn))
	}
	if cfg.JWTSecret == "" {
		zl.Fatal("JWT_SECRET must be set")
	}

	phones, err := routing.FromConfig(cfg)
	if err != nil {
		zl.Fatal("Failed to load phone routing", zap.Error(err))
	}
	zl.Info("phone routing loaded", zap.Int("phones", len(phones.Entries())))

	db, err := database.Open(cfg)
	if err != nil {
		zl.Fatal("Failed to open database", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	conversations := store.New(db)
	evaluator := access.NewEvaluator(phones, zl.Named("access"), m)
	hub := ws.NewHub(evaluator, phones, zl.Named("ws"), m)
	whatsappClient := whatsapp.NewClient(cfg, zl.Named("whatsapp")).WithMetrics(m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Webhook Routes
	webhook.NewHandler(cfg.VerifyToken, conversations, hub, zl.Named("webhook")).Register(r)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Dashboard API Routes
	authenticated := auth.Middleware(cfg.JWTSecret)
	api.NewConversationHandler(conversations, evaluator, phones, whatsappClient, hub, zl.Named("api")).
		Register(r.Group("/api", authenticated))

	r.GET("/ws", authenticated, func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request, auth.CurrentEmployee(c))
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zl.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	zl.Info("Server starting", zap.String("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zl.Fatal("Failed to run server", zap.Error(err))
	}
}
