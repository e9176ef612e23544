package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"esign-workflow/internal/config"
	"esign-workflow/internal/db"
	"esign-workflow/internal/document"
	"esign-workflow/internal/group"
	"esign-workflow/internal/middleware"
	"esign-workflow/internal/notify"
	"esign-workflow/internal/render"
	"esign-workflow/internal/signing"
	"esign-workflow/internal/worker"
	"esign-workflow/pkg/logger"
	"esign-workflow/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	config.LoadConfig()

	zl, err := logger.NewLogger(config.AppConfig.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	// Connect to database
	if err := db.ConnectDb(zl); err != nil {
		zl.Fatal("Database unavailable", zap.Error(err))
	}
	defer db.CloseDb(zl)

	// Migrate database schema
	if err := db.Migrate(db.AppDb); err != nil {
		zl.Fatal("Migration failed", zap.Error(err))
	}

	// Redis is optional; cache and locks fall back to in-process
	redisClient := redis.InitRedis(zl)
	cache := redis.NewCache(redisClient, zl)
	locker := redis.NewLocker(redisClient, config.AppConfig.LockTTL)

	renderer := render.NewClient(config.AppConfig.RenderAddress, config.AppConfig.RenderTimeout)

	// Initialize services
	docService := document.NewService(document.NewRepository(db.AppDb), cache, locker, zl)
	signService := signing.NewService(
		signing.NewRepository(db.AppDb),
		docService,
		renderer,
		locker,
		cache,
		zl,
		config.AppConfig.AuditCacheTTL,
	)
	groupService := group.NewService(group.NewRepository(db.AppDb), docService, signService, locker, zl)

	// Initialize handlers
	docHandler := document.NewHandler(docService)
	signHandler := signing.NewHandler(signService)
	groupHandler := group.NewHandler(groupService)

	// Outbox dispatch
	var sender notify.Sender = notify.LogSender{Logger: zl}
	if config.AppConfig.WebhookURL != "" {
		sender = notify.NewWebhookClient(config.AppConfig.WebhookURL, config.AppConfig.WebhookSecret)
	}
	pool := worker.NewWorkerPool(config.AppConfig.DispatchWorkers, 100, zl)
	dispatcher := notify.NewDispatcher(db.AppDb, sender, pool, zl, config.AppConfig.OutboxInterval)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go dispatcher.Run(dispatchCtx)

	if config.AppConfig.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(zl), middleware.Recovery(zl), middleware.ErrorHandler(zl))

	// cors setting
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}

	if config.AppConfig.Environment == "development" {
		// Allow all origins in development
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{config.AppConfig.FrontendAddress}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Owner routes
	owner := router.Group("/", middleware.OwnerAuth())
	owner.POST("/documents", docHandler.Create)
	owner.GET("/documents", docHandler.ShowOwnerDocuments)
	owner.GET("/documents/:id", docHandler.ShowDocument)
	owner.POST("/documents/:id/versions", docHandler.CreateVersion)
	owner.GET("/versions/:id", docHandler.ShowVersion)
	owner.GET("/versions/:id/recipients", docHandler.ShowRecipients)
	owner.POST("/versions/:id/fields", docHandler.AddField)
	owner.POST("/versions/:id/lock", docHandler.Lock)
	owner.POST("/versions/:id/tokens", signHandler.Issue)
	owner.GET("/versions/:id/export", signHandler.Export)
	owner.PUT("/fields/:id", docHandler.UpdateField)
	owner.PATCH("/fields/:id/position", docHandler.MoveField)
	owner.DELETE("/fields/:id", docHandler.DeleteField)
	owner.POST("/tokens/:id/revoke", signHandler.Revoke)
	owner.GET("/events/:id/verify", signHandler.VerifyEvent)

	owner.POST("/groups", groupHandler.Create)
	owner.GET("/groups", groupHandler.List)
	owner.GET("/groups/:id", groupHandler.Show)
	owner.POST("/groups/:id/items", groupHandler.AddItem)
	owner.PUT("/groups/:id/order", groupHandler.Reorder)
	owner.POST("/groups/:id/lock", groupHandler.Lock)
	owner.POST("/groups/:id/sessions", groupHandler.CreateSession)
	owner.GET("/groups/:id/export", groupHandler.Export)
	owner.POST("/group-items/:id/lock", groupHandler.LockItem)
	owner.DELETE("/group-items/:id", groupHandler.DeleteItem)
	owner.POST("/sessions/:id/revoke", groupHandler.RevokeSession)

	// Public routes, the token in the path is the credential
	limiter := middleware.NewIPRateLimiter(config.AppConfig.SignRateLimit, config.AppConfig.SignRateBurst)
	public := router.Group("/", middleware.RateLimit(limiter))
	public.GET("/sign/:token", signHandler.Resolve)
	public.POST("/sign/:token", signHandler.Submit)
	public.GET("/session/:token", groupHandler.NextStep)
	public.POST("/session/:token/advance", groupHandler.Advance)
	public.POST("/audit/verify", signHandler.VerifyBundle)
	public.POST("/audit/verify-group", groupHandler.VerifyBundle)

	// Server configuration
	serverPort := config.AppConfig.ServerPort
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", serverPort),
		Handler: router.Handler(),
	}

	// Start server
	go func() {
		zl.Info("Server listening", zap.String("port", serverPort))
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			zl.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zl.Error("Server shutdown error", zap.Error(err))
	}
	stopDispatch()
	pool.Shutdown(ctx)

	zl.Info("Server shutdown complete")
}
