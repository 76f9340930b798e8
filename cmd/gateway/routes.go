package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"approvia-system/config"
	"approvia-system/internal/database"
	"approvia-system/internal/gateway/handlers"
	"approvia-system/internal/gateway/middleware"
	"approvia-system/internal/services/approval/handler"
)

func main() {
	cfg := config.LoadConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	redisClient := config.NewRedisClient(cfg.Redis)
	defer redisClient.Close()

	db, err := database.NewConnection(cfg.DB.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to db: %v", err)
	}

	if err := database.MigrateApprovalDB(db); err != nil {
		log.Fatalf("Failed to migrate approval database: %v", err)
	}
	if err := database.SeedTierSettings(db); err != nil {
		log.Fatalf("Failed to seed tier settings: %v", err)
	}

	approvalHandler := handler.NewApprovalHandler(db, redisClient, logger)
	httpHandler := handlers.NewApprovalHTTPHandler(approvalHandler)

	go runTimeoutSweep(approvalHandler, cfg.Sweep.Interval, logger)

	r := gin.Default()
	r.Use(cors.Default())
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimit())

	api := r.Group("/api/v1")
	api.Use(middleware.JWTAuth())
	{
		requests := api.Group("/requests")
		{
			requests.POST("", httpHandler.CreateRequest)
			requests.GET("/pending", httpHandler.ListPending)
			requests.GET("/:id", httpHandler.GetRequest)
			requests.POST("/:id/cancel", httpHandler.CancelRequest)
			requests.POST("/:id/approve", httpHandler.ApproveRequest)
			requests.POST("/:id/deny", httpHandler.DenyRequest)
			requests.POST("/:id/counter", httpHandler.CreateCounterOffer)
			requests.POST("/:id/counter/accept", httpHandler.AcceptCounterOffer)
			requests.POST("/:id/counter/decline", httpHandler.DeclineCounterOffer)
		}

		batches := api.Group("/batches")
		{
			batches.POST("", httpHandler.CreateBatch)
			batches.GET("/:id", httpHandler.GetBatch)
			batches.POST("/:id/approve", httpHandler.ApproveBatch)
			batches.POST("/:id/deny", httpHandler.DenyBatch)
			batches.POST("/:id/consume", httpHandler.ConsumeBatchTokens)
		}

		tokens := api.Group("/tokens")
		{
			tokens.POST("/consume", httpHandler.ConsumeToken)
		}

		delegations := api.Group("/delegations")
		{
			delegations.POST("", httpHandler.CreateDelegation)
			delegations.GET("", httpHandler.ListDelegations)
			delegations.POST("/:id/revoke", httpHandler.RevokeDelegation)
			delegations.GET("/eligible", httpHandler.ListEligibleDelegates)
		}

		managers := api.Group("/managers")
		{
			managers.GET("/tier/:tier", httpHandler.ListAvailableManagers)
			managers.GET("/:id/stats", httpHandler.ManagerDailyStats)
		}

		api.GET("/products/:productId/history", httpHandler.ProductHistory)
		api.POST("/offline/sync", httpHandler.SyncOffline)

		tiers := api.Group("/tiers")
		{
			tiers.GET("", httpHandler.ListTiers)
			tiers.PUT("", httpHandler.UpdateTier)
		}
	}

	log.Printf(" 🏷️  Approval gateway listening on :%s", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runTimeoutSweep periodically expires requests whose tier timeout elapsed
// without a decision.
func runTimeoutSweep(approvalHandler *handler.ApprovalHandler, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if _, err := approvalHandler.SweepTimeouts(ctx); err != nil {
			logger.Warn("timeout sweep failed", zap.Error(err))
		}
		cancel()
	}
}
