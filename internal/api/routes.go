package api

import (
	"github.com/gin-gonic/gin"

	"github.com/tokenwatch/price-oracle/internal/api/handlers"
	"github.com/tokenwatch/price-oracle/internal/database"
	"github.com/tokenwatch/price-oracle/internal/monitor"
	"github.com/tokenwatch/price-oracle/internal/resolver"
	"github.com/tokenwatch/price-oracle/internal/store"
)

func SetupRoutes(router *gin.Engine, db *database.PostgresDB, redis *database.RedisClient,
	workers handlers.WorkerStats, st *store.Store, res *resolver.Resolver, mon *monitor.Monitor) {

	healthHandler := handlers.NewHealthHandler(db, redis, workers, mon)
	marketHandler := handlers.NewMarketHandler(st, res)

	router.GET("/ping", healthHandler.GetPing)
	router.GET("/health", healthHandler.GetHealth)
	router.GET("/beat/health", healthHandler.GetBeatHealth)

	v1 := router.Group("/api/v1")
	{
		market := v1.Group("/market")
		{
			market.GET("/price", marketHandler.GetPrice)
			market.GET("/prices", marketHandler.GetPrices)
			market.GET("/observations", marketHandler.GetObservations)
		}
	}
}
