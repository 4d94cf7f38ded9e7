package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tetrix-ml/autotrain/internal/handlers"
)

type RouterConfig struct {
	EventsHandler   *handlers.EventsHandler
	TrainingHandler *handlers.TrainingHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/events/storage", cfg.EventsHandler.StorageEvent)

		api.POST("/processors/:id/training/check", cfg.TrainingHandler.Check)
		api.GET("/processors/:id/training/status", cfg.TrainingHandler.Status)
		api.GET("/processors/:id/training/stats", cfg.TrainingHandler.Stats)
		api.GET("/processors/:id/batches", cfg.TrainingHandler.ListBatches)

		api.POST("/batches/:id/cancel", cfg.TrainingHandler.CancelBatch)
	}

	return router
}
