package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/catalog-enricher/internal/api/handler"
)

// BasePath prefixes every catalog-enricher route
const BasePath = "/api/catalog-enricher"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(deps.Logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)

	api := r.Group(BasePath)
	{
		api.GET("/health", healthHandler.Health)

		merger := api.Group("/merger")
		{
			merger.POST("/targeted-enrichment", jobHandler.CreateTargetedEnrichment)
			merger.GET("/results", jobHandler.ListResults)
		}

		crawler := api.Group("/crawler")
		{
			crawler.GET("/active-jobs", jobHandler.ListActiveJobs)
			crawler.POST("/jobs/:job_id/stop", jobHandler.CancelJob)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/items", jobHandler.ListJobItems)
			jobs.GET("/:job_id/products", jobHandler.ListJobProducts)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
