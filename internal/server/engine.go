package server

import (
	"log/slog"

	"github.com/dhis2-sre/dask-k8s/internal/middleware"
	"github.com/dhis2-sre/dask-k8s/pkg/health"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName names the control API in traces.
const ServiceName = "dask-k8s"

// GetEngine creates the Gin engine serving the control API. Routes of the individual packages are
// registered on the returned engine by the caller.
func GetEngine(logger *slog.Logger, basePath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddExposeHeaders(middleware.HeaderCorrelationID)
	r.Use(cors.New(corsConfig))

	r.Use(otelgin.Middleware(ServiceName))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.ErrorHandler())

	router := r.Group(basePath)
	router.GET("/health", health.Health)

	return r
}
