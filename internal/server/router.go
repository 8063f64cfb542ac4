package server

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"

	"github.com/abduss/pkgvault/internal/auth"
	"github.com/abduss/pkgvault/internal/config"
	"github.com/abduss/pkgvault/internal/metrics"
	"github.com/abduss/pkgvault/internal/software"
)

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config          config.Config
	DB              *pgxpool.Pool
	ObjectStore     *minio.Client // nil when the local storage backend is active
	AuthService     *auth.Service
	SoftwareService *software.Service
}

// NewRouter builds a Gin engine with foundational middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	registerHealthRoutes(router, deps)
	metrics.Register(router, deps.Config.Metrics.PrometheusPath)

	api := router.Group("/v1")
	if deps.AuthService != nil {
		auth.RegisterRoutes(api, deps.AuthService)

		protected := api.Group("/")
		protected.Use(auth.AuthMiddleware(deps.AuthService))

		if deps.SoftwareService != nil {
			software.RegisterRoutes(protected, deps.SoftwareService)

			admin := protected.Group("/admin")
			admin.Use(auth.AdminMiddleware())
			software.RegisterAdminRoutes(admin, deps.SoftwareService)
		}
	}

	return router
}
