package router

import (
	"context"
	"net/http"

	"github.com/cuongbtq/neptis/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// HealthChecker reports whether the backing database answers
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config wires the router
type Config struct {
	Handlers   *handler.Dependencies
	Users      UserStore
	UserHeader string
	Health     HealthChecker

	// Metrics and MetricsHandler are optional
	Metrics        RequestRecorder
	MetricsHandler http.Handler
	MetricsPath    string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(cfg *Config) *gin.Engine {
	logger := cfg.Handlers.Logger

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware(cfg.UserHeader))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	r.GET("/health", func(c *gin.Context) {
		if cfg.Health != nil {
			if err := cfg.Health.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "neptis",
		})
	})

	if cfg.MetricsHandler != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(cfg.MetricsHandler))
	}

	volumeHandler := handler.NewVolumeHandler(cfg.Handlers)
	jobHandler := handler.NewJobHandler(cfg.Handlers)
	fileHandler := handler.NewFileHandler(cfg.Handlers)
	userHandler := handler.NewUserHandler(cfg.Handlers)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.Users, cfg.UserHeader, logger))
	{
		volumes := v1.Group("/volumes")
		{
			volumes.GET("", volumeHandler.ListVolumes)
			volumes.GET("/:name", volumeHandler.GetVolume)
			volumes.PUT("/:name", volumeHandler.PutVolume)
			volumes.DELETE("/:name", volumeHandler.DeleteVolume)

			volumes.POST("/:name/backup", jobHandler.Backup)
			volumes.POST("/:name/restore", jobHandler.Restore)
			volumes.GET("/:name/jobs", jobHandler.ListJobs)
		}

		v1.GET("/jobs/:job_id", jobHandler.GetJob)

		fs := v1.Group("/files")
		{
			fs.GET("/browse", fileHandler.Browse)
			fs.GET("/dump", fileHandler.Dump)
			fs.POST("", fileHandler.CreateFile)
			fs.PUT("", fileHandler.UpdateFile)
			fs.DELETE("", fileHandler.DeleteFile)

			fs.GET("/xattrs", fileHandler.ListXattrs)
			fs.PUT("/xattrs", fileHandler.SetXattr)
			fs.DELETE("/xattrs", fileHandler.RemoveXattr)
		}

		users := v1.Group("/users")
		{
			users.GET("", userHandler.ListUsers)
			users.GET("/:name", userHandler.GetUser)
			users.POST("", userHandler.CreateUser)
			users.PUT("/:name", userHandler.UpdateUser)
			users.DELETE("/:name", userHandler.DeleteUser)
		}
	}

	return r
}
