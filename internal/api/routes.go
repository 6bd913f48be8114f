package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"eventcert/internal/api/middleware"
	"eventcert/internal/auth"
	"eventcert/internal/certificate"
	"eventcert/internal/config"
	"eventcert/internal/roster"
)

// Deps carries everything the handlers are built from.
type Deps struct {
	Config      *config.Config
	DB          *gorm.DB
	Queue       taskEnqueuer
	Store       objectStore
	AuthService *auth.AuthService
	Redis       redis.UniversalClient
	Generator   *certificate.Generator
	Logger      *slog.Logger
}

// RegisterRoutes registers the API under /v1.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	cfg := deps.Config
	rosterSource := roster.NewSource(deps.DB)

	authHandler := NewAuthHandler(deps.DB, deps.AuthService, deps.Redis, deps.Logger, cfg.Auth, cfg.API.CookieDomain)
	wsHandler := NewWsHandler(deps.Redis, deps.AuthService, deps.Logger, cfg.API.Origins())
	templateHandler := NewTemplateHandler(deps.Store, newVirusScanner(cfg.Clamd.Addr), cfg.API.MaxUploadBytes)
	designHandler := NewDesignHandler(deps.Store, rosterSource, deps.Generator, cfg.API.MaxUploadBytes, cfg.API.VerifyBaseURL)
	batchHandler := NewBatchHandler(deps.DB, deps.Queue, deps.Store, rosterSource, cfg.Worker.MaxRetry)
	eventHandler := NewEventHandler(rosterSource)

	authMiddleware := middleware.AuthMiddleware(deps.AuthService)
	passwordGate := middleware.RequirePasswordChangeCompleted()
	canView := middleware.RequirePermission(auth.PermView)
	canGenerate := middleware.RequirePermission(auth.PermGenerate)
	canMail := middleware.RequirePermission(auth.PermMail)

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)
		v1.GET("/public/certificates/:certId/verify", batchHandler.Verify)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
			authGroup.POST("/password", authMiddleware, authHandler.ChangePassword)
		}

		protected := v1.Group("")
		protected.Use(authMiddleware, passwordGate)

		events := protected.Group("/events", canView)
		{
			events.GET("", eventHandler.List)
			events.GET("/:id/participants", eventHandler.Participants)
		}

		templates := protected.Group("/templates")
		{
			templates.POST("", canGenerate, templateHandler.Upload)
			templates.GET("/url", canView, templateHandler.URL)
		}

		designs := protected.Group("/designs", canGenerate)
		{
			designs.GET("/variables", designHandler.Variables)
			designs.POST("/apply", designHandler.Apply)
			designs.POST("/csv", designHandler.UploadCSV)
			designs.POST("/validate", designHandler.Validate)
			designs.POST("/preview", designHandler.Preview)
		}

		batches := protected.Group("/certificates/batches")
		{
			batches.POST("", canGenerate, batchHandler.Create)
			batches.GET("", canView, batchHandler.List)
			batches.GET("/:id", canView, batchHandler.Get)
			batches.GET("/:id/records", canView, batchHandler.Records)
			batches.GET("/:id/zip", canView, batchHandler.Archive)
			batches.POST("/:id/regenerate", canGenerate, batchHandler.Regenerate)
			batches.POST("/:id/mail", canMail, batchHandler.Mail)
			batches.DELETE("/:id", canGenerate, batchHandler.Delete)
		}

		protected.GET("/certificates/:certId/download", canView, batchHandler.DownloadLink)
	}
}
