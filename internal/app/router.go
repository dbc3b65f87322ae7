package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/api/handlers"
	"reelbatch.io/orchestrator/internal/api/middleware"
	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

const (
	apiBasePath     = "/api/v1"
	tokenExpiresIn  = 24 * time.Hour
	corsMaxAge      = 12 * time.Hour
	defaultIssuer   = "reelbatch"
	wildcardOrigin  = "*"
	tracingFallback = "reelbatch-orchestrator"
)

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server, metricsHandler http.Handler, jwtCfg middleware.JWTConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))
	if cfg.Tracing.Enabled {
		serviceName := cfg.Tracing.ServiceName
		if serviceName == "" {
			serviceName = tracingFallback
		}
		router.Use(otelgin.Middleware(serviceName))
	}

	router.GET("/metrics", gin.WrapH(metricsHandler))

	public := router.Group(apiBasePath)
	api := public.Group("", middleware.JWTAuth(jwtCfg))
	admin := api.Group("", middleware.RequirePermission(middleware.PermissionCreditsAdmin))
	server.Register(public, api, admin)
	return router
}

// buildJWTConfig derives token validation settings from security config.
func buildJWTConfig(cfg *config.Config) middleware.JWTConfig {
	verificationKeys := make([][]byte, 0, len(cfg.Security.JWTVerificationKeys))
	for _, key := range cfg.Security.JWTVerificationKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		verificationKeys = append(verificationKeys, []byte(key))
	}
	issuer := cfg.Security.JWTIssuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return middleware.JWTConfig{
		SigningKey:       []byte(cfg.Security.JWTSigningKey),
		VerificationKeys: verificationKeys,
		Issuer:           issuer,
		ExpiresIn:        tokenExpiresIn,
	}
}

// buildCORSConfig never combines a wildcard origin with credentials.
func buildCORSConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        corsMaxAge,
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		logger.Warn("CORS allows all origins; credentials are disabled")
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
		return corsCfg
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == wildcardOrigin {
			logger.Warn("Ignoring wildcard CORS origin", zap.String("hint", "set server.unsafe_allow_all_origins"))
			continue
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}

	corsCfg.AllowOrigins = origins
	corsCfg.AllowCredentials = cfg.Server.AllowCredentials
	return corsCfg
}
