package http

import (
	"context"

	"pipeline_backend/platform/config"
	"pipeline_backend/platform/logger"
)

// RouterConfig is the configuration the router reads.
type RouterConfig interface {
	config.HTTPConfig
	config.JWTConfig
}

// HealthChecker backs the readiness endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App is what the composition root hands to the router.
type App struct {
	Config  RouterConfig
	Logger  *logger.Logger
	Health  HealthChecker
	Modules []Module
}
