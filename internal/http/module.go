// Package http holds the composition types shared by the router and the
// modules that mount routes on it.
package http

import "github.com/gin-gonic/gin"

// Module is a bounded context with its own HTTP routes.
type Module interface {
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext carries the route groups a module may mount on.
type RouterContext struct {
	// V1 is /api/v1 without authentication. Modules that expose public
	// endpoints attach their own credential checks.
	V1 *gin.RouterGroup
	// Protected is /api/v1 behind JWT authentication.
	Protected *gin.RouterGroup
}
