package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/marketfoundry/storefront-engine/internal/api/middleware"
)

// SetupRoutes configures all REST API routes. The surface is read-only; with
// no API keys configured the v1 group is open.
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	if authCfg.Enabled() {
		v1.Use(middleware.APIKeyAuth(authCfg))
	}
	{
		// Collection endpoints
		v1.GET("/collections/:collection/items", handler.GetCollectionItems)
		v1.GET("/collections/:collection/stats", handler.GetCollectionStats)

		// Per-address endpoints
		v1.GET("/addresses/:address/items", handler.GetOwnedItems)
		v1.GET("/addresses/:address/listings", handler.GetUserListings)
		v1.GET("/addresses/:address/offers", handler.GetUserOffers)
	}
}
