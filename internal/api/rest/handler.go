package rest

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/marketfoundry/storefront-engine/internal/api/rest/dto"
	"github.com/marketfoundry/storefront-engine/internal/engine"
)

// Handler defines the interface for REST API handlers
type Handler interface {
	// GetCollectionItems returns one page of a collection view
	// GET /api/v1/collections/:collection/items?page=<n>&page_size=<n>&sort=<price_asc|price_desc|recency>&search=<s>&only_listed=<bool>
	GetCollectionItems(c *gin.Context)

	// GetCollectionStats returns aggregate statistics for a collection
	// GET /api/v1/collections/:collection/stats
	GetCollectionStats(c *gin.Context)

	// GetOwnedItems returns every item an address owns
	// GET /api/v1/addresses/:address/items
	GetOwnedItems(c *gin.Context)

	// GetUserListings returns every listing created by an address
	// GET /api/v1/addresses/:address/listings
	GetUserListings(c *gin.Context)

	// GetUserOffers returns every offer placed by an address
	// GET /api/v1/addresses/:address/offers
	GetUserOffers(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	engine engine.Engine
}

// NewHandler creates a new REST API handler over the storefront engine
func NewHandler(eng engine.Engine) Handler {
	return &handler{engine: eng}
}

func (h *handler) GetCollectionItems(c *gin.Context) {
	collectionID, ok := addressParam(c, "collection")
	if !ok {
		return
	}

	params, err := ParseViewQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	view, err := h.engine.GetCollectionView(c.Request.Context(), params.ToViewQuery(collectionID))
	if err != nil {
		respondFromError(c, err, "Failed to load collection view")
		return
	}

	c.JSON(http.StatusOK, dto.NewCollectionView(view, time.Now()))
}

func (h *handler) GetCollectionStats(c *gin.Context) {
	collectionID, ok := addressParam(c, "collection")
	if !ok {
		return
	}

	result, err := h.engine.GetCollectionStats(c.Request.Context(), collectionID)
	if err != nil {
		respondFromError(c, err, "Failed to compute collection statistics")
		return
	}

	c.JSON(http.StatusOK, dto.NewStats(result))
}

func (h *handler) GetOwnedItems(c *gin.Context) {
	address, ok := addressParam(c, "address")
	if !ok {
		return
	}

	items, err := h.engine.GetOwnedItems(c.Request.Context(), address)
	if err != nil {
		respondFromError(c, err, "Failed to resolve owned items")
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": dto.NewItems(items, time.Now())})
}

func (h *handler) GetUserListings(c *gin.Context) {
	address, ok := addressParam(c, "address")
	if !ok {
		return
	}

	listings, err := h.engine.GetUserListings(c.Request.Context(), address)
	if err != nil {
		respondFromError(c, err, "Failed to load user listings")
		return
	}

	c.JSON(http.StatusOK, gin.H{"listings": dto.NewListings(listings, time.Now())})
}

func (h *handler) GetUserOffers(c *gin.Context) {
	address, ok := addressParam(c, "address")
	if !ok {
		return
	}

	offers, err := h.engine.GetUserOffers(c.Request.Context(), address)
	if err != nil {
		respondFromError(c, err, "Failed to load user offers")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": dto.NewOffers(offers, time.Now())})
}

func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "storefront-engine",
	})
}

// addressParam validates an address-typed path parameter and responds with a
// 400 when it is missing or malformed
func addressParam(c *gin.Context, name string) (string, bool) {
	value := c.Param(name)
	if value == "" {
		respondBadRequest(c, name+" is required")
		return "", false
	}
	if !common.IsHexAddress(value) {
		respondBadRequest(c, "Invalid "+name+" address")
		return "", false
	}
	return value, true
}
