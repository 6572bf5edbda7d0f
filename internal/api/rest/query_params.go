package rest

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marketfoundry/storefront-engine/internal/engine"
)

// ViewQueryParams holds the parsed query parameters of a collection view
// request
type ViewQueryParams struct {
	Page       int
	PageSize   int
	Sort       string
	Search     string
	OnlyListed bool
}

// ParseViewQuery parses pagination, sorting and filter parameters
func ParseViewQuery(c *gin.Context) (*ViewQueryParams, error) {
	params := &ViewQueryParams{
		Page:     1,
		PageSize: 0, // engine default applies
		Sort:     c.Query("sort"),
		Search:   c.Query("search"),
	}

	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return nil, fmt.Errorf("invalid page: %q", raw)
		}
		params.Page = page
	}

	if raw := c.Query("page_size"); raw != "" {
		pageSize, err := strconv.Atoi(raw)
		if err != nil || pageSize < 1 {
			return nil, fmt.Errorf("invalid page_size: %q", raw)
		}
		params.PageSize = pageSize
	}

	if raw := c.Query("only_listed"); raw != "" {
		onlyListed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid only_listed: %q", raw)
		}
		params.OnlyListed = onlyListed
	}

	switch params.Sort {
	case "", engine.SortPriceAsc, engine.SortPriceDesc, engine.SortRecency:
	default:
		return nil, fmt.Errorf("invalid sort: %q", params.Sort)
	}

	return params, nil
}

// ToViewQuery converts the parsed parameters to an engine query
func (p *ViewQueryParams) ToViewQuery(collectionID string) engine.ViewQuery {
	return engine.ViewQuery{
		CollectionID: collectionID,
		Page:         p.Page,
		PageSize:     p.PageSize,
		Sort:         p.Sort,
		Search:       p.Search,
		OnlyListed:   p.OnlyListed,
	}
}
