package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/cache"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/logger"
)

// invalidateTimeout bounds the cache work done per sale event
const invalidateTimeout = 5 * time.Second

// SaleInvalidator subscribes to sale events and eagerly drops cache entries
// for the affected collection. A sale is the one write-path event that makes
// cached snapshots outdated before their TTL.
type SaleInvalidator interface {
	// Start subscribes to the sales subject
	Start() error

	// Stop unsubscribes and drains the connection
	Stop() error
}

type saleInvalidator struct {
	conn    adapter.NatsConn
	cache   cache.Cache
	json    adapter.JSON
	subject string
	sub     adapter.Subscription
}

// NewSaleInvalidator creates a sale-event cache invalidator
func NewSaleInvalidator(conn adapter.NatsConn, resultCache cache.Cache, json adapter.JSON, subject string) SaleInvalidator {
	return &saleInvalidator{
		conn:    conn,
		cache:   resultCache,
		json:    json,
		subject: subject,
	}
}

func (s *saleInvalidator) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handleSaleEvent)
	if err != nil {
		return err
	}
	s.sub = sub

	logger.Info("sale invalidator subscribed",
		zap.String("subject", s.subject),
	)
	return nil
}

func (s *saleInvalidator) handleSaleEvent(data []byte) {
	var event domain.SaleEvent
	if err := s.json.Unmarshal(data, &event); err != nil {
		logger.Warn("dropping undecodable sale event", zap.Error(err))
		return
	}
	if event.CollectionID == "" {
		logger.Warn("dropping sale event without collection id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()

	if err := s.cache.InvalidateCollection(ctx, event.CollectionID); err != nil {
		logger.ErrorCtx(ctx, err,
			zap.String("collection", event.CollectionID),
		)
		return
	}

	logger.Debug("cache invalidated on sale",
		zap.String("collection", event.CollectionID),
		zap.String("item", event.ItemID),
	)
}

func (s *saleInvalidator) Stop() error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			logger.Warn("failed to unsubscribe sale invalidator", zap.Error(err))
		}
	}
	return s.conn.Drain()
}
