package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/cache"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/messaging"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	m.Run()
}

type fakeSubscription struct {
	unsubscribed bool
}

func (f *fakeSubscription) Unsubscribe() error {
	f.unsubscribed = true
	return nil
}

type fakeNatsConn struct {
	subject      string
	handler      func(data []byte)
	subscription *fakeSubscription
	subscribeErr error
	drained      bool
}

func (f *fakeNatsConn) Subscribe(subject string, handler func(data []byte)) (adapter.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subject = subject
	f.handler = handler
	f.subscription = &fakeSubscription{}
	return f.subscription, nil
}

func (f *fakeNatsConn) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeNatsConn) Close() {}

type fakeCache struct {
	invalidated []string
	err         error
}

func (f *fakeCache) Get(context.Context, cache.KeySpec) (*domain.CollectionSnapshot, bool, error) {
	return nil, false, nil
}

func (f *fakeCache) Put(context.Context, cache.KeySpec, *domain.CollectionSnapshot, time.Duration) error {
	return nil
}

func (f *fakeCache) InvalidateCollection(_ context.Context, collectionID string) error {
	f.invalidated = append(f.invalidated, collectionID)
	return f.err
}

func TestStart_SubscribesToSubject(t *testing.T) {
	conn := &fakeNatsConn{}
	inv := messaging.NewSaleInvalidator(conn, &fakeCache{}, adapter.NewJSON(), "market.sales.>")

	assert.NoError(t, inv.Start())
	assert.Equal(t, "market.sales.>", conn.subject)
	assert.NotNil(t, conn.handler)
}

func TestStart_PropagatesSubscribeError(t *testing.T) {
	conn := &fakeNatsConn{subscribeErr: errors.New("no servers")}
	inv := messaging.NewSaleInvalidator(conn, &fakeCache{}, adapter.NewJSON(), "market.sales.>")

	assert.ErrorContains(t, inv.Start(), "no servers")
}

func TestSaleEvent_InvalidatesCollection(t *testing.T) {
	conn := &fakeNatsConn{}
	resultCache := &fakeCache{}
	inv := messaging.NewSaleInvalidator(conn, resultCache, adapter.NewJSON(), "market.sales.>")
	assert.NoError(t, inv.Start())

	conn.handler([]byte(`{"collection_id": "0xAAAA000000000000000000000000000000000001", "item_id": "7", "price": "555"}`))

	assert.Equal(t, []string{"0xAAAA000000000000000000000000000000000001"}, resultCache.invalidated)
}

func TestSaleEvent_UndecodableDropped(t *testing.T) {
	conn := &fakeNatsConn{}
	resultCache := &fakeCache{}
	inv := messaging.NewSaleInvalidator(conn, resultCache, adapter.NewJSON(), "market.sales.>")
	assert.NoError(t, inv.Start())

	conn.handler([]byte(`not json`))

	assert.Empty(t, resultCache.invalidated)
}

func TestSaleEvent_MissingCollectionDropped(t *testing.T) {
	conn := &fakeNatsConn{}
	resultCache := &fakeCache{}
	inv := messaging.NewSaleInvalidator(conn, resultCache, adapter.NewJSON(), "market.sales.>")
	assert.NoError(t, inv.Start())

	conn.handler([]byte(`{"item_id": "7"}`))

	assert.Empty(t, resultCache.invalidated)
}

func TestStop_UnsubscribesAndDrains(t *testing.T) {
	conn := &fakeNatsConn{}
	inv := messaging.NewSaleInvalidator(conn, &fakeCache{}, adapter.NewJSON(), "market.sales.>")
	assert.NoError(t, inv.Start())

	assert.NoError(t, inv.Stop())
	assert.True(t, conn.subscription.unsubscribed)
	assert.True(t, conn.drained)
}

func TestStop_BeforeStartOnlyDrains(t *testing.T) {
	conn := &fakeNatsConn{}
	inv := messaging.NewSaleInvalidator(conn, &fakeCache{}, adapter.NewJSON(), "market.sales.>")

	assert.NoError(t, inv.Stop())
	assert.True(t, conn.drained)
}
