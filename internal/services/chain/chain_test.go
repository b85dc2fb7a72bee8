package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/services"
)

type fakeChainClient struct {
	mu   sync.Mutex
	slot uint64
	err  error
}

func (f *fakeChainClient) LatestSlot(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.slot, nil
}

func (f *fakeChainClient) advance(by uint64) {
	f.mu.Lock()
	f.slot += by
	f.mu.Unlock()
}

func (f *fakeChainClient) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newConnector(t *testing.T, client ChainClient) *ChainConnectorService {
	t.Helper()
	svc, err := New(client, services.Deps{})
	require.NoError(t, err)
	return svc
}

func TestNew(t *testing.T) {
	t.Run("Requires a client", func(t *testing.T) {
		_, err := New(nil, services.Deps{})
		assert.ErrorIs(t, err, ErrNilClient)
	})

	t.Run("Sits on the infrastructure layer with no dependencies", func(t *testing.T) {
		svc := newConnector(t, &fakeChainClient{slot: 1})
		assert.Equal(t, Name, svc.Name())
		assert.Equal(t, models.LayerInfrastructure, svc.Metadata().Layer)
		assert.Empty(t, svc.Metadata().Dependencies)
	})
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("Tracks slot progression", func(t *testing.T) {
		client := &fakeChainClient{slot: 100}
		svc := newConnector(t, client)

		require.NoError(t, svc.PerformOperation(ctx))
		slot, seen := svc.CurrentSlot()
		assert.Equal(t, uint64(100), slot)
		assert.WithinDuration(t, time.Now(), seen, time.Second)

		client.advance(8)
		require.NoError(t, svc.PerformOperation(ctx))
		slot, _ = svc.CurrentSlot()
		assert.Equal(t, uint64(108), slot)
	})

	t.Run("Propagates client errors", func(t *testing.T) {
		client := &fakeChainClient{slot: 5}
		svc := newConnector(t, client)

		client.fail(errors.New("connection refused"))
		err := svc.PerformOperation(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "latest slot")
	})

	t.Run("Stalled slot eventually fails the probe", func(t *testing.T) {
		client := &fakeChainClient{slot: 42}
		svc := newConnector(t, client)

		require.NoError(t, svc.PerformOperation(ctx))
		// Identical slots are tolerated a few times, then reported.
		var err error
		for i := 0; i < stallTolerance; i++ {
			err = svc.PerformOperation(ctx)
		}
		assert.ErrorIs(t, err, ErrSlotStalled)

		// Progress clears the stall counter.
		client.advance(1)
		assert.NoError(t, svc.PerformOperation(ctx))
	})
}
