// Package chain supervises the upstream RPC connection every other
// layer depends on. The service probes node health on its tick and
// tracks slot progression; a stalled or unreachable node trips the
// breaker, which cascades through the dependency graph instead of
// letting data services hammer a dead endpoint.
package chain

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/services"
)

// Name is the registry identity of the chain connector.
const Name = "chain-connector"

// ErrNilClient is returned when the service is built without an RPC
// client.
var ErrNilClient = errors.New("chain: nil client")

// ErrSlotStalled is returned when consecutive probes observe no slot
// progression, which counts as a failed operation.
var ErrSlotStalled = errors.New("chain: slot progression stalled")

// ChainClient is the RPC port. Implementations must be safe for
// concurrent use.
type ChainClient interface {
	// LatestSlot returns the node's most recently processed slot.
	LatestSlot(ctx context.Context) (uint64, error)
}

// ChainConnectorService probes the upstream node and exposes the last
// observed slot to the rest of the plane.
type ChainConnectorService struct {
	*services.BaseService

	client ChainClient

	mu        sync.RWMutex
	lastSlot  uint64
	lastProbe time.Time
	stalled   int
}

// stallTolerance is how many consecutive unchanged-slot probes are
// accepted before the probe reports a failure.
const stallTolerance = 3

// New builds the connector around the given RPC client.
func New(client ChainClient, deps services.Deps) (*ChainConnectorService, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	s := &ChainConnectorService{client: client}

	meta := models.ServiceMetadata{
		Name:          Name,
		DisplayName:   "Chain Connector",
		Layer:         models.LayerInfrastructure,
		CriticalLevel: 3,
		Description:   "Probes upstream RPC health and tracks slot progression",
	}
	cfg := models.DefaultServiceConfig(Name, models.LayerInfrastructure)
	cfg.CheckInterval = 10 * time.Second

	base, err := services.NewBaseService(meta, cfg, s.probe, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// probe is the periodic operation: ask the node for its latest slot
// and require forward progress within the stall tolerance.
func (s *ChainConnectorService) probe(ctx context.Context) error {
	slot, err := s.client.LatestSlot(ctx)
	if err != nil {
		return errors.Wrap(err, "latest slot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastProbe = time.Now()
	if slot > s.lastSlot {
		s.lastSlot = slot
		s.stalled = 0
		return nil
	}

	s.stalled++
	if s.stalled >= stallTolerance {
		return errors.Wrapf(ErrSlotStalled, "slot %d for %d probes", s.lastSlot, s.stalled)
	}
	return nil
}

// CurrentSlot returns the highest slot seen and when it was observed.
func (s *ChainConnectorService) CurrentSlot() (uint64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSlot, s.lastProbe
}
