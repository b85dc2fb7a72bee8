// Package marketdata keeps token quotes fresh. On every tick the
// service pulls the full quote set from its source, publishes each
// price through the data-change hook, and persists a compact snapshot
// so a restarted plane has prices before the first sync completes.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/skyduel/skyduel/internal/services/chain"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/realtime"
	"github.com/skyduel/skyduel/pkg/repository"
	"github.com/skyduel/skyduel/pkg/safejson"
	"github.com/skyduel/skyduel/pkg/services"
)

// Name is the registry identity of the market data service.
const Name = "market-data"

// snapshotKey is the settings row holding the latest quote snapshot.
const snapshotKey = "market:quotes:latest"

// ErrNilSource is returned when the service is built without a quote
// source.
var ErrNilSource = errors.New("marketdata: nil price source")

// TokenQuote is one priced token as observed at the source.
type TokenQuote struct {
	Address   string          `json:"address"`
	Symbol    string          `json:"symbol"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Change24h float64         `json:"change_24h"`
	VolumeUSD decimal.Decimal `json:"volume_usd"`
	AsOf      time.Time       `json:"as_of"`
}

// PriceSource is the upstream quote port. Implementations must be safe
// for concurrent use.
type PriceSource interface {
	// Quotes returns the current quote for every tracked token.
	Quotes(ctx context.Context) ([]TokenQuote, error)
}

// MarketDataService syncs token quotes on its tick. Publish and
// persistence failures are logged but never fail the sync: prices in
// memory stay authoritative, and the broker carries its own breaker.
type MarketDataService struct {
	*services.BaseService

	source   PriceSource
	hook     *realtime.DataChangeHook
	settings repository.SettingsRepository
	logger   observability.Logger

	mu       sync.RWMutex
	quotes   map[string]TokenQuote
	lastSync time.Time
}

// New builds the market data service. The hook and settings store are
// optional; a nil hook drops events and a nil store skips snapshots.
func New(source PriceSource, hook *realtime.DataChangeHook, settings repository.SettingsRepository, deps services.Deps) (*MarketDataService, error) {
	if source == nil {
		return nil, ErrNilSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	s := &MarketDataService{
		source:   source,
		hook:     hook,
		settings: settings,
		logger:   logger.WithPrefix(Name),
		quotes:   make(map[string]TokenQuote),
	}

	meta := models.ServiceMetadata{
		Name:          Name,
		DisplayName:   "Market Data",
		Layer:         models.LayerData,
		CriticalLevel: 2,
		Description:   "Syncs token quotes and fans out price events",
		Dependencies:  []string{chain.Name},
	}
	cfg := models.DefaultServiceConfig(Name, models.LayerData)
	cfg.CheckInterval = 15 * time.Second
	cfg.Dependencies = meta.Dependencies

	base, err := services.NewBaseService(meta, cfg, s.sync, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// sync is the periodic operation: fetch, publish, snapshot.
func (s *MarketDataService) sync(ctx context.Context) error {
	quotes, err := s.source.Quotes(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch quotes")
	}

	now := time.Now()
	s.mu.Lock()
	for _, q := range quotes {
		s.quotes[q.Address] = q
	}
	s.lastSync = now
	s.mu.Unlock()

	if s.hook != nil {
		for _, q := range quotes {
			s.hook.OnChange(ctx, realtime.DataChange{
				Entity: realtime.EntityTokenPrice,
				Op:     "update",
				Key:    q.Address,
				Fields: map[string]interface{}{
					"symbol":     q.Symbol,
					"price_usd":  q.PriceUSD.String(),
					"change_24h": q.Change24h,
					"volume_usd": q.VolumeUSD.String(),
				},
			})
		}
	}

	s.persistSnapshot(ctx, quotes, now)
	return nil
}

// persistSnapshot writes the compact quote document. Best-effort.
func (s *MarketDataService) persistSnapshot(ctx context.Context, quotes []TokenQuote, asOf time.Time) {
	if s.settings == nil || len(quotes) == 0 {
		return
	}

	prices := make(map[string]interface{}, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.PriceUSD.String()
	}
	doc := safejson.Sanitize(map[string]interface{}{
		"as_of":  asOf.UTC().Format(time.RFC3339),
		"count":  len(quotes),
		"prices": prices,
	})

	err := s.settings.Upsert(ctx, &models.Setting{
		Key:         snapshotKey,
		Value:       doc,
		Description: "latest market data snapshot",
		UpdatedBy:   Name,
	})
	if err != nil {
		s.logger.Warn("Failed to persist quote snapshot", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Quote returns the latest quote for a token address.
func (s *MarketDataService) Quote(address string) (TokenQuote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[address]
	return q, ok
}

// QuoteCount reports how many tokens have a live quote.
func (s *MarketDataService) QuoteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

// LastSync reports when the last successful sync finished.
func (s *MarketDataService) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}
