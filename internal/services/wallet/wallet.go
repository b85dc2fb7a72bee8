// Package wallet recomputes tracked wallet balances. Each tick sweeps
// every tracked wallet through the balance port and publishes a balance
// event only when the value actually moved, so quiet wallets produce no
// bus traffic.
package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/skyduel/skyduel/internal/services/marketdata"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/realtime"
	"github.com/skyduel/skyduel/pkg/services"
)

// Name is the registry identity of the wallet tracker.
const Name = "wallet-tracker"

// ErrNilSource is returned when the service is built without a balance
// source.
var ErrNilSource = errors.New("wallet: nil balance source")

// ErrSweepFailed is returned when a sweep could not compute a single
// balance.
var ErrSweepFailed = errors.New("wallet: balance sweep failed")

// BalanceSource is the upstream balance port. Implementations must be
// safe for concurrent use.
type BalanceSource interface {
	// TrackedWallets lists the wallets the plane currently follows.
	TrackedWallets(ctx context.Context) ([]string, error)

	// Balance returns one wallet's current balance.
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// WalletTrackerService sweeps tracked wallets on its tick. A sweep
// tolerates individual wallet failures; it only fails when the wallet
// list cannot be fetched or no balance at all could be computed.
type WalletTrackerService struct {
	*services.BaseService

	source BalanceSource
	hook   *realtime.DataChangeHook
	logger observability.Logger

	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	lastSweep time.Time
}

// New builds the tracker. The hook is optional.
func New(source BalanceSource, hook *realtime.DataChangeHook, deps services.Deps) (*WalletTrackerService, error) {
	if source == nil {
		return nil, ErrNilSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	s := &WalletTrackerService{
		source:   source,
		hook:     hook,
		logger:   logger.WithPrefix(Name),
		balances: make(map[string]decimal.Decimal),
	}

	meta := models.ServiceMetadata{
		Name:          Name,
		DisplayName:   "Wallet Tracker",
		Layer:         models.LayerWallet,
		CriticalLevel: 1,
		Description:   "Recomputes tracked wallet balances",
		Dependencies:  []string{marketdata.Name},
	}
	cfg := models.DefaultServiceConfig(Name, models.LayerWallet)
	cfg.CheckInterval = 30 * time.Second
	cfg.Dependencies = meta.Dependencies

	base, err := services.NewBaseService(meta, cfg, s.sweep, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// sweep is the periodic operation.
func (s *WalletTrackerService) sweep(ctx context.Context) error {
	wallets, err := s.source.TrackedWallets(ctx)
	if err != nil {
		return errors.Wrap(err, "list tracked wallets")
	}
	if len(wallets) == 0 {
		return nil
	}

	now := time.Now()
	failed := 0
	var lastErr error

	for _, wallet := range wallets {
		balance, err := s.source.Balance(ctx, wallet)
		if err != nil {
			failed++
			lastErr = err
			s.logger.Warn("Balance lookup failed", map[string]interface{}{
				"wallet": wallet,
				"error":  err.Error(),
			})
			continue
		}
		s.record(ctx, wallet, balance)
	}

	s.mu.Lock()
	s.lastSweep = now
	s.mu.Unlock()

	if failed == len(wallets) {
		return errors.Wrapf(ErrSweepFailed, "%d wallets, last error: %v", failed, lastErr)
	}
	return nil
}

// record caches the balance and publishes it when it moved.
func (s *WalletTrackerService) record(ctx context.Context, wallet string, balance decimal.Decimal) {
	s.mu.Lock()
	prev, seen := s.balances[wallet]
	changed := !seen || !prev.Equal(balance)
	if changed {
		s.balances[wallet] = balance
	}
	s.mu.Unlock()

	if !changed || s.hook == nil {
		return
	}
	s.hook.OnChange(ctx, realtime.DataChange{
		Entity: realtime.EntityWalletBalance,
		Op:     "update",
		Key:    wallet,
		Fields: map[string]interface{}{
			"balance": balance.String(),
		},
	})
}

// Balance returns the last computed balance for a wallet.
func (s *WalletTrackerService) Balance(wallet string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.balances[wallet]
	return balance, ok
}

// TrackedCount reports how many wallets hold a computed balance.
func (s *WalletTrackerService) TrackedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.balances)
}

// LastSweep reports when the last sweep finished.
func (s *WalletTrackerService) LastSweep() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSweep
}
