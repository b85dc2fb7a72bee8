// Package contest advances contest lifecycle windows. Contests move
// through a fixed phase ladder on wall-clock boundaries; the scheduler
// finds due contests on its tick, transitions them through the store,
// and announces every transition on the contest status channel.
package contest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/skyduel/skyduel/internal/services/marketdata"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/realtime"
	"github.com/skyduel/skyduel/pkg/services"
)

// Name is the registry identity of the contest scheduler.
const Name = "contest-scheduler"

// ErrNilStore is returned when the service is built without a store.
var ErrNilStore = errors.New("contest: nil store")

// Phase is a contest lifecycle stage. Phases only move forward.
type Phase string

// Contest phases in lifecycle order
const (
	PhaseScheduled    Phase = "scheduled"
	PhaseRegistration Phase = "registration"
	PhaseLive         Phase = "live"
	PhaseComplete     Phase = "complete"
)

// Contest is the scheduling view of one contest: identity, phase, and
// the wall-clock boundaries that drive transitions.
type Contest struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Phase          Phase     `json:"phase" db:"phase"`
	RegistrationAt time.Time `json:"registration_at" db:"registration_at"`
	StartsAt       time.Time `json:"starts_at" db:"starts_at"`
	EndsAt         time.Time `json:"ends_at" db:"ends_at"`
}

// NextPhase returns the phase the contest should hold at now, and
// whether that differs from its current phase. Boundaries are
// inclusive: a contest starting exactly now is live.
func (c Contest) NextPhase(now time.Time) (Phase, bool) {
	switch c.Phase {
	case PhaseScheduled:
		if !now.Before(c.RegistrationAt) {
			return PhaseRegistration, true
		}
	case PhaseRegistration:
		if !now.Before(c.StartsAt) {
			return PhaseLive, true
		}
	case PhaseLive:
		if !now.Before(c.EndsAt) {
			return PhaseComplete, true
		}
	}
	return c.Phase, false
}

// ContestStore is the persistence port. Implementations must enforce
// that AdvancePhase only applies the expected transition.
type ContestStore interface {
	// DueContests returns contests that may need a phase transition at
	// now. Implementations may over-approximate; the scheduler
	// re-checks every boundary.
	DueContests(ctx context.Context, now time.Time) ([]Contest, error)

	// AdvancePhase transitions one contest from the phase the scheduler
	// observed to the next one.
	AdvancePhase(ctx context.Context, id string, from, to Phase) error
}

// ContestSchedulerService drives contest phase transitions.
type ContestSchedulerService struct {
	*services.BaseService

	store ContestStore
	hook  *realtime.DataChangeHook

	advanced atomic.Int64
}

// New builds the scheduler. The hook is optional.
func New(store ContestStore, hook *realtime.DataChangeHook, deps services.Deps) (*ContestSchedulerService, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	s := &ContestSchedulerService{store: store, hook: hook}

	meta := models.ServiceMetadata{
		Name:          Name,
		DisplayName:   "Contest Scheduler",
		Layer:         models.LayerContest,
		CriticalLevel: 2,
		Description:   "Advances contest lifecycle windows",
		Dependencies:  []string{marketdata.Name},
	}
	cfg := models.DefaultServiceConfig(Name, models.LayerContest)
	cfg.CheckInterval = 20 * time.Second
	cfg.Dependencies = meta.Dependencies

	base, err := services.NewBaseService(meta, cfg, s.advance, deps)
	if err != nil {
		return nil, err
	}
	s.BaseService = base
	return s, nil
}

// advance is the periodic operation. A store failure on any transition
// fails the pass after the remaining due contests were attempted.
func (s *ContestSchedulerService) advance(ctx context.Context) error {
	now := time.Now()
	due, err := s.store.DueContests(ctx, now)
	if err != nil {
		return errors.Wrap(err, "list due contests")
	}

	var firstErr error
	for _, c := range due {
		next, changed := c.NextPhase(now)
		if !changed {
			continue
		}
		if err := s.store.AdvancePhase(ctx, c.ID, c.Phase, next); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "advance %s to %s", c.ID, next)
			}
			continue
		}
		s.advanced.Add(1)
		s.announce(ctx, c, next)
	}
	return firstErr
}

// announce publishes one transition. Best-effort.
func (s *ContestSchedulerService) announce(ctx context.Context, c Contest, next Phase) {
	if s.hook == nil {
		return
	}
	s.hook.OnChange(ctx, realtime.DataChange{
		Entity: realtime.EntityContestStatus,
		Op:     "phase",
		Key:    c.ID,
		Fields: map[string]interface{}{
			"name":     c.Name,
			"status":   string(next),
			"previous": string(c.Phase),
		},
	})
}

// AdvancedTotal reports how many transitions the scheduler has applied.
func (s *ContestSchedulerService) AdvancedTotal() int64 {
	return s.advanced.Load()
}
