// Package registry implements the supervision plane's orchestrator: it
// owns the service registry and dependency graph, drives layer-ordered
// initialization and reverse-ordered shutdown, tracks per-service state,
// persists sanitized state documents through the settings store, and
// reacts to dispatcher events by updating and fanning out state.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/skyduel/skyduel/pkg/alerting"
	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/dispatcher"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/repository"
	"github.com/skyduel/skyduel/pkg/safejson"
	"github.com/skyduel/skyduel/pkg/services"
)

const (
	// defaultStartWait bounds how long initialization waits for a
	// dependency to report started before falling back to a health check.
	defaultStartWait = 2 * time.Second

	// persistQueueSize bounds the asynchronous state-write queue fed by
	// dispatcher events. Writes beyond the bound are dropped; the next
	// event for the same service reissues them.
	persistQueueSize = 256

	defaultShutdownTimeout = 10 * time.Second
)

// reasonDisabled is the recorded failure reason for services the active
// profile turned off. Dependents treat it as a satisfied dependency.
const reasonDisabled = string(models.StatusDisabledByConfig)

// deprecatedServices maps retired service identifiers to their
// replacements. Registration under a retired name is rejected.
var deprecatedServices = map[string]string{
	"token-sync":        "market-data",
	"balance-sync":      "wallet-tracker",
	"contest-evaluator": "contest-scheduler",
}

// StateSink receives a service's tracked state each time it changes.
// The control surface implements it to fan updates out to subscribers.
type StateSink interface {
	ServiceStateUpdated(name string, state models.ServiceState)
}

// ServiceDescriptor is one row of the service catalog shown on the
// control surface.
type ServiceDescriptor struct {
	Name          string               `json:"name"`
	DisplayName   string               `json:"display_name"`
	Layer         models.Layer         `json:"layer"`
	CriticalLevel int                  `json:"critical_level,omitempty"`
	Description   string               `json:"description,omitempty"`
	Dependencies  []string             `json:"dependencies,omitempty"`
	Initialized   bool                 `json:"initialized"`
	Running       bool                 `json:"running"`
	Status        models.ServiceStatus `json:"status"`
	Circuit       models.CircuitStatus `json:"circuit"`
}

// StatePatch is a partial update merged into a service's tracked state.
// Zero-valued fields leave the current value in place.
type StatePatch struct {
	Status        models.ServiceStatus
	Running       *bool
	LastStarted   *time.Time
	LastStopped   *time.Time
	LastError     string
	LastErrorTime *time.Time
}

type persistRequest struct {
	name  string
	state models.ServiceState
}

// Deps carries the registry's collaborators. Settings and Audit may be
// nil, which disables persistence and audit recording respectively.
type Deps struct {
	Config     *config.Config
	Settings   repository.SettingsRepository
	Audit      repository.AuditRepository
	Dispatcher *dispatcher.Dispatcher
	Alerter    alerting.Alerter
	Logger     observability.Logger
	Metrics    observability.MetricsClient
}

// Registry is the orchestrator. The registry and dependency graph are
// mutated only during registration and cleanup; everything else reads
// them concurrently.
type Registry struct {
	cfg        *config.Config
	settings   repository.SettingsRepository
	audit      repository.AuditRepository
	dispatcher *dispatcher.Dispatcher
	alerter    alerting.Alerter
	logger     observability.Logger
	metrics    observability.MetricsClient

	mu          sync.RWMutex
	services    map[string]services.Service
	deps        map[string][]string
	states      map[string]*models.ServiceState
	initialized map[string]bool
	started     map[string]bool
	failed      map[string]string
	order       []string

	sinkMu sync.RWMutex
	sinks  []StateSink

	persistMu     sync.Mutex
	persistCh     chan persistRequest
	persistClosed bool
	persistDone   chan struct{}

	startWait time.Duration
}

// New constructs the registry, starts its state-persistence worker, and
// subscribes to the dispatcher's service events.
func New(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	} else {
		logger = logger.WithPrefix("registry")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = alerting.NewNoopAlerter()
	}

	r := &Registry{
		cfg:         deps.Config,
		settings:    deps.Settings,
		audit:       deps.Audit,
		dispatcher:  deps.Dispatcher,
		alerter:     alerter,
		logger:      logger,
		metrics:     metrics,
		services:    make(map[string]services.Service),
		deps:        make(map[string][]string),
		states:      make(map[string]*models.ServiceState),
		initialized: make(map[string]bool),
		started:     make(map[string]bool),
		failed:      make(map[string]string),
		persistCh:   make(chan persistRequest, persistQueueSize),
		persistDone: make(chan struct{}),
		startWait:   defaultStartWait,
	}
	go r.persistLoop()
	r.watchEvents()
	return r
}

func stateKey(name string) string {
	return "service:" + name + ":state"
}

// Register adds a service and its merged dependency set to the registry.
// A registration that would introduce a dependency cycle is rejected and
// leaves the registry unchanged.
func (r *Registry) Register(svc services.Service, extraDeps ...string) error {
	if svc == nil {
		return errors.Wrap(ErrInvalidService, "nil service")
	}
	name := svc.Name()
	if name == "" {
		return errors.Wrap(ErrInvalidService, "service has no name")
	}
	if replacement, ok := deprecatedServices[name]; ok {
		return errors.Wrapf(ErrDeprecatedService, "%s (superseded by %s)", name, replacement)
	}
	meta := svc.Metadata()
	if meta.Name == "" || !validLayer(meta.Layer) {
		return errors.Wrapf(ErrInvalidService, "%s: missing or invalid metadata", name)
	}

	merged := mergeDeps(meta.Dependencies, extraDeps)
	for _, d := range merged {
		if d == name {
			return errors.Wrapf(ErrCyclicDependency, "%s depends on itself", name)
		}
	}

	r.mu.Lock()
	if _, exists := r.services[name]; exists {
		r.mu.Unlock()
		return errors.Wrapf(ErrInvalidService, "%s: already registered", name)
	}
	candidate := make(map[string][]string, len(r.deps)+1)
	for k, v := range r.deps {
		candidate[k] = v
	}
	candidate[name] = merged
	if cycle := findCycle(candidate, name); len(cycle) > 0 {
		r.mu.Unlock()
		return errors.Wrap(ErrCyclicDependency, strings.Join(cycle, " -> "))
	}
	r.services[name] = svc
	r.deps[name] = merged
	r.states[name] = &models.ServiceState{Status: models.StatusUnknown}
	total := len(r.services)
	r.mu.Unlock()

	svc.SetStateSource(r)
	disabled := r.cfg != nil && r.cfg.IsServiceDisabled(name)
	if disabled {
		svc.SetDisabled(true)
	}

	r.metrics.RecordGauge("supervised_services", float64(total), nil)
	if r.cfg != nil && r.cfg.HasDebugFlag(config.DebugServiceRegistration) {
		r.logger.Debug("Service registered", map[string]interface{}{
			"service":      name,
			"layer":        string(meta.Layer),
			"dependencies": merged,
			"disabled":     disabled,
		})
	}
	return nil
}

// InitializeAll initializes and starts every registered service in
// dependency order. Failures are recorded and siblings continue; the
// returned error summarizes any hard failures.
func (r *Registry) InitializeAll(ctx context.Context) error {
	order := r.initOrder()
	r.mu.Lock()
	r.order = order
	r.mu.Unlock()

	startTime := time.Now()
	for _, name := range order {
		if r.isInitialized(name) {
			continue
		}
		if _, failed := r.failedReason(name); failed {
			continue
		}
		if err := r.initializeService(ctx, name, make(map[string]bool)); err != nil {
			r.logger.Error("Service initialization failed", map[string]interface{}{
				"service": name,
				"error":   err.Error(),
			})
		}
	}

	hard := r.hardFailures()
	r.logger.Info("Service initialization complete", map[string]interface{}{
		"services":    len(order),
		"failed":      len(hard),
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
	if len(hard) > 0 {
		return errors.Errorf("initialization completed with %d failed service(s): %s",
			len(hard), strings.Join(hard, ", "))
	}
	return nil
}

// initializeService initializes one service after its dependencies. It
// returns nil both on success and when the service is disabled by the
// active profile, so dependents can proceed.
func (r *Registry) initializeService(ctx context.Context, name string, visiting map[string]bool) error {
	if r.isInitialized(name) {
		return nil
	}
	if reason, failed := r.failedReason(name); failed {
		if reason == reasonDisabled {
			return nil
		}
		return errors.Wrapf(ErrDependencyFailed, "%s previously failed: %s", name, reason)
	}
	if visiting[name] {
		return errors.Wrap(ErrCyclicDependency, name)
	}
	visiting[name] = true

	svc, ok := r.service(name)
	if !ok {
		r.markFailed(name, "not registered")
		return errors.Wrap(ErrServiceNotFound, name)
	}

	verbose := r.cfg != nil && r.cfg.HasDebugFlag(config.DebugVerboseInit)
	if verbose {
		r.logger.Debug("Initializing service", map[string]interface{}{
			"service":      name,
			"dependencies": r.dependencies(name),
		})
	}

	for _, dep := range r.dependencies(name) {
		depSvc, registered := r.service(dep)
		if !registered {
			reason := fmt.Sprintf("dependency %s is not registered", dep)
			r.failService(ctx, name, svc, reason)
			return errors.Wrapf(ErrDependencyFailed, "%s: %s", name, reason)
		}
		if err := r.initializeService(ctx, dep, visiting); err != nil {
			reason := fmt.Sprintf("dependency %s failed: %v", dep, err)
			r.failService(ctx, name, svc, reason)
			return errors.Wrapf(ErrDependencyFailed, "%s: dependency %s", name, dep)
		}
		if reason, failed := r.failedReason(dep); failed && reason == reasonDisabled {
			// A profile-disabled dependency counts as satisfied
			continue
		}
		if !r.waitForStart(ctx, depSvc) && !depSvc.IsHealthy() {
			reason := fmt.Sprintf("dependency %s is not healthy", dep)
			r.failService(ctx, name, svc, reason)
			return errors.Wrapf(ErrDependencyFailed, "%s: %s", name, reason)
		}
	}

	initialized, err := svc.Initialize(ctx)
	if err != nil {
		r.failService(ctx, name, svc, err.Error())
		return errors.Wrapf(err, "initialize %s", name)
	}
	if !initialized {
		if r.cfg != nil && r.cfg.IsServiceDisabled(name) {
			r.markFailed(name, reasonDisabled)
			r.UpdateServiceState(ctx, name, StatePatch{
				Status:  models.StatusDisabledByConfig,
				Running: boolPtr(false),
			}, svc.SafeConfig(), nil)
			r.logger.Info("Service disabled by active profile", map[string]interface{}{
				"service": name,
				"profile": r.cfg.Supervisor.ActiveProfile,
			})
			return nil
		}
		reason := "initialize declined outside any profile exclusion"
		r.failService(ctx, name, svc, reason)
		return errors.Errorf("initialize %s: %s", name, reason)
	}

	if err := svc.Start(ctx); err != nil {
		r.failService(ctx, name, svc, err.Error())
		return errors.Wrapf(err, "start %s", name)
	}

	r.markInitialized(name)
	r.markStarted(name, true)
	now := time.Now()
	r.UpdateServiceState(ctx, name, StatePatch{
		Status:      models.StatusActive,
		Running:     boolPtr(true),
		LastStarted: &now,
	}, svc.SafeConfig(), svc.SafeStats())
	return nil
}

// Cleanup stops every live service, dependents before their
// dependencies, applying a per-service shutdown timeout, then clears
// the registry. Services with no path between them stop concurrently;
// a failed stop never blocks the rest.
func (r *Registry) Cleanup(ctx context.Context) error {
	waves := r.stopWaves()

	timeout := defaultShutdownTimeout
	if r.cfg != nil {
		timeout = r.cfg.ShutdownTimeout()
	}

	var (
		failMu   sync.Mutex
		failures []string
		stopped  int
	)
	for i := len(waves) - 1; i >= 0; i-- {
		g := new(errgroup.Group)
		for _, name := range waves[i] {
			svc, ok := r.service(name)
			if !ok || !svc.IsStarted() {
				continue
			}
			name := name
			g.Go(func() error {
				if err := r.stopWithTimeout(ctx, svc, timeout); err != nil {
					r.logger.Error("Service failed to stop cleanly", map[string]interface{}{
						"service": name,
						"error":   err.Error(),
					})
					failMu.Lock()
					failures = append(failures, fmt.Sprintf("%s: %v", name, err))
					failMu.Unlock()
					return err
				}
				r.markStarted(name, false)
				failMu.Lock()
				stopped++
				failMu.Unlock()
				return nil
			})
		}
		// Failures are already recorded per service; the wave only
		// needs to finish before the next one starts.
		_ = g.Wait()
	}

	// Drain pending state writes before the registry forgets everything
	r.closePersistQueue()
	<-r.persistDone

	r.mu.Lock()
	r.services = make(map[string]services.Service)
	r.deps = make(map[string][]string)
	r.states = make(map[string]*models.ServiceState)
	r.initialized = make(map[string]bool)
	r.started = make(map[string]bool)
	r.failed = make(map[string]string)
	r.order = nil
	r.mu.Unlock()

	r.logger.Info("Supervisor cleanup complete", map[string]interface{}{
		"stopped": stopped,
		"failed":  len(failures),
	})
	if len(failures) > 0 {
		return errors.Errorf("cleanup completed with %d failure(s): %s",
			len(failures), strings.Join(failures, "; "))
	}
	return nil
}

func (r *Registry) stopWithTimeout(ctx context.Context, svc services.Service, timeout time.Duration) error {
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Stop(stopCtx) }()

	select {
	case err := <-done:
		return err
	case <-stopCtx.Done():
		return errors.Errorf("stop timed out after %s", timeout)
	}
}

// stopWaves partitions the registry into teardown waves. A service's
// depth is the larger of its layer position and one past its deepest
// dependency, so everything in one wave is independent of everything
// else in it. Waves are stopped deepest-first.
func (r *Registry) stopWaves() [][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	layerIdx := make(map[models.Layer]int)
	for i, layer := range models.LayerOrder() {
		layerIdx[layer] = i
	}

	depths := make(map[string]int, len(r.services))
	var depthOf func(name string, seen map[string]bool) int
	depthOf = func(name string, seen map[string]bool) int {
		if d, ok := depths[name]; ok {
			return d
		}
		if seen[name] {
			// Cycles are rejected at registration; guard anyway.
			return 0
		}
		seen[name] = true

		depth := 0
		if svc, ok := r.services[name]; ok {
			depth = layerIdx[svc.Metadata().Layer]
		}
		for _, dep := range r.deps[name] {
			if _, ok := r.services[dep]; !ok {
				continue
			}
			if d := depthOf(dep, seen) + 1; d > depth {
				depth = d
			}
		}
		depths[name] = depth
		return depth
	}

	maxDepth := 0
	for name := range r.services {
		if d := depthOf(name, make(map[string]bool)); d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]string, maxDepth+1)
	for name := range r.services {
		waves[depths[name]] = append(waves[depths[name]], name)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves
}

// waitForStart polls until the dependency reports started or the
// bounded wait elapses.
func (r *Registry) waitForStart(ctx context.Context, svc services.Service) bool {
	deadline := time.Now().Add(r.startWait)
	for {
		if svc.IsStarted() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return svc.IsStarted()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (r *Registry) failService(ctx context.Context, name string, svc services.Service, reason string) {
	r.markFailed(name, reason)
	now := time.Now()
	r.UpdateServiceState(ctx, name, StatePatch{
		Status:        models.StatusError,
		Running:       boolPtr(false),
		LastError:     reason,
		LastErrorTime: &now,
	}, nil, nil)
	r.metrics.RecordCounter("service_init_failures_total", 1, map[string]string{"service": name})

	if svc != nil && svc.Metadata().CriticalLevel > 0 {
		level := svc.Metadata().CriticalLevel
		go func() {
			_ = r.alerter.SendCriticalErrorAlert(context.Background(), name, errors.New(reason), map[string]interface{}{
				"critical_level": level,
				"phase":          "initialization",
			})
		}()
	}
}

// initOrder returns every registered service in initialization order:
// layers in fixed order, dependencies before dependents within the
// traversal, names sorted for determinism.
func (r *Registry) initOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byLayer := make(map[models.Layer][]string)
	for name, svc := range r.services {
		layer := svc.Metadata().Layer
		byLayer[layer] = append(byLayer[layer], name)
	}

	visited := make(map[string]bool, len(r.services))
	order := make([]string, 0, len(r.services))
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range r.deps[name] {
			if _, ok := r.services[dep]; ok {
				visit(dep)
			}
		}
		order = append(order, name)
	}

	for _, layer := range models.LayerOrder() {
		names := byLayer[layer]
		sort.Strings(names)
		for _, name := range names {
			visit(name)
		}
	}
	return order
}

// findCycle walks the candidate graph from start and returns the cycle
// path when one exists.
func findCycle(graph map[string][]string, start string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(graph))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = gray
		path = append(path, name)
		for _, dep := range graph[name] {
			switch colors[dep] {
			case gray:
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[name] = black
		path = path[:len(path)-1]
		return false
	}

	if visit(start) {
		return cycle
	}
	return nil
}

// UpdateServiceState merges a patch into the tracked state, notifies
// sinks, and persists the sanitized document synchronously. Persistence
// failures are logged and swallowed; the in-memory view stays
// authoritative.
func (r *Registry) UpdateServiceState(ctx context.Context, name string, patch StatePatch, cfg, stats map[string]interface{}) {
	snap := r.mergeState(name, patch, cfg, stats)
	r.notifySinks(name, snap)
	r.persistState(ctx, name, snap)
}

// queueStateUpdate is the event-handler variant: the merge and sink
// fan-out happen inline, the write goes through the bounded queue so
// dispatcher handlers never block on the store.
func (r *Registry) queueStateUpdate(name string, patch StatePatch, cfg, stats map[string]interface{}) {
	snap := r.mergeState(name, patch, cfg, stats)
	r.notifySinks(name, snap)
	r.enqueuePersist(name, snap)
}

func (r *Registry) mergeState(name string, patch StatePatch, cfg, stats map[string]interface{}) models.ServiceState {
	now := time.Now()

	r.mu.Lock()
	cur, ok := r.states[name]
	if !ok {
		cur = &models.ServiceState{Status: models.StatusUnknown}
		r.states[name] = cur
	}
	if patch.Status != "" {
		cur.Status = patch.Status
	}
	if patch.Running != nil {
		cur.Running = *patch.Running
	}
	if patch.LastStarted != nil {
		cur.LastStarted = patch.LastStarted
	}
	if patch.LastStopped != nil {
		cur.LastStopped = patch.LastStopped
	}
	if patch.LastError != "" {
		cur.LastError = patch.LastError
	}
	if patch.LastErrorTime != nil {
		cur.LastErrorTime = patch.LastErrorTime
	}
	if cfg != nil {
		cur.Config = cfg
	}
	if stats != nil {
		cur.Stats = stats
	}
	cur.LastCheck = &now
	cur.UpdateCount++
	snap := *cur
	r.mu.Unlock()
	return snap
}

func (r *Registry) persistState(ctx context.Context, name string, state models.ServiceState) {
	if r.settings == nil {
		return
	}
	setting := &models.Setting{
		Key:         stateKey(name),
		Value:       r.safeStateDoc(name, state),
		Description: "supervisor state for " + name,
		UpdatedBy:   "supervisor",
	}
	if err := r.settings.Upsert(ctx, setting); err != nil {
		r.logger.Warn("Failed to persist service state", map[string]interface{}{
			"service": name,
			"error":   err.Error(),
		})
		r.metrics.RecordCounter("service_state_persist_failures_total", 1, map[string]string{"service": name})
	}
}

func (r *Registry) safeStateDoc(name string, state models.ServiceState) map[string]interface{} {
	if r.cfg != nil && r.cfg.IsNoisyService(name) {
		return safejson.Digest(state)
	}
	return safejson.Sanitize(state)
}

func (r *Registry) enqueuePersist(name string, state models.ServiceState) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.persistClosed {
		return
	}
	select {
	case r.persistCh <- persistRequest{name: name, state: state}:
	default:
		// Best-effort: the next event for this service reissues the write
		r.metrics.RecordCounter("service_state_writes_dropped_total", 1, map[string]string{"service": name})
	}
}

func (r *Registry) persistLoop() {
	defer close(r.persistDone)
	for req := range r.persistCh {
		r.persistState(context.Background(), req.name, req.state)
	}
}

func (r *Registry) closePersistQueue() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.persistClosed {
		return
	}
	r.persistClosed = true
	close(r.persistCh)
}

// watchEvents subscribes the registry to every service event the base
// contract emits. Handlers stay cheap: they merge state and enqueue the
// persistence write.
func (r *Registry) watchEvents() {
	if r.dispatcher == nil {
		return
	}
	r.dispatcher.On(models.EventServiceInitialized, func(e models.Event) {
		r.queueStateUpdate(e.Name, StatePatch{}, eventField(e, "config"), eventField(e, "stats"))
	})
	r.dispatcher.On(models.EventServiceStarted, func(e models.Event) {
		ts := e.Timestamp
		r.markStarted(e.Name, true)
		r.queueStateUpdate(e.Name, StatePatch{
			Status:      models.StatusActive,
			Running:     boolPtr(true),
			LastStarted: &ts,
		}, eventField(e, "config"), eventField(e, "stats"))
	})
	r.dispatcher.On(models.EventServiceStopped, func(e models.Event) {
		ts := e.Timestamp
		r.markStarted(e.Name, false)
		r.queueStateUpdate(e.Name, StatePatch{
			Status:      models.StatusStopped,
			Running:     boolPtr(false),
			LastStopped: &ts,
		}, eventField(e, "config"), eventField(e, "stats"))
	})
	r.dispatcher.On(models.EventServiceError, func(e models.Event) {
		ts := e.Timestamp
		r.queueStateUpdate(e.Name, StatePatch{
			Status:        models.StatusError,
			LastError:     stringField(e.Payload, "error"),
			LastErrorTime: &ts,
		}, eventField(e, "config"), eventField(e, "stats"))
	})
	r.dispatcher.On(models.EventServiceHeartbeat, func(e models.Event) {
		r.queueStateUpdate(e.Name, StatePatch{}, eventField(e, "config"), eventField(e, "stats"))
	})
	r.dispatcher.On(models.EventServiceCircuitBreaker, func(e models.Event) {
		patch := StatePatch{}
		switch stringField(e.Payload, "status") {
		case "open":
			patch.Status = models.StatusCircuitOpen
		case "recovered", "reset":
			patch.Status = models.StatusRecovered
		}
		r.queueStateUpdate(e.Name, patch, eventField(e, "config"), eventField(e, "stats"))
	})
}

// ServiceState implements services.StateSource over the settings store,
// returning the raw persisted document from a previous run.
func (r *Registry) ServiceState(ctx context.Context, name string) (*models.ServiceState, error) {
	if r.settings == nil {
		return nil, nil
	}
	setting, err := r.settings.Get(ctx, stateKey(name))
	if err != nil {
		return nil, errors.Wrapf(err, "load persisted state for %s", name)
	}
	if setting == nil || setting.Value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(setting.Value)
	if err != nil {
		return nil, errors.Wrapf(err, "decode persisted state for %s", name)
	}
	var state models.ServiceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrapf(err, "decode persisted state for %s", name)
	}
	return &state, nil
}

// AddStateSink registers a sink for state change fan-out.
func (r *Registry) AddStateSink(sink StateSink) {
	if sink == nil {
		return
	}
	r.sinkMu.Lock()
	r.sinks = append(r.sinks, sink)
	r.sinkMu.Unlock()
}

func (r *Registry) notifySinks(name string, state models.ServiceState) {
	r.sinkMu.RLock()
	sinks := append([]StateSink(nil), r.sinks...)
	r.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink.ServiceStateUpdated(name, state)
	}
}

// Get returns a registered service by name.
func (r *Registry) Get(name string) (services.Service, bool) {
	return r.service(name)
}

// Names returns all registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog returns the service catalog in layer order.
func (r *Registry) Catalog() []ServiceDescriptor {
	r.mu.RLock()
	byLayer := make(map[models.Layer][]string)
	for name, svc := range r.services {
		layer := svc.Metadata().Layer
		byLayer[layer] = append(byLayer[layer], name)
	}
	r.mu.RUnlock()

	out := make([]ServiceDescriptor, 0)
	for _, layer := range models.LayerOrder() {
		names := byLayer[layer]
		sort.Strings(names)
		for _, name := range names {
			svc, ok := r.service(name)
			if !ok {
				continue
			}
			meta := svc.Metadata()
			state, _ := r.StateView(name)
			out = append(out, ServiceDescriptor{
				Name:          name,
				DisplayName:   meta.DisplayName,
				Layer:         meta.Layer,
				CriticalLevel: meta.CriticalLevel,
				Description:   meta.Description,
				Dependencies:  r.dependencies(name),
				Initialized:   svc.IsInitialized(),
				Running:       svc.IsStarted(),
				Status:        state.Status,
				Circuit:       svc.CircuitStatus().Status,
			})
		}
	}
	return out
}

// StateView returns a copy of the tracked (non-sanitized) state for one
// service. The Config and Stats maps inside are treated as read-only.
func (r *Registry) StateView(name string) (models.ServiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[name]
	if !ok {
		return models.ServiceState{Status: models.StatusUnknown}, false
	}
	return *st, true
}

// AllStates returns a copy of every tracked service state.
func (r *Registry) AllStates() map[string]models.ServiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ServiceState, len(r.states))
	for name, st := range r.states {
		out[name] = *st
	}
	return out
}

// DependencyGraph returns a copy of the dependency adjacency map.
func (r *Registry) DependencyGraph() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.deps))
	for name, deps := range r.deps {
		out[name] = append([]string(nil), deps...)
	}
	return out
}

// FailedServices returns the failure reason per failed service,
// including profile-disabled ones.
func (r *Registry) FailedServices() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.failed))
	for name, reason := range r.failed {
		out[name] = reason
	}
	return out
}

func (r *Registry) hardFailures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, reason := range r.failed {
		if reason != reasonDisabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) service(name string) (services.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

func (r *Registry) dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.deps[name]...)
}

func (r *Registry) isInitialized(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized[name]
}

func (r *Registry) failedReason(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.failed[name]
	return reason, ok
}

func (r *Registry) markInitialized(name string) {
	r.mu.Lock()
	r.initialized[name] = true
	r.mu.Unlock()
}

func (r *Registry) markStarted(name string, started bool) {
	r.mu.Lock()
	if _, ok := r.services[name]; ok {
		r.started[name] = started
	}
	r.mu.Unlock()
}

func (r *Registry) markFailed(name, reason string) {
	r.mu.Lock()
	r.failed[name] = reason
	r.mu.Unlock()
}

func mergeDeps(declared, extra []string) []string {
	seen := make(map[string]struct{}, len(declared)+len(extra))
	var out []string
	for _, d := range append(append([]string(nil), declared...), extra...) {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func validLayer(layer models.Layer) bool {
	for _, l := range models.LayerOrder() {
		if l == layer {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

func eventField(e models.Event, key string) map[string]interface{} {
	if m, ok := e.Payload[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func stringField(payload map[string]interface{}, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}
