package websocket

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/realtime"
	"github.com/skyduel/skyduel/pkg/registry"
)

// servicePrefix namespaces per-service state subscriptions inside a
// session's topic set, keeping them apart from bus fan-out topics.
const servicePrefix = "service::"

func serviceTopic(name string) string {
	return servicePrefix + name
}

// Deps carries the collaborators for the control surface. Registry is
// required; Bus is optional and only feeds the global heartbeat.
type Deps struct {
	Registry       *registry.Registry
	Bus            *realtime.Bus
	AllowedOrigins []string
	Logger         observability.Logger
	Metrics        observability.MetricsClient
}

// Server is the supervision control surface: a websocket hub that
// authenticates operator sessions, answers catalog/state/admin frames,
// pushes subscribed service state on a fixed cadence, and evicts
// sessions whose heartbeats lapse.
//
// It implements registry.StateSink for forwarded service updates and
// realtime.TopicBroadcaster for bus fan-out.
type Server struct {
	cfg      config.WebSocketConfig
	registry *registry.Registry
	bus      *realtime.Bus
	origins  []string
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu          sync.RWMutex
	connections map[string]*Connection

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds the control surface, registers it as a state sink,
// and starts the heartbeat sweeper, the state broadcaster, and the
// global heartbeat publisher.
func NewServer(cfg config.WebSocketConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	normalizeConfig(&cfg)

	s := &Server{
		cfg:         cfg,
		registry:    deps.Registry,
		bus:         deps.Bus,
		origins:     deps.AllowedOrigins,
		logger:      logger.WithPrefix("skyduel-ws"),
		metrics:     metrics,
		connections: make(map[string]*Connection),
		done:        make(chan struct{}),
	}

	if s.registry != nil {
		s.registry.AddStateSink(s)
	}

	s.wg.Add(3)
	go s.sweepLoop()
	go s.statePushLoop()
	go s.globalHeartbeatLoop()

	return s
}

// normalizeConfig fills in unset tunables so a zero-valued config
// cannot stall the tickers or reject every frame.
func normalizeConfig(cfg *config.WebSocketConfig) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.HeartbeatSweepInterval <= 0 {
		cfg.HeartbeatSweepInterval = 30 * time.Second
	}
	if cfg.StatePushInterval <= 0 {
		cfg.StatePushInterval = 3 * time.Second
	}
	if cfg.GlobalHeartbeatInterval <= 0 {
		cfg.GlobalHeartbeatInterval = 5 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
}

// HandleWebSocket upgrades an operator connection, authenticates it,
// sends the initial snapshot burst, and starts the session pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn("Control connection upgrade failed", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	claims, err := ValidateToken(s.cfg.JWTSecret, bearerToken(r))
	if err != nil {
		s.rejectConnection(r, conn, err)
		return
	}

	actor := models.AdminActor{
		ID:        claims.Subject,
		Role:      claims.Role,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	c := &Connection{
		ID:            uuid.New().String(),
		Actor:         actor,
		conn:          conn,
		send:          make(chan []byte, s.cfg.SendBufferSize),
		hub:           s,
		limiter:       rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst),
		topics:        make(map[string]struct{}),
		lastHeartbeat: time.Now(),
		closed:        make(chan struct{}),
	}

	s.register(c)
	if s.registry != nil {
		s.registry.RecordConnection(r.Context(), actor, map[string]interface{}{
			"connection_id": c.ID,
			"remote_addr":   r.RemoteAddr,
		}, nil)
	}

	go c.writePump()
	s.sendSnapshot(c)
	go c.readPump()
}

// rejectConnection delivers the typed UNAUTHORIZED frame before the
// socket closes, so clients can distinguish auth failures from drops.
func (s *Server) rejectConnection(r *http.Request, conn *websocket.Conn, authErr error) {
	s.logger.Warn("Control connection rejected", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"error":       authErr.Error(),
	})
	s.metrics.IncrementCounterWithLabels("skyduel_connections_rejected", 1, map[string]string{
		"reason": "unauthorized",
	})

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	_ = wsjson.Write(ctx, conn, errorFrame(CodeUnauthorized, "authentication required"))
	cancel()
	_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")

	if s.registry != nil {
		actor := models.AdminActor{IP: clientIP(r), UserAgent: r.UserAgent()}
		s.registry.RecordConnection(context.Background(), actor, map[string]interface{}{
			"remote_addr": r.RemoteAddr,
		}, authErr)
	}
}

// sendSnapshot pushes the connect-time burst: welcome, catalog, all
// current states, and the dependency graph.
func (s *Server) sendSnapshot(c *Connection) {
	welcome := newFrame(TypeWelcome)
	welcome.Data = map[string]interface{}{
		"connection_id": c.ID,
		"subject":       c.Actor.ID,
		"role":          c.Actor.Role,
	}
	c.sendFrame(welcome)

	if s.registry == nil {
		return
	}

	catalog := newFrame(TypeServiceCatalog)
	catalog.Data = s.registry.Catalog()
	c.sendFrame(catalog)

	states := newFrame(TypeAllStates)
	states.Data = s.registry.AllStates()
	c.sendFrame(states)

	graph := newFrame(TypeDependencyGraph)
	graph.Data = s.registry.DependencyGraph()
	c.sendFrame(graph)
}

func (s *Server) register(c *Connection) {
	s.mu.Lock()
	s.connections[c.ID] = c
	active := len(s.connections)
	s.mu.Unlock()

	s.metrics.IncrementCounter("skyduel_connections_total", 1)
	s.metrics.RecordGauge("skyduel_connections_active", float64(active), nil)
	s.logger.Info("Control session opened", map[string]interface{}{
		"connection_id": c.ID,
		"subject":       c.Actor.ID,
		"role":          c.Actor.Role,
	})
}

// unregister removes a session from the hub. Safe to call more than
// once; only the first call for a given session logs and updates the
// gauge.
func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	_, ok := s.connections[c.ID]
	if ok {
		delete(s.connections, c.ID)
	}
	active := len(s.connections)
	s.mu.Unlock()

	if !ok {
		return
	}

	s.metrics.RecordGauge("skyduel_connections_active", float64(active), nil)
	s.logger.Info("Control session closed", map[string]interface{}{
		"connection_id": c.ID,
		"subject":       c.Actor.ID,
	})
}

// ConnectionCount reports the number of live sessions.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// snapshotConnections copies the session list so fan-out never holds
// the hub lock during sends.
func (s *Server) snapshotConnections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	return conns
}

// ServiceStateUpdated implements registry.StateSink: every merged state
// change is forwarded immediately to that service's subscribers.
func (s *Server) ServiceStateUpdated(name string, state models.ServiceState) {
	frame := newFrame(TypeServiceUpdate)
	frame.Service = name
	frame.Data = state

	topic := serviceTopic(name)
	for _, c := range s.snapshotConnections() {
		if c.hasTopic(topic) {
			c.sendFrame(frame)
		}
	}
}

// BroadcastTopic implements realtime.TopicBroadcaster: bus traffic is
// relayed to sessions subscribed to the matching topic.
func (s *Server) BroadcastTopic(topic string, payload map[string]interface{}) {
	frame := newFrame(TypeTopicEvent)
	frame.Topic = topic
	frame.Data = payload

	delivered := 0
	for _, c := range s.snapshotConnections() {
		if c.hasTopic(topic) {
			c.sendFrame(frame)
			delivered++
		}
	}
	if delivered > 0 {
		s.metrics.IncrementCounterWithLabels("skyduel_topic_events_delivered", float64(delivered), map[string]string{
			"topic": topic,
		})
	}
}

// sweepLoop evicts sessions whose last heartbeat is older than the
// configured timeout.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, c := range s.snapshotConnections() {
				age := c.heartbeatAge(now)
				if age < s.cfg.HeartbeatTimeout {
					continue
				}
				s.logger.Warn("Evicting silent control session", map[string]interface{}{
					"connection_id":  c.ID,
					"subject":        c.Actor.ID,
					"silent_seconds": int(age.Seconds()),
				})
				s.metrics.IncrementCounter("skyduel_sessions_evicted", 1)
				s.unregister(c)
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
			}
		}
	}
}

// statePushLoop broadcasts each service's current state to its
// subscribers on a fixed cadence.
func (s *Server) statePushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.registry == nil {
				continue
			}
			conns := s.snapshotConnections()
			if len(conns) == 0 {
				continue
			}
			for name, state := range s.registry.AllStates() {
				frame := newFrame(TypeServiceState)
				frame.Service = name
				frame.Data = state

				topic := serviceTopic(name)
				for _, c := range conns {
					if c.hasTopic(topic) {
						c.sendFrame(frame)
					}
				}
			}
		}
	}
}

// globalHeartbeatLoop publishes the supervision-plane heartbeat on the
// realtime bus.
func (s *Server) globalHeartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.GlobalHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.bus == nil || s.registry == nil {
				continue
			}
			total, healthy := 0, 0
			for _, state := range s.registry.AllStates() {
				total++
				if state.Running {
					healthy++
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.bus.PublishSystemHeartbeat(ctx, total, healthy); err != nil {
				s.logger.Debug("Global heartbeat publish failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		}
	}
}

// Close stops the background loops and tears down every session.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[string]*Connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
	return nil
}

// clientIP prefers the first X-Forwarded-For hop so audit rows survive
// a reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
