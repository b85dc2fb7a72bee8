package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyduel/skyduel/pkg/config"
	"github.com/skyduel/skyduel/pkg/dispatcher"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/registry"
	"github.com/skyduel/skyduel/pkg/services"
)

const testSecret = "control-surface-test-secret"

// testWSConfig keeps every background cadence far away so tests only
// see the frames they provoke.
func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		MaxMessageSize:          64 * 1024,
		SendBufferSize:          64,
		PingInterval:            time.Hour,
		HeartbeatTimeout:        time.Hour,
		HeartbeatSweepInterval:  time.Hour,
		StatePushInterval:       time.Hour,
		GlobalHeartbeatInterval: time.Hour,
		RateLimit:               1000,
		RateBurst:               1000,
		JWTSecret:               testSecret,
	}
}

func newControlRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Deps{
		Config: &config.Config{
			Supervisor: config.SupervisorConfig{
				ActiveProfile: "full",
				Profiles:      map[string][]string{"full": {}},
			},
		},
		Dispatcher: dispatcher.New(observability.NewNoopLogger(), nil),
		Logger:     observability.NewNoopLogger(),
	})
}

func registerIdleService(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	meta := models.ServiceMetadata{
		Name:        name,
		DisplayName: name,
		Layer:       models.LayerInfrastructure,
	}
	cfg := models.DefaultServiceConfig(name, models.LayerInfrastructure)
	cfg.CheckInterval = time.Hour

	svc, err := services.NewBaseService(meta, cfg, func(ctx context.Context) error { return nil }, services.Deps{
		Logger: observability.NewNoopLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(svc))
}

// newControlSurface wires a server with one registered idle service and
// returns it with its HTTP host.
func newControlSurface(t *testing.T, cfg config.WebSocketConfig) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()
	reg := newControlRegistry(t)
	registerIdleService(t, reg, "chain-connector")

	s := NewServer(cfg, Deps{
		Registry: reg,
		Logger:   observability.NewNoopLogger(),
	})
	httpSrv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))

	t.Cleanup(func() {
		httpSrv.Close()
		_ = s.Close()
	})
	return s, reg, httpSrv
}

func mintToken(t *testing.T, role string) string {
	t.Helper()
	token, err := GenerateToken(testSecret, "ops@test", role, time.Hour)
	require.NoError(t, err)
	return token
}

func dialControl(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var frame Frame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

// awaitFrame reads until a frame of the wanted type arrives, skipping
// interleaved pushes.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("frame %q never arrived", frameType)
	return Frame{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, frame))
}

// connectAndDrainSnapshot dials and consumes the connect-time burst.
func connectAndDrainSnapshot(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn := dialControl(t, url, mintToken(t, RoleSuperadmin))
	for _, want := range []string{TypeWelcome, TypeServiceCatalog, TypeAllStates, TypeDependencyGraph} {
		frame := readFrame(t, conn)
		require.Equal(t, want, frame.Type)
	}
	return conn
}

func TestServer_Authentication(t *testing.T) {
	t.Run("Rejects missing token with typed frame", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())

		conn := dialControl(t, httpSrv.URL, "")
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeUnauthorized, frame.Code)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var next Frame
		err := wsjson.Read(ctx, conn, &next)
		require.Error(t, err)
		assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	})

	t.Run("Rejects token signed with another secret", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())

		bad, err := GenerateToken("some-other-secret", "ops@test", RoleSuperadmin, time.Hour)
		require.NoError(t, err)

		conn := dialControl(t, httpSrv.URL, bad)
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeUnauthorized, frame.Code)
	})

	t.Run("Rejects insufficient role", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())

		viewer, err := GenerateToken(testSecret, "viewer@test", "viewer", time.Hour)
		require.NoError(t, err)

		conn := dialControl(t, httpSrv.URL, viewer)
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeUnauthorized, frame.Code)
	})

	t.Run("Accepts admin via query parameter", func(t *testing.T) {
		s, _, httpSrv := newControlSurface(t, testWSConfig())

		conn := dialControl(t, httpSrv.URL+"?token="+mintToken(t, RoleAdmin), "")
		frame := readFrame(t, conn)
		assert.Equal(t, TypeWelcome, frame.Type)

		assert.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServer_ConnectSnapshot(t *testing.T) {
	_, _, httpSrv := newControlSurface(t, testWSConfig())

	conn := dialControl(t, httpSrv.URL, mintToken(t, RoleSuperadmin))

	welcome := readFrame(t, conn)
	require.Equal(t, TypeWelcome, welcome.Type)
	data, ok := welcome.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ops@test", data["subject"])
	assert.Equal(t, RoleSuperadmin, data["role"])
	assert.NotEmpty(t, data["connection_id"])

	catalog := readFrame(t, conn)
	require.Equal(t, TypeServiceCatalog, catalog.Type)
	descriptors, ok := catalog.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, descriptors, 1)

	states := readFrame(t, conn)
	require.Equal(t, TypeAllStates, states.Type)
	byName, ok := states.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, byName, "chain-connector")

	graph := readFrame(t, conn)
	require.Equal(t, TypeDependencyGraph, graph.Type)
}

func TestServer_HeartbeatAck(t *testing.T) {
	_, _, httpSrv := newControlSurface(t, testWSConfig())
	conn := connectAndDrainSnapshot(t, httpSrv.URL)

	writeFrame(t, conn, Frame{Type: TypeHeartbeat})
	ack := readFrame(t, conn)
	assert.Equal(t, TypeHeartbeatAck, ack.Type)
	assert.NotEmpty(t, ack.Timestamp)
}

func TestServer_Queries(t *testing.T) {
	t.Run("Unknown command is answered and session survives", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: "bogus:command"})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeUnknownCommand, frame.Code)

		writeFrame(t, conn, Frame{Type: TypeHeartbeat})
		assert.Equal(t, TypeHeartbeatAck, readFrame(t, conn).Type)
	})

	t.Run("Service state requires service field", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeGetServiceState})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeMissingService, frame.Code)
	})

	t.Run("Service state for unknown service", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeGetServiceState, Service: "nope"})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeServiceNotFound, frame.Code)
	})

	t.Run("Service state for known service", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeGetServiceState, Service: "chain-connector"})
		frame := readFrame(t, conn)
		require.Equal(t, TypeServiceState, frame.Type)
		assert.Equal(t, "chain-connector", frame.Service)
		assert.NotNil(t, frame.Data)
	})

	t.Run("Catalog, all states and dependency graph on demand", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeGetCatalog})
		assert.Equal(t, TypeServiceCatalog, readFrame(t, conn).Type)

		writeFrame(t, conn, Frame{Type: TypeGetAllStates})
		assert.Equal(t, TypeAllStates, readFrame(t, conn).Type)

		writeFrame(t, conn, Frame{Type: TypeGetDependencyGraph})
		assert.Equal(t, TypeDependencyGraph, readFrame(t, conn).Type)
	})
}

func TestServer_AdminActions(t *testing.T) {
	t.Run("Start then stop round trip", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeServiceStart, Service: "chain-connector"})
		ack := awaitFrame(t, conn, successType(TypeServiceStart))
		assert.Equal(t, "chain-connector", ack.Service)

		writeFrame(t, conn, Frame{Type: TypeServiceStop, Service: "chain-connector"})
		stopAck := awaitFrame(t, conn, successType(TypeServiceStop))
		assert.Equal(t, "chain-connector", stopAck.Service)
	})

	t.Run("Stopping an idle service is a typed error", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeServiceStop, Service: "chain-connector"})
		frame := awaitFrame(t, conn, TypeError)
		assert.Equal(t, CodeServiceStopError, frame.Code)
	})

	t.Run("Unknown service maps to SERVICE_NOT_FOUND", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeServiceRestart, Service: "ghost"})
		frame := awaitFrame(t, conn, TypeError)
		assert.Equal(t, CodeServiceNotFound, frame.Code)
	})

	t.Run("Breaker reset succeeds for idle service", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeBreakerReset, Service: "chain-connector"})
		ack := awaitFrame(t, conn, successType(TypeBreakerReset))
		assert.Equal(t, "chain-connector", ack.Service)
	})

	t.Run("Config update requires config payload", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeConfigUpdate, Service: "chain-connector"})
		frame := awaitFrame(t, conn, TypeError)
		assert.Equal(t, CodeMissingConfig, frame.Code)
	})

	t.Run("Config update applies interval change", func(t *testing.T) {
		_, reg, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{
			Type:    TypeConfigUpdate,
			Service: "chain-connector",
			Config:  map[string]interface{}{"check_interval_ms": 45000},
		})
		ack := awaitFrame(t, conn, successType(TypeConfigUpdate))
		assert.Equal(t, "chain-connector", ack.Service)

		svc, ok := reg.Get("chain-connector")
		require.True(t, ok)
		assert.Equal(t, 45*time.Second, svc.Config().CheckInterval)
	})

	t.Run("Malformed config update is a typed error", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{
			Type:    TypeConfigUpdate,
			Service: "chain-connector",
			Config:  map[string]interface{}{"check_interval_ms": -5},
		})
		frame := awaitFrame(t, conn, TypeError)
		assert.Equal(t, CodeConfigUpdateError, frame.Code)
	})
}

func TestServer_Subscriptions(t *testing.T) {
	t.Run("Subscribe answers with current state", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeServiceSubscribe, Service: "chain-connector"})
		ack := readFrame(t, conn)
		assert.Equal(t, successType(TypeServiceSubscribe), ack.Type)

		state := readFrame(t, conn)
		assert.Equal(t, TypeServiceState, state.Type)
		assert.Equal(t, "chain-connector", state.Service)
	})

	t.Run("Subscribe to unknown service is rejected", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeServiceSubscribe, Service: "ghost"})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeServiceNotFound, frame.Code)
	})

	t.Run("State changes are forwarded to subscribers only", func(t *testing.T) {
		_, reg, httpSrv := newControlSurface(t, testWSConfig())

		subscribed := connectAndDrainSnapshot(t, httpSrv.URL)
		writeFrame(t, subscribed, Frame{Type: TypeServiceSubscribe, Service: "chain-connector"})
		awaitFrame(t, subscribed, TypeServiceState)

		reg.UpdateServiceState(context.Background(), "chain-connector", registry.StatePatch{
			Status: models.StatusActive,
		}, nil, nil)

		update := awaitFrame(t, subscribed, TypeServiceUpdate)
		assert.Equal(t, "chain-connector", update.Service)

		stateDoc, ok := update.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, string(models.StatusActive), stateDoc["status"])
	})

	t.Run("Unsubscribe stops the forwarding", func(t *testing.T) {
		s, reg, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeServiceSubscribe, Service: "chain-connector"})
		awaitFrame(t, conn, TypeServiceState)
		writeFrame(t, conn, Frame{Type: TypeServiceUnsubscribe, Service: "chain-connector"})
		awaitFrame(t, conn, successType(TypeServiceUnsubscribe))

		reg.UpdateServiceState(context.Background(), "chain-connector", registry.StatePatch{
			Status: models.StatusError,
		}, nil, nil)

		// The session must still answer, and must not have queued an update.
		writeFrame(t, conn, Frame{Type: TypeHeartbeat})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeHeartbeatAck, frame.Type)
		assert.Equal(t, 1, s.ConnectionCount())
	})
}

func TestServer_TopicFanout(t *testing.T) {
	t.Run("Subscribed topics receive bus events", func(t *testing.T) {
		s, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeTopicSubscribe, Topic: "token:price"})
		awaitFrame(t, conn, successType(TypeTopicSubscribe))

		s.BroadcastTopic("token:price", map[string]interface{}{"symbol": "SOL"})

		event := awaitFrame(t, conn, TypeTopicEvent)
		assert.Equal(t, "token:price", event.Topic)
		payload, ok := event.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "SOL", payload["symbol"])
	})

	t.Run("Sessions without the topic stay silent", func(t *testing.T) {
		s, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		s.BroadcastTopic("token:price", map[string]interface{}{"symbol": "BONK"})

		writeFrame(t, conn, Frame{Type: TypeHeartbeat})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeHeartbeatAck, frame.Type)
	})

	t.Run("Topic subscribe requires a topic", func(t *testing.T) {
		_, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeTopicSubscribe})
		frame := readFrame(t, conn)
		assert.Equal(t, TypeError, frame.Type)
		assert.Equal(t, CodeSessionError, frame.Code)
	})

	t.Run("Unsubscribed topic stops delivery", func(t *testing.T) {
		s, _, httpSrv := newControlSurface(t, testWSConfig())
		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		writeFrame(t, conn, Frame{Type: TypeTopicSubscribe, Topic: "contest:status"})
		awaitFrame(t, conn, successType(TypeTopicSubscribe))
		writeFrame(t, conn, Frame{Type: TypeTopicUnsubscribe, Topic: "contest:status"})
		awaitFrame(t, conn, successType(TypeTopicUnsubscribe))

		s.BroadcastTopic("contest:status", map[string]interface{}{"contest_id": "c1"})

		writeFrame(t, conn, Frame{Type: TypeHeartbeat})
		assert.Equal(t, TypeHeartbeatAck, readFrame(t, conn).Type)
	})
}

func TestServer_HeartbeatEviction(t *testing.T) {
	t.Run("Silent session is evicted after the timeout", func(t *testing.T) {
		cfg := testWSConfig()
		cfg.HeartbeatTimeout = 200 * time.Millisecond
		cfg.HeartbeatSweepInterval = 50 * time.Millisecond
		s, _, httpSrv := newControlSurface(t, cfg)

		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var frame Frame
		err := wsjson.Read(ctx, conn, &frame)
		require.Error(t, err)
		assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

		assert.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Heartbeats keep the session alive", func(t *testing.T) {
		cfg := testWSConfig()
		cfg.HeartbeatTimeout = 200 * time.Millisecond
		cfg.HeartbeatSweepInterval = 50 * time.Millisecond
		s, _, httpSrv := newControlSurface(t, cfg)

		conn := connectAndDrainSnapshot(t, httpSrv.URL)

		// Outlive the timeout several times over while heartbeating.
		for i := 0; i < 8; i++ {
			writeFrame(t, conn, Frame{Type: TypeHeartbeat})
			assert.Equal(t, TypeHeartbeatAck, readFrame(t, conn).Type)
			time.Sleep(60 * time.Millisecond)
		}
		assert.Equal(t, 1, s.ConnectionCount())
	})
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testWSConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	_, _, httpSrv := newControlSurface(t, cfg)
	conn := connectAndDrainSnapshot(t, httpSrv.URL)

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, Frame{Type: TypeHeartbeat})
	}

	types := map[string]int{}
	for i := 0; i < 3; i++ {
		frame := readFrame(t, conn)
		types[frame.Type]++
	}
	assert.GreaterOrEqual(t, types[TypeHeartbeatAck], 1)
	assert.GreaterOrEqual(t, types[TypeError], 1)
}

func TestServer_Close(t *testing.T) {
	s, _, httpSrv := newControlSurface(t, testWSConfig())
	conn := connectAndDrainSnapshot(t, httpSrv.URL)

	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame Frame
	err := wsjson.Read(ctx, conn, &frame)
	require.Error(t, err)
	assert.Equal(t, 0, s.ConnectionCount())
}
