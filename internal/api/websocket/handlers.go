package websocket

import (
	"context"

	"github.com/pkg/errors"

	"github.com/skyduel/skyduel/pkg/registry"
)

// handleFrame routes one inbound frame. Validation failures answer
// with a typed error frame; the session itself stays open.
func (s *Server) handleFrame(ctx context.Context, c *Connection, frame Frame) {
	s.metrics.IncrementCounterWithLabels("skyduel_frames_received", 1, map[string]string{
		"type": frame.Type,
	})

	switch frame.Type {
	case TypeHeartbeat:
		s.handleHeartbeat(c)
	case TypeServiceSubscribe:
		s.handleServiceSubscribe(c, frame)
	case TypeServiceUnsubscribe:
		s.handleServiceUnsubscribe(c, frame)
	case TypeServiceStart:
		s.handleAdminAction(ctx, c, frame, CodeServiceStartError, s.startService)
	case TypeServiceStop:
		s.handleAdminAction(ctx, c, frame, CodeServiceStopError, s.stopService)
	case TypeServiceRestart:
		s.handleAdminAction(ctx, c, frame, CodeServiceRestartError, s.restartService)
	case TypeBreakerReset:
		s.handleAdminAction(ctx, c, frame, CodeBreakerResetError, s.resetBreaker)
	case TypeGetCatalog:
		s.handleGetCatalog(c)
	case TypeGetServiceState:
		s.handleGetServiceState(c, frame)
	case TypeGetAllStates:
		s.handleGetAllStates(c)
	case TypeGetDependencyGraph:
		s.handleGetDependencyGraph(c)
	case TypeConfigUpdate:
		s.handleConfigUpdate(ctx, c, frame)
	case TypeTopicSubscribe:
		s.handleTopicSubscribe(c, frame)
	case TypeTopicUnsubscribe:
		s.handleTopicUnsubscribe(c, frame)
	default:
		c.sendError(CodeUnknownCommand, "unknown command: "+frame.Type)
	}
}

func (s *Server) handleHeartbeat(c *Connection) {
	c.touchHeartbeat()
	c.sendFrame(newFrame(TypeHeartbeatAck))
}

// handleServiceSubscribe registers interest in one service's state and
// answers with the current state so dashboards render immediately.
func (s *Server) handleServiceSubscribe(c *Connection, frame Frame) {
	if frame.Service == "" {
		c.sendError(CodeMissingService, "service is required")
		return
	}
	state, ok := s.registry.StateView(frame.Service)
	if !ok {
		c.sendError(CodeServiceNotFound, "unknown service: "+frame.Service)
		return
	}

	c.subscribe(serviceTopic(frame.Service))

	ack := newFrame(successType(TypeServiceSubscribe))
	ack.Service = frame.Service
	c.sendFrame(ack)

	current := newFrame(TypeServiceState)
	current.Service = frame.Service
	current.Data = state
	c.sendFrame(current)
}

func (s *Server) handleServiceUnsubscribe(c *Connection, frame Frame) {
	if frame.Service == "" {
		c.sendError(CodeMissingService, "service is required")
		return
	}
	c.unsubscribe(serviceTopic(frame.Service))

	ack := newFrame(successType(TypeServiceUnsubscribe))
	ack.Service = frame.Service
	c.sendFrame(ack)
}

// adminAction is one registry operation invoked on behalf of a session.
type adminAction func(ctx context.Context, c *Connection, service string) error

func (s *Server) startService(ctx context.Context, c *Connection, service string) error {
	return s.registry.StartService(ctx, c.Actor, service)
}

func (s *Server) stopService(ctx context.Context, c *Connection, service string) error {
	return s.registry.StopService(ctx, c.Actor, service)
}

func (s *Server) restartService(ctx context.Context, c *Connection, service string) error {
	return s.registry.RestartService(ctx, c.Actor, service)
}

func (s *Server) resetBreaker(ctx context.Context, c *Connection, service string) error {
	return s.registry.ResetCircuitBreaker(ctx, c.Actor, service)
}

// handleAdminAction runs a lifecycle operation and answers with either
// a <type>:success frame or a typed error. Unknown services map to
// SERVICE_NOT_FOUND regardless of the operation.
func (s *Server) handleAdminAction(ctx context.Context, c *Connection, frame Frame, failureCode string, action adminAction) {
	if frame.Service == "" {
		c.sendError(CodeMissingService, "service is required")
		return
	}

	if err := action(ctx, c, frame.Service); err != nil {
		c.sendError(adminErrorCode(err, failureCode), err.Error())
		return
	}

	ack := newFrame(successType(frame.Type))
	ack.Service = frame.Service
	if state, ok := s.registry.StateView(frame.Service); ok {
		ack.Data = state
	}
	c.sendFrame(ack)
}

func (s *Server) handleGetCatalog(c *Connection) {
	frame := newFrame(TypeServiceCatalog)
	frame.Data = s.registry.Catalog()
	c.sendFrame(frame)
}

func (s *Server) handleGetServiceState(c *Connection, frame Frame) {
	if frame.Service == "" {
		c.sendError(CodeMissingService, "service is required")
		return
	}
	state, ok := s.registry.StateView(frame.Service)
	if !ok {
		c.sendError(CodeServiceNotFound, "unknown service: "+frame.Service)
		return
	}

	reply := newFrame(TypeServiceState)
	reply.Service = frame.Service
	reply.Data = state
	c.sendFrame(reply)
}

func (s *Server) handleGetAllStates(c *Connection) {
	frame := newFrame(TypeAllStates)
	frame.Data = s.registry.AllStates()
	c.sendFrame(frame)
}

func (s *Server) handleGetDependencyGraph(c *Connection) {
	frame := newFrame(TypeDependencyGraph)
	frame.Data = s.registry.DependencyGraph()
	c.sendFrame(frame)
}

func (s *Server) handleConfigUpdate(ctx context.Context, c *Connection, frame Frame) {
	if frame.Service == "" {
		c.sendError(CodeMissingService, "service is required")
		return
	}
	if len(frame.Config) == 0 {
		c.sendError(CodeMissingConfig, "config is required")
		return
	}

	if err := s.registry.UpdateServiceConfig(ctx, c.Actor, frame.Service, frame.Config); err != nil {
		c.sendError(adminErrorCode(err, CodeConfigUpdateError), err.Error())
		return
	}

	ack := newFrame(successType(TypeConfigUpdate))
	ack.Service = frame.Service
	if state, ok := s.registry.StateView(frame.Service); ok {
		ack.Data = state
	}
	c.sendFrame(ack)
}

func (s *Server) handleTopicSubscribe(c *Connection, frame Frame) {
	if frame.Topic == "" {
		c.sendError(CodeSessionError, "topic is required")
		return
	}
	c.subscribe(frame.Topic)

	ack := newFrame(successType(TypeTopicSubscribe))
	ack.Topic = frame.Topic
	c.sendFrame(ack)
}

func (s *Server) handleTopicUnsubscribe(c *Connection, frame Frame) {
	if frame.Topic == "" {
		c.sendError(CodeSessionError, "topic is required")
		return
	}
	c.unsubscribe(frame.Topic)

	ack := newFrame(successType(TypeTopicUnsubscribe))
	ack.Topic = frame.Topic
	c.sendFrame(ack)
}

// adminErrorCode picks the error code for a failed operation: unknown
// targets beat the operation-specific fallback.
func adminErrorCode(err error, fallback string) string {
	if errors.Is(err, registry.ErrServiceNotFound) {
		return CodeServiceNotFound
	}
	return fallback
}
