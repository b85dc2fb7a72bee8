package websocket

import "time"

// Inbound frame types accepted from control clients.
const (
	TypeHeartbeat          = "heartbeat"
	TypeServiceSubscribe   = "service:subscribe"
	TypeServiceUnsubscribe = "service:unsubscribe"
	TypeServiceStart       = "service:start"
	TypeServiceStop        = "service:stop"
	TypeServiceRestart     = "service:restart"
	TypeBreakerReset       = "circuit-breaker:reset"
	TypeGetCatalog         = "get:service-catalog"
	TypeGetServiceState    = "get:service-state"
	TypeGetAllStates       = "get:all-states"
	TypeGetDependencyGraph = "get:dependency-graph"
	TypeConfigUpdate       = "service:config-update"
	TypeTopicSubscribe     = "topic:subscribe"
	TypeTopicUnsubscribe   = "topic:unsubscribe"
)

// Outbound frame types pushed to control clients.
const (
	TypeWelcome         = "welcome"
	TypeServiceCatalog  = "service:catalog"
	TypeServiceState    = "service:state"
	TypeAllStates       = "all-states"
	TypeDependencyGraph = "dependency:graph"
	TypeServiceUpdate   = "service:update"
	TypeHeartbeatAck    = "heartbeat:ack"
	TypeTopicEvent      = "topic:event"
	TypeError           = "error"
)

// Error codes carried on error frames.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeUnknownCommand      = "UNKNOWN_COMMAND"
	CodeMissingService      = "MISSING_SERVICE"
	CodeMissingConfig       = "MISSING_CONFIG"
	CodeServiceNotFound     = "SERVICE_NOT_FOUND"
	CodeSessionError        = "SESSION_ERROR"
	CodeServiceStartError   = "SERVICE_START_ERROR"
	CodeServiceStopError    = "SERVICE_STOP_ERROR"
	CodeServiceRestartError = "SERVICE_RESTART_ERROR"
	CodeBreakerResetError   = "CIRCUIT_BREAKER_RESET_ERROR"
	CodeConfigUpdateError   = "CONFIG_UPDATE_ERROR"
)

// Frame is one JSON control message in either direction. Which fields
// are set depends on Type; unknown fields are ignored on read.
type Frame struct {
	Type      string                 `json:"type"`
	Service   string                 `json:"service,omitempty"`
	Topic     string                 `json:"topic,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Data      interface{}            `json:"data,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// newFrame stamps an outbound frame of the given type.
func newFrame(frameType string) Frame {
	return Frame{
		Type:      frameType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// errorFrame builds the typed error reply for a failed request.
func errorFrame(code, message string) Frame {
	f := newFrame(TypeError)
	f.Code = code
	f.Message = message
	return f
}

// successType derives the ack type for an administrative request, e.g.
// service:start -> service:start:success.
func successType(requestType string) string {
	return requestType + ":success"
}
