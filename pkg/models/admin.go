package models

import (
	"encoding/json"
	"time"
)

// AdminActor identifies who initiated an administrative action
type AdminActor struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuditAction names an auditable administrative action
type AuditAction string

// Audit actions recorded through the audit port
const (
	AuditServiceStart        AuditAction = "SERVICE.START"
	AuditServiceStop         AuditAction = "SERVICE.STOP"
	AuditServiceConfigure    AuditAction = "SERVICE.CONFIGURE"
	AuditResetCircuitBreaker AuditAction = "RESET_CIRCUIT_BREAKER"
	AuditUpdateServiceConfig AuditAction = "UPDATE_SERVICE_CONFIG"
	AuditSkyDuelConnection   AuditAction = "SKYDUEL_CONNECTION"
)

// Audit entry statuses
const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
)

// AuditEntry records one administrative action
type AuditEntry struct {
	ID          string                 `json:"id" db:"id"`
	AdminID     string                 `json:"admin_id" db:"admin_id"`
	Action      AuditAction            `json:"action" db:"action"`
	Details     map[string]interface{} `json:"details,omitempty" db:"-"`
	DetailsJSON json.RawMessage        `json:"-" db:"details"`
	IPAddress   string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string                 `json:"user_agent,omitempty" db:"user_agent"`
	Status      string                 `json:"status" db:"status"`
	Error       string                 `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// Setting is one row of the keyed settings store
type Setting struct {
	Key         string                 `json:"key" db:"key"`
	Value       map[string]interface{} `json:"value" db:"-"`
	ValueJSON   json.RawMessage        `json:"-" db:"value"`
	Description string                 `json:"description,omitempty" db:"description"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
	UpdatedBy   string                 `json:"updated_by,omitempty" db:"updated_by"`
}
