package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
)

// AuditRepository defines the interface for the admin audit log
type AuditRepository interface {
	LogAction(ctx context.Context, entry *models.AuditEntry) error
	ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

// auditRepository implements AuditRepository
type auditRepository struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) AuditRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &auditRepository{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// LogAction appends one audit entry. Callers treat failures as
// best-effort: a failed write never blocks the admin action itself.
func (r *auditRepository) LogAction(ctx context.Context, entry *models.AuditEntry) error {
	startTime := time.Now()
	success := false
	defer func() {
		r.metrics.RecordDatabaseOperation("log_audit_action", success, time.Since(startTime).Seconds())
	}()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = models.AuditStatusSuccess
	}

	detailsJSON := entry.DetailsJSON
	if entry.Details != nil {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return errors.Wrap(err, "failed to marshal audit details")
		}
		detailsJSON = data
	}
	if len(detailsJSON) == 0 {
		detailsJSON = json.RawMessage("{}")
	}

	query := `
		INSERT INTO admin_audit_log (
			id, admin_id, action, details, ip_address,
			user_agent, status, error, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := r.db.ExecContext(
		ctx, query,
		entry.ID,
		entry.AdminID,
		string(entry.Action),
		[]byte(detailsJSON),
		entry.IPAddress,
		entry.UserAgent,
		entry.Status,
		entry.Error,
		entry.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to write audit entry", map[string]interface{}{
			"action":   string(entry.Action),
			"admin_id": entry.AdminID,
			"error":    err.Error(),
		})
		return errors.Wrap(err, "failed to write audit entry")
	}

	success = true
	return nil
}

// ListRecent returns the newest entries first, capped at limit
func (r *auditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	startTime := time.Now()
	success := false
	defer func() {
		r.metrics.RecordDatabaseOperation("list_audit_entries", success, time.Since(startTime).Seconds())
	}()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, admin_id, action, details, ip_address,
		       user_agent, status, error, created_at
		FROM admin_audit_log
		ORDER BY created_at DESC
		LIMIT $1
	`

	var entries []*models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		r.logger.Error("Failed to list audit entries", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, errors.Wrap(err, "failed to list audit entries")
	}

	for _, entry := range entries {
		if len(entry.DetailsJSON) > 0 {
			if err := json.Unmarshal(entry.DetailsJSON, &entry.Details); err != nil {
				entry.Details = make(map[string]interface{})
			}
		}
	}

	success = true
	return entries, nil
}
