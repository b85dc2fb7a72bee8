// Package repository provides the Postgres-backed persistence ports of
// the supervision plane: the keyed settings store that holds durable
// service state, and the append-only admin audit log.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
)

// SettingsRepository defines the interface for the keyed settings store
type SettingsRepository interface {
	Upsert(ctx context.Context, setting *models.Setting) error
	Get(ctx context.Context, key string) (*models.Setting, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]*models.Setting, error)
}

// settingsRepository implements SettingsRepository
type settingsRepository struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) SettingsRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &settingsRepository{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// Upsert inserts or replaces the setting stored under setting.Key
func (r *settingsRepository) Upsert(ctx context.Context, setting *models.Setting) error {
	startTime := time.Now()
	success := false
	defer func() {
		r.metrics.RecordDatabaseOperation("upsert_setting", success, time.Since(startTime).Seconds())
	}()

	valueJSON := setting.ValueJSON
	if setting.Value != nil {
		data, err := json.Marshal(setting.Value)
		if err != nil {
			return errors.Wrap(err, "failed to marshal setting value")
		}
		valueJSON = data
	}
	if len(valueJSON) == 0 {
		valueJSON = json.RawMessage("{}")
	}

	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO system_settings (key, value, description, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
	`

	_, err := r.db.ExecContext(
		ctx, query,
		setting.Key,
		[]byte(valueJSON),
		setting.Description,
		setting.UpdatedAt,
		setting.UpdatedBy,
	)
	if err != nil {
		r.logger.Error("Failed to upsert setting", map[string]interface{}{
			"key":   setting.Key,
			"error": err.Error(),
		})
		return errors.Wrap(err, "failed to upsert setting")
	}

	success = true
	return nil
}

// Get retrieves a setting by key, returning nil when the key is absent
func (r *settingsRepository) Get(ctx context.Context, key string) (*models.Setting, error) {
	startTime := time.Now()
	success := false
	defer func() {
		r.metrics.RecordDatabaseOperation("get_setting", success, time.Since(startTime).Seconds())
	}()

	query := `
		SELECT key, value, description, updated_at, updated_by
		FROM system_settings
		WHERE key = $1
	`

	var setting models.Setting
	err := r.db.GetContext(ctx, &setting, query, key)
	if err != nil {
		if err == sql.ErrNoRows {
			success = true
			return nil, nil
		}
		r.logger.Error("Failed to get setting", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, errors.Wrap(err, "failed to get setting")
	}

	if len(setting.ValueJSON) > 0 {
		if err := json.Unmarshal(setting.ValueJSON, &setting.Value); err != nil {
			r.logger.Warn("Failed to parse setting value JSON", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			setting.Value = make(map[string]interface{})
		}
	} else {
		setting.Value = make(map[string]interface{})
	}

	success = true
	return &setting, nil
}

// Delete removes a setting and reports whether a row existed
func (r *settingsRepository) Delete(ctx context.Context, key string) (bool, error) {
	startTime := time.Now()
	success := false
	defer func() {
		r.metrics.RecordDatabaseOperation("delete_setting", success, time.Since(startTime).Seconds())
	}()

	query := `DELETE FROM system_settings WHERE key = $1`

	result, err := r.db.ExecContext(ctx, query, key)
	if err != nil {
		r.logger.Error("Failed to delete setting", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false, errors.Wrap(err, "failed to delete setting")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	success = true
	return rowsAffected > 0, nil
}

// List returns all settings ordered by key
func (r *settingsRepository) List(ctx context.Context) ([]*models.Setting, error) {
	startTime := time.Now()
	success := false
	defer func() {
		r.metrics.RecordDatabaseOperation("list_settings", success, time.Since(startTime).Seconds())
	}()

	query := `
		SELECT key, value, description, updated_at, updated_by
		FROM system_settings
		ORDER BY key
	`

	var settings []*models.Setting
	if err := r.db.SelectContext(ctx, &settings, query); err != nil {
		r.logger.Error("Failed to list settings", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, errors.Wrap(err, "failed to list settings")
	}

	for _, setting := range settings {
		if len(setting.ValueJSON) > 0 {
			if err := json.Unmarshal(setting.ValueJSON, &setting.Value); err != nil {
				setting.Value = make(map[string]interface{})
			}
		} else {
			setting.Value = make(map[string]interface{})
		}
	}

	success = true
	return settings, nil
}
