package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
)

// AlertRepository reads escalation settings and maintains alert rows. The
// scanner recomputes the full overdue set each pass and diffs it against the
// open alerts, so this layer only needs ensure-open and close-stale.
type AlertRepository struct {
	db *database.DB
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *database.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// ListEnabledSettings returns all enabled alert settings of a type.
func (r *AlertRepository) ListEnabledSettings(ctx context.Context, settingType string) ([]*AlertSetting, error) {
	query := `
		SELECT id, type, is_enabled, threshold, scope_project_id,
		       recipients, channels, remind_after_hours, remind_max_count,
		       created_at, updated_at
		FROM alert_settings
		WHERE type = $1
		  AND is_enabled = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, settingType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alert settings")
	}
	defer rows.Close()

	var settings []*AlertSetting
	for rows.Next() {
		s := &AlertSetting{}
		var recipientsJSON, channelsJSON []byte
		err := rows.Scan(
			&s.ID,
			&s.Type,
			&s.IsEnabled,
			&s.Threshold,
			&s.ScopeProjectID,
			&recipientsJSON,
			&channelsJSON,
			&s.RemindAfterHours,
			&s.RemindMaxCount,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan alert setting")
		}
		if len(recipientsJSON) > 0 {
			if err := json.Unmarshal(recipientsJSON, &s.Recipients); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal alert recipients")
			}
		}
		if len(channelsJSON) > 0 {
			if err := json.Unmarshal(channelsJSON, &s.Channels); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal alert channels")
			}
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// EnsureOpen opens an alert for (settingID, targetRef) unless one is already
// open. Returns true when a new alert row was created this call.
func (r *AlertRepository) EnsureOpen(ctx context.Context, settingID, targetRef string) (bool, error) {
	query := `
		INSERT INTO alerts (setting_id, status, target_ref)
		VALUES ($1, 'open', $2)
		ON CONFLICT (setting_id, target_ref) WHERE status = 'open' DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query, settingID, targetRef)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to open alert")
	}
	return tag.RowsAffected() > 0, nil
}

// CloseStale closes every open alert for a setting whose target ref is not
// in keepRefs. An empty keepRefs closes all open alerts for the setting.
// Returns the number of alerts closed.
func (r *AlertRepository) CloseStale(ctx context.Context, settingID string, keepRefs []string) (int64, error) {
	if keepRefs == nil {
		keepRefs = []string{}
	}

	query := `
		UPDATE alerts
		SET status    = 'closed',
		    closed_at = NOW()
		WHERE setting_id = $1
		  AND status = 'open'
		  AND NOT (target_ref = ANY($2))
	`

	tag, err := r.db.Exec(ctx, query, settingID, keepRefs)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to close stale alerts")
	}
	return tag.RowsAffected(), nil
}

// ListOpenBySetting returns the open alerts for a setting (diagnostics).
func (r *AlertRepository) ListOpenBySetting(ctx context.Context, settingID string) ([]*Alert, error) {
	query := `
		SELECT id, setting_id, status, target_ref, opened_at, closed_at
		FROM alerts
		WHERE setting_id = $1
		  AND status = 'open'
		ORDER BY opened_at ASC
	`

	rows, err := r.db.Query(ctx, query, settingID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list open alerts")
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]*Alert, error) {
	var alerts []*Alert
	for rows.Next() {
		a := &Alert{}
		if err := rows.Scan(&a.ID, &a.SettingID, &a.Status, &a.TargetRef, &a.OpenedAt, &a.ClosedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
