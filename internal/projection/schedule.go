package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// ScheduleCreated is the payload of schedule.created / schedule.updated.
type ScheduleCreated struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Timezone       string `json:"timezone,omitempty"`
	Definition     []byte `json:"definition,omitempty"`
}

// applySchedule routes schedule template events into schedules_projection
// and schedule_users_projection. The user assignment payloads are treated as
// additive: only schedule_id and user_id are contractual.
func (e *Engine) applySchedule(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "schedule.created", "schedule.updated":
		var p ScheduleCreated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedules_projection (id, organization_id, name, timezone, definition, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				timezone = EXCLUDED.timezone,
				definition = EXCLUDED.definition,
				updated_at = EXCLUDED.created_at`,
			event.StreamID, p.OrganizationID, p.Name, p.Timezone, p.Definition, event.CreatedAt)
		return err

	case "schedule.deactivated":
		_, err := tx.ExecContext(ctx, `
			UPDATE schedules_projection SET is_active = FALSE, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "schedule.reactivated":
		_, err := tx.ExecContext(ctx, `
			UPDATE schedules_projection SET is_active = TRUE, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "schedule.deleted":
		_, err := tx.ExecContext(ctx, `
			UPDATE schedules_projection SET deleted_at = $2, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "schedule.user_assigned":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("schedule.user_assigned payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_users_projection (schedule_id, user_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (schedule_id, user_id) DO UPDATE SET deleted_at = NULL`,
			event.StreamID, p.UserID, event.CreatedAt)
		return err

	case "schedule.user_unassigned":
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("schedule.user_unassigned payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE schedule_users_projection SET deleted_at = $3
			WHERE schedule_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
			event.StreamID, p.UserID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamSchedule, event.EventType)
	}
}
