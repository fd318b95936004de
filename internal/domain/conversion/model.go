package conversion

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversion statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record maps to the conversion table: one row per processed message,
// successful or not. The produced bundle is stored as-is for replay and
// troubleshooting.
type Record struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	MessageControlID string          `db:"message_control_id" json:"message_control_id"`
	MessageType      string          `db:"message_type" json:"message_type"`
	Status           string          `db:"status" json:"status"`
	Error            *string         `db:"error" json:"error,omitempty"`
	ResourceCount    int             `db:"resource_count" json:"resource_count"`
	Bundle           json.RawMessage `db:"bundle" json:"bundle,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}
