package conversion

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNoRepository is returned by read operations when the service runs
// without persistence configured.
var ErrNoRepository = errors.New("conversion: no repository configured")

type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*Record, int, error)
}
