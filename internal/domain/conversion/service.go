package conversion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/fhir"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/hl7v2"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/mapper"
)

// Service drives conversions and records their outcomes. The repository is
// optional: without one, conversions still run but leave no audit trail.
type Service struct {
	engine *mapper.Engine
	repo   Repository
	logger zerolog.Logger
}

func NewService(engine *mapper.Engine, repo Repository, logger zerolog.Logger) *Service {
	return &Service{engine: engine, repo: repo, logger: logger}
}

// Convert parses raw HL7v2 bytes and runs them through the mapping engine.
// Every attempt that gets as far as a parsed message is recorded, failures
// included.
func (s *Service) Convert(ctx context.Context, raw []byte) (*fhir.Bundle, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.ConvertMessage(ctx, msg)
}

// ConvertMessage converts an already parsed message. The MLLP listener uses
// this entry point directly.
func (s *Service) ConvertMessage(ctx context.Context, msg *hl7v2.Message) (*fhir.Bundle, error) {
	bundle, err := s.engine.Convert(msg)
	if err != nil {
		s.logger.Error().
			Str("message_type", msg.Type).
			Str("control_id", msg.ControlID).
			Err(err).
			Msg("conversion failed")
		s.record(ctx, msg, nil, err)
		return nil, err
	}

	s.logger.Info().
		Str("message_type", msg.Type).
		Str("control_id", msg.ControlID).
		Int("resources", len(bundle.Entry)).
		Msg("conversion completed")
	s.record(ctx, msg, bundle, nil)
	return bundle, nil
}

// record persists the conversion outcome. Persistence failures are logged,
// not returned: the bundle was already produced and belongs to the caller.
func (s *Service) record(ctx context.Context, msg *hl7v2.Message, bundle *fhir.Bundle, convErr error) {
	if s.repo == nil {
		return
	}

	rec := &Record{
		ID:               uuid.New(),
		MessageControlID: msg.ControlID,
		MessageType:      msg.Type,
		Status:           StatusCompleted,
		CreatedAt:        time.Now().UTC(),
	}
	if convErr != nil {
		rec.Status = StatusFailed
		errStr := convErr.Error()
		rec.Error = &errStr
	} else {
		rec.ResourceCount = len(bundle.Entry)
		if raw, err := json.Marshal(bundle); err == nil {
			rec.Bundle = raw
		}
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		s.logger.Warn().
			Str("control_id", msg.ControlID).
			Err(err).
			Msg("failed to record conversion")
	}
}

func (s *Service) GetConversion(ctx context.Context, id uuid.UUID) (*Record, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListConversions(ctx context.Context, params map[string]string, limit, offset int) ([]*Record, int, error) {
	if s.repo == nil {
		return nil, 0, ErrNoRepository
	}
	return s.repo.List(ctx, params, limit, offset)
}
