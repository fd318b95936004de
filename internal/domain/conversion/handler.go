package conversion

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/fhir"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/internal/platform/mapper"
	"github.com/Medical-Mettles/hl7v2-fhir-converter/pkg/pagination"
)

// maxMessageBytes bounds the request body for a single HL7v2 message.
const maxMessageBytes = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/convert", h.Convert)
	api.GET("/conversions", h.ListConversions)
	api.GET("/conversions/:id", h.GetConversion)
}

// Convert accepts a raw HL7v2 message body and responds with the produced
// FHIR bundle. Malformed messages and template faults map to 400 and 422
// with an OperationOutcome body.
func (h *Handler) Convert(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body"))
	}
	if len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("request body is empty"))
	}

	bundle, err := h.svc.Convert(c.Request().Context(), raw)
	if err != nil {
		var specErr *mapper.SpecificationError
		if errors.As(err, &specErr) {
			return c.JSON(http.StatusUnprocessableEntity, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) ListConversions(c echo.Context) error {
	pg := pagination.FromContext(c)

	params := map[string]string{}
	for _, key := range []string{"status", "message-type", "control-id"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}

	items, total, err := h.svc.ListConversions(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		if errors.Is(err, ErrNoRepository) {
			return echo.NewHTTPError(http.StatusNotImplemented, "conversion history is not enabled")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConversion(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetConversion(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNoRepository) {
			return echo.NewHTTPError(http.StatusNotImplemented, "conversion history is not enabled")
		}
		return echo.NewHTTPError(http.StatusNotFound, "conversion not found")
	}
	return c.JSON(http.StatusOK, rec)
}
