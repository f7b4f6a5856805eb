package handlers

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jackronrau/anycrawl/internal/models"
	"github.com/jackronrau/anycrawl/internal/service"
)

// mapServiceError translates service and domain errors into HTTP errors.
func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return huma.Error404NotFound("job not found")
	case errors.Is(err, service.ErrJobTerminal):
		return huma.Error409Conflict("job already in a terminal state")
	}

	var coded *models.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case models.ErrCodeValidation:
			return huma.Error422UnprocessableEntity(coded.Message)
		case models.ErrCodeNavigationTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		}
	}
	return huma.Error500InternalServerError("internal error", err)
}
