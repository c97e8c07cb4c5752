package processor

import (
	"context"
	"errors"
	"strings"

	"go-eventflow/pkg/models"
)

// Keyword families used for errors nobody classified. Checked in order.
var keywordFamilies = []struct {
	errorType ErrorType
	keywords  []string
}{
	{ErrorTransient, []string{"network", "timeout", "timed out", "connection", "unavailable", "refused", "reset", "deadline"}},
	{ErrorBusinessLogic, []string{"validation", "invalid", "required", "not allowed"}},
	{ErrorPoison, []string{"parse", "json", "format", "unmarshal", "decode"}},
}

// Classify maps err onto the taxonomy. Pre-classified errors win; then known
// sentinels; then keyword matching on the message; anything else is SYSTEM.
func Classify(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	if perr, ok := AsProcessingError(err); ok {
		return perr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, ErrProcessingTimeout):
		return Transient(err)
	case errors.Is(err, models.ErrMalformedPayload):
		return Poison(err)
	case errors.Is(err, models.ErrInvalidPayload):
		return BusinessLogic(err)
	}

	msg := strings.ToLower(err.Error())
	for _, family := range keywordFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(msg, kw) {
				return newProcessingError(family.errorType, family.errorType == ErrorTransient, err)
			}
		}
	}
	return System(err)
}
