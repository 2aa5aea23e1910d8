package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// statusClientClosedRequest is logged when the caller went away mid-request.
const statusClientClosedRequest = 499

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrTraceNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case domain.IsKind(err, domain.ErrIndexUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// answerStatus picks the code for an answer that came back with an error.
// Unavailable sources are retryable; every other rejection is final.
func answerStatus(err error) int {
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		if rejection.Reason == domain.RejectUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	}
	return mapErrorToHTTPStatus(err)
}

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func newErrorResponse(err error, requestID string) errorResponse {
	resp := errorResponse{RequestID: requestID}
	var validation *domain.ValidationError
	switch status := mapErrorToHTTPStatus(err); {
	case errors.As(err, &validation):
		resp.Error = validation.Error()
		resp.Field = validation.Field
	case status == http.StatusServiceUnavailable:
		resp.Error = domain.TemporarilyUnavailableMessage
	case status == http.StatusGatewayTimeout:
		resp.Error = "request deadline exceeded"
	case status >= http.StatusInternalServerError:
		resp.Error = "internal error"
	default:
		resp.Error = err.Error()
	}
	return resp
}
