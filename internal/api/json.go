package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/logger"
	"fieldroute/internal/store"
)

const maxBodyBytes = 1 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// decodeJSON reads a JSON body into v. An empty body is allowed when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return apperrors.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := classify(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

func classify(err error) (int, string) {
	switch {
	case apperrors.IsValidation(err):
		return http.StatusBadRequest, "Invalid Request"
	case apperrors.IsNotFound(err), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case apperrors.IsInsufficientStops(err):
		return http.StatusUnprocessableEntity, "Insufficient Stops"
	case apperrors.IsProviderUnavailable(err):
		return http.StatusBadGateway, "Routing Provider Unavailable"
	case apperrors.IsDuplicateActiveAssignment(err),
		apperrors.IsNoActiveAssignment(err),
		apperrors.IsStopSetMismatch(err),
		apperrors.IsOutletInUse(err),
		apperrors.IsInvalidTransition(err),
		errors.Is(err, apperrors.ErrSameAssignee),
		errors.Is(err, apperrors.ErrRouteArchived),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "Conflict"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func badRequest(field string, err error) error {
	return apperrors.Validation(field, "%v", err)
}
