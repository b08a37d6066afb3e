// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// isValidID accepts uuids and the short ids used by tests and the bench.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Code: code, Error: msg})
}

// domainErrors is checked in order; the first match wins.
var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{trip.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{location.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{trip.ErrNotFound, http.StatusNotFound, "not_found"},
	{offer.ErrNotFound, http.StatusNotFound, "not_found"},
	{dispatch.ErrNotFound, http.StatusNotFound, "not_found"},
	{trip.ErrForbidden, http.StatusForbidden, "forbidden"},
	{offer.ErrForbidden, http.StatusForbidden, "forbidden"},
	{offer.ErrExpired, http.StatusGone, "offer_expired"},
	{offer.ErrAlreadyResponded, http.StatusConflict, "offer_already_responded"},
	{offer.ErrTripAlreadyAssigned, http.StatusConflict, "trip_already_assigned"},
	{trip.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{trip.ErrActiveTrip, http.StatusConflict, "active_trip"},
	{trip.ErrConflict, http.StatusConflict, "conflict"},
	{location.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "upstream_unavailable"},
}

func writeDomainError(c *gin.Context, err error) {
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			writeError(c, m.status, m.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal", "internal error")
}

// pathID reads and validates the :id route parameter.
func pathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid id")
		return "", false
	}
	return id, true
}
