// README: Passenger-facing trip handlers: create, get, history, cancel, dispatch audit.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

type TripHandler struct {
	trips    *trip.Service
	dispatch dispatch.Recorder
}

func NewTripHandler(trips *trip.Service, recorder dispatch.Recorder) *TripHandler {
	return &TripHandler{trips: trips, dispatch: recorder}
}

type createTripReq struct {
	Pickup        *types.Point `json:"pickup"`
	Destination   *types.Point `json:"destination"`
	PickupAddress string       `json:"pickup_address"`
	DestAddress   string       `json:"destination_address"`
}

// Create answers as soon as the trip is stored; dispatch runs in the background.
func (h *TripHandler) Create(c *gin.Context) {
	if middleware.CallerRole(c) == middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden", "drivers cannot request trips")
		return
	}
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if req.Pickup == nil || req.Destination == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "pickup and destination are required")
		return
	}
	t, err := h.trips.Create(c.Request.Context(), trip.CreateCommand{
		PassengerID:   types.ID(middleware.CallerUID(c)),
		Pickup:        *req.Pickup,
		Destination:   *req.Destination,
		PickupAddress: req.PickupAddress,
		DestAddress:   req.DestAddress,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, t)
}

func (h *TripHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.trips.GetFor(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *TripHandler) History(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	evs, err := h.trips.History(c.Request.Context(), types.ID(id), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if evs == nil {
		evs = []trip.Event{}
	}
	writeJSON(c, http.StatusOK, gin.H{"events": evs})
}

type cancelTripReq struct {
	Reason string `json:"reason"`
}

func (h *TripHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelTripReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
	}
	t, err := h.trips.Cancel(c.Request.Context(), trip.CancelCommand{
		TripID:   types.ID(id),
		CallerID: types.ID(middleware.CallerUID(c)),
		Reason:   req.Reason,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

// Dispatch shows the passenger which radius was used and how many drivers were asked.
func (h *TripHandler) Dispatch(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	t, err := h.trips.Get(ctx, types.ID(id))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if t.PassengerID != types.ID(middleware.CallerUID(c)) {
		writeError(c, http.StatusForbidden, "forbidden", "not your trip")
		return
	}
	if h.dispatch == nil {
		writeError(c, http.StatusNotFound, "not_found", "dispatch records disabled")
		return
	}
	rec, err := h.dispatch.GetDispatch(ctx, t.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}
