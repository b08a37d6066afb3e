// README: Driver handlers: live offers, accept/decline, trip progress.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

type DriverHandler struct {
	offers *offer.Service
	trips  *trip.Service
}

func NewDriverHandler(offers *offer.Service, trips *trip.Service) *DriverHandler {
	return &DriverHandler{offers: offers, trips: trips}
}

func driverID(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func (h *DriverHandler) ListOffers(c *gin.Context) {
	views, err := h.offers.ListLive(c.Request.Context(), driverID(c))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"offers":      views,
		"ttl_seconds": int(h.offers.TTL().Seconds()),
	})
}

func (h *DriverHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.offers.Accept(c.Request.Context(), offer.AcceptCommand{
		OfferID:  types.ID(id),
		DriverID: driverID(c),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *DriverHandler) Decline(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	err := h.offers.Decline(c.Request.Context(), offer.DeclineCommand{
		OfferID:  types.ID(id),
		DriverID: driverID(c),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offer_id": id, "status": offer.StatusDeclined})
}

func (h *DriverHandler) EnRoute(c *gin.Context) {
	h.advance(c, h.trips.MarkEnRoute)
}

func (h *DriverHandler) Arrive(c *gin.Context) {
	h.advance(c, h.trips.Arrive)
}

func (h *DriverHandler) Start(c *gin.Context) {
	h.advance(c, h.trips.Start)
}

type completeTripReq struct {
	ActualFare *int64 `json:"actual_fare"`
}

func (h *DriverHandler) Complete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req completeTripReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
	}
	t, err := h.trips.Complete(c.Request.Context(), trip.CompleteCommand{
		TripID:     types.ID(id),
		DriverID:   driverID(c),
		ActualFare: req.ActualFare,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *DriverHandler) advance(c *gin.Context, step func(context.Context, trip.DriverCommand) (*trip.Trip, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := step(c.Request.Context(), trip.DriverCommand{TripID: types.ID(id), DriverID: driverID(c)})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}
