// README: HTTP router registration.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/http/handlers"
	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/infra"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
)

type RouterDeps struct {
	Trips    *trip.Service
	Offers   *offer.Service
	Location *location.Service
	Dispatch dispatch.Recorder
	Verifier infra.TokenVerifier
	Log      logrus.FieldLogger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	tripHandler := handlers.NewTripHandler(deps.Trips, deps.Dispatch)
	api.POST("/trips", tripHandler.Create)
	api.GET("/trips/:id", tripHandler.Get)
	api.GET("/trips/:id/events", tripHandler.History)
	api.POST("/trips/:id/cancel", tripHandler.Cancel)
	api.GET("/trips/:id/dispatch", tripHandler.Dispatch)

	drivers := api.Group("/drivers", middleware.RequireRole(middleware.RoleDriver))

	driverHandler := handlers.NewDriverHandler(deps.Offers, deps.Trips)
	drivers.GET("/offers", driverHandler.ListOffers)
	drivers.POST("/offers/:id/accept", driverHandler.Accept)
	drivers.POST("/offers/:id/decline", driverHandler.Decline)
	drivers.POST("/trips/:id/en-route", driverHandler.EnRoute)
	drivers.POST("/trips/:id/arrive", driverHandler.Arrive)
	drivers.POST("/trips/:id/start", driverHandler.Start)
	drivers.POST("/trips/:id/complete", driverHandler.Complete)

	locationHandler := handlers.NewLocationHandler(deps.Location)
	drivers.PUT("/location", locationHandler.Update)

	return r
}

// NewServer wraps the engine with CORS and the timeouts used in production.
func NewServer(addr string, engine http.Handler) *http.Server {
	cors := gorillahandlers.CORS(
		gorillahandlers.AllowedOrigins([]string{"*"}),
		gorillahandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		gorillahandlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)
	return &http.Server{
		Addr:              addr,
		Handler:           cors(engine),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
