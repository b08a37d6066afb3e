// README: Dispatch results, audit records and the dispatch error set.
package dispatch

import (
	"errors"
	"time"

	"ridedispatch/internal/types"
)

var (
	ErrInconsistent = errors.New("dispatch state inconsistent")
	ErrNotFound     = errors.New("dispatch record not found")
)

// errAbandoned means the trip left REQUESTED before the atomic step ran.
var errAbandoned = errors.New("trip no longer awaiting dispatch")

type Result struct {
	DriversNotified int     `json:"drivers_notified"`
	RadiusKm        float64 `json:"radius_km"`
}

type Outcome string

const (
	OutcomeOffered   Outcome = "offered"
	OutcomeNoDrivers Outcome = "no_drivers"
)

// Record is the operator-facing audit of one dispatch.
type Record struct {
	TripID       types.ID   `json:"trip_id"`
	Outcome      Outcome    `json:"outcome"`
	RadiusKm     float64    `json:"radius_km"`
	DriverIDs    []types.ID `json:"driver_ids"`
	DispatchedAt time.Time  `json:"dispatched_at"`
}
