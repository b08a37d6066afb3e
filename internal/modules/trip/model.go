// README: Trip aggregate, status definitions and the transition table.
package trip

import (
	"errors"
	"fmt"
	"time"

	"ridedispatch/internal/types"
)

type Status string

const (
	StatusNone               Status = "none"
	StatusRequested          Status = "requested"
	StatusFindingDriver      Status = "finding_driver"
	StatusNoDriversAvailable Status = "no_drivers_available"
	StatusDriverAssigned     Status = "driver_assigned"
	StatusEnRoute            Status = "en_route_to_pickup"
	StatusArrived            Status = "arrived_at_pickup"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
)

// Statuses lists every real status (StatusNone excluded).
var Statuses = []Status{
	StatusRequested,
	StatusFindingDriver,
	StatusNoDriversAvailable,
	StatusDriverAssigned,
	StatusEnRoute,
	StatusArrived,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

type Trip struct {
	ID            types.ID     `json:"id"`
	PassengerID   types.ID     `json:"passenger_id"`
	DriverID      *types.ID    `json:"driver_id,omitempty"`
	Status        Status       `json:"status"`
	StatusVersion int          `json:"status_version"`
	Pickup        types.Point  `json:"pickup"`
	Destination   types.Point  `json:"destination"`
	PickupAddress string       `json:"pickup_address"`
	DestAddress   string       `json:"destination_address"`
	PickupCell    string       `json:"pickup_cell"`
	EstimatedFare types.Money  `json:"estimated_fare"`
	EstimatedKm   float64      `json:"estimated_km"`
	ActualFare    *types.Money `json:"actual_fare,omitempty"`
	RequestedAt   time.Time    `json:"requested_at"`
	AssignedAt    *time.Time   `json:"assigned_at,omitempty"`
	EnRouteAt     *time.Time   `json:"en_route_at,omitempty"`
	ArrivedAt     *time.Time   `json:"arrived_at,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason  *string      `json:"cancellation_reason,omitempty"`
}

type Event struct {
	ID         int64     `json:"id"`
	TripID     types.ID  `json:"trip_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
)

// Transition is a single compare-and-set status write. DriverID, Reason and
// ActualFare are applied only when non-nil.
type Transition struct {
	TripID     types.ID
	From       Status
	To         Status
	Version    int
	DriverID   *types.ID
	At         time.Time
	Reason     *string
	ActualFare *types.Money
}

// Apply mirrors the store's UPDATE on an in-memory copy.
func (tr Transition) Apply(t *Trip) {
	t.Status = tr.To
	t.StatusVersion++
	if tr.DriverID != nil {
		d := *tr.DriverID
		t.DriverID = &d
	}
	at := tr.At
	switch tr.To {
	case StatusDriverAssigned:
		t.AssignedAt = &at
	case StatusEnRoute:
		t.EnRouteAt = &at
	case StatusArrived:
		t.ArrivedAt = &at
	case StatusInProgress:
		t.StartedAt = &at
	case StatusCompleted:
		t.CompletedAt = &at
	case StatusCancelled:
		t.CancelledAt = &at
	}
	if tr.Reason != nil {
		r := *tr.Reason
		t.CancelReason = &r
	}
	if tr.ActualFare != nil {
		f := *tr.ActualFare
		t.ActualFare = &f
	}
}

// AllowedTransitions represents the trip state flow (diagram) as code.
// Statuses without an entry are terminal.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:          {StatusFindingDriver, StatusCancelled},
	StatusFindingDriver:      {StatusDriverAssigned, StatusNoDriversAvailable, StatusCancelled},
	StatusNoDriversAvailable: {StatusCancelled},
	StatusDriverAssigned:     {StatusEnRoute, StatusCancelled},
	StatusEnRoute:            {StatusArrived, StatusCancelled},
	StatusArrived:            {StatusInProgress, StatusCancelled},
	StatusInProgress:         {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid state transition")

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidateTransition must be consulted before every status write.
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

func (s Status) Terminal() bool {
	_, ok := AllowedTransitions[s]
	return !ok
}

// Active reports whether a passenger holding a trip in s may not open another.
func (s Status) Active() bool {
	switch s {
	case StatusRequested, StatusFindingDriver, StatusDriverAssigned,
		StatusEnRoute, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

// DriverBound reports whether a trip in s must carry a driver id.
func (s Status) DriverBound() bool {
	switch s {
	case StatusDriverAssigned, StatusEnRoute, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// DriverConsistent checks the driver id invariant. A cancelled trip may or may
// not carry a driver, depending on when it was cancelled.
func (t *Trip) DriverConsistent() bool {
	switch {
	case t.Status == StatusCancelled:
		return t.DriverID == nil || t.AssignedAt != nil
	case t.Status.DriverBound():
		return t.DriverID != nil
	default:
		return t.DriverID == nil
	}
}

// VisibleTo reports whether uid is the trip's passenger or its assigned driver.
func (t *Trip) VisibleTo(uid types.ID) bool {
	if t.PassengerID == uid {
		return true
	}
	return t.DriverID != nil && *t.DriverID == uid
}

func (t *Trip) AssignedTo(driverID types.ID) bool {
	return t.DriverID != nil && *t.DriverID == driverID
}
