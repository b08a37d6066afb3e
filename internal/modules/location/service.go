// README: Location service applies driver position and availability updates to the index.
package location

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/types"
)

var ErrBadRequest = errors.New("bad location update")

type Service struct {
	store Updater
	log   logrus.FieldLogger
}

func NewService(store Updater, log logrus.FieldLogger) *Service {
	return &Service{store: store, log: log}
}

type DriverLocationUpdate struct {
	DriverID types.ID
	Position types.Point
	// Online false takes the driver out of dispatch.
	Online bool
}

type UpdateResult struct {
	Accepted bool `json:"accepted"`
	Online   bool `json:"online"`
}

func (s *Service) UpdateDriverLocation(ctx context.Context, u DriverLocationUpdate) (UpdateResult, error) {
	if u.DriverID == "" {
		return UpdateResult{}, ErrBadRequest
	}
	if !u.Online {
		if err := s.store.RemoveDriver(ctx, u.DriverID); err != nil {
			return UpdateResult{}, err
		}
		s.log.WithField("driver_id", u.DriverID).Debug("driver offline")
		return UpdateResult{Accepted: true, Online: false}, nil
	}
	if !u.Position.Valid() {
		return UpdateResult{}, ErrBadRequest
	}
	if err := s.store.UpsertDriver(ctx, u.DriverID, u.Position); err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Accepted: true, Online: true}, nil
}
