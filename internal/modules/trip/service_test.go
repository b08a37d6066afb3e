// README: Trip service tests (create + dispatch hand-off, driver flow, cancel, access rules).
package trip_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridedispatch/internal/events"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/memstore"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

var (
	pickup = types.Point{Lat: 10.762622, Lng: 106.660172}
	dest   = types.Point{Lat: 10.7725, Lng: 106.6980}
)

type fixedPricing struct{ err error }

func (p fixedPricing) Estimate(context.Context, types.Point, types.Point) (float64, types.Money, error) {
	return 4.2, types.Money{Amount: 3090, Currency: "USD"}, p.err
}

type scheduled struct {
	tripID types.ID
	pickup types.Point
}

type captureDispatcher struct {
	mu    sync.Mutex
	calls []scheduled
}

func (d *captureDispatcher) Schedule(tripID types.ID, p types.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, scheduled{tripID, p})
}

type stubAddresses struct{}

func (stubAddresses) ReverseGeocode(_ context.Context, p types.Point) (string, error) {
	if p == pickup {
		return "District 10, Ho Chi Minh City", nil
	}
	return "", errors.New("no result")
}

type fixture struct {
	db         *memstore.DB
	svc        *trip.Service
	dispatcher *captureDispatcher
	events     *events.Recorder
}

func newFixture(t *testing.T, opts ...trip.Option) *fixture {
	t.Helper()
	f := &fixture{db: memstore.New(), dispatcher: &captureDispatcher{}, events: &events.Recorder{}}
	opts = append([]trip.Option{trip.WithPublisher(f.events)}, opts...)
	f.svc = trip.NewService(f.db.Trips(), fixedPricing{}, f.dispatcher, logger.Discard(), opts...)
	return f
}

func (f *fixture) create(t *testing.T, passenger types.ID) *trip.Trip {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), trip.CreateCommand{
		PassengerID: passenger,
		Pickup:      pickup,
		Destination: dest,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return tr
}

// assign moves a trip to DRIVER_ASSIGNED the way dispatch plus accept would.
func (f *fixture) assign(t *testing.T, id, driver types.ID) {
	t.Helper()
	stored, ok := f.db.Trip(id)
	if !ok {
		t.Fatalf("trip %s missing", id)
	}
	now := time.Now()
	stored.Status = trip.StatusDriverAssigned
	stored.StatusVersion += 2
	stored.DriverID = &driver
	stored.AssignedAt = &now
	f.db.PutTrip(stored)
}

func TestCreateSchedulesDispatch(t *testing.T) {
	f := newFixture(t)
	tr := f.create(t, "p1")

	if tr.Status != trip.StatusRequested || tr.DriverID != nil {
		t.Fatalf("unexpected new trip %+v", tr)
	}
	if tr.EstimatedFare.Amount != 3090 || tr.EstimatedKm != 4.2 {
		t.Fatalf("pricing not applied: %+v", tr)
	}
	if tr.PickupCell == "" || len(tr.PickupCell) != 7 {
		t.Fatalf("pickup cell = %q", tr.PickupCell)
	}

	stored, ok := f.db.Trip(tr.ID)
	if !ok || stored.Status != trip.StatusRequested {
		t.Fatalf("trip not persisted as requested: %+v", stored)
	}
	if len(f.dispatcher.calls) != 1 || f.dispatcher.calls[0].tripID != tr.ID || f.dispatcher.calls[0].pickup != pickup {
		t.Fatalf("dispatch not scheduled correctly: %+v", f.dispatcher.calls)
	}

	evs := f.db.Events(tr.ID)
	if len(evs) != 1 || evs[0].FromStatus != trip.StatusNone || evs[0].ToStatus != trip.StatusRequested {
		t.Fatalf("unexpected events %+v", evs)
	}
	if got := f.events.Events(); len(got) != 1 || got[0].To != "requested" {
		t.Fatalf("unexpected published events %+v", got)
	}
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("bad request", func(t *testing.T) {
		f := newFixture(t)
		cases := []trip.CreateCommand{
			{PassengerID: "", Pickup: pickup, Destination: dest},
			{PassengerID: "p1", Pickup: types.Point{Lat: 91}, Destination: dest},
			{PassengerID: "p1", Pickup: pickup, Destination: types.Point{Lng: 200}},
		}
		for _, cmd := range cases {
			if _, err := f.svc.Create(ctx, cmd); !errors.Is(err, trip.ErrBadRequest) {
				t.Errorf("Create(%+v) = %v, want ErrBadRequest", cmd, err)
			}
		}
		if len(f.dispatcher.calls) != 0 {
			t.Fatalf("rejected trips must not be dispatched")
		}
	})

	t.Run("active trip", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "p1")
		_, err := f.svc.Create(ctx, trip.CreateCommand{PassengerID: "p1", Pickup: pickup, Destination: dest})
		if !errors.Is(err, trip.ErrActiveTrip) {
			t.Fatalf("expected ErrActiveTrip, got %v", err)
		}
	})

	t.Run("pricing failure", func(t *testing.T) {
		db := memstore.New()
		d := &captureDispatcher{}
		svc := trip.NewService(db.Trips(), fixedPricing{err: errors.New("rate table missing")}, d, logger.Discard())
		if _, err := svc.Create(ctx, trip.CreateCommand{PassengerID: "p1", Pickup: pickup, Destination: dest}); err == nil {
			t.Fatal("expected pricing error")
		}
		if len(d.calls) != 0 {
			t.Fatal("failed create must not schedule dispatch")
		}
	})
}

func TestCreateFillsAddresses(t *testing.T) {
	f := newFixture(t, trip.WithAddressResolver(stubAddresses{}))
	tr, err := f.svc.Create(context.Background(), trip.CreateCommand{
		PassengerID: "p1",
		Pickup:      pickup,
		Destination: dest,
		DestAddress: "  Ben Thanh Market ",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.PickupAddress != "District 10, Ho Chi Minh City" {
		t.Errorf("pickup address = %q", tr.PickupAddress)
	}
	if tr.DestAddress != "Ben Thanh Market" {
		t.Errorf("destination address = %q", tr.DestAddress)
	}
}

func TestDriverFlowHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p_happy")
	f.assign(t, tr.ID, "d1")

	cmd := trip.DriverCommand{TripID: tr.ID, DriverID: "d1"}
	steps := []struct {
		name string
		run  func() (*trip.Trip, error)
		want trip.Status
	}{
		{"en route", func() (*trip.Trip, error) { return f.svc.MarkEnRoute(ctx, cmd) }, trip.StatusEnRoute},
		{"arrive", func() (*trip.Trip, error) { return f.svc.Arrive(ctx, cmd) }, trip.StatusArrived},
		{"start", func() (*trip.Trip, error) { return f.svc.Start(ctx, cmd) }, trip.StatusInProgress},
		{"complete", func() (*trip.Trip, error) {
			return f.svc.Complete(ctx, trip.CompleteCommand{TripID: tr.ID, DriverID: "d1"})
		}, trip.StatusCompleted},
	}
	for _, s := range steps {
		got, err := s.run()
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got.Status != s.want {
			t.Fatalf("%s: status = %s, want %s", s.name, got.Status, s.want)
		}
		stored, _ := f.db.Trip(tr.ID)
		if stored.Status != s.want || !stored.DriverConsistent() {
			t.Fatalf("%s: stored trip %+v", s.name, stored)
		}
	}

	done, _ := f.db.Trip(tr.ID)
	if done.ActualFare == nil || done.ActualFare.Amount != done.EstimatedFare.Amount {
		t.Fatalf("actual fare should default to estimate, got %+v", done.ActualFare)
	}
	if done.EnRouteAt == nil || done.ArrivedAt == nil || done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("timestamps not set: %+v", done)
	}

	// passenger may open a new trip once the previous one completed
	f.create(t, "p_happy")
}

func TestCompleteWithActualFare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p1")
	f.assign(t, tr.ID, "d1")
	cmd := trip.DriverCommand{TripID: tr.ID, DriverID: "d1"}
	for _, step := range []func(context.Context, trip.DriverCommand) (*trip.Trip, error){f.svc.MarkEnRoute, f.svc.Arrive, f.svc.Start} {
		if _, err := step(ctx, cmd); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	neg := int64(-1)
	if _, err := f.svc.Complete(ctx, trip.CompleteCommand{TripID: tr.ID, DriverID: "d1", ActualFare: &neg}); !errors.Is(err, trip.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for negative fare, got %v", err)
	}

	fare := int64(4100)
	got, err := f.svc.Complete(ctx, trip.CompleteCommand{TripID: tr.ID, DriverID: "d1", ActualFare: &fare})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.ActualFare == nil || got.ActualFare.Amount != 4100 || got.ActualFare.Currency != "USD" {
		t.Fatalf("actual fare = %+v", got.ActualFare)
	}
}

func TestDriverTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p1")

	// not assigned yet: nobody is the trip's driver
	if _, err := f.svc.MarkEnRoute(ctx, trip.DriverCommand{TripID: tr.ID, DriverID: "d1"}); !errors.Is(err, trip.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	f.assign(t, tr.ID, "d1")
	if _, err := f.svc.MarkEnRoute(ctx, trip.DriverCommand{TripID: tr.ID, DriverID: "d2"}); !errors.Is(err, trip.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for other driver, got %v", err)
	}

	// skipping en route
	_, err := f.svc.Start(ctx, trip.DriverCommand{TripID: tr.ID, DriverID: "d1"})
	var te *trip.TransitionError
	if !errors.As(err, &te) || te.From != trip.StatusDriverAssigned || te.To != trip.StatusInProgress {
		t.Fatalf("expected TransitionError(driver_assigned -> in_progress), got %v", err)
	}

	if _, err := f.svc.Arrive(ctx, trip.DriverCommand{TripID: "missing", DriverID: "d1"}); !errors.Is(err, trip.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelExpiresPendingOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p1")

	stored, _ := f.db.Trip(tr.ID)
	stored.Status = trip.StatusFindingDriver
	stored.StatusVersion = 1
	f.db.PutTrip(stored)
	now := time.Now()
	for _, id := range []types.ID{"o1", "o2"} {
		f.db.PutOffer(offer.Offer{ID: id, TripID: tr.ID, DriverID: "d_" + id, Status: offer.StatusPending, NotifiedAt: now})
	}
	f.db.PutOffer(offer.Offer{ID: "o3", TripID: tr.ID, DriverID: "d_o3", Status: offer.StatusDeclined, NotifiedAt: now, RespondedAt: &now})

	got, err := f.svc.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, CallerID: "p1", Reason: "changed plans"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != trip.StatusCancelled || got.CancelReason == nil || *got.CancelReason != "changed plans" {
		t.Fatalf("unexpected cancelled trip %+v", got)
	}
	if !got.DriverConsistent() {
		t.Fatal("cancelled trip violates driver invariant")
	}

	want := map[types.ID]offer.Status{"o1": offer.StatusExpired, "o2": offer.StatusExpired, "o3": offer.StatusDeclined}
	for _, o := range f.db.OffersByTrip(tr.ID) {
		if o.Status != want[o.ID] {
			t.Errorf("offer %s status = %s, want %s", o.ID, o.Status, want[o.ID])
		}
	}

	evs := f.db.Events(tr.ID)
	last := evs[len(evs)-1]
	if last.ToStatus != trip.StatusCancelled || last.ActorType != trip.ActorPassenger {
		t.Fatalf("unexpected cancel event %+v", last)
	}
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()

	t.Run("stranger forbidden", func(t *testing.T) {
		f := newFixture(t)
		tr := f.create(t, "p1")
		if _, err := f.svc.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, CallerID: "p2"}); !errors.Is(err, trip.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("assigned driver may cancel", func(t *testing.T) {
		f := newFixture(t)
		tr := f.create(t, "p1")
		f.assign(t, tr.ID, "d1")
		got, err := f.svc.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, CallerID: "d1"})
		if err != nil {
			t.Fatalf("driver cancel: %v", err)
		}
		if got.CancelReason == nil || *got.CancelReason != "driver_cancelled" {
			t.Fatalf("default reason = %v", got.CancelReason)
		}
		if got.DriverID == nil || !got.DriverConsistent() {
			t.Fatalf("cancel after assignment must keep the driver: %+v", got)
		}
	})

	t.Run("terminal trip", func(t *testing.T) {
		f := newFixture(t)
		tr := f.create(t, "p1")
		if _, err := f.svc.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, CallerID: "p1"}); err != nil {
			t.Fatalf("first cancel: %v", err)
		}
		_, err := f.svc.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, CallerID: "p1"})
		if !errors.Is(err, trip.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestGetFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p1")

	if _, err := f.svc.GetFor(ctx, tr.ID, "p1"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := f.svc.GetFor(ctx, tr.ID, "d1"); !errors.Is(err, trip.ErrForbidden) {
		t.Fatalf("expected ErrForbidden before assignment, got %v", err)
	}
	f.assign(t, tr.ID, "d1")
	if _, err := f.svc.GetFor(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("assigned driver get: %v", err)
	}
	if _, err := f.svc.GetFor(ctx, "nope", "p1"); !errors.Is(err, trip.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p1")

	if _, err := f.svc.History(ctx, tr.ID, "p2"); !errors.Is(err, trip.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a stranger, got %v", err)
	}
	f.assign(t, tr.ID, "d1")
	if _, err := f.svc.MarkEnRoute(ctx, trip.DriverCommand{TripID: tr.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("en route: %v", err)
	}

	evs, err := f.svc.History(ctx, tr.ID, "d1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].FromStatus != trip.StatusNone || evs[0].ToStatus != trip.StatusRequested || evs[0].ActorType != trip.ActorPassenger {
		t.Fatalf("first event = %+v", evs[0])
	}
	if evs[1].ToStatus != trip.StatusEnRoute || evs[1].ActorID == nil || *evs[1].ActorID != "d1" || evs[1].ID <= evs[0].ID {
		t.Fatalf("second event = %+v", evs[1])
	}
}

// TestConcurrentDriverTransitions runs the same transition from many goroutines;
// the version compare-and-set lets exactly one through.
func TestConcurrentDriverTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, "p_race")
	f.assign(t, tr.ID, "d1")

	const attempts = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.MarkEnRoute(ctx, trip.DriverCommand{TripID: tr.ID, DriverID: "d1"})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, trip.ErrConflict) && !errors.Is(err, trip.ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
}
