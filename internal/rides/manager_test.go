package rides

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup  = models.Point{Lat: 12.9716, Lng: 77.5946}
	dropoff = north(5000)
	clock   = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
)

func north(meters float64) models.Point {
	return models.Point{Lat: pickup.Lat + meters/111195.0, Lng: pickup.Lng}
}

func driver(id string, meters float64) models.DriverPresence {
	return models.DriverPresence{
		DriverID:     id,
		Loc:          north(meters),
		Availability: models.AvailabilityOnline,
		Verification: models.VerificationVerified,
		Vehicle:      models.Vehicle{Type: "sedan", Plate: "KA01" + id},
		Updated:      clock,
	}
}

type batchRecorder struct {
	mu  sync.Mutex
	got []dispatch.Batch
}

func (b *batchRecorder) Publish(batch dispatch.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, batch)
}

func (b *batchRecorder) all() []dispatch.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]dispatch.Batch(nil), b.got...)
}

func (b *batchRecorder) last() dispatch.Batch {
	all := b.all()
	return all[len(all)-1]
}

// eventsFor lists event names per subject in one batch.
func eventsFor(b dispatch.Batch) map[string][]string {
	out := map[string][]string{}
	for _, m := range b.Messages {
		out[m.Target.Subject] = append(out[m.Target.Subject], m.Event.Name)
	}
	return out
}

type fixture struct {
	m     *Manager
	store *storage.MemoryStore
	index *geo.MemoryIndex
	pays  *storage.MemoryPayments
	notes *batchRecorder
}

func newFixture(t *testing.T, drivers ...models.DriverPresence) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		index: geo.NewMemoryIndex(),
		pays:  storage.NewMemoryPayments(),
		notes: &batchRecorder{},
	}
	for _, d := range drivers {
		require.NoError(t, f.index.Upsert(context.Background(), d))
	}
	ids := 0
	f.m = NewManager(Deps{
		Store:    f.store,
		Presence: f.index,
		Matcher:  &matcher.Service{Geo: f.index},
		Fare:     fare.NewEstimator(30, 12, 1),
		ETA:      eta.Linear{SpeedMps: 10},
		Payments: payments.NewStoreRecorder(f.pays),
		Notifier: f.notes,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Currency: "INR",
		Now:      func() time.Time { return clock },
		NewID: func() string {
			ids++
			return "ride-" + string(rune('0'+ids))
		},
	})
	return f
}

func (f *fixture) request(t *testing.T) *models.Ride {
	t.Helper()
	r, err := f.m.Create(context.Background(), CreateRequest{
		PassengerID: "p1",
		Pickup:      pickup,
		Dropoff:     dropoff,
		Category:    models.CategoryEconomy,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) accept(t *testing.T, r *models.Ride, driverID string) *models.Ride {
	t.Helper()
	p, err := f.index.Presence(context.Background(), driverID)
	require.NoError(t, err)
	won, ok, err := f.m.CommitAccept(context.Background(), Accept{RideID: r.ID, Driver: p, OTP: "4321", OTPExpiry: clock.Add(10 * time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)
	return won
}

func TestCreateRide(t *testing.T) {
	f := newFixture(t, driver("d1", 120), driver("d2", 180))
	r := f.request(t)

	assert.Equal(t, models.StatusRequested, r.Status)
	assert.Empty(t, r.DriverID)
	assert.Equal(t, models.PaymentCash, r.PaymentMethod)
	assert.Equal(t, "INR", r.Currency)
	// 5 km, 500 s at 10 m/s: 30 + 60 + 8.33
	assert.Equal(t, int64(98), r.Fare)
	require.Len(t, r.Candidates, 2)
	assert.Equal(t, "d1", r.Candidates[0].DriverID)
	assert.Equal(t, models.OutcomeNone, r.Candidates[1].Outcome)
	assert.Equal(t, clock, r.Candidates[0].NotifiedAt)

	b := f.notes.last()
	assert.Equal(t, r.ID, b.RideID)
	assert.Equal(t, int64(0), b.Seq)
	assert.False(t, b.Final)
	assert.Equal(t, map[string][]string{
		"p1": {dispatch.EventRideUpdate},
		"d1": {dispatch.EventRideNew},
		"d2": {dispatch.EventRideNew},
	}, eventsFor(b))
}

func TestCreateRideNoDrivers(t *testing.T) {
	f := newFixture(t, driver("far", 50000))
	_, err := f.m.Create(context.Background(), CreateRequest{PassengerID: "p1", Pickup: pickup, Dropoff: dropoff, Category: models.CategoryEconomy})
	assert.ErrorIs(t, err, models.ErrUnavailable)

	mine, err := f.m.ListForUser(context.Background(), "p1", RolePassenger)
	require.NoError(t, err)
	assert.Empty(t, mine)
	assert.Empty(t, f.notes.all())
}

func TestCreateRideRejectsBadInput(t *testing.T) {
	f := newFixture(t, driver("d1", 100))
	ctx := context.Background()
	cases := []CreateRequest{
		{Pickup: pickup, Dropoff: dropoff, Category: models.CategoryEconomy},
		{PassengerID: "p1", Pickup: models.Point{Lat: 91}, Dropoff: dropoff, Category: models.CategoryEconomy},
		{PassengerID: "p1", Pickup: pickup, Dropoff: dropoff, Category: "rickshaw"},
		{PassengerID: "p1", Pickup: pickup, Dropoff: dropoff, Category: models.CategoryEconomy, PaymentMethod: "barter"},
	}
	for _, c := range cases {
		_, err := f.m.Create(ctx, c)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	}
}

func TestQuoteUsesSuppliedFigures(t *testing.T) {
	f := newFixture(t)
	km, mins, surge := 10.0, 20.0, 1.5
	q, err := f.m.Quote(pickup, dropoff, &km, &mins, &surge)
	require.NoError(t, err)
	assert.Equal(t, int64(255), q.Fare)
	assert.Equal(t, "INR", q.Currency)

	low := 0.5
	_, err = f.m.Quote(pickup, dropoff, nil, nil, &low)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCommitAcceptNotifiesEveryone(t *testing.T) {
	f := newFixture(t, driver("d1", 120), driver("d2", 180), driver("d3", 190))
	r := f.request(t)
	won := f.accept(t, r, "d2")

	assert.Equal(t, models.StatusAccepted, won.Status)
	assert.Equal(t, "d2", won.DriverID)
	assert.Equal(t, int64(1), won.Version)

	b := f.notes.last()
	assert.Equal(t, int64(1), b.Seq)
	assert.Equal(t, map[string][]string{
		"p1": {dispatch.EventRideUpdate},
		"d2": {dispatch.EventRideAssigned},
		"d1": {dispatch.EventRideTaken},
		"d3": {dispatch.EventRideTaken},
	}, eventsFor(b))
	upd := b.Messages[0].Event.Payload.(Update)
	assert.Equal(t, "4321", upd.OTP)
	require.NotNil(t, upd.Driver)
	assert.Equal(t, "KA01d2", upd.Driver.Vehicle.Plate)

	p, _ := f.index.Presence(context.Background(), "d1")
	_, ok, err := f.m.CommitAccept(context.Background(), Accept{RideID: r.ID, Driver: p, OTP: "0000", OTPExpiry: clock})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.notes.all(), 2)
}

func TestStartMarksDriverBusy(t *testing.T) {
	f := newFixture(t, driver("d1", 120))
	r := f.request(t)
	f.accept(t, r, "d1")

	_, ok, err := f.m.Start(context.Background(), r.ID, "d1", "1111", clock)
	require.NoError(t, err)
	assert.False(t, ok)

	started, ok, err := f.m.Start(context.Background(), r.ID, "d1", "4321", clock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusStarted, started.Status)
	assert.Empty(t, started.StartOTP)

	p, _ := f.index.Presence(context.Background(), "d1")
	assert.Equal(t, models.AvailabilityBusy, p.Availability)
	assert.Equal(t, int64(2), f.notes.last().Seq)
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120))
	r := f.request(t)
	f.accept(t, r, "d1")
	_, _, err := f.m.Start(ctx, r.ID, "d1", "4321", clock)
	require.NoError(t, err)

	done, err := f.m.Complete(ctx, r.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.True(t, f.notes.last().Final)
	published := len(f.notes.all())

	again, err := f.m.Complete(ctx, r.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, again.Status)
	assert.Equal(t, done.Version, again.Version)

	assert.Equal(t, 1, f.pays.Len())
	assert.Len(t, f.notes.all(), published)
	rec, err := f.pays.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(98), rec.Amount)
	assert.Equal(t, "d1", rec.PayeeID)
	assert.Equal(t, payments.ProviderCash, rec.Provider)

	p, _ := f.index.Presence(ctx, "d1")
	assert.Equal(t, models.AvailabilityOnline, p.Availability)
}

func TestCompleteGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120), driver("d2", 150))
	r := f.request(t)

	_, err := f.m.Complete(ctx, r.ID, "d1")
	assert.ErrorIs(t, err, models.ErrForbidden)

	f.accept(t, r, "d1")
	_, err = f.m.Complete(ctx, r.ID, "d1")
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = f.m.Complete(ctx, r.ID, "d2")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.m.Complete(ctx, "missing", "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.m.Cancel(ctx, r.ID, Actor{System: true})
	require.NoError(t, err)
	_, err = f.m.Complete(ctx, r.ID, "d1")
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Zero(t, f.pays.Len())
}

type failingPayments struct{}

func (failingPayments) EnsurePaymentRecord(context.Context, payments.Request) (models.PaymentRecord, error) {
	return models.PaymentRecord{}, errors.New("db down")
}

func TestCompleteSurfacesPaymentFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120))
	f.m.payments = failingPayments{}
	r := f.request(t)
	f.accept(t, r, "d1")
	_, _, err := f.m.Start(ctx, r.ID, "d1", "4321", clock)
	require.NoError(t, err)

	_, err = f.m.Complete(ctx, r.ID, "d1")
	assert.Error(t, err)

	// retry after the recorder recovers
	f.m.payments = payments.NewStoreRecorder(f.pays)
	_, err = f.m.Complete(ctx, r.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.pays.Len())
}

func TestCancelByPassenger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120), driver("d2", 150))
	r := f.request(t)

	_, err := f.m.Cancel(ctx, r.ID, Actor{ID: "someone-else"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	cancelled, err := f.m.Cancel(ctx, r.ID, Actor{ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	b := f.notes.last()
	assert.True(t, b.Final)
	assert.Equal(t, map[string][]string{
		"p1": {dispatch.EventRideUpdate},
		"d1": {dispatch.EventRideCancelled},
		"d2": {dispatch.EventRideCancelled},
	}, eventsFor(b))

	_, err = f.m.Cancel(ctx, r.ID, Actor{ID: "p1"})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCancelAcceptedNotifiesAssignedDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120), driver("d2", 150))
	r := f.request(t)
	f.accept(t, r, "d2")
	require.NoError(t, f.store.ResolveCandidates(ctx, r.ID, "d2", clock))

	cancelled, err := f.m.Cancel(ctx, r.ID, Actor{System: true})
	require.NoError(t, err)
	assert.Empty(t, cancelled.DriverID)
	assert.Empty(t, cancelled.StartOTP)
	assert.Equal(t, map[string][]string{
		"p1": {dispatch.EventRideUpdate},
		"d2": {dispatch.EventRideCancelled},
	}, eventsFor(f.notes.last()))
}

func TestCancelForbiddenOnceStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120))
	r := f.request(t)
	f.accept(t, r, "d1")
	_, _, err := f.m.Start(ctx, r.ID, "d1", "4321", clock)
	require.NoError(t, err)

	_, err = f.m.Cancel(ctx, r.ID, Actor{ID: "p1"})
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = f.m.Cancel(ctx, r.ID, Actor{System: true})
	assert.ErrorIs(t, err, models.ErrConflict)

	cur, err := f.m.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, cur.Status)
}

func TestListForUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120))
	r := f.request(t)
	f.accept(t, r, "d1")

	mine, err := f.m.ListForUser(ctx, "p1", RolePassenger)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	driven, err := f.m.ListForUser(ctx, "d1", RoleDriver)
	require.NoError(t, err)
	require.Len(t, driven, 1)
	_, err = f.m.ListForUser(ctx, "d1", Role("admin"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	cands, err := f.m.Candidates(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestRateCompletedRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120))
	r := f.request(t)

	_, err := f.m.Rate(ctx, r.ID, "p1", 5, "")
	assert.ErrorIs(t, err, models.ErrConflict, "not completed yet")

	f.accept(t, r, "d1")
	_, _, err = f.m.Start(ctx, r.ID, "d1", "4321", clock)
	require.NoError(t, err)
	_, err = f.m.Complete(ctx, r.ID, "d1")
	require.NoError(t, err)

	_, err = f.m.Rate(ctx, r.ID, "d1", 5, "")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.m.Rate(ctx, r.ID, "p1", 6, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.m.Rate(ctx, "missing", "p1", 5, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	rating, err := f.m.Rate(ctx, r.ID, "p1", 4, "clean car")
	require.NoError(t, err)
	assert.Equal(t, "d1", rating.DriverID)
	assert.Equal(t, clock, rating.CreatedAt)

	_, err = f.m.Rate(ctx, r.ID, "p1", 1, "changed my mind")
	assert.ErrorIs(t, err, models.ErrConflict)

	score, err := f.m.DriverScore(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, score.Count)
	assert.InDelta(t, 4.0, score.Average, 1e-9)
}

func TestRateCancelledRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, driver("d1", 120))
	r := f.request(t)
	_, err := f.m.Cancel(ctx, r.ID, Actor{ID: "p1"})
	require.NoError(t, err)

	_, err = f.m.Rate(ctx, r.ID, "p1", 3, "")
	assert.ErrorIs(t, err, models.ErrConflict)
}
