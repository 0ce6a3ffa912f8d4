package geo

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func setupRedisIndex(t *testing.T) (*RedisIndex, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIndex(client, "drivers_geo"), mr
}

func TestRedisIndexUpsertAndPresence(t *testing.T) {
	ctx := context.Background()
	idx, mr := setupRedisIndex(t)

	d := onlineDriver("d1", pickup, "sedan")
	d.Vehicle.Plate = "KA01AB1234"
	require.NoError(t, idx.Upsert(ctx, d))

	assert.Equal(t, "online", mr.HGet("driver:meta:d1", "availability"))

	got, err := idx.Presence(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.VerificationVerified, got.Verification)
	assert.Equal(t, "KA01AB1234", got.Vehicle.Plate)
	assert.InDelta(t, pickup.Lat, got.Loc.Lat, 1e-9)

	_, err = idx.Presence(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRedisIndexSetAvailability(t *testing.T) {
	ctx := context.Background()
	idx, _ := setupRedisIndex(t)

	require.NoError(t, idx.Upsert(ctx, onlineDriver("d1", pickup, "sedan")))
	require.NoError(t, idx.SetAvailability(ctx, "d1", models.AvailabilityBusy))

	got, err := idx.Presence(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.AvailabilityBusy, got.Availability)

	assert.ErrorIs(t, idx.SetAvailability(ctx, "ghost", models.AvailabilityOnline), models.ErrNotFound)
}

func TestRedisIndexQuery(t *testing.T) {
	ctx := context.Background()
	idx, _ := setupRedisIndex(t)

	require.NoError(t, idx.Upsert(ctx, onlineDriver("far", offset(pickup, 900), "sedan")))
	require.NoError(t, idx.Upsert(ctx, onlineDriver("near", offset(pickup, 150), "hatchback")))
	require.NoError(t, idx.Upsert(ctx, onlineDriver("suv", offset(pickup, 100), "suv")))

	offline := onlineDriver("off", offset(pickup, 50), "sedan")
	offline.Availability = models.AvailabilityOffline
	require.NoError(t, idx.Upsert(ctx, offline))

	hits, err := idx.Query(ctx, pickup, 1000, func(d models.DriverPresence) bool {
		return d.Eligible(models.CategoryEconomy)
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].DriverID)
	assert.Equal(t, "far", hits[1].DriverID)
	assert.InDelta(t, 150, hits[0].DistanceM, 5)

	hits, err = idx.Query(ctx, pickup, 120, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "off", hits[0].DriverID)
	assert.Equal(t, "suv", hits[1].DriverID)
}

// afterRead runs fn once, right after the first HGETALL the client issues.
type afterRead struct {
	once sync.Once
	fn   func()
}

func (h *afterRead) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *afterRead) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "hgetall" {
			h.once.Do(h.fn)
		}
		return err
	}
}

func (h *afterRead) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisIndexApplyKeepsConcurrentAvailability(t *testing.T) {
	ctx := context.Background()
	idx, mr := setupRedisIndex(t)
	require.NoError(t, idx.Upsert(ctx, onlineDriver("d1", pickup, "sedan")))

	// a ride start lands between the heartbeat's read and its write
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	idx.client.AddHook(&afterRead{fn: func() {
		require.NoError(t, NewRedisIndex(other, "drivers_geo").SetAvailability(ctx, "d1", models.AvailabilityBusy))
	}})

	moved := offset(pickup, 60)
	ch, err := idx.Apply(ctx, "d1", Patch{Loc: &moved})
	require.NoError(t, err)
	assert.Equal(t, models.AvailabilityBusy, ch.Prev.Availability, "retry should observe the concurrent write")
	assert.Equal(t, models.AvailabilityBusy, ch.Next.Availability)

	got, err := idx.Presence(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.AvailabilityBusy, got.Availability)
	assert.InDelta(t, moved.Lat, got.Loc.Lat, 1e-9)
}

func TestRedisIndexApplyCreatesAndPatches(t *testing.T) {
	ctx := context.Background()
	idx, mr := setupRedisIndex(t)

	_, err := idx.Apply(ctx, "new", Patch{Vehicle: &models.Vehicle{Type: "sedan"}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	ch, err := idx.Apply(ctx, "new", Patch{Loc: ptrTo(pickup), Vehicle: &models.Vehicle{Type: "sedan", Plate: "KA05"}})
	require.NoError(t, err)
	assert.True(t, ch.Created)
	assert.Equal(t, "offline", mr.HGet("driver:meta:new", "availability"))
	assert.Equal(t, "pending", mr.HGet("driver:meta:new", "verification"))

	_, err = idx.Apply(ctx, "new", Patch{Verification: ptrTo(models.VerificationVerified)})
	require.NoError(t, err)
	assert.Equal(t, "verified", mr.HGet("driver:meta:new", "verification"))
	assert.Equal(t, "KA05", mr.HGet("driver:meta:new", "plate"))

	hits, err := idx.Query(ctx, pickup, 100, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].DriverID)
}
