package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands for positions and a
// hash per driver for the rest of the presence record.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.DriverPresence) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.DriverID})
		pipe.HSet(ctx, metaKey(d.DriverID), presenceFields(d))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver %s: %w", d.DriverID, err)
	}
	return nil
}

const applyAttempts = 3

// Apply watches the driver hash so a concurrent SetAvailability between the
// read and the write makes the transaction retry instead of being
// overwritten. Only the named fields are written.
func (r *RedisIndex) Apply(ctx context.Context, driverID string, p Patch) (Change, error) {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	key := metaKey(driverID)
	var ch Change
	apply := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		created := len(m) == 0
		prev := newPresence(driverID)
		if !created {
			prev = parsePresence(driverID, m)
		} else if p.Loc == nil {
			return fmt.Errorf("%w: driver %s has no presence yet, location required", models.ErrInvalidInput, driverID)
		}
		next := p.applyTo(prev)
		fields := patchFields(p)
		if created {
			fields = presenceFields(next)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if p.Loc != nil {
				pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: driverID})
			}
			pipe.HSet(ctx, key, fields)
			return nil
		})
		if err != nil {
			return err
		}
		ch = Change{Prev: prev, Next: next, Created: created}
		return nil
	}

	var err error
	for i := 0; i < applyAttempts; i++ {
		err = r.client.Watch(ctx, apply, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return ch, nil
	case errors.Is(err, models.ErrInvalidInput):
		return Change{}, err
	default:
		return Change{}, fmt.Errorf("redis apply driver %s: %w", driverID, err)
	}
}

func (r *RedisIndex) Presence(ctx context.Context, driverID string) (models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("redis presence %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverPresence{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return parsePresence(driverID, m), nil
}

func (r *RedisIndex) SetAvailability(ctx context.Context, driverID string, a models.Availability) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis availability %s: %w", driverID, err)
	}
	if n == 0 {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"availability": string(a),
		"updated":      time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisIndex) Query(ctx context.Context, p models.Point, radiusM float64, f Filter) ([]Hit, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusM,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(res) == 0 {
		return []Hit{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis presence batch: %w", err)
	}

	out := make([]Hit, 0, len(res))
	for i, g := range res {
		m := cmds[i].Val()
		if len(m) == 0 {
			// position without presence: never onboarded or hash expired
			continue
		}
		d := parsePresence(g.Name, m)
		d.Loc = models.Point{Lat: g.Latitude, Lng: g.Longitude}
		if f != nil && !f(d) {
			continue
		}
		out = append(out, Hit{DriverID: g.Name, Loc: d.Loc, DistanceM: g.Dist, Presence: d})
	}
	SortHits(out)
	return out, nil
}

func presenceFields(d models.DriverPresence) map[string]interface{} {
	return map[string]interface{}{
		"lat":          strconv.FormatFloat(d.Loc.Lat, 'f', -1, 64),
		"lng":          strconv.FormatFloat(d.Loc.Lng, 'f', -1, 64),
		"availability": string(d.Availability),
		"verification": string(d.Verification),
		"vehicle_type": d.Vehicle.Type,
		"brand":        d.Vehicle.Brand,
		"model":        d.Vehicle.Model,
		"plate":        d.Vehicle.Plate,
		"updated":      d.Updated.Format(time.RFC3339Nano),
	}
}

func patchFields(p Patch) map[string]interface{} {
	out := map[string]interface{}{"updated": p.At.Format(time.RFC3339Nano)}
	if p.Loc != nil {
		out["lat"] = strconv.FormatFloat(p.Loc.Lat, 'f', -1, 64)
		out["lng"] = strconv.FormatFloat(p.Loc.Lng, 'f', -1, 64)
	}
	if p.Availability != nil {
		out["availability"] = string(*p.Availability)
	}
	if p.Verification != nil {
		out["verification"] = string(*p.Verification)
	}
	if p.Vehicle != nil {
		out["vehicle_type"] = p.Vehicle.Type
		out["brand"] = p.Vehicle.Brand
		out["model"] = p.Vehicle.Model
		out["plate"] = p.Vehicle.Plate
	}
	return out
}

func parsePresence(driverID string, m map[string]string) models.DriverPresence {
	d := models.DriverPresence{
		DriverID:     driverID,
		Availability: models.Availability(m["availability"]),
		Verification: models.Verification(m["verification"]),
		Vehicle: models.Vehicle{
			Type:  m["vehicle_type"],
			Brand: m["brand"],
			Model: m["model"],
			Plate: m["plate"],
		},
	}
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		d.Loc.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lng"], 64); err == nil {
		d.Loc.Lng = v
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
