package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Point{Lat: 12.9716, Lng: 77.5946}

func north(meters float64) models.Point {
	return models.Point{Lat: pickup.Lat + meters/111195.0, Lng: pickup.Lng}
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []models.DriverPresence
}

func (p *recordingPublisher) PublishPresence(_ context.Context, d models.DriverPresence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, d)
	return nil
}

type harness struct {
	srv    *httptest.Server
	dir    *dispatch.Directory
	fanout *dispatch.Fanout
	pub    *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	index := geo.NewMemoryIndex()
	dir := dispatch.NewDirectory()
	fan := dispatch.NewFanout(dir, &dispatch.LogSink{Logger: logger}, logger, dispatch.Options{GapTimeout: 50 * time.Millisecond})
	m := rides.NewManager(rides.Deps{
		Store:    store,
		Presence: index,
		Matcher:  &matcher.Service{Geo: index},
		Fare:     fare.NewEstimator(30, 12, 1),
		ETA:      eta.Linear{SpeedMps: 10},
		Payments: payments.NewStoreRecorder(storage.NewMemoryPayments()),
		Notifier: fan,
		Logger:   logger,
	})
	svc := service.New(m, arbiter.New(m, index, store, otp.DefaultTTL, logger), otp.NewGate(m), index, fan, logger)
	pub := &recordingPublisher{}
	srv := httptest.NewServer(NewServer(svc, dir, pub, logger))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, dir: dir, fanout: fan, pub: pub}
}

func (h *harness) do(t *testing.T, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (h *harness) driver(t *testing.T, id string, meters float64) {
	t.Helper()
	code, _ := h.do(t, http.MethodPut, "/api/v1/drivers/"+id+"/presence", id, map[string]any{
		"loc":          north(meters),
		"availability": "online",
		"vehicle":      map[string]string{"type": "sedan"},
	})
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPut, "/internal/drivers/"+id+"/verification", "", map[string]string{"verification": "verified"})
	require.Equal(t, http.StatusOK, code)
}

func (h *harness) requestRide(t *testing.T) string {
	t.Helper()
	code, body := h.do(t, http.MethodPost, "/api/v1/rides", "p1", map[string]any{
		"pickup":   pickup,
		"dropoff":  north(3000),
		"category": "economy",
	})
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 100)
	h.driver(t, "d2", 150)
	id := h.requestRide(t)

	code, body := h.do(t, http.MethodGet, "/api/v1/rides/"+id+"/candidates", "p1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["candidates"], 2)

	code, body = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", "d2", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["won"])

	code, body = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", "d1", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ride no longer available", body["error"])

	code, body = h.do(t, http.MethodGet, "/api/v1/rides/"+id, "p1", nil)
	require.Equal(t, http.StatusOK, code)
	otpCode, _ := body["otp"].(string)
	require.Len(t, otpCode, 4)

	code, body = h.do(t, http.MethodGet, "/api/v1/rides/"+id, "d2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "otp")

	wrong := "0000"
	if otpCode == wrong {
		wrong = "1111"
	}
	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", "d2", map[string]string{"code": wrong})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, body = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", "d2", map[string]string{"code": otpCode})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "started", body["status"])

	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", "p1", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/complete", "d2", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["status"])

	code, body = h.do(t, http.MethodGet, "/api/v1/rides?role=driver", "d2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["rides"], 1)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/rides", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/rides", "p1", map[string]any{
		"pickup": pickup, "dropoff": north(3000), "category": "economy",
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/rides", "p1", map[string]any{
		"pickup": pickup, "dropoff": north(3000), "category": "helicopter",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/rides/missing", "p1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPut, "/api/v1/drivers/d1/presence", "d2", map[string]any{"loc": pickup})
	assert.Equal(t, http.StatusForbidden, code)

	h.driver(t, "d1", 100)
	id := h.requestRide(t)
	code, _ = h.do(t, http.MethodGet, "/api/v1/rides/"+id, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("ride r1: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrConflict, http.StatusConflict},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrInvalidCode, http.StatusUnprocessableEntity},
		{models.ErrExpired, http.StatusGone},
		{models.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestDriverLocationPublishesMergedPresence(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 100)

	code, _ := h.do(t, http.MethodPost, "/internal/driver/locations", "", map[string]any{
		"driver_id": "d1",
		"loc":       north(200),
	})
	require.Equal(t, http.StatusOK, code)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.Len(t, h.pub.got, 2)
	last := h.pub.got[1]
	assert.Equal(t, models.AvailabilityOnline, last.Availability)
	assert.Equal(t, "sedan", last.Vehicle.Type)
	assert.InDelta(t, north(200).Lat, last.Loc.Lat, 1e-9)
}

func TestNearbyAndFareEstimate(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 300)
	h.driver(t, "d2", 100)

	code, body := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/drivers/nearby?lat=%f&lng=%f&radius_m=1000", pickup.Lat, pickup.Lng), "", nil)
	require.Equal(t, http.StatusOK, code)
	drivers := body["drivers"].([]any)
	require.Len(t, drivers, 2)
	assert.Equal(t, "d2", drivers[0].(map[string]any)["driver_id"])

	code, _ = h.do(t, http.MethodGet, "/api/v1/drivers/nearby?lat=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/v1/fare/estimate?pickup_lat=12.9716&pickup_lng=77.5946&dropoff_lat=13&dropoff_lng=77.6&distance_km=5&duration_min=10", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(100), body["fare"])

	code, _ = h.do(t, http.MethodGet, "/api/v1/fare/estimate?pickup_lat=12.9", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func dialWS(t *testing.T, h *harness, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent returns the data of the first frame named name that has key.
func readEvent(t *testing.T, conn *websocket.Conn, name, key string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&f))
		if _, ok := f.Data[key]; ok && f.Event == name {
			return f.Data
		}
	}
}

func TestWebSocketReceivesOffers(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 100)

	conn := dialWS(t, h, http.Header{userHeader: []string{"d1"}})
	require.Eventually(t, func() bool { return h.dir.Connections("d1") == 1 }, time.Second, 10*time.Millisecond)

	id := h.requestRide(t)
	data := readEvent(t, conn, dispatch.EventRideNew, "ride_id")
	assert.Equal(t, id, data["ride_id"])
}

func TestWebSocketAuthFrame(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 100)

	conn := dialWS(t, h, nil)
	require.NoError(t, conn.WriteJSON(clientFrame{Type: "auth", UserID: "p1"}))
	require.Eventually(t, func() bool { return h.dir.Connections("p1") == 1 }, time.Second, 10*time.Millisecond)

	id := h.requestRide(t)
	code, _ := h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", "d1", nil)
	require.Equal(t, http.StatusOK, code)

	data := readEvent(t, conn, dispatch.EventRideUpdate, "otp")
	assert.Len(t, data["otp"], 4)
	assert.Equal(t, "d1", data["driver"].(map[string]any)["id"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.dir.Connections("p1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestDriverCannotSelfVerify(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPut, "/api/v1/drivers/d1/presence", "d1", map[string]any{
		"loc":          north(100),
		"availability": "online",
		"verification": "verified",
	})
	assert.Equal(t, http.StatusForbidden, code, body)

	code, _ = h.do(t, http.MethodPost, "/internal/driver/locations", "", map[string]any{
		"driver_id":    "d1",
		"loc":          north(100),
		"verification": "verified",
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(t, http.MethodPut, "/api/v1/drivers/d1/presence", "d1", map[string]any{
		"loc":          north(100),
		"availability": "online",
		"vehicle":      map[string]string{"type": "sedan"},
	})
	require.Equal(t, http.StatusOK, code)

	// unverified drivers are invisible to matching
	code, _ = h.do(t, http.MethodPost, "/api/v1/rides", "p1", map[string]any{
		"pickup": pickup, "dropoff": north(3000), "category": "economy",
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = h.do(t, http.MethodPut, "/internal/drivers/d1/verification", "", map[string]string{"verification": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPut, "/internal/drivers/ghost/verification", "", map[string]string{"verification": "verified"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodPut, "/internal/drivers/d1/verification", "", map[string]string{"verification": "verified"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "verified", body["verification"])
	assert.Equal(t, "online", body["availability"])
	h.requestRide(t)
}

func TestRatingOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 100)
	id := h.requestRide(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/rating", "p1", map[string]any{"stars": 5})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", "d1", nil)
	require.Equal(t, http.StatusOK, code)
	_, view := h.do(t, http.MethodGet, "/api/v1/rides/"+id, "p1", nil)
	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/start", "d1", map[string]any{"code": view["otp"]})
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/complete", "d1", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/rating", "d1", map[string]any{"stars": 5})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/rating", "p1", map[string]any{"stars": 0})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/rating", "p1", map[string]any{"stars": 4, "comment": "on time"})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "d1", body["driver_id"])
	assert.Equal(t, float64(4), body["stars"])

	code, _ = h.do(t, http.MethodPost, "/api/v1/rides/"+id+"/rating", "p1", map[string]any{"stars": 1})
	assert.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodGet, "/api/v1/drivers/d1/rating", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(4), body["average"])
}

func TestSystemCancelOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.driver(t, "d1", 100)
	id := h.requestRide(t)

	code, body := h.do(t, http.MethodPost, "/internal/rides/"+id+"/cancel", "", map[string]string{"reason": "fraud hold"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "cancelled", body["status"])

	code, _ = h.do(t, http.MethodPost, "/internal/rides/"+id+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(t, http.MethodPost, "/internal/rides/missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
