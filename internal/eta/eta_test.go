package eta

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	from = models.Point{Lat: 12.9716, Lng: 77.5946}
	to   = models.Point{Lat: 12.9816, Lng: 77.5946}
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(_, _ models.Point) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestLinearUsesSpeed(t *testing.T) {
	s, err := Linear{SpeedMps: 10}.EstimateSeconds(from, to)
	require.NoError(t, err)
	// ~1112 m at 10 m/s
	assert.InDelta(t, 111.2, s, 0.5)

	m, err := Minutes(Linear{SpeedMps: 10}, from, to)
	require.NoError(t, err)
	assert.InDelta(t, 111.2/60, m, 0.01)
}

func TestCachedHitsCacheOnSecondCall(t *testing.T) {
	cl := &countingClient{v: 300}
	c := &Cached{Client: cl, Cache: NewCache(time.Minute), SpeedMps: 10}

	v, err := c.EstimateSeconds(from, to)
	require.NoError(t, err)
	assert.Equal(t, 300.0, v)
	v, err = c.EstimateSeconds(from, to)
	require.NoError(t, err)
	assert.Equal(t, 300.0, v)
	assert.Equal(t, 1, cl.calls)
}

func TestCachedFallsBackToLinear(t *testing.T) {
	cl := &countingClient{err: errors.New("routing down")}
	c := &Cached{Client: cl, SpeedMps: 10}
	v, err := c.EstimateSeconds(from, to)
	require.NoError(t, err)
	assert.InDelta(t, 111.2, v, 0.5)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(from, to, 42)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(from, to)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.594600,12.971600;"))
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	v, err := NewOSRMClient(srv.URL).EstimateSeconds(from, to)
	require.NoError(t, err)
	assert.Equal(t, 321.5, v)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(from, to)
	assert.Error(t, err)
}
