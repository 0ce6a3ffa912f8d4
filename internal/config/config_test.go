package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 200.0, cfg.MatcherInitialRadiusM)
	assert.Equal(t, 5, cfg.MatcherMaxSearches)
	assert.Equal(t, 30.0, cfg.FareBase)
	assert.Equal(t, 12.0, cfg.FarePerKm)
	assert.Equal(t, 1.0, cfg.FarePerMin)
	assert.Equal(t, "INR", cfg.FareCurrency)
	assert.Equal(t, 10*time.Minute, cfg.OTPTTL)
	assert.Equal(t, 2*time.Second, cfg.FanoutGapTimeout)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("OTP_TTL", "5m")
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("MATCHER_TOP_N", "3")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Minute, cfg.OTPTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MatcherTopN)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("FANOUT_MAX_PARALLEL", "-1")
	t.Setenv("MIGRATE", "true")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCHER_TOP_N")
	assert.Contains(t, err.Error(), "FANOUT_MAX_PARALLEL")
	assert.Contains(t, err.Error(), "MIGRATE requires PG_DSN")
}

func TestLoadServerConfigBadDuration(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	_, err := LoadServerConfig()
	assert.Error(t, err)
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "ride-dispatch-consumer", cfg.KafkaGroup)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
}
