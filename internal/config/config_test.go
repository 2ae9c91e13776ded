package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Booking.HoldDuration)
	assert.Equal(t, []string{"accommodation", "package"}, cfg.Booking.ManualConfirmTypes)
	assert.Equal(t, "0 * * * * *", cfg.Sweep.Schedule)
	assert.Equal(t, 3, cfg.Payment.MaxRetries)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("BOOKING_HOLD_DURATION", "15m")
	t.Setenv("BOOKING_MANUAL_CONFIRM_TYPES", " accommodation , ,activity")
	t.Setenv("CAPACITY_BACKEND", "memory")
	t.Setenv("CAPACITY_DEFAULT", "not-a-number")
	t.Setenv("ENABLE_REQUEST_LOGGING", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Booking.HoldDuration)
	assert.Equal(t, []string{"accommodation", "activity"}, cfg.Booking.ManualConfirmTypes)
	assert.Equal(t, "memory", cfg.Capacity.Backend)
	assert.Equal(t, 10, cfg.Capacity.DefaultCapacity)
	assert.False(t, cfg.Server.EnableRequestLog)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:        ServerConfig{Environment: "staging"},
			Database:      DatabaseConfig{URL: "postgres://localhost/bookings"},
			JWT:           JWTConfig{Secret: "secret"},
			Capacity:      CapacityConfig{Backend: "postgres", DefaultCapacity: 10},
			Notifications: NotificationConfig{Backend: "redis"},
			Booking:       BookingConfig{HoldDuration: time.Minute, MaxConflictRetries: 3},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"database required outside development", func(c *Config) { c.Database.URL = "" }, "DATABASE_URL"},
		{"jwt secret", func(c *Config) { c.JWT.Secret = "" }, "JWT_SECRET"},
		{"capacity backend", func(c *Config) { c.Capacity.Backend = "etcd" }, "CAPACITY_BACKEND"},
		{"negative capacity", func(c *Config) { c.Capacity.DefaultCapacity = -1 }, "CAPACITY_DEFAULT"},
		{"notification backend", func(c *Config) { c.Notifications.Backend = "kafka" }, "NOTIFICATIONS_BACKEND"},
		{"hold duration", func(c *Config) { c.Booking.HoldDuration = 0 }, "BOOKING_HOLD_DURATION"},
		{"conflict retries", func(c *Config) { c.Booking.MaxConflictRetries = 0 }, "BOOKING_MAX_CONFLICT_RETRIES"},
		{"gateway in production", func(c *Config) { c.Server.Environment = "production" }, "PAYMENT_GATEWAY_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestIsManualConfirm(t *testing.T) {
	cfg := &BookingConfig{ManualConfirmTypes: []string{"accommodation"}}
	assert.True(t, cfg.IsManualConfirm("accommodation"))
	assert.False(t, cfg.IsManualConfirm("activity"))
}
