package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	require.Error(t, c.Validate())
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "expertcall", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	require.Error(t, c.Validate(), "production without DB_SSLMODE must fail")
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "expertcall", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	require.NoError(t, c.Validate())
	assert.Equal(t, "disable", c.DB.SSLMode)
}

func TestValidate_CallDefaults(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "expertcall"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	require.NoError(t, c.Validate())
	assert.Equal(t, 45*time.Second, c.Call.RingTimeout)
	assert.Equal(t, 30*time.Second, c.Call.ConnectTimeout)
	assert.Equal(t, time.Second, c.Call.BalanceTick)
	assert.Equal(t, int64(5), c.Call.MinBalanceMultiple)
	assert.Equal(t, time.Minute, c.Call.SweepInterval)
	assert.Equal(t, 2*time.Minute, c.Call.AbandonedAfter)
}

func TestValidate_AbandonedAfterMustExceedConnectTimeout(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "expertcall"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Call: CallConfig{
			ConnectTimeout: time.Minute,
			AbandonedAfter: 30 * time.Second,
		},
	}
	require.Error(t, c.Validate())
}
