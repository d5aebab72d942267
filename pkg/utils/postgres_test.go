package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolConfig_Defaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	assert.Equal(t, 25, got.MaxOpenConns)
	assert.Equal(t, 25, got.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, got.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, got.ConnMaxIdleTime)
	assert.Equal(t, 5*time.Second, got.PingTimeout)
}

func TestPoolConfig_ExplicitValuesKept(t *testing.T) {
	in := PostgresPoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: 30 * time.Second,
		PingTimeout:     time.Second,
	}
	assert.Equal(t, in, in.withDefaults())
}
