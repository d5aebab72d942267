package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisConfig_Defaults(t *testing.T) {
	got := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	assert.Equal(t, 3*time.Second, got.DialTimeout)
	assert.Equal(t, 2*time.Second, got.ReadTimeout)
	assert.Equal(t, 20, got.PoolSize)
	assert.Equal(t, 2*time.Second, got.PingTimeout)
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestConcurrencyCap_InputValidation(t *testing.T) {
	ctx := context.Background()

	_, err := AcquireConcurrencyCap(ctx, nil, "k", 1, time.Minute)
	assert.Error(t, err)

	err = ReleaseConcurrencyCap(ctx, nil, "k")
	assert.Error(t, err)
}
