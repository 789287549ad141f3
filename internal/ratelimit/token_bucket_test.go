package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisTokenBucketValidation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	_, err := NewRedisTokenBucket(nil, 10, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 0, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 10, 0, "")
	assert.Error(t, err)

	bucket, err := NewRedisTokenBucket(client, 120, time.Minute, "  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyPrefix+":user-1", bucket.key("user-1"))
	assert.Equal(t, DefaultKeyPrefix+":anonymous", bucket.key(" "))
	assert.InDelta(t, 0.002, bucket.perMS, 1e-9)
	assert.Equal(t, 2*time.Minute, bucket.ttl)
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(1), int64(7), int64(0)})
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 7}, d)

	d, err = parseDecision([]any{int64(0), int64(0), int64(1500)})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)

	_, err = parseDecision([]any{int64(1), int64(2)})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = parseDecision([]any{int64(1), "x", int64(0)})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = parseDecision("nope")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int64(3), 3},
		{7, 7},
		{float64(2.9), 2},
		{"42", 42},
	}
	for _, tc := range cases {
		got, err := toInt64(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := toInt64("x")
	assert.Error(t, err)
	_, err = toInt64([]byte("1"))
	assert.Error(t, err)
}
