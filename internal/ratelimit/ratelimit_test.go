package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
	}{
		{"10s", 10 * time.Second},
		{"1m", time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"0.5s", 500 * time.Millisecond},
	}

	for _, c := range cases {
		got, err := ParsePeriod(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParsePeriodRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "10", "10x", "abc"} {
		_, err := ParsePeriod(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	t.Parallel()

	l := New()
	cfg := Config{Limit: 5, Period: "1s"}

	admitted := 0
	for i := 0; i < 7; i++ {
		ok, err := l.Allow("conn-1", "method-a", cfg)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}

	assert.Equal(t, 5, admitted)
}

func TestLimiterBucketsAreIndependentPerMethodAndConnection(t *testing.T) {
	t.Parallel()

	l := New()
	cfg := Config{Limit: 1, Period: "1h"}

	ok1, err := l.Allow("conn-1", "method-a", cfg)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := l.Allow("conn-1", "method-b", cfg)
	require.NoError(t, err)
	assert.True(t, ok2, "a different method should have its own bucket")

	ok3, err := l.Allow("conn-2", "method-a", cfg)
	require.NoError(t, err)
	assert.True(t, ok3, "a different connection should have its own bucket")

	ok4, _ := l.Allow("conn-1", "method-a", cfg)
	assert.False(t, ok4, "the original bucket should now be exhausted")
}

func TestLimiterDropRemovesBuckets(t *testing.T) {
	t.Parallel()

	l := New()
	cfg := Config{Limit: 1, Period: "1h"}

	_, _ = l.Allow("conn-1", "method-a", cfg)
	_, _ = l.Allow("conn-1", "method-b", cfg)
	_, _ = l.Allow("conn-2", "method-a", cfg)

	assert.Equal(t, 3, l.BucketCount())

	l.Drop("conn-1")

	assert.Equal(t, 1, l.BucketCount())
}

func TestLimiterRefillsOverTime(t *testing.T) {
	t.Parallel()

	l := New()
	cfg := Config{Limit: 1, Period: "0.05s"}

	ok1, _ := l.Allow("conn-1", "method-a", cfg)
	require.True(t, ok1)

	ok2, _ := l.Allow("conn-1", "method-a", cfg)
	require.False(t, ok2)

	time.Sleep(60 * time.Millisecond)

	ok3, _ := l.Allow("conn-1", "method-a", cfg)
	assert.True(t, ok3, "bucket should have refilled after the period elapsed")
}
