package sampler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thannaske/licenseusage/pkg/sampler"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		age  time.Duration
		want sampler.Freshness
	}{
		{age: 0, want: sampler.Fresh},
		{age: 24 * time.Hour, want: sampler.Fresh},
		{age: 3*24*time.Hour - time.Second, want: sampler.Fresh},
		{age: 3 * 24 * time.Hour, want: sampler.Stale},
		{age: 4 * 24 * time.Hour, want: sampler.Stale},
		{age: 5 * 24 * time.Hour, want: sampler.VeryStale},
		{age: 6 * 24 * time.Hour, want: sampler.VeryStale},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sampler.Classify(tt.age), "age %s", tt.age)
	}
	assert.True(t, sampler.VeryStale.BlocksActivation())
	assert.False(t, sampler.Stale.BlocksActivation())
	assert.Equal(t, "very_stale", sampler.VeryStale.String())
}

func TestFreshness(t *testing.T) {
	t.Parallel()

	sampled := time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC)
	midnight := time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		age  time.Duration
		want sampler.Freshness
	}{
		{name: "OneDay", age: 24 * time.Hour, want: sampler.Fresh},
		{name: "FourDays", age: 4 * 24 * time.Hour, want: sampler.Stale},
		{name: "SixDays", age: 6 * 24 * time.Hour, want: sampler.VeryStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			f := setup(t, sampled)
			require.NoError(t, f.sampler.UpdateHistory(ctx, f.id, siteHash))

			f.clock.Set(midnight.Add(tt.age))
			got, err := f.sampler.Freshness(ctx, f.id, siteHash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFreshness_AgeCountsFromSampleDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setup(t, time.Date(2024, 4, 5, 23, 59, 0, 0, time.UTC))
	require.NoError(t, f.sampler.UpdateHistory(ctx, f.id, siteHash))

	midnight := time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)
	f.clock.Set(midnight.Add(3*24*time.Hour - time.Minute))
	got, err := f.sampler.Freshness(ctx, f.id, siteHash)
	require.NoError(t, err)
	assert.Equal(t, sampler.Fresh, got)

	// Only two days and 31 minutes after the sample was taken.
	f.clock.Set(midnight.Add(3*24*time.Hour + 30*time.Minute))
	got, err = f.sampler.Freshness(ctx, f.id, siteHash)
	require.NoError(t, err)
	assert.Equal(t, sampler.Stale, got)
}

func TestFreshness_EmptyHistoryUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setup(t, time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC))

	got, err := f.sampler.Freshness(ctx, f.id, siteHash)
	require.NoError(t, err)
	assert.Equal(t, sampler.Fresh, got)
	assert.Equal(t, 1, f.history(t).Len())
	assert.Equal(t, 1, f.counter.Calls())
}
