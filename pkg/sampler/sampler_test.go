package sampler_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/thannaske/licenseusage/pkg/sampler"
	"github.com/thannaske/licenseusage/pkg/store"
	"github.com/thannaske/licenseusage/pkg/usage"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts usage.Counts
	err    error
	calls  int
}

func (f *fakeCounter) QueryCounts(context.Context) (usage.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.counts, f.err
}

func (f *fakeCounter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store   *store.Store
	counter *fakeCounter
	clock   *quartz.Mock
	sampler *sampler.Sampler
	id      uuid.UUID
}

const siteHash = "5fa2b0c9e1d3a7f4"

func setup(t *testing.T, now time.Time) fixture {
	t.Helper()
	log := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	st, err := store.New(filepath.Join(t.TempDir(), "licensing"), log)
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(now)
	counter := &fakeCounter{counts: usage.Counts{
		Hosts:            12,
		HostsExcluded:    2,
		HostsShadow:      1,
		HostsCloud:       3,
		Services:         240,
		ServicesExcluded: 10,
		ServicesShadow:   4,
		ServicesCloud:    60,
		SyntheticTests:   5,
		SyntheticKPIs:    11,
	}}
	env := sampler.Environment{
		Version:  "2.3.0p5",
		Edition:  "cee",
		Platform: "Ubuntu 22.04.4 LTS",
		Location: time.UTC,
	}
	s := sampler.New(st, counter, env, log,
		sampler.WithClock(clock),
		sampler.WithRandom(func(int) int { return 3 }),
	)
	return fixture{store: st, counter: counter, clock: clock, sampler: s, id: uuid.New()}
}

func (f fixture) history(t *testing.T) *usage.History {
	t.Helper()
	h, err := f.store.ReadHistory(context.Background(), f.id)
	require.NoError(t, err)
	return h
}

func (f fixture) nextRun(t *testing.T) (time.Time, bool) {
	t.Helper()
	var (
		next time.Time
		ok   bool
	)
	err := f.store.Update(context.Background(), f.id, func(tx *store.Tx) error {
		next, ok = tx.NextRun()
		return nil
	})
	require.NoError(t, err)
	return next, ok
}

func TestMaybeUpdateHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 4, 5, 13, 27, 0, 0, time.UTC)
	f := setup(t, now)

	require.NoError(t, f.sampler.MaybeUpdateHistory(ctx, f.id, siteHash))
	h := f.history(t)
	require.Equal(t, 1, h.Len())
	s, _ := h.Latest()
	assert.Equal(t, time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC).Unix(), s.SampleTime)
	assert.Equal(t, f.id, s.InstanceID)
	assert.Equal(t, siteHash, s.SiteHash)
	assert.EqualValues(t, 12, s.NumHosts)
	assert.EqualValues(t, 240, s.NumServices)
	assert.EqualValues(t, 60, s.NumServicesCloud)
	assert.Equal(t, "UTC", s.Timezone)

	next, ok := f.nextRun(t)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 4, 6, 8, 30, 0, 0, time.UTC).Equal(next), "next run %s", next)

	// Not due yet: nothing is queried or written.
	f.clock.Set(now.Add(2 * time.Hour))
	require.NoError(t, f.sampler.MaybeUpdateHistory(ctx, f.id, siteHash))
	assert.Equal(t, 1, f.counter.Calls())
	again, _ := f.nextRun(t)
	assert.True(t, next.Equal(again))

	// Due on the next day.
	f.clock.Set(next.Add(time.Minute))
	require.NoError(t, f.sampler.MaybeUpdateHistory(ctx, f.id, siteHash))
	assert.Equal(t, 2, f.counter.Calls())
	h = f.history(t)
	require.Equal(t, 2, h.Len())
	s, _ = h.Latest()
	assert.Equal(t, time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC).Unix(), s.SampleTime)
}

func TestMaybeUpdateHistory_BackendUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setup(t, time.Date(2024, 4, 5, 13, 27, 0, 0, time.UTC))
	f.counter.err = xerrors.Errorf("livestatus socket: %w", usage.ErrBackendUnavailable)

	require.NoError(t, f.sampler.MaybeUpdateHistory(ctx, f.id, siteHash))
	assert.Zero(t, f.history(t).Len())
	_, ok := f.nextRun(t)
	assert.False(t, ok, "marker must not be written for an abandoned cycle")

	err := f.sampler.UpdateHistory(ctx, f.id, siteHash)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, usage.ErrBackendUnavailable))
	assert.Zero(t, f.history(t).Len())
}

func TestMaybeUpdateHistory_OtherErrorsPropagate(t *testing.T) {
	t.Parallel()

	f := setup(t, time.Date(2024, 4, 5, 13, 27, 0, 0, time.UTC))
	f.counter.err = xerrors.New("no such table: hosts")

	require.Error(t, f.sampler.MaybeUpdateHistory(context.Background(), f.id, siteHash))
	assert.Zero(t, f.history(t).Len())
}

func TestUpdateHistory_IgnoresMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 4, 5, 13, 27, 0, 0, time.UTC)
	f := setup(t, now)

	require.NoError(t, f.sampler.MaybeUpdateHistory(ctx, f.id, siteHash))
	require.NoError(t, f.sampler.UpdateHistory(ctx, f.id, siteHash))
	assert.Equal(t, 2, f.counter.Calls())
	// Same day, so the history still holds one sample.
	assert.Equal(t, 1, f.history(t).Len())
}

func TestCreateSample_Extensions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setup(t, time.Date(2024, 4, 5, 13, 27, 0, 0, time.UTC))
	require.NoError(t, f.store.SaveExtensions(ctx, usage.Extensions{NTop: true}))

	s, err := f.sampler.CreateSample(ctx, f.clock.Now(), f.id, siteHash)
	require.NoError(t, err)
	assert.True(t, s.Extensions.NTop)
	assert.Equal(t, "Ubuntu 22.04.4 LTS", s.Platform)
}

func TestNextRun(t *testing.T) {
	t.Parallel()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	// 23:30 UTC on March 31st is already April 1st in Berlin.
	now := time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC)

	earliest := sampler.NextRun(now, berlin, func(int) int { return 0 })
	assert.Equal(t, time.Date(2024, 4, 2, 8, 0, 0, 0, berlin), earliest)

	var slots int
	latest := sampler.NextRun(now, berlin, func(n int) int { slots = n; return n - 1 })
	assert.Equal(t, 49, slots)
	assert.Equal(t, time.Date(2024, 4, 2, 16, 0, 0, 0, berlin), latest)

	for i := 0; i < 49; i++ {
		got := sampler.NextRun(now, time.UTC, func(int) int { return i })
		assert.Zero(t, got.Minute()%10)
		assert.Zero(t, got.Second())
		assert.GreaterOrEqual(t, got.Hour(), 8)
		assert.True(t, got.Hour() < 16 || (got.Hour() == 16 && got.Minute() == 0))
		assert.Equal(t, 1, got.Day())
	}
}

func TestHashSiteID(t *testing.T) {
	t.Parallel()

	h := sampler.HashSiteID("mysite")
	assert.Len(t, h, 16)
	assert.Equal(t, h, sampler.HashSiteID("mysite"))
	assert.NotEqual(t, h, sampler.HashSiteID("othersite"))
	assert.NotContains(t, h, "mysite")
}
