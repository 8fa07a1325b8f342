package sampler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/thannaske/licenseusage/pkg/sampler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDaemon(t *testing.T) {
	t.Parallel()

	f := setup(t, time.Date(2024, 4, 5, 11, 0, 0, 0, time.UTC))
	log := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	d, err := sampler.NewDaemon(f.sampler, "@every 1s", f.id, siteHash, log)
	require.NoError(t, err)
	d.Start()

	require.Eventually(t, func() bool {
		h, err := f.store.ReadHistory(context.Background(), f.id)
		return err == nil && h.Len() == 1
	}, 10*time.Second, 100*time.Millisecond)
	require.NoError(t, d.Close())

	// The marker holds later runs back.
	require.Equal(t, 1, f.counter.Calls())
}

func TestDaemon_BadSchedule(t *testing.T) {
	t.Parallel()

	f := setup(t, time.Now())
	_, err := sampler.NewDaemon(f.sampler, "every now and then", f.id, siteHash, slogtest.Make(t, nil))
	require.Error(t, err)
}
