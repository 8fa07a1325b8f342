package usage_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/usage"
)

func TestParseLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  any
		want usage.Limit
	}{
		{name: "TaggedFixed", raw: []any{"fixed", float64(5000)}, want: usage.FixedLimit(5000)},
		{name: "TaggedCustom", raw: []any{"custom", 1234}, want: usage.CustomLimit(1234)},
		{name: "TaggedUnlimited", raw: []any{"unlimited", -1}, want: usage.UnlimitedLimit()},
		{name: "TierString", raw: "50000", want: usage.FixedLimit(50000)},
		{name: "TierNumber", raw: float64(3000), want: usage.FixedLimit(3000)},
		{name: "UnlimitedSentinel", raw: "2000000+", want: usage.UnlimitedLimit()},
		{name: "UnlimitedWord", raw: "unlimited", want: usage.UnlimitedLimit()},
		{name: "MinusOne", raw: -1, want: usage.UnlimitedLimit()},
		{name: "CustomNumber", raw: 4711, want: usage.CustomLimit(4711)},
		{name: "CustomString", raw: "4711", want: usage.CustomLimit(4711)},
		{name: "JSONNumber", raw: json.Number("10000"), want: usage.FixedLimit(10000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := usage.ParseLimit(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLimit_Invalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []any{"lots", []any{"bogus", 10}, []any{"fixed", "x"}, 1.5, nil} {
		_, err := usage.ParseLimit(raw)
		var detailsErr *usage.SubscriptionDetailsError
		require.True(t, xerrors.As(err, &detailsErr), "raw %v: %v", raw, err)
	}
}

func TestLimit_ReportRoundTrip(t *testing.T) {
	t.Parallel()

	for _, l := range []usage.Limit{usage.FixedLimit(5000), usage.UnlimitedLimit(), usage.CustomLimit(4711)} {
		got, err := usage.ParseLimit(l.ForReport())
		require.NoError(t, err)
		assert.Equal(t, l, got)

		got, err = usage.ParseLimit(l.ForConfig())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
}

func TestLimit_ForConfig(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "5000", usage.FixedLimit(5000).ForConfig())
	assert.Equal(t, "2000000+", usage.UnlimitedLimit().ForConfig())
	assert.Equal(t, []any{"custom", int64(4711)}, usage.CustomLimit(4711).ForConfig())
	assert.Equal(t, []any{"fixed", int64(1234)}, usage.FixedLimit(1234).ForConfig())
	assert.False(t, usage.UnlimitedLimit().Finite())
	assert.True(t, usage.CustomLimit(1).Finite())
}

func TestParseSubscriptionDetails(t *testing.T) {
	t.Parallel()

	want := usage.SubscriptionDetails{Start: 1704067200, End: 1735689600, Limit: usage.FixedLimit(5000)}

	shapes := map[string]any{
		"Report": want.ForReport(),
		"Config": want.ForConfig(),
		"LegacyPair": []any{"manual", map[string]any{
			"subscription_start": float64(1704067200),
			"subscription_end":   float64(1735689600),
			"subscription_limit": "5000",
		}},
		"BareDict": map[string]any{
			"start": "1704067200",
			"end":   1735689600,
			"limit": []any{"fixed", 5000},
		},
	}
	for name, raw := range shapes {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := usage.ParseSubscriptionDetails(raw)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseSubscriptionDetails_Missing(t *testing.T) {
	t.Parallel()

	full := map[string]any{"start": 1, "end": 2, "limit": "5000"}
	for _, key := range []string{"start", "end", "limit"} {
		raw := map[string]any{}
		for k, v := range full {
			if k != key {
				raw[k] = v
			}
		}
		_, err := usage.ParseSubscriptionDetails(raw)
		var detailsErr *usage.SubscriptionDetailsError
		require.True(t, xerrors.As(err, &detailsErr))
		assert.Equal(t, key, detailsErr.Key)
	}

	_, err := usage.ParseSubscriptionDetails([]any{"manual", map[string]any{"subscription_start": nil, "subscription_end": 2, "subscription_limit": "5000"}})
	require.Error(t, err)

	_, err = usage.ParseSubscriptionDetails("nonsense")
	require.Error(t, err)
}
