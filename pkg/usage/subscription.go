package usage

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// LimitKind tags the variant of a subscription limit.
type LimitKind string

const (
	LimitFixed     LimitKind = "fixed"
	LimitUnlimited LimitKind = "unlimited"
	LimitCustom    LimitKind = "custom"
)

// UnlimitedValue stands in for infinity; the report backend has no numeric
// type for it.
const UnlimitedValue int64 = -1

// UnlimitedConfigValue is how configuration files spell an unlimited
// subscription.
const UnlimitedConfigValue = "2000000+"

// limitTiers are the canonical service counts subscriptions are sold in.
// Any of these given as a bare value is a fixed limit.
var limitTiers = map[int64]struct{}{}

func init() {
	for _, n := range []int64{
		3000, 5000, 7000, 10000, 15000, 20000, 25000, 30000, 40000, 50000,
		60000, 70000, 80000, 90000, 100000, 125000, 150000, 175000, 200000,
		250000, 300000, 350000, 400000, 450000, 500000, 600000, 700000,
		800000, 900000, 1000000, 1250000, 1500000, 1750000, 2000000,
	} {
		limitTiers[n] = struct{}{}
	}
}

// Limit is the contracted capacity ceiling of a subscription.
type Limit struct {
	Kind  LimitKind
	Value int64
}

func FixedLimit(n int64) Limit  { return Limit{Kind: LimitFixed, Value: n} }
func CustomLimit(n int64) Limit { return Limit{Kind: LimitCustom, Value: n} }
func UnlimitedLimit() Limit     { return Limit{Kind: LimitUnlimited, Value: UnlimitedValue} }

// Finite reports whether usage can breach the limit.
func (l Limit) Finite() bool {
	return l.Kind != LimitUnlimited
}

// ParseLimit normalizes every encoding a limit has been stored in: the
// tagged [kind, value] pair, a canonical tier as string or number, the
// unlimited sentinels "2000000+", "unlimited" and -1, and finally any other
// integer as a custom limit.
func ParseLimit(raw any) (Limit, error) {
	if pair, ok := asPair(raw); ok {
		return parseTaggedLimit(pair)
	}
	if s, ok := raw.(string); ok {
		switch strings.TrimSpace(s) {
		case UnlimitedConfigValue, string(LimitUnlimited):
			return UnlimitedLimit(), nil
		}
	}
	n, ok := toInt64(raw)
	if !ok {
		return Limit{}, &SubscriptionDetailsError{Key: "limit", Reason: "cannot interpret limit " + describe(raw)}
	}
	if _, tier := limitTiers[n]; tier {
		return FixedLimit(n), nil
	}
	if n == UnlimitedValue {
		return UnlimitedLimit(), nil
	}
	return CustomLimit(n), nil
}

func parseTaggedLimit(pair []any) (Limit, error) {
	kind, ok := pair[0].(string)
	if !ok {
		return Limit{}, &SubscriptionDetailsError{Key: "limit", Reason: "limit kind is not a string"}
	}
	if LimitKind(kind) == LimitUnlimited {
		return UnlimitedLimit(), nil
	}
	n, ok := toInt64(pair[1])
	if !ok {
		return Limit{}, &SubscriptionDetailsError{Key: "limit", Reason: "cannot interpret limit value " + describe(pair[1])}
	}
	switch LimitKind(kind) {
	case LimitFixed:
		return FixedLimit(n), nil
	case LimitCustom:
		return CustomLimit(n), nil
	default:
		return Limit{}, &SubscriptionDetailsError{Key: "limit", Reason: "unknown limit kind " + strconv.Quote(kind)}
	}
}

// ForReport always uses the tagged [kind, value] form.
func (l Limit) ForReport() []any {
	return []any{string(l.Kind), l.Value}
}

// ForConfig collapses canonical fixed tiers to a bare numeric string and
// unlimited to "2000000+", matching what older configuration files hold.
func (l Limit) ForConfig() any {
	switch l.Kind {
	case LimitUnlimited:
		return UnlimitedConfigValue
	case LimitFixed:
		if _, tier := limitTiers[l.Value]; tier {
			return strconv.FormatInt(l.Value, 10)
		}
	}
	return l.ForReport()
}

// SubscriptionDetails is the validity window and limit of one subscription
// period. Start and End are epoch seconds.
type SubscriptionDetails struct {
	Start int64
	End   int64
	Limit Limit
}

func (d SubscriptionDetails) StartTime() time.Time { return time.Unix(d.Start, 0).UTC() }
func (d SubscriptionDetails) EndTime() time.Time   { return time.Unix(d.End, 0).UTC() }

// ParseSubscriptionDetails accepts a (source, details) pair or a bare
// details mapping keyed either start/end/limit or
// subscription_start/subscription_end/subscription_limit. All three values
// must be present.
func ParseSubscriptionDetails(raw any) (SubscriptionDetails, error) {
	if pair, ok := asPair(raw); ok {
		if _, isSource := pair[0].(string); isSource {
			raw = pair[1]
		}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return SubscriptionDetails{}, &SubscriptionDetailsError{Key: "details", Reason: "expected a mapping, got " + describe(raw)}
	}

	lookup := func(key string) (any, error) {
		for _, k := range []string{key, "subscription_" + key} {
			if v, ok := m[k]; ok && v != nil {
				return v, nil
			}
		}
		return nil, &SubscriptionDetailsError{Key: key, Reason: "missing"}
	}

	rawStart, err := lookup("start")
	if err != nil {
		return SubscriptionDetails{}, err
	}
	rawEnd, err := lookup("end")
	if err != nil {
		return SubscriptionDetails{}, err
	}
	rawLimit, err := lookup("limit")
	if err != nil {
		return SubscriptionDetails{}, err
	}

	start, ok := toInt64(rawStart)
	if !ok {
		return SubscriptionDetails{}, &SubscriptionDetailsError{Key: "start", Reason: "not a timestamp: " + describe(rawStart)}
	}
	end, ok := toInt64(rawEnd)
	if !ok {
		return SubscriptionDetails{}, &SubscriptionDetailsError{Key: "end", Reason: "not a timestamp: " + describe(rawEnd)}
	}
	limit, err := ParseLimit(rawLimit)
	if err != nil {
		return SubscriptionDetails{}, err
	}
	return SubscriptionDetails{Start: start, End: end, Limit: limit}, nil
}

func (d SubscriptionDetails) ForReport() map[string]any {
	return map[string]any{
		"start": d.Start,
		"end":   d.End,
		"limit": d.Limit.ForReport(),
	}
}

func (d SubscriptionDetails) ForConfig() []any {
	return []any{"manual", map[string]any{
		"subscription_start": d.Start,
		"subscription_end":   d.End,
		"subscription_limit": d.Limit.ForConfig(),
	}}
}

func asPair(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, len(v) == 2
	case []string:
		if len(v) == 2 {
			return []any{v[0], v[1]}, true
		}
	}
	return nil, false
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func describe(raw any) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return "<unprintable>"
	}
	return string(b)
}
