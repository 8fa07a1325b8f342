package sampler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cdr.dev/slog/v3"
)

// Freshness classifies how old the newest sample of a history is.
type Freshness int

const (
	Fresh Freshness = iota
	// Stale histories only warrant a warning.
	Stale
	// VeryStale histories block configuration activation.
	VeryStale
)

const (
	StaleAfter     = 3 * 24 * time.Hour
	VeryStaleAfter = 5 * 24 * time.Hour
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case VeryStale:
		return "very_stale"
	default:
		return "unknown"
	}
}

// BlocksActivation reports whether configuration activation must be
// refused.
func (f Freshness) BlocksActivation() bool {
	return f == VeryStale
}

// Classify maps a sample age to its freshness.
func Classify(age time.Duration) Freshness {
	switch {
	case age >= VeryStaleAfter:
		return VeryStale
	case age >= StaleAfter:
		return Stale
	default:
		return Fresh
	}
}

// Freshness classifies the site's history by the age of its newest sample.
// Sample times are stored as the UTC midnight of the sampling day, so the age
// counts from that midnight and a sample taken late in the day reads as older
// than it is by up to a day. An empty history triggers an immediate update and counts as fresh, so a
// new site is never blocked; a failing update is logged.
func (s *Sampler) Freshness(ctx context.Context, instanceID uuid.UUID, siteHash string) (Freshness, error) {
	h, err := s.store.ReadHistory(ctx, instanceID)
	if err != nil {
		return Fresh, err
	}
	latest, ok := h.Latest()
	if !ok {
		if err := s.UpdateHistory(ctx, instanceID, siteHash); err != nil {
			s.log.Warn(ctx, "initial usage sample failed", slog.Error(err))
		}
		return Fresh, nil
	}
	age := s.clock.Since(latest.Time())
	f := Classify(age)
	if f != Fresh {
		s.log.Warn(ctx, "license usage history is out of date",
			slog.F("freshness", f.String()),
			slog.F("age", age),
		)
	}
	return f, nil
}
