// Package sampler takes the daily license usage sample of a site.
//
// The sampler is meant to be invoked often (every few minutes from a
// periodic job). It only queries the count backend when the next-run marker
// says so, which happens about once a day at a randomized time.
package sampler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand/v2"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/thannaske/licenseusage/pkg/store"
	"github.com/thannaske/licenseusage/pkg/usage"
)

// CountQuerier runs the aggregate count queries against the monitoring
// backend. Transient failures wrap usage.ErrBackendUnavailable.
type CountQuerier interface {
	QueryCounts(ctx context.Context) (usage.Counts, error)
}

// Sampler builds samples and maintains the history of one site.
type Sampler struct {
	store   *store.Store
	counter CountQuerier
	env     Environment
	clock   quartz.Clock
	intN    func(n int) int
	log     slog.Logger
}

type Option func(*Sampler)

// WithClock replaces the wall clock.
func WithClock(c quartz.Clock) Option {
	return func(s *Sampler) {
		s.clock = c
	}
}

// WithRandom replaces the source of next-run jitter. intN must return a
// value in [0, n).
func WithRandom(intN func(n int) int) Option {
	return func(s *Sampler) {
		s.intN = intN
	}
}

// New returns a Sampler writing to st and counting with counter.
func New(st *store.Store, counter CountQuerier, env Environment, log slog.Logger, opts ...Option) *Sampler {
	if env.Location == nil {
		env.Location = time.Local
	}
	s := &Sampler{
		store:   st,
		counter: counter,
		env:     env,
		clock:   quartz.NewReal(),
		intN:    rand.IntN,
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeUpdateHistory is the best-effort path invoked by periodic jobs. It
// does nothing before the next-run marker is due. When the count backend
// is unavailable the cycle is abandoned without touching history or marker
// and nil is returned; the next invocation tries again.
func (s *Sampler) MaybeUpdateHistory(ctx context.Context, instanceID uuid.UUID, siteHash string) error {
	return s.store.Update(ctx, instanceID, func(tx *store.Tx) error {
		now := s.clock.Now()
		if next, ok := tx.NextRun(); ok && now.Before(next) {
			s.log.Debug(ctx, "sampling not due yet", slog.F("next_run", next))
			return nil
		}

		err := s.update(ctx, tx, now, instanceID, siteHash)
		if xerrors.Is(err, usage.ErrBackendUnavailable) {
			s.log.Warn(ctx, "count backend unavailable, skipping this cycle", slog.Error(err))
			return nil
		}
		return err
	})
}

// UpdateHistory is the operator-triggered path. It ignores the next-run
// marker and returns every failure so the caller can report it.
func (s *Sampler) UpdateHistory(ctx context.Context, instanceID uuid.UUID, siteHash string) error {
	return s.store.Update(ctx, instanceID, func(tx *store.Tx) error {
		return s.update(ctx, tx, s.clock.Now(), instanceID, siteHash)
	})
}

func (s *Sampler) update(ctx context.Context, tx *store.Tx, now time.Time, instanceID uuid.UUID, siteHash string) error {
	sample, err := s.CreateSample(ctx, now, instanceID, siteHash)
	if err != nil {
		return xerrors.Errorf("create sample: %w", err)
	}

	h, err := tx.History()
	if err != nil {
		return xerrors.Errorf("load history: %w", err)
	}
	if h.AddSample(sample) {
		if err := tx.SaveHistory(h); err != nil {
			return xerrors.Errorf("save history: %w", err)
		}
		s.log.Info(ctx, "added usage sample",
			slog.F("sample_time", sample.Time()),
			slog.F("num_hosts", sample.NumHosts),
			slog.F("num_services", sample.NumServices),
			slog.F("history_length", h.Len()),
		)
	} else {
		s.log.Debug(ctx, "sample for this day already recorded", slog.F("sample_time", sample.Time()))
	}

	next := NextRun(now, s.env.Location, s.intN)
	if err := tx.SaveNextRun(next); err != nil {
		return xerrors.Errorf("save next run: %w", err)
	}
	s.log.Debug(ctx, "scheduled next sample", slog.F("next_run", next))
	return nil
}

// CreateSample queries the count backend and combines the counts with the
// environment into a sample for the day of now.
func (s *Sampler) CreateSample(ctx context.Context, now time.Time, instanceID uuid.UUID, siteHash string) (usage.Sample, error) {
	counts, err := s.counter.QueryCounts(ctx)
	if err != nil {
		return usage.Sample{}, xerrors.Errorf("query counts: %w", err)
	}
	ext, err := s.store.Extensions(ctx)
	if err != nil {
		return usage.Sample{}, xerrors.Errorf("read extensions: %w", err)
	}

	return usage.Sample{
		InstanceID: instanceID,
		SiteHash:   siteHash,
		Version:    s.env.Version,
		Edition:    s.env.Edition,
		Platform:   truncatePlatform(s.env.Platform),
		IsCMA:      s.env.IsCMA,
		SampleTime: now.UTC().Truncate(24 * time.Hour).Unix(),
		Timezone:   s.env.Location.String(),

		NumHosts:         counts.Hosts,
		NumHostsCloud:    counts.HostsCloud,
		NumHostsShadow:   counts.HostsShadow,
		NumHostsExcluded: counts.HostsExcluded,

		NumServices:         counts.Services,
		NumServicesCloud:    counts.ServicesCloud,
		NumServicesShadow:   counts.ServicesShadow,
		NumServicesExcluded: counts.ServicesExcluded,

		NumSyntheticTests:         counts.SyntheticTests,
		NumSyntheticTestsExcluded: counts.SyntheticTestsExcluded,
		NumSyntheticKPIs:          counts.SyntheticKPIs,
		NumSyntheticKPIsExcluded:  counts.SyntheticKPIsExcluded,

		Extensions: ext,
	}, nil
}

const (
	windowStart = 8  // hour
	windowEnd   = 16 // hour
	grid        = 10 * time.Minute
)

// NextRun picks a uniformly random instant on the calendar day after now,
// between 08:00 and 16:00 in loc, on a 10 minute grid. Sites sharing a
// report backend then don't all report at the same moment.
func NextRun(now time.Time, loc *time.Location, intN func(n int) int) time.Time {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day()+1, windowStart, 0, 0, 0, loc)
	slots := int((windowEnd-windowStart)*time.Hour/grid) + 1
	return start.Add(time.Duration(intN(slots)) * grid)
}

// HashSiteID returns the one-way hash stored in samples instead of the
// site id itself.
func HashSiteID(siteID string) string {
	sum := sha256.Sum256([]byte(siteID))
	return hex.EncodeToString(sum[:8])
}

func truncatePlatform(p string) string {
	r := []rune(p)
	if len(r) <= usage.MaxPlatformLength {
		return p
	}
	return string(r[:usage.MaxPlatformLength])
}
