package sampler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// DefaultSchedule is how often the daemon asks the sampler whether a
// sample is due.
const DefaultSchedule = "@every 10m"

// Daemon invokes MaybeUpdateHistory on a cron schedule. It is the
// caller's responsibility to call Close.
type Daemon struct {
	sampler    *Sampler
	cron       *cron.Cron
	instanceID uuid.UUID
	siteHash   string
	timeout    time.Duration
	log        slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDaemon schedules sampling runs. schedule accepts standard five-field
// cron expressions and descriptors such as "@every 10m".
func NewDaemon(s *Sampler, schedule string, instanceID uuid.UUID, siteHash string, log slog.Logger) (*Daemon, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		sampler:    s,
		cron:       cron.New(),
		instanceID: instanceID,
		siteHash:   siteHash,
		timeout:    5 * time.Minute,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	if _, err := d.cron.AddFunc(schedule, d.run); err != nil {
		cancel()
		return nil, xerrors.Errorf("parse schedule %q: %w", schedule, err)
	}
	return d, nil
}

// Start runs the schedule in the background.
func (d *Daemon) Start() {
	d.log.Info(d.ctx, "sampling daemon started")
	d.cron.Start()
}

func (d *Daemon) run() {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := d.sampler.MaybeUpdateHistory(ctx, d.instanceID, d.siteHash); err != nil {
		if xerrors.Is(err, context.Canceled) {
			return
		}
		d.log.Error(ctx, "update license usage history", slog.Error(err))
	}
}

// Close stops the schedule and waits for a running sample to finish.
func (d *Daemon) Close() error {
	stopped := d.cron.Stop()
	d.cancel()
	<-stopped.Done()
	d.log.Info(context.Background(), "sampling daemon stopped")
	return nil
}
