package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSweepSchedule runs the janitor twice a minute.
const DefaultSweepSchedule = "@every 30s"

// Sweeper drops expired handles.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Janitor periodically sweeps expired handles on a cron schedule.
type Janitor struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewJanitor creates a janitor for the given schedule: six fields with seconds first, or a descriptor such as "@every 30s".
func NewJanitor(sweeper Sweeper, schedule string, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(cron.WithSeconds()),
		sweeper: sweeper,
		logger:  logger.With("component", "handle-janitor"),
		tracer:  otel.Tracer("job-dispatch-janitor"),
	}
	if _, err := j.cron.AddJob(schedule, j); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs the schedule until ctx is cancelled. It blocks.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("handle janitor started")
	j.cron.Start()
	<-ctx.Done()
	j.logger.Info("handle janitor stopping...")
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	j.logger.Info("handle janitor stopped")
	return ctx.Err()
}

// Run is called by the cron library.
func (j *Janitor) Run() {
	_, span := j.tracer.Start(context.Background(), "janitor.Sweep")
	defer span.End()

	removed := j.sweeper.Sweep(time.Now())
	span.SetAttributes(attribute.Int("handles.removed", removed))
	if removed > 0 {
		j.logger.Debug("sweep finished", "removed", removed)
	}
}
