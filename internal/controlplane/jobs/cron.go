package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const schedulerTick = 30 * time.Second

// TemplateScheduler fires enabled scheduled templates when their next run
// comes due. It polls rather than holding in-memory timers so multiple
// control-plane instances can share one store; the guarded advance makes a
// due template fire once.
type TemplateScheduler struct {
	templates *TemplateStore
	engine    *Engine
	logger    *zap.Logger
	tick      time.Duration
}

// NewTemplateScheduler creates the scheduler.
func NewTemplateScheduler(templates *TemplateStore, engine *Engine, logger *zap.Logger) *TemplateScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateScheduler{
		templates: templates,
		engine:    engine,
		logger:    logger,
		tick:      schedulerTick,
	}
}

// Run polls until the context is cancelled.
func (s *TemplateScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now.UTC())
		}
	}
}

func (s *TemplateScheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.templates.Due(now)
	if err != nil {
		s.logger.Error("scheduler: list due templates", zap.Error(err))
		return
	}

	for i := range due {
		tpl := due[i]
		sched, err := cron.ParseStandard(tpl.Schedule)
		if err != nil {
			s.logger.Error("scheduler: bad schedule",
				zap.String("template_id", tpl.ID),
				zap.String("schedule", tpl.Schedule),
				zap.Error(err),
			)
			continue
		}

		next := sched.Next(now)
		won, err := s.templates.Advance(tpl.ID, *tpl.NextRunAt, next)
		if err != nil {
			s.logger.Error("scheduler: advance", zap.String("template_id", tpl.ID), zap.Error(err))
			continue
		}
		if !won {
			// Another instance claimed this firing.
			continue
		}

		job, err := s.engine.SubmitFromTemplate(ctx, &tpl, nil, "scheduler")
		if err != nil {
			s.logger.Error("scheduler: submit",
				zap.String("template_id", tpl.ID),
				zap.String("template", tpl.Name),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("scheduled job submitted",
			zap.String("template", tpl.Name),
			zap.String("job_id", job.ID),
			zap.Time("next_run", next),
		)
	}
}
