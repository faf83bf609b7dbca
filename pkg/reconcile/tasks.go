package reconcile

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/streamkit/pkg/queue"
)

// Recurring task names. The scheduler deduplicates on these, so they must be
// stable across deploys.
const (
	TaskExpireLapsed = "billing.expire_lapsed"
	TaskRemindTrials = "billing.remind_trials_ending"
	TaskPruneEvents  = "billing.prune_processed_events"
)

// Handlers returns the queue handlers for the three sweeps. Per-row failures
// stay in the report; only a failure to list work at all is returned, which
// makes the queue retry the whole run.
func (s *Sweeper) Handlers() []queue.Handler {
	return []queue.Handler{
		queue.NewRecurringTaskHandler(TaskExpireLapsed, func(ctx context.Context) error {
			report, err := s.ExpireLapsed(ctx)
			s.logReport(TaskExpireLapsed, report)
			return err
		}),
		queue.NewRecurringTaskHandler(TaskRemindTrials, func(ctx context.Context) error {
			report, err := s.RemindTrialsEnding(ctx)
			s.logReport(TaskRemindTrials, report)
			return err
		}),
		queue.NewRecurringTaskHandler(TaskPruneEvents, func(ctx context.Context) error {
			report, err := s.PruneProcessedEvents(ctx)
			s.logReport(TaskPruneEvents, report)
			return err
		}),
	}
}

// RegisterSchedules wires the sweeps into the scheduler: expiry shortly after
// the top of the hour most renewals land on, reminders mid-morning, pruning
// in the quiet window.
func (s *Sweeper) RegisterSchedules(sched *queue.Scheduler) error {
	if err := sched.AddTask(TaskExpireLapsed, queue.DailyAt(3, 0)); err != nil {
		return err
	}
	if err := sched.AddTask(TaskRemindTrials, queue.DailyAt(9, 0)); err != nil {
		return err
	}
	return sched.AddTask(TaskPruneEvents, queue.DailyAt(4, 30))
}

func (s *Sweeper) logReport(task string, report Report) {
	if err := report.Err(); err != nil {
		s.log.Error("sweep completed with errors",
			slog.String("task", task),
			slog.String("error", err.Error()))
	}
}
