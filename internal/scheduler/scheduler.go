// Package scheduler fires recurring task schedules into the work
// queue that autonomous agents claim from.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hivebase/hive/internal/config"
	"github.com/hivebase/hive/internal/natsbus"
	"github.com/hivebase/hive/internal/schedule"
	"github.com/hivebase/hive/internal/store"
)

// Publisher is the event sink fired schedules are reported to.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// ScheduleEvent is published on the bus when a schedule fires.
type ScheduleEvent struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

type Scheduler struct {
	store        *store.Store
	bus          Publisher
	pollInterval time.Duration
}

func New(s *store.Store, bus Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		bus:          bus,
		pollInterval: cfg.PollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Poll(time.Now())
		}
	}
}

// Poll fires every schedule due at the reference time.
func (s *Scheduler) Poll(now time.Time) {
	due, err := s.store.GetDueSchedules(now)
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, ts := range due {
		s.fire(ts, now)
	}
}

// fire enqueues the schedule's task template and advances the next run
// time. Schedules with no further firing are marked completed.
func (s *Scheduler) fire(ts store.TaskSchedule, now time.Time) {
	slog.Info("firing task schedule", "id", ts.ID, "name", ts.Name)

	task := &store.Task{
		ID:            uuid.NewString(),
		Description:   ts.Description,
		TaskType:      ts.TaskType,
		RequiredTools: ts.RequiredTools,
		Priority:      ts.Priority,
	}

	lastStatus := "fired"
	var lastError string
	if err := s.store.EnqueueTask(task); err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("failed to enqueue scheduled task", "schedule", ts.ID, "error", err)
	}

	nextRun := schedule.NextRun(ts.Schedule, now)
	if err := s.store.UpdateScheduleRun(ts.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "schedule", ts.ID, "error", err)
	}

	if nextRun == nil {
		slog.Info("schedule has no next run, marking completed", "id", ts.ID, "name", ts.Name)
		if err := s.store.UpdateScheduleStatus(ts.ID, store.ScheduleCompleted); err != nil {
			slog.Error("failed to complete schedule", "schedule", ts.ID, "error", err)
		}
	}

	if s.bus != nil {
		_ = s.bus.PublishJSON(natsbus.TopicSchedulerEvents, ScheduleEvent{
			ScheduleID: ts.ID,
			Name:       ts.Name,
			TaskID:     task.ID,
			Status:     lastStatus,
			At:         now,
		})
	}
}
