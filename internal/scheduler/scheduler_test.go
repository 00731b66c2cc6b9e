package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hivebase/hive/internal/config"
	"github.com/hivebase/hive/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPollFiresDueSchedules(t *testing.T) {
	st := newTestStore(t)
	sched := New(st, nil, config.SchedulerConfig{})

	now := time.Now()
	due := now.Add(-time.Minute)
	if err := st.CreateTaskSchedule(&store.TaskSchedule{
		ID:          "sch-1",
		Name:        "nightly lint",
		Schedule:    `{"kind":"interval","interval":"1h"}`,
		Description: "run the linter over the repository",
		TaskType:    "maintenance",
		Priority:    3,
		NextRunAt:   &due,
	}); err != nil {
		t.Fatal(err)
	}

	sched.Poll(now)

	tasks, err := st.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(tasks))
	}
	if tasks[0].Description != "run the linter over the repository" || tasks[0].TaskType != "maintenance" {
		t.Errorf("task template not carried over: %+v", tasks[0])
	}
	if tasks[0].Priority != 3 {
		t.Errorf("priority not carried over: %d", tasks[0].Priority)
	}

	ts, err := st.GetTaskSchedule("sch-1")
	if err != nil {
		t.Fatal(err)
	}
	if ts.LastStatus != "fired" {
		t.Errorf("last status: %s", ts.LastStatus)
	}
	if ts.NextRunAt == nil || !ts.NextRunAt.After(now) {
		t.Errorf("next run not advanced: %v", ts.NextRunAt)
	}

	// Not due again until the next interval elapses.
	sched.Poll(now.Add(time.Minute))
	tasks, _ = st.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("schedule fired early, %d tasks", len(tasks))
	}
}

func TestPollCompletesOneOffSchedules(t *testing.T) {
	st := newTestStore(t)
	sched := New(st, nil, config.SchedulerConfig{})

	now := time.Now().UTC()
	due := now.Add(-time.Second)
	at := now.Add(-time.Second).Format(time.RFC3339)
	if err := st.CreateTaskSchedule(&store.TaskSchedule{
		ID:          "once-1",
		Name:        "one shot",
		Schedule:    `{"kind":"once","at":"` + at + `"}`,
		Description: "single deferred task",
		NextRunAt:   &due,
	}); err != nil {
		t.Fatal(err)
	}

	sched.Poll(now)

	ts, err := st.GetTaskSchedule("once-1")
	if err != nil {
		t.Fatal(err)
	}
	if ts.Status != store.ScheduleCompleted {
		t.Errorf("expected completed schedule, got %s", ts.Status)
	}
	if ts.NextRunAt != nil {
		t.Errorf("expected no next run, got %v", ts.NextRunAt)
	}
}

func TestPollSkipsPausedSchedules(t *testing.T) {
	st := newTestStore(t)
	sched := New(st, nil, config.SchedulerConfig{})

	now := time.Now()
	due := now.Add(-time.Minute)
	if err := st.CreateTaskSchedule(&store.TaskSchedule{
		ID:          "paused-1",
		Name:        "paused",
		Schedule:    `{"kind":"interval","interval":"1m"}`,
		Description: "should not fire",
		NextRunAt:   &due,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateScheduleStatus("paused-1", store.SchedulePaused); err != nil {
		t.Fatal(err)
	}

	sched.Poll(now)

	tasks, err := st.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("paused schedule fired, %d tasks", len(tasks))
	}
}
