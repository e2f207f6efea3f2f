package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/natsbus"
	"github.com/akyriacou/synod/internal/schedule"
	"github.com/akyriacou/synod/internal/store"
	"github.com/akyriacou/synod/internal/swarm"
)

// Scheduler submits recurring task specs to the coordinator when their
// schedule comes due. Each submission goes through the normal consensus
// path like any directly submitted task.
type Scheduler struct {
	store        *store.Store
	coord        *swarm.Coordinator
	natsClient   *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, coord *swarm.Coordinator, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		coord:        coord,
		natsClient:   client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// AddRecurring validates and persists a recurring spec, computing its
// first run time.
func (s *Scheduler) AddRecurring(name, rawSchedule string, spec swarm.TaskSpec) (*store.RecurringSpec, error) {
	sched, err := schedule.Parse(rawSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	encoded, err := sched.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal task spec: %w", err)
	}

	rec := &store.RecurringSpec{
		ID:        uuid.NewString(),
		Name:      name,
		Schedule:  encoded,
		Spec:      data,
		Status:    "active",
		NextRunAt: sched.Next(time.Now()),
	}
	if rec.NextRunAt == nil {
		return nil, fmt.Errorf("schedule %q has no future run", rawSchedule)
	}

	if err := s.store.SaveRecurring(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
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
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.GetDueRecurring(time.Now())
	if err != nil {
		slog.Error("failed to get due recurring specs", "error", err)
		return
	}

	for _, rec := range due {
		s.submit(rec)
	}
}

func (s *Scheduler) submit(rec store.RecurringSpec) {
	slog.Info("submitting recurring task", "id", rec.ID, "name", rec.Name)

	var lastStatus, lastError string
	var spec swarm.TaskSpec
	if err := json.Unmarshal(rec.Spec, &spec); err != nil {
		lastStatus = "error"
		lastError = fmt.Sprintf("unmarshal task spec: %v", err)
		slog.Error("recurring spec is undecodable", "id", rec.ID, "error", err)
	} else if _, err := s.coord.SubmitTask(spec); err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("recurring task submission failed", "id", rec.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	var nextRun *time.Time
	if sched, err := schedule.Decode(rec.Schedule); err == nil {
		nextRun = sched.Next(time.Now())
	}

	if err := s.store.UpdateRecurringRun(rec.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update recurring run", "id", rec.ID, "error", err)
	}

	if s.natsClient != nil {
		_ = s.natsClient.PublishEvent(natsbus.TopicEventsTaskExecuted, "recurring-submitted", map[string]any{
			"id":     rec.ID,
			"name":   rec.Name,
			"status": lastStatus,
		})
	}

	// One-off schedules are done after their single run.
	if nextRun == nil {
		slog.Info("no next run, marking recurring spec completed", "id", rec.ID, "name", rec.Name)
		if err := s.store.UpdateRecurringStatus(rec.ID, "completed"); err != nil {
			slog.Error("failed to complete recurring spec", "id", rec.ID, "error", err)
		}
	}
}
