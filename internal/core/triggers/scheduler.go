// Package triggers keeps scheduled-trigger records in lock-step with a
// periodic job registry. Reconciliation is explicit: it runs on every
// trigger mutation, on every function status change, and periodically to
// self-heal drift.
package triggers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fish-not-phish/FnBox/internal/core/functions"
	"github.com/fish-not-phish/FnBox/internal/queue"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Enqueuer pushes invocation tasks when a trigger fires.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Scheduler owns the cron registry backing scheduled triggers.
type Scheduler struct {
	store functions.Store
	tasks Enqueuer
	cron  *cron.Cron
	lg    zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // keyed trigger-<id>
}

func NewScheduler(store functions.Store, tasks Enqueuer, lg zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		tasks:   tasks,
		cron:    cron.New(), // standard 5-field cron parser
		lg:      lg.With().Str("component", "trigger-scheduler").Logger(),
		entries: make(map[string]cron.EntryID),
	}
}

// ValidateSchedule checks a 5-field cron expression without touching the
// registry, so callers can reject bad schedules before persisting them.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// Start begins firing registered schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the registry and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reconcile aligns the job registry with one trigger record. An enabled
// scheduled trigger with a valid cron expression gets a job, active only
// while the owning function is deployed; every other combination removes
// the job if present.
func (s *Scheduler) Reconcile(ctx context.Context, tr *functions.Trigger) error {
	key := jobKey(tr.ID)

	if tr.Type != functions.TriggerScheduled || !tr.Enabled || tr.Schedule == "" {
		s.remove(key)
		return nil
	}

	schedule, err := cron.ParseStandard(tr.Schedule)
	if err != nil {
		s.remove(key)
		return fmt.Errorf("parse cron expression %q: %w", tr.Schedule, err)
	}

	fn, err := s.store.GetFunction(ctx, tr.FunctionID)
	if err != nil {
		s.remove(key)
		return err
	}
	if fn.Status != functions.StatusActive {
		s.lg.Info().
			Str("trigger_id", tr.ID).
			Str("function_status", fn.Status).
			Msg("trigger registered but inactive, function not deployed")
		s.remove(key)
		return nil
	}

	triggerID := tr.ID
	functionID := tr.FunctionID
	name := tr.Name
	expr := tr.Schedule

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
	}
	s.entries[key] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(triggerID, functionID, name, expr)
	}))

	s.lg.Info().Str("trigger_id", tr.ID).Str("schedule", tr.Schedule).Msg("scheduled trigger registered")
	return nil
}

// Remove drops the job for a deleted trigger.
func (s *Scheduler) Remove(triggerID string) {
	s.remove(jobKey(triggerID))
}

// ReconcileFunction reacts to a function status change. Leaving the active
// state disables every enabled scheduled trigger of the function and its
// job; this is one-way, re-enabling takes explicit action. Entering the
// active state re-registers jobs for triggers that are still enabled.
func (s *Scheduler) ReconcileFunction(ctx context.Context, fn *functions.Function) {
	trs, err := s.store.ListTriggers(ctx, fn.ID)
	if err != nil {
		s.lg.Error().Err(err).Str("function_id", fn.ID).Msg("failed to list triggers")
		return
	}

	for i := range trs {
		tr := &trs[i]
		if tr.Type != functions.TriggerScheduled {
			continue
		}

		if fn.Status != functions.StatusActive {
			s.remove(jobKey(tr.ID))
			if tr.Enabled {
				tr.Enabled = false
				if err := s.store.SaveTrigger(ctx, tr); err != nil {
					s.lg.Error().Err(err).Str("trigger_id", tr.ID).Msg("failed to disable trigger")
					continue
				}
				s.lg.Info().
					Str("trigger_id", tr.ID).
					Str("function_status", fn.Status).
					Msg("disabled scheduled trigger, function no longer active")
			}
			continue
		}

		if err := s.Reconcile(ctx, tr); err != nil {
			s.lg.Error().Err(err).Str("trigger_id", tr.ID).Msg("trigger reconciliation failed")
		}
	}
}

// SyncAll re-reconciles every scheduled trigger. Run periodically to heal
// drift between the records and the registry.
func (s *Scheduler) SyncAll(ctx context.Context) error {
	trs, err := s.store.ListScheduledTriggers(ctx)
	if err != nil {
		return err
	}
	for i := range trs {
		if err := s.Reconcile(ctx, &trs[i]); err != nil {
			s.lg.Error().Err(err).Str("trigger_id", trs[i].ID).Msg("trigger sync failed")
		}
	}
	return nil
}

// Registered reports whether a job exists for the trigger.
func (s *Scheduler) Registered(triggerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobKey(triggerID)]
	return ok
}

func (s *Scheduler) fire(triggerID, functionID, name, expr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tr, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		s.lg.Error().Err(err).Str("trigger_id", triggerID).Msg("firing trigger no longer exists")
		s.remove(jobKey(triggerID))
		return
	}
	now := time.Now().UTC()
	tr.LastTriggeredAt = &now
	if err := s.store.SaveTrigger(ctx, tr); err != nil {
		s.lg.Error().Err(err).Str("trigger_id", triggerID).Msg("failed to record trigger firing")
	}

	err = s.tasks.Enqueue(ctx, queue.Task{
		Type:       queue.TaskInvoke,
		FunctionID: functionID,
		Event: map[string]any{
			"trigger_type":    functions.TriggerScheduled,
			"trigger_id":      triggerID,
			"trigger_name":    name,
			"cron_expression": expr,
		},
	})
	if err != nil {
		s.lg.Error().Err(err).Str("trigger_id", triggerID).Msg("failed to enqueue triggered invocation")
		return
	}
	s.lg.Info().Str("trigger_id", triggerID).Str("function_id", functionID).Msg("scheduled trigger fired")
}

func (s *Scheduler) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
}

func jobKey(triggerID string) string {
	return "trigger-" + triggerID
}
