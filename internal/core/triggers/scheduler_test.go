package triggers

import (
	"context"
	"sync"
	"testing"

	"github.com/fish-not-phish/FnBox/internal/core/functions"
	"github.com/fish-not-phish/FnBox/internal/queue"

	"github.com/rs/zerolog"
)

// fakeStore implements only the methods the scheduler touches; the embedded
// interface panics on anything else.
type fakeStore struct {
	functions.Store

	mu       sync.Mutex
	function *functions.Function
	triggers map[string]*functions.Trigger
}

func newFakeStore(fn *functions.Function) *fakeStore {
	return &fakeStore{function: fn, triggers: make(map[string]*functions.Trigger)}
}

func (s *fakeStore) GetFunction(ctx context.Context, id string) (*functions.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.function
	return &cp, nil
}

func (s *fakeStore) SaveTrigger(ctx context.Context, tr *functions.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tr
	s.triggers[tr.ID] = &cp
	return nil
}

func (s *fakeStore) GetTrigger(ctx context.Context, id string) (*functions.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.triggers[id]
	return &cp, nil
}

func (s *fakeStore) ListTriggers(ctx context.Context, functionID string) ([]functions.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []functions.Trigger
	for _, tr := range s.triggers {
		if tr.FunctionID == functionID {
			out = append(out, *tr)
		}
	}
	return out, nil
}

func (s *fakeStore) ListScheduledTriggers(ctx context.Context) ([]functions.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []functions.Trigger
	for _, tr := range s.triggers {
		if tr.Type == functions.TriggerScheduled {
			out = append(out, *tr)
		}
	}
	return out, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, task queue.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return nil
}

func activeFunction() *functions.Function {
	return &functions.Function{
		ID:             "fn-1",
		Status:         functions.StatusActive,
		ServiceName:    "func-fn-1-svc",
		DeploymentName: "func-fn-1",
	}
}

func scheduledTrigger(enabled bool) *functions.Trigger {
	return &functions.Trigger{
		ID:         "tr-1",
		FunctionID: "fn-1",
		Name:       "nightly",
		Type:       functions.TriggerScheduled,
		Schedule:   "0 3 * * *",
		Enabled:    enabled,
	}
}

func TestReconcileRegistersTrigger(t *testing.T) {
	store := newFakeStore(activeFunction())
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := scheduledTrigger(true)
	store.SaveTrigger(context.Background(), tr)

	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !s.Registered(tr.ID) {
		t.Error("trigger not registered")
	}
}

func TestReconcileInactiveFunctionHoldsJob(t *testing.T) {
	fn := activeFunction()
	fn.Status = functions.StatusDraft
	store := newFakeStore(fn)
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := scheduledTrigger(true)
	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Registered(tr.ID) {
		t.Error("job registered for a function that is not deployed")
	}
}

func TestReconcileInvalidCron(t *testing.T) {
	store := newFakeStore(activeFunction())
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := scheduledTrigger(true)
	tr.Schedule = "every 5 minutes"
	if err := s.Reconcile(context.Background(), tr); err == nil {
		t.Fatal("expected parse error")
	}
	if s.Registered(tr.ID) {
		t.Error("invalid schedule must not register")
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("0 3 * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateSchedule("*/5 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateSchedule("every 5 minutes"); err == nil {
		t.Error("invalid expression accepted")
	}
	if err := ValidateSchedule(""); err == nil {
		t.Error("empty expression accepted")
	}
}

func TestReconcileDisabledRemovesJob(t *testing.T) {
	store := newFakeStore(activeFunction())
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := scheduledTrigger(true)
	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	tr.Enabled = false
	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile disabled: %v", err)
	}
	if s.Registered(tr.ID) {
		t.Error("disabled trigger still registered")
	}
}

func TestReconcileIgnoresHTTPTriggers(t *testing.T) {
	store := newFakeStore(activeFunction())
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := &functions.Trigger{ID: "tr-http", FunctionID: "fn-1", Type: functions.TriggerHTTP, Enabled: true}
	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Registered(tr.ID) {
		t.Error("http trigger must not get a cron job")
	}
}

func TestRemove(t *testing.T) {
	store := newFakeStore(activeFunction())
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := scheduledTrigger(true)
	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.Remove(tr.ID)
	if s.Registered(tr.ID) {
		t.Error("trigger still registered after Remove")
	}
}

func TestReconcileFunctionDisablesOnDeactivation(t *testing.T) {
	fn := activeFunction()
	store := newFakeStore(fn)
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	tr := scheduledTrigger(true)
	store.SaveTrigger(context.Background(), tr)
	if err := s.Reconcile(context.Background(), tr); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fn.Status = functions.StatusError
	s.ReconcileFunction(context.Background(), fn)

	if s.Registered(tr.ID) {
		t.Error("job survived function deactivation")
	}
	saved, _ := store.GetTrigger(context.Background(), tr.ID)
	if saved.Enabled {
		t.Error("trigger record still enabled")
	}
}

func TestReconcileFunctionReactivation(t *testing.T) {
	fn := activeFunction()
	fn.Status = functions.StatusDraft
	store := newFakeStore(fn)
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	// Explicitly re-enabled trigger waiting for its function to come back.
	tr := scheduledTrigger(true)
	store.SaveTrigger(context.Background(), tr)

	fn.Status = functions.StatusActive
	store.mu.Lock()
	store.function = fn
	store.mu.Unlock()
	s.ReconcileFunction(context.Background(), fn)

	if !s.Registered(tr.ID) {
		t.Error("enabled trigger not re-registered on activation")
	}
}

func TestSyncAll(t *testing.T) {
	store := newFakeStore(activeFunction())
	s := NewScheduler(store, &fakeEnqueuer{}, zerolog.Nop())

	store.SaveTrigger(context.Background(), scheduledTrigger(true))
	disabled := scheduledTrigger(false)
	disabled.ID = "tr-2"
	store.SaveTrigger(context.Background(), disabled)

	if err := s.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if !s.Registered("tr-1") {
		t.Error("enabled trigger not registered")
	}
	if s.Registered("tr-2") {
		t.Error("disabled trigger registered")
	}
}

func TestFireEnqueuesInvocation(t *testing.T) {
	store := newFakeStore(activeFunction())
	enq := &fakeEnqueuer{}
	s := NewScheduler(store, enq, zerolog.Nop())

	tr := scheduledTrigger(true)
	store.SaveTrigger(context.Background(), tr)

	s.fire(tr.ID, tr.FunctionID, tr.Name, tr.Schedule)

	saved, _ := store.GetTrigger(context.Background(), tr.ID)
	if saved.LastTriggeredAt == nil {
		t.Error("LastTriggeredAt not recorded")
	}

	if len(enq.tasks) != 1 {
		t.Fatalf("tasks enqueued = %d", len(enq.tasks))
	}
	task := enq.tasks[0]
	if task.Type != queue.TaskInvoke || task.FunctionID != "fn-1" {
		t.Errorf("task = %+v", task)
	}
	if task.Event["trigger_id"] != tr.ID {
		t.Errorf("event = %v", task.Event)
	}
}
