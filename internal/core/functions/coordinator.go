package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fish-not-phish/FnBox/pkg/rand"

	"github.com/rs/zerolog"
)

// Invocation guard thresholds.
const (
	maxConcurrentInvocations = 5
	breakerWindow            = 5 * time.Minute
	breakerSampleSize        = 10
	breakerErrorThreshold    = 8
)

var (
	// ErrNotDeployed rejects invocations of functions without a live binding.
	ErrNotDeployed = fmt.Errorf("function is not deployed")
	// ErrDeployConflict rejects a deploy or undeploy while another is in flight.
	ErrDeployConflict = fmt.Errorf("deploy or undeploy already in progress")
	// ErrTooManyInvocations is the admission-control rejection.
	ErrTooManyInvocations = fmt.Errorf("too many concurrent invocations")
	// ErrCircuitOpen is the circuit-breaker rejection.
	ErrCircuitOpen = fmt.Errorf("function has a high recent failure rate")
)

// Invoker is the coordinator's view of the invocation gateway.
type Invoker interface {
	Invoke(ctx context.Context, serviceName string, event map[string]any, timeoutSec int, code, handler string) *AgentResult
}

// Coordinator runs deploy, undeploy, and invoke operations against the
// orchestrator and gateway, owning all status transitions and invocation
// records. Deploy and undeploy retry on failure; invocations never do.
type Coordinator struct {
	store     Store
	orch      Orchestrator
	gateway   Invoker
	namespace string
	lg        zerolog.Logger

	// Called after every function status change so trigger scheduling stays
	// in lock-step with deployment state.
	onStatusChange func(ctx context.Context, fn *Function)

	maxRetries      int
	deployBackoff   time.Duration
	undeployBackoff time.Duration
}

func NewCoordinator(store Store, orch Orchestrator, gateway Invoker, namespace string, lg zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:           store,
		orch:            orch,
		gateway:         gateway,
		namespace:       namespace,
		lg:              lg.With().Str("component", "task-coordinator").Logger(),
		maxRetries:      3,
		deployBackoff:   60 * time.Second,
		undeployBackoff: 30 * time.Second,
	}
}

// OnStatusChange registers the trigger-sync hook.
func (c *Coordinator) OnStatusChange(fn func(ctx context.Context, fn *Function)) {
	c.onStatusChange = fn
}

// Deploy provisions the function's execution unit. The status field acts as
// the in-flight guard: a function already deploying, active, or undeploying
// is rejected at the boundary. Failures retry up to the configured limit
// with a fixed backoff before the function lands in the error state.
func (c *Coordinator) Deploy(ctx context.Context, functionID string) error {
	fn, err := c.store.GetFunction(ctx, functionID)
	if err != nil {
		return err
	}
	if fn.Status == StatusDeploying || fn.Status == StatusActive || fn.Status == StatusUndeploying {
		return fmt.Errorf("%w: function %s is %s", ErrDeployConflict, functionID, fn.Status)
	}

	if err := c.setStatus(ctx, fn, StatusDeploying); err != nil {
		return err
	}

	var deps []string
	if fn.Depset != nil {
		deps = fn.Depset.PackageSpecs()
	}
	req := DeployRequest{
		FunctionID:   fn.ID,
		Runtime:      fn.Runtime,
		Code:         fn.Code,
		Dependencies: deps,
		MemoryMB:     fn.MemoryMB,
		VCPU:         fn.VCPU,
		TimeoutSec:   fn.TimeoutSec,
	}

	var deployment *Deployment
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.lg.Warn().
				Str("function_id", fn.ID).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("retrying deployment")
			if err := sleepCtx(ctx, c.deployBackoff); err != nil {
				lastErr = err
				break
			}
		}
		deployment, lastErr = c.orch.Deploy(ctx, req)
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		c.lg.Error().Err(lastErr).Str("function_id", fn.ID).Msg("deployment failed after retries")
		fn.ClearBinding()
		_ = c.setStatus(ctx, fn, StatusError)
		return fmt.Errorf("deploy function %s: %w", fn.ID, lastErr)
	}

	now := time.Now().UTC()
	fn.DeploymentName = deployment.DeploymentName
	fn.ServiceName = deployment.ServiceName
	fn.Namespace = c.namespace
	fn.LastDeployedAt = &now
	if err := c.setStatus(ctx, fn, StatusActive); err != nil {
		return err
	}

	c.lg.Info().
		Str("function_id", fn.ID).
		Str("deployment", deployment.DeploymentName).
		Msg("function deployed")
	return nil
}

// Undeploy tears the function's execution unit down and returns it to draft.
func (c *Coordinator) Undeploy(ctx context.Context, functionID string) error {
	fn, err := c.store.GetFunction(ctx, functionID)
	if err != nil {
		return err
	}
	if fn.Status == StatusDeploying || fn.Status == StatusUndeploying {
		return fmt.Errorf("%w: function %s is %s", ErrDeployConflict, functionID, fn.Status)
	}

	if err := c.setStatus(ctx, fn, StatusUndeploying); err != nil {
		return err
	}

	var lastErr error
	if fn.DeploymentName != "" {
		for attempt := 0; attempt <= c.maxRetries; attempt++ {
			if attempt > 0 {
				c.lg.Warn().
					Str("function_id", fn.ID).
					Int("attempt", attempt).
					Err(lastErr).
					Msg("retrying undeployment")
				if err := sleepCtx(ctx, c.undeployBackoff); err != nil {
					lastErr = err
					break
				}
			}
			lastErr = c.orch.Delete(ctx, fn.DeploymentName)
			if lastErr == nil {
				break
			}
		}
	}

	if lastErr != nil {
		c.lg.Error().Err(lastErr).Str("function_id", fn.ID).Msg("undeployment failed after retries")
		_ = c.setStatus(ctx, fn, StatusError)
		return fmt.Errorf("undeploy function %s: %w", fn.ID, lastErr)
	}

	fn.ClearBinding()
	if err := c.setStatus(ctx, fn, StatusDraft); err != nil {
		return err
	}

	c.lg.Info().Str("function_id", fn.ID).Msg("function undeployed")
	return nil
}

// Invoke runs one invocation attempt for a deployed function. Admission
// control and the circuit breaker reject before any record is created;
// rejections are terminal and never retried.
func (c *Coordinator) Invoke(ctx context.Context, functionID string, event map[string]any, requestID string) (*Invocation, error) {
	fn, err := c.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if !fn.Deployed() {
		return nil, fmt.Errorf("%w: function %s is %s", ErrNotDeployed, functionID, fn.Status)
	}

	if err := c.checkCircuitBreaker(ctx, fn); err != nil {
		return nil, err
	}
	if err := c.checkAdmission(ctx, fn); err != nil {
		return nil, err
	}

	if requestID == "" {
		requestID = NewRequestID()
	}

	inputData, _ := json.Marshal(event)
	now := time.Now().UTC()
	inv := &Invocation{
		RequestID:  requestID,
		FunctionID: fn.ID,
		Status:     InvocationPending,
		InputData:  inputData,
		StartedAt:  &now,
	}
	if err := c.store.CreateInvocation(ctx, inv); err != nil {
		return nil, err
	}

	inv.Status = InvocationRunning
	if err := c.store.SaveInvocation(ctx, inv); err != nil {
		return nil, err
	}

	// Secrets ride the reserved event key; the gateway strips them out of
	// the event body before it reaches user code.
	if event == nil {
		event = map[string]any{}
	}
	if len(fn.Secrets) > 0 {
		secrets := make(map[string]any, len(fn.Secrets))
		for k, v := range fn.Secrets {
			secrets[k] = v
		}
		event[SecretsKey] = secrets
	}

	started := time.Now()
	result := c.gateway.Invoke(ctx, fn.ServiceName, event, fn.TimeoutSec, fn.Code, fn.Handler)
	elapsed := time.Since(started).Milliseconds()

	completed := time.Now().UTC()
	inv.CompletedAt = &completed
	inv.OutputData = []byte(result.Result)
	inv.ErrorMessage = result.Error
	inv.Logs = result.Logs
	inv.MemoryUsedMB = result.MemoryUsedMB
	inv.DurationMS = int(result.ExecutionTimeMS)
	if result.ExecutionTimeMS == 0 {
		inv.DurationMS = int(elapsed)
	}

	switch {
	case result.Success:
		inv.Status = InvocationSuccess
	case result.TimedOut || strings.HasPrefix(result.Error, "Function execution exceeded"):
		inv.Status = InvocationTimeout
	default:
		inv.Status = InvocationError
	}

	if err := c.store.SaveInvocation(ctx, inv); err != nil {
		return nil, err
	}

	fn.InvocationCount++
	fn.LastInvokedAt = &completed
	if err := c.store.SaveFunction(ctx, fn); err != nil {
		c.lg.Error().Err(err).Str("function_id", fn.ID).Msg("failed to update function statistics")
	}

	c.lg.Info().
		Str("function_id", fn.ID).
		Str("request_id", inv.RequestID).
		Str("status", inv.Status).
		Int("duration_ms", inv.DurationMS).
		Msg("invocation completed")
	return inv, nil
}

// NewRequestID mints the external identifier of one invocation.
func NewRequestID() string {
	return "req-" + rand.Hex(12)
}

// checkCircuitBreaker rejects when at least 8 of the most recent 10
// invocations created within the last 5 minutes ended in error. Timeouts
// carry their own status and do not count toward the trip condition.
func (c *Coordinator) checkCircuitBreaker(ctx context.Context, fn *Function) error {
	recent, err := c.store.RecentInvocations(ctx, fn.ID, time.Now().UTC().Add(-breakerWindow), breakerSampleSize)
	if err != nil {
		return err
	}
	if len(recent) < breakerSampleSize {
		return nil
	}
	failures := 0
	for _, inv := range recent {
		if inv.Status == InvocationError {
			failures++
		}
	}
	if failures >= breakerErrorThreshold {
		c.lg.Warn().
			Str("function_id", fn.ID).
			Int("failures", failures).
			Msg("circuit breaker open, rejecting invocation")
		return fmt.Errorf("%w: %d of the last %d invocations failed", ErrCircuitOpen, failures, breakerSampleSize)
	}
	return nil
}

// checkAdmission rejects once the function has the maximum number of
// invocations still pending or running.
func (c *Coordinator) checkAdmission(ctx context.Context, fn *Function) error {
	active, err := c.store.CountActiveInvocations(ctx, fn.ID)
	if err != nil {
		return err
	}
	if active >= maxConcurrentInvocations {
		c.lg.Warn().
			Str("function_id", fn.ID).
			Int64("active", active).
			Msg("concurrency cap reached, rejecting invocation")
		return fmt.Errorf("%w: %d invocations already in flight", ErrTooManyInvocations, active)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Coordinator) setStatus(ctx context.Context, fn *Function, status string) error {
	fn.Status = status
	if err := c.store.SaveFunction(ctx, fn); err != nil {
		return err
	}
	if c.onStatusChange != nil {
		c.onStatusChange(ctx, fn)
	}
	return nil
}
