package functions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager owns the function records themselves. Deployment and invocation
// run through the Coordinator; the manager only guards record lifecycle
// against the deployment state.
type Manager struct {
	store    Store
	registry *RuntimeRegistry
	lg       zerolog.Logger
}

func NewManager(store Store, registry *RuntimeRegistry, lg zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		lg:       lg.With().Str("component", "function-manager").Logger(),
	}
}

// CreateFunctionParams carries the user-supplied definition of a function.
type CreateFunctionParams struct {
	Name       string  `json:"name"`
	Runtime    string  `json:"runtime"`
	Code       string  `json:"code"`
	Handler    string  `json:"handler"`
	MemoryMB   int     `json:"memory_mb"`
	VCPU       float64 `json:"vcpu"`
	TimeoutSec int     `json:"timeout_seconds"`
	DepsetID   *uint   `json:"depset_id,omitempty"`
}

func (m *Manager) CreateFunction(ctx context.Context, params CreateFunctionParams) (*Function, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("function name is required")
	}
	if !m.registry.Supported(params.Runtime) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRuntime, params.Runtime)
	}
	if params.Handler == "" {
		params.Handler = "handler"
	}
	if params.MemoryMB == 0 {
		params.MemoryMB = 128
	}
	if params.VCPU == 0 {
		params.VCPU = 1
	}
	if params.TimeoutSec == 0 {
		params.TimeoutSec = 30
	}

	fn := &Function{
		ID:         uuid.NewString(),
		Name:       params.Name,
		Slug:       slugify(params.Name),
		Code:       params.Code,
		Handler:    params.Handler,
		Runtime:    params.Runtime,
		MemoryMB:   params.MemoryMB,
		VCPU:       params.VCPU,
		TimeoutSec: params.TimeoutSec,
		DepsetID:   params.DepsetID,
		Status:     StatusDraft,
	}
	if err := m.store.CreateFunction(ctx, fn); err != nil {
		return nil, err
	}

	m.lg.Info().Str("function_id", fn.ID).Str("runtime", fn.Runtime).Msg("function created")
	return fn, nil
}

func (m *Manager) GetFunction(ctx context.Context, id string) (*Function, error) {
	return m.store.GetFunction(ctx, id)
}

func (m *Manager) ListFunctions(ctx context.Context) ([]Function, error) {
	return m.store.ListFunctions(ctx)
}

// DeleteFunction removes a function record. Deployed or transitioning
// functions must be undeployed first.
func (m *Manager) DeleteFunction(ctx context.Context, id string) error {
	fn, err := m.store.GetFunction(ctx, id)
	if err != nil {
		return err
	}
	if fn.Status != StatusDraft && fn.Status != StatusError {
		return fmt.Errorf("function %s is %s; undeploy it before deleting", id, fn.Status)
	}
	if err := m.store.DeleteFunction(ctx, id); err != nil {
		return err
	}
	m.lg.Info().Str("function_id", id).Msg("function deleted")
	return nil
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	return strings.Trim(slug, "-")
}
