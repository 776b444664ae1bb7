package functions

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store is the persistence boundary for orchestration records. The gorm
// implementation below is the production one; tests use in-memory fakes.
type Store interface {
	CreateFunction(ctx context.Context, fn *Function) error
	GetFunction(ctx context.Context, id string) (*Function, error)
	SaveFunction(ctx context.Context, fn *Function) error
	ListFunctions(ctx context.Context) ([]Function, error)
	DeleteFunction(ctx context.Context, id string) error

	CreateInvocation(ctx context.Context, inv *Invocation) error
	SaveInvocation(ctx context.Context, inv *Invocation) error
	GetInvocation(ctx context.Context, requestID string) (*Invocation, error)
	ListInvocations(ctx context.Context, functionID string, limit int) ([]Invocation, error)
	CountActiveInvocations(ctx context.Context, functionID string) (int64, error)
	RecentInvocations(ctx context.Context, functionID string, since time.Time, limit int) ([]Invocation, error)

	SaveTrigger(ctx context.Context, tr *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggers(ctx context.Context, functionID string) ([]Trigger, error)
	ListScheduledTriggers(ctx context.Context) ([]Trigger, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateFunction(ctx context.Context, fn *Function) error {
	if err := s.db.WithContext(ctx).Create(fn).Error; err != nil {
		return fmt.Errorf("create function record: %w", err)
	}
	return nil
}

func (s *GormStore) GetFunction(ctx context.Context, id string) (*Function, error) {
	var fn Function
	err := s.db.WithContext(ctx).
		Preload("Depset").
		Preload("Depset.Packages", func(db *gorm.DB) *gorm.DB {
			return db.Order(`"order" ASC`)
		}).
		First(&fn, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("function %q not found: %w", id, err)
	}
	return &fn, nil
}

func (s *GormStore) SaveFunction(ctx context.Context, fn *Function) error {
	if err := s.db.WithContext(ctx).Save(fn).Error; err != nil {
		return fmt.Errorf("save function record: %w", err)
	}
	return nil
}

func (s *GormStore) ListFunctions(ctx context.Context) ([]Function, error) {
	var fns []Function
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&fns).Error; err != nil {
		return nil, err
	}
	return fns, nil
}

func (s *GormStore) DeleteFunction(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Function{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete function record: %w", err)
	}
	return nil
}

func (s *GormStore) CreateInvocation(ctx context.Context, inv *Invocation) error {
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("create invocation record: %w", err)
	}
	return nil
}

func (s *GormStore) SaveInvocation(ctx context.Context, inv *Invocation) error {
	if err := s.db.WithContext(ctx).Save(inv).Error; err != nil {
		return fmt.Errorf("save invocation record: %w", err)
	}
	return nil
}

func (s *GormStore) GetInvocation(ctx context.Context, requestID string) (*Invocation, error) {
	var inv Invocation
	if err := s.db.WithContext(ctx).First(&inv, "request_id = ?", requestID).Error; err != nil {
		return nil, fmt.Errorf("invocation %q not found: %w", requestID, err)
	}
	return &inv, nil
}

func (s *GormStore) ListInvocations(ctx context.Context, functionID string, limit int) ([]Invocation, error) {
	var invs []Invocation
	q := s.db.WithContext(ctx).Where("function_id = ?", functionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&invs).Error; err != nil {
		return nil, err
	}
	return invs, nil
}

func (s *GormStore) CountActiveInvocations(ctx context.Context, functionID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Invocation{}).
		Where("function_id = ? AND status IN ?", functionID, []string{InvocationPending, InvocationRunning}).
		Count(&count).Error
	return count, err
}

func (s *GormStore) RecentInvocations(ctx context.Context, functionID string, since time.Time, limit int) ([]Invocation, error) {
	var invs []Invocation
	err := s.db.WithContext(ctx).
		Where("function_id = ? AND created_at >= ?", functionID, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&invs).Error
	if err != nil {
		return nil, err
	}
	return invs, nil
}

func (s *GormStore) SaveTrigger(ctx context.Context, tr *Trigger) error {
	if err := s.db.WithContext(ctx).Save(tr).Error; err != nil {
		return fmt.Errorf("save trigger record: %w", err)
	}
	return nil
}

func (s *GormStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	var tr Trigger
	if err := s.db.WithContext(ctx).First(&tr, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("trigger %q not found: %w", id, err)
	}
	return &tr, nil
}

func (s *GormStore) DeleteTrigger(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Trigger{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete trigger record: %w", err)
	}
	return nil
}

func (s *GormStore) ListTriggers(ctx context.Context, functionID string) ([]Trigger, error) {
	var trs []Trigger
	if err := s.db.WithContext(ctx).Where("function_id = ?", functionID).Find(&trs).Error; err != nil {
		return nil, err
	}
	return trs, nil
}

func (s *GormStore) ListScheduledTriggers(ctx context.Context) ([]Trigger, error) {
	var trs []Trigger
	if err := s.db.WithContext(ctx).Where("type = ?", TriggerScheduled).Find(&trs).Error; err != nil {
		return nil, err
	}
	return trs, nil
}
