package contexts

import (
	"context"
	"strings"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// RepositoryPort defines data access methods for permission contexts.
type RepositoryPort interface {
	Insert(ctx context.Context, pc PermissionContext) (PermissionContext, error)
	Get(ctx context.Context, id int64) (PermissionContext, error)
	List(ctx context.Context, onlyActive bool) ([]PermissionContext, error)
	Deactivate(ctx context.Context, id int64) error
}

// Service handles permission context administration.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// CreateInput describes a new permission context.
type CreateInput struct {
	Name          string
	ResourceType  string
	Condition     Condition
	PermissionIDs []int64
}

// Create validates the condition against the closed operator union and stores
// the context. Invalid conditions are rejected here so evaluation never sees
// an unknown operator from our own store.
func (s *Service) Create(ctx context.Context, input CreateInput) (PermissionContext, error) {
	name := strings.TrimSpace(input.Name)
	resourceType := strings.ToLower(strings.TrimSpace(input.ResourceType))
	if name == "" || resourceType == "" {
		return PermissionContext{}, shared.PolicyViolationf("contexts: name and resource type required")
	}
	if err := input.Condition.Validate(); err != nil {
		return PermissionContext{}, err
	}
	return s.repo.Insert(ctx, PermissionContext{
		Name:          name,
		ResourceType:  resourceType,
		Condition:     input.Condition,
		PermissionIDs: input.PermissionIDs,
	})
}

// Get fetches a context by id.
func (s *Service) Get(ctx context.Context, id int64) (PermissionContext, error) {
	return s.repo.Get(ctx, id)
}

// List returns contexts.
func (s *Service) List(ctx context.Context, onlyActive bool) ([]PermissionContext, error) {
	return s.repo.List(ctx, onlyActive)
}

// Deactivate removes a context from evaluation.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.Deactivate(ctx, id)
}
