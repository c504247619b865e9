package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// RepositoryPort defines data access methods for the permission catalog.
type RepositoryPort interface {
	Insert(ctx context.Context, p Permission) (Permission, error)
	Get(ctx context.Context, id int64) (Permission, error)
	GetByName(ctx context.Context, name string) (Permission, error)
	List(ctx context.Context, onlyActive bool, category string) ([]Permission, error)
	Deactivate(ctx context.Context, id int64) error
	Categories(ctx context.Context) ([]Category, error)
}

// Service handles permission catalog business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// CreateInput describes a new catalog entry.
type CreateInput struct {
	Name        string
	Category    string
	RequiresMFA bool
}

// Create registers a permission. The resource portion of the name becomes the
// queryable resource column; the action portion joins the actions set.
func (s *Service) Create(ctx context.Context, input CreateInput) (Permission, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	resource, action := shared.SplitPermissionName(name)
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("catalog: name must be <resource>:<action>: %w", shared.ErrPolicyViolation)
	}
	return s.repo.Insert(ctx, Permission{
		Name:        name,
		Resource:    resource,
		Actions:     []string{action},
		Category:    strings.TrimSpace(input.Category),
		RequiresMFA: input.RequiresMFA,
	})
}

// Get fetches a permission by id.
func (s *Service) Get(ctx context.Context, id int64) (Permission, error) {
	return s.repo.Get(ctx, id)
}

// GetByName fetches a permission by name.
func (s *Service) GetByName(ctx context.Context, name string) (Permission, error) {
	return s.repo.GetByName(ctx, strings.ToLower(strings.TrimSpace(name)))
}

// List returns catalog entries.
func (s *Service) List(ctx context.Context, onlyActive bool, category string) ([]Permission, error) {
	return s.repo.List(ctx, onlyActive, strings.TrimSpace(category))
}

// Deactivate removes a permission from all future evaluations without
// deleting historical grant records.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.Deactivate(ctx, id)
}

// Categories summarises the active catalog.
func (s *Service) Categories(ctx context.Context) ([]Category, error) {
	return s.repo.Categories(ctx)
}
