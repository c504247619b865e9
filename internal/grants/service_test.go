package grants

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentra-qms/sentra-authz/internal/catalog"
	"github.com/sentra-qms/sentra-authz/internal/contexts"
	"github.com/sentra-qms/sentra-authz/internal/identity"
	"github.com/sentra-qms/sentra-authz/internal/roles"
	"github.com/sentra-qms/sentra-authz/internal/shared"
)

type grantKey struct {
	userID       int64
	permissionID int64
	denial       bool
}

type fakeRepo struct {
	roles       map[int64]*int64
	custom      map[grantKey]bool
	temporary   map[[2]int64]time.Time
	assignments map[[2]int64]bool
	overrides   map[string]bool
	pending     [][2]int64
	activePerms map[int64]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		roles:       map[int64]*int64{},
		custom:      map[grantKey]bool{},
		temporary:   map[[2]int64]time.Time{},
		assignments: map[[2]int64]bool{},
		overrides:   map[string]bool{},
		activePerms: map[int64]bool{},
	}
}

func (f *fakeRepo) EnsureState(ctx context.Context, userID int64) error { return nil }

func (f *fakeRepo) SetRole(ctx context.Context, userID int64, roleID *int64) error {
	f.roles[userID] = roleID
	return nil
}

func (f *fakeRepo) AddCustomGrant(ctx context.Context, userID, permissionID int64, denial bool, grantedBy int64) error {
	key := grantKey{userID, permissionID, denial}
	if f.custom[key] {
		return shared.Conflictf("duplicate grant")
	}
	f.custom[key] = true
	return nil
}

func (f *fakeRepo) RemoveCustomGrant(ctx context.Context, userID, permissionID int64, denial bool) (bool, error) {
	key := grantKey{userID, permissionID, denial}
	if !f.custom[key] {
		return false, nil
	}
	delete(f.custom, key)
	return true, nil
}

func (f *fakeRepo) UpsertTemporaryGrant(ctx context.Context, userID, permissionID int64, expiresAt time.Time, reason string, grantedBy int64) error {
	f.temporary[[2]int64{userID, permissionID}] = expiresAt
	return nil
}

func (f *fakeRepo) RemoveTemporaryGrant(ctx context.Context, userID, permissionID int64) (bool, error) {
	key := [2]int64{userID, permissionID}
	if _, ok := f.temporary[key]; !ok {
		return false, nil
	}
	delete(f.temporary, key)
	return true, nil
}

func (f *fakeRepo) UpsertContextAssignment(ctx context.Context, userID, contextID, assignedBy int64) error {
	f.assignments[[2]int64{userID, contextID}] = true
	return nil
}

func (f *fakeRepo) RemoveContextAssignment(ctx context.Context, userID, contextID int64) (bool, error) {
	key := [2]int64{userID, contextID}
	if !f.assignments[key] {
		return false, nil
	}
	delete(f.assignments, key)
	return true, nil
}

func (f *fakeRepo) UpsertOverride(ctx context.Context, userID int64, o ResourceOverride, grantedIDs, deniedIDs []int64, assignedBy int64) error {
	f.overrides[o.ResourceType+"/"+o.ResourceID] = true
	return nil
}

func (f *fakeRepo) RemoveOverride(ctx context.Context, userID int64, resourceType, resourceID string) (bool, error) {
	key := resourceType + "/" + resourceID
	if !f.overrides[key] {
		return false, nil
	}
	delete(f.overrides, key)
	return true, nil
}

func (f *fakeRepo) InsertPendingRoleAssignment(ctx context.Context, userID, roleID, requestedBy int64) error {
	f.pending = append(f.pending, [2]int64{userID, roleID})
	return nil
}

func (f *fakeRepo) CountActivePermissions(ctx context.Context, ids []int64) (int, error) {
	count := 0
	for _, id := range ids {
		if f.activePerms[id] {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepo) HasGrant(ctx context.Context, userID, permissionID int64) (bool, bool, error) {
	_, temp := f.temporary[[2]int64{userID, permissionID}]
	return f.custom[grantKey{userID, permissionID, false}], temp, nil
}

func (f *fakeRepo) EffectiveState(ctx context.Context, userID int64) (EffectiveState, error) {
	return EffectiveState{UserID: userID}, nil
}

type fakeRoles struct {
	roles   map[int64]roles.Role
	holders map[int64]int
}

func (f *fakeRoles) GetRole(ctx context.Context, id int64) (roles.Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return roles.Role{}, shared.NotFoundf("role %d", id)
	}
	return role, nil
}

func (f *fakeRoles) CountHolders(ctx context.Context, roleID int64) (int, error) {
	return f.holders[roleID], nil
}

type fakePerms struct {
	perms map[int64]catalog.Permission
}

func (f *fakePerms) Get(ctx context.Context, id int64) (catalog.Permission, error) {
	p, ok := f.perms[id]
	if !ok {
		return catalog.Permission{}, shared.NotFoundf("permission %d", id)
	}
	return p, nil
}

type fakeContexts struct {
	defs map[int64]contexts.PermissionContext
}

func (f *fakeContexts) Get(ctx context.Context, id int64) (contexts.PermissionContext, error) {
	def, ok := f.defs[id]
	if !ok {
		return contexts.PermissionContext{}, shared.NotFoundf("context %d", id)
	}
	return def, nil
}

type fakeUsers struct {
	users map[int64]identity.User
}

func (f *fakeUsers) GetUser(ctx context.Context, id int64) (identity.User, error) {
	u, ok := f.users[id]
	if !ok {
		return identity.User{}, shared.NotFoundf("user %d", id)
	}
	return u, nil
}

type fakeInvalidator struct {
	users []int64
	err   error
}

func (f *fakeInvalidator) InvalidateUser(ctx context.Context, userID int64) error {
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, userID)
	return nil
}

type fixture struct {
	repo *fakeRepo
	inv  *fakeInvalidator
	svc  *Service
}

func newFixture() *fixture {
	repo := newFakeRepo()
	repo.activePerms[10] = true
	repo.activePerms[11] = true
	inv := &fakeInvalidator{}
	roleSrc := &fakeRoles{
		roles: map[int64]roles.Role{
			1: {ID: 1, Name: "inspector", IsActive: true},
			2: {ID: 2, Name: "auditor", IsActive: true, RequiresMFA: true},
			3: {ID: 3, Name: "manager", IsActive: true, RequiresApproval: true},
			4: {ID: 4, Name: "pilot", IsActive: true, MaxUsers: 1},
			5: {ID: 5, Name: "retired"},
		},
		holders: map[int64]int{4: 1},
	}
	permSrc := &fakePerms{perms: map[int64]catalog.Permission{
		10: {ID: 10, Name: "document:approve", IsActive: true},
		11: {ID: 11, Name: "report:export", IsActive: true, RequiresMFA: true},
		12: {ID: 12, Name: "inspection:close"},
	}}
	ctxSrc := &fakeContexts{defs: map[int64]contexts.PermissionContext{
		20: {ID: 20, Name: "own-region", IsActive: true},
		21: {ID: 21, Name: "sunset"},
	}}
	userSrc := &fakeUsers{users: map[int64]identity.User{
		100: {ID: 100, Email: "a@sentra.dev", IsActive: true},
		101: {ID: 101, Email: "b@sentra.dev", IsActive: true, MFAEnabled: true},
		102: {ID: 102, Email: "c@sentra.dev"},
	}}
	svc := NewService(repo, roleSrc, permSrc, ctxSrc, userSrc, inv, nil)
	return &fixture{repo: repo, inv: inv, svc: svc}
}

func TestAssignRoleAppliesAndInvalidates(t *testing.T) {
	fx := newFixture()
	status, err := fx.svc.AssignRole(context.Background(), 100, 1)
	require.NoError(t, err)
	require.Equal(t, AssignApplied, status)
	require.Equal(t, []int64{100}, fx.inv.users)
	require.NotNil(t, fx.repo.roles[100])
	require.Equal(t, int64(1), *fx.repo.roles[100])
}

func TestAssignRoleRequiresMFA(t *testing.T) {
	fx := newFixture()
	_, err := fx.svc.AssignRole(context.Background(), 100, 2)
	require.ErrorIs(t, err, shared.ErrPolicyViolation)

	status, err := fx.svc.AssignRole(context.Background(), 101, 2)
	require.NoError(t, err)
	require.Equal(t, AssignApplied, status)
}

func TestAssignRoleQueuesApprovalGatedRoles(t *testing.T) {
	fx := newFixture()
	status, err := fx.svc.AssignRole(context.Background(), 100, 3)
	require.NoError(t, err)
	require.Equal(t, AssignPending, status)
	require.Equal(t, [][2]int64{{100, 3}}, fx.repo.pending)
	require.Nil(t, fx.repo.roles[100])
	require.Empty(t, fx.inv.users, "pending assignment changes nothing, nothing to invalidate")
}

func TestAssignRoleEnforcesHolderCap(t *testing.T) {
	fx := newFixture()
	_, err := fx.svc.AssignRole(context.Background(), 100, 4)
	require.ErrorIs(t, err, shared.ErrPolicyViolation)
}

func TestAssignRoleRejectsInactiveRoleAndUser(t *testing.T) {
	fx := newFixture()
	_, err := fx.svc.AssignRole(context.Background(), 100, 5)
	require.ErrorIs(t, err, shared.ErrInactive)

	_, err = fx.svc.AssignRole(context.Background(), 102, 1)
	require.ErrorIs(t, err, shared.ErrInactive)
}

func TestGrantPermissionPermanentDuplicateConflicts(t *testing.T) {
	fx := newFixture()
	require.NoError(t, fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{}))
	err := fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestGrantPermissionTemporaryReplacesExisting(t *testing.T) {
	fx := newFixture()
	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	require.NoError(t, fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{ExpiresAt: &first}))
	require.NoError(t, fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{ExpiresAt: &second}))
	require.Equal(t, second, fx.repo.temporary[[2]int64{100, 10}])
	require.Equal(t, []int64{100, 100}, fx.inv.users)
}

func TestGrantPermissionRejectsInactivePermission(t *testing.T) {
	fx := newFixture()
	err := fx.svc.GrantPermission(context.Background(), 100, 12, GrantOptions{})
	require.ErrorIs(t, err, shared.ErrInactive)
}

func TestGrantPermissionRequiresMFA(t *testing.T) {
	fx := newFixture()
	err := fx.svc.GrantPermission(context.Background(), 100, 11, GrantOptions{})
	require.ErrorIs(t, err, shared.ErrPolicyViolation)

	require.NoError(t, fx.svc.GrantPermission(context.Background(), 101, 11, GrantOptions{}))
}

func TestRevokePermissionNotHeldIsNotFound(t *testing.T) {
	fx := newFixture()
	err := fx.svc.RevokePermission(context.Background(), 100, 10)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, fx.inv.users)
}

func TestRevokePermissionRemovesBothKinds(t *testing.T) {
	fx := newFixture()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{}))
	require.NoError(t, fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{ExpiresAt: &exp}))

	require.NoError(t, fx.svc.RevokePermission(context.Background(), 100, 10))
	require.Empty(t, fx.repo.temporary)
	require.Empty(t, fx.repo.custom)
}

func TestDenyAndRemoveDenial(t *testing.T) {
	fx := newFixture()
	require.NoError(t, fx.svc.DenyPermission(context.Background(), 100, 10))
	require.ErrorIs(t, fx.svc.DenyPermission(context.Background(), 100, 10), shared.ErrConflict)

	require.NoError(t, fx.svc.RemoveDenial(context.Background(), 100, 10))
	require.ErrorIs(t, fx.svc.RemoveDenial(context.Background(), 100, 10), shared.ErrNotFound)
}

func TestAssignContextRejectsInactiveDefinition(t *testing.T) {
	fx := newFixture()
	err := fx.svc.AssignContext(context.Background(), 100, 21)
	require.ErrorIs(t, err, shared.ErrInactive)

	require.NoError(t, fx.svc.AssignContext(context.Background(), 100, 20))
	require.NoError(t, fx.svc.RemoveContext(context.Background(), 100, 20))
	require.ErrorIs(t, fx.svc.RemoveContext(context.Background(), 100, 20), shared.ErrNotFound)
}

func TestSetResourceOverrideValidatesPermissionIDs(t *testing.T) {
	fx := newFixture()
	err := fx.svc.SetResourceOverride(context.Background(), 100, "customer", "123", []int64{10}, []int64{99}, nil)
	require.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, fx.svc.SetResourceOverride(context.Background(), 100, "customer", "123", []int64{10}, []int64{11}, nil))
	require.True(t, fx.repo.overrides["customer/123"])
}

func TestRemoveResourceOverrideMissingIsNotFound(t *testing.T) {
	fx := newFixture()
	err := fx.svc.RemoveResourceOverride(context.Background(), 100, "customer", "123")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMutationsFailWhenInvalidationFails(t *testing.T) {
	fx := newFixture()
	fx.inv.err = errors.New("redis down")

	err := fx.svc.GrantPermission(context.Background(), 100, 10, GrantOptions{})
	require.Error(t, err)
	require.NotErrorIs(t, err, shared.ErrNotFound)

	_, err = fx.svc.AssignRole(context.Background(), 100, 1)
	require.Error(t, err)
}
